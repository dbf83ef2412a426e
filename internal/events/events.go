// Package events fans committed engine changes out to live subscribers.
//
// Events are published only after a unit has committed, and publishing is
// fire-and-forget: a slow or failed subscriber never affects the ledger.
package events

import (
	"context"
	"time"

	"github.com/watmarket/market-engine/internal/model"
	"github.com/watmarket/market-engine/internal/money"
)

// Type names an engine event.
type Type string

const (
	TradeExecuted     Type = "trade_executed"
	MarketCreated     Type = "market_created"
	MarketResolved    Type = "market_resolved"
	MarketInvalidated Type = "market_invalidated"
)

// Event is the JSON payload sent to WebSocket clients and NATS.
type Event struct {
	Type      Type               `json:"type"`
	MarketID  string             `json:"market_id"`
	UserID    string             `json:"user_id,omitempty"`
	TradeID   string             `json:"trade_id,omitempty"`
	Kind      model.TradeKind    `json:"kind,omitempty"`
	Outcome   model.Outcome      `json:"outcome,omitempty"`
	Shares    *money.Amount      `json:"shares,omitempty"`
	Amount    *money.Amount      `json:"amount,omitempty"`
	YesPrice  money.Amount       `json:"yes_price"`
	NoPrice   money.Amount       `json:"no_price"`
	Status    model.MarketStatus `json:"status,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Publisher delivers events. Implementations must not block the caller for
// long and must not return delivery failures to it.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Multi publishes every event to each of its publishers in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		p.Publish(ctx, e)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Amount returns a pointer to a, for the optional event fields.
func Amount(a money.Amount) *money.Amount {
	return &a
}
