// Package model defines the core domain types shared across the market engine.
// All money and share quantities use money.Amount, never float64.
package model

import (
	"time"

	"github.com/watmarket/market-engine/internal/money"
)

// Outcome is one side of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "yes"
	OutcomeNo  Outcome = "no"
)

// Valid reports whether o is YES or NO.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// Opposite returns the other side.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

// MarketStatus is the lifecycle state of a market. Resolved and Invalidated
// are terminal.
type MarketStatus string

const (
	StatusOpen        MarketStatus = "open"
	StatusResolved    MarketStatus = "resolved"
	StatusInvalidated MarketStatus = "invalidated"
)

// Market is one binary CPMM market.
type Market struct {
	ID         string       `json:"id" db:"id"`
	Title      string       `json:"title" db:"title"`
	YesPool    money.Amount `json:"yes_pool" db:"yes_pool"`
	NoPool     money.Amount `json:"no_pool" db:"no_pool"`
	Volume     money.Amount `json:"volume" db:"volume"`
	Status     MarketStatus `json:"status" db:"status"`
	Outcome    *Outcome     `json:"outcome,omitempty" db:"outcome"`
	ClosesAt   time.Time    `json:"closes_at" db:"closes_at"`
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty" db:"resolved_at"`
}

// IsOpen reports whether the market still accepts trades at instant now.
func (m *Market) IsOpen(now time.Time) bool {
	return m.Status == StatusOpen && now.Before(m.ClosesAt)
}

// TradeKind distinguishes buys from sells.
type TradeKind string

const (
	KindBuy  TradeKind = "buy"
	KindSell TradeKind = "sell"
)

// SettlementStatus is the settlement state of a trade. Pending is implied by
// the absence of a Settlement record.
type SettlementStatus string

const (
	SettlementPending  SettlementStatus = "pending"
	SettlementWon      SettlementStatus = "won"
	SettlementLost     SettlementStatus = "lost"
	SettlementRefunded SettlementStatus = "refunded"
)

// Trade is an immutable record of one executed buy or sell.
type Trade struct {
	ID         string           `json:"id" db:"id"`
	UserID     string           `json:"user_id" db:"user_id"`
	MarketID   string           `json:"market_id" db:"market_id"`
	Outcome    Outcome          `json:"outcome" db:"outcome"`
	Kind       TradeKind        `json:"kind" db:"kind"`
	Shares     money.Amount     `json:"shares" db:"shares"`
	Amount     money.Amount     `json:"amount" db:"amount"`
	Price      money.Amount     `json:"price" db:"price"` // amount / shares
	Settlement SettlementStatus `json:"settlement" db:"-"`
	Timestamp  time.Time        `json:"timestamp" db:"timestamp"`
}

// Settlement is written once per trade by the resolution engine.
type Settlement struct {
	TradeID   string           `json:"trade_id" db:"trade_id"`
	MarketID  string           `json:"market_id" db:"market_id"`
	Status    SettlementStatus `json:"status" db:"status"`
	Timestamp time.Time        `json:"timestamp" db:"timestamp"`
}

// LedgerType classifies a balance change.
type LedgerType string

const (
	LedgerInitial LedgerType = "initial"
	LedgerBet     LedgerType = "bet"
	LedgerSale    LedgerType = "sale"
	LedgerPayout  LedgerType = "payout"
	LedgerRefund  LedgerType = "refund"
)

// LedgerEntry is an append-only record of one balance change. The sum of a
// user's entries always equals their balance.
type LedgerEntry struct {
	ID        string       `json:"id" db:"id"`
	UserID    string       `json:"user_id" db:"user_id"`
	Amount    money.Amount `json:"amount" db:"amount"` // signed
	Type      LedgerType   `json:"type" db:"type"`
	Reference string       `json:"reference" db:"reference"` // trade or market id
	MarketID  string       `json:"market_id,omitempty" db:"market_id"`
	Timestamp time.Time    `json:"timestamp" db:"timestamp"`
}

// Position is a user's holding of one outcome in one market.
type Position struct {
	UserID    string       `json:"user_id" db:"user_id"`
	MarketID  string       `json:"market_id" db:"market_id"`
	Outcome   Outcome      `json:"outcome" db:"outcome"`
	Shares    money.Amount `json:"shares" db:"shares"`
	CostBasis money.Amount `json:"cost_basis" db:"cost_basis"`
}

// PositionKey identifies a position.
type PositionKey struct {
	UserID   string
	MarketID string
	Outcome  Outcome
}

// Key returns the position's identity.
func (p Position) Key() PositionKey {
	return PositionKey{UserID: p.UserID, MarketID: p.MarketID, Outcome: p.Outcome}
}

// PricePoint is one sample of a market's implied probabilities, written on
// every pool mutation.
type PricePoint struct {
	MarketID  string       `json:"market_id" db:"market_id"`
	YesPrice  money.Amount `json:"yes_price" db:"yes_price"`
	NoPrice   money.Amount `json:"no_price" db:"no_price"`
	Timestamp time.Time    `json:"timestamp" db:"timestamp"`
}
