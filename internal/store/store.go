// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-node runs).
//
// Writes happen only inside RunInTx: either every staged change of a unit
// becomes visible or none does. Reads through Reader see committed state
// only and never take engine locks.
package store

import (
	"context"

	"github.com/watmarket/market-engine/internal/model"
	"github.com/watmarket/market-engine/internal/money"
)

// Reader serves lock-free queries against committed state.
type Reader interface {
	// GetMarket retrieves a market by ID. Missing markets wrap model.ErrNotFound.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// GetBalance returns a user's balance. Unknown users wrap model.ErrNotFound.
	GetBalance(ctx context.Context, userID string) (money.Amount, error)

	// ListUsers returns every user ID in ascending order.
	ListUsers(ctx context.Context) ([]string, error)

	// ListUserPositions returns a user's non-empty positions.
	ListUserPositions(ctx context.Context, userID string) ([]model.Position, error)

	// ListMarketPositions returns every non-empty position in a market,
	// ordered by user then outcome.
	ListMarketPositions(ctx context.Context, marketID string) ([]model.Position, error)

	// ListUserTrades returns a user's trades, newest first, with their
	// settlement status joined.
	ListUserTrades(ctx context.Context, userID string) ([]model.Trade, error)

	// ListUserLedger returns a user's ledger entries in append order.
	ListUserLedger(ctx context.Context, userID string) ([]model.LedgerEntry, error)

	// ListPriceHistory returns a market's price points, oldest first.
	ListPriceHistory(ctx context.Context, marketID string) ([]model.PricePoint, error)
}

// Tx is one atomic unit of work. Reads observe the unit's own staged
// writes. Row-level reads of markets and balances lock the row for the
// rest of the unit where the backend supports it.
type Tx interface {
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	GetBalance(ctx context.Context, userID string) (money.Amount, error)

	// GetPosition returns the position for key, or an empty one.
	GetPosition(ctx context.Context, key model.PositionKey) (model.Position, error)

	ListMarketPositions(ctx context.Context, marketID string) ([]model.Position, error)
	ListMarketTrades(ctx context.Context, marketID string) ([]model.Trade, error)
	ListMarketLedger(ctx context.Context, marketID string) ([]model.LedgerEntry, error)

	InsertMarket(ctx context.Context, m *model.Market) error
	UpdateMarket(ctx context.Context, m *model.Market) error
	InsertUser(ctx context.Context, userID string, balance money.Amount) error
	SetBalance(ctx context.Context, userID string, balance money.Amount) error
	PutPosition(ctx context.Context, p model.Position) error
	InsertTrade(ctx context.Context, t *model.Trade) error

	// PutSettlement records a trade's settlement. A trade settles once;
	// a second settlement is rejected.
	PutSettlement(ctx context.Context, s *model.Settlement) error

	AppendLedger(ctx context.Context, e *model.LedgerEntry) error
	AppendPricePoint(ctx context.Context, p *model.PricePoint) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Reader

	// RunInTx runs fn inside one atomic unit. If fn returns an error every
	// staged write is discarded. Once fn has returned nil the commit runs to
	// completion even if ctx is cancelled.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Uncached returns the store behind any read cache wrapping r, or r itself.
// Consistency checks read through it since a cached balance can trail the
// ledger for up to the cache TTL.
func Uncached(r Reader) Reader {
	for {
		c, ok := r.(interface{ Primary() Store })
		if !ok {
			return r
		}
		r = c.Primary()
	}
}
