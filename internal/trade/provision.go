package trade

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/watmarket/market-engine/internal/cpmm"
	"github.com/watmarket/market-engine/internal/events"
	"github.com/watmarket/market-engine/internal/metrics"
	"github.com/watmarket/market-engine/internal/model"
	"github.com/watmarket/market-engine/internal/money"
	"github.com/watmarket/market-engine/internal/store"
)

// NewMarket describes a market to create. A nil InitialLiquidity seeds both
// pools with the executor's default.
type NewMarket struct {
	Title            string        `json:"title"`
	ClosesAt         time.Time     `json:"closes_at"`
	InitialLiquidity *money.Amount `json:"initial_liquidity,omitempty"`
}

// NewUser describes a user to create. A nil StartingBalance grants the
// executor's default.
type NewUser struct {
	UserID          string        `json:"user_id"`
	StartingBalance *money.Amount `json:"starting_balance,omitempty"`
}

// CreateMarket opens a market with equal pools and writes its first price
// point.
func (e *Executor) CreateMarket(ctx context.Context, req NewMarket) (*model.Market, error) {
	now := e.now()
	liquidity := e.liquidity
	if req.InitialLiquidity != nil {
		liquidity = *req.InitialLiquidity
	}
	if !liquidity.IsPositive() {
		return nil, model.Errorf(model.KindValidation, "initial_liquidity must be positive, got %s", liquidity)
	}
	if !req.ClosesAt.After(now) {
		return nil, model.Errorf(model.KindValidation, "closes_at must be in the future")
	}

	market := &model.Market{
		ID:        uuid.New().String(),
		Title:     strings.TrimSpace(req.Title),
		YesPool:   liquidity,
		NoPool:    liquidity,
		Status:    model.StatusOpen,
		ClosesAt:  req.ClosesAt.UTC(),
		CreatedAt: now,
	}
	yes, no, err := cpmm.Odds(cpmm.Pool{Yes: market.YesPool, No: market.NoPool})
	if err != nil {
		return nil, err
	}

	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertMarket(ctx, market); err != nil {
			return err
		}
		return tx.AppendPricePoint(ctx, &model.PricePoint{
			MarketID:  market.ID,
			YesPrice:  yes,
			NoPrice:   no,
			Timestamp: now,
		})
	})
	if err != nil {
		Reject("create_market", err)
		return nil, err
	}

	metrics.ActiveMarkets.Inc()
	e.pub.Publish(ctx, events.Event{
		Type:      events.MarketCreated,
		MarketID:  market.ID,
		YesPrice:  yes,
		NoPrice:   no,
		Status:    market.Status,
		Timestamp: now,
	})
	slog.Info("market created", "market", market.ID, "title", market.Title, "liquidity", liquidity)
	return market, nil
}

// CreateUser registers a user and grants the starting balance with a
// matching initial ledger entry.
func (e *Executor) CreateUser(ctx context.Context, req NewUser) (money.Amount, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return 0, model.Errorf(model.KindValidation, "user_id is required")
	}
	balance := e.balance
	if req.StartingBalance != nil {
		balance = *req.StartingBalance
	}
	if balance.IsNegative() {
		return 0, model.Errorf(model.KindValidation, "starting_balance must not be negative")
	}

	now := e.now()
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertUser(ctx, req.UserID, balance); err != nil {
			return err
		}
		if balance.IsZero() {
			return nil
		}
		return tx.AppendLedger(ctx, &model.LedgerEntry{
			ID:        uuid.New().String(),
			UserID:    req.UserID,
			Amount:    balance,
			Type:      model.LedgerInitial,
			Reference: req.UserID,
			Timestamp: now,
		})
	})
	if err != nil {
		Reject("create_user", err)
		return 0, err
	}
	slog.Info("user created", "user", req.UserID, "balance", balance)
	return balance, nil
}
