package query_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/watmarket/market-engine/internal/lock"
	"github.com/watmarket/market-engine/internal/model"
	"github.com/watmarket/market-engine/internal/money"
	"github.com/watmarket/market-engine/internal/query"
	"github.com/watmarket/market-engine/internal/store"
	"github.com/watmarket/market-engine/internal/trade"
)

func d(s string) money.Amount {
	return money.MustParse(s)
}

func newTestEnv(t *testing.T) (*query.Service, *trade.Executor, string) {
	t.Helper()
	st := store.NewMemoryStore()
	exec := trade.NewExecutor(st, lock.NewLocal(time.Second), nil)
	ctx := context.Background()

	m, err := exec.CreateMarket(ctx, trade.NewMarket{Title: "Will it rain?", ClosesAt: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	if _, err := exec.CreateUser(ctx, trade.NewUser{UserID: "alice"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return query.NewService(st), exec, m.ID
}

func TestOdds(t *testing.T) {
	svc, exec, marketID := newTestEnv(t)
	ctx := context.Background()

	odds, err := svc.Odds(ctx, marketID)
	if err != nil {
		t.Fatalf("odds: %v", err)
	}
	if odds.YesProbability != d("0.5") || odds.YesOdds != d("2") || odds.NoOdds != d("2") {
		t.Errorf("unexpected even odds: %+v", odds)
	}

	if _, err := exec.PlaceBet(ctx, model.PlaceBet{UserID: "alice", MarketID: marketID, Outcome: model.OutcomeYes, Stake: d("20")}); err != nil {
		t.Fatalf("bet: %v", err)
	}
	odds, _ = svc.Odds(ctx, marketID)
	if odds.YesProbability != d("0.590164") || odds.NoProbability != d("0.409836") {
		t.Errorf("unexpected odds after bet: %+v", odds)
	}
	if odds.Volume != d("20") {
		t.Errorf("expected volume 20, got %s", odds.Volume)
	}

	if _, err := svc.Odds(ctx, "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestPortfolio_MarksToMarket(t *testing.T) {
	svc, exec, marketID := newTestEnv(t)
	ctx := context.Background()

	if _, err := exec.PlaceBet(ctx, model.PlaceBet{UserID: "alice", MarketID: marketID, Outcome: model.OutcomeYes, Stake: d("20")}); err != nil {
		t.Fatalf("bet: %v", err)
	}

	p, err := svc.Portfolio(ctx, "alice")
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	if p.Balance != d("980") {
		t.Errorf("expected balance 980, got %s", p.Balance)
	}
	if len(p.Positions) != 1 {
		t.Fatalf("expected one position, got %d", len(p.Positions))
	}
	// Selling the whole position right now returns the stake.
	if p.PositionsValue != d("20") || p.TotalValue != d("1000") {
		t.Errorf("expected value 20 and total 1000, got %s and %s", p.PositionsValue, p.TotalValue)
	}
	if !p.UnrealizedPnL.IsZero() {
		t.Errorf("expected zero unrealized P&L, got %s", p.UnrealizedPnL)
	}

	if _, err := svc.Portfolio(ctx, "nobody"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestQuote_MatchesExecution(t *testing.T) {
	svc, exec, marketID := newTestEnv(t)
	ctx := context.Background()

	q, err := svc.Quote(ctx, marketID, model.OutcomeYes, model.KindBuy, d("20"))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Shares != d("36.666666") || q.YesProbability != d("0.590164") {
		t.Errorf("unexpected quote: %+v", q)
	}

	// Quoting does not move the market.
	res, err := exec.PlaceBet(ctx, model.PlaceBet{UserID: "alice", MarketID: marketID, Outcome: model.OutcomeYes, Stake: d("20")})
	if err != nil {
		t.Fatalf("bet: %v", err)
	}
	if res.Shares != q.Shares {
		t.Errorf("quote %s differs from fill %s", q.Shares, res.Shares)
	}

	sq, err := svc.Quote(ctx, marketID, model.OutcomeYes, model.KindSell, res.Shares)
	if err != nil {
		t.Fatalf("sell quote: %v", err)
	}
	if sq.Amount != d("20") {
		t.Errorf("expected sell quote of 20, got %s", sq.Amount)
	}

	if _, err := svc.Quote(ctx, marketID, model.OutcomeYes, model.KindBuy, 0); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected Validation for zero stake, got %v", err)
	}
}

func TestPriceHistoryAndTrades(t *testing.T) {
	svc, exec, marketID := newTestEnv(t)
	ctx := context.Background()

	for _, o := range []model.Outcome{model.OutcomeYes, model.OutcomeNo} {
		if _, err := exec.PlaceBet(ctx, model.PlaceBet{UserID: "alice", MarketID: marketID, Outcome: o, Stake: d("10")}); err != nil {
			t.Fatalf("bet: %v", err)
		}
	}

	history, err := svc.PriceHistory(ctx, marketID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 price points, got %d", len(history))
	}
	if history[0].YesPrice != d("0.5") {
		t.Errorf("expected opening price 0.5, got %s", history[0].YesPrice)
	}

	trades, err := svc.Trades(ctx, "alice")
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	if len(trades) != 2 || trades[0].Outcome != model.OutcomeNo {
		t.Errorf("expected two trades, newest first, got %+v", trades)
	}
}
