package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/watmarket/market-engine/internal/model"
	"github.com/watmarket/market-engine/internal/money"
)

func d(s string) money.Amount {
	return money.MustParse(s)
}

func seed(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	err := s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertMarket(ctx, &model.Market{
			ID:        "m1",
			Title:     "Will it rain?",
			YesPool:   d("100"),
			NoPool:    d("100"),
			Status:    model.StatusOpen,
			ClosesAt:  time.Now().Add(time.Hour),
			CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		return tx.InsertUser(ctx, "alice", d("1000"))
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestMemoryStore_CommitIsAtomic(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.SetBalance(ctx, "alice", d("980")); err != nil {
			return err
		}
		// Staged writes are visible inside the unit.
		b, _ := tx.GetBalance(ctx, "alice")
		if b != d("980") {
			t.Errorf("expected staged balance 980, got %s", b)
		}
		// ...but not outside it.
		committed, _ := s.GetBalance(ctx, "alice")
		if committed != d("1000") {
			t.Errorf("expected committed balance 1000, got %s", committed)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	b, _ := s.GetBalance(ctx, "alice")
	if b != d("1000") {
		t.Errorf("rolled-back unit leaked: balance %s", b)
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetMarket(ctx, "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for market, got %v", err)
	}
	if _, err := s.GetBalance(ctx, "nobody"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for user, got %v", err)
	}
}

func TestMemoryStore_DuplicateUser(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.InsertUser(ctx, "alice", d("5"))
	})
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestMemoryStore_SettlementIsWriteOnce(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	trade := &model.Trade{ID: "t1", UserID: "alice", MarketID: "m1", Outcome: model.OutcomeYes, Kind: model.KindBuy}
	settle := func(status model.SettlementStatus) error {
		return s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.PutSettlement(ctx, &model.Settlement{TradeID: "t1", MarketID: "m1", Status: status})
		})
	}

	if err := s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertTrade(ctx, trade)
	}); err != nil {
		t.Fatalf("insert trade: %v", err)
	}

	trades, _ := s.ListUserTrades(ctx, "alice")
	if len(trades) != 1 || trades[0].Settlement != model.SettlementPending {
		t.Fatalf("expected one pending trade, got %+v", trades)
	}

	if err := settle(model.SettlementWon); err != nil {
		t.Fatalf("first settlement: %v", err)
	}
	if err := settle(model.SettlementLost); !errors.Is(err, model.ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}

	trades, _ = s.ListUserTrades(ctx, "alice")
	if trades[0].Settlement != model.SettlementWon {
		t.Errorf("expected won, got %s", trades[0].Settlement)
	}
}

func TestMemoryStore_PositionsSkipEmpty(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	err := s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertUser(ctx, "bob", d("1000")); err != nil {
			return err
		}
		for _, p := range []model.Position{
			{UserID: "bob", MarketID: "m1", Outcome: model.OutcomeNo, Shares: d("5")},
			{UserID: "alice", MarketID: "m1", Outcome: model.OutcomeYes, Shares: d("10")},
			{UserID: "alice", MarketID: "m1", Outcome: model.OutcomeNo, Shares: 0},
		} {
			if err := tx.PutPosition(ctx, p); err != nil {
				return err
			}
		}

		// The unit sees its own positions before commit.
		staged, _ := tx.ListMarketPositions(ctx, "m1")
		if len(staged) != 2 {
			t.Errorf("expected 2 staged positions, got %d", len(staged))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ps, _ := s.ListMarketPositions(ctx, "m1")
	if len(ps) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(ps))
	}
	if ps[0].UserID != "alice" || ps[1].UserID != "bob" {
		t.Errorf("expected positions ordered by user, got %s, %s", ps[0].UserID, ps[1].UserID)
	}

	mine, _ := s.ListUserPositions(ctx, "alice")
	if len(mine) != 1 || mine[0].Shares != d("10") {
		t.Errorf("unexpected alice positions: %+v", mine)
	}

	var pos model.Position
	_ = s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		pos, err = tx.GetPosition(ctx, model.PositionKey{UserID: "carol", MarketID: "m1", Outcome: model.OutcomeYes})
		return err
	})
	if !pos.Shares.IsZero() || pos.UserID != "carol" {
		t.Errorf("expected empty position for carol, got %+v", pos)
	}
}

func TestMemoryStore_MarketCopiesAreIsolated(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	m, _ := s.GetMarket(ctx, "m1")
	m.YesPool = d("1")

	again, _ := s.GetMarket(ctx, "m1")
	if again.YesPool != d("100") {
		t.Errorf("external mutation leaked into the store: %s", again.YesPool)
	}
}
