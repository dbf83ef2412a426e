package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/watmarket/market-engine/internal/model"
)

// newTestPostgres connects to TEST_DATABASE_URL and applies migrations.
// The test is skipped when no database is configured or reachable.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("test postgres not available: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("test postgres not available: %v", err)
	}
	t.Cleanup(pool.Close)

	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	marketID := uuid.NewString()
	userID := "pg-" + uuid.NewString()
	tradeID := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)

	err := s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertMarket(ctx, &model.Market{
			ID: marketID, Title: "pg", YesPool: d("83.333334"), NoPool: d("120"),
			Status: model.StatusOpen, ClosesAt: now.Add(time.Hour), CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := tx.InsertUser(ctx, userID, d("980")); err != nil {
			return err
		}
		if err := tx.PutPosition(ctx, model.Position{
			UserID: userID, MarketID: marketID, Outcome: model.OutcomeYes,
			Shares: d("36.666666"), CostBasis: d("20"),
		}); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, &model.Trade{
			ID: tradeID, UserID: userID, MarketID: marketID, Outcome: model.OutcomeYes,
			Kind: model.KindBuy, Shares: d("36.666666"), Amount: d("20"), Price: d("0.545455"), Timestamp: now,
		}); err != nil {
			return err
		}
		return tx.AppendLedger(ctx, &model.LedgerEntry{
			ID: uuid.NewString(), UserID: userID, Amount: d("-20"), Type: model.LedgerBet,
			Reference: tradeID, MarketID: marketID, Timestamp: now,
		})
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	m, err := s.GetMarket(ctx, marketID)
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if m.YesPool != d("83.333334") || m.NoPool != d("120") {
		t.Errorf("pools did not survive NUMERIC round trip: %s/%s", m.YesPool, m.NoPool)
	}

	b, _ := s.GetBalance(ctx, userID)
	if b != d("980") {
		t.Errorf("expected 980, got %s", b)
	}

	trades, _ := s.ListUserTrades(ctx, userID)
	if len(trades) != 1 || trades[0].Settlement != model.SettlementPending {
		t.Fatalf("unexpected trades: %+v", trades)
	}

	settle := func() error {
		return s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.PutSettlement(ctx, &model.Settlement{
				TradeID: tradeID, MarketID: marketID, Status: model.SettlementWon, Timestamp: now,
			})
		})
	}
	if err := settle(); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := settle(); !errors.Is(err, model.ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved on second settlement, got %v", err)
	}
}

func TestPostgresStore_RollbackOnError(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	userID := "pg-" + uuid.NewString()

	boom := errors.New("boom")
	err := s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertUser(ctx, userID, d("1000")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.GetBalance(ctx, userID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected rolled-back user to be absent, got %v", err)
	}
}
