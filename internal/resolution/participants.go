package resolution

import (
	"context"
	"log/slog"
	"time"

	"github.com/watmarket/market-engine/internal/lock"
	"github.com/watmarket/market-engine/internal/metrics"
	"github.com/watmarket/market-engine/internal/model"
	"github.com/watmarket/market-engine/internal/store"
)

// participantsFunc lists the users a settlement will touch.
type participantsFunc func(ctx context.Context, st store.Store, marketID string) ([]string, error)

// holders returns users with an open position in the market.
func holders(ctx context.Context, st store.Store, marketID string) ([]string, error) {
	positions, err := st.ListMarketPositions(ctx, marketID)
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(positions))
	for _, p := range positions {
		users = append(users, p.UserID)
	}
	return users, nil
}

// traders returns users with any ledger activity in the market, including
// those who have since sold out of their position.
func traders(ctx context.Context, st store.Store, marketID string) ([]string, error) {
	var users []string
	err := st.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		entries, err := tx.ListMarketLedger(ctx, marketID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			users = append(users, e.UserID)
		}
		return nil
	})
	return users, err
}

type heldLocks struct {
	users   map[string]bool
	release func()
}

func (h *heldLocks) holds(user string) bool { return h.users[user] }

// lockParticipants takes the market lock, reads the participants, then
// takes their user locks. Nothing is held when it returns an error.
func (r *Resolver) lockParticipants(ctx context.Context, marketID string, list participantsFunc) (*heldLocks, error) {
	start := time.Now()
	defer func() { metrics.LockWait.Observe(time.Since(start).Seconds()) }()

	releaseMarket, err := r.locker.Acquire(ctx, lock.MarketKey(marketID))
	if err != nil {
		return nil, model.Wrap(model.KindBusy, err, "lock wait")
	}
	users, err := list(ctx, r.store, marketID)
	if err != nil {
		releaseMarket()
		return nil, err
	}

	held := &heldLocks{users: make(map[string]bool, len(users)), release: releaseMarket}
	keys := make([]string, 0, len(users))
	for _, u := range users {
		if !held.users[u] {
			held.users[u] = true
			keys = append(keys, lock.UserKey(u))
		}
	}
	if len(keys) == 0 {
		return held, nil
	}

	releaseUsers, err := r.locker.Acquire(ctx, keys...)
	if err != nil {
		releaseMarket()
		return nil, model.Wrap(model.KindBusy, err, "lock wait")
	}
	held.release = func() {
		releaseUsers()
		releaseMarket()
	}
	return held, nil
}

func observe(command string, err error) {
	if err == nil {
		return
	}
	k := model.KindOf(err)
	metrics.RejectionsTotal.WithLabelValues(command, string(k)).Inc()
	if model.IsCorruption(err) || k == model.KindInternal {
		slog.Error("settlement failed", "command", command, "kind", k, "err", err)
		return
	}
	slog.Warn("settlement rejected", "command", command, "kind", k, "err", err)
}
