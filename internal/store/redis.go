package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/watmarket/market-engine/internal/model"
	"github.com/watmarket/market-engine/internal/money"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store inside RunInTx; every market and
// user the unit touched is evicted after commit. Reads check Redis first
// then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Primary returns the wrapped store, for readers that must not see cached
// values.
func (s *CachedStore) Primary() Store { return s.primary }

// --- Write path (primary, then invalidate) ---

func (s *CachedStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var touched *trackingTx
	err := s.primary.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		touched = &trackingTx{Tx: tx, markets: map[string]bool{}, users: map[string]bool{}}
		return fn(ctx, touched)
	})
	if err != nil {
		return err
	}

	keys := touched.keys()
	if len(keys) == 0 {
		return nil
	}
	// The unit is committed; eviction must not be skipped because the
	// caller went away.
	if err := s.rdb.Del(context.WithoutCancel(ctx), keys...).Err(); err != nil {
		slog.Warn("cache eviction failed", "keys", keys, "err", err)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.get(ctx, marketKey(id), &m) {
		return &m, nil
	}

	fresh, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, marketKey(id), fresh)
	return fresh, nil
}

func (s *CachedStore) GetBalance(ctx context.Context, userID string) (money.Amount, error) {
	var b money.Amount
	if s.get(ctx, balanceKey(userID), &b) {
		return b, nil
	}

	b, err := s.primary.GetBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.set(ctx, balanceKey(userID), b)
	return b, nil
}

func (s *CachedStore) ListUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	var positions []model.Position
	if s.get(ctx, positionsKey(userID), &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListUserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, positionsKey(userID), positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListUsers(ctx context.Context) ([]string, error) {
	return s.primary.ListUsers(ctx)
}

func (s *CachedStore) ListMarketPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.ListMarketPositions(ctx, marketID)
}

func (s *CachedStore) ListUserTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.ListUserTrades(ctx, userID)
}

func (s *CachedStore) ListUserLedger(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.primary.ListUserLedger(ctx, userID)
}

func (s *CachedStore) ListPriceHistory(ctx context.Context, marketID string) ([]model.PricePoint, error) {
	return s.primary.ListPriceHistory(ctx, marketID)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// trackingTx records which cached entities a unit wrote.
type trackingTx struct {
	Tx
	markets map[string]bool
	users   map[string]bool
}

func (t *trackingTx) InsertMarket(ctx context.Context, m *model.Market) error {
	t.markets[m.ID] = true
	return t.Tx.InsertMarket(ctx, m)
}

func (t *trackingTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	t.markets[m.ID] = true
	return t.Tx.UpdateMarket(ctx, m)
}

func (t *trackingTx) InsertUser(ctx context.Context, userID string, balance money.Amount) error {
	t.users[userID] = true
	return t.Tx.InsertUser(ctx, userID, balance)
}

func (t *trackingTx) SetBalance(ctx context.Context, userID string, balance money.Amount) error {
	t.users[userID] = true
	return t.Tx.SetBalance(ctx, userID, balance)
}

func (t *trackingTx) PutPosition(ctx context.Context, p model.Position) error {
	t.users[p.UserID] = true
	return t.Tx.PutPosition(ctx, p)
}

func (t *trackingTx) keys() []string {
	var keys []string
	for id := range t.markets {
		keys = append(keys, marketKey(id))
	}
	for id := range t.users {
		keys = append(keys, balanceKey(id), positionsKey(id))
	}
	return keys
}

func marketKey(id string) string     { return fmt.Sprintf("cache:market:%s", id) }
func balanceKey(uid string) string   { return fmt.Sprintf("cache:balance:%s", uid) }
func positionsKey(uid string) string { return fmt.Sprintf("cache:positions:%s", uid) }
