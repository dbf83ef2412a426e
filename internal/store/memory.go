package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/watmarket/market-engine/internal/model"
	"github.com/watmarket/market-engine/internal/money"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions stage their writes privately and apply them under the write
// lock at commit, so readers never observe a half-applied unit.
type MemoryStore struct {
	mu          sync.RWMutex
	markets     map[string]*model.Market
	balances    map[string]money.Amount
	positions   map[model.PositionKey]model.Position
	trades      []model.Trade
	settlements map[string]model.Settlement
	ledger      []model.LedgerEntry
	prices      []model.PricePoint
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:     make(map[string]*model.Market),
		balances:    make(map[string]money.Amount),
		positions:   make(map[model.PositionKey]model.Position),
		settlements: make(map[string]model.Settlement),
	}
}

// --- Reader ---

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, model.ErrNotFound)
	}
	return cloneMarket(m), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *cloneMarket(m))
	}
	sort.Slice(markets, func(i, j int) bool {
		if markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].ID < markets[j].ID
		}
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (money.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[userID]
	if !ok {
		return 0, fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
	}
	return b, nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]string, 0, len(s.balances))
	for id := range s.balances {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}

func (s *MemoryStore) ListUserPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for k, p := range s.positions {
		if k.UserID == userID && p.Shares.IsPositive() {
			result = append(result, p)
		}
	}
	sortPositions(result)
	return result, nil
}

func (s *MemoryStore) ListMarketPositions(_ context.Context, marketID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.marketPositions(marketID, nil), nil
}

func (s *MemoryStore) ListUserTrades(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		t := s.trades[i]
		if t.UserID != userID {
			continue
		}
		t.Settlement = model.SettlementPending
		if st, ok := s.settlements[t.ID]; ok {
			t.Settlement = st.Status
		}
		result = append(result, t)
	}
	return result, nil
}

func (s *MemoryStore) ListUserLedger(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListPriceHistory(_ context.Context, marketID string) ([]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PricePoint
	for _, p := range s.prices {
		if p.MarketID == marketID {
			result = append(result, p)
		}
	}
	return result, nil
}

// --- Transactions ---

// RunInTx stages fn's writes in a memTx and applies them atomically.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memTx{
		s:           s,
		markets:     make(map[string]*model.Market),
		newMarkets:  make(map[string]bool),
		balances:    make(map[string]money.Amount),
		newUsers:    make(map[string]bool),
		positions:   make(map[model.PositionKey]model.Position),
		settlements: make(map[string]model.Settlement),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

// commit validates the staged inserts against committed state, then applies
// everything under a single write lock.
func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range tx.newMarkets {
		if _, ok := s.markets[id]; ok {
			return fmt.Errorf("market %s already exists: %w", id, model.ErrValidation)
		}
	}
	for id := range tx.newUsers {
		if _, ok := s.balances[id]; ok {
			return fmt.Errorf("user %s already exists: %w", id, model.ErrValidation)
		}
	}
	for id := range tx.settlements {
		if _, ok := s.settlements[id]; ok {
			return fmt.Errorf("trade %s already settled: %w", id, model.ErrAlreadyResolved)
		}
	}

	for id, m := range tx.markets {
		s.markets[id] = m
	}
	for id, b := range tx.balances {
		s.balances[id] = b
	}
	for k, p := range tx.positions {
		s.positions[k] = p
	}
	for id, st := range tx.settlements {
		s.settlements[id] = st
	}
	s.trades = append(s.trades, tx.trades...)
	s.ledger = append(s.ledger, tx.ledger...)
	s.prices = append(s.prices, tx.prices...)
	return nil
}

// marketPositions merges committed positions with staged overrides.
// Caller holds s.mu.
func (s *MemoryStore) marketPositions(marketID string, staged map[model.PositionKey]model.Position) []model.Position {
	merged := make(map[model.PositionKey]model.Position)
	for k, p := range s.positions {
		if k.MarketID == marketID {
			merged[k] = p
		}
	}
	for k, p := range staged {
		if k.MarketID == marketID {
			merged[k] = p
		}
	}

	var result []model.Position
	for _, p := range merged {
		if p.Shares.IsPositive() {
			result = append(result, p)
		}
	}
	sortPositions(result)
	return result
}

// memTx is a staged unit of work against a MemoryStore.
type memTx struct {
	s           *MemoryStore
	markets     map[string]*model.Market
	newMarkets  map[string]bool
	balances    map[string]money.Amount
	newUsers    map[string]bool
	positions   map[model.PositionKey]model.Position
	trades      []model.Trade
	settlements map[string]model.Settlement
	ledger      []model.LedgerEntry
	prices      []model.PricePoint
}

var _ Tx = (*memTx)(nil)

func (t *memTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	if m, ok := t.markets[id]; ok {
		return cloneMarket(m), nil
	}
	return t.s.GetMarket(ctx, id)
}

func (t *memTx) GetBalance(ctx context.Context, userID string) (money.Amount, error) {
	if b, ok := t.balances[userID]; ok {
		return b, nil
	}
	return t.s.GetBalance(ctx, userID)
}

func (t *memTx) GetPosition(_ context.Context, key model.PositionKey) (model.Position, error) {
	if p, ok := t.positions[key]; ok {
		return p, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	if p, ok := t.s.positions[key]; ok {
		return p, nil
	}
	return model.Position{UserID: key.UserID, MarketID: key.MarketID, Outcome: key.Outcome}, nil
}

func (t *memTx) ListMarketPositions(_ context.Context, marketID string) ([]model.Position, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	return t.s.marketPositions(marketID, t.positions), nil
}

func (t *memTx) ListMarketTrades(_ context.Context, marketID string) ([]model.Trade, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	var result []model.Trade
	for _, tr := range slices.Concat(t.s.trades, t.trades) {
		if tr.MarketID != marketID {
			continue
		}
		tr.Settlement = model.SettlementPending
		if st, ok := t.settlements[tr.ID]; ok {
			tr.Settlement = st.Status
		} else if st, ok := t.s.settlements[tr.ID]; ok {
			tr.Settlement = st.Status
		}
		result = append(result, tr)
	}
	return result, nil
}

func (t *memTx) ListMarketLedger(_ context.Context, marketID string) ([]model.LedgerEntry, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range slices.Concat(t.s.ledger, t.ledger) {
		if e.MarketID == marketID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (t *memTx) InsertMarket(_ context.Context, m *model.Market) error {
	if t.newMarkets[m.ID] {
		return fmt.Errorf("market %s already exists: %w", m.ID, model.ErrValidation)
	}
	t.newMarkets[m.ID] = true
	t.markets[m.ID] = cloneMarket(m)
	return nil
}

func (t *memTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	if _, err := t.GetMarket(ctx, m.ID); err != nil {
		return err
	}
	t.markets[m.ID] = cloneMarket(m)
	return nil
}

func (t *memTx) InsertUser(_ context.Context, userID string, balance money.Amount) error {
	if t.newUsers[userID] {
		return fmt.Errorf("user %s already exists: %w", userID, model.ErrValidation)
	}
	t.newUsers[userID] = true
	t.balances[userID] = balance
	return nil
}

func (t *memTx) SetBalance(ctx context.Context, userID string, balance money.Amount) error {
	if _, err := t.GetBalance(ctx, userID); err != nil {
		return err
	}
	t.balances[userID] = balance
	return nil
}

func (t *memTx) PutPosition(_ context.Context, p model.Position) error {
	t.positions[p.Key()] = p
	return nil
}

func (t *memTx) InsertTrade(_ context.Context, tr *model.Trade) error {
	t.trades = append(t.trades, *tr)
	return nil
}

func (t *memTx) PutSettlement(_ context.Context, st *model.Settlement) error {
	if _, ok := t.settlements[st.TradeID]; ok {
		return fmt.Errorf("trade %s already settled: %w", st.TradeID, model.ErrAlreadyResolved)
	}
	t.settlements[st.TradeID] = *st
	return nil
}

func (t *memTx) AppendLedger(_ context.Context, e *model.LedgerEntry) error {
	t.ledger = append(t.ledger, *e)
	return nil
}

func (t *memTx) AppendPricePoint(_ context.Context, p *model.PricePoint) error {
	t.prices = append(t.prices, *p)
	return nil
}

// --- helpers ---

func cloneMarket(m *model.Market) *model.Market {
	c := *m
	if m.Outcome != nil {
		o := *m.Outcome
		c.Outcome = &o
	}
	if m.ResolvedAt != nil {
		at := *m.ResolvedAt
		c.ResolvedAt = &at
	}
	return &c
}

func sortPositions(ps []model.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].UserID != ps[j].UserID {
			return ps[i].UserID < ps[j].UserID
		}
		if ps[i].MarketID != ps[j].MarketID {
			return ps[i].MarketID < ps[j].MarketID
		}
		return ps[i].Outcome < ps[j].Outcome
	})
}
