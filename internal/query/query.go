// Package query serves read-only views of committed engine state. Queries
// take no engine locks and may trail an in-flight unit.
package query

import (
	"context"

	"github.com/watmarket/market-engine/internal/cpmm"
	"github.com/watmarket/market-engine/internal/model"
	"github.com/watmarket/market-engine/internal/money"
	"github.com/watmarket/market-engine/internal/store"
)

// Service answers queries against a store.Reader.
type Service struct {
	store store.Reader
}

// NewService creates a query service.
func NewService(st store.Reader) *Service {
	return &Service{store: st}
}

// Odds is a market's current pricing.
type Odds struct {
	MarketID       string             `json:"market_id"`
	YesPool        money.Amount       `json:"yes_pool"`
	NoPool         money.Amount       `json:"no_pool"`
	YesProbability money.Amount       `json:"yes_probability"`
	NoProbability  money.Amount       `json:"no_probability"`
	YesOdds        money.Amount       `json:"yes_odds"` // decimal odds, 1/p
	NoOdds         money.Amount       `json:"no_odds"`
	Volume         money.Amount       `json:"volume"`
	Status         model.MarketStatus `json:"status"`
	Outcome        *model.Outcome     `json:"outcome,omitempty"`
}

// PositionView is a position marked to market.
type PositionView struct {
	model.Position
	MarketStatus  model.MarketStatus `json:"market_status"`
	Value         money.Amount       `json:"value"`
	UnrealizedPnL money.Amount       `json:"unrealized_pnl"`
}

// Portfolio summarizes a user's balance and holdings.
type Portfolio struct {
	UserID         string         `json:"user_id"`
	Balance        money.Amount   `json:"balance"`
	Positions      []PositionView `json:"positions"`
	PositionsValue money.Amount   `json:"positions_value"`
	CostBasis      money.Amount   `json:"cost_basis"`
	TotalValue     money.Amount   `json:"total_value"`
	UnrealizedPnL  money.Amount   `json:"unrealized_pnl"`
}

// Quote is a dry-run trade.
type Quote struct {
	MarketID       string          `json:"market_id"`
	Outcome        model.Outcome   `json:"outcome"`
	Kind           model.TradeKind `json:"kind"`
	Shares         money.Amount    `json:"shares"`
	Amount         money.Amount    `json:"amount"`
	Price          money.Amount    `json:"price"`
	YesProbability money.Amount    `json:"yes_probability"` // after the trade
	Pool           cpmm.Pool       `json:"pool"`
}

// GetMarket returns a market.
func (s *Service) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return s.store.GetMarket(ctx, id)
}

// ListMarkets returns all markets, newest first.
func (s *Service) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.store.ListMarkets(ctx)
}

// Odds returns a market's implied probabilities and decimal odds.
func (s *Service) Odds(ctx context.Context, marketID string) (*Odds, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	yes, no, err := cpmm.Odds(pool(m))
	if err != nil {
		return nil, err
	}
	return &Odds{
		MarketID:       m.ID,
		YesPool:        m.YesPool,
		NoPool:         m.NoPool,
		YesProbability: yes,
		NoProbability:  no,
		YesOdds:        decimalOdds(yes),
		NoOdds:         decimalOdds(no),
		Volume:         m.Volume,
		Status:         m.Status,
		Outcome:        m.Outcome,
	}, nil
}

// Positions returns a user's open positions with what each would sell for
// now.
func (s *Service) Positions(ctx context.Context, userID string) ([]PositionView, error) {
	if _, err := s.store.GetBalance(ctx, userID); err != nil {
		return nil, err
	}
	positions, err := s.store.ListUserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	markets := make(map[string]*model.Market)
	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		m, ok := markets[p.MarketID]
		if !ok {
			if m, err = s.store.GetMarket(ctx, p.MarketID); err != nil {
				return nil, err
			}
			markets[p.MarketID] = m
		}
		value := money.Amount(0)
		if m.Status == model.StatusOpen {
			if value, err = cpmm.SellValue(pool(m), p.Outcome, p.Shares); err != nil {
				return nil, err
			}
		}
		pnl, err := value.Sub(p.CostBasis)
		if err != nil {
			return nil, err
		}
		views = append(views, PositionView{
			Position:      p,
			MarketStatus:  m.Status,
			Value:         value,
			UnrealizedPnL: pnl,
		})
	}
	return views, nil
}

// Portfolio returns a user's balance, positions and totals.
func (s *Service) Portfolio(ctx context.Context, userID string) (*Portfolio, error) {
	balance, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	views, err := s.Positions(ctx, userID)
	if err != nil {
		return nil, err
	}

	p := &Portfolio{UserID: userID, Balance: balance, Positions: views}
	for _, v := range views {
		if p.PositionsValue, err = p.PositionsValue.Add(v.Value); err != nil {
			return nil, err
		}
		if p.CostBasis, err = p.CostBasis.Add(v.CostBasis); err != nil {
			return nil, err
		}
	}
	if p.TotalValue, err = balance.Add(p.PositionsValue); err != nil {
		return nil, err
	}
	if p.UnrealizedPnL, err = p.PositionsValue.Sub(p.CostBasis); err != nil {
		return nil, err
	}
	return p, nil
}

// PriceHistory returns a market's price points, oldest first.
func (s *Service) PriceHistory(ctx context.Context, marketID string) ([]model.PricePoint, error) {
	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	return s.store.ListPriceHistory(ctx, marketID)
}

// Trades returns a user's trades, newest first, with settlement status.
func (s *Service) Trades(ctx context.Context, userID string) ([]model.Trade, error) {
	if _, err := s.store.GetBalance(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.ListUserTrades(ctx, userID)
}

// Quote prices a trade without executing it. For a buy, amount is the
// stake; for a sell, it is the number of shares.
func (s *Service) Quote(ctx context.Context, marketID string, o model.Outcome, kind model.TradeKind, amount money.Amount) (*Quote, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.StatusOpen {
		return nil, model.Errorf(model.KindValidation, "market %s is %s", marketID, m.Status)
	}

	q := &Quote{MarketID: marketID, Outcome: o, Kind: kind}
	switch kind {
	case model.KindBuy:
		bq, err := cpmm.Buy(pool(m), o, amount)
		if err != nil {
			return nil, err
		}
		q.Shares, q.Amount, q.Price, q.Pool = bq.Shares, amount, bq.Price, bq.Pool
	case model.KindSell:
		sq, err := cpmm.Sell(pool(m), o, amount)
		if err != nil {
			return nil, err
		}
		q.Shares, q.Amount, q.Price, q.Pool = amount, sq.Amount, sq.Price, sq.Pool
	default:
		return nil, model.Errorf(model.KindValidation, "kind must be buy or sell, got %q", kind)
	}

	if q.YesProbability, err = cpmm.Probability(q.Pool, model.OutcomeYes); err != nil {
		return nil, err
	}
	return q, nil
}

func pool(m *model.Market) cpmm.Pool {
	return cpmm.Pool{Yes: m.YesPool, No: m.NoPool}
}

// decimalOdds returns 1/p, or zero when p rounds to zero.
func decimalOdds(p money.Amount) money.Amount {
	o, err := money.One.Div(p)
	if err != nil {
		return 0
	}
	return o
}
