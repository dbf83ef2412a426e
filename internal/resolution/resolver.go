// Package resolution settles markets exactly once, either winner-take-all
// or by invalidating the market and refunding net stakes.
//
// A settlement locks the market first, reads the market's participants from
// committed state, then locks every participant in id order. While the
// market lock is held no trade can add a participant, so the set read before
// the user locks is the set settled inside the unit.
package resolution

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/watmarket/market-engine/internal/cpmm"
	"github.com/watmarket/market-engine/internal/events"
	"github.com/watmarket/market-engine/internal/lock"
	"github.com/watmarket/market-engine/internal/metrics"
	"github.com/watmarket/market-engine/internal/model"
	"github.com/watmarket/market-engine/internal/money"
	"github.com/watmarket/market-engine/internal/store"
)

// Resolver runs ResolveMarket and InvalidateMarket.
type Resolver struct {
	store  store.Store
	locker lock.Locker
	pub    events.Publisher
	now    func() time.Time
}

// NewResolver creates a resolver. Pass nil for pub if events are not needed.
func NewResolver(st store.Store, lk lock.Locker, pub events.Publisher) *Resolver {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Resolver{
		store:  st,
		locker: lk,
		pub:    pub,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the resolver's time source.
func (r *Resolver) SetClock(now func() time.Time) { r.now = now }

// ResolveMarket pays one currency unit per winning share and marks every
// trade in the market won or lost.
func (r *Resolver) ResolveMarket(ctx context.Context, cmd model.ResolveMarket) (res model.ResolveResult, err error) {
	defer func() { observe("resolve_market", err) }()

	if cmd.MarketID == "" {
		return res, model.Errorf(model.KindValidation, "market_id is required")
	}
	if !cmd.Outcome.Valid() {
		return res, model.Errorf(model.KindValidation, "outcome must be yes or no, got %q", cmd.Outcome)
	}

	held, err := r.lockParticipants(ctx, cmd.MarketID, holders)
	if err != nil {
		return res, err
	}
	defer held.release()

	var market *model.Market
	err = r.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := r.now()
		m, err := openForSettlement(ctx, tx, cmd.MarketID)
		if err != nil {
			return err
		}
		market = m
		positions, err := tx.ListMarketPositions(ctx, cmd.MarketID)
		if err != nil {
			return err
		}

		res = model.ResolveResult{MarketID: cmd.MarketID, Outcome: cmd.Outcome}
		payouts := make(map[string]money.Amount)
		for _, p := range positions {
			if !held.holds(p.UserID) {
				return model.Errorf(model.KindBusy, "participant %s joined during settlement", p.UserID)
			}
			if _, ok := payouts[p.UserID]; !ok {
				payouts[p.UserID] = 0
			}
			if p.Outcome == cmd.Outcome {
				// One share redeems for one unit at the same scale, so the
				// payout needs no rounding.
				if payouts[p.UserID], err = payouts[p.UserID].Add(p.Shares); err != nil {
					return err
				}
			}
			if err := zeroPosition(ctx, tx, p); err != nil {
				return err
			}
		}

		for _, user := range sortedUsers(payouts) {
			payout := payouts[user]
			if !payout.IsPositive() {
				res.Losers++
				continue
			}
			res.Winners++
			if res.TotalPayout, err = res.TotalPayout.Add(payout); err != nil {
				return err
			}
			if err := credit(ctx, tx, user, cmd.MarketID, payout, model.LedgerPayout, now); err != nil {
				return err
			}
		}

		if err := settleTrades(ctx, tx, cmd.MarketID, now, func(tr model.Trade) model.SettlementStatus {
			if tr.Outcome == cmd.Outcome {
				return model.SettlementWon
			}
			return model.SettlementLost
		}); err != nil {
			return err
		}

		outcome := cmd.Outcome
		market.Status = model.StatusResolved
		market.Outcome = &outcome
		market.ResolvedAt = &now
		return tx.UpdateMarket(ctx, market)
	})
	if err != nil {
		return model.ResolveResult{}, err
	}

	metrics.SettlementsTotal.WithLabelValues("resolved").Inc()
	metrics.SettledAmount.WithLabelValues("payout").Add(res.TotalPayout.Float64())
	metrics.ActiveMarkets.Dec()
	r.publish(ctx, events.MarketResolved, market)
	slog.Info("market resolved",
		"market", cmd.MarketID,
		"outcome", cmd.Outcome,
		"winners", res.Winners,
		"losers", res.Losers,
		"total_payout", res.TotalPayout,
	)
	return res, nil
}

// InvalidateMarket cancels a market. Each participant is refunded what they
// staked less what they already took out by selling, never less than zero.
// Pools are left as they are.
func (r *Resolver) InvalidateMarket(ctx context.Context, cmd model.InvalidateMarket) (res model.InvalidateResult, err error) {
	defer func() { observe("invalidate_market", err) }()

	if cmd.MarketID == "" {
		return res, model.Errorf(model.KindValidation, "market_id is required")
	}

	held, err := r.lockParticipants(ctx, cmd.MarketID, traders)
	if err != nil {
		return res, err
	}
	defer held.release()

	var market *model.Market
	err = r.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := r.now()
		m, err := openForSettlement(ctx, tx, cmd.MarketID)
		if err != nil {
			return err
		}
		market = m
		entries, err := tx.ListMarketLedger(ctx, cmd.MarketID)
		if err != nil {
			return err
		}
		net, err := netStakes(entries)
		if err != nil {
			return err
		}

		res = model.InvalidateResult{MarketID: cmd.MarketID}
		for _, user := range sortedUsers(net) {
			if !held.holds(user) {
				return model.Errorf(model.KindBusy, "participant %s joined during settlement", user)
			}
			refund := money.Max(net[user], 0)
			if !refund.IsPositive() {
				continue
			}
			res.UsersRefunded++
			if res.TotalRefunded, err = res.TotalRefunded.Add(refund); err != nil {
				return err
			}
			if err := credit(ctx, tx, user, cmd.MarketID, refund, model.LedgerRefund, now); err != nil {
				return err
			}
		}

		positions, err := tx.ListMarketPositions(ctx, cmd.MarketID)
		if err != nil {
			return err
		}
		for _, p := range positions {
			if err := zeroPosition(ctx, tx, p); err != nil {
				return err
			}
		}

		if err := settleTrades(ctx, tx, cmd.MarketID, now, func(model.Trade) model.SettlementStatus {
			return model.SettlementRefunded
		}); err != nil {
			return err
		}

		market.Status = model.StatusInvalidated
		market.ResolvedAt = &now
		return tx.UpdateMarket(ctx, market)
	})
	if err != nil {
		return model.InvalidateResult{}, err
	}

	metrics.SettlementsTotal.WithLabelValues("invalidated").Inc()
	metrics.SettledAmount.WithLabelValues("refund").Add(res.TotalRefunded.Float64())
	metrics.ActiveMarkets.Dec()
	r.publish(ctx, events.MarketInvalidated, market)
	slog.Info("market invalidated",
		"market", cmd.MarketID,
		"users_refunded", res.UsersRefunded,
		"total_refunded", res.TotalRefunded,
	)
	return res, nil
}

// netStakes sums, per user, bet stakes minus sale proceeds for one market.
// Bet entries are negative, so the net stake is the negated sum of both.
func netStakes(entries []model.LedgerEntry) (map[string]money.Amount, error) {
	flow := make(map[string]money.Amount)
	for _, e := range entries {
		if e.Type != model.LedgerBet && e.Type != model.LedgerSale {
			continue
		}
		sum, err := flow[e.UserID].Add(e.Amount)
		if err != nil {
			return nil, err
		}
		flow[e.UserID] = sum
	}
	for user, sum := range flow {
		neg, err := sum.Neg()
		if err != nil {
			return nil, err
		}
		flow[user] = neg
	}
	return flow, nil
}

func openForSettlement(ctx context.Context, tx store.Tx, id string) (*model.Market, error) {
	market, err := tx.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if market.Status != model.StatusOpen {
		return nil, model.Errorf(model.KindAlreadyResolved, "market %s is %s", id, market.Status)
	}
	return market, nil
}

func credit(ctx context.Context, tx store.Tx, user, marketID string, amount money.Amount, typ model.LedgerType, now time.Time) error {
	balance, err := tx.GetBalance(ctx, user)
	if err != nil {
		return err
	}
	if balance, err = balance.Add(amount); err != nil {
		return err
	}
	if err := tx.SetBalance(ctx, user, balance); err != nil {
		return err
	}
	return tx.AppendLedger(ctx, &model.LedgerEntry{
		ID:        uuid.New().String(),
		UserID:    user,
		Amount:    amount,
		Type:      typ,
		Reference: marketID,
		MarketID:  marketID,
		Timestamp: now,
	})
}

func zeroPosition(ctx context.Context, tx store.Tx, p model.Position) error {
	p.Shares, p.CostBasis = 0, 0
	return tx.PutPosition(ctx, p)
}

func settleTrades(ctx context.Context, tx store.Tx, marketID string, now time.Time, status func(model.Trade) model.SettlementStatus) error {
	trades, err := tx.ListMarketTrades(ctx, marketID)
	if err != nil {
		return err
	}
	for _, tr := range trades {
		if err := tx.PutSettlement(ctx, &model.Settlement{
			TradeID:   tr.ID,
			MarketID:  marketID,
			Status:    status(tr),
			Timestamp: now,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) publish(ctx context.Context, typ events.Type, m *model.Market) {
	yes, no, err := cpmm.Odds(cpmm.Pool{Yes: m.YesPool, No: m.NoPool})
	if err != nil {
		slog.Error("settled market has invalid pools", "market", m.ID, "err", err)
		return
	}
	r.pub.Publish(ctx, events.Event{
		Type:      typ,
		MarketID:  m.ID,
		YesPrice:  yes,
		NoPrice:   no,
		Status:    m.Status,
		Outcome:   outcomeOf(m),
		Timestamp: *m.ResolvedAt,
	})
}

func outcomeOf(m *model.Market) model.Outcome {
	if m.Outcome == nil {
		return ""
	}
	return *m.Outcome
}

func sortedUsers(m map[string]money.Amount) []string {
	users := make([]string, 0, len(m))
	for u := range m {
		users = append(users, u)
	}
	slices.Sort(users)
	return users
}
