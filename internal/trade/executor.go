// Package trade executes buys and sells against CPMM markets.
//
// A trade moves through Requested, Validated, Priced and Committed, and can
// be rejected at any gate before the commit. Every gate runs inside one
// store unit while the market and user locks are held, so a rejected trade
// leaves no trace.
package trade

import (
	"context"
	"errors"
	"log/slog"
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

// Executor runs PlaceBet and SellShares.
type Executor struct {
	store  store.Store
	locker lock.Locker
	pub    events.Publisher
	now    func() time.Time

	liquidity money.Amount
	balance   money.Amount
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock overrides the executor's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithDefaults sets the initial pool liquidity for new markets and the
// starting balance for new users.
func WithDefaults(liquidity, balance money.Amount) Option {
	return func(e *Executor) {
		e.liquidity = liquidity
		e.balance = balance
	}
}

// NewExecutor creates an executor. Pass nil for pub if events are not needed.
func NewExecutor(st store.Store, lk lock.Locker, pub events.Publisher, opts ...Option) *Executor {
	if pub == nil {
		pub = events.Nop{}
	}
	e := &Executor{
		store:     st,
		locker:    lk,
		pub:       pub,
		now:       func() time.Time { return time.Now().UTC() },
		liquidity: money.MustInt(100),
		balance:   money.MustInt(1000),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PlaceBet spends cmd.Stake on cmd.Outcome.
func (e *Executor) PlaceBet(ctx context.Context, cmd model.PlaceBet) (res model.BetResult, err error) {
	start := time.Now()
	defer func() { e.observe("place_bet", model.KindBuy, start, err) }()

	if err := validateRefs(cmd.UserID, cmd.MarketID, cmd.Outcome); err != nil {
		return res, err
	}
	if !cmd.Stake.IsPositive() {
		return res, model.Errorf(model.KindValidation, "stake must be positive, got %s", cmd.Stake)
	}
	if cmd.MinSharesOut.IsNegative() {
		return res, model.Errorf(model.KindValidation, "min_shares_out must not be negative")
	}

	release, err := e.acquire(ctx, cmd.MarketID, cmd.UserID)
	if err != nil {
		return res, err
	}
	defer release()

	var (
		tr    *model.Trade
		after cpmm.Pool
	)
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := e.now()
		market, err := e.openMarket(ctx, tx, cmd.MarketID, now)
		if err != nil {
			return err
		}
		balance, err := tx.GetBalance(ctx, cmd.UserID)
		if err != nil {
			return err
		}
		if balance < cmd.Stake {
			return model.Errorf(model.KindInsufficientFunds,
				"balance %s is below stake %s", balance, cmd.Stake)
		}

		quote, err := cpmm.Buy(cpmm.Pool{Yes: market.YesPool, No: market.NoPool}, cmd.Outcome, cmd.Stake)
		if err != nil {
			return err
		}
		if quote.Shares < cmd.MinSharesOut {
			return model.Errorf(model.KindSlippageExceeded,
				"would receive %s shares, minimum %s", quote.Shares, cmd.MinSharesOut)
		}

		newBalance, err := balance.Sub(cmd.Stake)
		if err != nil {
			return err
		}
		volume, err := market.Volume.Add(cmd.Stake)
		if err != nil {
			return err
		}
		pos, err := tx.GetPosition(ctx, model.PositionKey{UserID: cmd.UserID, MarketID: cmd.MarketID, Outcome: cmd.Outcome})
		if err != nil {
			return err
		}
		if pos.Shares, err = pos.Shares.Add(quote.Shares); err != nil {
			return err
		}
		if pos.CostBasis, err = pos.CostBasis.Add(cmd.Stake); err != nil {
			return err
		}
		stakeOut, err := cmd.Stake.Neg()
		if err != nil {
			return err
		}

		tr = &model.Trade{
			ID:        uuid.New().String(),
			UserID:    cmd.UserID,
			MarketID:  cmd.MarketID,
			Outcome:   cmd.Outcome,
			Kind:      model.KindBuy,
			Shares:    quote.Shares,
			Amount:    cmd.Stake,
			Price:     quote.Price,
			Timestamp: now,
		}
		market.YesPool, market.NoPool, market.Volume = quote.Pool.Yes, quote.Pool.No, volume
		after = quote.Pool

		res = model.BetResult{
			TradeID:    tr.ID,
			Shares:     quote.Shares,
			BuyPrice:   quote.Price,
			NewBalance: newBalance,
		}
		return e.commit(ctx, tx, commitSet{
			market:  market,
			trade:   tr,
			balance: newBalance,
			pos:     pos,
			entry: &model.LedgerEntry{
				UserID:    cmd.UserID,
				Amount:    stakeOut,
				Type:      model.LedgerBet,
				Reference: tr.ID,
				MarketID:  cmd.MarketID,
				Timestamp: now,
			},
		})
	})
	if err != nil {
		return model.BetResult{}, err
	}

	e.afterTrade(ctx, tr, after)
	slog.Info("bet placed",
		"trade_id", tr.ID,
		"user", tr.UserID,
		"market", tr.MarketID,
		"outcome", tr.Outcome,
		"stake", tr.Amount,
		"shares", tr.Shares,
		"price", tr.Price,
	)
	return res, nil
}

// SellShares returns cmd.Shares of cmd.Outcome to the pool.
func (e *Executor) SellShares(ctx context.Context, cmd model.SellShares) (res model.SellResult, err error) {
	start := time.Now()
	defer func() { e.observe("sell_shares", model.KindSell, start, err) }()

	if err := validateRefs(cmd.UserID, cmd.MarketID, cmd.Outcome); err != nil {
		return res, err
	}
	if !cmd.Shares.IsPositive() {
		return res, model.Errorf(model.KindValidation, "shares must be positive, got %s", cmd.Shares)
	}
	if cmd.MinAmountOut.IsNegative() {
		return res, model.Errorf(model.KindValidation, "min_amount_out must not be negative")
	}

	release, err := e.acquire(ctx, cmd.MarketID, cmd.UserID)
	if err != nil {
		return res, err
	}
	defer release()

	var (
		tr    *model.Trade
		after cpmm.Pool
	)
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := e.now()
		market, err := e.openMarket(ctx, tx, cmd.MarketID, now)
		if err != nil {
			return err
		}
		balance, err := tx.GetBalance(ctx, cmd.UserID)
		if err != nil {
			return err
		}
		pos, err := tx.GetPosition(ctx, model.PositionKey{UserID: cmd.UserID, MarketID: cmd.MarketID, Outcome: cmd.Outcome})
		if err != nil {
			return err
		}
		if pos.Shares < cmd.Shares {
			return model.Errorf(model.KindInsufficientShares,
				"holding %s shares, asked to sell %s", pos.Shares, cmd.Shares)
		}

		quote, err := cpmm.Sell(cpmm.Pool{Yes: market.YesPool, No: market.NoPool}, cmd.Outcome, cmd.Shares)
		if err != nil {
			return err
		}
		if quote.Amount < cmd.MinAmountOut {
			return model.Errorf(model.KindSlippageExceeded,
				"would receive %s, minimum %s", quote.Amount, cmd.MinAmountOut)
		}

		newBalance, err := balance.Add(quote.Amount)
		if err != nil {
			return err
		}
		volume, err := market.Volume.Add(quote.Amount)
		if err != nil {
			return err
		}
		remaining, err := pos.Shares.Sub(cmd.Shares)
		if err != nil {
			return err
		}
		// Cost basis shrinks in proportion to the shares kept.
		cost := money.Amount(0)
		if remaining.IsPositive() {
			if cost, err = pos.CostBasis.MulDiv(remaining, pos.Shares); err != nil {
				return err
			}
		}
		pos.Shares, pos.CostBasis = remaining, cost

		tr = &model.Trade{
			ID:        uuid.New().String(),
			UserID:    cmd.UserID,
			MarketID:  cmd.MarketID,
			Outcome:   cmd.Outcome,
			Kind:      model.KindSell,
			Shares:    cmd.Shares,
			Amount:    quote.Amount,
			Price:     quote.Price,
			Timestamp: now,
		}
		market.YesPool, market.NoPool, market.Volume = quote.Pool.Yes, quote.Pool.No, volume
		after = quote.Pool

		res = model.SellResult{
			TradeID:         tr.ID,
			AmountReceived:  quote.Amount,
			SellPrice:       quote.Price,
			NewBalance:      newBalance,
			RemainingShares: remaining,
		}
		return e.commit(ctx, tx, commitSet{
			market:  market,
			trade:   tr,
			balance: newBalance,
			pos:     pos,
			entry: &model.LedgerEntry{
				UserID:    cmd.UserID,
				Amount:    quote.Amount,
				Type:      model.LedgerSale,
				Reference: tr.ID,
				MarketID:  cmd.MarketID,
				Timestamp: now,
			},
		})
	})
	if err != nil {
		return model.SellResult{}, err
	}

	e.afterTrade(ctx, tr, after)
	slog.Info("shares sold",
		"trade_id", tr.ID,
		"user", tr.UserID,
		"market", tr.MarketID,
		"outcome", tr.Outcome,
		"shares", tr.Shares,
		"amount", tr.Amount,
		"price", tr.Price,
	)
	return res, nil
}

// commitSet is everything one trade writes.
type commitSet struct {
	market  *model.Market
	trade   *model.Trade
	balance money.Amount
	pos     model.Position
	entry   *model.LedgerEntry
}

func (e *Executor) commit(ctx context.Context, tx store.Tx, c commitSet) error {
	yes, no, err := cpmm.Odds(cpmm.Pool{Yes: c.market.YesPool, No: c.market.NoPool})
	if err != nil {
		return err
	}
	c.entry.ID = uuid.New().String()

	if err := tx.SetBalance(ctx, c.trade.UserID, c.balance); err != nil {
		return err
	}
	if err := tx.UpdateMarket(ctx, c.market); err != nil {
		return err
	}
	if err := tx.InsertTrade(ctx, c.trade); err != nil {
		return err
	}
	if err := tx.AppendLedger(ctx, c.entry); err != nil {
		return err
	}
	if err := tx.PutPosition(ctx, c.pos); err != nil {
		return err
	}
	return tx.AppendPricePoint(ctx, &model.PricePoint{
		MarketID:  c.market.ID,
		YesPrice:  yes,
		NoPrice:   no,
		Timestamp: c.trade.Timestamp,
	})
}

// acquire takes the market and user locks in the global order.
func (e *Executor) acquire(ctx context.Context, marketID, userID string) (func(), error) {
	start := time.Now()
	release, err := e.locker.Acquire(ctx, lock.MarketKey(marketID), lock.UserKey(userID))
	metrics.LockWait.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, model.Wrap(model.KindBusy, err, "lock wait")
	}
	return release, nil
}

// openMarket loads a market and rejects it unless it accepts trades at now.
func (e *Executor) openMarket(ctx context.Context, tx store.Tx, id string, now time.Time) (*model.Market, error) {
	market, err := tx.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if market.Status != model.StatusOpen {
		return nil, model.Errorf(model.KindValidation, "market %s is %s", id, market.Status)
	}
	if !now.Before(market.ClosesAt) {
		return nil, model.Errorf(model.KindValidation, "market %s closed at %s", id, market.ClosesAt.Format(time.RFC3339))
	}
	return market, nil
}

func (e *Executor) afterTrade(ctx context.Context, tr *model.Trade, pool cpmm.Pool) {
	metrics.TradesTotal.WithLabelValues(string(tr.Kind), string(tr.Outcome)).Inc()
	metrics.MarketVolume.WithLabelValues(tr.MarketID, string(tr.Kind)).Add(tr.Amount.Float64())

	yes, no, err := cpmm.Odds(pool)
	if err != nil {
		return
	}
	e.pub.Publish(ctx, events.Event{
		Type:      events.TradeExecuted,
		MarketID:  tr.MarketID,
		UserID:    tr.UserID,
		TradeID:   tr.ID,
		Kind:      tr.Kind,
		Outcome:   tr.Outcome,
		Shares:    events.Amount(tr.Shares),
		Amount:    events.Amount(tr.Amount),
		YesPrice:  yes,
		NoPrice:   no,
		Status:    model.StatusOpen,
		Timestamp: tr.Timestamp,
	})
}

func (e *Executor) observe(command string, kind model.TradeKind, start time.Time, err error) {
	if err == nil {
		metrics.TradeLatency.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
		return
	}
	Reject(command, err)
}

// Reject records a rejected command and logs it at a level matching its
// kind.
func Reject(command string, err error) {
	k := model.KindOf(err)
	metrics.RejectionsTotal.WithLabelValues(command, string(k)).Inc()
	switch {
	case model.IsCorruption(err):
		slog.Error("command failed", "command", command, "kind", k, "err", err)
	case errors.Is(err, model.ErrBusy):
		slog.Warn("command busy", "command", command, "err", err)
	case k == model.KindInternal:
		slog.Error("command failed", "command", command, "err", err)
	default:
		slog.Debug("command rejected", "command", command, "kind", k, "err", err)
	}
}

func validateRefs(userID, marketID string, o model.Outcome) error {
	if userID == "" {
		return model.Errorf(model.KindValidation, "user_id is required")
	}
	if marketID == "" {
		return model.Errorf(model.KindValidation, "market_id is required")
	}
	if !o.Valid() {
		return model.Errorf(model.KindValidation, "outcome must be yes or no, got %q", o)
	}
	return nil
}
