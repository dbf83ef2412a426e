package model

import "github.com/watmarket/market-engine/internal/money"

// Command is one of the engine's four write commands. The set is closed:
// only this package can add variants.
type Command interface {
	isCommand()
}

// PlaceBet buys shares of Outcome for Stake.
type PlaceBet struct {
	UserID       string       `json:"user_id"`
	MarketID     string       `json:"market_id"`
	Outcome      Outcome      `json:"outcome"`
	Stake        money.Amount `json:"stake"`
	MinSharesOut money.Amount `json:"min_shares_out"`
}

// SellShares sells Shares of Outcome back to the pool.
type SellShares struct {
	UserID       string       `json:"user_id"`
	MarketID     string       `json:"market_id"`
	Outcome      Outcome      `json:"outcome"`
	Shares       money.Amount `json:"shares"`
	MinAmountOut money.Amount `json:"min_amount_out"`
}

// ResolveMarket settles a market winner-take-all.
type ResolveMarket struct {
	MarketID string  `json:"market_id"`
	Outcome  Outcome `json:"outcome"`
}

// InvalidateMarket cancels a market and refunds net stakes.
type InvalidateMarket struct {
	MarketID string `json:"market_id"`
}

func (PlaceBet) isCommand()         {}
func (SellShares) isCommand()       {}
func (ResolveMarket) isCommand()    {}
func (InvalidateMarket) isCommand() {}

// BetResult is returned by a committed PlaceBet.
type BetResult struct {
	TradeID    string       `json:"trade_id"`
	Shares     money.Amount `json:"shares"`
	BuyPrice   money.Amount `json:"buy_price"`
	NewBalance money.Amount `json:"new_balance"`
}

// SellResult is returned by a committed SellShares.
type SellResult struct {
	TradeID         string       `json:"trade_id"`
	AmountReceived  money.Amount `json:"amount_received"`
	SellPrice       money.Amount `json:"sell_price"`
	NewBalance      money.Amount `json:"new_balance"`
	RemainingShares money.Amount `json:"remaining_shares"`
}

// ResolveResult is returned by a committed ResolveMarket.
type ResolveResult struct {
	MarketID    string       `json:"market_id"`
	Outcome     Outcome      `json:"outcome"`
	Winners     int          `json:"winners"`
	Losers      int          `json:"losers"`
	TotalPayout money.Amount `json:"total_payout"`
}

// InvalidateResult is returned by a committed InvalidateMarket.
type InvalidateResult struct {
	MarketID      string       `json:"market_id"`
	UsersRefunded int          `json:"users_refunded"`
	TotalRefunded money.Amount `json:"total_refunded"`
}
