// Package cpmm implements the constant-product market maker that prices
// binary YES/NO markets.
//
// A market holds two pools whose product k = yes * no is the invariant.
// Buying an outcome adds the stake to the opposite pool and shrinks the
// bought pool until the product is restored; selling runs the same curve
// in reverse.
//
// The package is stateless: pools are passed in and new pools are returned.
// All arithmetic runs on big.Int intermediates in micro-units, and every
// division rounds half-down, except reserve recomputation which never lets
// k shrink.
package cpmm

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/watmarket/market-engine/internal/model"
	"github.com/watmarket/market-engine/internal/money"
)

var (
	// ErrPoolInvariant is returned when a pool is non-positive or a trade
	// would leave the curve in an impossible state.
	ErrPoolInvariant = fmt.Errorf("cpmm: pool invariant violated: %w", model.ErrPoolInvariant)

	// ErrNonPositiveInput is returned for zero or negative stakes and share
	// counts, and for sells too small to move the pool.
	ErrNonPositiveInput = fmt.Errorf("cpmm: input must be positive: %w", model.ErrValidation)

	// ErrUnknownOutcome is returned for anything other than YES or NO.
	ErrUnknownOutcome = fmt.Errorf("cpmm: unknown outcome: %w", model.ErrValidation)
)

// Pool is the pair of reserves backing one market.
type Pool struct {
	Yes money.Amount `json:"yes_pool"`
	No  money.Amount `json:"no_pool"`
}

// Validate returns ErrPoolInvariant unless both reserves are positive.
func (p Pool) Validate() error {
	if !p.Yes.IsPositive() || !p.No.IsPositive() {
		return fmt.Errorf("%w: pools (%s, %s)", ErrPoolInvariant, p.Yes, p.No)
	}
	return nil
}

// K returns the invariant yes * no in micro-unit squared.
func (p Pool) K() *big.Int {
	return new(big.Int).Mul(p.Yes.Big(), p.No.Big())
}

// split returns (own, opposite) reserves for outcome o.
func (p Pool) split(o model.Outcome) (money.Amount, money.Amount, error) {
	switch o {
	case model.OutcomeYes:
		return p.Yes, p.No, nil
	case model.OutcomeNo:
		return p.No, p.Yes, nil
	}
	return 0, 0, fmt.Errorf("%w: %q", ErrUnknownOutcome, o)
}

// join is the inverse of split.
func join(o model.Outcome, own, opposite money.Amount) Pool {
	if o == model.OutcomeYes {
		return Pool{Yes: own, No: opposite}
	}
	return Pool{Yes: opposite, No: own}
}

// Probability returns the implied probability of outcome o:
//
//	p_yes = no / (yes + no)
//
// p_yes + p_no is exactly 1.
func Probability(p Pool, o model.Outcome) (money.Amount, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if !o.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownOutcome, o)
	}
	total := new(big.Int).Add(p.Yes.Big(), p.No.Big())
	n := new(big.Int).Mul(p.No.Big(), money.BigScale())
	yes, err := money.DivRound(n, total)
	if err != nil {
		return 0, err
	}
	if o == model.OutcomeYes {
		return yes, nil
	}
	return money.One.Sub(yes)
}

// Odds returns both implied probabilities.
func Odds(p Pool) (yes, no money.Amount, err error) {
	if yes, err = Probability(p, model.OutcomeYes); err != nil {
		return 0, 0, err
	}
	no, err = money.One.Sub(yes)
	return yes, no, err
}

// BuyQuote is the result of spending a stake on one outcome.
type BuyQuote struct {
	Shares money.Amount `json:"shares"`
	Price  money.Amount `json:"price"` // average price per share
	Pool   Pool         `json:"pool"`  // reserves after the trade
}

// Buy prices a purchase of outcome o for amount.
//
//	opposite' = opposite + amount
//	own'      = k / opposite'
//	shares    = amount + own - own'
func Buy(p Pool, o model.Outcome, amount money.Amount) (BuyQuote, error) {
	if err := p.Validate(); err != nil {
		return BuyQuote{}, err
	}
	own, opposite, err := p.split(o)
	if err != nil {
		return BuyQuote{}, err
	}
	if !amount.IsPositive() {
		return BuyQuote{}, fmt.Errorf("%w: stake %s", ErrNonPositiveInput, amount)
	}

	k := p.K()
	newOpposite, err := opposite.Add(amount)
	if err != nil {
		return BuyQuote{}, err
	}
	newOwn, err := reserve(k, newOpposite)
	if err != nil {
		return BuyQuote{}, err
	}

	// shares = amount + (own - newOwn); newOwn <= own because opposite grew.
	delta, err := own.Sub(newOwn)
	if err != nil {
		return BuyQuote{}, err
	}
	if delta.IsNegative() {
		return BuyQuote{}, fmt.Errorf("%w: pool grew on buy", ErrPoolInvariant)
	}
	shares, err := amount.Add(delta)
	if err != nil {
		return BuyQuote{}, err
	}
	price, err := amount.Div(shares)
	if err != nil {
		return BuyQuote{}, err
	}

	next := join(o, newOwn, newOpposite)
	if err := checkInvariant(k, next); err != nil {
		return BuyQuote{}, err
	}
	return BuyQuote{Shares: shares, Price: price, Pool: next}, nil
}

// SellQuote is the result of returning shares of one outcome to the pool.
type SellQuote struct {
	Amount money.Amount `json:"amount"`
	Price  money.Amount `json:"price"` // average price per share
	Pool   Pool         `json:"pool"`
	// Absorbed is the part of the returned shares that stays in the pool;
	// the rest is redeemed against the opposite side for Amount.
	Absorbed money.Amount `json:"absorbed"`
}

// Sell prices a sale of shares of outcome o. It walks the buy curve in
// reverse: c of the returned shares are absorbed into the own pool and the
// remaining shares - c are paid out, where c solves
//
//	(own + c) * (opposite - (shares - c)) = k
//
// Selling exactly the shares a buy produced, with no intervening trades,
// never pays out more than the original stake.
func Sell(p Pool, o model.Outcome, shares money.Amount) (SellQuote, error) {
	if err := p.Validate(); err != nil {
		return SellQuote{}, err
	}
	own, _, err := p.split(o)
	if err != nil {
		return SellQuote{}, err
	}
	if !shares.IsPositive() {
		return SellQuote{}, fmt.Errorf("%w: shares %s", ErrNonPositiveInput, shares)
	}

	c, err := CostForShares(p, o.Opposite(), shares)
	if err != nil {
		return SellQuote{}, err
	}
	if c.IsZero() {
		return SellQuote{}, fmt.Errorf("%w: %s shares is below pool resolution", ErrNonPositiveInput, shares)
	}

	amount, err := shares.Sub(c)
	if err != nil {
		return SellQuote{}, err
	}
	if !amount.IsPositive() {
		return SellQuote{}, fmt.Errorf("%w: sale of %s shares pays nothing", ErrNonPositiveInput, shares)
	}

	k := p.K()
	newOwn, err := own.Add(c)
	if err != nil {
		return SellQuote{}, err
	}
	newOpposite, err := reserve(k, newOwn)
	if err != nil {
		return SellQuote{}, err
	}

	price, err := amount.Div(shares)
	if err != nil {
		return SellQuote{}, err
	}

	next := join(o, newOwn, newOpposite)
	if err := checkInvariant(k, next); err != nil {
		return SellQuote{}, err
	}
	return SellQuote{Amount: amount, Price: price, Pool: next, Absorbed: c}, nil
}

// SellValue is the mark-to-market value of holding shares of o: what a
// sale would pay right now. Zero holdings and dust are worth zero.
func SellValue(p Pool, o model.Outcome, shares money.Amount) (money.Amount, error) {
	if shares.IsZero() {
		return 0, nil
	}
	q, err := Sell(p, o, shares)
	if errors.Is(err, ErrNonPositiveInput) && shares.IsPositive() {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return q.Amount, nil
}

// CostForShares is the inverse of Buy: the amount that, invested in outcome
// o, yields shares. With Y the pool of o and N the opposite pool it is the
// positive root of
//
//	a^2 + a(Y + N - shares) - shares*N = 0
//
// and zero when no positive root exists. Sell uses it on the opposite
// outcome to find how many returned shares stay in the pool.
func CostForShares(p Pool, o model.Outcome, shares money.Amount) (money.Amount, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	target, opposite, err := p.split(o)
	if err != nil {
		return 0, err
	}
	if !shares.IsPositive() {
		return 0, fmt.Errorf("%w: shares %s", ErrNonPositiveInput, shares)
	}
	return absorbed(opposite, target, shares)
}

// absorbed solves c^2 + (own + opposite - s)c - s*own = 0 for the positive
// root. In micro-units with B = own + opposite - s:
//
//	c = (sqrt(B^2 + 4*s*own) - B) / 2
//
// The square root is taken at 10^6 extra scale so the result keeps full
// precision before the final half-down division.
func absorbed(own, opposite, s money.Amount) (money.Amount, error) {
	b := new(big.Int).Add(own.Big(), opposite.Big())
	b.Sub(b, s.Big())

	d := new(big.Int).Mul(b, b)
	four := new(big.Int).Mul(big.NewInt(4), s.Big())
	d.Add(d, four.Mul(four, own.Big()))

	scale := money.BigScale()
	scale2 := new(big.Int).Mul(scale, scale)
	r := new(big.Int).Sqrt(d.Mul(d, scale2))

	num := r.Sub(r, new(big.Int).Mul(b, scale))
	if num.Sign() <= 0 {
		return 0, nil
	}
	den := new(big.Int).Mul(big.NewInt(2), scale)
	return money.DivRound(num, den)
}

// reserve returns k / d rounded half-down, bumped by one micro-unit if the
// rounded reserve would make the product fall below k.
func reserve(k *big.Int, d money.Amount) (money.Amount, error) {
	if !d.IsPositive() {
		return 0, fmt.Errorf("%w: divisor reserve %s", ErrPoolInvariant, d)
	}
	x, err := money.DivRound(k, d.Big())
	if err != nil {
		return 0, err
	}
	if new(big.Int).Mul(x.Big(), d.Big()).Cmp(k) < 0 {
		if x, err = x.Add(1); err != nil {
			return 0, err
		}
	}
	if !x.IsPositive() {
		return 0, fmt.Errorf("%w: reserve collapsed to %s", ErrPoolInvariant, x)
	}
	return x, nil
}

// checkInvariant rejects any result with a non-positive pool or a product
// below the previous k.
func checkInvariant(k *big.Int, next Pool) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if next.K().Cmp(k) < 0 {
		return fmt.Errorf("%w: k decreased", ErrPoolInvariant)
	}
	return nil
}
