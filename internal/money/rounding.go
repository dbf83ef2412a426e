package money

import (
	"fmt"
	"math/big"
)

// divRoundHalfDown divides n by d (d != 0) rounding to the nearest integer;
// exact halves go toward zero. This is the one rounding rule of the engine.
func divRoundHalfDown(n, d *big.Int) *big.Int {
	num := new(big.Int).Abs(n)
	den := new(big.Int).Abs(d)

	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	// 2r > den → round away from zero; 2r == den is a tie and stays.
	if r.Lsh(r, 1).Cmp(den) > 0 {
		q.Add(q, big.NewInt(1))
	}
	if n.Sign()*d.Sign() < 0 {
		q.Neg(q)
	}
	return q
}

// DivRound divides two big integers with the canonical rounding rule and
// returns an Amount. The pricing engine uses it for its wide intermediates.
func DivRound(n, d *big.Int) (Amount, error) {
	if d.Sign() == 0 {
		return 0, fmt.Errorf("%w: division by zero", ErrNumeric)
	}
	return fromBig(divRoundHalfDown(n, d))
}

// Big returns the micro-unit count as a new big.Int.
func (a Amount) Big() *big.Int {
	return big.NewInt(int64(a))
}

// BigScale returns a fresh copy of Scale as a big.Int.
func BigScale() *big.Int {
	return new(big.Int).Set(bigScale)
}
