// Package money implements the fixed-point quantity used for every currency
// and share amount in the engine. An Amount is a count of micro-units held in
// an int64; all arithmetic is checked and every division rounds half-down.
//
// Decimal text (JSON, PostgreSQL NUMERIC) goes through shopspring/decimal,
// never float64 for money.
package money

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// Precision is the number of decimal places an Amount carries.
const Precision = 6

// Scale is 10^Precision: the number of micro-units in one whole unit.
const Scale int64 = 1_000_000

var (
	// ErrNumeric is returned for overflow, division by zero and non-finite
	// input. Callers translate it to the NumericError kind.
	ErrNumeric = errors.New("money: numeric error")

	bigScale = big.NewInt(Scale)
	maxInt64 = big.NewInt(math.MaxInt64)
	minInt64 = big.NewInt(math.MinInt64)
)

// Amount is a signed fixed-point quantity in micro-units.
type Amount int64

// Zero is the zero amount.
const Zero Amount = 0

// One is exactly one whole unit.
const One Amount = Amount(Scale)

// FromMicros wraps a raw micro-unit count.
func FromMicros(micros int64) Amount {
	return Amount(micros)
}

// FromInt converts whole units, failing on overflow.
func FromInt(units int64) (Amount, error) {
	if units > math.MaxInt64/Scale || units < math.MinInt64/Scale {
		return 0, fmt.Errorf("%w: %d units out of range", ErrNumeric, units)
	}
	return Amount(units * Scale), nil
}

// MustInt is FromInt for constants and tests; it panics on overflow.
func MustInt(units int64) Amount {
	a, err := FromInt(units)
	if err != nil {
		panic(err)
	}
	return a
}

// FromFloat converts a float64, rejecting NaN and ±Inf. The value is rounded
// half-down to Precision places via its shortest decimal representation.
func FromFloat(f float64) (Amount, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: non-finite value %v", ErrNumeric, f)
	}
	return FromDecimal(decimal.NewFromFloat(f))
}

// Parse reads a decimal string such as "12.5". Non-finite spellings
// ("NaN", "Infinity") and malformed input are rejected with ErrNumeric.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid decimal %q", ErrNumeric, s)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests; it panics on error.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal converts a decimal, rounding half-down to Precision places.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	// d = coef * 10^exp; micros = coef * 10^(exp+Precision)
	coef := d.Coefficient()
	shift := int64(d.Exponent()) + Precision
	var micros *big.Int
	if shift >= 0 {
		if shift > 30 {
			return 0, fmt.Errorf("%w: %s out of range", ErrNumeric, d.String())
		}
		micros = new(big.Int).Mul(coef, pow10(shift))
	} else {
		// |coef| < 10^digits, so any larger divisor rounds to zero. Checking
		// first keeps tiny exponents like 1e-200000000 from building a huge
		// power of ten.
		if digits := int64(len(new(big.Int).Abs(coef).String())); -shift > digits+1 {
			return 0, nil
		}
		micros = divRoundHalfDown(coef, pow10(-shift))
	}
	return fromBig(micros)
}

// Micros returns the raw micro-unit count.
func (a Amount) Micros() int64 { return int64(a) }

// Decimal returns the exact decimal value.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Precision)
}

// String renders the amount with exactly Precision decimal places.
func (a Amount) String() string {
	return a.Decimal().StringFixed(Precision)
}

// Float64 is for display and metrics only.
func (a Amount) Float64() float64 {
	return a.Decimal().InexactFloat64()
}

func (a Amount) IsZero() bool     { return a == 0 }
func (a Amount) IsPositive() bool { return a > 0 }
func (a Amount) IsNegative() bool { return a < 0 }

// Neg returns -a, failing for the one value whose negation overflows.
func (a Amount) Neg() (Amount, error) {
	if a == math.MinInt64 {
		return 0, fmt.Errorf("%w: negate overflow", ErrNumeric)
	}
	return -a, nil
}

// Add returns a+b or ErrNumeric on overflow.
func (a Amount) Add(b Amount) (Amount, error) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, fmt.Errorf("%w: %s + %s overflows", ErrNumeric, a, b)
	}
	return s, nil
}

// Sub returns a-b or ErrNumeric on overflow.
func (a Amount) Sub(b Amount) (Amount, error) {
	d := a - b
	if (b > 0 && d > a) || (b < 0 && d < a) {
		return 0, fmt.Errorf("%w: %s - %s overflows", ErrNumeric, a, b)
	}
	return d, nil
}

// Mul returns a*b rounded half-down to Precision places.
func (a Amount) Mul(b Amount) (Amount, error) {
	p := new(big.Int).Mul(big.NewInt(int64(a)), big.NewInt(int64(b)))
	return fromBig(divRoundHalfDown(p, bigScale))
}

// Div returns a/b rounded half-down to Precision places.
func (a Amount) Div(b Amount) (Amount, error) {
	if b == 0 {
		return 0, fmt.Errorf("%w: division by zero", ErrNumeric)
	}
	n := new(big.Int).Mul(big.NewInt(int64(a)), bigScale)
	return fromBig(divRoundHalfDown(n, big.NewInt(int64(b))))
}

// MulDiv returns a*b/c with a single half-down rounding step.
func (a Amount) MulDiv(b, c Amount) (Amount, error) {
	if c == 0 {
		return 0, fmt.Errorf("%w: division by zero", ErrNumeric)
	}
	p := new(big.Int).Mul(big.NewInt(int64(a)), big.NewInt(int64(b)))
	return fromBig(divRoundHalfDown(p, big.NewInt(int64(c))))
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Amount) Amount {
	if a > b {
		return a
	}
	return b
}

// Sum adds amounts with overflow checking.
func Sum(xs ...Amount) (Amount, error) {
	var total Amount
	for _, x := range xs {
		var err error
		if total, err = total.Add(x); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// MarshalJSON encodes the amount as a decimal string, matching how the
// rest of the API encodes decimal.Decimal.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts a quoted decimal string or a bare JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func fromBig(v *big.Int) (Amount, error) {
	if v.Cmp(maxInt64) > 0 || v.Cmp(minInt64) < 0 {
		return 0, fmt.Errorf("%w: result out of range", ErrNumeric)
	}
	return Amount(v.Int64()), nil
}

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}
