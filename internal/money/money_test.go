package money

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"
)

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"1", 1_000_000},
		{"20", 20_000_000},
		{"83.333333", 83_333_333},
		{"-2.5", -2_500_000},
		{"0.000001", 1},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q): unexpected error: %v", tt.in, err)
		}
		if got.Micros() != tt.want {
			t.Errorf("Parse(%q) = %d micros, want %d", tt.in, got.Micros(), tt.want)
		}
	}
}

func TestParse_RoundsHalfDown(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"0.0000005", 0},   // exact half goes toward zero
		{"0.0000015", 1},   // exact half goes toward zero
		{"0.00000051", 1},  // above half rounds up
		{"0.0000004", 0},   // below half rounds down
		{"-0.0000005", 0},  // symmetric for negatives
		{"-0.0000006", -1}, // above half rounds away from zero
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q): unexpected error: %v", tt.in, err)
		}
		if got.Micros() != tt.want {
			t.Errorf("Parse(%q) = %d micros, want %d", tt.in, got.Micros(), tt.want)
		}
	}
}

func TestParse_TinyExponentRoundsToZero(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1e-7", 0},
		{"6e-7", 1},
		{"99e-8", 1},
		{"1e-2000", 0},
		{"-5e-200000000", 0},
		{"123456789e-200000000", 0},
	}
	for _, tt := range tests {
		start := time.Now()
		got, err := Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q): unexpected error: %v", tt.in, err)
		}
		if got.Micros() != tt.want {
			t.Errorf("Parse(%q) = %d micros, want %d", tt.in, got.Micros(), tt.want)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("Parse(%q) took %s", tt.in, elapsed)
		}
	}
}

func TestParse_RejectsNonFinite(t *testing.T) {
	for _, in := range []string{"NaN", "Infinity", "-Infinity", "inf", "", "abc", "1e40"} {
		if _, err := Parse(in); !errors.Is(err, ErrNumeric) {
			t.Errorf("Parse(%q): expected ErrNumeric, got %v", in, err)
		}
	}
}

func TestFromFloat_RejectsNonFinite(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := FromFloat(f); !errors.Is(err, ErrNumeric) {
			t.Errorf("FromFloat(%v): expected ErrNumeric, got %v", f, err)
		}
	}
}

func TestFromFloat_Valid(t *testing.T) {
	a, err := FromFloat(12.25)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != MustParse("12.25") {
		t.Errorf("expected 12.25, got %s", a)
	}
}

func TestAdd_Overflow(t *testing.T) {
	if _, err := Amount(math.MaxInt64).Add(1); !errors.Is(err, ErrNumeric) {
		t.Errorf("expected overflow error, got %v", err)
	}
	if _, err := Amount(math.MinInt64).Sub(1); !errors.Is(err, ErrNumeric) {
		t.Errorf("expected underflow error, got %v", err)
	}
	if _, err := Amount(math.MinInt64).Neg(); !errors.Is(err, ErrNumeric) {
		t.Errorf("expected negate overflow error, got %v", err)
	}
}

func TestMul_Overflow(t *testing.T) {
	big := MustInt(10_000_000)
	if _, err := big.Mul(big); !errors.Is(err, ErrNumeric) {
		t.Errorf("expected overflow error, got %v", err)
	}
}

func TestDiv_ByZero(t *testing.T) {
	if _, err := One.Div(Zero); !errors.Is(err, ErrNumeric) {
		t.Errorf("expected ErrNumeric for division by zero, got %v", err)
	}
	if _, err := One.MulDiv(One, Zero); !errors.Is(err, ErrNumeric) {
		t.Errorf("expected ErrNumeric for MulDiv by zero, got %v", err)
	}
}

func TestDiv_RoundsHalfDown(t *testing.T) {
	// 1 / 3 = 0.333333(3) → 0.333333
	got, err := One.Div(MustInt(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Micros() != 333_333 {
		t.Errorf("1/3 = %s, want 0.333333", got)
	}

	// 2 / 3 = 0.666666(6) → 0.666667
	got, _ = MustInt(2).Div(MustInt(3))
	if got.Micros() != 666_667 {
		t.Errorf("2/3 = %s, want 0.666667", got)
	}

	// 0.000001 / 2 = 0.0000005 → tie → 0
	got, _ = FromMicros(1).Div(MustInt(2))
	if got != 0 {
		t.Errorf("0.000001/2 = %s, want 0", got)
	}

	// 0.000003 / 2 = 0.0000015 → tie → 0.000001
	got, _ = FromMicros(3).Div(MustInt(2))
	if got.Micros() != 1 {
		t.Errorf("0.000003/2 = %s, want 0.000001", got)
	}
}

func TestMulDiv_SingleRounding(t *testing.T) {
	// 10 * 1 / 3 = 3.333333
	got, err := MustInt(10).MulDiv(One, MustInt(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != MustParse("3.333333") {
		t.Errorf("expected 3.333333, got %s", got)
	}
}

func TestString(t *testing.T) {
	if s := MustParse("20").String(); s != "20.000000" {
		t.Errorf("expected 20.000000, got %s", s)
	}
	if s := MustParse("-0.5").String(); s != "-0.500000" {
		t.Errorf("expected -0.500000, got %s", s)
	}
}

func TestJSON(t *testing.T) {
	type payload struct {
		Stake Amount `json:"stake"`
	}

	var p payload
	if err := json.Unmarshal([]byte(`{"stake":"12.5"}`), &p); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	if p.Stake != MustParse("12.5") {
		t.Errorf("expected 12.5, got %s", p.Stake)
	}

	if err := json.Unmarshal([]byte(`{"stake":7}`), &p); err != nil {
		t.Fatalf("unmarshal number: %v", err)
	}
	if p.Stake != MustInt(7) {
		t.Errorf("expected 7, got %s", p.Stake)
	}

	err := json.Unmarshal([]byte(`{"stake":"NaN"}`), &p)
	if !errors.Is(err, ErrNumeric) {
		t.Errorf("expected ErrNumeric for NaN, got %v", err)
	}

	out, _ := json.Marshal(payload{Stake: MustParse("1.5")})
	if string(out) != `{"stake":"1.500000"}` {
		t.Errorf("unexpected encoding: %s", out)
	}
}

func TestSum(t *testing.T) {
	total, err := Sum(MustInt(1), MustInt(2), MustParse("-0.5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != MustParse("2.5") {
		t.Errorf("expected 2.5, got %s", total)
	}
}
