package cpmm

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/watmarket/market-engine/internal/model"
	"github.com/watmarket/market-engine/internal/money"
)

func d(s string) money.Amount {
	return money.MustParse(s)
}

func even() Pool {
	return Pool{Yes: d("100"), No: d("100")}
}

func TestProbability_Even(t *testing.T) {
	yes, no, err := Odds(even())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if yes != d("0.5") || no != d("0.5") {
		t.Errorf("expected 0.5/0.5, got %s/%s", yes, no)
	}
}

func TestProbability_SumsToOne(t *testing.T) {
	pools := []Pool{
		{Yes: d("83.333334"), No: d("120")},
		{Yes: d("1"), No: d("2")},
		{Yes: money.FromMicros(1), No: money.FromMicros(1)},
		{Yes: d("999999"), No: d("0.000007")},
	}
	for _, p := range pools {
		yes, no, err := Odds(p)
		if err != nil {
			t.Fatalf("Odds(%v): %v", p, err)
		}
		sum, _ := yes.Add(no)
		if sum != money.One {
			t.Errorf("Odds(%v): %s + %s != 1", p, yes, no)
		}
	}
}

func TestProbability_YesRisesWhenNoPoolGrows(t *testing.T) {
	// Pools (1, 2): p_yes = 2/3.
	p, err := Probability(Pool{Yes: d("1"), No: d("2")}, model.OutcomeYes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != d("0.666667") {
		t.Errorf("expected 0.666667, got %s", p)
	}
}

func TestProbability_RejectsEmptyPool(t *testing.T) {
	_, err := Probability(Pool{Yes: 0, No: d("100")}, model.OutcomeYes)
	if !errors.Is(err, ErrPoolInvariant) {
		t.Errorf("expected ErrPoolInvariant, got %v", err)
	}
}

func TestBuy_Yes(t *testing.T) {
	q, err := Buy(even(), model.OutcomeYes, d("20"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// opposite' = 120, own' = 10000/120 = 83.3333333 (held up to .333334),
	// shares = 20 + 100 - 83.333334.
	if q.Shares != d("36.666666") {
		t.Errorf("expected 36.666666 shares, got %s", q.Shares)
	}
	if q.Pool.Yes != d("83.333334") || q.Pool.No != d("120") {
		t.Errorf("unexpected pools: %s/%s", q.Pool.Yes, q.Pool.No)
	}
	if q.Price != d("0.545455") {
		t.Errorf("expected price 0.545455, got %s", q.Price)
	}

	yes, _ := Probability(q.Pool, model.OutcomeYes)
	if yes != d("0.590164") {
		t.Errorf("expected YES probability 0.590164, got %s", yes)
	}
}

func TestBuy_No(t *testing.T) {
	q, err := Buy(even(), model.OutcomeNo, d("10"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Shares != d("19.090909") {
		t.Errorf("expected 19.090909 shares, got %s", q.Shares)
	}
	if q.Pool.Yes != d("110") || q.Pool.No != d("90.909091") {
		t.Errorf("unexpected pools: %s/%s", q.Pool.Yes, q.Pool.No)
	}
}

func TestBuy_SharesExceedStake(t *testing.T) {
	// Every buy returns more shares than its stake: the stake itself plus
	// whatever leaves the bought pool.
	for _, stake := range []string{"0.000001", "1", "20", "70", "5000"} {
		q, err := Buy(even(), model.OutcomeYes, d(stake))
		if err != nil {
			t.Fatalf("Buy(%s): %v", stake, err)
		}
		if q.Shares < d(stake) {
			t.Errorf("Buy(%s): shares %s below stake", stake, q.Shares)
		}
	}
}

func TestBuy_RejectsNonPositive(t *testing.T) {
	for _, stake := range []money.Amount{0, d("-1")} {
		if _, err := Buy(even(), model.OutcomeYes, stake); !errors.Is(err, ErrNonPositiveInput) {
			t.Errorf("Buy(%s): expected ErrNonPositiveInput, got %v", stake, err)
		}
	}
}

func TestBuy_RejectsUnknownOutcome(t *testing.T) {
	if _, err := Buy(even(), model.Outcome("maybe"), d("1")); !errors.Is(err, ErrUnknownOutcome) {
		t.Errorf("expected ErrUnknownOutcome, got %v", err)
	}
}

func TestBuy_RejectsBadPool(t *testing.T) {
	_, err := Buy(Pool{Yes: d("-1"), No: d("100")}, model.OutcomeYes, d("1"))
	if !errors.Is(err, ErrPoolInvariant) {
		t.Errorf("expected ErrPoolInvariant, got %v", err)
	}
}

func TestSell_RoundTripReturnsStake(t *testing.T) {
	bought, err := Buy(even(), model.OutcomeYes, d("20"))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	sold, err := Sell(bought.Pool, model.OutcomeYes, bought.Shares)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if sold.Amount != d("20") {
		t.Errorf("expected 20 back, got %s", sold.Amount)
	}
	if sold.Absorbed != d("16.666666") {
		t.Errorf("expected 16.666666 absorbed, got %s", sold.Absorbed)
	}
	// Pools return to (100, 100) up to one micro-unit held by the curve.
	if sold.Pool.Yes != d("100") || sold.Pool.No != d("100.000001") {
		t.Errorf("unexpected pools: %s/%s", sold.Pool.Yes, sold.Pool.No)
	}
}

func TestSell_RoundTripNo(t *testing.T) {
	bought, _ := Buy(even(), model.OutcomeNo, d("10"))
	sold, err := Sell(bought.Pool, model.OutcomeNo, bought.Shares)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if sold.Amount != d("10") {
		t.Errorf("expected 10 back, got %s", sold.Amount)
	}
	if sold.Pool.Yes != d("100.000001") || sold.Pool.No != d("100") {
		t.Errorf("unexpected pools: %s/%s", sold.Pool.Yes, sold.Pool.No)
	}
}

func TestSell_Partial(t *testing.T) {
	bought, _ := Buy(even(), model.OutcomeYes, d("20"))
	sold, err := Sell(bought.Pool, model.OutcomeYes, d("10"))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if sold.Amount != d("5.781694") {
		t.Errorf("expected 5.781694, got %s", sold.Amount)
	}
	if sold.Pool.Yes != d("87.55164") || sold.Pool.No != d("114.218307") {
		t.Errorf("unexpected pools: %s/%s", sold.Pool.Yes, sold.Pool.No)
	}
}

func TestCostForShares_InvertsBuy(t *testing.T) {
	bought, _ := Buy(even(), model.OutcomeYes, d("20"))

	cost, err := CostForShares(even(), model.OutcomeYes, bought.Shares)
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	if cost != d("20") {
		t.Errorf("expected 20 to buy %s shares, got %s", bought.Shares, cost)
	}
}

func TestCostForShares_OppositeSideIsSellAbsorption(t *testing.T) {
	bought, _ := Buy(even(), model.OutcomeYes, d("20"))

	c, err := CostForShares(bought.Pool, model.OutcomeNo, bought.Shares)
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	sold, err := Sell(bought.Pool, model.OutcomeYes, bought.Shares)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if c != sold.Absorbed || c != d("16.666666") {
		t.Errorf("cost %s, absorbed %s, want 16.666666", c, sold.Absorbed)
	}
}

func TestCostForShares_Rejects(t *testing.T) {
	if _, err := CostForShares(even(), model.OutcomeYes, 0); !errors.Is(err, ErrNonPositiveInput) {
		t.Errorf("zero shares: expected ErrNonPositiveInput, got %v", err)
	}
	if _, err := CostForShares(even(), model.Outcome("MAYBE"), d("1")); !errors.Is(err, ErrUnknownOutcome) {
		t.Errorf("bad outcome: expected ErrUnknownOutcome, got %v", err)
	}
	if _, err := CostForShares(Pool{Yes: 0, No: d("100")}, model.OutcomeYes, d("1")); !errors.Is(err, ErrPoolInvariant) {
		t.Errorf("empty pool: expected ErrPoolInvariant, got %v", err)
	}
}

func TestSell_RejectsDust(t *testing.T) {
	// One micro-share cannot move the pool.
	_, err := Sell(even(), model.OutcomeYes, money.FromMicros(1))
	if !errors.Is(err, ErrNonPositiveInput) {
		t.Errorf("expected ErrNonPositiveInput, got %v", err)
	}
}

func TestSellValue(t *testing.T) {
	bought, _ := Buy(even(), model.OutcomeYes, d("20"))

	v, err := SellValue(bought.Pool, model.OutcomeYes, bought.Shares)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != d("20") {
		t.Errorf("expected 20, got %s", v)
	}

	v, err = SellValue(bought.Pool, model.OutcomeYes, 0)
	if err != nil || v != 0 {
		t.Errorf("expected 0 for no shares, got %s (%v)", v, err)
	}

	v, err = SellValue(even(), model.OutcomeYes, money.FromMicros(1))
	if err != nil || v != 0 {
		t.Errorf("expected 0 for dust, got %s (%v)", v, err)
	}
}

func TestInvariant_KNeverDecreases(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	p := even()
	for i := 0; i < 2000; i++ {
		o := model.OutcomeYes
		if rng.Intn(2) == 0 {
			o = model.OutcomeNo
		}
		before := p.K()

		if rng.Intn(3) == 0 {
			own, _, _ := p.split(o)
			shares := money.FromMicros(rng.Int63n(own.Micros()/2 + 1))
			q, err := Sell(p, o, shares)
			if errors.Is(err, ErrNonPositiveInput) {
				continue
			}
			if err != nil {
				t.Fatalf("step %d sell: %v", i, err)
			}
			p = q.Pool
		} else {
			stake := money.FromMicros(rng.Int63n(50_000_000) + 1)
			q, err := Buy(p, o, stake)
			if err != nil {
				t.Fatalf("step %d buy: %v", i, err)
			}
			p = q.Pool
		}

		if p.K().Cmp(before) < 0 {
			t.Fatalf("step %d: k decreased", i)
		}
		if err := p.Validate(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
}

func TestRoundTrip_NeverPaysMoreThanStake(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5000; i++ {
		p := Pool{
			Yes: money.FromMicros(rng.Int63n(1_000_000_000_000) + 1_000_000),
			No:  money.FromMicros(rng.Int63n(1_000_000_000_000) + 1_000_000),
		}
		stake := money.FromMicros(rng.Int63n(1_000_000_000) + 1)
		o := model.OutcomeYes
		if i%2 == 1 {
			o = model.OutcomeNo
		}

		bought, err := Buy(p, o, stake)
		if err != nil {
			t.Fatalf("trial %d buy: %v", i, err)
		}
		sold, err := Sell(bought.Pool, o, bought.Shares)
		if errors.Is(err, ErrNonPositiveInput) {
			continue
		}
		if err != nil {
			t.Fatalf("trial %d sell: %v", i, err)
		}
		if sold.Amount > stake {
			t.Fatalf("trial %d: paid %s for a %s stake", i, sold.Amount, stake)
		}
	}
}
