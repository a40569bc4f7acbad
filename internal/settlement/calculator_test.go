package settlement_test

import (
	"MarketLedger/internal/apperr"
	fpmath "MarketLedger/internal/math"
	"MarketLedger/internal/settlement"
	"errors"
	"math/rand"
	"testing"
)

func usdt(t *testing.T, s string) int64 {
	t.Helper()
	v, err := fpmath.ParseAmount(s, fpmath.USDTConfig)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func rate(t *testing.T, s string) int64 {
	t.Helper()
	v, err := fpmath.ParseRate(s)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestCompute_Scenario(t *testing.T) {
	split, err := settlement.Compute(usdt(t, "100.00"), rate(t, "0.02"), rate(t, "0.05"))
	if err != nil {
		t.Fatal(err)
	}
	if split.Commission != usdt(t, "2.00") {
		t.Errorf("commission: got %d", split.Commission)
	}
	if split.Royalty != usdt(t, "5.00") {
		t.Errorf("royalty: got %d", split.Royalty)
	}
	if split.Seller != usdt(t, "93.00") {
		t.Errorf("seller: got %d", split.Seller)
	}
}

func TestCompute_FloorsToSellerRemainder(t *testing.T) {
	// 0.000099 * 0.015 = 0.000001485 -> 1; royalty 0.000099 * 0.033 = 0.000003267 -> 3
	split, err := settlement.Compute(99, rate(t, "0.015"), rate(t, "0.033"))
	if err != nil {
		t.Fatal(err)
	}
	if split.Commission != 1 || split.Royalty != 3 || split.Seller != 95 {
		t.Errorf("got %+v", split)
	}
}

func TestCompute_ExactSumProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10_000; i++ {
		price := rng.Int63n(1_000_000_000_000) + 1
		c := rng.Int63n(fpmath.RateScale + 1)
		r := rng.Int63n(fpmath.RateScale - c + 1)

		split, err := settlement.Compute(price, c, r)
		if err != nil {
			t.Fatalf("Compute(%d, %d, %d): %v", price, c, r, err)
		}
		if split.Commission+split.Royalty+split.Seller != price {
			t.Fatalf("leak: %+v", split)
		}
		if split.Commission < 0 || split.Royalty < 0 || split.Seller < 0 {
			t.Fatalf("negative leg: %+v", split)
		}
	}
}

func TestCompute_InvalidInputs(t *testing.T) {
	cases := []struct {
		name        string
		price, c, r int64
	}{
		{"zero price", 0, 0, 0},
		{"negative price", -1, 0, 0},
		{"negative commission", 100, -1, 0},
		{"negative royalty", 100, 0, -1},
		{"rate above one", 100, fpmath.RateScale + 1, 0},
		{"sum above one", 100, 60_000_000, 50_000_000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := settlement.Compute(tc.price, tc.c, tc.r)
			if !errors.Is(err, apperr.ErrInvalidRate) {
				t.Errorf("expected InvalidRate, got %v", err)
			}
			if apperr.KindOf(err) != apperr.KindValidation {
				t.Errorf("expected validation kind, got %s", apperr.KindOf(err))
			}
		})
	}
}

func TestCompute_FullRates(t *testing.T) {
	split, err := settlement.Compute(1000, fpmath.RateScale/2, fpmath.RateScale/2)
	if err != nil {
		t.Fatal(err)
	}
	if split.Seller != 0 || split.Commission != 500 || split.Royalty != 500 {
		t.Errorf("got %+v", split)
	}
}

func TestCalculator_Quote(t *testing.T) {
	calc, err := settlement.NewCalculator(rate(t, "0.02"))
	if err != nil {
		t.Fatal(err)
	}
	split, err := calc.Quote(usdt(t, "50.00"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if split.Commission != usdt(t, "1.00") || split.Royalty != 0 || split.Seller != usdt(t, "49.00") {
		t.Errorf("got %+v", split)
	}
}

func TestNewCalculator_RejectsBadRate(t *testing.T) {
	if _, err := settlement.NewCalculator(-5); !errors.Is(err, apperr.ErrInvalidRate) {
		t.Errorf("expected InvalidRate, got %v", err)
	}
}
