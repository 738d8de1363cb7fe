package fees

import (
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("invalid big int %q", s)
	}
	return n
}

func TestComputeFeeRatio(t *testing.T) {
	tests := []struct {
		name          string
		tokenPrice    string
		gasTokenPrice string
		want          string
	}{
		{"stablecoin against eth", "1", "3250", "357500000000"},
		{"equal prices", "1", "1", "110000000"},
		{"token worth ten gas tokens", "20", "2", "11000000"},
		{"rounds to nearest", "3", "1", "36666667"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ratio, err := ComputeFeeRatio(decimal.RequireFromString(tt.tokenPrice), decimal.RequireFromString(tt.gasTokenPrice), DefaultSettings())
			if err != nil {
				t.Fatalf("ComputeFeeRatio() failed: %v", err)
			}
			if ratio.String() != tt.want {
				t.Errorf("expected %s, got %s", tt.want, ratio)
			}
		})
	}
}

func TestComputeFeeRatio_Deterministic(t *testing.T) {
	tokenPrice := decimal.RequireFromString("0.999871")
	gasTokenPrice := decimal.RequireFromString("0.5321")
	first, err := ComputeFeeRatio(tokenPrice, gasTokenPrice, DefaultSettings())
	if err != nil {
		t.Fatalf("ComputeFeeRatio() failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, _ := ComputeFeeRatio(tokenPrice, gasTokenPrice, DefaultSettings())
		if again.Cmp(first) != 0 {
			t.Fatalf("expected %s, got %s", first, again)
		}
	}
}

func TestComputeFeeRatio_ImpreciseRatio(t *testing.T) {
	// a token worth far more than the gas token scales below the floor
	_, err := ComputeFeeRatio(decimal.NewFromInt(60_000), decimal.RequireFromString("0.5"), DefaultSettings())
	if !errors.Is(err, ErrImpreciseRatio) {
		t.Fatalf("expected ErrImpreciseRatio, got %v", err)
	}

	// never rounds to zero
	_, err = ComputeFeeRatio(decimal.NewFromInt(1_000_000_000_000), decimal.NewFromInt(1), DefaultSettings())
	if !errors.Is(err, ErrImpreciseRatio) {
		t.Fatalf("expected ErrImpreciseRatio, got %v", err)
	}
}

func TestComputeFeeRatio_InvalidPrice(t *testing.T) {
	_, err := ComputeFeeRatio(decimal.Zero, decimal.NewFromInt(1), DefaultSettings())
	if !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
}

func TestRequiredTokenFee(t *testing.T) {
	maxGasCost := mustBig(t, "120000000000000000") // 0.12 gas token
	ratio := mustBig(t, "357500000000")

	fee18 := RequiredTokenFee(maxGasCost, ratio, DecimalAdjustment(18, 18), 100_000_000)
	if fee18.String() != "429000000000000000000" {
		t.Errorf("expected 429e18, got %s", fee18)
	}

	fee6 := RequiredTokenFee(maxGasCost, ratio, DecimalAdjustment(18, 6), 100_000_000)
	if fee6.String() != "429000000" {
		t.Errorf("expected 429e6, got %s", fee6)
	}

	// fee token with more decimals than the gas token
	fee24 := RequiredTokenFee(maxGasCost, ratio, DecimalAdjustment(18, 24), 100_000_000)
	if fee24.String() != "429000000000000000000000000" {
		t.Errorf("expected 429e24, got %s", fee24)
	}
}

func TestUnitFee_MatchesRequiredTokenFee(t *testing.T) {
	ratio := mustBig(t, "357500000000")
	maxGasCost := mustBig(t, "120000000000000000")

	for _, decimals := range []int{6, 8, 18} {
		unit := UnitFee(ratio, 18, decimals, 100_000_000)
		fromUnit := RequiredFromUnitFee(maxGasCost, unit, 18)
		direct := RequiredTokenFee(maxGasCost, ratio, DecimalAdjustment(18, decimals), 100_000_000)
		if fromUnit.Cmp(direct) != 0 {
			t.Errorf("decimals %d: unit fee path %s != direct %s", decimals, fromUnit, direct)
		}
	}
}
