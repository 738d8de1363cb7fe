// Package fees turns gas costs into token fees, caches fee quotes and
// validates the fee a relayed transaction actually pays.
package fees

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	ErrImpreciseRatio = errors.New("token price ratio is too imprecise")
	ErrInvalidPrice   = errors.New("invalid token price")
)

// Settings are the fee parameters applied on top of raw prices.
type Settings struct {
	SlippageBuffer decimal.Decimal
	ProfitMargin   decimal.Decimal
	Precision      int64
	RatioMinimum   int64
}

// DefaultSettings mirror the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		SlippageBuffer: decimal.NewFromFloat(0.05),
		ProfitMargin:   decimal.NewFromFloat(0.05),
		Precision:      100_000_000,
		RatioMinimum:   1_000,
	}
}

// ComputeFeeRatio returns round(gasTokenPrice/tokenPrice * (1+slippage+profit) * precision).
// Ratios that scale below the configured minimum fail with ErrImpreciseRatio.
func ComputeFeeRatio(tokenPrice, gasTokenPrice decimal.Decimal, s Settings) (*big.Int, error) {
	if !tokenPrice.IsPositive() || !gasTokenPrice.IsPositive() {
		return nil, fmt.Errorf("%w: token %s, gas token %s", ErrInvalidPrice, tokenPrice, gasTokenPrice)
	}
	if s.Precision <= 0 {
		return nil, fmt.Errorf("precision must be positive, got %d", s.Precision)
	}

	markup := decimal.NewFromInt(1).Add(s.SlippageBuffer).Add(s.ProfitMargin)
	scaled := gasTokenPrice.Mul(markup).Mul(decimal.NewFromInt(s.Precision)).DivRound(tokenPrice, 0)

	ratio := scaled.BigInt()
	if ratio.Cmp(big.NewInt(s.RatioMinimum)) < 0 || ratio.Sign() <= 0 {
		return nil, fmt.Errorf("%w: scaled ratio %s below minimum %d", ErrImpreciseRatio, ratio, s.RatioMinimum)
	}
	return ratio, nil
}

// DecimalAdjustment is 10^(gasTokenDecimals - tokenDecimals) as an exact rational.
func DecimalAdjustment(gasTokenDecimals, tokenDecimals int) *big.Rat {
	diff := gasTokenDecimals - tokenDecimals
	pow := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(abs(diff))), nil)
	if diff >= 0 {
		return new(big.Rat).SetInt(pow)
	}
	return new(big.Rat).SetFrac(big.NewInt(1), pow)
}

// RequiredTokenFee is maxGasCost * ratio / decimalAdjustment / precision,
// rounded down, in the fee token's base units.
func RequiredTokenFee(maxGasCost, ratio *big.Int, decimalAdjustment *big.Rat, precision int64) *big.Int {
	numerator := new(big.Int).Mul(maxGasCost, ratio)
	numerator.Mul(numerator, decimalAdjustment.Denom())

	denominator := new(big.Int).Mul(decimalAdjustment.Num(), big.NewInt(precision))
	return numerator.Quo(numerator, denominator)
}

// UnitFee is the fee owed per whole gas token of gas cost.
func UnitFee(ratio *big.Int, gasTokenDecimals, tokenDecimals int, precision int64) *big.Int {
	wholeGasToken := pow10(gasTokenDecimals)
	return RequiredTokenFee(wholeGasToken, ratio, DecimalAdjustment(gasTokenDecimals, tokenDecimals), precision)
}

// RequiredFromUnitFee applies a cached unit fee to a gas cost in wei.
func RequiredFromUnitFee(maxGasCost, unitFee *big.Int, gasTokenDecimals int) *big.Int {
	required := new(big.Int).Mul(maxGasCost, unitFee)
	return required.Quo(required, pow10(gasTokenDecimals))
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
