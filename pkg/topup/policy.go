// Package topup keeps relay wallets funded by unshielding value the
// broadcaster collected as fees.
package topup

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
	"github.com/chainsafe/shielded-broadcaster/pkg/gas"
	"github.com/chainsafe/shielded-broadcaster/pkg/shielded"
)

var (
	ErrTopUpTooCostly    = errors.New("top-up too costly")
	ErrTopUpInFlight     = errors.New("top-up already running for chain")
	ErrNothingToUnshield = errors.New("not enough shielded value to top up")
	ErrUnknownChain      = errors.New("top-up not configured for chain")
)

// DefaultInterval is the top-up check period of a chain.
const DefaultInterval = time.Minute

// Policy is the per-chain self-funding risk configuration.
type Policy struct {
	Enabled  bool
	Interval time.Duration
	// MaxSpendPercentage is the largest fraction of the unshielded value
	// that gas may consume.
	MaxSpendPercentage decimal.Decimal
	// MinimumGasBalance triggers a top-up for wallets below it, in wei.
	MinimumGasBalance *big.Int
	// SwapThreshold is the gas-token value to unshield per top-up, in wei.
	SwapThreshold    *big.Int
	AccumulateNative bool
	// SkipTokens are never unshielded for gas.
	SkipTokens []common.Address
}

// ChainConfig is what the engine needs to know about one chain.
type ChainConfig struct {
	Chain            chain.Chain
	GasType          gas.EVMGasType
	GasTokenDecimals int
	WrappedGasToken  common.Address
	TokenDecimals    map[common.Address]int
	Policy           Policy
}

func (c ChainConfig) skipped(token common.Address) bool {
	for _, t := range c.Policy.SkipTokens {
		if t == token {
			return true
		}
	}
	return false
}

// CheckCost fails with ErrTopUpTooCostly when maxGasCost, in wei, is more
// than maxSpend of received, in whole gas tokens. Exactly maxSpend passes.
func CheckCost(maxGasCost *big.Int, gasTokenDecimals int, received, maxSpend decimal.Decimal) error {
	if !received.IsPositive() {
		return fmt.Errorf("%w: nothing received", ErrTopUpTooCostly)
	}
	cost := decimal.NewFromBigInt(maxGasCost, int32(-gasTokenDecimals))
	if cost.GreaterThan(maxSpend.Mul(received)) {
		return fmt.Errorf("%w: gas %s is %s of %s received, limit %s",
			ErrTopUpTooCostly, cost, cost.Div(received).StringFixed(4), received, maxSpend)
	}
	return nil
}

// valuer converts token amounts to gas-token value.
type valuer interface {
	GasValue(token common.Address, amount *big.Int) (decimal.Decimal, error)
}

// ReceivedValue sums the gas-token value of amounts, in whole gas tokens.
func ReceivedValue(amounts []shielded.TokenAmount, v valuer) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, a := range amounts {
		value, err := v.GasValue(a.Token, a.Amount)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(value)
	}
	return total, nil
}

type candidate struct {
	shielded.TokenAmount
	value decimal.Decimal
}

// chooseAmounts picks what to unshield to collect threshold worth of gas
// token. The wrapped gas token is spent first, then the most valuable
// tokens. The last token used is only partially unshielded.
func chooseAmounts(cfg ChainConfig, balances []shielded.TokenAmount, threshold decimal.Decimal, v valuer) ([]shielded.TokenAmount, error) {
	var candidates []candidate
	for _, b := range balances {
		if b.Amount == nil || b.Amount.Sign() <= 0 || cfg.skipped(b.Token) {
			continue
		}
		if _, ok := cfg.TokenDecimals[b.Token]; !ok && b.Token != cfg.WrappedGasToken {
			continue
		}
		value, err := v.GasValue(b.Token, b.Amount)
		if err != nil || !value.IsPositive() {
			continue
		}
		candidates = append(candidates, candidate{TokenAmount: b, value: value})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		iw, jw := candidates[i].Token == cfg.WrappedGasToken, candidates[j].Token == cfg.WrappedGasToken
		if iw != jw {
			return iw
		}
		return candidates[i].value.GreaterThan(candidates[j].value)
	})

	remaining := threshold
	var out []shielded.TokenAmount
	for _, c := range candidates {
		if !remaining.IsPositive() {
			break
		}
		amount := new(big.Int).Set(c.Amount)
		if c.value.GreaterThan(remaining) {
			amount = decimal.NewFromBigInt(c.Amount, 0).Mul(remaining).Div(c.value).Ceil().BigInt()
			remaining = decimal.Zero
		} else {
			remaining = remaining.Sub(c.value)
		}
		out = append(out, shielded.TokenAmount{Token: c.Token, Amount: amount})
	}
	if remaining.IsPositive() {
		return nil, fmt.Errorf("%w: short by %s", ErrNothingToUnshield, remaining)
	}
	return out, nil
}

// onlyWrapped reports whether every amount is the wrapped gas token.
func onlyWrapped(amounts []shielded.TokenAmount, wrapped common.Address) bool {
	if len(amounts) == 0 {
		return false
	}
	for _, a := range amounts {
		if a.Token != wrapped {
			return false
		}
	}
	return true
}
