package fees

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
	"github.com/chainsafe/shielded-broadcaster/pkg/price"
)

var (
	ErrBadTokenFee      = errors.New("bad token fee")
	ErrUnsupportedFee   = errors.New("fee token not accepted on chain")
	ErrUnsupportedChain = errors.New("chain not configured for fees")
)

// PriceReader reads cached token prices.
type PriceReader interface {
	Get(ch chain.Chain, token common.Address) (price.TokenPrice, error)
}

// ChainTokens describes the gas token and accepted fee tokens of a chain.
type ChainTokens struct {
	GasTokenDecimals int
	WrappedGasToken  common.Address
	// TokenDecimals maps every accepted fee token to its decimals.
	TokenDecimals map[common.Address]int
}

// Validator checks paid fees against cached quotes or live prices.
type Validator struct {
	cache      *Cache
	prices     PriceReader
	chains     map[chain.Chain]ChainTokens
	settings   Settings
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewValidator creates a Validator.
func NewValidator(
	cache *Cache,
	prices PriceReader,
	chains map[chain.Chain]ChainTokens,
	settings Settings,
	staleAfter time.Duration,
	logger *zap.Logger,
) *Validator {
	return &Validator{
		cache:      cache,
		prices:     prices,
		chains:     chains,
		settings:   settings,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger,
	}
}

// Validate fails with ErrBadTokenFee unless paid covers the fee owed for
// maxGasCost. A resolvable quote is applied exactly; otherwise the fee is
// recomputed from live prices and paid may fall short of it by the
// slippage fraction. Without a quote or usable prices the check fails closed.
func (v *Validator) Validate(_ context.Context, ch chain.Chain, token common.Address, maxGasCost *big.Int, quoteID string, paid *big.Int) error {
	tokens, ok := v.chains[ch]
	if !ok {
		return fmt.Errorf("%w: %w: %s", ErrBadTokenFee, ErrUnsupportedChain, ch)
	}

	if quote, ok := v.cache.Get(quoteID); ok && quote.Chain == ch {
		if unitFee, ok := quote.UnitFee(token); ok {
			required := RequiredFromUnitFee(maxGasCost, unitFee, tokens.GasTokenDecimals)
			if paid.Cmp(required) < 0 {
				return fmt.Errorf("%w: paid %s, quoted %s", ErrBadTokenFee, paid, required)
			}
			return nil
		}
	}

	required, err := v.RequiredFee(ch, token, maxGasCost)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadTokenFee, err)
	}

	minimum := decimal.NewFromBigInt(required, 0).Mul(decimal.NewFromInt(1).Sub(v.settings.SlippageBuffer))
	if decimal.NewFromBigInt(paid, 0).LessThan(minimum) {
		return fmt.Errorf("%w: paid %s, required %s, minimum %s", ErrBadTokenFee, paid, required, minimum)
	}
	return nil
}

// RequiredFee computes the fee owed for maxGasCost from live prices.
func (v *Validator) RequiredFee(ch chain.Chain, token common.Address, maxGasCost *big.Int) (*big.Int, error) {
	tokens, ok := v.chains[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, ch)
	}
	ratio, tokenDecimals, err := liveRatio(v.prices, ch, tokens, token, v.settings, v.staleAfter, v.now())
	if err != nil {
		return nil, err
	}
	adj := DecimalAdjustment(tokens.GasTokenDecimals, tokenDecimals)
	return RequiredTokenFee(maxGasCost, ratio, adj, v.settings.Precision), nil
}

func liveRatio(
	prices PriceReader,
	ch chain.Chain,
	tokens ChainTokens,
	token common.Address,
	settings Settings,
	staleAfter time.Duration,
	now time.Time,
) (*big.Int, int, error) {
	tokenDecimals, ok := tokens.TokenDecimals[token]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnsupportedFee, token.Hex())
	}
	tokenPrice, err := freshPrice(prices, ch, token, staleAfter, now)
	if err != nil {
		return nil, 0, err
	}
	gasTokenPrice, err := freshPrice(prices, ch, tokens.WrappedGasToken, staleAfter, now)
	if err != nil {
		return nil, 0, err
	}
	ratio, err := ComputeFeeRatio(tokenPrice.Price, gasTokenPrice.Price, settings)
	if err != nil {
		return nil, 0, err
	}
	return ratio, tokenDecimals, nil
}

func freshPrice(prices PriceReader, ch chain.Chain, token common.Address, staleAfter time.Duration, now time.Time) (price.TokenPrice, error) {
	p, err := prices.Get(ch, token)
	if err != nil {
		return price.TokenPrice{}, err
	}
	if staleAfter > 0 && p.Stale(staleAfter, now) {
		return price.TokenPrice{}, fmt.Errorf("%w: %s updated %s", price.ErrStalePrice, token.Hex(), p.UpdatedAt.Format(time.RFC3339))
	}
	return p, nil
}
