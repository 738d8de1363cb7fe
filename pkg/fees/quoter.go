package fees

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
)

var ErrNoQuotableToken = errors.New("no token could be quoted")

// Quoter derives unit fees for every accepted token from the current
// prices and stores them as one quote.
type Quoter struct {
	cache      *Cache
	prices     PriceReader
	chains     map[chain.Chain]ChainTokens
	settings   Settings
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewQuoter creates a Quoter sharing the validator's inputs.
func NewQuoter(cache *Cache, prices PriceReader, chains map[chain.Chain]ChainTokens, settings Settings, staleAfter time.Duration, logger *zap.Logger) *Quoter {
	return &Quoter{
		cache:      cache,
		prices:     prices,
		chains:     chains,
		settings:   settings,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger,
	}
}

// Quote computes and caches unit fees for the chain. Tokens whose ratio
// is too imprecise or whose price is missing are left out.
func (q *Quoter) Quote(_ context.Context, ch chain.Chain) (*Quote, error) {
	tokens, ok := q.chains[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, ch)
	}

	now := q.now()
	unitFees := make(map[common.Address]*big.Int, len(tokens.TokenDecimals))
	for token := range tokens.TokenDecimals {
		ratio, decimals, err := liveRatio(q.prices, ch, tokens, token, q.settings, q.staleAfter, now)
		if err != nil {
			q.logger.Debug("Token left out of fee quote",
				zap.String("chain", ch.String()),
				zap.String("token", token.Hex()),
				zap.Error(err))
			continue
		}
		fee := UnitFee(ratio, tokens.GasTokenDecimals, decimals, q.settings.Precision)
		if fee.Sign() == 0 {
			continue
		}
		unitFees[token] = fee
	}
	if len(unitFees) == 0 {
		return nil, fmt.Errorf("%w on %s", ErrNoQuotableToken, ch)
	}

	quote := q.cache.Put(ch, unitFees)
	q.logger.Debug("Fee quote cached",
		zap.String("chain", ch.String()),
		zap.String("quote_id", quote.ID),
		zap.Int("tokens", len(unitFees)))
	return quote, nil
}
