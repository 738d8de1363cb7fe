package price

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
)

const (
	zeroXPricePath     = "/swap/v1/price"
	zeroXClientTimeout = 30 * time.Second
)

// Token is a token the poller prices.
type Token struct {
	Address  common.Address
	Decimals int
}

// Source looks up the USD price of one token.
type Source interface {
	Price(ctx context.Context, ch chain.Chain, token Token, reference common.Address) (decimal.Decimal, error)
}

type zeroXPriceResponse struct {
	Price string `json:"price"`
}

type zeroXErrorResponse struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// ZeroXSource prices tokens against a stablecoin through the 0x swap API.
type ZeroXSource struct {
	client   *resty.Client
	baseURLs map[uint64]string
}

// NewZeroXSource creates a source. baseURLs overrides defaultURL per chain id.
func NewZeroXSource(defaultURL, apiKey string, baseURLs map[uint64]string) *ZeroXSource {
	client := resty.New().
		SetBaseURL(defaultURL).
		SetTimeout(zeroXClientTimeout).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetHeader("0x-api-key", apiKey)
	}
	return &ZeroXSource{client: client, baseURLs: baseURLs}
}

// Price sells one whole token for the reference stablecoin and reads the quoted price.
func (s *ZeroXSource) Price(ctx context.Context, ch chain.Chain, token Token, reference common.Address) (decimal.Decimal, error) {
	sellAmount := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(token.Decimals)), nil)

	url := zeroXPricePath
	if base, ok := s.baseURLs[ch.ID]; ok {
		url = base + zeroXPricePath
	}

	var (
		result  zeroXPriceResponse
		failure zeroXErrorResponse
	)
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"sellToken":  token.Address.Hex(),
			"buyToken":   reference.Hex(),
			"sellAmount": sellAmount.String(),
		}).
		ForceContentType("application/json").
		SetResult(&result).
		SetError(&failure).
		Get(url)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("0x price request: %w", err)
	}
	if resp.IsError() {
		return decimal.Decimal{}, fmt.Errorf("0x price request returned %d: %s", resp.StatusCode(), failure.Reason)
	}
	if result.Price == "" {
		return decimal.Decimal{}, errors.New("0x price response missing price")
	}

	price, err := decimal.NewFromString(result.Price)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse 0x price %q: %w", result.Price, err)
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("non-positive 0x price %s", price)
	}
	return price, nil
}
