package fees

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
	"github.com/chainsafe/shielded-broadcaster/pkg/price"
)

var (
	testChain = chain.EVM(1)
	weth      = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	dai       = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	usdc      = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
)

func testChains() map[chain.Chain]ChainTokens {
	return map[chain.Chain]ChainTokens{
		testChain: {
			GasTokenDecimals: 18,
			WrappedGasToken:  weth,
			TokenDecimals:    map[common.Address]int{dai: 18, usdc: 6, weth: 18},
		},
	}
}

func pricesAt(updated time.Time, values map[common.Address]string) *price.Cache {
	c := price.NewCache()
	prices := make(map[common.Address]price.TokenPrice, len(values))
	for token, v := range values {
		prices[token] = price.TokenPrice{Price: decimal.RequireFromString(v), UpdatedAt: updated}
	}
	c.Refresh(testChain, prices)
	return c
}
