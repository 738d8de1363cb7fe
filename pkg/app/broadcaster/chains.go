package broadcaster

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
	"github.com/chainsafe/shielded-broadcaster/pkg/config"
	"github.com/chainsafe/shielded-broadcaster/pkg/extract"
	"github.com/chainsafe/shielded-broadcaster/pkg/fees"
	"github.com/chainsafe/shielded-broadcaster/pkg/gas"
	"github.com/chainsafe/shielded-broadcaster/pkg/price"
	"github.com/chainsafe/shielded-broadcaster/pkg/provider"
	"github.com/chainsafe/shielded-broadcaster/pkg/topup"
	"github.com/chainsafe/shielded-broadcaster/pkg/wallet"
)

// chainSet is the configuration translated into the shapes each
// component consumes.
type chainSet struct {
	providers []provider.ChainProviders
	prices    []price.ChainTokens
	fees      map[chain.Chain]fees.ChainTokens
	contracts map[chain.Chain]extract.Contracts
	gasTypes  map[chain.Chain]gas.EVMGasType
	topUps    []topup.ChainConfig
	info      map[chain.Chain]ChainInfo
}

func newChainSet(cfgs []config.ChainConfig) (*chainSet, error) {
	set := &chainSet{
		fees:      make(map[chain.Chain]fees.ChainTokens, len(cfgs)),
		contracts: make(map[chain.Chain]extract.Contracts, len(cfgs)),
		gasTypes:  make(map[chain.Chain]gas.EVMGasType, len(cfgs)),
		info:      make(map[chain.Chain]ChainInfo, len(cfgs)),
	}

	for _, c := range cfgs {
		ch := chain.Chain{Type: chain.Type(c.Type), ID: c.ID}

		gasType, err := gas.ParseEVMGasType(c.EVMGasType)
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", ch, err)
		}
		set.gasTypes[ch] = gasType

		endpoints := make([]provider.ProviderConfig, 0, len(c.Providers.Providers))
		for _, p := range c.Providers.Providers {
			endpoints = append(endpoints, provider.ProviderConfig{
				URL:             p.URL,
				Priority:        p.Priority,
				Weight:          p.Weight,
				StallTimeout:    p.StallTimeout,
				MaxLogsPerBatch: p.MaxLogsPerBatch,
			})
		}
		set.providers = append(set.providers, provider.ChainProviders{
			Chain:     ch,
			ChainID:   c.Providers.ChainID,
			Providers: endpoints,
		})

		wrapped := config.Address(c.GasToken.WrappedAddress)
		decimals := map[common.Address]int{wrapped: c.GasToken.Decimals}
		tokens := []price.Token{{Address: wrapped, Decimals: c.GasToken.Decimals}}
		for _, t := range c.Tokens {
			addr := config.Address(t.Address)
			if _, dup := decimals[addr]; dup {
				continue
			}
			decimals[addr] = t.Decimals
			tokens = append(tokens, price.Token{Address: addr, Decimals: t.Decimals})
		}

		set.prices = append(set.prices, price.ChainTokens{
			Chain:      ch,
			Tokens:     tokens,
			Stablecoin: config.Address(c.Stablecoin),
		})
		set.fees[ch] = fees.ChainTokens{
			GasTokenDecimals: c.GasToken.Decimals,
			WrappedGasToken:  wrapped,
			TokenDecimals:    decimals,
		}
		set.contracts[ch] = extract.Contracts{
			Pool:    config.Address(c.Contracts.Pool),
			Adapter: config.Address(c.Contracts.Adapter),
		}
		set.info[ch] = ChainInfo{RelayAdapt: config.Address(c.Contracts.Adapter)}

		skip := make([]common.Address, 0, len(c.TopUp.SkipTokens))
		for _, s := range c.TopUp.SkipTokens {
			skip = append(skip, config.Address(s))
		}
		set.topUps = append(set.topUps, topup.ChainConfig{
			Chain:            ch,
			GasType:          gasType,
			GasTokenDecimals: c.GasToken.Decimals,
			WrappedGasToken:  wrapped,
			TokenDecimals:    decimals,
			Policy: topup.Policy{
				Enabled:            c.TopUp.Enabled,
				Interval:           c.TopUp.Interval,
				MaxSpendPercentage: decimal.NewFromFloat(c.TopUp.MaxSpendPercentage),
				MinimumGasBalance:  config.BigInt(c.TopUp.MinimumGasBalanceForTopup),
				SwapThreshold:      config.BigInt(c.TopUp.SwapThresholdIntoGasToken),
				AccumulateNative:   c.TopUp.AccumulateNativeToken,
				SkipTokens:         skip,
			},
		})
	}
	return set, nil
}

func walletParams(cfgs []config.WalletConfig) []wallet.Params {
	params := make([]wallet.Params, 0, len(cfgs))
	for _, w := range cfgs {
		params = append(params, wallet.Params{Index: w.Index, Priority: w.Priority})
	}
	return params
}

func feeSettings(cfg config.FeesConfig) fees.Settings {
	return fees.Settings{
		SlippageBuffer: decimal.NewFromFloat(cfg.SlippageBuffer),
		ProfitMargin:   decimal.NewFromFloat(cfg.ProfitMargin),
		Precision:      cfg.Precision,
		RatioMinimum:   cfg.RatioMinimum,
	}
}
