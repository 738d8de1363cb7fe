package wallet

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jellydator/ttlcache/v3"

	"github.com/chainsafe/shielded-broadcaster/internal/metrics"
	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
)

// DefaultBalanceTTL is how long a fetched gas balance is trusted.
const DefaultBalanceTTL = 5 * time.Minute

// BalanceBackend reads native balances. *provider.Fallback implements it.
type BalanceBackend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// BackendFunc resolves the backend of a chain.
type BackendFunc func(c chain.Chain) (BalanceBackend, error)

type balanceKey struct {
	chain   chain.Chain
	address common.Address
}

// BalanceCache caches gas-token balances per chain and wallet.
type BalanceCache struct {
	backends BackendFunc
	cache    *ttlcache.Cache[balanceKey, *big.Int]
}

// NewBalanceCache creates a cache. ttl <= 0 uses DefaultBalanceTTL.
func NewBalanceCache(backends BackendFunc, ttl time.Duration) *BalanceCache {
	if ttl <= 0 {
		ttl = DefaultBalanceTTL
	}
	return &BalanceCache{
		backends: backends,
		cache: ttlcache.New[balanceKey, *big.Int](
			ttlcache.WithTTL[balanceKey, *big.Int](ttl),
			ttlcache.WithDisableTouchOnHit[balanceKey, *big.Int](),
		),
	}
}

// Get returns the cached balance or fetches it.
func (b *BalanceCache) Get(ctx context.Context, ch chain.Chain, address common.Address) (*big.Int, error) {
	key := balanceKey{chain: ch, address: address}
	if item := b.cache.Get(key); item != nil && !item.IsExpired() {
		return new(big.Int).Set(item.Value()), nil
	}
	return b.Refresh(ctx, ch, address)
}

// Refresh fetches the balance from the chain and caches it.
func (b *BalanceCache) Refresh(ctx context.Context, ch chain.Chain, address common.Address) (*big.Int, error) {
	backend, err := b.backends(ch)
	if err != nil {
		return nil, err
	}
	balance, err := backend.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("balance of %s on %s: %w", address.Hex(), ch, err)
	}
	b.cache.Set(balanceKey{chain: ch, address: address}, new(big.Int).Set(balance), ttlcache.DefaultTTL)

	f, _ := new(big.Float).SetInt(balance).Float64()
	metrics.WalletGasBalance.WithLabelValues(ch.String(), address.Hex()).Set(f)
	return balance, nil
}

// Invalidate forgets a balance, typically after the wallet spent gas.
func (b *BalanceCache) Invalidate(ch chain.Chain, address common.Address) {
	b.cache.Delete(balanceKey{chain: ch, address: address})
}
