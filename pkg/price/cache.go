// Package price keeps last-known USD-referenced token prices per chain.
package price

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
)

var ErrStalePrice = errors.New("token price unavailable")

// TokenPrice is a USD-referenced unit price.
type TokenPrice struct {
	Price     decimal.Decimal `json:"price"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Stale reports whether the price is older than maxAge at now.
func (p TokenPrice) Stale(maxAge time.Duration, now time.Time) bool {
	return now.Sub(p.UpdatedAt) > maxAge
}

// Cache holds one price map per chain. Each Refresh replaces the chain's
// map wholesale, so readers never observe a partially refreshed chain.
// The cache does not expire entries; callers judge staleness.
type Cache struct {
	mu     sync.RWMutex
	prices map[chain.Chain]map[common.Address]TokenPrice
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{prices: make(map[chain.Chain]map[common.Address]TokenPrice)}
}

// Refresh overwrites every price of the chain.
func (c *Cache) Refresh(ch chain.Chain, prices map[common.Address]TokenPrice) {
	next := make(map[common.Address]TokenPrice, len(prices))
	for token, p := range prices {
		next[token] = p
	}

	c.mu.Lock()
	c.prices[ch] = next
	c.mu.Unlock()
}

// Get returns the price of a token, or ErrStalePrice when none is cached.
func (c *Cache) Get(ch chain.Chain, token common.Address) (TokenPrice, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.prices[ch][token]
	if !ok {
		return TokenPrice{}, fmt.Errorf("%w: %s on %s", ErrStalePrice, token.Hex(), ch)
	}
	return p, nil
}

// Snapshot copies the chain's current prices.
func (c *Cache) Snapshot(ch chain.Chain) map[common.Address]TokenPrice {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[common.Address]TokenPrice, len(c.prices[ch]))
	for token, p := range c.prices[ch] {
		out[token] = p
	}
	return out
}

// Reset drops every price.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.prices = make(map[chain.Chain]map[common.Address]TokenPrice)
	c.mu.Unlock()
}
