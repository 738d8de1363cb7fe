package fees

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
)

// Quote is a cached set of unit fees. It is never modified after creation.
type Quote struct {
	ID        string
	Chain     chain.Chain
	CreatedAt time.Time
	unitFees  map[common.Address]*big.Int
}

// UnitFee returns a copy of the unit fee for token.
func (q *Quote) UnitFee(token common.Address) (*big.Int, bool) {
	fee, ok := q.unitFees[token]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(fee), true
}

// UnitFees copies every unit fee of the quote.
func (q *Quote) UnitFees() map[common.Address]*big.Int {
	out := make(map[common.Address]*big.Int, len(q.unitFees))
	for token, fee := range q.unitFees {
		out[token] = new(big.Int).Set(fee)
	}
	return out
}

// Cache maps opaque quote ids to quotes for a fixed TTL.
type Cache struct {
	quotes *ttlcache.Cache[string, *Quote]
	now    func() time.Time

	mu     sync.RWMutex
	latest map[chain.Chain]string
}

// NewCache creates a quote cache. Call Start to run background eviction.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		quotes: ttlcache.New[string, *Quote](
			ttlcache.WithTTL[string, *Quote](ttl),
			ttlcache.WithDisableTouchOnHit[string, *Quote](),
		),
		now:    time.Now,
		latest: make(map[chain.Chain]string),
	}
}

// Start runs expired-item eviction until Stop.
func (c *Cache) Start() { go c.quotes.Start() }

// Stop ends eviction.
func (c *Cache) Stop() { c.quotes.Stop() }

// Put stores unit fees under a fresh id. Every call yields a distinct id.
func (c *Cache) Put(ch chain.Chain, unitFees map[common.Address]*big.Int) *Quote {
	fees := make(map[common.Address]*big.Int, len(unitFees))
	for token, fee := range unitFees {
		fees[token] = new(big.Int).Set(fee)
	}
	q := &Quote{
		ID:        uuid.NewString(),
		Chain:     ch,
		CreatedAt: c.now(),
		unitFees:  fees,
	}
	c.quotes.Set(q.ID, q, ttlcache.DefaultTTL)

	c.mu.Lock()
	c.latest[ch] = q.ID
	c.mu.Unlock()
	return q
}

// Get returns the quote for id. Expired quotes are absent.
func (c *Cache) Get(id string) (*Quote, bool) {
	item := c.quotes.Get(id)
	if item == nil || item.IsExpired() {
		return nil, false
	}
	return item.Value(), true
}

// Latest returns the most recent unexpired quote of the chain.
func (c *Cache) Latest(ch chain.Chain) (*Quote, bool) {
	c.mu.RLock()
	id, ok := c.latest[ch]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return c.Get(id)
}

// Reset drops every quote.
func (c *Cache) Reset() {
	c.quotes.DeleteAll()
	c.mu.Lock()
	c.latest = make(map[chain.Chain]string)
	c.mu.Unlock()
}
