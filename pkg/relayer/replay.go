package relayer

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	DefaultReplayTTL      = time.Hour
	DefaultReplayCapacity = 100_000
)

// ReplayGuard remembers client public keys already handled. Entries
// expire after the TTL and the oldest are evicted beyond the capacity.
type ReplayGuard struct {
	seen *ttlcache.Cache[string, struct{}]
}

// NewReplayGuard creates a guard. Zero values select the defaults.
func NewReplayGuard(ttl time.Duration, capacity uint64) *ReplayGuard {
	if ttl <= 0 {
		ttl = DefaultReplayTTL
	}
	if capacity == 0 {
		capacity = DefaultReplayCapacity
	}
	return &ReplayGuard{
		seen: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](ttl),
			ttlcache.WithCapacity[string, struct{}](capacity),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
	}
}

// Start runs expired-entry cleanup until Stop.
func (g *ReplayGuard) Start() { go g.seen.Start() }

// Stop ends cleanup.
func (g *ReplayGuard) Stop() { g.seen.Stop() }

// Seen records key and reports whether it was already recorded.
func (g *ReplayGuard) Seen(key string) bool {
	_, found := g.seen.GetOrSet(key, struct{}{})
	return found
}

// Len is the number of remembered keys.
func (g *ReplayGuard) Len() int {
	return g.seen.Len()
}
