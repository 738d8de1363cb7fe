package price

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/shielded-broadcaster/internal/metrics"
	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
)

// ChainTokens is the set of tokens priced on one chain.
type ChainTokens struct {
	Chain      chain.Chain
	Tokens     []Token
	Stablecoin common.Address
}

// RefreshHook runs after a chain's prices were replaced.
type RefreshHook func(ctx context.Context, ch chain.Chain)

// Poller refreshes the Cache from a Source. At most one refresh per chain
// runs at a time; triggers arriving during a refresh are skipped.
type Poller struct {
	source       Source
	cache        *Cache
	logger       *zap.Logger
	tokenTimeout time.Duration
	lookupDelay  time.Duration
	now          func() time.Time

	mu         sync.Mutex
	refreshing map[chain.Chain]bool
	hooks      []RefreshHook
}

// NewPoller creates a Poller.
func NewPoller(source Source, cache *Cache, tokenTimeout, lookupDelay time.Duration, logger *zap.Logger) *Poller {
	return &Poller{
		source:       source,
		cache:        cache,
		logger:       logger,
		tokenTimeout: tokenTimeout,
		lookupDelay:  lookupDelay,
		now:          time.Now,
		refreshing:   make(map[chain.Chain]bool),
	}
}

// OnRefresh registers a hook.
func (p *Poller) OnRefresh(hook RefreshHook) {
	p.mu.Lock()
	p.hooks = append(p.hooks, hook)
	p.mu.Unlock()
}

func (p *Poller) tryLock(ch chain.Chain) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refreshing[ch] {
		return false
	}
	p.refreshing[ch] = true
	return true
}

func (p *Poller) unlock(ch chain.Chain) {
	p.mu.Lock()
	p.refreshing[ch] = false
	p.mu.Unlock()
}

// RefreshChain prices every token of the chain and replaces the cached
// map in one step. It returns false if a refresh was already running.
// Tokens that fail or time out are left out of the new map.
func (p *Poller) RefreshChain(ctx context.Context, ct ChainTokens) bool {
	if !p.tryLock(ct.Chain) {
		p.logger.Debug("Price refresh already running, skipping", zap.String("chain", ct.Chain.String()))
		metrics.PriceRefreshTotal.WithLabelValues(ct.Chain.String(), "skipped").Inc()
		return false
	}
	defer p.unlock(ct.Chain)

	prices := make(map[common.Address]TokenPrice, len(ct.Tokens))
	looked := false
	for _, token := range ct.Tokens {
		if token.Address == ct.Stablecoin {
			prices[token.Address] = TokenPrice{Price: decimal.NewFromInt(1), UpdatedAt: p.now()}
			continue
		}

		// the delay spaces out source lookups only
		if looked && p.lookupDelay > 0 {
			if !sleep(ctx, p.lookupDelay) {
				metrics.PriceRefreshTotal.WithLabelValues(ct.Chain.String(), "cancelled").Inc()
				return true
			}
		}
		looked = true

		lookupCtx, cancel := context.WithTimeout(ctx, p.tokenTimeout)
		price, err := p.source.Price(lookupCtx, ct.Chain, token, ct.Stablecoin)
		cancel()
		if err != nil {
			p.logger.Warn("Token price lookup failed",
				zap.String("chain", ct.Chain.String()),
				zap.String("token", token.Address.Hex()),
				zap.Error(err))
			continue
		}
		prices[token.Address] = TokenPrice{Price: price, UpdatedAt: p.now()}
	}

	p.cache.Refresh(ct.Chain, prices)
	metrics.PriceRefreshTotal.WithLabelValues(ct.Chain.String(), "success").Inc()
	p.logger.Debug("Token prices refreshed",
		zap.String("chain", ct.Chain.String()),
		zap.Int("priced", len(prices)),
		zap.Int("tokens", len(ct.Tokens)))

	p.mu.Lock()
	hooks := append([]RefreshHook(nil), p.hooks...)
	p.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, ct.Chain)
	}
	return true
}

// Run refreshes every chain immediately and then on each tick until ctx is done.
func (p *Poller) Run(ctx context.Context, chains []ChainTokens, interval time.Duration) {
	var wg sync.WaitGroup
	trigger := func() {
		for _, ct := range chains {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.RefreshChain(ctx, ct)
			}()
		}
	}

	trigger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			trigger()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
