package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chainsafe/shielded-broadcaster/internal/metrics"
	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
)

const (
	probeTimeout       = 10 * time.Second
	maxConcurrentProbe = 8
)

var (
	ErrNoActiveProvider    = errors.New("no active provider for chain")
	ErrChainIDMismatch     = errors.New("provider chain id does not match chain")
	ErrNoReachableProvider = errors.New("failed to get block number from any provider")
)

// ChainProviders is the provider set declared for one chain.
type ChainProviders struct {
	Chain     chain.Chain
	ChainID   uint64
	Providers []ProviderConfig
}

// Pool holds one Fallback per initialized chain.
type Pool struct {
	dial   Dialer
	logger *zap.Logger

	mu     sync.RWMutex
	chains map[chain.Chain]*Fallback
}

// NewPool creates an empty pool. A nil dialer uses DialEthClient.
func NewPool(dial Dialer, logger *zap.Logger) *Pool {
	if dial == nil {
		dial = DialEthClient
	}
	return &Pool{
		dial:   dial,
		logger: logger,
		chains: make(map[chain.Chain]*Fallback),
	}
}

// Init initializes every chain. A chain that fails with a transient
// block-number error is retried once; any remaining failure aborts.
func (p *Pool) Init(ctx context.Context, sets []ChainProviders) error {
	for _, set := range sets {
		fb, err := p.initChain(ctx, set)
		if err != nil && isRetryableInit(err) {
			p.logger.Warn("Provider initialization failed, retrying once",
				zap.String("chain", set.Chain.String()),
				zap.Error(err))
			fb, err = p.initChain(ctx, set)
		}
		if err != nil {
			return fmt.Errorf("initialize providers for chain %s: %w", set.Chain, err)
		}

		p.mu.Lock()
		if old, ok := p.chains[set.Chain]; ok {
			old.close()
		}
		p.chains[set.Chain] = fb
		p.mu.Unlock()

		p.logger.Info("Providers initialized",
			zap.String("chain", set.Chain.String()),
			zap.Int("configured", len(set.Providers)),
			zap.Int("reachable", len(fb.endpoints)))
	}
	return nil
}

func isRetryableInit(err error) bool {
	if errors.Is(err, ErrNoReachableProvider) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "failed to get block number") ||
		strings.Contains(msg, "could not detect network")
}

func (p *Pool) initChain(ctx context.Context, set ChainProviders) (*Fallback, error) {
	if set.ChainID != set.Chain.ID {
		return nil, fmt.Errorf("%w: declared %d, chain %d", ErrChainIDMismatch, set.ChainID, set.Chain.ID)
	}
	if len(set.Providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	reachable := make([]*endpoint, len(set.Providers))
	var g errgroup.Group
	g.SetLimit(maxConcurrentProbe)
	for i, cfg := range set.Providers {
		g.Go(func() error {
			client, err := p.probe(ctx, set.Chain, cfg)
			if err != nil {
				p.logger.Warn("Provider unreachable, skipping",
					zap.String("chain", set.Chain.String()),
					zap.String("endpoint", cfg.URL),
					zap.Error(err))
				metrics.ProviderEndpointHealthy.WithLabelValues(set.Chain.String(), cfg.URL).Set(0)
				return nil
			}
			metrics.ProviderEndpointHealthy.WithLabelValues(set.Chain.String(), cfg.URL).Set(1)
			reachable[i] = &endpoint{cfg: cfg, client: client}
			return nil
		})
	}
	_ = g.Wait()

	endpoints := make([]*endpoint, 0, len(reachable))
	for _, ep := range reachable {
		if ep != nil {
			endpoints = append(endpoints, ep)
		}
	}
	if len(endpoints) == 0 {
		return nil, ErrNoReachableProvider
	}
	return newFallback(set.Chain, endpoints, p.logger), nil
}

// probe dials an endpoint and verifies it serves the right chain and
// answers a block number query.
func (p *Pool) probe(ctx context.Context, c chain.Chain, cfg ProviderConfig) (Client, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	client, err := p.dial(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("could not detect network: %w", err)
	}
	if id.Uint64() != c.ID {
		client.Close()
		return nil, fmt.Errorf("%w: endpoint reports %s", ErrChainIDMismatch, id)
	}
	if _, err := client.BlockNumber(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get block number: %w", err)
	}
	return client, nil
}

// Get returns the handle for an initialized chain.
func (p *Pool) Get(c chain.Chain) (*Fallback, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fb, ok := p.chains[c]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveProvider, c)
	}
	return fb, nil
}

// Chains lists initialized chains.
func (p *Pool) Chains() []chain.Chain {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]chain.Chain, 0, len(p.chains))
	for c := range p.chains {
		out = append(out, c)
	}
	return out
}

// Reset drops every chain handle.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c, fb := range p.chains {
		fb.close()
		delete(p.chains, c)
	}
}

// RunHealthChecks re-probes quarantined endpoints until ctx is done.
func (p *Pool) RunHealthChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkHealth(ctx)
		}
	}
}

func (p *Pool) checkHealth(ctx context.Context) {
	p.mu.RLock()
	handles := make([]*Fallback, 0, len(p.chains))
	for _, fb := range p.chains {
		handles = append(handles, fb)
	}
	p.mu.RUnlock()

	for _, fb := range handles {
		for _, ep := range fb.endpoints {
			if !ep.quarantined(fb.quarantine) {
				metrics.ProviderEndpointHealthy.WithLabelValues(fb.chain.String(), ep.cfg.URL).Set(1)
				continue
			}
			checkCtx, cancel := context.WithTimeout(ctx, max(ep.cfg.StallTimeout, time.Second))
			_, err := ep.client.BlockNumber(checkCtx)
			cancel()
			if err != nil {
				metrics.ProviderEndpointHealthy.WithLabelValues(fb.chain.String(), ep.cfg.URL).Set(0)
				continue
			}
			ep.setHealthy()
			metrics.ProviderEndpointHealthy.WithLabelValues(fb.chain.String(), ep.cfg.URL).Set(1)
			p.logger.Info("RPC endpoint recovered",
				zap.String("chain", fb.chain.String()),
				zap.String("endpoint", ep.cfg.URL))
		}
	}
}
