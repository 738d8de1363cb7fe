package relayer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
	"github.com/chainsafe/shielded-broadcaster/pkg/fees"
	"github.com/chainsafe/shielded-broadcaster/pkg/price"
)

const DefaultHealthCheckInterval = 30 * time.Second

// PricePoller refreshes token prices and notifies hooks per chain.
type PricePoller interface {
	OnRefresh(hook price.RefreshHook)
	Run(ctx context.Context, chains []price.ChainTokens, interval time.Duration)
}

// FeeQuoter recomputes the cached fee quote of a chain.
type FeeQuoter interface {
	Quote(ctx context.Context, ch chain.Chain) (*fees.Quote, error)
}

// HealthChecker re-probes failed RPC endpoints.
type HealthChecker interface {
	RunHealthChecks(ctx context.Context, interval time.Duration)
}

// Service is a background component with its own lifecycle.
type Service interface {
	Start(ctx context.Context)
	Stop()
}

// EngineOptions configures the background loops.
type EngineOptions struct {
	Poller              PricePoller
	PriceChains         []price.ChainTokens
	PriceInterval       time.Duration
	Quoter              FeeQuoter
	Health              HealthChecker
	HealthCheckInterval time.Duration
	TopUp               Service
	Replay              *ReplayGuard
	Quotes              *fees.Cache
}

// Engine runs price polling, fee quoting, provider health checks and
// wallet top-ups for the lifetime of the process.
type Engine struct {
	opts   EngineOptions
	logger *zap.Logger

	mu        sync.RWMutex
	refreshed map[chain.Chain]bool

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates an Engine.
func NewEngine(opts EngineOptions, logger *zap.Logger) *Engine {
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = DefaultHealthCheckInterval
	}
	return &Engine{
		opts:      opts,
		logger:    logger,
		refreshed: make(map[chain.Chain]bool, len(opts.PriceChains)),
	}
}

// Start launches every loop. Prices are fetched immediately; each
// successful refresh replaces the chain's fee quote.
func (e *Engine) Start(ctx context.Context) {
	e.logger.Info("Starting broadcaster engine", zap.Int("chains", len(e.opts.PriceChains)))

	ctx, e.cancel = context.WithCancel(ctx)

	if e.opts.Replay != nil {
		e.opts.Replay.Start()
	}
	if e.opts.Quotes != nil {
		e.opts.Quotes.Start()
	}

	if e.opts.Poller != nil {
		e.opts.Poller.OnRefresh(e.onPricesRefreshed)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.opts.Poller.Run(ctx, e.opts.PriceChains, e.opts.PriceInterval)
		}()
	}

	if e.opts.Health != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.opts.Health.RunHealthChecks(ctx, e.opts.HealthCheckInterval)
		}()
	}

	if e.opts.TopUp != nil {
		e.opts.TopUp.Start(ctx)
	}

	e.logger.Info("Broadcaster engine started")
}

// Stop cancels the loops and waits for them to return.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.logger.Info("Stopping broadcaster engine")
		if e.cancel != nil {
			e.cancel()
		}
		if e.opts.TopUp != nil {
			e.opts.TopUp.Stop()
		}
		e.wg.Wait()
		if e.opts.Quotes != nil {
			e.opts.Quotes.Stop()
		}
		if e.opts.Replay != nil {
			e.opts.Replay.Stop()
		}
		e.logger.Info("Broadcaster engine stopped")
	})
}

func (e *Engine) onPricesRefreshed(ctx context.Context, ch chain.Chain) {
	if e.opts.Quoter == nil {
		e.markRefreshed(ch)
		return
	}
	quote, err := e.opts.Quoter.Quote(ctx, ch)
	if err != nil {
		e.logger.Warn("Failed to refresh fee quote", zap.String("chain", ch.String()), zap.Error(err))
		return
	}
	e.markRefreshed(ch)
	e.logger.Debug("Fee quote refreshed",
		zap.String("chain", ch.String()),
		zap.String("fees_id", quote.ID),
		zap.Int("tokens", len(quote.UnitFees())))
}

func (e *Engine) markRefreshed(ch chain.Chain) {
	e.mu.Lock()
	e.refreshed[ch] = true
	e.mu.Unlock()
}

// IsReady reports whether every chain has had a fee quote.
func (e *Engine) IsReady() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ct := range e.opts.PriceChains {
		if !e.refreshed[ct.Chain] {
			return false
		}
	}
	return true
}
