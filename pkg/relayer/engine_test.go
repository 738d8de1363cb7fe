package relayer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
	"github.com/chainsafe/shielded-broadcaster/pkg/fees"
	"github.com/chainsafe/shielded-broadcaster/pkg/price"
)

type mockPoller struct {
	mu    sync.Mutex
	hooks []price.RefreshHook
	ran   chan struct{}
}

func (m *mockPoller) OnRefresh(hook price.RefreshHook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, hook)
	m.mu.Unlock()
}

func (m *mockPoller) Run(ctx context.Context, chains []price.ChainTokens, _ time.Duration) {
	m.mu.Lock()
	hooks := append([]price.RefreshHook(nil), m.hooks...)
	m.mu.Unlock()
	for _, ct := range chains {
		for _, hook := range hooks {
			hook(ctx, ct.Chain)
		}
	}
	close(m.ran)
	<-ctx.Done()
}

type mockQuoter struct {
	QuoteFunc func(ctx context.Context, ch chain.Chain) (*fees.Quote, error)
}

func (m *mockQuoter) Quote(ctx context.Context, ch chain.Chain) (*fees.Quote, error) {
	return m.QuoteFunc(ctx, ch)
}

type mockHealth struct {
	started chan struct{}
}

func (m *mockHealth) RunHealthChecks(ctx context.Context, _ time.Duration) {
	close(m.started)
	<-ctx.Done()
}

type mockService struct {
	mu      sync.Mutex
	started bool
	stopped bool
}

func (m *mockService) Start(context.Context) {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
}

func (m *mockService) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func TestEngine_ReadyAfterQuotes(t *testing.T) {
	other := chain.EVM(1)
	quotes := fees.NewCache(time.Minute)
	poller := &mockPoller{ran: make(chan struct{})}
	health := &mockHealth{started: make(chan struct{})}
	topUp := &mockService{}

	e := NewEngine(EngineOptions{
		Poller:      poller,
		PriceChains: []price.ChainTokens{{Chain: testChain}, {Chain: other}},
		Quoter: &mockQuoter{QuoteFunc: func(_ context.Context, ch chain.Chain) (*fees.Quote, error) {
			return quotes.Put(ch, nil), nil
		}},
		Health: health,
		TopUp:  topUp,
		Quotes: quotes,
		Replay: NewReplayGuard(0, 0),
	}, zap.NewNop())

	assert.False(t, e.IsReady())

	e.Start(context.Background())
	waitFor(t, poller.ran)
	waitFor(t, health.started)

	assert.True(t, e.IsReady())
	_, ok := quotes.Latest(other)
	assert.True(t, ok)

	e.Stop()
	e.Stop()

	topUp.mu.Lock()
	defer topUp.mu.Unlock()
	assert.True(t, topUp.started)
	assert.True(t, topUp.stopped)
}

func TestEngine_NotReadyWhenQuoteFails(t *testing.T) {
	poller := &mockPoller{ran: make(chan struct{})}
	e := NewEngine(EngineOptions{
		Poller:      poller,
		PriceChains: []price.ChainTokens{{Chain: testChain}},
		Quoter: &mockQuoter{QuoteFunc: func(context.Context, chain.Chain) (*fees.Quote, error) {
			return nil, fees.ErrNoQuotableToken
		}},
	}, zap.NewNop())

	e.Start(context.Background())
	waitFor(t, poller.ran)
	assert.False(t, e.IsReady())
	e.Stop()
}

func TestEngine_StopWithoutStart(t *testing.T) {
	e := NewEngine(EngineOptions{}, zap.NewNop())
	require.NotPanics(t, e.Stop)
	assert.True(t, e.IsReady())
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal(errors.New("timed out waiting for background loop"))
	}
}
