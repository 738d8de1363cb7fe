package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
)

const defaultQuarantine = time.Minute

// Errors that say something about the request rather than the endpoint.
// Trying another endpoint would not change the outcome.
var propagatedErrors = []string{
	"execution reverted",
	"gas required exceeds allowance",
	"insufficient funds",
	"nonce too low",
	"replacement transaction underpriced",
	"intrinsic gas too low",
	"invalid merkle root",
}

// Errors a broadcast may return although the transaction is in the mempool.
var alreadyBroadcastErrors = []string{
	"already known",
	"known transaction",
}

// ProviderConfig is one RPC endpoint candidate
type ProviderConfig struct {
	URL             string
	Priority        int
	Weight          int
	StallTimeout    time.Duration
	MaxLogsPerBatch int
}

type endpoint struct {
	cfg    ProviderConfig
	client Client

	mu       sync.Mutex
	failedAt time.Time
}

func (e *endpoint) setFailed() {
	e.mu.Lock()
	e.failedAt = time.Now()
	e.mu.Unlock()
}

func (e *endpoint) setHealthy() {
	e.mu.Lock()
	e.failedAt = time.Time{}
	e.mu.Unlock()
}

func (e *endpoint) quarantined(window time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.failedAt.IsZero() && time.Since(e.failedAt) < window
}

// EndpointStatus is a snapshot of one endpoint for the ops API.
type EndpointStatus struct {
	URL             string `json:"url"`
	Priority        int    `json:"priority"`
	Weight          int    `json:"weight"`
	MaxLogsPerBatch int    `json:"maxLogsPerBatch"`
	Healthy         bool   `json:"healthy"`
}

// Fallback is a weighted-priority failover handle over the reachable
// endpoints of one chain. It is safe for concurrent use.
type Fallback struct {
	chain      chain.Chain
	chainID    *big.Int
	endpoints  []*endpoint
	quarantine time.Duration
	logger     *zap.Logger
}

func newFallback(c chain.Chain, endpoints []*endpoint, logger *zap.Logger) *Fallback {
	return &Fallback{
		chain:      c,
		chainID:    new(big.Int).SetUint64(c.ID),
		endpoints:  endpoints,
		quarantine: defaultQuarantine,
		logger:     logger,
	}
}

// Chain returns the chain this handle serves.
func (f *Fallback) Chain() chain.Chain { return f.chain }

// Status reports every endpoint of the handle.
func (f *Fallback) Status() []EndpointStatus {
	out := make([]EndpointStatus, 0, len(f.endpoints))
	for _, ep := range f.endpoints {
		out = append(out, EndpointStatus{
			URL:             ep.cfg.URL,
			Priority:        ep.cfg.Priority,
			Weight:          ep.cfg.Weight,
			MaxLogsPerBatch: ep.cfg.MaxLogsPerBatch,
			Healthy:         !ep.quarantined(f.quarantine),
		})
	}
	return out
}

// order returns endpoints by ascending priority. Endpoints sharing a
// priority are shuffled by weight. Quarantined endpoints go last.
func (f *Fallback) order() []*endpoint {
	tiers := make(map[int][]*endpoint)
	var priorities []int
	var failed []*endpoint
	for _, ep := range f.endpoints {
		if ep.quarantined(f.quarantine) {
			failed = append(failed, ep)
			continue
		}
		if _, ok := tiers[ep.cfg.Priority]; !ok {
			priorities = append(priorities, ep.cfg.Priority)
		}
		tiers[ep.cfg.Priority] = append(tiers[ep.cfg.Priority], ep)
	}
	sort.Ints(priorities)

	ordered := make([]*endpoint, 0, len(f.endpoints))
	for _, p := range priorities {
		ordered = append(ordered, weightedShuffle(tiers[p])...)
	}
	return append(ordered, failed...)
}

func weightedShuffle(eps []*endpoint) []*endpoint {
	remaining := append([]*endpoint(nil), eps...)
	out := make([]*endpoint, 0, len(eps))
	for len(remaining) > 0 {
		total := 0
		for _, ep := range remaining {
			total += max(ep.cfg.Weight, 1)
		}
		pick := rand.IntN(total)
		for i, ep := range remaining {
			pick -= max(ep.cfg.Weight, 1)
			if pick < 0 {
				out = append(out, ep)
				remaining = append(remaining[:i], remaining[i+1:]...)
				break
			}
		}
	}
	return out
}

func matchesAny(err error, patterns []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsPropagated reports whether err describes the request rather than the endpoint.
func IsPropagated(err error) bool {
	return matchesAny(err, propagatedErrors)
}

// do runs fn against endpoints in order until one succeeds. With stall set,
// each attempt is bounded by the endpoint's stall timeout.
func (f *Fallback) do(ctx context.Context, method string, stall bool, fn func(context.Context, Client) error) error {
	var lastErr error
	for _, ep := range f.order() {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if stall && ep.cfg.StallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, ep.cfg.StallTimeout)
		}
		err := fn(callCtx, ep.client)
		cancel()
		if err == nil {
			ep.setHealthy()
			return nil
		}
		if IsPropagated(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ep.setFailed()
		f.logger.Warn("RPC endpoint failed, trying next",
			zap.String("chain", f.chain.String()),
			zap.String("method", method),
			zap.String("endpoint", ep.cfg.URL),
			zap.Error(err))
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no endpoints")
	}
	return fmt.Errorf("%s: all providers failed: %w", method, lastErr)
}

// ChainID returns the configured chain id without a round trip.
func (f *Fallback) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.chainID), nil
}

func (f *Fallback) BlockNumber(ctx context.Context) (n uint64, err error) {
	err = f.do(ctx, "BlockNumber", true, func(ctx context.Context, c Client) error {
		n, err = c.BlockNumber(ctx)
		return err
	})
	return n, err
}

func (f *Fallback) HeaderByNumber(ctx context.Context, number *big.Int) (h *types.Header, err error) {
	err = f.do(ctx, "HeaderByNumber", true, func(ctx context.Context, c Client) error {
		h, err = c.HeaderByNumber(ctx, number)
		return err
	})
	return h, err
}

func (f *Fallback) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (b *big.Int, err error) {
	err = f.do(ctx, "BalanceAt", true, func(ctx context.Context, c Client) error {
		b, err = c.BalanceAt(ctx, account, blockNumber)
		return err
	})
	return b, err
}

func (f *Fallback) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) (out []byte, err error) {
	err = f.do(ctx, "CallContract", true, func(ctx context.Context, c Client) error {
		out, err = c.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

// EstimateGas is not stall bounded: simulation of large shielded
// transactions routinely exceeds the stall timeout.
func (f *Fallback) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (gas uint64, err error) {
	err = f.do(ctx, "EstimateGas", false, func(ctx context.Context, c Client) error {
		gas, err = c.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

func (f *Fallback) SuggestGasPrice(ctx context.Context) (p *big.Int, err error) {
	err = f.do(ctx, "SuggestGasPrice", true, func(ctx context.Context, c Client) error {
		p, err = c.SuggestGasPrice(ctx)
		return err
	})
	return p, err
}

func (f *Fallback) SuggestGasTipCap(ctx context.Context) (p *big.Int, err error) {
	err = f.do(ctx, "SuggestGasTipCap", true, func(ctx context.Context, c Client) error {
		p, err = c.SuggestGasTipCap(ctx)
		return err
	})
	return p, err
}

func (f *Fallback) FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (h *ethereum.FeeHistory, err error) {
	err = f.do(ctx, "FeeHistory", true, func(ctx context.Context, c Client) error {
		h, err = c.FeeHistory(ctx, blockCount, lastBlock, rewardPercentiles)
		return err
	})
	return h, err
}

func (f *Fallback) PendingNonceAt(ctx context.Context, account common.Address) (n uint64, err error) {
	err = f.do(ctx, "PendingNonceAt", true, func(ctx context.Context, c Client) error {
		n, err = c.PendingNonceAt(ctx, account)
		return err
	})
	return n, err
}

// SendTransaction broadcasts through the first endpoint that accepts it.
func (f *Fallback) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return f.do(ctx, "SendTransaction", false, func(ctx context.Context, c Client) error {
		err := c.SendTransaction(ctx, tx)
		if matchesAny(err, alreadyBroadcastErrors) {
			return nil
		}
		return err
	})
}

func (f *Fallback) TransactionReceipt(ctx context.Context, txHash common.Hash) (r *types.Receipt, err error) {
	err = f.do(ctx, "TransactionReceipt", true, func(ctx context.Context, c Client) error {
		r, err = c.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			// not mined yet is an answer, not an endpoint failure
			return nil
		}
		return err
	})
	if r == nil && err == nil {
		return nil, ethereum.NotFound
	}
	return r, err
}

func (f *Fallback) close() {
	for _, ep := range f.endpoints {
		ep.client.Close()
	}
}
