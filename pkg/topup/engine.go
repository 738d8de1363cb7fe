package topup

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jellydator/ttlcache/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/shielded-broadcaster/internal/metrics"
	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
	"github.com/chainsafe/shielded-broadcaster/pkg/evm"
	"github.com/chainsafe/shielded-broadcaster/pkg/gas"
	"github.com/chainsafe/shielded-broadcaster/pkg/price"
	"github.com/chainsafe/shielded-broadcaster/pkg/shielded"
	"github.com/chainsafe/shielded-broadcaster/pkg/store"
	"github.com/chainsafe/shielded-broadcaster/pkg/wallet"
)

const (
	unshieldTimeout = 5 * time.Minute
	// pendingTTL bounds how long a proved unshield is reused across cycles.
	pendingTTL        = 10 * time.Minute
	proofEventsBuffer = 16
)

// Estimator prices a transaction.
type Estimator interface {
	Estimate(ctx context.Context, c chain.Chain, tx gas.Tx, gasType gas.EVMGasType, speed gas.Speed) (gas.Details, error)
}

// WalletPool leases the wallet that pays for a top-up.
type WalletPool interface {
	Wallets() []*wallet.Wallet
	Select(ctx context.Context, ch chain.Chain, budget *big.Int) (*wallet.Lease, error)
}

// Balances reads and forgets wallet gas balances.
type Balances interface {
	Refresh(ctx context.Context, ch chain.Chain, address common.Address) (*big.Int, error)
	Invalidate(ch chain.Chain, address common.Address)
}

// Sender signs and broadcasts a wallet transaction.
type Sender interface {
	Send(ctx context.Context, key *ecdsa.PrivateKey, call evm.Call, details gas.Details, bufferPercent int64) (*types.Transaction, error)
}

// SenderFunc resolves the sender of a chain.
type SenderFunc func(ch chain.Chain) (Sender, error)

// PriceReader reads cached token prices.
type PriceReader interface {
	Get(ch chain.Chain, token common.Address) (price.TokenPrice, error)
}

// Options are the collaborators of an Engine.
type Options struct {
	Chains        []ChainConfig
	Engine        shielded.Unshielder
	Estimator     Estimator
	Wallets       WalletPool
	Balances      Balances
	Senders       SenderFunc
	Prices        PriceReader
	Recorder      store.Recorder
	BufferPercent int64
	Speed         gas.Speed
	StaleAfter    time.Duration
}

// Result describes a broadcast top-up.
type Result struct {
	TxHash     common.Hash
	Recipient  common.Address
	Payer      common.Address
	Amounts    []shielded.TokenAmount
	MaxGasCost *big.Int
}

type pending struct {
	recipient common.Address
	amounts   []shielded.TokenAmount
	tx        *shielded.UnshieldTx
}

// Engine periodically tops up wallets whose gas balance ran low.
type Engine struct {
	opts   Options
	chains map[chain.Chain]ChainConfig
	logger *zap.Logger
	now    func() time.Time

	pending *ttlcache.Cache[chain.Chain, *pending]

	mu      sync.Mutex
	running map[chain.Chain]bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates a top-up engine.
func NewEngine(opts Options, logger *zap.Logger) *Engine {
	if opts.Recorder == nil {
		opts.Recorder = store.Nop{}
	}
	if opts.Speed == 0 {
		opts.Speed = gas.SpeedMedium
	}
	chains := make(map[chain.Chain]ChainConfig, len(opts.Chains))
	for _, c := range opts.Chains {
		chains[c.Chain] = c
	}
	return &Engine{
		opts:   opts,
		chains: chains,
		logger: logger,
		now:    time.Now,
		pending: ttlcache.New[chain.Chain, *pending](
			ttlcache.WithTTL[chain.Chain, *pending](pendingTTL),
		),
		running: make(map[chain.Chain]bool),
		stopCh:  make(chan struct{}),
	}
}

// Start runs one loop per enabled chain until ctx is done or Stop.
func (e *Engine) Start(ctx context.Context) {
	for _, cfg := range e.chains {
		if !cfg.Policy.Enabled {
			continue
		}
		e.wg.Add(1)
		go e.loop(ctx, cfg)
	}
}

// Stop ends every loop and waits for running top-ups.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

func (e *Engine) loop(ctx context.Context, cfg ChainConfig) {
	defer e.wg.Done()

	interval := cfg.Policy.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("Top-up loop started",
		zap.String("chain", cfg.Chain.String()),
		zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			res, err := e.RunChain(ctx, cfg.Chain)
			switch {
			case err == nil && res != nil:
				e.logger.Info("Top-up broadcast",
					zap.String("chain", cfg.Chain.String()),
					zap.String("tx_hash", res.TxHash.Hex()),
					zap.String("recipient", res.Recipient.Hex()))
			case errors.Is(err, ErrTopUpTooCostly), errors.Is(err, ErrNothingToUnshield), errors.Is(err, ErrTopUpInFlight):
				e.logger.Info("Top-up skipped", zap.String("chain", cfg.Chain.String()), zap.Error(err))
			case err != nil:
				e.logger.Warn("Top-up failed", zap.String("chain", cfg.Chain.String()), zap.Error(err))
				metrics.ErrorsTotal.WithLabelValues("topup", "run").Inc()
			}
		}
	}
}

func (e *Engine) tryLock(ch chain.Chain) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[ch] {
		return false
	}
	e.running[ch] = true
	return true
}

func (e *Engine) unlock(ch chain.Chain) {
	e.mu.Lock()
	e.running[ch] = false
	e.mu.Unlock()
}

// RunChain tops up at most one wallet of the chain. It returns a nil
// Result when every wallet is above the minimum balance.
func (e *Engine) RunChain(ctx context.Context, ch chain.Chain) (*Result, error) {
	cfg, ok := e.chains[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, ch)
	}
	if !e.tryLock(ch) {
		return nil, fmt.Errorf("%w: %s", ErrTopUpInFlight, ch)
	}
	defer e.unlock(ch)

	res, err := e.run(ctx, cfg)
	metrics.TopUpsTotal.WithLabelValues(ch.String(), resultLabel(res, err)).Inc()
	return res, err
}

func resultLabel(res *Result, err error) string {
	switch {
	case errors.Is(err, ErrTopUpTooCostly):
		return "too_costly"
	case errors.Is(err, ErrNothingToUnshield):
		return "insufficient_value"
	case err != nil:
		return "failed"
	case res == nil:
		return "not_needed"
	default:
		return "sent"
	}
}

func (e *Engine) run(ctx context.Context, cfg ChainConfig) (*Result, error) {
	ch := cfg.Chain
	values := e.valuer(cfg)

	p := e.cachedPending(ch)
	if p == nil {
		recipient, ok := e.lowWallet(ctx, cfg)
		if !ok {
			return nil, nil
		}

		var err error
		p, err = e.populate(ctx, cfg, recipient, values)
		if err != nil {
			return nil, err
		}
		e.pending.Set(ch, p, ttlcache.DefaultTTL)
	}

	details, err := e.opts.Estimator.Estimate(ctx, ch, gas.Tx{
		From:  p.recipient,
		To:    p.tx.To,
		Data:  p.tx.Data,
		Value: p.tx.Value,
	}, cfg.GasType, e.opts.Speed)
	if err != nil {
		if shielded.IsInvalidMerkleRoot(err) {
			e.rescan(ctx, ch)
		}
		return nil, fmt.Errorf("estimate top-up: %w", err)
	}

	maxGasCost, err := gas.MaximumGasCost(details, e.opts.BufferPercent)
	if err != nil {
		return nil, err
	}

	received, err := ReceivedValue(p.amounts, values)
	if err != nil {
		return nil, fmt.Errorf("value top-up: %w", err)
	}
	if err := CheckCost(maxGasCost, cfg.GasTokenDecimals, received, cfg.Policy.MaxSpendPercentage); err != nil {
		return nil, err
	}

	lease, err := e.opts.Wallets.Select(ctx, ch, maxGasCost)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	record := store.NewBroadcast(ch, store.KindTopUp)
	record.Wallet = lease.Wallet.Address.Hex()
	record.MaxGasCost = maxGasCost

	sender, err := e.opts.Senders(ch)
	if err != nil {
		return nil, err
	}
	tx, err := sender.Send(ctx, lease.Wallet.Key(), evm.Call{To: p.tx.To, Data: p.tx.Data, Value: p.tx.Value}, details, e.opts.BufferPercent)
	if err != nil {
		record.Fail(err)
		e.record(ctx, record)
		if shielded.IsInvalidMerkleRoot(err) {
			e.rescan(ctx, ch)
		}
		return nil, fmt.Errorf("broadcast top-up: %w", err)
	}

	e.pending.Delete(ch)
	e.opts.Balances.Invalidate(ch, lease.Wallet.Address)
	e.opts.Balances.Invalidate(ch, p.recipient)

	record.TxHash = tx.Hash().Hex()
	e.record(ctx, record)

	return &Result{
		TxHash:     tx.Hash(),
		Recipient:  p.recipient,
		Payer:      lease.Wallet.Address,
		Amounts:    p.amounts,
		MaxGasCost: maxGasCost,
	}, nil
}

func (e *Engine) cachedPending(ch chain.Chain) *pending {
	item := e.pending.Get(ch)
	if item == nil || item.IsExpired() {
		return nil
	}
	return item.Value()
}

// lowWallet returns the first wallet, by priority, below the minimum balance.
func (e *Engine) lowWallet(ctx context.Context, cfg ChainConfig) (common.Address, bool) {
	minimum := cfg.Policy.MinimumGasBalance
	if minimum == nil {
		return common.Address{}, false
	}
	for _, w := range e.opts.Wallets.Wallets() {
		balance, err := e.opts.Balances.Refresh(ctx, cfg.Chain, w.Address)
		if err != nil {
			e.logger.Warn("Wallet balance unavailable for top-up",
				zap.String("chain", cfg.Chain.String()),
				zap.String("wallet", w.Address.Hex()),
				zap.Error(err))
			continue
		}
		if balance.Cmp(minimum) < 0 {
			return w.Address, true
		}
	}
	return common.Address{}, false
}

func (e *Engine) populate(ctx context.Context, cfg ChainConfig, recipient common.Address, values valuer) (*pending, error) {
	ch := cfg.Chain
	balances, err := e.opts.Engine.ShieldedBalances(ctx, ch)
	if err != nil {
		return nil, fmt.Errorf("shielded balances: %w", err)
	}

	threshold := decimal.Zero
	if cfg.Policy.SwapThreshold != nil {
		threshold = decimal.NewFromBigInt(cfg.Policy.SwapThreshold, int32(-cfg.GasTokenDecimals))
	}
	amounts, err := chooseAmounts(cfg, balances, threshold, values)
	if err != nil {
		return nil, err
	}

	events := make(chan shielded.ProofEvent, proofEventsBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			e.logger.Debug("Unshield proof progress",
				zap.String("chain", ch.String()),
				zap.Float64("progress", ev.Progress),
				zap.String("status", ev.Status))
		}
	}()

	unshieldCtx, cancel := context.WithTimeout(ctx, unshieldTimeout)
	tx, err := e.opts.Engine.PopulateUnshield(unshieldCtx, shielded.UnshieldRequest{
		Chain:   ch,
		To:      recipient,
		Amounts: amounts,
		Native:  cfg.Policy.AccumulateNative && onlyWrapped(amounts, cfg.WrappedGasToken),
		Events:  events,
	})
	cancel()
	close(events)
	<-done

	if err != nil {
		if shielded.IsInvalidMerkleRoot(err) {
			e.rescan(ctx, ch)
		}
		return nil, fmt.Errorf("populate unshield: %w", err)
	}
	return &pending{recipient: recipient, amounts: amounts, tx: tx}, nil
}

// rescan resyncs the shielded balances and drops the proved unshield. The
// top-up is not retried until the next cycle.
func (e *Engine) rescan(ctx context.Context, ch chain.Chain) {
	e.pending.Delete(ch)
	e.logger.Warn("Invalid merkle root, rescanning shielded balances", zap.String("chain", ch.String()))
	if err := e.opts.Engine.FullRescan(ctx, ch); err != nil {
		e.logger.Error("Full rescan failed", zap.String("chain", ch.String()), zap.Error(err))
		metrics.ErrorsTotal.WithLabelValues("topup", "rescan").Inc()
	}
}

func (e *Engine) record(ctx context.Context, b *store.Broadcast) {
	if err := e.opts.Recorder.RecordBroadcast(ctx, b); err != nil {
		e.logger.Warn("Failed to record top-up", zap.String("id", b.ID.String()), zap.Error(err))
		metrics.ErrorsTotal.WithLabelValues("store", "record").Inc()
	}
}

func (e *Engine) valuer(cfg ChainConfig) valuer {
	return priceValuer{cfg: cfg, prices: e.opts.Prices, staleAfter: e.opts.StaleAfter, now: e.now()}
}

type priceValuer struct {
	cfg        ChainConfig
	prices     PriceReader
	staleAfter time.Duration
	now        time.Time
}

// GasValue is amount of token expressed in whole gas tokens.
func (v priceValuer) GasValue(token common.Address, amount *big.Int) (decimal.Decimal, error) {
	if token == v.cfg.WrappedGasToken {
		return decimal.NewFromBigInt(amount, int32(-v.cfg.GasTokenDecimals)), nil
	}
	decimals, ok := v.cfg.TokenDecimals[token]
	if !ok {
		return decimal.Zero, fmt.Errorf("token %s not configured on %s", token.Hex(), v.cfg.Chain)
	}
	tokenPrice, err := v.price(token)
	if err != nil {
		return decimal.Zero, err
	}
	gasTokenPrice, err := v.price(v.cfg.WrappedGasToken)
	if err != nil {
		return decimal.Zero, err
	}
	if !gasTokenPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: gas token price %s", price.ErrStalePrice, gasTokenPrice)
	}
	return decimal.NewFromBigInt(amount, int32(-decimals)).Mul(tokenPrice).Div(gasTokenPrice), nil
}

func (v priceValuer) price(token common.Address) (decimal.Decimal, error) {
	p, err := v.prices.Get(v.cfg.Chain, token)
	if err != nil {
		return decimal.Zero, err
	}
	if v.staleAfter > 0 && p.Stale(v.staleAfter, v.now) {
		return decimal.Zero, fmt.Errorf("%w: %s is stale", price.ErrStalePrice, token.Hex())
	}
	return p.Price, nil
}
