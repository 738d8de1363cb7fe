package topup

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
	"github.com/chainsafe/shielded-broadcaster/pkg/evm"
	"github.com/chainsafe/shielded-broadcaster/pkg/gas"
	"github.com/chainsafe/shielded-broadcaster/pkg/shielded"
	"github.com/chainsafe/shielded-broadcaster/pkg/store"
	"github.com/chainsafe/shielded-broadcaster/pkg/wallet"
)

const testMnemonic = "test test test test test test test test test test test junk"

var (
	testChain  = chain.EVM(137)
	weth       = common.HexToAddress("0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619")
	dai        = common.HexToAddress("0x8f3Cf7ad23Cd3CaDbD9735AFf958023239c6A063")
	unshieldTo = common.HexToAddress("0x19B620929f97b7b990801496c3b361CA5dEf8C71")
)

type mockUnshielder struct {
	mu sync.Mutex

	BalancesFunc func(ctx context.Context, ch chain.Chain) ([]shielded.TokenAmount, error)
	PopulateFunc func(ctx context.Context, req shielded.UnshieldRequest) (*shielded.UnshieldTx, error)

	requests []shielded.UnshieldRequest
	rescans  int
}

func (m *mockUnshielder) ShieldedBalances(ctx context.Context, ch chain.Chain) ([]shielded.TokenAmount, error) {
	return m.BalancesFunc(ctx, ch)
}

func (m *mockUnshielder) PopulateUnshield(ctx context.Context, req shielded.UnshieldRequest) (*shielded.UnshieldTx, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.PopulateFunc != nil {
		return m.PopulateFunc(ctx, req)
	}
	shielded.Publish(req.Events, shielded.ProofEvent{Chain: req.Chain, Progress: 100, Status: "complete"})
	return &shielded.UnshieldTx{To: unshieldTo, Data: []byte{0xde, 0xad}, Value: new(big.Int)}, nil
}

func (m *mockUnshielder) FullRescan(context.Context, chain.Chain) error {
	m.mu.Lock()
	m.rescans++
	m.mu.Unlock()
	return nil
}

func (m *mockUnshielder) populated() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type mockEstimator struct {
	EstimateFunc func(ctx context.Context, c chain.Chain, tx gas.Tx) (gas.Details, error)
}

func (m *mockEstimator) Estimate(ctx context.Context, c chain.Chain, tx gas.Tx, _ gas.EVMGasType, _ gas.Speed) (gas.Details, error) {
	return m.EstimateFunc(ctx, c, tx)
}

// legacyDetails costs 120_000 * 1 gwei = 1.2e14 wei with the default buffer.
func legacyDetails() gas.Details {
	return gas.Details{
		EVMGasType:  gas.Type0,
		GasEstimate: big.NewInt(100_000),
		GasPrice:    big.NewInt(1_000_000_000),
	}
}

type mockSender struct {
	mu    sync.Mutex
	calls []evm.Call
	from  []*ecdsa.PrivateKey
	err   error
}

func (m *mockSender) Send(_ context.Context, key *ecdsa.PrivateKey, call evm.Call, _ gas.Details, _ int64) (*types.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.calls = append(m.calls, call)
	m.from = append(m.from, key)
	return types.NewTx(&types.LegacyTx{Nonce: uint64(len(m.calls)), To: &call.To, Data: call.Data}), nil
}

type mockBalanceBackend struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
}

func (m *mockBalanceBackend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

type mockRecorder struct {
	mu      sync.Mutex
	records []*store.Broadcast
}

func (m *mockRecorder) RecordBroadcast(_ context.Context, b *store.Broadcast) error {
	m.mu.Lock()
	m.records = append(m.records, b)
	m.mu.Unlock()
	return nil
}

func testWallets(t *testing.T) []*wallet.Wallet {
	t.Helper()
	wallets, err := wallet.DeriveAll(testMnemonic, []wallet.Params{{Index: 0, Priority: 1}, {Index: 1, Priority: 2}})
	if err != nil {
		t.Fatalf("failed to derive wallets: %v", err)
	}
	return wallets
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}
