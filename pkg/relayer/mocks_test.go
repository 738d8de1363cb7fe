package relayer

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
	"github.com/chainsafe/shielded-broadcaster/pkg/extract"
	"github.com/chainsafe/shielded-broadcaster/pkg/gas"
	"github.com/chainsafe/shielded-broadcaster/pkg/store"
	"github.com/chainsafe/shielded-broadcaster/pkg/wallet"
)

const testMnemonic = "test test test test test test test test test test test junk"

var (
	testChain   = chain.EVM(137)
	smartWallet = common.HexToAddress("0x19B620929f97b7b990801496c3b361CA5dEf8C71")
	usdc        = common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")
)

type mockExtractor struct {
	KindForFunc func(ch chain.Chain, to common.Address) (extract.ContractKind, error)
	ExtractFunc func(ctx context.Context, ch chain.Chain, kind extract.ContractKind, p *extract.Payload) (*extract.PackagedFee, error)
}

func (m *mockExtractor) KindFor(ch chain.Chain, to common.Address) (extract.ContractKind, error) {
	if m.KindForFunc != nil {
		return m.KindForFunc(ch, to)
	}
	return extract.KindPool, nil
}

func (m *mockExtractor) Extract(ctx context.Context, ch chain.Chain, kind extract.ContractKind, p *extract.Payload) (*extract.PackagedFee, error) {
	if m.ExtractFunc != nil {
		return m.ExtractFunc(ctx, ch, kind, p)
	}
	return &extract.PackagedFee{Token: usdc, Amount: big.NewInt(1_000_000)}, nil
}

type mockValidator struct {
	ValidateFunc func(ctx context.Context, ch chain.Chain, token common.Address, maxGasCost *big.Int, quoteID string, paid *big.Int) error
}

func (m *mockValidator) Validate(ctx context.Context, ch chain.Chain, token common.Address, maxGasCost *big.Int, quoteID string, paid *big.Int) error {
	if m.ValidateFunc != nil {
		return m.ValidateFunc(ctx, ch, token, maxGasCost, quoteID, paid)
	}
	return nil
}

type mockEstimator struct {
	EstimateFunc func(ctx context.Context, c chain.Chain, tx gas.Tx) (gas.Details, error)
}

func (m *mockEstimator) Estimate(ctx context.Context, c chain.Chain, tx gas.Tx, _ gas.EVMGasType, _ gas.Speed) (gas.Details, error) {
	if m.EstimateFunc != nil {
		return m.EstimateFunc(ctx, c, tx)
	}
	return legacyDetails(), nil
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
	err   error
}

func (m *mockSender) Send(_ context.Context, _ *ecdsa.PrivateKey, call evm.Call, _ gas.Details, _ int64) (*types.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.calls = append(m.calls, call)
	return types.NewTx(&types.LegacyTx{Nonce: uint64(len(m.calls)), To: &call.To, Data: call.Data}), nil
}

func (m *mockSender) sent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
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

func (m *mockRecorder) all() []*store.Broadcast {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*store.Broadcast(nil), m.records...)
}

func testWallets(t *testing.T) []*wallet.Wallet {
	t.Helper()
	wallets, err := wallet.DeriveAll(testMnemonic, []wallet.Params{{Index: 0, Priority: 1}})
	if err != nil {
		t.Fatalf("failed to derive wallets: %v", err)
	}
	return wallets
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}
