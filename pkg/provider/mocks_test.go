package provider

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var errNotImplemented = errors.New("not implemented")

// MockClient implements Client for testing
type MockClient struct {
	ChainIDFunc         func(ctx context.Context) (*big.Int, error)
	BlockNumberFunc     func(ctx context.Context) (uint64, error)
	BalanceAtFunc       func(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error)
	CodeAtFunc          func(ctx context.Context, account common.Address, block *big.Int) ([]byte, error)
	EstimateGasFunc     func(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransactionFunc func(ctx context.Context, tx *types.Transaction) error
	ReceiptFunc         func(ctx context.Context, hash common.Hash) (*types.Receipt, error)

	closed bool
}

func (m *MockClient) ChainID(ctx context.Context) (*big.Int, error) {
	if m.ChainIDFunc != nil {
		return m.ChainIDFunc(ctx)
	}
	return nil, errNotImplemented
}

func (m *MockClient) BlockNumber(ctx context.Context) (uint64, error) {
	if m.BlockNumberFunc != nil {
		return m.BlockNumberFunc(ctx)
	}
	return 0, errNotImplemented
}

func (m *MockClient) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return nil, errNotImplemented
}

func (m *MockClient) BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error) {
	if m.BalanceAtFunc != nil {
		return m.BalanceAtFunc(ctx, account, block)
	}
	return nil, errNotImplemented
}

func (m *MockClient) CodeAt(ctx context.Context, account common.Address, block *big.Int) ([]byte, error) {
	if m.CodeAtFunc != nil {
		return m.CodeAtFunc(ctx, account, block)
	}
	return nil, errNotImplemented
}

func (m *MockClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errNotImplemented
}

func (m *MockClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if m.EstimateGasFunc != nil {
		return m.EstimateGasFunc(ctx, msg)
	}
	return 0, errNotImplemented
}

func (m *MockClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return nil, errNotImplemented
}

func (m *MockClient) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return nil, errNotImplemented
}

func (m *MockClient) FeeHistory(context.Context, uint64, *big.Int, []float64) (*ethereum.FeeHistory, error) {
	return nil, errNotImplemented
}

func (m *MockClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, errNotImplemented
}

func (m *MockClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if m.SendTransactionFunc != nil {
		return m.SendTransactionFunc(ctx, tx)
	}
	return errNotImplemented
}

func (m *MockClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if m.ReceiptFunc != nil {
		return m.ReceiptFunc(ctx, hash)
	}
	return nil, errNotImplemented
}

func (m *MockClient) Close() { m.closed = true }

// healthyClient answers probes for the given chain id.
func healthyClient(chainID uint64) *MockClient {
	return &MockClient{
		ChainIDFunc:     func(context.Context) (*big.Int, error) { return new(big.Int).SetUint64(chainID), nil },
		BlockNumberFunc: func(context.Context) (uint64, error) { return 100, nil },
	}
}

// mapDialer dials clients by URL; unknown URLs fail.
func mapDialer(clients map[string]Client) Dialer {
	return func(_ context.Context, url string) (Client, error) {
		c, ok := clients[url]
		if !ok {
			return nil, errors.New("dial refused")
		}
		return c, nil
	}
}
