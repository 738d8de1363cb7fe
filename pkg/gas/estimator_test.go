package gas

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
)

type mockBackend struct {
	EstimateGasFunc func(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	gasPrice        *big.Int
	tipCap          *big.Int
	history         *ethereum.FeeHistory
	historyErr      error
	percentiles     []float64
}

func (m *mockBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if m.EstimateGasFunc != nil {
		return m.EstimateGasFunc(ctx, msg)
	}
	return 21000, nil
}

func (m *mockBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(m.gasPrice), nil
}

func (m *mockBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return new(big.Int).Set(m.tipCap), nil
}

func (m *mockBackend) FeeHistory(_ context.Context, _ uint64, _ *big.Int, p []float64) (*ethereum.FeeHistory, error) {
	m.percentiles = p
	return m.history, m.historyErr
}

func newTestEstimator(b Backend) *Estimator {
	return NewEstimator(func(chain.Chain) (Backend, error) { return b, nil }, zap.NewNop())
}

func TestMaximumGasCost_AppliesBuffer(t *testing.T) {
	details := Details{EVMGasType: Type0, GasEstimate: big.NewInt(1000), GasPrice: big.NewInt(100)}

	cost, err := MaximumGasCost(details, DefaultBufferPercent)
	require.NoError(t, err)
	assert.Equal(t, "120000", cost.String())
}

func TestMaximumGasCost_LargeEstimate(t *testing.T) {
	estimate, _ := new(big.Int).SetString("400000000000", 10)
	details := Details{EVMGasType: Type0, GasEstimate: estimate, GasPrice: big.NewInt(250_000)}

	assert.Equal(t, "480000000000", GasLimit(estimate, DefaultBufferPercent).String())

	cost, err := MaximumGasCost(details, DefaultBufferPercent)
	require.NoError(t, err)
	assert.Equal(t, "120000000000000000", cost.String())
}

func TestMaximumGasCost_Type2UsesMaxFee(t *testing.T) {
	details := Details{
		EVMGasType:           Type2,
		GasEstimate:          big.NewInt(1000),
		MaxFeePerGas:         big.NewInt(300),
		MaxPriorityFeePerGas: big.NewInt(2),
	}
	cost, err := MaximumGasCost(details, DefaultBufferPercent)
	require.NoError(t, err)
	assert.Equal(t, "360000", cost.String())
}

func TestDetails_Validate_RejectsMixedShapes(t *testing.T) {
	mixed := Details{
		EVMGasType:           Type0,
		GasEstimate:          big.NewInt(1),
		GasPrice:             big.NewInt(1),
		MaxFeePerGas:         big.NewInt(1),
		MaxPriorityFeePerGas: big.NewInt(1),
	}
	assert.ErrorIs(t, mixed.Validate(), ErrInvalidDetails)

	missing := Details{EVMGasType: Type2, GasEstimate: big.NewInt(1), MaxFeePerGas: big.NewInt(1)}
	assert.ErrorIs(t, missing.Validate(), ErrInvalidDetails)

	_, err := MaximumGasCost(Details{EVMGasType: Type0, GasPrice: big.NewInt(1)}, 20)
	assert.ErrorIs(t, err, ErrInvalidDetails)
}

func TestEstimator_Type2FromFeeHistory(t *testing.T) {
	backend := &mockBackend{
		history: &ethereum.FeeHistory{
			BaseFee: []*big.Int{big.NewInt(90), big.NewInt(100)},
			Reward:  [][]*big.Int{{big.NewInt(2)}, {big.NewInt(4)}},
		},
	}

	details, err := newTestEstimator(backend).Estimate(context.Background(), chain.EVM(1), Tx{}, Type2, SpeedHigh)
	require.NoError(t, err)

	require.NoError(t, details.Validate())
	assert.Equal(t, "21000", details.GasEstimate.String())
	assert.Equal(t, "3", details.MaxPriorityFeePerGas.String())
	assert.Equal(t, "203", details.MaxFeePerGas.String())
	assert.Equal(t, []float64{50}, backend.percentiles)
}

func TestEstimator_Type2FallsBackToSuggestions(t *testing.T) {
	backend := &mockBackend{
		historyErr: errors.New("method not found"),
		gasPrice:   big.NewInt(110),
		tipCap:     big.NewInt(10),
	}

	details, err := newTestEstimator(backend).Estimate(context.Background(), chain.EVM(1), Tx{}, Type2, SpeedMedium)
	require.NoError(t, err)
	assert.Equal(t, "10", details.MaxPriorityFeePerGas.String())
	assert.Equal(t, "210", details.MaxFeePerGas.String())
}

func TestEstimator_Type0TakesHigherOfSuggestionAndHistory(t *testing.T) {
	backend := &mockBackend{
		gasPrice: big.NewInt(50),
		history: &ethereum.FeeHistory{
			BaseFee: []*big.Int{big.NewInt(60)},
			Reward:  [][]*big.Int{{big.NewInt(5)}},
		},
	}

	details, err := newTestEstimator(backend).Estimate(context.Background(), chain.EVM(56), Tx{}, Type0, SpeedLow)
	require.NoError(t, err)
	assert.Equal(t, Type0, details.EVMGasType)
	assert.Equal(t, "65", details.GasPrice.String())
	assert.Nil(t, details.MaxFeePerGas)
}

func TestEstimator_EstimateFailureIsHardError(t *testing.T) {
	backend := &mockBackend{
		EstimateGasFunc: func(context.Context, ethereum.CallMsg) (uint64, error) {
			return 0, context.DeadlineExceeded
		},
	}

	_, err := newTestEstimator(backend).Estimate(context.Background(), chain.EVM(1), Tx{}, Type2, SpeedMedium)
	assert.ErrorIs(t, err, ErrEstimateFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseEVMGasType(t *testing.T) {
	got, err := ParseEVMGasType("type0")
	require.NoError(t, err)
	assert.Equal(t, Type0, got)

	_, err = ParseEVMGasType("type1")
	assert.Error(t, err)
}
