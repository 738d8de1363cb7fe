package gas

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
)

const (
	estimateTimeout  = time.Minute
	feeHistoryBlocks = 10
)

// Speed is a fee-history reward percentile.
type Speed int

const (
	SpeedLow      Speed = 10
	SpeedMedium   Speed = 25
	SpeedHigh     Speed = 50
	SpeedVeryHigh Speed = 75
)

// Speeds lists the supported percentiles in ascending order.
var Speeds = []Speed{SpeedLow, SpeedMedium, SpeedHigh, SpeedVeryHigh}

var ErrEstimateFailed = errors.New("gas estimate failed")

// Backend is the RPC surface needed for estimation. *provider.Fallback implements it.
type Backend interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error)
}

// BackendFunc resolves the backend of a chain.
type BackendFunc func(c chain.Chain) (Backend, error)

// Tx is a transaction awaiting gas estimation.
type Tx struct {
	From  common.Address
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Estimator computes gas details from live provider data.
type Estimator struct {
	backends BackendFunc
	logger   *zap.Logger
}

// NewEstimator creates an Estimator.
func NewEstimator(backends BackendFunc, logger *zap.Logger) *Estimator {
	return &Estimator{backends: backends, logger: logger}
}

// Estimate simulates tx and prices it at the requested speed. A failed or
// timed out simulation is a hard error for the attempt.
func (e *Estimator) Estimate(ctx context.Context, c chain.Chain, tx Tx, gasType EVMGasType, speed Speed) (Details, error) {
	backend, err := e.backends(c)
	if err != nil {
		return Details{}, err
	}

	estimateCtx, cancel := context.WithTimeout(ctx, estimateTimeout)
	defer cancel()

	to := tx.To
	gasEstimate, err := backend.EstimateGas(estimateCtx, ethereum.CallMsg{
		From:  tx.From,
		To:    &to,
		Data:  tx.Data,
		Value: tx.Value,
	})
	if err != nil {
		return Details{}, fmt.Errorf("%w: %w", ErrEstimateFailed, err)
	}

	details, err := e.detailsForSpeed(estimateCtx, backend, gasType, speed)
	if err != nil {
		return Details{}, err
	}
	details.GasEstimate = new(big.Int).SetUint64(gasEstimate)
	return details, nil
}

func (e *Estimator) detailsForSpeed(ctx context.Context, backend Backend, gasType EVMGasType, speed Speed) (Details, error) {
	history, err := backend.FeeHistory(ctx, feeHistoryBlocks, nil, []float64{float64(speed)})
	if err != nil {
		e.logger.Debug("Fee history unavailable, using node suggestions", zap.Error(err))
		history = nil
	}

	switch gasType {
	case Type0:
		price, err := backend.SuggestGasPrice(ctx)
		if err != nil {
			return Details{}, fmt.Errorf("suggest gas price: %w", err)
		}
		if base, tip, ok := fromHistory(history); ok {
			if candidate := new(big.Int).Add(base, tip); candidate.Cmp(price) > 0 {
				price = candidate
			}
		}
		return Details{EVMGasType: Type0, GasPrice: price}, nil

	case Type2:
		base, tip, ok := fromHistory(history)
		if !ok {
			if tip, err = backend.SuggestGasTipCap(ctx); err != nil {
				return Details{}, fmt.Errorf("suggest gas tip cap: %w", err)
			}
			price, err := backend.SuggestGasPrice(ctx)
			if err != nil {
				return Details{}, fmt.Errorf("suggest gas price: %w", err)
			}
			// eth_gasPrice is roughly baseFee + tip
			base = new(big.Int).Sub(price, tip)
			if base.Sign() < 0 {
				base = new(big.Int)
			}
		}
		maxFee := new(big.Int).Mul(base, big.NewInt(2))
		maxFee.Add(maxFee, tip)
		return Details{EVMGasType: Type2, MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil

	default:
		return Details{}, fmt.Errorf("unsupported evm gas type %d", gasType)
	}
}

// fromHistory returns the pending block base fee and the mean reward at
// the requested percentile.
func fromHistory(h *ethereum.FeeHistory) (base, tip *big.Int, ok bool) {
	if h == nil || len(h.BaseFee) == 0 || len(h.Reward) == 0 {
		return nil, nil, false
	}
	base = new(big.Int).Set(h.BaseFee[len(h.BaseFee)-1])

	sum := new(big.Int)
	n := int64(0)
	for _, r := range h.Reward {
		if len(r) == 0 || r[0] == nil {
			continue
		}
		sum.Add(sum, r[0])
		n++
	}
	if n == 0 {
		return nil, nil, false
	}
	return base, sum.Div(sum, big.NewInt(n)), true
}
