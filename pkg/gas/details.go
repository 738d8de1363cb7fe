// Package gas estimates worst-case gas cost for relay and top-up transactions.
package gas

import (
	"errors"
	"fmt"
	"math/big"
)

// EVMGasType selects the fee model of a transaction.
type EVMGasType int

const (
	// Type0 is a legacy transaction priced by gasPrice.
	Type0 EVMGasType = 0
	// Type2 is an EIP-1559 transaction priced by maxFeePerGas/maxPriorityFeePerGas.
	Type2 EVMGasType = 2
)

// ParseEVMGasType maps the config spelling ("type0", "type2").
func ParseEVMGasType(s string) (EVMGasType, error) {
	switch s {
	case "type0", "0":
		return Type0, nil
	case "type2", "2":
		return Type2, nil
	default:
		return 0, fmt.Errorf("unknown evm gas type %q", s)
	}
}

func (t EVMGasType) String() string {
	return fmt.Sprintf("type%d", int(t))
}

// DefaultBufferPercent is the safety margin applied to gas estimates.
const DefaultBufferPercent = 20

var ErrInvalidDetails = errors.New("invalid gas details")

// Details is a gas estimate for one fee model. Exactly one price shape is
// populated, selected by EVMGasType.
type Details struct {
	EVMGasType           EVMGasType
	GasEstimate          *big.Int
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Validate checks the shape matches the declared gas type.
func (d Details) Validate() error {
	if d.GasEstimate == nil || d.GasEstimate.Sign() <= 0 {
		return fmt.Errorf("%w: missing gas estimate", ErrInvalidDetails)
	}
	switch d.EVMGasType {
	case Type0:
		if d.GasPrice == nil || d.MaxFeePerGas != nil || d.MaxPriorityFeePerGas != nil {
			return fmt.Errorf("%w: type0 requires gasPrice only", ErrInvalidDetails)
		}
	case Type2:
		if d.GasPrice != nil || d.MaxFeePerGas == nil || d.MaxPriorityFeePerGas == nil {
			return fmt.Errorf("%w: type2 requires maxFeePerGas and maxPriorityFeePerGas only", ErrInvalidDetails)
		}
	default:
		return fmt.Errorf("%w: unknown type %d", ErrInvalidDetails, d.EVMGasType)
	}
	return nil
}

// EffectiveGasPrice is the per-unit price used for budgeting.
func (d Details) EffectiveGasPrice() *big.Int {
	if d.EVMGasType == Type2 {
		return d.MaxFeePerGas
	}
	return d.GasPrice
}

// GasLimit applies the safety buffer to the estimate.
func GasLimit(estimate *big.Int, bufferPercent int64) *big.Int {
	limit := new(big.Int).Mul(estimate, big.NewInt(100+bufferPercent))
	return limit.Div(limit, big.NewInt(100))
}

// MaximumGasCost is gasEstimate * (1 + buffer) * effectiveGasPrice, in wei.
func MaximumGasCost(d Details, bufferPercent int64) (*big.Int, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return new(big.Int).Mul(GasLimit(d.GasEstimate, bufferPercent), d.EffectiveGasPrice()), nil
}
