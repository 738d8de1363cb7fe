package evm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
	{"type":"function","name":"decimals","stateMutability":"view",
		"inputs":[],"outputs":[{"name":"","type":"uint8"}]}]`

var erc20ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// ERC20 is a read-only token binding.
type ERC20 struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewERC20 binds the token at address. *provider.Fallback is a valid caller.
func NewERC20(address common.Address, caller bind.ContractCaller) *ERC20 {
	return &ERC20{
		address:  address,
		contract: bind.NewBoundContract(address, erc20ABI, caller, nil, nil),
	}
}

// Decimals returns the token's decimals.
func (t *ERC20) Decimals(ctx context.Context) (uint8, error) {
	var out []interface{}
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, fmt.Errorf("decimals of %s: %w", t.address.Hex(), err)
	}
	return *abi.ConvertType(out[0], new(uint8)).(*uint8), nil
}

var ErrDecimalsMismatch = errors.New("configured token decimals do not match chain")

// VerifyDecimals checks every configured token against its on-chain
// decimals. Fee amounts are scaled by these values, so a mismatch is fatal.
func VerifyDecimals(ctx context.Context, caller bind.ContractCaller, tokens map[common.Address]int) error {
	for token, want := range tokens {
		got, err := NewERC20(token, caller).Decimals(ctx)
		if err != nil {
			return err
		}
		if int(got) != want {
			return fmt.Errorf("%w: %s has %d, configured %d", ErrDecimalsMismatch, token.Hex(), got, want)
		}
	}
	return nil
}
