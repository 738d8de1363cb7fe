// Package chain identifies the networks the broadcaster serves.
package chain

import (
	"fmt"
	"strconv"
	"strings"
)

// Type is the chain family. Only EVM is served today.
type Type int

const (
	TypeEVM Type = 0
)

func (t Type) String() string {
	switch t {
	case TypeEVM:
		return "evm"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Chain is a (type, id) pair. All per-chain state is keyed by it.
type Chain struct {
	Type Type   `json:"type" mapstructure:"type"`
	ID   uint64 `json:"id" mapstructure:"id"`
}

// EVM is shorthand for an EVM chain with the given id.
func EVM(id uint64) Chain {
	return Chain{Type: TypeEVM, ID: id}
}

// Key returns a stable map/label key, e.g. "0:137".
func (c Chain) Key() string {
	return strconv.Itoa(int(c.Type)) + ":" + strconv.FormatUint(c.ID, 10)
}

func (c Chain) String() string {
	return c.Type.String() + ":" + strconv.FormatUint(c.ID, 10)
}

// Parse reverses Key.
func Parse(key string) (Chain, error) {
	typ, id, ok := strings.Cut(key, ":")
	if !ok {
		return Chain{}, fmt.Errorf("invalid chain key %q", key)
	}
	return FromParts(typ, id)
}

// FromParts builds a Chain from its string components, as found in URL paths.
func FromParts(chainType, chainID string) (Chain, error) {
	t, err := strconv.Atoi(chainType)
	if err != nil {
		return Chain{}, fmt.Errorf("invalid chain type %q: %w", chainType, err)
	}
	if Type(t) != TypeEVM {
		return Chain{}, fmt.Errorf("unsupported chain type %d", t)
	}
	id, err := strconv.ParseUint(chainID, 10, 64)
	if err != nil {
		return Chain{}, fmt.Errorf("invalid chain id %q: %w", chainID, err)
	}
	return Chain{Type: Type(t), ID: id}, nil
}
