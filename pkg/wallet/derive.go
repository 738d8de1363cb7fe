// Package wallet derives the relay's hot wallets and leases them to
// relay and top-up transactions.
package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// DerivationPath is the BIP-44 path of wallet index i.
func DerivationPath(index uint32) string {
	return fmt.Sprintf("m/44'/60'/0'/0/%d", index)
}

// Derive returns the private key at DerivationPath(index).
func Derive(mnemonic string, index uint32) (*ecdsa.PrivateKey, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMnemonic, err)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}

	path, err := accounts.ParseDerivationPath(DerivationPath(index))
	if err != nil {
		return nil, err
	}
	pos := master
	for _, n := range path {
		if pos, err = pos.Derive(n); err != nil {
			return nil, fmt.Errorf("derive %s: %w", DerivationPath(index), err)
		}
	}
	priv, err := pos.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return priv.ToECDSA(), nil
}

// Params configures one wallet.
type Params struct {
	Index    uint32
	Priority int
}

// Wallet is a funded hot wallet. Its key never leaves the process.
type Wallet struct {
	Address  common.Address
	Index    uint32
	Priority int
	key      *ecdsa.PrivateKey
}

// Key returns the signing key.
func (w *Wallet) Key() *ecdsa.PrivateKey { return w.key }

// DeriveAll derives every configured wallet. Any failure is fatal to startup.
func DeriveAll(mnemonic string, params []Params) ([]*Wallet, error) {
	if len(params) == 0 {
		return nil, errors.New("no wallets configured")
	}
	seen := make(map[uint32]bool, len(params))
	wallets := make([]*Wallet, 0, len(params))
	for _, s := range params {
		if seen[s.Index] {
			return nil, fmt.Errorf("wallet index %d configured twice", s.Index)
		}
		seen[s.Index] = true

		key, err := Derive(mnemonic, s.Index)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, &Wallet{
			Address:  crypto.PubkeyToAddress(key.PublicKey),
			Index:    s.Index,
			Priority: s.Priority,
			key:      key,
		})
	}
	return wallets, nil
}
