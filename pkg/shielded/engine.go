// Package shielded is the boundary to the shielded-pool engine that owns
// the relay's viewing keys, note decryption and private balances.
package shielded

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
)

var (
	ErrInvalidCiphertext = errors.New("invalid note ciphertext")
	ErrInvalidMerkleRoot = errors.New("invalid merkle root")
)

// ViewingKeyPair decrypts notes addressed to the relay.
type ViewingKeyPair struct {
	PrivateKey []byte
	PublicKey  []byte
}

// AddressData is the relay's shielded identity.
type AddressData struct {
	MasterPublicKey  *big.Int
	ViewingPublicKey []byte
}

// Note is a decrypted output note.
type Note struct {
	// Hash is the commitment recomputed from the decrypted preimage.
	Hash common.Hash
	// Token is the 32-byte formatted token identifier.
	Token           common.Hash
	Value           *big.Int
	MasterPublicKey *big.Int
}

// TokenAddress trims the formatted token identifier to an address.
func (n *Note) TokenAddress() common.Address {
	return common.BytesToAddress(n.Token[common.HashLength-common.AddressLength:])
}

// Ciphertext is an AES-GCM encrypted note as laid out in commitment ciphertexts.
type Ciphertext struct {
	IV   [16]byte
	Tag  [16]byte
	Data [][32]byte
}

// CiphertextFromWords splits on-chain ciphertext words. The first word
// carries the IV and tag, the rest is the encrypted preimage.
func CiphertextFromWords(words []*big.Int) (Ciphertext, error) {
	if len(words) < 2 {
		return Ciphertext{}, fmt.Errorf("%w: %d words", ErrInvalidCiphertext, len(words))
	}
	var ct Ciphertext
	for i, w := range words {
		if w == nil || w.Sign() < 0 || w.BitLen() > 256 {
			return Ciphertext{}, fmt.Errorf("%w: word %d out of range", ErrInvalidCiphertext, i)
		}
		var b [32]byte
		w.FillBytes(b[:])
		if i == 0 {
			copy(ct.IV[:], b[:16])
			copy(ct.Tag[:], b[16:])
			continue
		}
		ct.Data = append(ct.Data, b)
	}
	return ct, nil
}

// Word32 formats a uint256 word as 32 big-endian bytes.
func Word32(w *big.Int) ([]byte, error) {
	if w == nil || w.Sign() < 0 || w.BitLen() > 256 {
		return nil, fmt.Errorf("%w: word out of range", ErrInvalidCiphertext)
	}
	return w.FillBytes(make([]byte, 32)), nil
}

// NoteDecrypter is the part of the engine used to read fee notes.
type NoteDecrypter interface {
	DeriveSharedKey(ctx context.Context, viewingPrivateKey, ephemeralKey []byte) ([]byte, error)
	DecryptNote(ctx context.Context, ct Ciphertext, sharedKey []byte) (*Note, error)
	ViewingKeyPair() ViewingKeyPair
	AddressData() AddressData
}

// TokenAmount is an amount of an ERC20 token in base units.
type TokenAmount struct {
	Token  common.Address
	Amount *big.Int
}

// ProofEvent reports unshield proof generation progress.
type ProofEvent struct {
	Chain    chain.Chain
	Progress float64
	Status   string
}

// UnshieldRequest asks the engine to prove and populate an unshield of
// Amounts to To. Events, when set, receives progress without blocking
// the proof.
type UnshieldRequest struct {
	Chain   chain.Chain
	To      common.Address
	Amounts []TokenAmount
	// Native unwraps the wrapped gas token to the base token.
	Native bool
	Events chan<- ProofEvent
}

// UnshieldTx is a proved unshield ready for gas estimation and signing.
type UnshieldTx struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Unshielder is the part of the engine used to fund relay wallets.
type Unshielder interface {
	ShieldedBalances(ctx context.Context, ch chain.Chain) ([]TokenAmount, error)
	PopulateUnshield(ctx context.Context, req UnshieldRequest) (*UnshieldTx, error)
	FullRescan(ctx context.Context, ch chain.Chain) error
}

// Engine is the complete shielded-pool collaborator.
type Engine interface {
	NoteDecrypter
	Unshielder
}

// IsInvalidMerkleRoot reports whether err says the local merkle tree is
// out of sync with the chain.
func IsInvalidMerkleRoot(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrInvalidMerkleRoot) ||
		strings.Contains(strings.ToLower(err.Error()), "invalid merkle root")
}

// Publish sends ev unless the subscriber is absent or not keeping up.
func Publish(events chan<- ProofEvent, ev ProofEvent) {
	if events == nil {
		return
	}
	select {
	case events <- ev:
	default:
	}
}
