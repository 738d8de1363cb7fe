// Package extract recovers the fee a client packaged into a shielded
// transaction by decrypting the note addressed to the relay.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
	"github.com/chainsafe/shielded-broadcaster/pkg/shielded"
)

// FeeCommitmentIndex is the output that carries the relay fee. Clients
// always place the fee note first.
const FeeCommitmentIndex = 0

const engineCallTimeout = 30 * time.Second

var (
	ErrInvalidContractAddress = errors.New("invalid contract address")
	ErrInvalidMethod          = errors.New("contract method invalid")
	ErrNoFeeIncluded          = errors.New("no relayer payment included in transaction")
	ErrFeeTheftAttempt        = errors.New("fee note hash does not match commitment")
	ErrUnsupportedChain       = errors.New("no contracts configured for chain")
)

// ContractKind selects the contract interface a transaction must match.
type ContractKind int

const (
	KindPool ContractKind = iota
	KindAdapter
)

func (k ContractKind) String() string {
	switch k {
	case KindPool:
		return "pool"
	case KindAdapter:
		return "adapter"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k ContractKind) method() (abi.ABI, string) {
	if k == KindAdapter {
		return adapterABI, "relay"
	}
	return poolABI, "transact"
}

// Contracts are the protocol contracts of one chain.
type Contracts struct {
	Pool    common.Address
	Adapter common.Address
}

func (c Contracts) address(k ContractKind) common.Address {
	if k == KindAdapter {
		return c.Adapter
	}
	return c.Pool
}

// Payload is the part of a submitted transaction the extractor reads.
type Payload struct {
	To   *common.Address
	Data []byte
}

// PackagedFee is the fee found in a transaction.
type PackagedFee struct {
	Token  common.Address
	Amount *big.Int
}

// Extractor decrypts fee notes with the relay's viewing key.
type Extractor struct {
	engine    shielded.NoteDecrypter
	contracts map[chain.Chain]Contracts
	logger    *zap.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(engine shielded.NoteDecrypter, contracts map[chain.Chain]Contracts, logger *zap.Logger) *Extractor {
	return &Extractor{engine: engine, contracts: contracts, logger: logger}
}

// KindFor picks the contract interface from the destination address.
func (e *Extractor) KindFor(ch chain.Chain, to common.Address) (ContractKind, error) {
	c, ok := e.contracts[ch]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedChain, ch)
	}
	switch to {
	case c.Pool:
		return KindPool, nil
	case c.Adapter:
		return KindAdapter, nil
	default:
		return 0, fmt.Errorf("%w: %s on %s", ErrInvalidContractAddress, to.Hex(), ch)
	}
}

// Extract returns the fee paid to the relay. Notes not addressed to the
// relay are skipped. A note that decrypts for the relay but does not hash
// to its on-chain commitment fails with ErrFeeTheftAttempt.
func (e *Extractor) Extract(ctx context.Context, ch chain.Chain, kind ContractKind, p *Payload) (*PackagedFee, error) {
	contracts, ok := e.contracts[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, ch)
	}
	expected := contracts.address(kind)
	if p.To == nil || *p.To != expected {
		got := "<nil>"
		if p.To != nil {
			got = p.To.Hex()
		}
		return nil, fmt.Errorf("%w: got %s, expected %s for chain %s", ErrInvalidContractAddress, got, expected.Hex(), ch)
	}

	txs, err := decodeTransactions(kind, p.Data)
	if err != nil {
		return nil, err
	}

	keys := e.engine.ViewingKeyPair()
	mpk := e.engine.AddressData().MasterPublicKey

	var (
		order  []common.Address
		totals = make(map[common.Address]*big.Int)
	)
	for i := range txs {
		note, err := e.feeNote(ctx, &txs[i], keys.PrivateKey, mpk)
		if err != nil {
			return nil, err
		}
		if note == nil {
			continue
		}
		token := note.TokenAddress()
		if _, ok := totals[token]; !ok {
			totals[token] = new(big.Int)
			order = append(order, token)
		}
		totals[token].Add(totals[token], note.Value)
	}

	for _, token := range order {
		if totals[token].Sign() > 0 {
			return &PackagedFee{Token: token, Amount: totals[token]}, nil
		}
	}
	return nil, ErrNoFeeIncluded
}

func decodeTransactions(kind ContractKind, data []byte) ([]Transaction, error) {
	contractABI, name := kind.method()
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: expected %s", ErrInvalidMethod, name)
	}
	method, err := contractABI.MethodById(data[:4])
	if err != nil || method.Name != name {
		return nil, fmt.Errorf("%w: expected %s", ErrInvalidMethod, name)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("decode %s call data: %w", name, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("decode %s call data: no arguments", name)
	}
	return *abi.ConvertType(args[0], new([]Transaction)).(*[]Transaction), nil
}

// feeNote returns the fee note of tx when it is addressed to the relay,
// nil when it is not.
func (e *Extractor) feeNote(ctx context.Context, tx *Transaction, viewingKey []byte, mpk *big.Int) (*shielded.Note, error) {
	if len(tx.Commitments) <= FeeCommitmentIndex || len(tx.BoundParams.CommitmentCiphertext) <= FeeCommitmentIndex {
		return nil, nil
	}
	commitment, err := shielded.Word32(tx.Commitments[FeeCommitmentIndex])
	if err != nil {
		return nil, nil
	}
	encrypted := tx.BoundParams.CommitmentCiphertext[FeeCommitmentIndex]

	ephemeralKey, err := shielded.Word32(encrypted.EphemeralKeys[0])
	if err != nil {
		return nil, nil
	}

	deriveCtx, cancel := context.WithTimeout(ctx, engineCallTimeout)
	sharedKey, err := e.engine.DeriveSharedKey(deriveCtx, viewingKey, ephemeralKey)
	cancel()
	if err != nil {
		e.logger.Debug("Fee note not addressed to relay", zap.Error(err))
		return nil, nil
	}

	ciphertext, err := shielded.CiphertextFromWords(encrypted.Ciphertext[:])
	if err != nil {
		return nil, nil
	}
	decryptCtx, cancel := context.WithTimeout(ctx, engineCallTimeout)
	note, err := e.engine.DecryptNote(decryptCtx, ciphertext, sharedKey)
	cancel()
	if err != nil {
		e.logger.Debug("Note addressed to relay is not a fee note", zap.Error(err))
		return nil, nil
	}
	if note.Value == nil || note.Value.Sign() < 0 || !isERC20(note.Token) {
		return nil, nil
	}
	if mpk == nil || note.MasterPublicKey == nil || note.MasterPublicKey.Cmp(mpk) != 0 {
		return nil, nil
	}

	if !bytes.Equal(note.Hash.Bytes(), commitment) {
		e.logger.Error("Client attempted to steal from relay via invalid ciphertext",
			zap.String("note_hash", note.Hash.Hex()),
			zap.String("commitment", common.BytesToHash(commitment).Hex()))
		return nil, fmt.Errorf("%w: note %s, commitment %s", ErrFeeTheftAttempt, note.Hash.Hex(), common.BytesToHash(commitment).Hex())
	}
	return note, nil
}

// isERC20 reports whether a formatted token id is a plain address.
func isERC20(token common.Hash) bool {
	for _, b := range token[:common.HashLength-common.AddressLength] {
		if b != 0 {
			return false
		}
	}
	return true
}
