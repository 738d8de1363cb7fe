// Package evm builds, signs and decodes EVM transactions for the relay.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"go.uber.org/zap"

	"github.com/chainsafe/shielded-broadcaster/pkg/gas"
)

var ErrUndecodableTransaction = errors.New("could not deserialize transaction")

// Call is the payload of a transaction to be sent by a relay wallet.
type Call struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// BuildTx creates an unsigned transaction priced by details.
func BuildTx(chainID *big.Int, nonce uint64, call Call, details gas.Details, gasLimit uint64) (*types.Transaction, error) {
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	to := call.To

	switch details.EVMGasType {
	case gas.Type0:
		if details.GasPrice == nil {
			return nil, fmt.Errorf("%w: missing gas price", gas.ErrInvalidDetails)
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: details.GasPrice,
			Gas:      gasLimit,
			To:       &to,
			Value:    value,
			Data:     call.Data,
		}), nil
	case gas.Type2:
		if details.MaxFeePerGas == nil || details.MaxPriorityFeePerGas == nil {
			return nil, fmt.Errorf("%w: missing fee caps", gas.ErrInvalidDetails)
		}
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: details.MaxPriorityFeePerGas,
			GasFeeCap: details.MaxFeePerGas,
			Gas:       gasLimit,
			To:        &to,
			Value:     value,
			Data:      call.Data,
		}), nil
	default:
		return nil, fmt.Errorf("%w: unknown type %d", gas.ErrInvalidDetails, details.EVMGasType)
	}
}

// TxBackend is the RPC surface used to send transactions.
type TxBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Sender signs and broadcasts wallet transactions on one chain.
type Sender struct {
	backend TxBackend
	chainID *big.Int
	logger  *zap.Logger
}

// NewSender creates a Sender.
func NewSender(backend TxBackend, chainID *big.Int, logger *zap.Logger) *Sender {
	return &Sender{backend: backend, chainID: chainID, logger: logger}
}

// Send prices call with details and the buffered gas limit, signs it with
// key and broadcasts it. The caller must hold the wallet exclusively.
func (s *Sender) Send(ctx context.Context, key *ecdsa.PrivateKey, call Call, details gas.Details, bufferPercent int64) (*types.Transaction, error) {
	if err := details.Validate(); err != nil {
		return nil, err
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := s.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasLimit := gas.GasLimit(details.GasEstimate, bufferPercent)
	if !gasLimit.IsUint64() {
		return nil, fmt.Errorf("%w: gas limit %s overflows", gas.ErrInvalidDetails, gasLimit)
	}

	tx, err := BuildTx(s.chainID, nonce, call, details, gasLimit.Uint64())
	if err != nil {
		return nil, err
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to submit transaction: %w", err)
	}

	s.logger.Info("Transaction submitted",
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.String("from", from.Hex()),
		zap.String("to", call.To.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", gasLimit.Uint64()),
		zap.Stringer("gas_type", details.EVMGasType))
	return signed, nil
}

// unsignedLegacyTx is the RLP layout of an unsigned pre-EIP-155 transaction.
type unsignedLegacyTx struct {
	Nonce    uint64
	GasPrice *big.Int
	Gas      uint64
	To       *common.Address `rlp:"nil"`
	Value    *big.Int
	Data     []byte
	Rest     []rlp.RawValue `rlp:"tail"`
}

// DecodeCall reads destination, data and value from a hex serialized
// transaction. Signed typed or legacy encodings and unsigned legacy
// encodings are accepted.
func DecodeCall(serialized string) (to *common.Address, call Call, err error) {
	raw, err := hexutil.Decode(ensure0x(serialized))
	if err != nil || len(raw) == 0 {
		return nil, Call{}, ErrUndecodableTransaction
	}

	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err == nil {
		return tx.To(), Call{Data: tx.Data(), Value: tx.Value()}, nil
	}

	var legacy unsignedLegacyTx
	if err := rlp.DecodeBytes(raw, &legacy); err != nil {
		return nil, Call{}, fmt.Errorf("%w: %w", ErrUndecodableTransaction, err)
	}
	value := legacy.Value
	if value == nil {
		value = new(big.Int)
	}
	return legacy.To, Call{Data: legacy.Data, Value: value}, nil
}

func ensure0x(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
