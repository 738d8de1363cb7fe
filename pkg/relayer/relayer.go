// Package relayer runs the fee-secured relay pipeline and the
// broadcaster's background loops.
package relayer

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/chainsafe/shielded-broadcaster/internal/metrics"
	apperrors "github.com/chainsafe/shielded-broadcaster/pkg/app/errors"
	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
	"github.com/chainsafe/shielded-broadcaster/pkg/evm"
	"github.com/chainsafe/shielded-broadcaster/pkg/extract"
	"github.com/chainsafe/shielded-broadcaster/pkg/fees"
	"github.com/chainsafe/shielded-broadcaster/pkg/gas"
	"github.com/chainsafe/shielded-broadcaster/pkg/store"
	"github.com/chainsafe/shielded-broadcaster/pkg/wallet"
)

var (
	ErrReplayedRequest  = errors.New("client key already handled")
	ErrMissingClientKey = errors.New("client public key is required")
	ErrWrongRelayer     = errors.New("request addressed to another relayer")
	ErrUnsupportedChain = errors.New("chain not served")
	// ErrValueNotAllowed rejects calls that would spend relay wallet value
	// beyond gas. The packaged fee only ever covers gas.
	ErrValueNotAllowed = errors.New("transaction value must be zero")
)

// FeeExtractor reads the fee a transaction pays to this relayer.
type FeeExtractor interface {
	KindFor(ch chain.Chain, to common.Address) (extract.ContractKind, error)
	Extract(ctx context.Context, ch chain.Chain, kind extract.ContractKind, p *extract.Payload) (*extract.PackagedFee, error)
}

// FeeValidator checks a paid fee against the quote or live prices.
type FeeValidator interface {
	Validate(ctx context.Context, ch chain.Chain, token common.Address, maxGasCost *big.Int, quoteID string, paid *big.Int) error
}

// Estimator prices a transaction.
type Estimator interface {
	Estimate(ctx context.Context, c chain.Chain, tx gas.Tx, gasType gas.EVMGasType, speed gas.Speed) (gas.Details, error)
}

// WalletSelector leases a funded wallet.
type WalletSelector interface {
	Select(ctx context.Context, ch chain.Chain, budget *big.Int) (*wallet.Lease, error)
}

// BalanceInvalidator forgets cached wallet balances.
type BalanceInvalidator interface {
	Invalidate(ch chain.Chain, address common.Address)
}

// Sender signs and broadcasts a wallet transaction.
type Sender interface {
	Send(ctx context.Context, key *ecdsa.PrivateKey, call evm.Call, details gas.Details, bufferPercent int64) (*types.Transaction, error)
}

// SenderFunc resolves the sender of a chain.
type SenderFunc func(ch chain.Chain) (Sender, error)

// Request is a relay request already decrypted by the messaging boundary.
type Request struct {
	ClientPubKey          string `json:"pubkey"`
	SerializedTransaction string `json:"serializedTransaction"`
	ChainType             int    `json:"chainType"`
	ChainID               uint64 `json:"chainID"`
	FeesID                string `json:"feesID"`
	RelayerViewingKey     string `json:"relayerViewingKey,omitempty"`
}

// Response carries either the transaction hash or a sanitized error.
type Response struct {
	TxHash string `json:"txHash,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Options are the collaborators of a Relayer.
type Options struct {
	// Chains maps every served chain to its gas model.
	Chains           map[chain.Chain]gas.EVMGasType
	Extractor        FeeExtractor
	Validator        FeeValidator
	Estimator        Estimator
	Wallets          WalletSelector
	Balances         BalanceInvalidator
	Senders          SenderFunc
	Replay           *ReplayGuard
	Recorder         store.Recorder
	ViewingPublicKey []byte
	BufferPercent    int64
	Speed            gas.Speed
}

// Relayer turns paid shielded transactions into broadcasts.
type Relayer struct {
	opts   Options
	logger *zap.Logger
}

// New creates a Relayer.
func New(opts Options, logger *zap.Logger) *Relayer {
	if opts.Recorder == nil {
		opts.Recorder = store.Nop{}
	}
	if opts.Replay == nil {
		opts.Replay = NewReplayGuard(0, 0)
	}
	if opts.Speed == 0 {
		opts.Speed = gas.SpeedMedium
	}
	return &Relayer{opts: opts, logger: logger}
}

// Transact runs the relay pipeline. Failures are logged in full and
// returned to the client as one of two fixed messages.
func (r *Relayer) Transact(ctx context.Context, req Request) Response {
	ch := chain.Chain{Type: chain.Type(req.ChainType), ID: req.ChainID}
	start := time.Now()

	txHash, err := r.transact(ctx, ch, req)
	metrics.RelayDuration.WithLabelValues(ch.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		msg := apperrors.Sanitize(err)
		result := "error"
		if msg == apperrors.MessageBadTokenFee {
			result = "bad_token_fee"
		}
		metrics.RelayRequestsTotal.WithLabelValues(ch.String(), result).Inc()
		if apperrors.IsInternalError(err) {
			metrics.ErrorsTotal.WithLabelValues("relayer", apperrors.CategoryOf(err).String()).Inc()
		}
		r.logger.Warn("Relay request failed",
			zap.String("chain", ch.String()),
			zap.String("fees_id", req.FeesID),
			zap.String("client_error", msg),
			zap.Error(err))
		return Response{Error: msg}
	}

	metrics.RelayRequestsTotal.WithLabelValues(ch.String(), "success").Inc()
	return Response{TxHash: txHash.Hex()}
}

func (r *Relayer) transact(ctx context.Context, ch chain.Chain, req Request) (common.Hash, error) {
	if req.ClientPubKey == "" {
		return common.Hash{}, apperrors.BadRequestError(ErrMissingClientKey, "pubkey is required")
	}
	if r.opts.Replay.Seen(req.ClientPubKey) {
		return common.Hash{}, apperrors.GeneralError(ErrReplayedRequest)
	}
	if err := r.checkViewingKey(req.RelayerViewingKey); err != nil {
		return common.Hash{}, apperrors.GeneralError(err)
	}

	gasType, ok := r.opts.Chains[ch]
	if !ok {
		return common.Hash{}, apperrors.GeneralError(fmt.Errorf("%w: %s", ErrUnsupportedChain, ch))
	}

	to, call, err := evm.DecodeCall(req.SerializedTransaction)
	if err != nil {
		return common.Hash{}, apperrors.BadRequestError(err, "invalid transaction")
	}
	if to == nil {
		return common.Hash{}, apperrors.BadRequestError(extract.ErrInvalidContractAddress, "invalid transaction")
	}
	call.To = *to
	if call.Value != nil && call.Value.Sign() != 0 {
		return common.Hash{}, apperrors.BadRequestError(fmt.Errorf("%w: %s wei", ErrValueNotAllowed, call.Value), "invalid transaction")
	}

	kind, err := r.opts.Extractor.KindFor(ch, call.To)
	if err != nil {
		return common.Hash{}, apperrors.GeneralError(err)
	}

	fee, err := r.opts.Extractor.Extract(ctx, ch, kind, &extract.Payload{To: to, Data: call.Data})
	if err != nil {
		switch {
		case errors.Is(err, extract.ErrFeeTheftAttempt):
			metrics.FeeTheftAttemptsTotal.WithLabelValues(ch.String()).Inc()
			r.logger.Error("Fee theft attempt detected",
				zap.String("chain", ch.String()),
				zap.String("client_pubkey", req.ClientPubKey),
				zap.Error(err))
			return common.Hash{}, apperrors.GeneralError(err)
		case errors.Is(err, extract.ErrNoFeeIncluded):
			return common.Hash{}, apperrors.BadTokenFeeError(err)
		default:
			return common.Hash{}, apperrors.GeneralError(err)
		}
	}

	details, err := r.opts.Estimator.Estimate(ctx, ch, gas.Tx{To: call.To, Data: call.Data, Value: call.Value}, gasType, r.opts.Speed)
	if err != nil {
		return common.Hash{}, apperrors.DependencyError(err, "gas estimate failed")
	}
	maxGasCost, err := gas.MaximumGasCost(details, r.opts.BufferPercent)
	if err != nil {
		return common.Hash{}, apperrors.GeneralError(err)
	}
	f, _ := new(big.Float).SetInt(maxGasCost).Float64()
	metrics.MaxGasCost.WithLabelValues(ch.String()).Observe(f)

	if err := r.opts.Validator.Validate(ctx, ch, fee.Token, maxGasCost, req.FeesID, fee.Amount); err != nil {
		if errors.Is(err, fees.ErrBadTokenFee) {
			return common.Hash{}, apperrors.BadTokenFeeError(err)
		}
		return common.Hash{}, apperrors.GeneralError(err)
	}

	lease, err := r.opts.Wallets.Select(ctx, ch, maxGasCost)
	if err != nil {
		return common.Hash{}, apperrors.GeneralError(err)
	}
	defer lease.Release()

	record := store.NewBroadcast(ch, store.KindRelay)
	record.Wallet = lease.Wallet.Address.Hex()
	record.FeeToken = fee.Token.Hex()
	record.FeeAmount = fee.Amount
	record.MaxGasCost = maxGasCost

	sender, err := r.opts.Senders(ch)
	if err != nil {
		return common.Hash{}, apperrors.GeneralError(err)
	}
	tx, err := sender.Send(ctx, lease.Wallet.Key(), call, details, r.opts.BufferPercent)
	if err != nil {
		record.Fail(err)
		r.record(ctx, record)
		return common.Hash{}, apperrors.DependencyError(err, "broadcast failed")
	}
	if r.opts.Balances != nil {
		r.opts.Balances.Invalidate(ch, lease.Wallet.Address)
	}

	record.TxHash = tx.Hash().Hex()
	r.record(ctx, record)

	r.logger.Info("Relayed transaction",
		zap.String("chain", ch.String()),
		zap.String("tx_hash", tx.Hash().Hex()),
		zap.String("wallet", lease.Wallet.Address.Hex()),
		zap.String("fee_token", fee.Token.Hex()),
		zap.String("fee_amount", fee.Amount.String()),
		zap.String("max_gas_cost", maxGasCost.String()))
	return tx.Hash(), nil
}

// checkViewingKey rejects requests encrypted for another relayer. An
// omitted key is accepted.
func (r *Relayer) checkViewingKey(key string) error {
	if key == "" || len(r.opts.ViewingPublicKey) == 0 {
		return nil
	}
	got, err := hexutil.Decode(key)
	if err != nil || !bytes.Equal(got, r.opts.ViewingPublicKey) {
		return ErrWrongRelayer
	}
	return nil
}

func (r *Relayer) record(ctx context.Context, b *store.Broadcast) {
	if err := r.opts.Recorder.RecordBroadcast(ctx, b); err != nil {
		r.logger.Warn("Failed to record broadcast", zap.String("id", b.ID.String()), zap.Error(err))
	}
}
