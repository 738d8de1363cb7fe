package relayer

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/shielded-broadcaster/pkg/app/errors"
	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
	"github.com/chainsafe/shielded-broadcaster/pkg/extract"
	"github.com/chainsafe/shielded-broadcaster/pkg/fees"
	"github.com/chainsafe/shielded-broadcaster/pkg/gas"
	"github.com/chainsafe/shielded-broadcaster/pkg/store"
	"github.com/chainsafe/shielded-broadcaster/pkg/wallet"
)

var viewingPub = []byte{0x01, 0x02, 0x03, 0x04}

type harness struct {
	relayer   *Relayer
	extractor *mockExtractor
	validator *mockValidator
	estimator *mockEstimator
	sender    *mockSender
	recorder  *mockRecorder
	backend   *mockBalanceBackend
	wallets   []*wallet.Wallet
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	wallets := testWallets(t)
	backend := &mockBalanceBackend{balances: map[common.Address]*big.Int{wallets[0].Address: ether(1)}}
	balances := wallet.NewBalanceCache(func(chain.Chain) (wallet.BalanceBackend, error) { return backend, nil }, time.Minute)

	h := &harness{
		extractor: &mockExtractor{},
		validator: &mockValidator{},
		estimator: &mockEstimator{},
		sender:    &mockSender{},
		recorder:  &mockRecorder{},
		backend:   backend,
		wallets:   wallets,
	}
	h.relayer = New(Options{
		Chains:           map[chain.Chain]gas.EVMGasType{testChain: gas.Type2},
		Extractor:        h.extractor,
		Validator:        h.validator,
		Estimator:        h.estimator,
		Wallets:          wallet.NewSelector(wallets, balances, zap.NewNop()),
		Balances:         balances,
		Senders:          func(chain.Chain) (Sender, error) { return h.sender, nil },
		Recorder:         h.recorder,
		ViewingPublicKey: viewingPub,
		BufferPercent:    gas.DefaultBufferPercent,
	}, zap.NewNop())
	return h
}

func serialized(t *testing.T) string {
	t.Helper()
	return serializedWithValue(t, new(big.Int))
}

func serializedWithValue(t *testing.T, value *big.Int) string {
	t.Helper()
	to := smartWallet
	raw, err := types.NewTx(&types.LegacyTx{To: &to, Data: []byte{0xca, 0xfe}, Value: value}).MarshalBinary()
	require.NoError(t, err)
	return hexutil.Encode(raw)
}

func request(t *testing.T, pubkey string) Request {
	return Request{
		ClientPubKey:          pubkey,
		SerializedTransaction: serialized(t),
		ChainType:             int(testChain.Type),
		ChainID:               testChain.ID,
		FeesID:                "quote-1",
		RelayerViewingKey:     hexutil.Encode(viewingPub),
	}
}

func TestTransact_Success(t *testing.T) {
	h := newHarness(t)

	var gotQuote string
	var gotMaxGas *big.Int
	h.validator.ValidateFunc = func(_ context.Context, _ chain.Chain, token common.Address, maxGasCost *big.Int, quoteID string, paid *big.Int) error {
		gotQuote = quoteID
		gotMaxGas = maxGasCost
		assert.Equal(t, usdc, token)
		assert.Equal(t, int64(1_000_000), paid.Int64())
		return nil
	}

	resp := h.relayer.Transact(context.Background(), request(t, "client-a"))

	require.Empty(t, resp.Error)
	assert.NotEmpty(t, resp.TxHash)
	assert.Equal(t, "quote-1", gotQuote)
	assert.Equal(t, int64(120_000_000_000_000), gotMaxGas.Int64())

	require.Equal(t, 1, h.sender.sent())
	assert.Equal(t, smartWallet, h.sender.calls[0].To)
	assert.Equal(t, []byte{0xca, 0xfe}, h.sender.calls[0].Data)

	records := h.recorder.all()
	require.Len(t, records, 1)
	assert.Equal(t, store.KindRelay, records[0].Kind)
	assert.Equal(t, store.StatusSent, records[0].Status)
	assert.Equal(t, resp.TxHash, records[0].TxHash)
	assert.Equal(t, h.wallets[0].Address.Hex(), records[0].Wallet)
}

func TestTransact_ReplayedClientKey(t *testing.T) {
	h := newHarness(t)

	first := h.relayer.Transact(context.Background(), request(t, "client-a"))
	require.Empty(t, first.Error)

	second := h.relayer.Transact(context.Background(), request(t, "client-a"))
	assert.Equal(t, apperrors.MessageUnknown, second.Error)
	assert.Empty(t, second.TxHash)
	assert.Equal(t, 1, h.sender.sent())
}

func TestTransact_MissingClientKey(t *testing.T) {
	h := newHarness(t)
	resp := h.relayer.Transact(context.Background(), request(t, ""))
	assert.Equal(t, apperrors.MessageUnknown, resp.Error)
}

func TestTransact_ViewingKey(t *testing.T) {
	t.Run("other relayer", func(t *testing.T) {
		h := newHarness(t)
		req := request(t, "client-a")
		req.RelayerViewingKey = "0xdeadbeef"
		resp := h.relayer.Transact(context.Background(), req)
		assert.Equal(t, apperrors.MessageUnknown, resp.Error)
		assert.Zero(t, h.sender.sent())
	})

	t.Run("omitted", func(t *testing.T) {
		h := newHarness(t)
		req := request(t, "client-a")
		req.RelayerViewingKey = ""
		resp := h.relayer.Transact(context.Background(), req)
		assert.Empty(t, resp.Error)
	})
}

func TestTransact_UnservedChain(t *testing.T) {
	h := newHarness(t)
	req := request(t, "client-a")
	req.ChainID = 1
	resp := h.relayer.Transact(context.Background(), req)
	assert.Equal(t, apperrors.MessageUnknown, resp.Error)
}

func TestTransact_UndecodableTransaction(t *testing.T) {
	h := newHarness(t)
	req := request(t, "client-a")
	req.SerializedTransaction = "0xzz"
	resp := h.relayer.Transact(context.Background(), req)
	assert.Equal(t, apperrors.MessageUnknown, resp.Error)
}

func TestTransact_RejectsTransactionValue(t *testing.T) {
	h := newHarness(t)
	validated := false
	h.validator.ValidateFunc = func(context.Context, chain.Chain, common.Address, *big.Int, string, *big.Int) error {
		validated = true
		return nil
	}

	req := request(t, "client-a")
	req.SerializedTransaction = serializedWithValue(t, big.NewInt(500_000_000_000_000_000))
	resp := h.relayer.Transact(context.Background(), req)

	assert.Equal(t, apperrors.MessageUnknown, resp.Error)
	assert.Empty(t, resp.TxHash)
	assert.False(t, validated)
	assert.Equal(t, 0, h.sender.sent())
	assert.Empty(t, h.recorder.all())
}

func TestTransact_FeeErrors(t *testing.T) {
	tests := []struct {
		name       string
		extractErr error
		validErr   error
		want       string
	}{
		{"no fee note", extract.ErrNoFeeIncluded, nil, apperrors.MessageBadTokenFee},
		{"spoofed fee note", extract.ErrFeeTheftAttempt, nil, apperrors.MessageUnknown},
		{"engine failure", errors.New("engine down"), nil, apperrors.MessageUnknown},
		{"fee too low", nil, fees.ErrBadTokenFee, apperrors.MessageBadTokenFee},
		{"unpriced token", nil, errors.New("token not accepted"), apperrors.MessageUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.extractErr != nil {
				h.extractor.ExtractFunc = func(context.Context, chain.Chain, extract.ContractKind, *extract.Payload) (*extract.PackagedFee, error) {
					return nil, tt.extractErr
				}
			}
			if tt.validErr != nil {
				h.validator.ValidateFunc = func(context.Context, chain.Chain, common.Address, *big.Int, string, *big.Int) error {
					return tt.validErr
				}
			}

			resp := h.relayer.Transact(context.Background(), request(t, "client-a"))
			assert.Equal(t, tt.want, resp.Error)
			assert.Empty(t, resp.TxHash)
			assert.Zero(t, h.sender.sent())
		})
	}
}

func TestTransact_EstimateFailure(t *testing.T) {
	h := newHarness(t)
	h.estimator.EstimateFunc = func(context.Context, chain.Chain, gas.Tx) (gas.Details, error) {
		return gas.Details{}, gas.ErrEstimateFailed
	}
	resp := h.relayer.Transact(context.Background(), request(t, "client-a"))
	assert.Equal(t, apperrors.MessageUnknown, resp.Error)
	assert.Zero(t, h.sender.sent())
}

func TestTransact_NoFundedWallet(t *testing.T) {
	h := newHarness(t)
	h.backend.balances[h.wallets[0].Address] = big.NewInt(1)

	resp := h.relayer.Transact(context.Background(), request(t, "client-a"))
	assert.Equal(t, apperrors.MessageUnknown, resp.Error)
	assert.Zero(t, h.sender.sent())
}

func TestTransact_SendFailureRecorded(t *testing.T) {
	h := newHarness(t)
	h.sender.err = errors.New("nonce too low")

	resp := h.relayer.Transact(context.Background(), request(t, "client-a"))
	assert.Equal(t, apperrors.MessageUnknown, resp.Error)

	records := h.recorder.all()
	require.Len(t, records, 1)
	assert.Equal(t, store.StatusFailed, records[0].Status)
	assert.Contains(t, records[0].Error, "nonce too low")
}

func TestTransact_WalletReleased(t *testing.T) {
	h := newHarness(t)

	for _, key := range []string{"client-a", "client-b", "client-c"} {
		resp := h.relayer.Transact(context.Background(), request(t, key))
		require.Empty(t, resp.Error)
	}
	assert.Equal(t, 3, h.sender.sent())
}
