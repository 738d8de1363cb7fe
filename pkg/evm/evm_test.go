package evm

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/shielded-broadcaster/pkg/gas"
)

var (
	testChainID = big.NewInt(137)
	pool        = common.HexToAddress("0x19B620929f97b7b990801496c3b361CA5dEf8C71")
)

type mockTxBackend struct {
	nonce uint64
	sent  []*types.Transaction
	err   error
}

func (m *mockTxBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return m.nonce, nil
}

func (m *mockTxBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, tx)
	return nil
}

func TestBuildTx_Shapes(t *testing.T) {
	call := Call{To: pool, Data: []byte{1, 2}}

	legacy, err := BuildTx(testChainID, 3, call, gas.Details{EVMGasType: gas.Type0, GasPrice: big.NewInt(50)}, 21000)
	require.NoError(t, err)
	assert.Equal(t, uint8(types.LegacyTxType), legacy.Type())
	assert.Equal(t, int64(50), legacy.GasPrice().Int64())

	dynamic, err := BuildTx(testChainID, 3, call, gas.Details{
		EVMGasType:           gas.Type2,
		MaxFeePerGas:         big.NewInt(100),
		MaxPriorityFeePerGas: big.NewInt(2),
	}, 21000)
	require.NoError(t, err)
	assert.Equal(t, uint8(types.DynamicFeeTxType), dynamic.Type())
	assert.Equal(t, int64(100), dynamic.GasFeeCap().Int64())
	assert.Equal(t, int64(2), dynamic.GasTipCap().Int64())

	_, err = BuildTx(testChainID, 3, call, gas.Details{EVMGasType: gas.Type2, GasPrice: big.NewInt(1)}, 21000)
	assert.ErrorIs(t, err, gas.ErrInvalidDetails)
}

func TestSender_SignsWithWalletKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	backend := &mockTxBackend{nonce: 9}
	s := NewSender(backend, testChainID, zap.NewNop())

	tx, err := s.Send(context.Background(), key, Call{To: pool, Data: []byte{0xaa}}, gas.Details{
		EVMGasType:  gas.Type0,
		GasEstimate: big.NewInt(100_000),
		GasPrice:    big.NewInt(30),
	}, gas.DefaultBufferPercent)
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	assert.Equal(t, uint64(9), tx.Nonce())
	assert.Equal(t, uint64(120_000), tx.Gas())
	from, err := types.Sender(types.LatestSignerForChainID(testChainID), tx)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), from)
}

func TestSender_RejectsInvalidDetails(t *testing.T) {
	key, _ := crypto.GenerateKey()
	backend := &mockTxBackend{}
	s := NewSender(backend, testChainID, zap.NewNop())

	_, err := s.Send(context.Background(), key, Call{To: pool}, gas.Details{EVMGasType: gas.Type0}, 20)
	assert.ErrorIs(t, err, gas.ErrInvalidDetails)
	assert.Empty(t, backend.sent)
}

func TestDecodeCall_Signed(t *testing.T) {
	key, _ := crypto.GenerateKey()
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID: testChainID, Nonce: 1, GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2),
		Gas: 21000, To: &pool, Value: big.NewInt(0), Data: []byte{0xde, 0xad},
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(testChainID), key)
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)

	to, call, err := DecodeCall(hexutil.Encode(raw))
	require.NoError(t, err)
	assert.Equal(t, pool, *to)
	assert.Equal(t, []byte{0xde, 0xad}, call.Data)
}

func TestDecodeCall_UnsignedLegacy(t *testing.T) {
	raw, err := rlp.EncodeToBytes([]interface{}{
		uint64(0), big.NewInt(0), uint64(0), pool, big.NewInt(5), []byte{0xbe, 0xef},
	})
	require.NoError(t, err)

	to, call, err := DecodeCall(common.Bytes2Hex(raw))
	require.NoError(t, err)
	assert.Equal(t, pool, *to)
	assert.Equal(t, []byte{0xbe, 0xef}, call.Data)
	assert.Equal(t, int64(5), call.Value.Int64())
}

func TestDecodeCall_Garbage(t *testing.T) {
	for _, in := range []string{"", "0x", "zz", "0x01"} {
		_, _, err := DecodeCall(in)
		assert.ErrorIs(t, err, ErrUndecodableTransaction, "input %q", in)
	}
}

type mockCaller struct {
	outputs map[string][]byte
	code    []byte
}

func (m *mockCaller) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	if m.code != nil {
		return m.code, nil
	}
	return []byte{1}, nil
}

func (m *mockCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := erc20ABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	return m.outputs[method.Name], nil
}

func TestERC20_Decimals(t *testing.T) {
	decimals, err := erc20ABI.Methods["decimals"].Outputs.Pack(uint8(6))
	require.NoError(t, err)
	token := NewERC20(common.HexToAddress("0x01"), &mockCaller{outputs: map[string][]byte{"decimals": decimals}})

	d, err := token.Decimals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint8(6), d)
}

func TestVerifyDecimals(t *testing.T) {
	six, err := erc20ABI.Methods["decimals"].Outputs.Pack(uint8(6))
	require.NoError(t, err)
	caller := &mockCaller{outputs: map[string][]byte{"decimals": six}}
	token := common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")

	assert.NoError(t, VerifyDecimals(context.Background(), caller, map[common.Address]int{token: 6}))

	err = VerifyDecimals(context.Background(), caller, map[common.Address]int{token: 18})
	assert.ErrorIs(t, err, ErrDecimalsMismatch)
}

func TestVerifyDecimals_NoContract(t *testing.T) {
	caller := &mockCaller{outputs: map[string][]byte{}, code: []byte{}}
	err := VerifyDecimals(context.Background(), caller, map[common.Address]int{common.HexToAddress("0x02"): 18})
	assert.ErrorIs(t, err, bind.ErrNoCode)
}
