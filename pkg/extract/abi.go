package extract

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const transactionTuple = `{"name":"_transactions","type":"tuple[]","components":[
	{"name":"proof","type":"tuple","components":[
		{"name":"a","type":"uint256[2]"},
		{"name":"b","type":"uint256[2][2]"},
		{"name":"c","type":"uint256[2]"}]},
	{"name":"merkleRoot","type":"uint256"},
	{"name":"nullifiers","type":"uint256[]"},
	{"name":"commitments","type":"uint256[]"},
	{"name":"boundParams","type":"tuple","components":[
		{"name":"treeNumber","type":"uint16"},
		{"name":"withdraw","type":"uint8"},
		{"name":"adaptContract","type":"address"},
		{"name":"adaptParams","type":"bytes32"},
		{"name":"commitmentCiphertext","type":"tuple[]","components":[
			{"name":"ciphertext","type":"uint256[4]"},
			{"name":"ephemeralKeys","type":"uint256[2]"},
			{"name":"memo","type":"uint256[]"}]}]},
	{"name":"withdrawPreimage","type":"tuple","components":[
		{"name":"npk","type":"uint256"},
		{"name":"token","type":"tuple","components":[
			{"name":"tokenType","type":"uint8"},
			{"name":"tokenAddress","type":"address"},
			{"name":"tokenSubID","type":"uint256"}]},
		{"name":"value","type":"uint120"}]},
	{"name":"overrideOutput","type":"address"}]}`

const poolABIJSON = `[{"type":"function","name":"transact","stateMutability":"payable",
	"inputs":[` + transactionTuple + `],"outputs":[]}]`

const adapterABIJSON = `[{"type":"function","name":"relay","stateMutability":"payable",
	"inputs":[` + transactionTuple + `,
		{"name":"_random","type":"uint256"},
		{"name":"_requireSuccess","type":"bool"},
		{"name":"_calls","type":"tuple[]","components":[
			{"name":"to","type":"address"},
			{"name":"data","type":"bytes"},
			{"name":"value","type":"uint256"}]}],
	"outputs":[]}]`

var (
	poolABI    = mustParse(poolABIJSON)
	adapterABI = mustParse(adapterABIJSON)
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// The structs below mirror the tuples above field for field, in order.

type SnarkProof struct {
	A [2]*big.Int
	B [2][2]*big.Int
	C [2]*big.Int
}

type CommitmentCiphertext struct {
	Ciphertext    [4]*big.Int
	EphemeralKeys [2]*big.Int
	Memo          []*big.Int
}

type BoundParams struct {
	TreeNumber           uint16
	Withdraw             uint8
	AdaptContract        common.Address
	AdaptParams          [32]byte
	CommitmentCiphertext []CommitmentCiphertext
}

type TokenData struct {
	TokenType    uint8
	TokenAddress common.Address
	TokenSubID   *big.Int
}

type CommitmentPreimage struct {
	Npk   *big.Int
	Token TokenData
	Value *big.Int
}

// Transaction is one shielded transaction inside a transact or relay call.
type Transaction struct {
	Proof            SnarkProof
	MerkleRoot       *big.Int
	Nullifiers       []*big.Int
	Commitments      []*big.Int
	BoundParams      BoundParams
	WithdrawPreimage CommitmentPreimage
	OverrideOutput   common.Address
}

// Call is one adapter sub-call.
type Call struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}
