package extract

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainsafe/shielded-broadcaster/pkg/shielded"
)

var relayMPK = big.NewInt(424242)

// fakeEngine derives a shared key only for ephemeral keys it knows and
// decrypts only ciphertexts whose first data word it was given a note for.
type fakeEngine struct {
	sharedKeys map[common.Hash][]byte
	notes      map[common.Hash]*shielded.Note
	derives    int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		sharedKeys: make(map[common.Hash][]byte),
		notes:      make(map[common.Hash]*shielded.Note),
	}
}

// addressed registers an ephemeral key as addressed to the relay and the
// note its ciphertext (identified by dataWord) decrypts to.
func (f *fakeEngine) addressed(ephemeral, dataWord *big.Int, note *shielded.Note) {
	f.sharedKeys[common.BigToHash(ephemeral)] = []byte("shared")
	if note != nil {
		f.notes[common.BigToHash(dataWord)] = note
	}
}

func (f *fakeEngine) DeriveSharedKey(_ context.Context, _, ephemeralKey []byte) ([]byte, error) {
	f.derives++
	key, ok := f.sharedKeys[common.BytesToHash(ephemeralKey)]
	if !ok {
		return nil, errors.New("point not on curve")
	}
	return key, nil
}

func (f *fakeEngine) DecryptNote(_ context.Context, ct shielded.Ciphertext, _ []byte) (*shielded.Note, error) {
	if len(ct.Data) == 0 {
		return nil, errors.New("empty ciphertext")
	}
	note, ok := f.notes[common.BytesToHash(ct.Data[0][:])]
	if !ok {
		return nil, errors.New("gcm: message authentication failed")
	}
	return note, nil
}

func (f *fakeEngine) ViewingKeyPair() shielded.ViewingKeyPair {
	return shielded.ViewingKeyPair{PrivateKey: []byte{1}, PublicKey: []byte{2}}
}

func (f *fakeEngine) AddressData() shielded.AddressData {
	return shielded.AddressData{MasterPublicKey: relayMPK}
}
