// Package keys protects the relay wallet mnemonic at rest.
// The mnemonic is sealed with AES-256-GCM under a key derived from the
// operator's master key with HKDF-SHA256 and a random salt.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

const (
	masterKeySize = 32
	saltSize      = 16
	hkdfInfo      = "shielded-broadcaster-mnemonic"
)

var (
	ErrInvalidMasterKey = errors.New("master key must be 32 bytes (AES-256)")
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrDecrypt          = errors.New("failed to decrypt mnemonic")
)

// EncryptMnemonic seals a valid BIP-39 mnemonic.
// The result is base64 of salt || nonce || ciphertext || tag.
func EncryptMnemonic(mnemonic string, masterKey []byte) (string, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", ErrInvalidMnemonic
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := newGCM(masterKey, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := append(salt, nonce...)
	out = gcm.Seal(out, nonce, []byte(mnemonic), salt)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptMnemonic reverses EncryptMnemonic and checks the result is a
// valid mnemonic.
func DecryptMnemonic(encrypted string, masterKey []byte) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(raw) < saltSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	salt, rest := raw[:saltSize], raw[saltSize:]

	gcm, err := newGCM(masterKey, salt)
	if err != nil {
		return "", err
	}
	if len(rest) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, salt)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	mnemonic := string(plaintext)
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", ErrInvalidMnemonic
	}
	return mnemonic, nil
}

func newGCM(masterKey, salt []byte) (cipher.AEAD, error) {
	if len(masterKey) != masterKeySize {
		return nil, ErrInvalidMasterKey
	}
	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// GenerateMasterKey returns a random 32-byte master key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

// MasterKeyFromBase64 decodes a base64-encoded master key
func MasterKeyFromBase64(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode master key: %w", err)
	}
	if len(key) != masterKeySize {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidMasterKey, len(key))
	}
	return key, nil
}

// MasterKeyToBase64 encodes a master key as base64 for storage
func MasterKeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// ResolveMnemonic returns the plain mnemonic if set, otherwise decrypts
// the encrypted one with the base64 master key.
func ResolveMnemonic(plain, encrypted, masterKeyB64 string) (string, error) {
	if plain != "" {
		if !bip39.IsMnemonicValid(plain) {
			return "", ErrInvalidMnemonic
		}
		return plain, nil
	}
	masterKey, err := MasterKeyFromBase64(masterKeyB64)
	if err != nil {
		return "", err
	}
	return DecryptMnemonic(encrypted, masterKey)
}
