// Package cipher derives per-vault backup keys and seals backup entries with
// XChaCha20-Poly1305.
package cipher

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/frand"

	"github.com/lightsparkdev/rewind/common/keys"
)

const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSizeX
	// Overhead is the number of bytes Encrypt adds to a plaintext.
	Overhead = NonceSize + chacha20poly1305.Overhead

	keyInfo = "rewind/vault-backup-key"
)

// AssociatedData binds every ciphertext to its use.
var AssociatedData = []byte("REWIND-VAULT-BACKUP")

var (
	// ErrAuthenticationFailure is returned for a wrong key, a tampered
	// ciphertext or a truncated payload.
	ErrAuthenticationFailure = errors.New("backup authentication failed")
	ErrInvalidKey            = errors.New("invalid backup key")
)

// Manager derives backup keys from the wallet seed.
type Manager struct {
	keyring *keys.Keyring
}

// NewManager returns a manager for seed on the given network.
func NewManager(seed []byte, params *chaincfg.Params) (*Manager, error) {
	keyring, err := keys.NewKeyring(seed, params)
	if err != nil {
		return nil, err
	}
	return &Manager{keyring: keyring}, nil
}

// NewManagerFromKeyring shares an existing keyring.
func NewManagerFromKeyring(keyring *keys.Keyring) *Manager {
	return &Manager{keyring: keyring}
}

// Key returns the symmetric key for vaultIndex, an HKDF-SHA256 expansion of
// the private key at m/1073'/coin'/0'/vaultIndex'.
func (m *Manager) Key(vaultIndex uint32) ([]byte, error) {
	node, err := m.keyring.PrivateKey(keys.PurposeVaultBackup, vaultIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to derive backup key for vault %d: %w", vaultIndex, err)
	}
	secret := node.Serialize()
	defer clear(secret)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to expand backup key: %w", err)
	}
	return key, nil
}

// Encrypt returns nonce || ciphertext. A fresh nonce is drawn on every call.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	frand.Read(out)
	return aead.Seal(out, out, plaintext, AssociatedData), nil
}

// Decrypt opens a nonce || ciphertext produced by Encrypt.
func Decrypt(key, payload []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if len(payload) < NonceSize+aead.Overhead() {
		return nil, fmt.Errorf("%w: payload is %d bytes", ErrAuthenticationFailure, len(payload))
	}
	plaintext, err := aead.Open(nil, payload[:NonceSize], payload[NonceSize:], AssociatedData)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return plaintext, nil
}
