package backup

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/lightsparkdev/rewind/vault/cipher"
)

// Magic prefixes every backup payload.
var Magic = []byte("REW")

// ErrMalformedPayload is returned for payloads without the magic prefix.
var ErrMalformedPayload = errors.New("malformed backup payload")

// HasMagic reports whether data starts with Magic.
func HasMagic(data []byte) bool {
	return bytes.HasPrefix(data, Magic)
}

// Seal encrypts the entry for triggerTx and panicTx under key and returns
// Magic || nonce || ciphertext.
func Seal(key, triggerTx, panicTx []byte) ([]byte, error) {
	ciphertext, err := cipher.Encrypt(key, SerializeEntry(triggerTx, panicTx))
	if err != nil {
		return nil, err
	}
	return append(bytes.Clone(Magic), ciphertext...), nil
}

// Open reverses Seal. A wrong key or any corruption yields
// cipher.ErrAuthenticationFailure.
func Open(key, payload []byte) (*Entry, error) {
	if !HasMagic(payload) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrMalformedPayload, Magic)
	}
	plaintext, err := cipher.Decrypt(key, payload[len(Magic):])
	if err != nil {
		return nil, err
	}
	return DecodeEntry(plaintext)
}
