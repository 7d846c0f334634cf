package cipher

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightsparkdev/rewind/vault/sizes"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(bytes.Repeat([]byte{0x07}, 32), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return m
}

func TestOverheadMatchesSizeModel(t *testing.T) {
	assert.Equal(t, sizes.NonceLen+sizes.TagLen, Overhead)
}

func TestKeyIsDeterministicPerVault(t *testing.T) {
	m := testManager(t)

	k0, err := m.Key(0)
	require.NoError(t, err)
	k0Again, err := m.Key(0)
	require.NoError(t, err)
	k1, err := m.Key(1)
	require.NoError(t, err)

	assert.Len(t, k0, KeySize)
	assert.Equal(t, k0, k0Again)
	assert.NotEqual(t, k0, k1)
}

func TestKeyDependsOnNetwork(t *testing.T) {
	seed := bytes.Repeat([]byte{0x07}, 32)
	mainnet, err := NewManager(seed, &chaincfg.MainNetParams)
	require.NoError(t, err)
	regtest, err := NewManager(seed, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	a, err := mainnet.Key(0)
	require.NoError(t, err)
	b, err := regtest.Key(0)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := testManager(t).Key(4)
	require.NoError(t, err)

	for _, plaintext := range [][]byte{{}, []byte("entry"), bytes.Repeat([]byte{0xab}, 4096)} {
		ciphertext, err := Encrypt(key, plaintext)
		require.NoError(t, err)
		assert.Len(t, ciphertext, len(plaintext)+Overhead)

		got, err := Decrypt(key, ciphertext)
		require.NoError(t, err)
		assert.Equal(t, len(plaintext), len(got))
		assert.True(t, bytes.Equal(plaintext, got))
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	key := bytes.Repeat([]byte{1}, KeySize)
	a, err := Encrypt(key, []byte("same"))
	require.NoError(t, err)
	b, err := Encrypt(key, []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptFailsClosed(t *testing.T) {
	key := bytes.Repeat([]byte{1}, KeySize)
	otherKey := bytes.Repeat([]byte{2}, KeySize)
	ciphertext, err := Encrypt(key, []byte("trigger and panic"))
	require.NoError(t, err)

	_, err = Decrypt(otherKey, ciphertext)
	require.ErrorIs(t, err, ErrAuthenticationFailure)

	for i := range ciphertext {
		tampered := bytes.Clone(ciphertext)
		tampered[i] ^= 0x01
		_, err := Decrypt(key, tampered)
		require.ErrorIs(t, err, ErrAuthenticationFailure, "flipped byte %d", i)
	}

	_, err = Decrypt(key, ciphertext[:len(ciphertext)-1])
	require.ErrorIs(t, err, ErrAuthenticationFailure)
	_, err = Decrypt(key, ciphertext[:10])
	require.ErrorIs(t, err, ErrAuthenticationFailure)
}

func TestInvalidKeyLength(t *testing.T) {
	_, err := Encrypt([]byte{1, 2, 3}, []byte("x"))
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = Decrypt([]byte{1, 2, 3}, make([]byte, 64))
	require.ErrorIs(t, err, ErrInvalidKey)
}
