// Package keys derives the purpose-scoped BIP32 keys a vault needs from the
// wallet seed.
package keys

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	// PurposeVaultBackup scopes the keys the backup cipher is derived from.
	PurposeVaultBackup uint32 = 1073
	// PurposeInscription scopes the keys that fund inscription commits.
	PurposeInscription uint32 = 1074
)

// ErrInvalidPath is returned for malformed or out of range derivation paths.
var ErrInvalidPath = errors.New("invalid derivation path")

// ParsePath parses a path such as m/1073'/0'/0'/5'. Hardened elements may be
// marked with ' or h.
func ParsePath(path string) ([]uint32, error) {
	elems := strings.Split(strings.TrimSpace(path), "/")
	if len(elems) == 0 || elems[0] != "m" {
		return nil, fmt.Errorf("%w: %q must start with m", ErrInvalidPath, path)
	}
	result := make([]uint32, 0, len(elems)-1)
	for _, elem := range elems[1:] {
		hardened := strings.HasSuffix(elem, "'") || strings.HasSuffix(elem, "h")
		if hardened {
			elem = elem[:len(elem)-1]
		}
		n, err := strconv.ParseUint(elem, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: element %q: %w", ErrInvalidPath, elem, err)
		}
		if uint32(n) >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("%w: element %d out of range", ErrInvalidPath, n)
		}
		if hardened {
			n += hdkeychain.HardenedKeyStart
		}
		result = append(result, uint32(n))
	}
	return result, nil
}

// FormatPath is the inverse of ParsePath, using ' for hardened elements.
func FormatPath(path []uint32) string {
	var sb strings.Builder
	sb.WriteString("m")
	for _, elem := range path {
		sb.WriteString("/")
		if elem >= hdkeychain.HardenedKeyStart {
			sb.WriteString(strconv.FormatUint(uint64(elem-hdkeychain.HardenedKeyStart), 10))
			sb.WriteString("'")
		} else {
			sb.WriteString(strconv.FormatUint(uint64(elem), 10))
		}
	}
	return sb.String()
}

// VaultPath returns m/purpose'/coin'/0'/vaultIndex'.
func VaultPath(purpose uint32, params *chaincfg.Params, vaultIndex uint32) ([]uint32, error) {
	if vaultIndex >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("%w: vault index %d out of range", ErrInvalidPath, vaultIndex)
	}
	return []uint32{
		purpose + hdkeychain.HardenedKeyStart,
		params.HDCoinType + hdkeychain.HardenedKeyStart,
		hdkeychain.HardenedKeyStart,
		vaultIndex + hdkeychain.HardenedKeyStart,
	}, nil
}

// Derive walks path from root.
func Derive(root *hdkeychain.ExtendedKey, path []uint32) (*hdkeychain.ExtendedKey, error) {
	key := root
	for _, elem := range path {
		child, err := key.Derive(elem)
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s: %w", FormatPath(path), err)
		}
		key = child
	}
	return key, nil
}

// Keyring derives vault keys from a master extended key.
type Keyring struct {
	root   *hdkeychain.ExtendedKey
	params *chaincfg.Params
}

// NewKeyring builds a keyring from the wallet seed.
func NewKeyring(seed []byte, params *chaincfg.Params) (*Keyring, error) {
	root, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	return &Keyring{root: root, params: params}, nil
}

// Params returns the network the keyring derives for.
func (k *Keyring) Params() *chaincfg.Params {
	return k.params
}

// PrivateKey derives the private key at m/purpose'/coin'/0'/vaultIndex'.
func (k *Keyring) PrivateKey(purpose uint32, vaultIndex uint32) (*btcec.PrivateKey, error) {
	path, err := VaultPath(purpose, k.params, vaultIndex)
	if err != nil {
		return nil, err
	}
	node, err := Derive(k.root, path)
	if err != nil {
		return nil, err
	}
	return node.ECPrivKey()
}
