package descriptor

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// ErrInvalidDescriptor is returned for descriptors Parse does not understand.
var ErrInvalidDescriptor = errors.New("invalid descriptor")

// Parse parses wpkh(KEY), addr(ADDRESS) and raw(HEX) descriptors. KEY is a
// hex public key, a WIF private key, or an extended key with an optional
// derivation suffix in which * is replaced by index. Key origins and
// checksums are accepted and ignored.
func Parse(desc string, index uint32, params *chaincfg.Params) (Output, error) {
	desc = strings.TrimSpace(desc)
	if i := strings.IndexByte(desc, '#'); i >= 0 {
		desc = desc[:i]
	}

	fn, arg, err := splitCall(desc)
	if err != nil {
		return nil, err
	}
	switch fn {
	case "wpkh":
		return parseWPKH(arg, index, params)
	case "addr":
		addr, err := btcutil.DecodeAddress(arg, params)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
		}
		if !addr.IsForNet(params) {
			return nil, fmt.Errorf("%w: address %s is not for %s", ErrInvalidDescriptor, arg, params.Name)
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
		}
		return NewRaw(script), nil
	case "raw":
		script, err := hex.DecodeString(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
		}
		return NewRaw(script), nil
	default:
		return nil, fmt.Errorf("%w: unsupported function %q", ErrInvalidDescriptor, fn)
	}
}

func splitCall(desc string) (string, string, error) {
	open := strings.IndexByte(desc, '(')
	if open <= 0 || !strings.HasSuffix(desc, ")") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidDescriptor, desc)
	}
	return desc[:open], desc[open+1 : len(desc)-1], nil
}

func parseWPKH(key string, index uint32, params *chaincfg.Params) (*WPKH, error) {
	// Drop the key origin, e.g. [d34db33f/84'/0'/0'].
	if strings.HasPrefix(key, "[") {
		end := strings.IndexByte(key, ']')
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated key origin", ErrInvalidDescriptor)
		}
		key = key[end+1:]
	}

	if raw, err := hex.DecodeString(key); err == nil {
		pubKey, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
		}
		if len(raw) != btcec.PubKeyBytesLenCompressed {
			return nil, fmt.Errorf("%w: wpkh requires a compressed key", ErrInvalidDescriptor)
		}
		return NewWPKH(pubKey)
	}

	if wif, err := btcutil.DecodeWIF(key); err == nil {
		if !wif.IsForNet(params) {
			return nil, fmt.Errorf("%w: WIF key is not for %s", ErrInvalidDescriptor, params.Name)
		}
		if !wif.CompressPubKey {
			return nil, fmt.Errorf("%w: wpkh requires a compressed key", ErrInvalidDescriptor)
		}
		return NewWPKHFromPrivateKey(wif.PrivKey)
	}

	elems := strings.Split(key, "/")
	extKey, err := hdkeychain.NewKeyFromString(elems[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}
	if !extKey.IsForNet(params) {
		return nil, fmt.Errorf("%w: extended key is not for %s", ErrInvalidDescriptor, params.Name)
	}
	for _, elem := range elems[1:] {
		child, err := deriveStep(extKey, elem, index)
		if err != nil {
			return nil, err
		}
		extKey = child
	}

	if extKey.IsPrivate() {
		privKey, err := extKey.ECPrivKey()
		if err != nil {
			return nil, err
		}
		return NewWPKHFromPrivateKey(privKey)
	}
	pubKey, err := extKey.ECPubKey()
	if err != nil {
		return nil, err
	}
	return NewWPKH(pubKey)
}

func deriveStep(key *hdkeychain.ExtendedKey, elem string, index uint32) (*hdkeychain.ExtendedKey, error) {
	hardened := strings.HasSuffix(elem, "'") || strings.HasSuffix(elem, "h")
	if hardened {
		elem = elem[:len(elem)-1]
	}
	var n uint32
	if elem == "*" {
		n = index
	} else {
		parsed, err := strconv.ParseUint(elem, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: derivation step %q", ErrInvalidDescriptor, elem)
		}
		n = uint32(parsed)
	}
	if n >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("%w: derivation step %d out of range", ErrInvalidDescriptor, n)
	}
	if hardened {
		n += hdkeychain.HardenedKeyStart
	}
	child, err := key.Derive(n)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}
	return child, nil
}
