package common

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// AnchorScript is the pay-to-anchor script: OP_1 <0x4e73>.
var AnchorScript = []byte{txscript.OP_TRUE, 0x02, 0x4e, 0x73}

// EphemeralAnchorOutput returns the zero-value, anyone-can-spend output used to
// attach a fee-bumping child to a zero-fee TRUC transaction.
func EphemeralAnchorOutput() *wire.TxOut {
	return wire.NewTxOut(0, bytes.Clone(AnchorScript))
}

// IsAnchorScript reports whether pkScript is the pay-to-anchor script.
func IsAnchorScript(pkScript []byte) bool {
	return bytes.Equal(pkScript, AnchorScript)
}

// P2TRScriptFromPubKey returns a key-path only P2TR script from a public key.
func P2TRScriptFromPubKey(pubKey *btcec.PublicKey) ([]byte, error) {
	taprootKey := txscript.ComputeTaprootKeyNoScript(pubKey)
	return txscript.PayToTaprootScript(taprootKey)
}

// AddressFromPkScript returns the single address encoded by pkScript.
func AddressFromPkScript(pkScript []byte, params *chaincfg.Params) (string, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, params)
	if err != nil {
		return "", err
	}
	if len(addrs) != 1 {
		return "", fmt.Errorf("script %x does not encode a single address", pkScript)
	}
	return addrs[0].EncodeAddress(), nil
}

// TxFromRawTxHex returns a btcd MsgTx from a raw tx hex.
func TxFromRawTxHex(rawTxHex string) (*wire.MsgTx, error) {
	txBytes, err := hex.DecodeString(rawTxHex)
	if err != nil {
		return nil, err
	}
	return TxFromRawTxBytes(txBytes)
}

// MaxTxSize is the maximum allowed transaction size in bytes.
// This prevents memory exhaustion attacks from malicious transactions that claim
// huge input/output counts. Set to 400KB which is well above the standard
// transaction size limit (100KB) but provides a reasonable safety margin.
const MaxTxSize = 400_000

// MaxTxInputs is the maximum number of inputs allowed in a transaction.
// This is a sanity check to prevent memory exhaustion from malformed transactions.
const MaxTxInputs = 10000

// MaxTxOutputs is the maximum number of outputs allowed in a transaction.
// This is a sanity check to prevent memory exhaustion from malformed transactions.
const MaxTxOutputs = 10000

// TxFromRawTxBytes returns a btcd MsgTx from a raw tx bytes. The structure is
// checked before btcd allocates anything, and trailing bytes are rejected.
func TxFromRawTxBytes(rawTxBytes []byte) (*wire.MsgTx, error) {
	if len(rawTxBytes) > MaxTxSize {
		return nil, fmt.Errorf("transaction size %d exceeds maximum allowed size %d", len(rawTxBytes), MaxTxSize)
	}

	// Pre-validate the transaction structure to prevent memory exhaustion.
	// This checks that claimed input/output counts are reasonable before btcd allocates memory.
	if err := validateTxStructure(rawTxBytes); err != nil {
		return nil, fmt.Errorf("invalid transaction structure: %w", err)
	}

	var tx wire.MsgTx
	reader := bytes.NewReader(rawTxBytes)
	if err := tx.Deserialize(reader); err != nil {
		return nil, err
	}
	if reader.Len() != 0 {
		return nil, fmt.Errorf("unexpected %d trailing bytes after transaction", reader.Len())
	}
	return &tx, nil
}

// validateTxStructure performs a lightweight pre-validation of the transaction
// to ensure claimed input/output counts are reasonable before btcd allocates memory.
func validateTxStructure(rawTxBytes []byte) error {
	if len(rawTxBytes) < 10 {
		return fmt.Errorf("transaction too short: %d bytes", len(rawTxBytes))
	}

	// Skip version (4 bytes)
	offset := 4

	// Check for segwit marker and flag
	if rawTxBytes[offset] == 0x00 && rawTxBytes[offset+1] == 0x01 {
		offset += 2
	}

	inputCount, bytesRead := ReadCompactSize(rawTxBytes[offset:])
	if bytesRead == 0 {
		return fmt.Errorf("failed to read input count")
	}
	if inputCount > MaxTxInputs {
		return fmt.Errorf("input count %d exceeds maximum %d", inputCount, MaxTxInputs)
	}
	offset += bytesRead

	// Each input is at minimum 41 bytes (32 prevout hash + 4 index + 1 script len + 4 sequence)
	minInputSize := 41
	for range inputCount {
		if offset+minInputSize > len(rawTxBytes) {
			return fmt.Errorf("transaction truncated while reading inputs")
		}
		// Skip prevout (36 bytes)
		offset += 36
		scriptLen, bytesReadLoop := ReadCompactSize(rawTxBytes[offset:])
		if bytesReadLoop == 0 {
			return fmt.Errorf("failed to read input script length")
		}
		if scriptLen > uint64(len(rawTxBytes)) {
			return fmt.Errorf("input script length %d exceeds transaction size", scriptLen)
		}
		offset += bytesReadLoop + int(scriptLen)
		// Skip sequence (4 bytes)
		offset += 4
		if offset > len(rawTxBytes) {
			return fmt.Errorf("transaction truncated while reading inputs")
		}
	}

	if offset >= len(rawTxBytes) {
		return fmt.Errorf("transaction truncated before output count")
	}
	outputCount, bytesRead := ReadCompactSize(rawTxBytes[offset:])
	if bytesRead == 0 {
		return fmt.Errorf("failed to read output count")
	}
	if outputCount > MaxTxOutputs {
		return fmt.Errorf("output count %d exceeds maximum %d", outputCount, MaxTxOutputs)
	}
	return nil
}

// ReadCompactSize reads a Bitcoin compact-size integer from the byte slice.
// Returns the value and number of bytes read, or 0 bytes read on error.
func ReadCompactSize(buf []byte) (uint64, int) {
	if len(buf) == 0 {
		return 0, 0
	}

	switch discriminant := buf[0]; discriminant {
	case 0xFD:
		if len(buf) < 3 {
			return 0, 0
		}
		return uint64(binary.LittleEndian.Uint16(buf[1:])), 3
	case 0xFE:
		if len(buf) < 5 {
			return 0, 0
		}
		return uint64(binary.LittleEndian.Uint32(buf[1:])), 5
	case 0xFF:
		if len(buf) < 9 {
			return 0, 0
		}
		return binary.LittleEndian.Uint64(buf[1:]), 9
	default:
		return uint64(discriminant), 1
	}
}

// ValidateBitcoinTxVersion validates that a Bitcoin transaction has a valid version (>= 2).
func ValidateBitcoinTxVersion(tx *wire.MsgTx) error {
	if tx.Version < 2 {
		return fmt.Errorf("transaction version must be greater than or equal to 2, got v%d", tx.Version)
	}
	return nil
}

func SerializeTx(tx *wire.MsgTx) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, tx.SerializeSize()))
	if err := tx.Serialize(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func SerializeTxHex(tx *wire.MsgTx) (string, error) {
	txBytes, err := SerializeTx(tx)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(txBytes), nil
}

// VirtualSize returns the BIP141 virtual size of tx in vbytes.
func VirtualSize(tx *wire.MsgTx) int {
	weight := blockchain.GetTransactionWeight(btcutil.NewTx(tx))
	return int((weight + blockchain.WitnessScaleFactor - 1) / blockchain.WitnessScaleFactor)
}

// PrevOutputFetcher builds a fetcher for tx's inputs from the transactions
// that created them.
func PrevOutputFetcher(tx *wire.MsgTx, prevTxs ...*wire.MsgTx) (*txscript.MultiPrevOutFetcher, error) {
	byHash := make(map[chainhash.Hash]*wire.MsgTx, len(prevTxs))
	for _, prevTx := range prevTxs {
		byHash[prevTx.TxHash()] = prevTx
	}
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for vin, txIn := range tx.TxIn {
		prevTx, ok := byHash[txIn.PreviousOutPoint.Hash]
		if !ok {
			return nil, fmt.Errorf("missing previous transaction for input %d (%s)", vin, txIn.PreviousOutPoint)
		}
		if int(txIn.PreviousOutPoint.Index) >= len(prevTx.TxOut) {
			return nil, fmt.Errorf("input %d spends nonexistent output %s", vin, txIn.PreviousOutPoint)
		}
		fetcher.AddPrevOut(txIn.PreviousOutPoint, prevTx.TxOut[txIn.PreviousOutPoint.Index])
	}
	return fetcher, nil
}

// VerifySignatureMultiInput runs every input of signedTx through the script engine.
func VerifySignatureMultiInput(signedTx *wire.MsgTx, prevOutputFetcher txscript.PrevOutputFetcher) error {
	hashCache := txscript.NewTxSigHashes(signedTx, prevOutputFetcher)
	for vin, txIn := range signedTx.TxIn {
		txOut := prevOutputFetcher.FetchPrevOutput(txIn.PreviousOutPoint)
		if txOut == nil {
			return fmt.Errorf("missing previous output for input %d", vin)
		}
		// We skip erroring on witness version because btcd is behind bitcoin core on v3 transactions
		verifyFlags := txscript.StandardVerifyFlags & ^txscript.ScriptVerifyDiscourageUpgradeableWitnessProgram
		vm, err := txscript.NewEngine(txOut.PkScript, signedTx, vin, verifyFlags,
			nil, hashCache, txOut.Value, prevOutputFetcher)
		if err != nil {
			return err
		}
		if err := vm.Execute(); err != nil {
			return fmt.Errorf("failed to verify signature on input %d: %w", vin, err)
		}
	}
	return nil
}

// VerifyECDSASignature verifies a DER encoded ECDSA signature, rejecting any
// non-minimal encoding.
func VerifyECDSASignature(pubKey *btcec.PublicKey, signatureBytes []byte, messageHash []byte) error {
	if len(signatureBytes) == 0 {
		return fmt.Errorf("signature cannot be empty")
	}
	if len(messageHash) == 0 {
		return fmt.Errorf("message hash cannot be empty")
	}

	// Parse the signature - strict DER parsing prevents many malleability issues
	sig, err := ecdsa.ParseDERSignature(signatureBytes)
	if err != nil {
		return fmt.Errorf("invalid signature format: malformed DER signature: %w", err)
	}

	if !bytes.Equal(signatureBytes, sig.Serialize()) {
		return fmt.Errorf("signature encoding is not canonical")
	}

	if !sig.Verify(messageHash, pubKey) {
		return fmt.Errorf("invalid signature")
	}

	return nil
}
