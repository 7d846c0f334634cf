package common

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTx(witness bool) *wire.MsgTx {
	tx := wire.NewMsgTx(3)
	in := wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{1}, Index: 2}, nil, nil)
	if witness {
		in.Witness = wire.TxWitness{bytes.Repeat([]byte{0x30}, 71), bytes.Repeat([]byte{0x02}, 33)}
	}
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(10_000, bytes.Repeat([]byte{0x00}, 22)))
	tx.AddTxOut(EphemeralAnchorOutput())
	return tx
}

func TestAnchor(t *testing.T) {
	out := EphemeralAnchorOutput()
	assert.Zero(t, out.Value)
	assert.Equal(t, []byte{0x51, 0x02, 0x4e, 0x73}, out.PkScript)
	assert.True(t, IsAnchorScript(out.PkScript))
	assert.False(t, IsAnchorScript([]byte{txscript.OP_TRUE}))

	// Mutating one anchor output must not leak into the next.
	out.PkScript[0] = 0
	assert.True(t, IsAnchorScript(EphemeralAnchorOutput().PkScript))
}

func TestTxRoundTrip(t *testing.T) {
	for _, witness := range []bool{false, true} {
		tx := testTx(witness)
		raw, err := SerializeTx(tx)
		require.NoError(t, err)
		parsed, err := TxFromRawTxBytes(raw)
		require.NoError(t, err)
		assert.Equal(t, tx.TxHash(), parsed.TxHash())

		txHex, err := SerializeTxHex(tx)
		require.NoError(t, err)
		fromHex, err := TxFromRawTxHex(txHex)
		require.NoError(t, err)
		assert.Equal(t, tx.WitnessHash(), fromHex.WitnessHash())
	}
}

func TestTxFromRawTxBytesRejectsMalformed(t *testing.T) {
	raw, err := SerializeTx(testTx(false))
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "too short", raw: raw[:8]},
		{name: "truncated", raw: raw[:len(raw)-3]},
		{name: "trailing bytes", raw: append(bytes.Clone(raw), 0x00)},
		{name: "huge input count", raw: append([]byte{2, 0, 0, 0, 0xfe, 0xff, 0xff, 0xff, 0x00}, make([]byte, 8)...)},
		{name: "oversized", raw: make([]byte, MaxTxSize+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := TxFromRawTxBytes(tt.raw)
			require.Error(t, err)
		})
	}

	_, err = TxFromRawTxHex("not hex")
	require.Error(t, err)
}

func TestReadCompactSize(t *testing.T) {
	tests := []struct {
		buf   []byte
		value uint64
		n     int
	}{
		{buf: []byte{0x10}, value: 0x10, n: 1},
		{buf: []byte{0xfd, 0x00, 0x01}, value: 0x100, n: 3},
		{buf: []byte{0xfe, 0x00, 0x00, 0x01, 0x00}, value: 0x10000, n: 5},
		{buf: []byte{0xff, 1, 0, 0, 0, 0, 0, 0, 0}, value: 1, n: 9},
		{buf: []byte{0xfd, 0x00}, n: 0},
		{buf: nil, n: 0},
	}
	for _, tt := range tests {
		value, n := ReadCompactSize(tt.buf)
		assert.Equal(t, tt.n, n, "%x", tt.buf)
		assert.Equal(t, tt.value, value, "%x", tt.buf)
	}
}

func TestVirtualSize(t *testing.T) {
	legacy := testTx(false)
	assert.Equal(t, legacy.SerializeSize(), VirtualSize(legacy))

	segwit := testTx(true)
	stripped := segwit.SerializeSizeStripped()
	total := segwit.SerializeSize()
	assert.Equal(t, (stripped*3+total+3)/4, VirtualSize(segwit))
}

func TestValidateBitcoinTxVersion(t *testing.T) {
	require.NoError(t, ValidateBitcoinTxVersion(wire.NewMsgTx(2)))
	require.NoError(t, ValidateBitcoinTxVersion(wire.NewMsgTx(3)))
	require.Error(t, ValidateBitcoinTxVersion(wire.NewMsgTx(1)))
}

func TestAddresses(t *testing.T) {
	key, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{1}, 32))

	script, err := P2TRScriptFromPubKey(key.PubKey())
	require.NoError(t, err)
	assert.True(t, txscript.IsPayToTaproot(script))

	addr, err := AddressFromPkScript(script, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	assert.Contains(t, addr, "bcrt1p")

	_, err = AddressFromPkScript([]byte{txscript.OP_RETURN}, &chaincfg.MainNetParams)
	require.Error(t, err)
}

func TestPrevOutputFetcherAndVerify(t *testing.T) {
	key, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{2}, 32))
	p2tr, err := P2TRScriptFromPubKey(key.PubKey())
	require.NoError(t, err)

	prev := wire.NewMsgTx(2)
	prev.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 9}, nil, nil))
	prev.AddTxOut(wire.NewTxOut(50_000, p2tr))

	spend := wire.NewMsgTx(2)
	spend.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: prev.TxHash(), Index: 0}, nil, nil))
	spend.AddTxOut(wire.NewTxOut(49_000, p2tr))

	fetcher, err := PrevOutputFetcher(spend, prev)
	require.NoError(t, err)
	sigHashes := txscript.NewTxSigHashes(spend, fetcher)
	witness, err := txscript.TaprootWitnessSignature(spend, sigHashes, 0, 50_000, p2tr, txscript.SigHashDefault, key)
	require.NoError(t, err)
	spend.TxIn[0].Witness = witness
	require.NoError(t, VerifySignatureMultiInput(spend, fetcher))

	spend.TxOut[0].Value = 1
	require.Error(t, VerifySignatureMultiInput(spend, fetcher))

	_, err = PrevOutputFetcher(spend)
	require.Error(t, err)
	bad := spend.Copy()
	bad.TxIn[0].PreviousOutPoint.Index = 5
	_, err = PrevOutputFetcher(bad, prev)
	require.Error(t, err)
}

func TestVerifyECDSASignature(t *testing.T) {
	key, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{3}, 32))
	hash := chainhash.HashB([]byte("rewind"))
	sig := ecdsa.Sign(key, hash).Serialize()

	require.NoError(t, VerifyECDSASignature(key.PubKey(), sig, hash))

	other, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{4}, 32))
	require.Error(t, VerifyECDSASignature(other.PubKey(), sig, hash))
	require.Error(t, VerifyECDSASignature(key.PubKey(), nil, hash))
	require.Error(t, VerifyECDSASignature(key.PubKey(), sig, nil))
	require.Error(t, VerifyECDSASignature(key.PubKey(), append(bytes.Clone(sig), 0x00), hash))
}
