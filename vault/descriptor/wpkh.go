package descriptor

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/lightsparkdev/rewind/common"
	"github.com/lightsparkdev/rewind/vault/sizes"
)

// WPKH is a P2WPKH output. PrivKey is nil for watch-only keys.
type WPKH struct {
	PubKey  *btcec.PublicKey
	PrivKey *btcec.PrivateKey
	script  []byte
}

// NewWPKH returns the P2WPKH output of pubKey.
func NewWPKH(pubKey *btcec.PublicKey) (*WPKH, error) {
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(btcutil.Hash160(pubKey.SerializeCompressed())).
		Script()
	if err != nil {
		return nil, fmt.Errorf("failed to build p2wpkh script: %w", err)
	}
	return &WPKH{PubKey: pubKey, script: script}, nil
}

// NewWPKHFromPrivateKey returns a P2WPKH output that can sign for itself.
func NewWPKHFromPrivateKey(privKey *btcec.PrivateKey) (*WPKH, error) {
	out, err := NewWPKH(privKey.PubKey())
	if err != nil {
		return nil, err
	}
	out.PrivKey = privKey
	return out, nil
}

func (w *WPKH) Script() []byte {
	return bytes.Clone(w.script)
}

func (w *WPKH) Address(params *chaincfg.Params) (string, error) {
	return common.AddressFromPkScript(w.script, params)
}

func (w *WPKH) InputShape() (sizes.Input, error) {
	return sizes.P2WPKHInput(), nil
}

func (w *WPKH) UpdatePsbtAsInput(p *psbt.Packet, prevTx *wire.MsgTx, vout uint32) (Finalizer, error) {
	prevOut, err := addInput(p, prevTx, vout, DefaultSequence, psbt.PInput{SighashType: txscript.SigHashAll})
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(prevOut.PkScript, w.script) {
		return nil, fmt.Errorf("output %d of %s does not pay to %x", vout, prevTx.TxHash(), w.script)
	}

	pubKey := w.PubKey.SerializeCompressed()
	return func(p *psbt.Packet, index int) error {
		for _, sig := range p.Inputs[index].PartialSigs {
			if bytes.Equal(sig.PubKey, pubKey) {
				return finalizeWith(p, index, sig.Signature, pubKey)
			}
		}
		return fmt.Errorf("%w: p2wpkh key %x", ErrMissingSignature, pubKey)
	}, nil
}

func (w *WPKH) UpdatePsbtAsOutput(p *psbt.Packet, value int64) error {
	return addOutput(p, w.script, value)
}
