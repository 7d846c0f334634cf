package descriptor

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/lightsparkdev/rewind/common"
	"github.com/lightsparkdev/rewind/vault/sizes"
)

// Tapscript is a P2TR output committing to a single leaf, spent through that
// leaf.
type Tapscript struct {
	InternalKey *btcec.PublicKey

	leaf         txscript.TapLeaf
	controlBlock []byte
	script       []byte
}

// NewTapscript commits leafScript under internalKey.
func NewTapscript(internalKey *btcec.PublicKey, leafScript []byte) (*Tapscript, error) {
	leaf := txscript.NewBaseTapLeaf(bytes.Clone(leafScript))
	tree := txscript.AssembleTaprootScriptTree(leaf)
	rootHash := tree.RootNode.TapHash()

	outputKey := txscript.ComputeTaprootOutputKey(internalKey, rootHash[:])
	script, err := txscript.PayToTaprootScript(outputKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build p2tr script: %w", err)
	}

	controlBlock := tree.LeafMerkleProofs[0].ToControlBlock(internalKey)
	controlBlockBytes, err := controlBlock.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize control block: %w", err)
	}
	return &Tapscript{
		InternalKey:  internalKey,
		leaf:         leaf,
		controlBlock: controlBlockBytes,
		script:       script,
	}, nil
}

// LeafScript returns the committed script.
func (t *Tapscript) LeafScript() []byte {
	return bytes.Clone(t.leaf.Script)
}

// ControlBlock returns the serialized control block for the leaf.
func (t *Tapscript) ControlBlock() []byte {
	return bytes.Clone(t.controlBlock)
}

func (t *Tapscript) Script() []byte {
	return bytes.Clone(t.script)
}

func (t *Tapscript) Address(params *chaincfg.Params) (string, error) {
	return common.AddressFromPkScript(t.script, params)
}

func (t *Tapscript) InputShape() (sizes.Input, error) {
	return sizes.InscriptionRevealInput(len(t.leaf.Script)), nil
}

func (t *Tapscript) UpdatePsbtAsInput(p *psbt.Packet, prevTx *wire.MsgTx, vout uint32) (Finalizer, error) {
	prevOut, err := addInput(p, prevTx, vout, DefaultSequence, psbt.PInput{
		SighashType:        txscript.SigHashDefault,
		TaprootInternalKey: schnorr.SerializePubKey(t.InternalKey),
		TaprootLeafScript: []*psbt.TaprootTapLeafScript{{
			ControlBlock: t.ControlBlock(),
			Script:       t.LeafScript(),
			LeafVersion:  t.leaf.LeafVersion,
		}},
	})
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(prevOut.PkScript, t.script) {
		return nil, fmt.Errorf("output %d of %s does not pay to the tapscript output", vout, prevTx.TxHash())
	}

	leafHash := t.leaf.TapHash()
	leafScript := t.LeafScript()
	controlBlock := t.ControlBlock()
	return func(p *psbt.Packet, index int) error {
		for _, sig := range p.Inputs[index].TaprootScriptSpendSig {
			if bytes.Equal(sig.LeafHash, leafHash[:]) {
				return finalizeWith(p, index, sig.Signature, leafScript, controlBlock)
			}
		}
		return fmt.Errorf("%w: tapscript leaf %x", ErrMissingSignature, leafHash[:])
	}, nil
}

func (t *Tapscript) UpdatePsbtAsOutput(p *psbt.Packet, value int64) error {
	return addOutput(p, t.script, value)
}
