// Package descriptor models the spendable and payable outputs a vault is built
// from. Every output can be added to a PSBT as an output, and the ones this
// module holds keys for can also be added as an input together with the
// finalizer that assembles their witness once signed.
package descriptor

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/lightsparkdev/rewind/common"
	"github.com/lightsparkdev/rewind/vault/sizes"
)

var (
	// ErrNotSpendable is returned when an output cannot be added as an input.
	ErrNotSpendable = errors.New("output is not spendable by this wallet")
	// ErrMissingSignature is returned by a finalizer run before signing.
	ErrMissingSignature = errors.New("missing signature")
	// ErrInvalidPolicy is returned for a vault policy that cannot be compiled.
	ErrInvalidPolicy = errors.New("invalid vault policy")
)

// DefaultSequence signals replaceability and leaves relative locks disabled.
const DefaultSequence = wire.MaxTxInSequenceNum - 2

// Finalizer writes the final witness of the input at index once it is signed.
type Finalizer func(p *psbt.Packet, index int) error

// Output is a locking script together with the knowledge needed to spend it.
type Output interface {
	// Script returns the output script.
	Script() []byte
	// Address encodes the script for params.
	Address(params *chaincfg.Params) (string, error)
	// InputShape describes the input that spends this output.
	InputShape() (sizes.Input, error)
	// UpdatePsbtAsInput appends an input spending prevTx:vout.
	UpdatePsbtAsInput(p *psbt.Packet, prevTx *wire.MsgTx, vout uint32) (Finalizer, error)
	// UpdatePsbtAsOutput appends an output paying value to Script.
	UpdatePsbtAsOutput(p *psbt.Packet, value int64) error
}

// NewPacket returns an empty packet of the given transaction version.
func NewPacket(version int32) (*psbt.Packet, error) {
	return psbt.New(nil, nil, version, 0, nil)
}

func addOutput(p *psbt.Packet, script []byte, value int64) error {
	if value < 0 {
		return fmt.Errorf("negative output value %d", value)
	}
	p.UnsignedTx.AddTxOut(wire.NewTxOut(value, bytes.Clone(script)))
	p.Outputs = append(p.Outputs, psbt.POutput{})
	return nil
}

func addInput(p *psbt.Packet, prevTx *wire.MsgTx, vout uint32, sequence uint32, in psbt.PInput) (*wire.TxOut, error) {
	if int(vout) >= len(prevTx.TxOut) {
		return nil, fmt.Errorf("transaction %s has no output %d", prevTx.TxHash(), vout)
	}
	prevOut := prevTx.TxOut[vout]
	txIn := wire.NewTxIn(wire.NewOutPoint(ptr(prevTx.TxHash()), vout), nil, nil)
	txIn.Sequence = sequence
	p.UnsignedTx.AddTxIn(txIn)

	in.WitnessUtxo = wire.NewTxOut(prevOut.Value, bytes.Clone(prevOut.PkScript))
	p.Inputs = append(p.Inputs, in)
	return prevOut, nil
}

func ptr[T any](v T) *T {
	return &v
}

// serializeWitness encodes a witness stack the way PSBT final script
// witnesses are stored.
func serializeWitness(items ...[]byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteVarInt(&buf, 0, uint64(len(items))); err != nil {
		return nil, err
	}
	for _, item := range items {
		if err := wire.WriteVarBytes(&buf, 0, item); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func finalizeWith(p *psbt.Packet, index int, items ...[]byte) error {
	witness, err := serializeWitness(items...)
	if err != nil {
		return err
	}
	in := &p.Inputs[index]
	in.FinalScriptWitness = witness
	in.PartialSigs = nil
	in.TaprootScriptSpendSig = nil
	in.WitnessScript = nil
	in.TaprootLeafScript = nil
	in.TaprootInternalKey = nil
	in.SighashType = 0
	return nil
}

// Finalize runs every finalizer and extracts the signed transaction.
func Finalize(p *psbt.Packet, finalizers []Finalizer) (*wire.MsgTx, error) {
	if len(finalizers) != len(p.Inputs) {
		return nil, fmt.Errorf("have %d finalizers for %d inputs", len(finalizers), len(p.Inputs))
	}
	for i, finalize := range finalizers {
		if err := finalize(p, i); err != nil {
			return nil, fmt.Errorf("failed to finalize input %d: %w", i, err)
		}
	}
	return psbt.Extract(p)
}

// scriptOnly implements the parts of Output shared by outputs this wallet can
// only pay to.
type scriptOnly struct {
	script []byte
}

func (s scriptOnly) Script() []byte {
	return bytes.Clone(s.script)
}

func (s scriptOnly) Address(params *chaincfg.Params) (string, error) {
	return common.AddressFromPkScript(s.script, params)
}

func (s scriptOnly) InputShape() (sizes.Input, error) {
	return sizes.Input{}, ErrNotSpendable
}

func (s scriptOnly) UpdatePsbtAsInput(*psbt.Packet, *wire.MsgTx, uint32) (Finalizer, error) {
	return nil, ErrNotSpendable
}

func (s scriptOnly) UpdatePsbtAsOutput(p *psbt.Packet, value int64) error {
	return addOutput(p, s.script, value)
}

// Raw is an output given by its script.
type Raw struct {
	scriptOnly
}

// NewRaw wraps a script.
func NewRaw(script []byte) *Raw {
	return &Raw{scriptOnly{script: bytes.Clone(script)}}
}

// Anchor is the zero-value pay-to-anchor output.
type Anchor struct {
	scriptOnly
}

// NewAnchor returns the pay-to-anchor output.
func NewAnchor() *Anchor {
	return &Anchor{scriptOnly{script: common.EphemeralAnchorOutput().PkScript}}
}
