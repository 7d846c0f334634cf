package descriptor

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/lightsparkdev/rewind/common"
	"github.com/lightsparkdev/rewind/vault/sizes"
)

// MaxLockBlocks is the largest relative block lock expressible in a sequence.
const MaxLockBlocks = 0xffff

// Branch selects how a Trigger output is spent.
type Branch int

const (
	// PanicBranch spends immediately with the panic key.
	PanicBranch Branch = iota
	// UnvaultBranch spends with the unvault key once the lock expires.
	UnvaultBranch
)

func (b Branch) String() string {
	switch b {
	case PanicBranch:
		return "panic"
	case UnvaultBranch:
		return "unvault"
	default:
		return fmt.Sprintf("Branch(%d)", int(b))
	}
}

// Trigger is the P2WSH output of the policy
// or_d(pk(panic),and_v(v:pk(unvault),older(N))).
type Trigger struct {
	PanicKey   *btcec.PublicKey
	UnvaultKey *btcec.PublicKey
	LockBlocks int64
	Branch     Branch

	witnessScript []byte
	script        []byte
}

// NewTrigger compiles the vault policy. The lock must fit a relative block
// lock.
func NewTrigger(panicKey, unvaultKey *btcec.PublicKey, lockBlocks int64) (*Trigger, error) {
	if lockBlocks < 1 || lockBlocks > MaxLockBlocks {
		return nil, fmt.Errorf("%w: relative lock of %d blocks", ErrInvalidPolicy, lockBlocks)
	}
	if panicKey == nil || unvaultKey == nil {
		return nil, fmt.Errorf("%w: missing key", ErrInvalidPolicy)
	}
	witnessScript, err := txscript.NewScriptBuilder().
		AddData(panicKey.SerializeCompressed()).
		AddOp(txscript.OP_CHECKSIG).
		AddOp(txscript.OP_IFDUP).
		AddOp(txscript.OP_NOTIF).
		AddData(unvaultKey.SerializeCompressed()).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddInt64(lockBlocks).
		AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		AddOp(txscript.OP_ENDIF).
		Script()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	if len(witnessScript) != sizes.TriggerScriptLen(lockBlocks) {
		return nil, fmt.Errorf("%w: compiled script is %d bytes, expected %d",
			ErrInvalidPolicy, len(witnessScript), sizes.TriggerScriptLen(lockBlocks))
	}
	script, err := txscript.PayToWitnessScriptHashScript(witnessScript)
	if err != nil {
		return nil, err
	}
	return &Trigger{
		PanicKey:      panicKey,
		UnvaultKey:    unvaultKey,
		LockBlocks:    lockBlocks,
		witnessScript: witnessScript,
		script:        script,
	}, nil
}

// Policy returns the miniscript policy the output was compiled from.
func (t *Trigger) Policy() string {
	return fmt.Sprintf("or_d(pk(%x),and_v(v:pk(%x),older(%d)))",
		t.PanicKey.SerializeCompressed(), t.UnvaultKey.SerializeCompressed(), t.LockBlocks)
}

// WithBranch returns a copy spending through branch.
func (t *Trigger) WithBranch(branch Branch) *Trigger {
	c := *t
	c.Branch = branch
	return &c
}

// WitnessScript returns the P2WSH witness script.
func (t *Trigger) WitnessScript() []byte {
	return bytes.Clone(t.witnessScript)
}

func (t *Trigger) Script() []byte {
	return bytes.Clone(t.script)
}

func (t *Trigger) Address(params *chaincfg.Params) (string, error) {
	return common.AddressFromPkScript(t.script, params)
}

func (t *Trigger) InputShape() (sizes.Input, error) {
	switch t.Branch {
	case PanicBranch:
		return sizes.PanicInput(t.LockBlocks), nil
	case UnvaultBranch:
		return sizes.UnvaultInput(t.LockBlocks), nil
	default:
		return sizes.Input{}, fmt.Errorf("unknown branch %s", t.Branch)
	}
}

func (t *Trigger) UpdatePsbtAsInput(p *psbt.Packet, prevTx *wire.MsgTx, vout uint32) (Finalizer, error) {
	sequence := uint32(DefaultSequence)
	signingKey := t.PanicKey
	if t.Branch == UnvaultBranch {
		sequence = uint32(t.LockBlocks)
		signingKey = t.UnvaultKey
	}
	prevOut, err := addInput(p, prevTx, vout, sequence, psbt.PInput{
		WitnessScript: t.WitnessScript(),
		SighashType:   txscript.SigHashAll,
	})
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(prevOut.PkScript, t.script) {
		return nil, fmt.Errorf("output %d of %s does not pay to the trigger script", vout, prevTx.TxHash())
	}

	pubKey := signingKey.SerializeCompressed()
	branch := t.Branch
	witnessScript := t.WitnessScript()
	return func(p *psbt.Packet, index int) error {
		for _, sig := range p.Inputs[index].PartialSigs {
			if !bytes.Equal(sig.PubKey, pubKey) {
				continue
			}
			if branch == UnvaultBranch {
				// The empty element fails the panic CHECKSIG and selects the NOTIF branch.
				return finalizeWith(p, index, sig.Signature, nil, witnessScript)
			}
			return finalizeWith(p, index, sig.Signature, witnessScript)
		}
		return fmt.Errorf("%w: %s key %x", ErrMissingSignature, branch, pubKey)
	}, nil
}

func (t *Trigger) UpdatePsbtAsOutput(p *psbt.Packet, value int64) error {
	return addOutput(p, t.script, value)
}
