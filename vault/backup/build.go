package backup

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/wire"

	"github.com/lightsparkdev/rewind/vault/descriptor"
	"github.com/lightsparkdev/rewind/vault/sizes"
)

// Funding is the wallet output a backup transaction spends.
type Funding struct {
	Tx     *wire.MsgTx
	Vout   uint32
	Output descriptor.Output
}

// Value is the amount held by the funding output.
func (f Funding) Value() int64 {
	return f.Tx.TxOut[f.Vout].Value
}

// BuildOpReturnTx spends funding into a single zero-value OP_RETURN output
// carrying payload. The whole funding value goes to fees.
func BuildOpReturnTx(funding Funding, payload []byte, version int32, signer descriptor.Signer) (*wire.MsgTx, error) {
	inputShape, err := funding.Output.InputShape()
	if err != nil {
		return nil, err
	}
	b, err := descriptor.NewTxBuilder(version)
	if err != nil {
		return nil, err
	}
	if err := b.AddInput(funding.Output, funding.Tx, funding.Vout); err != nil {
		return nil, err
	}
	if err := b.AddOutput(descriptor.NewRaw(OpReturnScript(payload)), 0); err != nil {
		return nil, err
	}
	expected := sizes.OpReturnBackup(inputShape, len(payload)).VSizes()
	return b.SignAndVerify("op_return backup", signer, expected, funding.Tx)
}

// Inscription holds the envelope committing to a payload and the key that
// both serves as taproot internal key and signs the reveal.
type Inscription struct {
	key     *btcec.PrivateKey
	payload []byte
	output  *descriptor.Tapscript
}

// NewInscription commits payload to a single leaf tapscript under key.
func NewInscription(key *btcec.PrivateKey, payload []byte) (*Inscription, error) {
	script, err := InscriptionScript(schnorr.SerializePubKey(key.PubKey()), ContentType, payload)
	if err != nil {
		return nil, err
	}
	if want := sizes.InscriptionScriptLen(len(ContentType), len(payload)); len(script) != want {
		return nil, fmt.Errorf("%w: inscription script is %d bytes, expected %d", sizes.ErrSizeMismatch, len(script), want)
	}
	output, err := descriptor.NewTapscript(key.PubKey(), script)
	if err != nil {
		return nil, err
	}
	return &Inscription{key: key, payload: payload, output: output}, nil
}

// Output is the commit output.
func (i *Inscription) Output() *descriptor.Tapscript {
	return i.output
}

// RevealVSize is the vsize of a reveal paying to a script of destScriptLen.
func (i *Inscription) RevealVSize(destScriptLen int) int {
	return sizes.InscriptionReveal(len(ContentType), len(i.payload), destScriptLen).VSizes().Max()
}

// BuildInscriptionCommitTx spends funding into the commit output holding
// commitValue. The remainder of funding goes to fees.
func BuildInscriptionCommitTx(funding Funding, inscription *Inscription, commitValue int64, version int32, signer descriptor.Signer) (*wire.MsgTx, error) {
	if commitValue > funding.Value() {
		return nil, fmt.Errorf("commit value %d exceeds funding value %d", commitValue, funding.Value())
	}
	inputShape, err := funding.Output.InputShape()
	if err != nil {
		return nil, err
	}
	b, err := descriptor.NewTxBuilder(version)
	if err != nil {
		return nil, err
	}
	if err := b.AddInput(funding.Output, funding.Tx, funding.Vout); err != nil {
		return nil, err
	}
	if err := b.AddOutput(inscription.output, commitValue); err != nil {
		return nil, err
	}
	expected := sizes.InscriptionCommit(inputShape).VSizes()
	return b.SignAndVerify("inscription commit", signer, expected, funding.Tx)
}

// BuildInscriptionRevealTx spends output 0 of commitTx through the
// inscription leaf, paying value to dest.
func BuildInscriptionRevealTx(commitTx *wire.MsgTx, inscription *Inscription, dest descriptor.Output, value int64, version int32) (*wire.MsgTx, error) {
	b, err := descriptor.NewTxBuilder(version)
	if err != nil {
		return nil, err
	}
	if err := b.AddInput(inscription.output, commitTx, 0); err != nil {
		return nil, err
	}
	if err := b.AddOutput(dest, value); err != nil {
		return nil, err
	}
	expected := sizes.InscriptionReveal(len(ContentType), len(inscription.payload), len(dest.Script())).VSizes()
	return b.SignAndVerify("inscription reveal", descriptor.NewKeySigner(inscription.key), expected, commitTx)
}
