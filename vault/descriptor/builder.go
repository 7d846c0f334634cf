package descriptor

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"

	"github.com/lightsparkdev/rewind/common"
	"github.com/lightsparkdev/rewind/vault/sizes"
)

// TxBuilder pairs a packet with the finalizers of its inputs.
type TxBuilder struct {
	Packet     *psbt.Packet
	finalizers []Finalizer
}

// NewTxBuilder starts an empty transaction of the given version.
func NewTxBuilder(version int32) (*TxBuilder, error) {
	packet, err := NewPacket(version)
	if err != nil {
		return nil, err
	}
	return &TxBuilder{Packet: packet}, nil
}

// AddInput spends prevTx:vout, which must pay to out.
func (b *TxBuilder) AddInput(out Output, prevTx *wire.MsgTx, vout uint32) error {
	finalizer, err := out.UpdatePsbtAsInput(b.Packet, prevTx, vout)
	if err != nil {
		return err
	}
	b.finalizers = append(b.finalizers, finalizer)
	return nil
}

// AddOutput pays value to out.
func (b *TxBuilder) AddOutput(out Output, value int64) error {
	return out.UpdatePsbtAsOutput(b.Packet, value)
}

// SignAndFinalize signs with signer and extracts the final transaction.
func (b *TxBuilder) SignAndFinalize(signer Signer) (*wire.MsgTx, error) {
	if err := signer.SignPsbt(b.Packet); err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return Finalize(b.Packet, b.finalizers)
}

// SignAndVerify signs and finalizes, then checks the vsize against expected
// and runs every input through the script engine. prevTxs must hold every
// transaction the inputs spend.
func (b *TxBuilder) SignAndVerify(role string, signer Signer, expected sizes.Set, prevTxs ...*wire.MsgTx) (*wire.MsgTx, error) {
	tx, err := b.SignAndFinalize(signer)
	if err != nil {
		return nil, fmt.Errorf("%s transaction: %w", role, err)
	}
	if err := sizes.Check(role, expected, common.VirtualSize(tx)); err != nil {
		return nil, err
	}
	fetcher, err := common.PrevOutputFetcher(tx, prevTxs...)
	if err != nil {
		return nil, err
	}
	if err := common.VerifySignatureMultiInput(tx, fetcher); err != nil {
		return nil, fmt.Errorf("%s transaction failed script verification: %w", role, err)
	}
	return tx, nil
}
