// Package vault builds vaults: a funding transaction paying a single-use
// vault output and a backup output, a pre-signed zero-fee trigger moving the
// vault into the panic-or-unvault policy, and a pre-signed panic sweep to a
// cold output. The trigger and panic transactions are then backed up on
// chain, encrypted, through the spend of the backup output.
package vault

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/lightsparkdev/rewind/common/keys"
	"github.com/lightsparkdev/rewind/common/logging"
	"github.com/lightsparkdev/rewind/vault/cipher"
	"github.com/lightsparkdev/rewind/vault/descriptor"
	"github.com/lightsparkdev/rewind/vault/sizes"
)

// Builder creates vaults and their backups for one wallet seed.
type Builder struct {
	keyring *keys.Keyring
	cipher  *cipher.Manager
}

// NewBuilder derives backup and inscription keys from seed.
func NewBuilder(seed []byte, params *chaincfg.Params) (*Builder, error) {
	keyring, err := keys.NewKeyring(seed, params)
	if err != nil {
		return nil, err
	}
	return NewBuilderFromKeyring(keyring), nil
}

// NewBuilderFromKeyring shares keyring with the caller.
func NewBuilderFromKeyring(keyring *keys.Keyring) *Builder {
	return &Builder{keyring: keyring, cipher: cipher.NewManagerFromKeyring(keyring)}
}

// Params returns the network the builder derives keys for.
func (b *Builder) Params() *chaincfg.Params {
	return b.keyring.Params()
}

// Vault is a funded vault with its pre-signed trigger and panic.
type Vault struct {
	Index      uint32
	BackupType BackupType
	FeeRate    float64

	Trigger      *descriptor.Trigger
	ColdOutput   descriptor.Output
	BackupOutput descriptor.Output
	ChangeOutput descriptor.Output

	VaultTx   *wire.MsgTx
	TriggerTx *wire.MsgTx
	PanicTx   *wire.MsgTx

	VaultValue  int64
	BackupValue int64
	Fee         int64
}

// BackupOutpoint is the output whose spend carries the backup.
func (v *Vault) BackupOutpoint() wire.OutPoint {
	return wire.OutPoint{Hash: v.VaultTx.TxHash(), Index: 1}
}

func outputScriptLens(outputs []descriptor.Output) []int {
	lens := make([]int, 0, len(outputs))
	for _, out := range outputs {
		lens = append(lens, len(out.Script()))
	}
	return lens
}

// Create builds and signs the vault, trigger and panic transactions from a
// sized context. signer signs the selected utxos; nil signs with the keys the
// utxo outputs carry. The single-use vault and panic keys are zeroed
// afterwards, whatever the result, so a Context is good for one call; later
// calls return ErrContextConsumed.
func (b *Builder) Create(ctx context.Context, vc *Context, signer descriptor.Signer) (*Vault, error) {
	if vc.VaultKey.Key.IsZero() || vc.PanicKey.Key.IsZero() {
		return nil, ErrContextConsumed
	}
	defer vc.VaultKey.Zero()
	defer vc.PanicKey.Zero()

	req := vc.Request
	ctx, logger := logging.WithAttrs(ctx,
		zap.String("backup_type", string(req.BackupType)),
		zap.Uint32("vault_index", req.VaultIndex),
	)

	vaultTx, err := b.buildVaultTx(vc, signer)
	if err != nil {
		return nil, err
	}

	trigger, err := descriptor.NewTrigger(vc.PanicKey.PubKey(), req.UnvaultKey, req.LockBlocks)
	if err != nil {
		return nil, err
	}
	triggerTx, err := buildZeroFeeSpend(
		"trigger", vc.VaultOutput, vaultTx, 0, trigger,
		descriptor.NewKeySigner(vc.VaultKey), sizes.Trigger().VSizes(),
	)
	if err != nil {
		return nil, err
	}
	panicTx, err := buildZeroFeeSpend(
		"panic", trigger.WithBranch(descriptor.PanicBranch), triggerTx, 0, req.ColdOutput,
		descriptor.NewKeySigner(vc.PanicKey), sizes.Panic(req.LockBlocks, len(req.ColdOutput.Script())).VSizes(),
	)
	if err != nil {
		return nil, err
	}

	v := &Vault{
		Index:        req.VaultIndex,
		BackupType:   req.BackupType,
		FeeRate:      req.FeeRate,
		Trigger:      trigger,
		ColdOutput:   req.ColdOutput,
		BackupOutput: req.BackupOutput,
		ChangeOutput: req.ChangeOutput,
		VaultTx:      vaultTx,
		TriggerTx:    triggerTx,
		PanicTx:      panicTx,
		VaultValue:   vc.VaultValue(),
		BackupValue:  vc.BackupValue,
		Fee:          vc.Fee(),
	}
	vaultCreatedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("backup_type", string(req.BackupType))))
	logger.Info("created vault",
		zap.String("vault_txid", vaultTx.TxID()),
		zap.String("trigger_txid", triggerTx.TxID()),
		zap.String("panic_txid", panicTx.TxID()),
		zap.Int64("vault_value", v.VaultValue),
	)
	return v, nil
}

func (b *Builder) buildVaultTx(vc *Context, signer descriptor.Signer) (*wire.MsgTx, error) {
	selection := vc.Selection
	tb, err := descriptor.NewTxBuilder(vc.Request.BackupType.TxVersion())
	if err != nil {
		return nil, err
	}

	inputShapes := make([]sizes.Input, 0, len(selection.Utxos))
	prevTxs := make([]*wire.MsgTx, 0, len(selection.Utxos))
	outputs := make([]descriptor.Output, 0, len(selection.Utxos))
	var inputTotal int64
	for _, utxo := range selection.Utxos {
		shape, err := utxo.Output.InputShape()
		if err != nil {
			return nil, err
		}
		if err := tb.AddInput(utxo.Output, utxo.Tx, utxo.Vout); err != nil {
			return nil, err
		}
		inputShapes = append(inputShapes, shape)
		prevTxs = append(prevTxs, utxo.Tx)
		outputs = append(outputs, utxo.Output)
		inputTotal += utxo.Value
	}

	targetOutputs := make([]descriptor.Output, 0, len(selection.Targets))
	var outputTotal int64
	for _, target := range selection.Targets {
		if err := tb.AddOutput(target.Output, target.Value); err != nil {
			return nil, err
		}
		targetOutputs = append(targetOutputs, target.Output)
		outputTotal += target.Value
	}
	if fee := inputTotal - outputTotal; fee != selection.Fee {
		return nil, fmt.Errorf("vault transaction pays %d in fees, selection planned %d", fee, selection.Fee)
	}

	if signer == nil {
		signer = descriptor.SignerFor(outputs...)
	}
	expected := sizes.Vault(inputShapes, outputScriptLens(targetOutputs)...).VSizes()
	return tb.SignAndVerify("vault", signer, expected, prevTxs...)
}

// buildZeroFeeSpend spends prevTx:vout, paying its whole value to dest next
// to a zero-value anchor for later fee bumping.
func buildZeroFeeSpend(role string, in descriptor.Output, prevTx *wire.MsgTx, vout uint32, dest descriptor.Output, signer descriptor.Signer, expected sizes.Set) (*wire.MsgTx, error) {
	tb, err := descriptor.NewTxBuilder(3)
	if err != nil {
		return nil, err
	}
	if err := tb.AddInput(in, prevTx, vout); err != nil {
		return nil, err
	}
	if err := tb.AddOutput(dest, prevTx.TxOut[vout].Value); err != nil {
		return nil, err
	}
	if err := tb.AddOutput(descriptor.NewAnchor(), 0); err != nil {
		return nil, err
	}
	return tb.SignAndVerify(role, signer, expected, prevTx)
}

// SpendUnvault builds the cooperative spend of the trigger output once its
// relative lock has expired. Like the panic it pays no fee and carries an
// anchor.
func SpendUnvault(trigger *descriptor.Trigger, triggerTx *wire.MsgTx, unvaultKey *btcec.PrivateKey, dest descriptor.Output) (*wire.MsgTx, error) {
	return buildZeroFeeSpend(
		"unvault", trigger.WithBranch(descriptor.UnvaultBranch), triggerTx, 0, dest,
		descriptor.NewKeySigner(unvaultKey), sizes.Unvault(trigger.LockBlocks, len(dest.Script())).VSizes(),
	)
}
