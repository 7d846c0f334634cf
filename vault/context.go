package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"lukechampine.com/frand"

	"github.com/lightsparkdev/rewind/common/logging"
	"github.com/lightsparkdev/rewind/vault/backup"
	"github.com/lightsparkdev/rewind/vault/coinselect"
	"github.com/lightsparkdev/rewind/vault/descriptor"
	"github.com/lightsparkdev/rewind/vault/sizes"
)

// ErrMissingTarget is returned when coin selection drops the vault or backup
// target.
var ErrMissingTarget = errors.New("coin selection result is missing a target")

// ErrContextConsumed is returned by Create for a Context whose single-use keys
// were already zeroed by an earlier call.
var ErrContextConsumed = errors.New("vault context already consumed")

// TriggerLens are the possible serialized trigger lengths.
func TriggerLens() sizes.Set {
	return sizes.Trigger().TotalSizes()
}

// PanicLens are the possible serialized panic lengths for p.
func PanicLens(p Params) sizes.Set {
	return sizes.Panic(p.LockBlocks, len(p.ColdOutput.Script())).TotalSizes()
}

// BackupVSizes are the possible vsizes of everything the backup output pays
// for: the OP_RETURN transaction, or the inscription commit and reveal.
func BackupVSizes(p Params) (sizes.Set, error) {
	backupInput, err := p.BackupOutput.InputShape()
	if err != nil {
		return nil, fmt.Errorf("backup output: %w", err)
	}
	triggerLens, panicLens := TriggerLens(), PanicLens(p)
	switch p.BackupType {
	case OpReturnTRUC, OpReturnV2:
		return sizes.OpReturnBackupVSizes(backupInput, triggerLens, panicLens), nil
	case Inscription:
		return sizes.InscriptionBackupVSizes(backupInput, len(backup.ContentType), len(p.ChangeOutput.Script()), triggerLens, panicLens), nil
	default:
		return nil, fmt.Errorf("invalid backup type: %s", p.BackupType)
	}
}

// RevealValue is what the inscription reveal pays to the change output: the
// smallest non-dust value.
func RevealValue(p Params) int64 {
	return coinselect.DustThreshold(p.ChangeOutput.Script()) + 1
}

// BackupCost is the value the backup output needs to pay for the backup at
// the worst case size. Inscriptions also carry the reveal output.
func BackupCost(p Params) (int64, error) {
	vsizes, err := BackupVSizes(p)
	if err != nil {
		return 0, err
	}
	cost := coinselect.Fee(vsizes.Max(), p.FeeRate)
	if p.BackupType == Inscription {
		cost += RevealValue(p)
	}
	return cost, nil
}

func newSingleUseKey() *btcec.PrivateKey {
	for {
		key, _ := btcec.PrivKeyFromBytes(frand.Bytes(32))
		if !key.Key.IsZero() {
			return key
		}
	}
}

func toCoinselect(utxos []UtxoData) ([]coinselect.Utxo, error) {
	out := make([]coinselect.Utxo, 0, len(utxos))
	for _, u := range utxos {
		if u.Tx == nil || int(u.Vout) >= len(u.Tx.TxOut) {
			return nil, fmt.Errorf("utxo %d:%d is not backed by its transaction", len(out), u.Vout)
		}
		out = append(out, coinselect.Utxo{Tx: u.Tx, Vout: u.Vout, Value: u.Value(), Output: u.Output})
	}
	return out, nil
}

// NewContext sizes a vault: it prices the backup, picks the inputs and, when
// asked, shifts the vault fee above the floor into the backup output.
// Insufficient funds and dust are reported in the Outcome, not as errors.
func (b *Builder) NewContext(ctx context.Context, req Request) (Outcome, error) {
	if err := req.validate(); err != nil {
		return Outcome{}, err
	}
	if req.UnvaultKey == nil {
		return Outcome{}, fmt.Errorf("%w: missing unvault key", descriptor.ErrInvalidPolicy)
	}
	ctx, logger := logging.WithAttrs(ctx,
		zap.String("backup_type", string(req.BackupType)),
		zap.Uint32("vault_index", req.VaultIndex),
	)

	outcome, err := sizeVault(req)
	if err != nil {
		return Outcome{}, err
	}
	if !outcome.OK() {
		logger.Info("vault sizing failed", zap.String("failure", string(outcome.Failure)), zap.String("detail", outcome.Detail))
		selectionFailureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("failure", string(outcome.Failure)),
			attribute.String("backup_type", string(req.BackupType)),
		))
		return outcome, nil
	}
	vc := outcome.Context
	logger.Info("sized vault",
		zap.Int64("vault_value", vc.VaultValue()),
		zap.Int64("backup_cost", vc.BackupCost),
		zap.Int64("backup_value", vc.BackupValue),
		zap.Int64("fee", vc.Fee()),
		zap.Int64("original_fee", vc.OriginalFee),
		zap.Int("inputs", len(vc.Selection.Utxos)),
		zap.Bool("change", vc.Selection.HasChange),
	)
	return outcome, nil
}

func sizeVault(req Request) (Outcome, error) {
	if len(req.Utxos) == 0 {
		return failed(FailureNoUtxos, "no utxos to fund the vault"), nil
	}

	cost, err := BackupCost(req.Params)
	if err != nil {
		return Outcome{}, err
	}
	if dust := coinselect.DustThreshold(req.BackupOutput.Script()); cost <= dust {
		return failed(FailureBackupBelowDust, "%s backup cost %d is at or below the dust threshold %d", req.BackupType, cost, dust), nil
	}

	vaultKey, panicKey := newSingleUseKey(), newSingleUseKey()
	vaultOutput, err := descriptor.NewWPKHFromPrivateKey(vaultKey)
	if err != nil {
		return Outcome{}, err
	}
	vaultDust := coinselect.DustThreshold(vaultOutput.Script())

	utxos, err := toCoinselect(req.Utxos)
	if err != nil {
		return Outcome{}, err
	}
	backupTarget := coinselect.Target{Output: req.BackupOutput, Value: cost}

	var result *coinselect.Result
	if req.VaultedAmount == Maximize {
		result, err = coinselect.MaxFunds(utxos, []coinselect.Target{backupTarget}, vaultOutput, req.FeeRate)
		if errors.Is(err, coinselect.ErrNoSolution) {
			return failed(FailureCoinSelect, "%v", err), nil
		}
		if err != nil {
			return Outcome{}, err
		}
		if value := result.Targets[0].Value; value <= vaultDust {
			return failed(FailureVaultBelowDust, "vault output %d is at or below the dust threshold %d", value, vaultDust), nil
		}
	} else {
		if req.VaultedAmount <= vaultDust {
			return failed(FailureVaultBelowDust, "vault output %d is at or below the dust threshold %d", req.VaultedAmount, vaultDust), nil
		}
		vaultTarget := coinselect.Target{Output: vaultOutput, Value: req.VaultedAmount}
		result, err = coinselect.Select(utxos, []coinselect.Target{vaultTarget, backupTarget}, req.ChangeOutput, req.FeeRate)
		if errors.Is(err, coinselect.ErrNoSolution) {
			return failed(FailureCoinSelect, "%v", err), nil
		}
		if err != nil {
			return Outcome{}, err
		}
	}
	if err := checkTargets(result, vaultOutput, req.BackupOutput); err != nil {
		return Outcome{}, err
	}

	vc := &Context{
		Request:     req,
		VaultKey:    vaultKey,
		PanicKey:    panicKey,
		VaultOutput: vaultOutput,
		BackupCost:  cost,
		BackupValue: cost,
		OriginalFee: result.Fee,
		Selection:   result,
	}
	if req.FeeShift {
		shiftFee(vc)
	}
	return Outcome{Context: vc}, nil
}

func checkTargets(result *coinselect.Result, vaultOutput, backupOutput descriptor.Output) error {
	if len(result.Targets) < 2 {
		return fmt.Errorf("%w: got %d targets", ErrMissingTarget, len(result.Targets))
	}
	if !bytes.Equal(result.Targets[0].Output.Script(), vaultOutput.Script()) {
		return fmt.Errorf("%w: target 0 is not the vault output", ErrMissingTarget)
	}
	if !bytes.Equal(result.Targets[1].Output.Script(), backupOutput.Script()) {
		return fmt.Errorf("%w: target 1 is not the backup output", ErrMissingTarget)
	}
	return nil
}

// shiftFee lowers the vault fee to the floor of its backup type and adds the
// difference to the backup output.
func shiftFee(vc *Context) {
	floor := coinselect.Fee(vc.Selection.VSize, vc.Request.BackupType.FloorFeeRate())
	excess := vc.Selection.Fee - floor
	if excess <= 0 {
		return
	}
	vc.BackupValue += excess
	vc.Selection.Targets[1].Value = vc.BackupValue
	vc.Selection.Fee = floor
}
