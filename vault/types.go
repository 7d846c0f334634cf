package vault

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"

	"github.com/lightsparkdev/rewind/common"
	"github.com/lightsparkdev/rewind/vault/coinselect"
	"github.com/lightsparkdev/rewind/vault/descriptor"
)

// BackupType selects how the trigger and panic backup reaches the chain.
type BackupType string

const (
	// OpReturnTRUC spends the backup output into an OP_RETURN in a v3 child
	// relayed as a package with a zero-fee vault transaction.
	OpReturnTRUC BackupType = "OP_RETURN_TRUC"
	// OpReturnV2 spends the backup output into an OP_RETURN in a v2
	// transaction.
	OpReturnV2 BackupType = "OP_RETURN_V2"
	// Inscription commits the backup to a taproot leaf and reveals it in a
	// second transaction.
	Inscription BackupType = "INSCRIPTION"
)

// MinRelayFeeRate is the lowest fee rate, in sat/vB, a non-TRUC vault
// transaction pays when fees are shifted to the backup output.
const MinRelayFeeRate = 0.1

// Values returns the values for the BackupType type.
func (BackupType) Values() []string {
	return []string{string(OpReturnTRUC), string(OpReturnV2), string(Inscription)}
}

// ParseBackupType parses a backup type name, ignoring case.
func ParseBackupType(s string) (BackupType, error) {
	switch t := BackupType(strings.ToUpper(s)); t {
	case OpReturnTRUC, OpReturnV2, Inscription:
		return t, nil
	default:
		return "", fmt.Errorf("invalid backup type: %s", s)
	}
}

// TxVersion is the version of the vault and backup transactions.
func (t BackupType) TxVersion() int32 {
	if t == OpReturnTRUC {
		return 3
	}
	return 2
}

// FloorFeeRate is the fee rate the vault transaction keeps after a fee shift.
// A TRUC vault transaction can rely on its child and pay nothing.
func (t BackupType) FloorFeeRate() float64 {
	if t == OpReturnTRUC {
		return 0
	}
	return MinRelayFeeRate
}

// Maximize requests a vault output holding everything left after the backup
// output and fees.
const Maximize int64 = -1

// Failure is an expected reason vault sizing can fail. Callers branch on it.
type Failure string

const (
	FailureNoUtxos         Failure = "NO_UTXOS"
	FailureVaultBelowDust  Failure = "VAULT_OUT_BELOW_DUST_LIMIT"
	FailureBackupBelowDust Failure = "BACKUP_OUT_BELOW_DUST_LIMIT"
	FailureCoinSelect      Failure = "COINSELECT_FAILED"
)

// Outcome holds either a Context or a Failure with a human readable Detail.
type Outcome struct {
	Context *Context
	Failure Failure
	Detail  string
}

// OK reports whether sizing succeeded.
func (o Outcome) OK() bool {
	return o.Context != nil
}

func failed(failure Failure, format string, args ...any) Outcome {
	return Outcome{Failure: failure, Detail: fmt.Sprintf(format, args...)}
}

// UtxoData is a spendable wallet output.
type UtxoData struct {
	Tx     *wire.MsgTx
	TxHex  string
	Vout   uint32
	Output descriptor.Output
}

// NewUtxoData parses txHex and checks that output vout pays to out.
func NewUtxoData(txHex string, vout uint32, out descriptor.Output) (UtxoData, error) {
	tx, err := common.TxFromRawTxHex(txHex)
	if err != nil {
		return UtxoData{}, fmt.Errorf("failed to parse utxo transaction: %w", err)
	}
	if int(vout) >= len(tx.TxOut) {
		return UtxoData{}, fmt.Errorf("transaction %s has no output %d", tx.TxHash(), vout)
	}
	if !bytes.Equal(tx.TxOut[vout].PkScript, out.Script()) {
		return UtxoData{}, fmt.Errorf("output %d of %s does not pay to the given descriptor", vout, tx.TxHash())
	}
	return UtxoData{Tx: tx, TxHex: txHex, Vout: vout, Output: out}, nil
}

// Value is the amount of the output.
func (u UtxoData) Value() int64 {
	return u.Tx.TxOut[u.Vout].Value
}

// Params are the vault settings shared by sizing and backup cost.
type Params struct {
	BackupType BackupType
	// FeeRate is in sat/vB.
	FeeRate    float64
	LockBlocks int64
	// ColdOutput receives the funds on panic.
	ColdOutput descriptor.Output
	// BackupOutput is the wallet output whose spend carries the backup.
	BackupOutput descriptor.Output
	// ChangeOutput receives vault change and the inscription reveal output.
	ChangeOutput descriptor.Output
}

func (p Params) validate() error {
	switch {
	case p.FeeRate < 0:
		return fmt.Errorf("negative fee rate %v", p.FeeRate)
	case p.ColdOutput == nil || p.BackupOutput == nil || p.ChangeOutput == nil:
		return fmt.Errorf("cold, backup and change outputs are required")
	case p.LockBlocks < 1 || p.LockBlocks > descriptor.MaxLockBlocks:
		return fmt.Errorf("%w: relative lock of %d blocks", descriptor.ErrInvalidPolicy, p.LockBlocks)
	}
	_, err := ParseBackupType(string(p.BackupType))
	return err
}

// Request asks for a new vault.
type Request struct {
	Params
	// VaultIndex selects the backup encryption key.
	VaultIndex uint32
	// VaultedAmount is the vault output value, or Maximize.
	VaultedAmount int64
	Utxos         []UtxoData
	// UnvaultKey authorizes the delayed cooperative spend.
	UnvaultKey *btcec.PublicKey
	// FeeShift moves the vault fee above the floor into the backup output.
	FeeShift bool
}

// Context is a sized vault, ready to be built.
type Context struct {
	Request Request

	// VaultKey and PanicKey are single-use; Create zeroes them even when it
	// fails. Size a new Context to retry.
	VaultKey    *btcec.PrivateKey
	PanicKey    *btcec.PrivateKey
	VaultOutput *descriptor.WPKH

	BackupCost int64
	// BackupValue is BackupCost plus any shifted fee.
	BackupValue int64
	// OriginalFee is the vault fee chosen by coin selection, before any shift.
	OriginalFee int64
	// Selection holds the final targets: vault, backup, then optional change.
	Selection *coinselect.Result
}

// VaultValue is the value of the vault output.
func (c *Context) VaultValue() int64 {
	return c.Selection.Targets[0].Value
}

// Fee is what the vault transaction pays.
func (c *Context) Fee() int64 {
	return c.Selection.Fee
}
