package vault

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/lightsparkdev/rewind/common"
	"github.com/lightsparkdev/rewind/common/keys"
	"github.com/lightsparkdev/rewind/common/logging"
	"github.com/lightsparkdev/rewind/vault/backup"
	"github.com/lightsparkdev/rewind/vault/coinselect"
	"github.com/lightsparkdev/rewind/vault/descriptor"
	"github.com/lightsparkdev/rewind/vault/sizes"
)

// Backup holds the transactions that put a vault backup on chain.
type Backup struct {
	Type    BackupType
	Payload []byte

	// OpReturnTx is set for the OP_RETURN backup types.
	OpReturnTx *wire.MsgTx
	// CommitTx and RevealTx are set for inscriptions.
	CommitTx *wire.MsgTx
	RevealTx *wire.MsgTx
}

// Txs returns the backup transactions in broadcast order.
func (b *Backup) Txs() []*wire.MsgTx {
	if b.OpReturnTx != nil {
		return []*wire.MsgTx{b.OpReturnTx}
	}
	return []*wire.MsgTx{b.CommitTx, b.RevealTx}
}

// BuildBackup encrypts the trigger and panic of v and builds the transactions
// that spend the backup output to publish them. signer signs the backup
// output; nil signs with the key BackupOutput carries.
func (b *Builder) BuildBackup(ctx context.Context, v *Vault, signer descriptor.Signer) (*Backup, error) {
	logger := logging.GetLoggerFromContext(ctx)

	triggerBytes, err := common.SerializeTx(v.TriggerTx)
	if err != nil {
		return nil, err
	}
	panicBytes, err := common.SerializeTx(v.PanicTx)
	if err != nil {
		return nil, err
	}
	key, err := b.cipher.Key(v.Index)
	if err != nil {
		return nil, err
	}
	payload, err := backup.Seal(key, triggerBytes, panicBytes)
	if err != nil {
		return nil, err
	}
	panicLens := sizes.Panic(v.Trigger.LockBlocks, len(v.ColdOutput.Script())).TotalSizes()
	if err := sizes.Check("backup payload", sizes.ContentLens(TriggerLens(), panicLens), len(payload)); err != nil {
		return nil, err
	}

	if signer == nil {
		signer = descriptor.SignerFor(v.BackupOutput)
	}
	funding := backup.Funding{Tx: v.VaultTx, Vout: 1, Output: v.BackupOutput}
	result := &Backup{Type: v.BackupType, Payload: payload}

	switch v.BackupType {
	case OpReturnTRUC, OpReturnV2:
		result.OpReturnTx, err = backup.BuildOpReturnTx(funding, payload, v.BackupType.TxVersion(), signer)
		if err != nil {
			return nil, err
		}
	case Inscription:
		inscriptionKey, err := b.keyring.PrivateKey(keys.PurposeInscription, v.Index)
		if err != nil {
			return nil, err
		}
		defer inscriptionKey.Zero()

		ins, err := backup.NewInscription(inscriptionKey, payload)
		if err != nil {
			return nil, err
		}
		revealValue := coinselect.DustThreshold(v.ChangeOutput.Script()) + 1
		commitValue := coinselect.Fee(ins.RevealVSize(len(v.ChangeOutput.Script())), v.FeeRate) + revealValue
		result.CommitTx, err = backup.BuildInscriptionCommitTx(funding, ins, commitValue, v.BackupType.TxVersion(), signer)
		if err != nil {
			return nil, err
		}
		result.RevealTx, err = backup.BuildInscriptionRevealTx(result.CommitTx, ins, v.ChangeOutput, revealValue, v.BackupType.TxVersion())
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("invalid backup type: %s", v.BackupType)
	}

	for _, tx := range result.Txs() {
		logger.Info("built backup transaction",
			zap.String("backup_type", string(v.BackupType)),
			zap.String("txid", tx.TxID()),
			zap.Int("vsize", common.VirtualSize(tx)),
		)
	}
	return result, nil
}
