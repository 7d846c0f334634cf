package vault

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/lightsparkdev/rewind/chain"
	"github.com/lightsparkdev/rewind/common/logging"
	"github.com/lightsparkdev/rewind/common/retry"
)

type publishOptions struct {
	irreversible bool
}

// PublishOption changes what Publish waits for.
type PublishOption func(*publishOptions)

// WaitIrreversible makes Publish return only once the transaction spending
// the backup output is irreversible. Each policy attempt is one explorer
// poll, so policy must cover the confirmation depth.
func WaitIrreversible() PublishOption {
	return func(o *publishOptions) { o.irreversible = true }
}

// Publish broadcasts the vault transaction and its backup, then waits until
// the explorer indexes every one of them. TRUC vaults pay no fee of their own
// and go out as a package with the backup child.
func Publish(ctx context.Context, v *Vault, bk *Backup, broadcaster chain.Broadcaster, explorer chain.Explorer, policy retry.Policy, opts ...PublishOption) error {
	logger := logging.GetLoggerFromContext(ctx)
	var options publishOptions
	for _, opt := range opts {
		opt(&options)
	}
	txs := append([]*wire.MsgTx{v.VaultTx}, bk.Txs()...)

	if v.BackupType == OpReturnTRUC {
		packages, ok := broadcaster.(chain.PackageBroadcaster)
		if !ok {
			return fmt.Errorf("%s vault: %w", v.BackupType, chain.ErrPackageRelayUnsupported)
		}
		if err := packages.SubmitPackage(ctx, txs); err != nil {
			return fmt.Errorf("failed to submit vault package: %w", err)
		}
		for _, tx := range txs {
			if _, err := chain.WaitForTx(ctx, explorer, tx.TxHash(), policy); err != nil {
				return err
			}
		}
	} else {
		for _, tx := range txs {
			if err := broadcaster.Broadcast(ctx, tx); err != nil {
				return fmt.Errorf("failed to broadcast %s: %w", tx.TxID(), err)
			}
			if _, err := chain.WaitForTx(ctx, explorer, tx.TxHash(), policy); err != nil {
				return err
			}
		}
	}
	if _, err := chain.WaitForHistory(ctx, explorer, v.BackupOutput.Script(), txs[1].TxHash(), policy); err != nil {
		return err
	}
	if options.irreversible {
		item, err := chain.WaitForIrreversible(ctx, explorer, v.BackupOutput.Script(), txs[1].TxHash(), policy)
		if err != nil {
			return err
		}
		logger.Info("vault backup irreversible", zap.String("backup_txid", txs[1].TxID()), zap.Int64("height", item.BlockHeight))
	}
	logger.Info("published vault", zap.String("vault_txid", v.VaultTx.TxID()), zap.Int("txs", len(txs)))
	return nil
}
