// Package recovery rebuilds the trigger and panic transactions of a vault
// from chain data, the backup output descriptor and the wallet seed.
//
// The backup output is found through its script history. Its spend carries
// the payload either in an OP_RETURN output or, for inscriptions, in the
// witness of the transaction spending the commit output.
package recovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/lightsparkdev/rewind/chain"
	"github.com/lightsparkdev/rewind/common"
	"github.com/lightsparkdev/rewind/common/logging"
	"github.com/lightsparkdev/rewind/common/retry"
	"github.com/lightsparkdev/rewind/spendcache"
	"github.com/lightsparkdev/rewind/vault/backup"
	"github.com/lightsparkdev/rewind/vault/cipher"
	"github.com/lightsparkdev/rewind/vault/descriptor"
)

var (
	ErrNoHistory          = errors.New("backup output has no history")
	ErrFundingTxNotFound  = errors.New("no transaction in the history pays the backup output")
	ErrSpendNotFound      = errors.New("backup output spend not found")
	ErrPayloadNotFound    = errors.New("backup payload not found")
	ErrInvalidTransaction = errors.New("backup holds an invalid transaction")
	ErrUnsupportedVersion = errors.New("unsupported backup entry version")
)

// Path is the delivery channel a backup was found through.
type Path string

const (
	PathOpReturn    Path = "op_return"
	PathInscription Path = "inscription"
)

// Result is a recovered backup.
type Result struct {
	TriggerTx *wire.MsgTx
	PanicTx   *wire.MsgTx

	Path Path
	// FundingOutpoint is the backup output that was found.
	FundingOutpoint wire.OutPoint
	// BackupTx spends the backup output.
	BackupTx *wire.MsgTx
	// RevealTx is set for inscriptions.
	RevealTx *wire.MsgTx
}

// Recoverer finds backups through an Explorer. Spends are cached once
// irreversible.
type Recoverer struct {
	explorer chain.Explorer
	cache    spendcache.Cache
	policy   retry.Policy
	cipher   *cipher.Manager
}

// NewRecoverer returns a Recoverer decrypting with manager. A nil cache
// gives the Recoverer its own memory cache.
func NewRecoverer(manager *cipher.Manager, explorer chain.Explorer, cache spendcache.Cache, policy retry.Policy) *Recoverer {
	if cache == nil {
		cache = spendcache.NewMemory()
	}
	return &Recoverer{explorer: explorer, cache: cache, policy: policy, cipher: manager}
}

// RecoverFromSeed derives the backup keys from seed.
func RecoverFromSeed(seed []byte, params *chaincfg.Params, explorer chain.Explorer, cache spendcache.Cache, policy retry.Policy) (*Recoverer, error) {
	manager, err := cipher.NewManager(seed, params)
	if err != nil {
		return nil, err
	}
	return NewRecoverer(manager, explorer, cache, policy), nil
}

type spentOutput struct {
	outpoint wire.OutPoint
	tx       *wire.MsgTx
}

// Recover locates the backup paid to backupOutput and decrypts it with the
// key of vaultIndex.
func (r *Recoverer) Recover(ctx context.Context, backupOutput descriptor.Output, vaultIndex uint32) (*Result, error) {
	ctx, logger := logging.WithAttrs(ctx,
		zap.Stringer("recovery_session", uuid.New()),
		zap.Uint32("vault_index", vaultIndex),
	)
	result, err := r.recover(ctx, backupOutput.Script(), vaultIndex)
	if err != nil {
		logger.Warn("recovery failed", zap.Error(err))
		recoveryAttemptsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
		return nil, err
	}
	recoveryAttemptsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", "ok"),
		attribute.String("path", string(result.Path)),
	))
	logger.Info("recovered vault backup",
		zap.String("path", string(result.Path)),
		zap.Stringer("funding_outpoint", result.FundingOutpoint),
		zap.String("trigger_txid", result.TriggerTx.TxID()),
		zap.String("panic_txid", result.PanicTx.TxID()),
	)
	return result, nil
}

func (r *Recoverer) recover(ctx context.Context, pkScript []byte, vaultIndex uint32) (*Result, error) {
	candidates, err := r.fundingOutpoints(ctx, pkScript)
	if err != nil {
		return nil, err
	}
	return retry.Do(ctx, "find backup payload", r.policy, func(ctx context.Context) (*Result, error) {
		return r.scan(ctx, candidates, vaultIndex)
	})
}

// scan checks every spent candidate once, in history order. Spends without a
// payload, or with one that does not open under the vault key, belong to
// other uses of the output and are skipped. The error of the last skipped one
// is returned so the caller retries until the backup shows up.
func (r *Recoverer) scan(ctx context.Context, candidates []wire.OutPoint, vaultIndex uint32) (*Result, error) {
	logger := logging.GetLoggerFromContext(ctx)

	var spends []spentOutput
	for _, outpoint := range candidates {
		tx, err := r.spendOf(ctx, outpoint)
		if err != nil {
			return nil, err
		}
		if tx != nil {
			spends = append(spends, spentOutput{outpoint: outpoint, tx: tx})
		}
	}
	if len(spends) == 0 {
		return nil, fmt.Errorf("%w: %d outputs unspent", ErrSpendNotFound, len(candidates))
	}

	lastErr := fmt.Errorf("%w: checked %d spends of %d outputs", ErrPayloadNotFound, len(spends), len(candidates))
	for _, spent := range spends {
		result := &Result{FundingOutpoint: spent.outpoint, BackupTx: spent.tx}
		payload, ok := backup.ExtractOpReturnPayload(spent.tx)
		if ok {
			result.Path = PathOpReturn
		} else {
			reveal, err := r.findReveal(ctx, spent.tx)
			if err != nil {
				logger.Debug("spend carries no backup",
					zap.Stringer("outpoint", spent.outpoint),
					zap.String("spend_txid", spent.tx.TxID()),
					zap.Error(err),
				)
				if !errors.Is(err, errNotInscriptionCommit) {
					lastErr = err
				}
				continue
			}
			payload, result.Path, result.RevealTx = reveal.payload, PathInscription, reveal.tx
		}
		if err := r.open(vaultIndex, payload, result); err != nil {
			// Another vault backing up to the same output.
			if errors.Is(err, cipher.ErrAuthenticationFailure) {
				logger.Debug("backup payload does not open",
					zap.Stringer("outpoint", spent.outpoint),
					zap.String("spend_txid", spent.tx.TxID()),
				)
				lastErr = err
				continue
			}
			return nil, retry.Permanent(err)
		}
		return result, nil
	}
	return nil, lastErr
}

// fundingOutpoints returns the outputs paying pkScript in its history.
func (r *Recoverer) fundingOutpoints(ctx context.Context, pkScript []byte) ([]wire.OutPoint, error) {
	history, err := retry.Do(ctx, "fetch backup history", r.policy, func(ctx context.Context) ([]chain.TxHistory, error) {
		history, err := r.explorer.FetchTxHistory(ctx, pkScript)
		if err != nil {
			return nil, err
		}
		if len(history) == 0 {
			return nil, fmt.Errorf("%w: script hash %s", ErrNoHistory, chain.ScriptHash(pkScript))
		}
		return history, nil
	})
	if err != nil {
		return nil, err
	}

	var outpoints []wire.OutPoint
	for _, item := range history {
		tx, err := chain.WaitForTx(ctx, r.explorer, item.TxID, r.policy)
		if err != nil {
			return nil, err
		}
		for vout, out := range tx.TxOut {
			if bytes.Equal(out.PkScript, pkScript) {
				outpoints = append(outpoints, wire.OutPoint{Hash: item.TxID, Index: uint32(vout)})
			}
		}
	}
	if len(outpoints) == 0 {
		return nil, fmt.Errorf("%w: %d transactions checked", ErrFundingTxNotFound, len(history))
	}
	return outpoints, nil
}

// spendOf returns the transaction spending outpoint, or nil while unspent.
func (r *Recoverer) spendOf(ctx context.Context, outpoint wire.OutPoint) (*wire.MsgTx, error) {
	logger := logging.GetLoggerFromContext(ctx)

	tx, err := r.cache.Get(ctx, outpoint)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, spendcache.ErrMiss) {
		logger.Warn("spend cache lookup failed", zap.Stringer("outpoint", outpoint), zap.Error(err))
	}

	spend, err := r.explorer.FetchOutspend(ctx, outpoint)
	if err != nil {
		return nil, err
	}
	if !spend.Spent {
		return nil, nil
	}
	tx, err = r.explorer.FetchTx(ctx, spend.TxID)
	if err != nil {
		return nil, err
	}
	if spend.Irreversible {
		if err := r.cache.Put(ctx, outpoint, tx); err != nil {
			logger.Warn("failed to cache irreversible spend", zap.Stringer("outpoint", outpoint), zap.Error(err))
		}
	}
	return tx, nil
}

type reveal struct {
	tx      *wire.MsgTx
	payload []byte
}

var errNotInscriptionCommit = errors.New("spend has no taproot outputs")

// findReveal follows the taproot outputs of commitTx to the transaction
// revealing an inscription. Each output is looked up once; the caller retries.
func (r *Recoverer) findReveal(ctx context.Context, commitTx *wire.MsgTx) (*reveal, error) {
	commitHash := commitTx.TxHash()
	var outpoints []wire.OutPoint
	for vout, out := range commitTx.TxOut {
		if txscript.IsPayToTaproot(out.PkScript) {
			outpoints = append(outpoints, wire.OutPoint{Hash: commitHash, Index: uint32(vout)})
		}
	}
	if len(outpoints) == 0 {
		return nil, errNotInscriptionCommit
	}

	spent := 0
	for _, outpoint := range outpoints {
		tx, err := r.spendOf(ctx, outpoint)
		if err != nil {
			return nil, err
		}
		if tx == nil {
			continue
		}
		spent++
		if payload, ok := backup.ExtractInscriptionPayload(tx); ok {
			return &reveal{tx: tx, payload: payload}, nil
		}
	}
	if spent == 0 {
		return nil, fmt.Errorf("%w: inscription reveal of %s: %w", ErrPayloadNotFound, commitHash, ErrSpendNotFound)
	}
	return nil, fmt.Errorf("%w: no inscription spends %s", ErrPayloadNotFound, commitHash)
}

// open decrypts payload and parses the transactions into result.
func (r *Recoverer) open(vaultIndex uint32, payload []byte, result *Result) error {
	key, err := r.cipher.Key(vaultIndex)
	if err != nil {
		return err
	}
	entry, err := backup.Open(key, payload)
	if err != nil {
		return err
	}
	if entry.Version != backup.EntryVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, entry.Version)
	}
	if result.TriggerTx, err = parseTx("trigger", entry.TriggerTx); err != nil {
		return err
	}
	if result.PanicTx, err = parseTx("panic", entry.PanicTx); err != nil {
		return err
	}
	return nil
}

func parseTx(role string, raw []byte) (*wire.MsgTx, error) {
	tx, err := common.TxFromRawTxBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidTransaction, role, err)
	}
	if err := common.ValidateBitcoinTxVersion(tx); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidTransaction, role, err)
	}
	return tx, nil
}
