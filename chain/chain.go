// Package chain talks to the Bitcoin chain index and to the nodes vault
// transactions are relayed through.
package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/lightsparkdev/rewind/common/logging"
	"github.com/lightsparkdev/rewind/common/retry"
)

var (
	// ErrTxNotFound is returned when the index does not know a transaction.
	ErrTxNotFound = errors.New("transaction not found")
	// ErrNotIndexed is returned while a transaction is missing from a history.
	ErrNotIndexed = errors.New("transaction not indexed yet")
	// ErrNotIrreversible is returned while a transaction is not deep enough.
	ErrNotIrreversible = errors.New("transaction not irreversible yet")
	// ErrPackageRelayUnsupported is returned by broadcasters that can only
	// relay single transactions.
	ErrPackageRelayUnsupported = errors.New("package relay not supported")
)

// TxHistory is one transaction touching a script.
type TxHistory struct {
	TxID        chainhash.Hash
	Confirmed   bool
	BlockHeight int64
	// Irreversible is set once the transaction is buried deep enough that a
	// reorg is not expected to undo it.
	Irreversible bool
}

// Outspend describes whether, and by what, an output is spent.
type Outspend struct {
	Spent        bool
	TxID         chainhash.Hash
	Vin          uint32
	Confirmed    bool
	BlockHeight  int64
	Irreversible bool
}

// Explorer is a read view of an address index.
type Explorer interface {
	// FetchTxHistory returns every transaction paying to or spending from
	// pkScript, confirmed ones first by ascending height.
	FetchTxHistory(ctx context.Context, pkScript []byte) ([]TxHistory, error)
	// FetchTx returns ErrTxNotFound for unknown transactions.
	FetchTx(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error)
	FetchOutspend(ctx context.Context, outpoint wire.OutPoint) (*Outspend, error)
}

// Broadcaster relays single transactions.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx *wire.MsgTx) error
}

// PackageBroadcaster also relays a child together with its zero-fee parent.
type PackageBroadcaster interface {
	Broadcaster
	SubmitPackage(ctx context.Context, txs []*wire.MsgTx) error
}

// ScriptHash is the electrum-style index key of pkScript: its sha256 in
// reversed byte order, hex encoded.
func ScriptHash(pkScript []byte) string {
	hash := sha256.Sum256(pkScript)
	slices.Reverse(hash[:])
	return hex.EncodeToString(hash[:])
}

// SortHistory orders confirmed transactions by height and puts unconfirmed
// ones last. Ties keep their order.
func SortHistory(history []TxHistory) {
	slices.SortStableFunc(history, func(a, b TxHistory) int {
		switch {
		case a.Confirmed && !b.Confirmed:
			return -1
		case !a.Confirmed && b.Confirmed:
			return 1
		case a.BlockHeight < b.BlockHeight:
			return -1
		case a.BlockHeight > b.BlockHeight:
			return 1
		default:
			return 0
		}
	})
}

// IsIrreversible reports whether a transaction confirmed at height is at
// least depth blocks deep given the tip height.
func IsIrreversible(height, tip, depth int64) bool {
	return height > 0 && tip-height+1 >= depth
}

// WaitForTx waits until the index returns txid.
func WaitForTx(ctx context.Context, explorer Explorer, txid chainhash.Hash, policy retry.Policy) (*wire.MsgTx, error) {
	return retry.Do(ctx, "wait for tx "+txid.String(), policy, func(ctx context.Context) (*wire.MsgTx, error) {
		return explorer.FetchTx(ctx, txid)
	})
}

// WaitForHistory waits until txid shows up in the history of pkScript.
func WaitForHistory(ctx context.Context, explorer Explorer, pkScript []byte, txid chainhash.Hash, policy retry.Policy) (*TxHistory, error) {
	return retry.Do(ctx, "wait for history of "+txid.String(), policy, func(ctx context.Context) (*TxHistory, error) {
		return findInHistory(ctx, explorer, pkScript, txid)
	})
}

// WaitForIrreversible waits until txid is irreversible in the history of
// pkScript.
func WaitForIrreversible(ctx context.Context, explorer Explorer, pkScript []byte, txid chainhash.Hash, policy retry.Policy) (*TxHistory, error) {
	logger := logging.GetLoggerFromContext(ctx)
	return retry.Do(ctx, "wait for irreversible "+txid.String(), policy, func(ctx context.Context) (*TxHistory, error) {
		item, err := findInHistory(ctx, explorer, pkScript, txid)
		if err != nil {
			return nil, err
		}
		if !item.Irreversible {
			logger.Debug("transaction not irreversible yet",
				zap.Stringer("txid", txid),
				zap.Bool("confirmed", item.Confirmed),
				zap.Int64("height", item.BlockHeight),
			)
			return nil, fmt.Errorf("%w: %s", ErrNotIrreversible, txid)
		}
		return item, nil
	})
}

func findInHistory(ctx context.Context, explorer Explorer, pkScript []byte, txid chainhash.Hash) (*TxHistory, error) {
	history, err := explorer.FetchTxHistory(ctx, pkScript)
	if err != nil {
		return nil, err
	}
	for _, item := range history {
		if item.TxID == txid {
			return &item, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotIndexed, txid)
}
