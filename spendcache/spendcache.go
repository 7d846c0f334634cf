// Package spendcache remembers which transaction irreversibly spent an
// output, so recoveries do not rescan the chain for spends that can no longer
// change.
//
// Callers must only Put spends that are irreversible: a reorg can replace a
// shallow spend, and nothing here expires entries.
package spendcache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/wire"

	"github.com/lightsparkdev/rewind/common"
)

// ErrMiss is returned by Get for outputs with no cached spend.
var ErrMiss = errors.New("spend not cached")

// Cache maps an output to the transaction that spent it.
type Cache interface {
	Get(ctx context.Context, outpoint wire.OutPoint) (*wire.MsgTx, error)
	Put(ctx context.Context, outpoint wire.OutPoint, spendingTx *wire.MsgTx) error
}

// Key is the cache key of outpoint, "<txid>:<vout>".
func Key(outpoint wire.OutPoint) string {
	return outpoint.String()
}

func encode(spendingTx *wire.MsgTx) ([]byte, error) {
	raw, err := common.SerializeTx(spendingTx)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize spending transaction: %w", err)
	}
	return raw, nil
}

func decode(outpoint wire.OutPoint, raw []byte) (*wire.MsgTx, error) {
	tx, err := common.TxFromRawTxBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("corrupt cache entry for %s: %w", outpoint, err)
	}
	return tx, nil
}

// Memory is a process-local Cache. The zero value is not usable; call
// NewMemory.
type Memory struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemory returns an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, outpoint wire.OutPoint) (*wire.MsgTx, error) {
	m.mu.RLock()
	raw, ok := m.entries[Key(outpoint)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrMiss
	}
	return decode(outpoint, raw)
}

func (m *Memory) Put(_ context.Context, outpoint wire.OutPoint, spendingTx *wire.MsgTx) error {
	raw, err := encode(spendingTx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[Key(outpoint)] = raw
	return nil
}

// Len returns the number of cached spends.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
