// Package chaintest provides an in-memory chain implementing the chain
// interfaces, for tests that need a consistent view of blocks and spends.
package chaintest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/lightsparkdev/rewind/chain"
)

type entry struct {
	tx     *wire.MsgTx
	height int64
	// seq orders transactions within the same block and the mempool.
	seq int
}

// Chain is a single-branch chain plus a mempool. It is safe for concurrent
// use.
type Chain struct {
	mu                sync.Mutex
	txs               map[chainhash.Hash]*entry
	spends            map[wire.OutPoint]chainhash.Hash
	tip               int64
	seq               int
	irreversibleDepth int64

	// hidden counts the remaining lookups that must miss, per txid.
	hidden map[chainhash.Hash]int

	// Calls counts FetchTxHistory, FetchTx and FetchOutspend calls.
	Calls int
}

var (
	_ chain.Explorer           = (*Chain)(nil)
	_ chain.PackageBroadcaster = (*Chain)(nil)
)

// New returns an empty chain at height 0.
func New(irreversibleDepth int64) *Chain {
	return &Chain{
		txs:               make(map[chainhash.Hash]*entry),
		spends:            make(map[wire.OutPoint]chainhash.Hash),
		hidden:            make(map[chainhash.Hash]int),
		irreversibleDepth: irreversibleDepth,
	}
}

// Tip returns the current height.
func (c *Chain) Tip() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tip
}

// AddTx puts tx in the mempool. Conflicting spends are rejected.
func (c *Chain) AddTx(tx *wire.MsgTx) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addTx(tx)
}

func (c *Chain) addTx(tx *wire.MsgTx) error {
	txid := tx.TxHash()
	if _, ok := c.txs[txid]; ok {
		return nil
	}
	for _, in := range tx.TxIn {
		if spender, ok := c.spends[in.PreviousOutPoint]; ok {
			return fmt.Errorf("%s conflicts with %s spending %s", txid, spender, in.PreviousOutPoint)
		}
	}
	for _, in := range tx.TxIn {
		c.spends[in.PreviousOutPoint] = txid
	}
	c.seq++
	c.txs[txid] = &entry{tx: tx.Copy(), seq: c.seq}
	return nil
}

// Mine confirms every mempool transaction in a new block and then adds
// extra empty blocks.
func (c *Chain) Mine(extra int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tip++
	for _, e := range c.txs {
		if e.height == 0 {
			e.height = c.tip
		}
	}
	c.tip += extra
}

// Confirm adds txs directly in a new block.
func (c *Chain) Confirm(txs ...*wire.MsgTx) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tip++
	for _, tx := range txs {
		if err := c.addTx(tx); err != nil {
			return err
		}
		c.txs[tx.TxHash()].height = c.tip
	}
	return nil
}

// HideFor makes the next n lookups involving txid miss, simulating an index
// that lags behind the chain.
func (c *Chain) HideFor(txid chainhash.Hash, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hidden[txid] = n
}

// visible reports whether txid is indexed and consumes one hidden lookup.
func (c *Chain) visible(txid chainhash.Hash) bool {
	if n := c.hidden[txid]; n > 0 {
		c.hidden[txid] = n - 1
		return false
	}
	return true
}

func (c *Chain) history(e *entry, txid chainhash.Hash) chain.TxHistory {
	return chain.TxHistory{
		TxID:         txid,
		Confirmed:    e.height > 0,
		BlockHeight:  e.height,
		Irreversible: chain.IsIrreversible(e.height, c.tip, c.irreversibleDepth),
	}
}

func (c *Chain) FetchTxHistory(ctx context.Context, pkScript []byte) ([]chain.TxHistory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls++

	touches := func(tx *wire.MsgTx) bool {
		for _, out := range tx.TxOut {
			if slices.Equal(out.PkScript, pkScript) {
				return true
			}
		}
		for _, in := range tx.TxIn {
			prev, ok := c.txs[in.PreviousOutPoint.Hash]
			if ok && int(in.PreviousOutPoint.Index) < len(prev.tx.TxOut) &&
				slices.Equal(prev.tx.TxOut[in.PreviousOutPoint.Index].PkScript, pkScript) {
				return true
			}
		}
		return false
	}

	var entries []*entry
	for _, e := range c.txs {
		if touches(e.tx) && c.visible(e.tx.TxHash()) {
			entries = append(entries, e)
		}
	}
	slices.SortFunc(entries, func(a, b *entry) int { return a.seq - b.seq })

	history := make([]chain.TxHistory, 0, len(entries))
	for _, e := range entries {
		history = append(history, c.history(e, e.tx.TxHash()))
	}
	chain.SortHistory(history)
	return history, nil
}

func (c *Chain) FetchTx(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls++

	e, ok := c.txs[txid]
	if !ok || !c.visible(txid) {
		return nil, fmt.Errorf("%w: %s", chain.ErrTxNotFound, txid)
	}
	return e.tx.Copy(), nil
}

func (c *Chain) FetchOutspend(ctx context.Context, outpoint wire.OutPoint) (*chain.Outspend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls++

	spender, ok := c.spends[outpoint]
	if !ok || !c.visible(spender) {
		return &chain.Outspend{}, nil
	}
	e := c.txs[spender]
	vin := slices.IndexFunc(e.tx.TxIn, func(in *wire.TxIn) bool { return in.PreviousOutPoint == outpoint })
	h := c.history(e, spender)
	return &chain.Outspend{
		Spent:        true,
		TxID:         spender,
		Vin:          uint32(vin),
		Confirmed:    h.Confirmed,
		BlockHeight:  h.BlockHeight,
		Irreversible: h.Irreversible,
	}, nil
}

func (c *Chain) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.AddTx(tx)
}

// SubmitPackage accepts every transaction of txs or none.
func (c *Chain) SubmitPackage(ctx context.Context, txs []*wire.MsgTx) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	added := make([]*wire.MsgTx, 0, len(txs))
	for _, tx := range txs {
		if _, ok := c.txs[tx.TxHash()]; ok {
			continue
		}
		if err := c.addTx(tx); err != nil {
			for _, undo := range added {
				c.remove(undo)
			}
			return err
		}
		added = append(added, tx)
	}
	return nil
}

func (c *Chain) remove(tx *wire.MsgTx) {
	txid := tx.TxHash()
	for _, in := range tx.TxIn {
		if c.spends[in.PreviousOutPoint] == txid {
			delete(c.spends, in.PreviousOutPoint)
		}
	}
	delete(c.txs, txid)
}
