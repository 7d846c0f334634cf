package spendcache

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/wire"
	bolt "go.etcd.io/bbolt"
)

var bucketSpends = []byte("spends_by_outpoint")

// Bolt is a Cache persisted in a bbolt file, so irreversible spends survive
// restarts.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens or creates the cache file at path.
func OpenBolt(path string) (*Bolt, error) {
	if path == "" {
		return nil, fmt.Errorf("cache path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSpends); err != nil {
			return fmt.Errorf("create bucket %s: %w", string(bucketSpends), err)
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *Bolt) Get(_ context.Context, outpoint wire.OutPoint) (*wire.MsgTx, error) {
	var raw []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSpends).Get([]byte(Key(outpoint)))
		if v == nil {
			return nil
		}
		raw = bytes.Clone(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrMiss
	}
	return decode(outpoint, raw)
}

func (b *Bolt) Put(_ context.Context, outpoint wire.OutPoint, spendingTx *wire.MsgTx) error {
	raw, err := encode(spendingTx)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSpends).Put([]byte(Key(outpoint)), raw)
	})
}
