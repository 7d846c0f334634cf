package spendcache

import (
	"context"
	"errors"
	"strings"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/btcsuite/btcd/wire"
)

const memcacheKeyPrefix = "rewind:spend:"

// memcacheClient is the minimal surface used by Memcache.
type memcacheClient interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
}

// Memcache is a Cache shared through memcached. Entries never expire;
// memcached may still evict them, which only costs a rescan.
type Memcache struct {
	client memcacheClient
}

// NewMemcache connects to the given servers.
func NewMemcache(maxIdleConns int, addrs ...string) *Memcache {
	trimmed := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		a = strings.TrimPrefix(a, "memcache://")
		if a != "" {
			trimmed = append(trimmed, a)
		}
	}
	c := memcache.New(trimmed...)
	if maxIdleConns > 0 {
		c.MaxIdleConns = maxIdleConns
	}
	return &Memcache{client: c}
}

// NewMemcacheWithClient is intended for tests.
func NewMemcacheWithClient(c memcacheClient) *Memcache {
	return &Memcache{client: c}
}

func memcacheKey(outpoint wire.OutPoint) string {
	return memcacheKeyPrefix + Key(outpoint)
}

func (m *Memcache) Get(_ context.Context, outpoint wire.OutPoint) (*wire.MsgTx, error) {
	item, err := m.client.Get(memcacheKey(outpoint))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, ErrMiss
		}
		return nil, err
	}
	return decode(outpoint, item.Value)
}

func (m *Memcache) Put(_ context.Context, outpoint wire.OutPoint, spendingTx *wire.MsgTx) error {
	raw, err := encode(spendingTx)
	if err != nil {
		return err
	}
	return m.client.Set(&memcache.Item{
		Key:   memcacheKey(outpoint),
		Value: raw,
	})
}
