package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightsparkdev/rewind/chain"
	"github.com/lightsparkdev/rewind/common/logging"
	"github.com/lightsparkdev/rewind/common/retry"
	"github.com/lightsparkdev/rewind/spendcache"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rewind.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	want := &Config{
		Network: "mainnet",
		Esplora: EsploraConfig{URL: "https://mempool.space/api", Timeout: 30 * time.Second},
		Retry:   RetryConfig{Attempts: retry.DefaultAttempts, Delay: retry.DefaultDelay},
		Cache: CacheConfig{
			Backend:              CacheMemory,
			MemcacheAddrs:        []string{},
			MemcacheMaxIdleConns: 2,
		},
		IrreversibleDepth: chain.DefaultIrreversibleDepth,
		Logging: logging.Config{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
	if diff := cmp.Diff(want, cfg, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("default config mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, retry.DefaultPolicy(), cfg.RetryPolicy())
}

func TestLoadFile(t *testing.T) {
	boltPath := filepath.Join(t.TempDir(), "spends.db")
	path := writeConfig(t, `
network: signet
esplora:
  url: http://localhost:3002/
rpc:
  host: localhost:38332
  user: rewind
  password: hunter2
  disable_tls: true
retry:
  attempts: 4
  delay: 250ms
irreversible_depth: 3
cache:
  backend: bolt
  bolt_path: `+boltPath+`
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:3002/", cfg.Esplora.URL)
	assert.Equal(t, chain.RPCConfig{Host: "localhost:38332", User: "rewind", Password: "hunter2", DisableTLS: true}, cfg.RPC)
	assert.Equal(t, retry.Policy{Attempts: 4, Delay: 250 * time.Millisecond}, cfg.RetryPolicy())
	assert.Equal(t, int64(3), cfg.IrreversibleDepth)
	assert.Equal(t, "debug", cfg.Logging.Level)

	params, err := cfg.Params()
	require.NoError(t, err)
	assert.Equal(t, chaincfg.SigNetParams.Name, params.Name)

	cache, closeCache, err := cfg.OpenCache()
	require.NoError(t, err)
	assert.IsType(t, &spendcache.Bolt{}, cache)
	require.NoError(t, closeCache())

	broadcaster, err := cfg.Broadcaster()
	require.NoError(t, err)
	assert.IsType(t, &chain.RPCBroadcaster{}, broadcaster)

	logger, err := cfg.Logger()
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "network: signet\nretry:\n  attempts: 4\n")
	t.Setenv("REWIND_NETWORK", "regtest")
	t.Setenv("REWIND_RETRY_DELAY", "2s")
	t.Setenv("REWIND_CACHE_BACKEND", "memcache")
	t.Setenv("REWIND_CACHE_MEMCACHE_ADDRS", "10.0.0.1:11211,10.0.0.2:11211")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "regtest", cfg.Network)
	assert.Equal(t, retry.Policy{Attempts: 4, Delay: 2 * time.Second}, cfg.RetryPolicy())
	assert.Equal(t, []string{"10.0.0.1:11211", "10.0.0.2:11211"}, cfg.Cache.MemcacheAddrs)

	cache, _, err := cfg.OpenCache()
	require.NoError(t, err)
	assert.IsType(t, &spendcache.Memcache{}, cache)
}

func TestEsploraWithoutRPC(t *testing.T) {
	t.Setenv("REWIND_ESPLORA_URL", "http://127.0.0.1:3002")
	cfg, err := Default()
	require.NoError(t, err)

	broadcaster, err := cfg.Broadcaster()
	require.NoError(t, err)
	assert.IsType(t, &chain.EsploraClient{}, broadcaster)

	cache, closeCache, err := cfg.OpenCache()
	require.NoError(t, err)
	assert.IsType(t, &spendcache.Memory{}, cache)
	require.NoError(t, closeCache())
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "network", body: "network: litecoin\n"},
		{name: "attempts", body: "retry:\n  attempts: 0\n"},
		{name: "depth", body: "irreversible_depth: 0\n"},
		{name: "cache backend", body: "cache:\n  backend: redis\n"},
		{name: "bolt without path", body: "cache:\n  backend: bolt\n"},
		{name: "memcache without addrs", body: "cache:\n  backend: memcache\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
