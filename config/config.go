// Package config loads rewind settings from a YAML file and REWIND_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lightsparkdev/rewind/chain"
	"github.com/lightsparkdev/rewind/common/btcnetwork"
	"github.com/lightsparkdev/rewind/common/logging"
	"github.com/lightsparkdev/rewind/common/retry"
	"github.com/lightsparkdev/rewind/spendcache"
)

// EnvPrefix prefixes every environment override, e.g. REWIND_ESPLORA_URL.
const EnvPrefix = "REWIND"

// CacheBackend names a spendcache implementation.
type CacheBackend string

const (
	CacheMemory   CacheBackend = "memory"
	CacheBolt     CacheBackend = "bolt"
	CacheMemcache CacheBackend = "memcache"
)

type EsploraConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

type CacheConfig struct {
	Backend  CacheBackend `mapstructure:"backend"`
	BoltPath string       `mapstructure:"bolt_path"`
	// MemcacheAddrs are host:port pairs; a comma separated list in the
	// environment.
	MemcacheAddrs        []string `mapstructure:"memcache_addrs"`
	MemcacheMaxIdleConns int      `mapstructure:"memcache_max_idle_conns"`
}

// Config is the full rewind configuration.
type Config struct {
	Network           string          `mapstructure:"network"`
	Esplora           EsploraConfig   `mapstructure:"esplora"`
	RPC               chain.RPCConfig `mapstructure:"rpc"`
	Retry             RetryConfig     `mapstructure:"retry"`
	IrreversibleDepth int64           `mapstructure:"irreversible_depth"`
	Cache             CacheConfig     `mapstructure:"cache"`
	Logging           logging.Config  `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("network", "mainnet")
	v.SetDefault("esplora.url", "https://mempool.space/api")
	v.SetDefault("esplora.timeout", 30*time.Second)
	v.SetDefault("rpc.host", "")
	v.SetDefault("rpc.user", "")
	v.SetDefault("rpc.password", "")
	v.SetDefault("rpc.disable_tls", false)
	v.SetDefault("retry.attempts", retry.DefaultAttempts)
	v.SetDefault("retry.delay", retry.DefaultDelay)
	v.SetDefault("irreversible_depth", chain.DefaultIrreversibleDepth)
	v.SetDefault("cache.backend", string(CacheMemory))
	v.SetDefault("cache.bolt_path", "")
	v.SetDefault("cache.memcache_addrs", []string{})
	v.SetDefault("cache.memcache_max_idle_conns", 2)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", false)
}

// Default returns the configuration used when nothing is set.
func Default() (*Config, error) {
	return Load("")
}

// Load reads path, if given, and applies environment overrides on top.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values viper cannot type check.
func (c *Config) Validate() error {
	if _, err := btcnetwork.FromString(c.Network); err != nil {
		return err
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry attempts must be positive, got %d", c.Retry.Attempts)
	}
	if c.Retry.Delay < 0 {
		return fmt.Errorf("negative retry delay %s", c.Retry.Delay)
	}
	if c.IrreversibleDepth < 1 {
		return fmt.Errorf("irreversible depth must be positive, got %d", c.IrreversibleDepth)
	}
	switch c.Cache.Backend {
	case CacheMemory:
	case CacheBolt:
		if c.Cache.BoltPath == "" {
			return errors.New("cache.bolt_path is required for the bolt cache")
		}
	case CacheMemcache:
		if len(c.Cache.MemcacheAddrs) == 0 {
			return errors.New("cache.memcache_addrs is required for the memcache cache")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s", c.Cache.Backend)
	}
	return nil
}

// Params returns the chain parameters of the configured network.
func (c *Config) Params() (*chaincfg.Params, error) {
	network, err := btcnetwork.FromString(c.Network)
	if err != nil {
		return nil, err
	}
	return network.Params(), nil
}

func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{Attempts: c.Retry.Attempts, Delay: c.Retry.Delay}
}

func (c *Config) Logger() (*zap.Logger, error) {
	return logging.NewLogger(c.Logging)
}

// Explorer returns the Esplora client.
func (c *Config) Explorer() (*chain.EsploraClient, error) {
	esploraCfg := chain.EsploraConfig{
		BaseURL:           c.Esplora.URL,
		IrreversibleDepth: c.IrreversibleDepth,
	}
	if c.Esplora.Timeout > 0 {
		esploraCfg.HTTPClient = &http.Client{Timeout: c.Esplora.Timeout}
	}
	return chain.NewEsploraClient(esploraCfg)
}

// Broadcaster relays through bitcoind when an RPC host is configured, which
// also enables package relay, and through Esplora otherwise.
func (c *Config) Broadcaster() (chain.Broadcaster, error) {
	if c.RPC.Host == "" {
		explorer, err := c.Explorer()
		if err != nil {
			return nil, err
		}
		return explorer, nil
	}
	network, err := btcnetwork.FromString(c.Network)
	if err != nil {
		return nil, err
	}
	rpc, err := chain.NewRPCBroadcaster(c.RPC, strings.ToLower(network.String()))
	if err != nil {
		return nil, err
	}
	return rpc, nil
}

// OpenCache opens the configured spend cache. The returned func releases it.
func (c *Config) OpenCache() (spendcache.Cache, func() error, error) {
	noop := func() error { return nil }
	switch c.Cache.Backend {
	case CacheMemory:
		return spendcache.NewMemory(), noop, nil
	case CacheBolt:
		bolt, err := spendcache.OpenBolt(c.Cache.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return bolt, bolt.Close, nil
	case CacheMemcache:
		return spendcache.NewMemcache(c.Cache.MemcacheMaxIdleConns, c.Cache.MemcacheAddrs...), noop, nil
	default:
		return nil, nil, fmt.Errorf("invalid cache backend: %s", c.Cache.Backend)
	}
}
