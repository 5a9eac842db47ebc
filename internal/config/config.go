// Package config loads the process-wide immutable configuration described
// in spec.md §6, following the teacher's viper load pattern
// (pkg/config/config.go: SetConfigName/AddConfigPath/MergeInConfig/
// AutomaticEnv/Unmarshal), with the Network/Consensus/VM/Storage/Logging
// sections replaced by this service's batch/cache/rpc/store sections.
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"chainindexer/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Batch holds the batch.* options from spec.md §6.
type Batch struct {
	Size                   int    `mapstructure:"size" json:"size" yaml:"size"`
	MaxConcurrentRPCCalls  int    `mapstructure:"max-concurrent-rpc-calls" json:"max_concurrent_rpc_calls" yaml:"max-concurrent-rpc-calls"`
	RateLimitPerMinute     int    `mapstructure:"rate-limit-per-minute" json:"rate_limit_per_minute" yaml:"rate-limit-per-minute"`
	Schedule               string `mapstructure:"schedule" json:"schedule" yaml:"schedule"`
	ChainID                string `mapstructure:"chain-id" json:"chain_id" yaml:"chain-id"`
	PrefetchEnabled        bool   `mapstructure:"prefetch-enabled" json:"prefetch_enabled" yaml:"prefetch-enabled"`
	MaxConsecutiveFailures int    `mapstructure:"max-consecutive-failures" json:"max_consecutive_failures" yaml:"max-consecutive-failures"`
}

// Cache holds the cache.* options from spec.md §6.
type Cache struct {
	Enabled             bool    `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	MaxSize             int     `mapstructure:"max-size" json:"max_size" yaml:"max-size"`
	DefaultValue        int     `mapstructure:"default-value" json:"default_value" yaml:"default-value"`
	DecayAmount         int     `mapstructure:"decay-amount" json:"decay_amount" yaml:"decay-amount"`
	LRUEvictionEnabled  bool    `mapstructure:"lru-eviction-enabled" json:"lru_eviction_enabled" yaml:"lru-eviction-enabled"`
	BatchEvictionSize   int     `mapstructure:"batch-eviction-size" json:"batch_eviction_size" yaml:"batch-eviction-size"`
	MemoryCheckEnabled  bool    `mapstructure:"memory-check-enabled" json:"memory_check_enabled" yaml:"memory-check-enabled"`
	TargetMemoryPercent float64 `mapstructure:"target-memory-percent" json:"target_memory_percent" yaml:"target-memory-percent"`
	MinCacheSize        int     `mapstructure:"min-cache-size" json:"min_cache_size" yaml:"min-cache-size"`
}

// RPC holds the rpc.* options from spec.md §6.
type RPC struct {
	Endpoint       string `mapstructure:"endpoint" json:"endpoint" yaml:"endpoint"`
	TimeoutSeconds int    `mapstructure:"timeout-seconds" json:"timeout_seconds" yaml:"timeout-seconds"`
}

// Store holds the Postgres connection string the Bulk Writer dials.
type Store struct {
	DSN string `mapstructure:"dsn" json:"dsn" yaml:"dsn"`
}

// HTTP holds the operational HTTP surface's listen address.
type HTTP struct {
	ListenAddr string `mapstructure:"listen-addr" json:"listen_addr" yaml:"listen-addr"`
}

// Logging mirrors the teacher's pkg/config/config.go Logging section.
type Logging struct {
	Level string `mapstructure:"level" json:"level" yaml:"level"`
}

// Config is the unified configuration for the indexer process.
type Config struct {
	Batch   Batch   `mapstructure:"batch" json:"batch" yaml:"batch"`
	Cache   Cache   `mapstructure:"cache" json:"cache" yaml:"cache"`
	RPC     RPC     `mapstructure:"rpc" json:"rpc" yaml:"rpc"`
	Store   Store   `mapstructure:"store" json:"store" yaml:"store"`
	HTTP    HTTP    `mapstructure:"http" json:"http" yaml:"http"`
	Logging Logging `mapstructure:"logging" json:"logging" yaml:"logging"`
}

// Dump renders the effective configuration as YAML, the same library the
// teacher uses to read a devnet topology file directly
// (cmd/cli/devnet.go's yaml.Unmarshal), here used the other direction for
// an operator to inspect what was actually loaded after defaults, file and
// environment overlays are merged.
func (c Config) Dump() (string, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return "", utils.Wrap(err, "marshal effective config")
	}
	return string(b), nil
}

// Defaults returns the spec.md §6 default values, applied before the config
// file and environment overlay so a partial file only needs to name the
// options it overrides.
func Defaults() Config {
	return Config{
		Batch: Batch{
			Size:                   150,
			MaxConcurrentRPCCalls:  10,
			RateLimitPerMinute:     1500,
			Schedule:               "10s",
			ChainID:                "1",
			PrefetchEnabled:        true,
			MaxConsecutiveFailures: 25,
		},
		Cache: Cache{
			Enabled:             true,
			MaxSize:             1_000_000,
			DefaultValue:        50,
			DecayAmount:         2,
			LRUEvictionEnabled:  true,
			BatchEvictionSize:   10_000,
			MemoryCheckEnabled:  true,
			TargetMemoryPercent: 80,
			MinCacheSize:        100_000,
		},
		RPC: RPC{
			Endpoint:       "",
			TimeoutSeconds: 10,
		},
		HTTP: HTTP{
			ListenAddr: ":8080",
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// Load reads configuration files and merges an environment-specific
// overlay plus environment variable overrides, mirroring
// pkg/config/config.go's Load(env). name is the base config file's name
// (without extension) and dir the directory it lives in; env, when
// non-empty, names an additional overlay file merged on top (e.g. "prod"
// loads "prod.yaml" after "default.yaml").
func Load(dir, name, env string) (*Config, error) {
	// The teacher's walletserver/config/config.go loads a .env file ahead
	// of reading its own settings; godotenv.Load is a no-op (returns an
	// error we ignore) when no .env file is present, matching that
	// convention without making a dotenv file mandatory here.
	_ = godotenv.Load()

	cfg := Defaults()

	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		v.SetConfigName(env)
		if err := v.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	v.SetEnvPrefix("CHAININDEXER")
	v.AutomaticEnv()

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}
