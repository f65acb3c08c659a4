// Package config loads node configuration from TOML.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
)

// GenesisConfig describes the initial ledger state.
type GenesisConfig struct {
	ChainID string            `toml:"chain_id"`
	Alloc   map[string]uint64 `toml:"alloc"` // address hex → initial balance
}

// Config holds all node configuration.
type Config struct {
	NodeID           string        `toml:"node_id"`
	DataDir          string        `toml:"data_dir"`
	RPCAddr          string        `toml:"rpc_addr"`
	RPCAuthToken     string        `toml:"rpc_auth_token"` // empty → no auth
	LogLevel         string        `toml:"log_level"`
	RecoverCacheSize int           `toml:"recover_cache_size"` // 0 disables the cache
	Genesis          GenesisConfig `toml:"genesis"`
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:           "node0",
		DataDir:          "./data",
		RPCAddr:          "127.0.0.1:8545",
		LogLevel:         "info",
		RecoverCacheSize: 4096,
		Genesis: GenesisConfig{
			ChainID: "tolflip-dev",
			Alloc:   map[string]uint64{},
		},
	}
}

// Load reads a TOML config file from path. Unset keys keep their defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("decode %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to path as TOML.
func Save(cfg *Config, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Genesis.ChainID == "" {
		return fmt.Errorf("genesis.chain_id is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.RecoverCacheSize < 0 {
		return fmt.Errorf("recover_cache_size must be >= 0")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (log.Level, error) {
	if c.LogLevel == "" {
		return log.InfoLevel, nil
	}
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}
