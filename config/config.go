package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"openmarket/crypto"
	"openmarket/state"
)

// GenesisAlloc seeds one account balance when a fresh data directory is
// bootstrapped. Addresses are bech32, balances decimal strings in the
// smallest value unit.
type GenesisAlloc struct {
	Address string `toml:"Address"`
	Balance string `toml:"Balance"`
}

type Config struct {
	RPCAddress         string         `toml:"RPCAddress"`
	DataDir            string         `toml:"DataDir"`
	RPCToken           string         `toml:"RPCToken"`
	Environment        string         `toml:"Environment"`
	LogFile            string         `toml:"LogFile"`
	LogMaxSizeMB       int            `toml:"LogMaxSizeMB"`
	LogMaxBackups      int            `toml:"LogMaxBackups"`
	LogMaxAgeDays      int            `toml:"LogMaxAgeDays"`
	AuditDBPath        string         `toml:"AuditDBPath"`
	RateLimitPerMinute float64        `toml:"RateLimitPerMinute"`
	RateLimitBurst     int            `toml:"RateLimitBurst"`
	GenesisAlloc       []GenesisAlloc `toml:"GenesisAlloc"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if _, err := cfg.Allocations(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Allocations parses the configured genesis balances.
func (c *Config) Allocations() ([]state.BalanceAlloc, error) {
	allocs := make([]state.BalanceAlloc, 0, len(c.GenesisAlloc))
	for i, raw := range c.GenesisAlloc {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(raw.Address))
		if err != nil {
			return nil, fmt.Errorf("genesis alloc %d: %w", i, err)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(raw.Balance), 10)
		if !ok || amount.Sign() < 0 {
			return nil, fmt.Errorf("genesis alloc %d: invalid balance %q", i, raw.Balance)
		}
		allocs = append(allocs, state.BalanceAlloc{Address: addr, Amount: amount})
	}
	return allocs, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8645"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./openmarket-data"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
	if cfg.LogMaxSizeMB <= 0 {
		cfg.LogMaxSizeMB = 100
	}
	if cfg.LogMaxBackups < 0 {
		cfg.LogMaxBackups = 0
	}
	if cfg.LogMaxAgeDays < 0 {
		cfg.LogMaxAgeDays = 0
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 600
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
