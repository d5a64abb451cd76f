package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration, decoded from TOML.
type Config struct {
	RPCAddress     string `toml:"RPCAddress"`
	MetricsAddress string `toml:"MetricsAddress"`
	DataDir        string `toml:"DataDir"`
	// DBBackend selects the key-value store: "leveldb", "bolt" or "memory".
	DBBackend   string `toml:"DBBackend"`
	NetworkName string `toml:"NetworkName"`
	LogFile     string `toml:"LogFile"`

	Oracle OracleConfig `toml:"oracle"`
	Vault  VaultConfig  `toml:"vault"`
	System SystemConfig `toml:"system"`
}

// OracleConfig controls price feed behaviour.
type OracleConfig struct {
	// Priority lists oracle identifiers consulted in order.
	Priority []string `toml:"Priority"`
	// MaxQuoteAgeSeconds is the freshness window for accepted quotes.
	MaxQuoteAgeSeconds int64 `toml:"MaxQuoteAgeSeconds"`
	// TwapWindowSeconds is passed to time-weighted feeds on every read and
	// bounds the aggregator's rolling sample history.
	TwapWindowSeconds int64 `toml:"TwapWindowSeconds"`
	// TwapSampleCap caps the number of retained samples per pool.
	TwapSampleCap int `toml:"TwapSampleCap"`
	// FeedEndpoint, when set, registers an HTTP feed oracle.
	FeedEndpoint string `toml:"FeedEndpoint"`
	// FeedAPIKeyEnv names the environment variable holding the feed key.
	FeedAPIKeyEnv string `toml:"FeedAPIKeyEnv"`
}

// VaultConfig binds the engine to its pool.
type VaultConfig struct {
	PoolID string `toml:"PoolID"`
}

// SystemConfig identifies the operator allowed to pause and shut down.
type SystemConfig struct {
	Authority string `toml:"Authority"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = "127.0.0.1:8645"
	}
	if strings.TrimSpace(c.MetricsAddress) == "" {
		c.MetricsAddress = "127.0.0.1:9645"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./powerperp-data"
	}
	if strings.TrimSpace(c.DBBackend) == "" {
		c.DBBackend = "leveldb"
	}
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = "powerperp-local"
	}
	if len(c.Oracle.Priority) == 0 {
		c.Oracle.Priority = []string{"manual"}
	}
	if c.Oracle.MaxQuoteAgeSeconds <= 0 {
		c.Oracle.MaxQuoteAgeSeconds = 120
	}
	if c.Oracle.TwapWindowSeconds < 0 {
		c.Oracle.TwapWindowSeconds = 0
	}
	if c.Oracle.TwapSampleCap <= 0 {
		c.Oracle.TwapSampleCap = 128
	}
	if strings.TrimSpace(c.Vault.PoolID) == "" {
		c.Vault.PoolID = "default"
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.DBBackend)) {
	case "leveldb", "bolt", "memory":
	default:
		return fmt.Errorf("config: unsupported DBBackend %q", c.DBBackend)
	}
	if strings.TrimSpace(c.System.Authority) == "" {
		return fmt.Errorf("config: system authority address required")
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	// The default file intentionally omits the authority so operators must
	// fill it in before the daemon starts.
	return nil, fmt.Errorf("config: wrote default config to %s; set [system] Authority and restart", path)
}
