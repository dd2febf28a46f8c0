// Package config resolves runtime settings. Environment variables win
// over the YAML file, the YAML file wins over defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Ledger backends.
const (
	BackendMemory = "memory"
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
)

// Config holds the engine and server configuration.
type Config struct {
	HTTPAddr string `yaml:"http_addr" json:"http_addr"`
	LogLevel string `yaml:"log_level" json:"log_level"`
	TenantID string `yaml:"tenant_id" json:"tenant_id"`

	LedgerBackend string `yaml:"ledger_backend" json:"ledger_backend"`
	LedgerPath    string `yaml:"ledger_path" json:"ledger_path"`

	WarnThreshold     float64 `yaml:"variance_warn_threshold" json:"variance_warn_threshold"`
	CriticalThreshold float64 `yaml:"variance_critical_threshold" json:"variance_critical_threshold"`

	AnchorInterval time.Duration `yaml:"anchor_interval" json:"anchor_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPAddr:          ":8090",
		LogLevel:          "INFO",
		TenantID:          "shieldproof",
		LedgerBackend:     BackendJSONL,
		LedgerPath:        "shieldproof.jsonl",
		WarnThreshold:     0.05,
		CriticalThreshold: 0.15,
		AnchorInterval:    5 * time.Minute,
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// SHIELDPROOF_CONFIG when set, then environment variable overrides.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("SHIELDPROOF_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile builds the configuration from an explicit YAML path plus
// environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SHIELDPROOF_HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("SHIELDPROOF_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SHIELDPROOF_TENANT_ID"); v != "" {
		c.TenantID = v
	}
	if v := os.Getenv("SHIELDPROOF_LEDGER_BACKEND"); v != "" {
		c.LedgerBackend = v
	}
	if v := os.Getenv("SHIELDPROOF_LEDGER_PATH"); v != "" {
		c.LedgerPath = v
	}
	if v := os.Getenv("SHIELDPROOF_VARIANCE_WARN"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.WarnThreshold = f
		}
	}
	if v := os.Getenv("SHIELDPROOF_VARIANCE_CRITICAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.CriticalThreshold = f
		}
	}
	if v := os.Getenv("SHIELDPROOF_ANCHOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.AnchorInterval = d
		}
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.LedgerBackend {
	case BackendMemory:
	case BackendJSONL, BackendSQLite:
		if c.LedgerPath == "" {
			return fmt.Errorf("config: %s backend requires ledger_path", c.LedgerBackend)
		}
	default:
		return fmt.Errorf("config: unknown ledger backend %q", c.LedgerBackend)
	}
	if c.WarnThreshold <= 0 || c.CriticalThreshold <= 0 {
		return fmt.Errorf("config: variance thresholds must be positive")
	}
	if c.CriticalThreshold < c.WarnThreshold {
		return fmt.Errorf("config: critical threshold %.3f below warn threshold %.3f",
			c.CriticalThreshold, c.WarnThreshold)
	}
	if c.TenantID == "" {
		return fmt.Errorf("config: tenant_id must not be empty")
	}
	return nil
}
