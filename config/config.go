// Package config loads service configuration from an optional TOML file with
// environment variable overrides. Environment always wins so deployments can
// patch a single value without editing the file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents runtime configuration for the escrow sync service.
type Config struct {
	ListenAddress  string `toml:"ListenAddress"`
	DatabaseURL    string `toml:"DatabaseURL"`
	ChainRPCBase   string `toml:"ChainRPCBase"`
	ChainAuthToken string `toml:"ChainAuthToken"`
	SignerKey      string `toml:"SignerKey"`
	ConfirmTimeout string `toml:"ConfirmTimeout"`
	SyncInterval   string `toml:"SyncInterval"`
	Environment    string `toml:"Environment"`
	LogLevel       string `toml:"LogLevel"`
	LogPath        string `toml:"LogPath"`
}

const (
	defaultListenAddress  = ":8082"
	defaultConfirmTimeout = 2 * time.Minute
	defaultSyncInterval   = 30 * time.Second
)

// Load reads the TOML file at path (if path is non-empty) and applies
// environment overrides. Validation failures are returned as a single error.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv loads configuration from environment variables, honoring an
// optional config file named by ESCROWSYNC_CONFIG.
func FromEnv() (*Config, error) {
	return Load(os.Getenv("ESCROWSYNC_CONFIG"))
}

func (c *Config) applyEnv() {
	override(&c.ListenAddress, "ESCROWSYNC_LISTEN")
	override(&c.DatabaseURL, "ESCROWSYNC_DB_URL")
	override(&c.ChainRPCBase, "ESCROWSYNC_CHAIN_RPC")
	override(&c.ChainAuthToken, "ESCROWSYNC_CHAIN_TOKEN")
	override(&c.SignerKey, "ESCROWSYNC_SIGNER_KEY")
	override(&c.ConfirmTimeout, "ESCROWSYNC_CONFIRM_TIMEOUT")
	override(&c.SyncInterval, "ESCROWSYNC_SYNC_INTERVAL")
	override(&c.Environment, "ESCROWSYNC_ENV")
	override(&c.LogLevel, "ESCROWSYNC_LOG_LEVEL")
	override(&c.LogPath, "ESCROWSYNC_LOG_PATH")
}

func (c *Config) validate() error {
	if c.ListenAddress == "" {
		c.ListenAddress = defaultListenAddress
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: database URL is required (ESCROWSYNC_DB_URL)")
	}
	if c.ChainRPCBase == "" {
		return fmt.Errorf("config: chain RPC base URL is required (ESCROWSYNC_CHAIN_RPC)")
	}
	if _, err := parseDuration(c.ConfirmTimeout, "ConfirmTimeout"); err != nil {
		return err
	}
	if _, err := parseDuration(c.SyncInterval, "SyncInterval"); err != nil {
		return err
	}
	return nil
}

// ConfirmTimeoutDuration returns the confirmation wait bound.
func (c *Config) ConfirmTimeoutDuration() time.Duration {
	d, err := parseDuration(c.ConfirmTimeout, "ConfirmTimeout")
	if err != nil || d <= 0 {
		return defaultConfirmTimeout
	}
	return d
}

// SyncIntervalDuration returns the interval between scheduled sync passes.
func (c *Config) SyncIntervalDuration() time.Duration {
	d, err := parseDuration(c.SyncInterval, "SyncInterval")
	if err != nil || d <= 0 {
		return defaultSyncInterval
	}
	return d
}

func parseDuration(raw, field string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", field, raw, err)
	}
	return d, nil
}

func override(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}
