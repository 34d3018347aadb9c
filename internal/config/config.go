// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-credvault.
//
// go-credvault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jeremyhahn/go-credvault/pkg/kms"
	"github.com/jeremyhahn/go-credvault/pkg/secrets"
	"gopkg.in/yaml.v3"
)

// Storage backends
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageSQLite = "sqlite"
)

// Config represents the complete vault configuration
type Config struct {
	Logging      LoggingConfig  `yaml:"logging"`
	Storage      StorageConfig  `yaml:"storage"`
	KDF          KDFConfig      `yaml:"kdf"`
	ServerSecret secrets.Config `yaml:"server_secret"`
	KMS          kms.Config     `yaml:"kms"`
	Devices      DevicesConfig  `yaml:"devices"`
	Lockout      LockoutConfig  `yaml:"lockout"`
	Metrics      MetricsConfig  `yaml:"metrics"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig controls the record store
type StorageConfig struct {
	Backend string `yaml:"backend"` // memory, file, sqlite
	Path    string `yaml:"path"`
}

// KDFConfig sets the account-level KDF cost and the derivation pool size
type KDFConfig struct {
	Algorithm  string `yaml:"algorithm"` // pbkdf2, argon2id
	Iterations int    `yaml:"iterations"`
	Time       uint32 `yaml:"time"`
	Memory     uint32 `yaml:"memory"`
	Threads    uint8  `yaml:"threads"`
	PoolSize   int    `yaml:"pool_size"`
}

// DevicesConfig controls device ceilings and device KDF costs
type DevicesConfig struct {
	// DefaultTier applies to accounts not listed in Accounts
	DefaultTier string `yaml:"default_tier"`

	// Tiers maps a tier name to its device ceiling
	Tiers map[string]int `yaml:"tiers"`

	// Accounts maps an account ID to its tier
	Accounts map[string]string `yaml:"accounts,omitempty"`

	// RequirePassphraseOnReactivate defaults to true
	RequirePassphraseOnReactivate *bool `yaml:"require_passphrase_on_reactivate"`

	// ClassIterations overrides the PBKDF2 cost per device profile,
	// keyed by "tv", "web", "mobile", "android" or "ios"
	ClassIterations map[string]int `yaml:"class_iterations,omitempty"`
}

// LockoutConfig controls failed-attempt lockout and throttling
type LockoutConfig struct {
	Threshold int             `yaml:"threshold"`
	Duration  time.Duration   `yaml:"duration"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

// RateLimitConfig controls the per-account attempt throttle
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	AttemptsPerMinute int  `yaml:"attempts_per_min"`
	Burst             int  `yaml:"burst"`
}

// MetricsConfig controls metrics collection
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// TextfilePath, when set, receives the collected metrics in the
	// Prometheus text format when the process exits
	TextfilePath string `yaml:"textfile_path"`
}

// Default returns the built-in configuration
func Default() *Config {
	requirePassphrase := true
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Backend: StorageFile,
			Path:    defaultDataDir(),
		},
		KDF: KDFConfig{
			Algorithm:  "pbkdf2",
			Iterations: 500000,
		},
		ServerSecret: secrets.Config{Provider: secrets.ProviderNone},
		KMS:          kms.Config{Provider: kms.ProviderLocal},
		Devices: DevicesConfig{
			DefaultTier: "basic",
			Tiers: map[string]int{
				"basic":    3,
				"standard": 5,
				"premium":  10,
			},
			RequirePassphraseOnReactivate: &requirePassphrase,
		},
		Lockout: LockoutConfig{
			Threshold: 5,
			Duration:  15 * time.Minute,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads configuration from a YAML file over the defaults and applies
// environment variable overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 - Config file path is provided by admin/user
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) {
	// Logging
	if level := os.Getenv("CREDVAULT_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("CREDVAULT_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	// Storage
	if backend := os.Getenv("CREDVAULT_STORAGE"); backend != "" {
		cfg.Storage.Backend = backend
	}
	if dataDir := os.Getenv("CREDVAULT_DATA_DIR"); dataDir != "" {
		cfg.Storage.Path = dataDir
	}

	// KDF
	if iterations := os.Getenv("CREDVAULT_KDF_ITERATIONS"); iterations != "" {
		n, err := strconv.Atoi(iterations)
		if err != nil {
			log.Printf("Warning: invalid CREDVAULT_KDF_ITERATIONS value %q, using %d: %v",
				iterations, cfg.KDF.Iterations, err)
		} else {
			cfg.KDF.Iterations = n
		}
	}

	// Lockout
	if threshold := os.Getenv("CREDVAULT_LOCKOUT_THRESHOLD"); threshold != "" {
		n, err := strconv.Atoi(threshold)
		if err != nil || n < 1 {
			log.Printf("Warning: invalid CREDVAULT_LOCKOUT_THRESHOLD value %q, using %d",
				threshold, cfg.Lockout.Threshold)
		} else {
			cfg.Lockout.Threshold = n
		}
	}

	// Server secret
	if provider := os.Getenv("CREDVAULT_SERVER_SECRET_PROVIDER"); provider != "" {
		cfg.ServerSecret.Provider = provider
	}

	// KMS
	if provider := os.Getenv("CREDVAULT_KMS_PROVIDER"); provider != "" {
		cfg.KMS.Provider = provider
	}
	if cfg.KMS.AWS != nil {
		if region := os.Getenv("AWS_REGION"); region != "" {
			cfg.KMS.AWS.Region = region
		}
		if endpoint := os.Getenv("AWS_ENDPOINT"); endpoint != "" {
			cfg.KMS.AWS.Endpoint = endpoint
		}
	}
	if cfg.KMS.GCP != nil {
		if credsFile := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); credsFile != "" {
			cfg.KMS.GCP.CredentialsFile = credsFile
		}
	}
	if cfg.KMS.Azure != nil {
		if vaultURL := os.Getenv("AZURE_KEYVAULT_URL"); vaultURL != "" {
			cfg.KMS.Azure.VaultURL = vaultURL
		}
	}
	if cfg.KMS.Vault != nil {
		if addr := os.Getenv("VAULT_ADDR"); addr != "" {
			cfg.KMS.Vault.Address = addr
		}
		if namespace := os.Getenv("VAULT_NAMESPACE"); namespace != "" {
			cfg.KMS.Vault.Namespace = namespace
		}
	}
	if cfg.ServerSecret.Vault != nil {
		if addr := os.Getenv("VAULT_ADDR"); addr != "" {
			cfg.ServerSecret.Vault.Address = addr
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate logging level
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, error, or fatal)", c.Logging.Level)
	}

	// Validate logging format
	validFormats := map[string]bool{
		"json": true, "text": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	// Validate storage
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageFile, StorageSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path must be specified for the %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("invalid storage backend: %q (must be memory, file, or sqlite)", c.Storage.Backend)
	}

	// Validate KDF
	switch strings.ToLower(c.KDF.Algorithm) {
	case "pbkdf2":
		if c.KDF.Iterations < 100000 {
			return fmt.Errorf("kdf iterations must be at least 100000, got %d", c.KDF.Iterations)
		}
	case "argon2id":
		if c.KDF.Time == 0 || c.KDF.Memory == 0 || c.KDF.Threads == 0 {
			return fmt.Errorf("argon2id requires time, memory and threads")
		}
	default:
		return fmt.Errorf("invalid kdf algorithm: %q (must be pbkdf2 or argon2id)", c.KDF.Algorithm)
	}
	if c.KDF.PoolSize < 0 {
		return fmt.Errorf("kdf pool_size cannot be negative")
	}

	if err := c.ServerSecret.Validate(); err != nil {
		return fmt.Errorf("server_secret: %w", err)
	}
	if err := c.KMS.Validate(); err != nil {
		return fmt.Errorf("kms: %w", err)
	}

	// Validate devices
	if len(c.Devices.Tiers) == 0 {
		return fmt.Errorf("at least one device tier must be configured")
	}
	for tier, n := range c.Devices.Tiers {
		if n < 1 {
			return fmt.Errorf("device tier %q must allow at least one device", tier)
		}
	}
	if _, ok := c.Devices.Tiers[c.Devices.DefaultTier]; !ok {
		return fmt.Errorf("default device tier %q is not configured", c.Devices.DefaultTier)
	}
	for account, tier := range c.Devices.Accounts {
		if _, ok := c.Devices.Tiers[tier]; !ok {
			return fmt.Errorf("account %s references unknown tier %q", account, tier)
		}
	}
	for class, n := range c.Devices.ClassIterations {
		if n < 100000 {
			return fmt.Errorf("device class %q iterations must be at least 100000, got %d", class, n)
		}
	}

	// Validate lockout
	if c.Lockout.Threshold < 1 {
		return fmt.Errorf("lockout threshold must be at least 1")
	}
	if c.Lockout.Duration <= 0 {
		return fmt.Errorf("lockout duration must be positive")
	}
	if c.Lockout.RateLimit.Enabled && c.Lockout.RateLimit.AttemptsPerMinute < 1 {
		return fmt.Errorf("lockout ratelimit attempts_per_min must be at least 1 when enabled")
	}

	return nil
}

// ReactivationNeedsPassphrase reports whether reactivating a removed
// device must re-verify the passphrase
func (c *DevicesConfig) ReactivationNeedsPassphrase() bool {
	return c.RequirePassphraseOnReactivate == nil || *c.RequirePassphraseOnReactivate
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "credvault")
	}
	return filepath.Join(home, ".credvault")
}
