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

// Package app wires the vault components together from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jeremyhahn/go-credvault/internal/config"
	"github.com/jeremyhahn/go-credvault/pkg/adapters/audit"
	"github.com/jeremyhahn/go-credvault/pkg/adapters/kdf"
	"github.com/jeremyhahn/go-credvault/pkg/adapters/logger"
	"github.com/jeremyhahn/go-credvault/pkg/credvault"
	"github.com/jeremyhahn/go-credvault/pkg/device"
	"github.com/jeremyhahn/go-credvault/pkg/envelope"
	"github.com/jeremyhahn/go-credvault/pkg/keystore"
	"github.com/jeremyhahn/go-credvault/pkg/kms"
	"github.com/jeremyhahn/go-credvault/pkg/lockout"
	"github.com/jeremyhahn/go-credvault/pkg/metrics"
	"github.com/jeremyhahn/go-credvault/pkg/migration"
	"github.com/jeremyhahn/go-credvault/pkg/ratelimit"
	"github.com/jeremyhahn/go-credvault/pkg/records"
	"github.com/jeremyhahn/go-credvault/pkg/secrets"
	"github.com/jeremyhahn/go-credvault/pkg/secure"
	"github.com/jeremyhahn/go-credvault/pkg/storage"
	"github.com/jeremyhahn/go-credvault/pkg/storage/file"
	"github.com/jeremyhahn/go-credvault/pkg/storage/sqlite"
	"github.com/jeremyhahn/go-credvault/pkg/types"
)

const localSeedFile = "kms.seed"

// App holds every long-lived component. The server envelope and KMS
// provider are resolved once here and passed explicitly to their consumers.
type App struct {
	Config     *config.Config
	Logger     logger.Logger
	Storage    storage.Backend
	Repository *records.Repository
	Auditor    audit.AuditAdapter
	Guard      *lockout.Guard
	Server     *envelope.Server
	KMS        kms.Provider
	Deriver    *kdf.Pool
	Keystore   *keystore.Store
	Devices    *device.Governor
	Vault      *credvault.Vault
	Migration  *migration.Coordinator
}

// New builds the application from cfg. A configured server secret that is
// missing or empty fails with types.ErrNotConfigured.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	log, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	if cfg.Metrics.Enabled {
		metrics.Enable()
	} else {
		metrics.Disable()
	}

	a := &App{Config: cfg, Logger: log}
	if err := a.init(ctx); err != nil {
		if cerr := a.Close(); cerr != nil {
			log.Error("failed to release resources", logger.Error(cerr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	backend, err := NewStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.Storage = backend

	a.Repository, err = records.New(backend)
	if err != nil {
		return err
	}
	a.Auditor = audit.NewStorageAuditAdapter(backend)

	a.Guard, err = lockout.New(a.Repository, a.Auditor, &lockout.Config{
		Threshold: cfg.Lockout.Threshold,
		Duration:  cfg.Lockout.Duration,
		RateLimit: &ratelimit.Config{
			Enabled:           cfg.Lockout.RateLimit.Enabled,
			AttemptsPerMinute: cfg.Lockout.RateLimit.AttemptsPerMinute,
			Burst:             cfg.Lockout.RateLimit.Burst,
		},
		Logger: a.Logger,
	})
	if err != nil {
		return err
	}

	provider, err := secrets.New(ctx, &cfg.ServerSecret)
	if err != nil {
		return fmt.Errorf("failed to initialize server secret provider: %w", err)
	}
	if provider != nil {
		a.Server, err = envelope.NewServer(ctx, provider, &envelope.ServerConfig{Logger: a.Logger})
		if err != nil {
			return err
		}
	}

	kmsConfig, err := LocalSeed(cfg)
	if err != nil {
		return err
	}
	a.KMS, err = kms.New(ctx, kmsConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize KMS provider: %w", err)
	}

	a.Deriver = kdf.NewPool(&kdf.PoolConfig{Size: cfg.KDF.PoolSize, Logger: a.Logger})

	cost, err := AccountCost(cfg.KDF)
	if err != nil {
		return err
	}
	a.Keystore, err = keystore.New(&keystore.Config{
		Repository: a.Repository,
		Deriver:    a.Deriver,
		Server:     a.Server,
		KMS:        a.KMS,
		Guard:      a.Guard,
		Cost:       cost,
		Logger:     a.Logger,
	})
	if err != nil {
		return err
	}

	tiers, limits, costs, err := DevicePolicy(cfg.Devices)
	if err != nil {
		return err
	}
	a.Devices, err = device.New(&device.Config{
		Keystore:                    a.Keystore,
		Tiers:                       tiers,
		Limits:                      limits,
		Costs:                       costs,
		ReactivateWithoutPassphrase: !cfg.Devices.ReactivationNeedsPassphrase(),
		Logger:                      a.Logger,
	})
	if err != nil {
		return err
	}

	a.Vault, err = credvault.New(&credvault.Config{
		Keystore: a.Keystore,
		Devices:  a.Devices,
		Logger:   a.Logger,
	})
	if err != nil {
		return err
	}

	a.Migration, err = migration.New(&migration.Config{
		Keystore: a.Keystore,
		Logger:   a.Logger,
	})
	return err
}

// Close releases the KMS provider and the record store and, when
// configured, writes the collected metrics to the textfile
func (a *App) Close() error {
	var errs []error
	if a.KMS != nil {
		if err := a.KMS.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Config.Metrics.Enabled && a.Config.Metrics.TextfilePath != "" {
		if err := prometheus.WriteToTextfile(a.Config.Metrics.TextfilePath, prometheus.DefaultGatherer); err != nil {
			errs = append(errs, fmt.Errorf("failed to write metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}

// LocalSeed returns the KMS configuration to use. A local provider without
// a seed file over persistent storage gets one generated next to the data so
// that hybrid accounts survive a restart.
func LocalSeed(cfg *config.Config) (*kms.Config, error) {
	kc := cfg.KMS
	if kc.Provider != "" && kc.Provider != kms.ProviderLocal {
		return &kc, nil
	}
	if kc.Local != nil && kc.Local.SeedFile != "" {
		return &kc, nil
	}
	if cfg.Storage.Backend == config.StorageMemory {
		return &kc, nil
	}

	dir := cfg.Storage.Path
	if cfg.Storage.Backend == config.StorageSQLite {
		dir = filepath.Dir(dir)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	path := filepath.Join(dir, localSeedFile)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		seed, err := secure.RandomKey(kms.MinLocalSeedSize)
		if err != nil {
			return nil, err
		}
		defer seed.Destroy()
		if err := os.WriteFile(path, seed.Bytes(), 0600); err != nil {
			return nil, fmt.Errorf("failed to write local KMS seed: %w", err)
		}
	} else if err != nil {
		return nil, err
	}
	kc.Local = &kms.LocalConfig{SeedFile: path}
	return &kc, nil
}

// NewLogger builds the structured logger described by cfg
func NewLogger(cfg config.LoggingConfig) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logger.NewSlogAdapter(&logger.SlogConfig{
		Level:  level,
		JSON:   strings.EqualFold(cfg.Format, "json"),
		Output: os.Stderr,
	}), nil
}

// NewStorage opens the record store described by cfg
func NewStorage(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case config.StorageMemory:
		return storage.NewMemory(), nil
	case config.StorageFile:
		backend, err := file.New(cfg.Path)
		if err != nil {
			return nil, err
		}
		return backend, nil
	case config.StorageSQLite:
		db, err := sqlite.New(&sqlite.Config{Path: cfg.Path})
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %q", cfg.Backend)
	}
}

// AccountCost converts the configured KDF section into a persisted cost set
func AccountCost(cfg config.KDFConfig) (types.KDFParams, error) {
	var cost types.KDFParams
	switch strings.ToLower(cfg.Algorithm) {
	case "", "pbkdf2":
		cost = kdf.PBKDF2Cost(cfg.Iterations)
	case "argon2id":
		cost = kdf.Argon2idCost(cfg.Time, cfg.Memory, cfg.Threads)
	default:
		return types.KDFParams{}, fmt.Errorf("unsupported kdf algorithm: %q", cfg.Algorithm)
	}
	if err := kdf.ValidateCost(cost); err != nil {
		return types.KDFParams{}, err
	}
	return cost, nil
}

// DevicePolicy converts the configured devices section into the governor's
// tier resolver, ceilings and cost table
func DevicePolicy(cfg config.DevicesConfig) (*device.StaticTiers, device.Limits, *device.CostTable, error) {
	tiers := &device.StaticTiers{
		Accounts: make(map[string]types.Tier, len(cfg.Accounts)),
		Default:  types.Tier(cfg.DefaultTier),
	}
	for account, tier := range cfg.Accounts {
		tiers.Accounts[account] = types.Tier(tier)
	}

	limits := make(device.Limits, len(cfg.Tiers))
	for tier, n := range cfg.Tiers {
		limits[types.Tier(tier)] = n
	}

	costs := &device.CostTable{Iterations: make(map[types.DeviceProfile]int, len(cfg.ClassIterations))}
	for class, n := range cfg.ClassIterations {
		profile, err := types.ParseDeviceProfile(class)
		if err != nil {
			return nil, nil, nil, err
		}
		costs.Iterations[profile] = n
	}
	return tiers, limits, costs, nil
}
