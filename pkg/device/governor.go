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

// Package device re-wraps an account's key per client device with a KDF cost
// tuned to the device class, and governs how many devices an account may
// keep active.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-credvault/pkg/adapters/audit"
	"github.com/jeremyhahn/go-credvault/pkg/adapters/logger"
	"github.com/jeremyhahn/go-credvault/pkg/envelope"
	"github.com/jeremyhahn/go-credvault/pkg/keystore"
	"github.com/jeremyhahn/go-credvault/pkg/lockout"
	"github.com/jeremyhahn/go-credvault/pkg/metrics"
	"github.com/jeremyhahn/go-credvault/pkg/records"
	"github.com/jeremyhahn/go-credvault/pkg/secure"
	"github.com/jeremyhahn/go-credvault/pkg/types"
)

// ErrDeviceInactive is returned when unlocking through a removed device
var ErrDeviceInactive = fmt.Errorf("device: inactive: %w", types.ErrDeviceNotFound)

// Config configures a Governor
type Config struct {
	Keystore *keystore.Store

	// Tiers defaults to every account on types.TierBasic
	Tiers TierResolver

	// Limits defaults to types.DefaultTierLimits
	Limits Limits

	// Costs defaults to DefaultClassIterations
	Costs *CostTable

	// ReactivateWithoutPassphrase lets a removed device be reactivated
	// without re-verifying the passphrase. Off by default.
	ReactivateWithoutPassphrase bool

	// Guard defaults to the keystore's guard
	Guard *lockout.Guard

	Logger logger.Logger
}

// Validation is the outcome of Validate
type Validation struct {
	Status          types.DeviceStatus
	CanAutoRegister bool
	ActiveCount     int
	MaxDevices      int
	Device          *types.DeviceKeyRecord
}

// Governor is the DeviceKeyStore and DeviceGovernor
type Governor struct {
	store  *keystore.Store
	repo   *records.Repository
	tiers  TierResolver
	limits Limits
	costs  *CostTable
	guard  *lockout.Guard
	logger logger.Logger

	reactivateWithoutPassphrase bool

	locks records.AccountLocks
}

// New creates a Governor and subscribes it to the keystore's rekey events so
// that every device wrap is reissued after a rotation or migration.
func New(config *Config) (*Governor, error) {
	if config == nil || config.Keystore == nil {
		return nil, fmt.Errorf("device: keystore is required")
	}
	g := &Governor{
		store:                       config.Keystore,
		repo:                        config.Keystore.Repository(),
		tiers:                       config.Tiers,
		limits:                      config.Limits,
		costs:                       config.Costs,
		guard:                       config.Guard,
		logger:                      config.Logger,
		reactivateWithoutPassphrase: config.ReactivateWithoutPassphrase,
	}
	if g.tiers == nil {
		g.tiers = &StaticTiers{}
	}
	if g.limits == nil {
		g.limits = Limits(types.DefaultTierLimits)
	}
	if g.costs == nil {
		g.costs = &CostTable{}
	}
	if g.guard == nil {
		g.guard = config.Keystore.Guard()
	}
	if g.logger == nil {
		g.logger = logger.NewNopLogger()
	}
	g.store.OnRekey(g.ReissueAll)
	return g, nil
}

// Register returns the device record for deviceID, creating or reactivating
// it as needed. Every path verifies passphrase against the account-level
// envelope first, so a caller who does not know the passphrase cannot
// harvest an existing device wrap. New and reactivated devices are subject
// to the tier ceiling.
func (g *Governor) Register(ctx context.Context, accountID, deviceID string, profile types.DeviceProfile, passphrase types.Password) (*types.DeviceKeyRecord, error) {
	var dev *types.DeviceKeyRecord
	attempt := deviceAttempt(accountID, deviceID, audit.OperationRegister)
	attempt.Metadata = map[string]string{"device_class": profile.String()}
	err := g.guard.Do(ctx, attempt, func(ctx context.Context) (err error) {
		defer observe(metrics.OpRegister, time.Now(), &err)
		dev, err = g.register(ctx, accountID, deviceID, profile, passphrase)
		return err
	})
	return dev, err
}

// Reactivate re-enables a removed device under the tier ceiling. passphrase
// may be nil only when the governor allows reactivation without one. For a
// device that is already active nothing is verified, so the returned record
// carries no wrap material; use Register to obtain the wrap.
func (g *Governor) Reactivate(ctx context.Context, accountID, deviceID string, passphrase types.Password) (*types.DeviceKeyRecord, error) {
	var dev *types.DeviceKeyRecord
	err := g.guard.Do(ctx, deviceAttempt(accountID, deviceID, audit.OperationReactivate), func(ctx context.Context) (err error) {
		defer observe(metrics.OpReactivate, time.Now(), &err)
		unlock := g.locks.Lock(accountID)
		defer unlock()

		rec, rev, err := g.repo.GetDevice(ctx, accountID, deviceID)
		if err != nil {
			return err
		}
		if rec.IsActive {
			dev = withoutWrap(rec)
			return nil
		}
		dev, err = g.reactivate(ctx, rec, rev, passphrase)
		return err
	})
	return dev, err
}

// Validate checks a device on an incoming request. An active device has its
// LastUsedAt refreshed and needs no passphrase. For a missing or removed
// device the result reports whether registration would fit under the
// ceiling.
func (g *Governor) Validate(ctx context.Context, accountID, deviceID string) (v *Validation, err error) {
	defer observe(metrics.OpValidate, time.Now(), &err)

	acct, _, err := g.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	active, limit, err := g.capacity(ctx, accountID)
	if err != nil {
		return nil, err
	}
	v = &Validation{ActiveCount: active, MaxDevices: limit}

	dev, rev, err := g.repo.GetDevice(ctx, accountID, deviceID)
	switch {
	case errors.Is(err, types.ErrDeviceNotFound):
		v.Status = types.DeviceStatusMissing
		v.CanAutoRegister = active < limit
		return v, nil
	case err != nil:
		return nil, err
	}

	v.Device = dev
	if !dev.IsActive {
		v.Status = types.DeviceStatusInactive
		v.CanAutoRegister = active < limit
		return v, nil
	}

	v.Status = types.DeviceStatusActive
	if dev.KeyEpoch < acct.KeyEpoch {
		v.Status = types.DeviceStatusStale
	}
	g.touch(ctx, dev, rev)
	return v, nil
}

// Remove soft-deletes a device. Its wrap is retained for reactivation and
// its ceiling slot is freed. Removing an inactive device is a no-op.
func (g *Governor) Remove(ctx context.Context, accountID, deviceID string) error {
	return g.guard.Do(ctx, deviceAttempt(accountID, deviceID, audit.OperationRemove), func(ctx context.Context) (err error) {
		defer observe(metrics.OpRemove, time.Now(), &err)
		unlock := g.locks.Lock(accountID)
		defer unlock()

		dev, rev, err := g.repo.GetDevice(ctx, accountID, deviceID)
		if err != nil {
			return err
		}
		if !dev.IsActive {
			return nil
		}
		now := g.store.Now()
		dev.IsActive = false
		dev.DeactivatedAt = &now
		if err := g.repo.UpdateDevice(ctx, dev, rev); err != nil {
			return err
		}
		g.logger.InfoContext(ctx, "device removed",
			logger.String("account_id", accountID),
			logger.String("device_id", deviceID))
		return nil
	})
}

// List returns every device record of the account, active or not
func (g *Governor) List(ctx context.Context, accountID string) ([]*types.DeviceKeyRecord, error) {
	if _, _, err := g.repo.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return g.repo.ListDevices(ctx, accountID)
}

// Unlock recovers the account key through a device wrap
func (g *Governor) Unlock(ctx context.Context, accountID, deviceID string, passphrase types.Password) (*secure.Key, error) {
	var key *secure.Key
	err := g.guard.Do(ctx, deviceAttempt(accountID, deviceID, audit.OperationDecrypt), func(ctx context.Context) (err error) {
		key, err = g.UnlockKey(ctx, accountID, deviceID, passphrase)
		return err
	})
	return key, err
}

// UnlockKey is Unlock without the lockout policy. It derives the device KEK
// at the device's own cost, peels the server layer and unwraps. On a hybrid
// account the result is cross-checked against the KMS copy. A wrap issued
// under an older key epoch is recovered through the account envelope and
// reissued.
func (g *Governor) UnlockKey(ctx context.Context, accountID, deviceID string, passphrase types.Password) (key *secure.Key, err error) {
	defer observe(metrics.OpUnlock, time.Now(), &err)

	dev, rev, err := g.repo.GetDevice(ctx, accountID, deviceID)
	if err != nil {
		return nil, err
	}
	if !dev.IsActive {
		return nil, ErrDeviceInactive
	}
	acct, _, err := g.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if dev.KeyEpoch < acct.KeyEpoch {
		return g.refreshStale(ctx, accountID, deviceID, passphrase)
	}

	kek, err := g.store.DeriveKEK(ctx, passphrase, dev.Salt, dev.KDFParams)
	if err != nil {
		return nil, err
	}
	defer kek.Destroy()

	key, err = layersOf(dev).Open(g.store.Server(), kek, AAD(accountID, deviceID))
	if err != nil {
		return nil, fmt.Errorf("device: %s/%s: %w", accountID, deviceID, err)
	}
	if acct.Version == types.SchemeV2 {
		if err := g.store.VerifyHybrid(ctx, acct, key); err != nil {
			key.Destroy()
			return nil, err
		}
	}
	g.touch(ctx, dev, rev)
	return key, nil
}

// ReissueAll rewraps every device record of the account, active or not,
// under the rekeyed key and the new passphrase. Each device keeps its own
// KDF cost and gets a fresh salt and IV.
func (g *Governor) ReissueAll(ctx context.Context, event *keystore.RekeyEvent) error {
	unlock := g.locks.Lock(event.AccountID)
	defer unlock()

	ids, err := g.repo.ListDeviceIDs(ctx, event.AccountID)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		dev, rev, err := g.repo.GetDevice(ctx, event.AccountID, id)
		if errors.Is(err, types.ErrDeviceNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := g.wrap(ctx, dev, event.Key, event.Passphrase, dev.KDFParams, event.Epoch); err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", id, err))
			continue
		}
		if err := g.repo.UpdateDevice(ctx, dev, rev); err != nil {
			errs = append(errs, err)
		}
	}
	g.logger.InfoContext(ctx, "device wraps reissued",
		logger.String("account_id", event.AccountID),
		logger.Uint64("key_epoch", event.Epoch),
		logger.Int("devices", len(ids)),
		logger.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// AAD is the additional authenticated data bound to a device wrap
func AAD(accountID, deviceID string) []byte {
	return []byte(accountID + "/" + deviceID)
}

func (g *Governor) register(ctx context.Context, accountID, deviceID string, profile types.DeviceProfile, passphrase types.Password) (*types.DeviceKeyRecord, error) {
	cost, err := g.costs.CostFor(profile)
	if err != nil {
		return nil, err
	}

	unlock := g.locks.Lock(accountID)
	defer unlock()

	dev, rev, err := g.repo.GetDevice(ctx, accountID, deviceID)
	switch {
	case err == nil && dev.IsActive:
		return g.confirm(ctx, dev, rev, passphrase)
	case err == nil:
		return g.reactivate(ctx, dev, rev, passphrase)
	case !errors.Is(err, types.ErrDeviceNotFound):
		return nil, err
	}

	if err := g.checkCeiling(ctx, accountID); err != nil {
		return nil, err
	}
	key, acct, err := g.store.UnlockKey(ctx, accountID, passphrase)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	now := g.store.Now()
	dev = &types.DeviceKeyRecord{
		AccountID:   accountID,
		DeviceID:    deviceID,
		DeviceClass: profile.Class,
		Platform:    profile.Platform,
		IsActive:    true,
		CreatedAt:   now,
		LastUsedAt:  now,
	}
	if err := g.wrap(ctx, dev, key, passphrase, cost, acct.KeyEpoch); err != nil {
		return nil, err
	}
	if err := g.repo.CreateDevice(ctx, dev); err != nil {
		return nil, err
	}
	g.logger.InfoContext(ctx, "device registered",
		logger.String("account_id", accountID),
		logger.String("device_id", deviceID),
		logger.String("device_class", profile.String()),
		logger.Int("kdf_iterations", dev.KDFIterations))
	return dev, nil
}

// confirm re-verifies the passphrase for an already active device and
// reissues its wrap if it predates the current key epoch.
func (g *Governor) confirm(ctx context.Context, dev *types.DeviceKeyRecord, rev uint64, passphrase types.Password) (*types.DeviceKeyRecord, error) {
	key, acct, err := g.store.UnlockKey(ctx, dev.AccountID, passphrase)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	if dev.KeyEpoch >= acct.KeyEpoch {
		return dev, nil
	}
	if err := g.wrap(ctx, dev, key, passphrase, dev.KDFParams, acct.KeyEpoch); err != nil {
		return nil, err
	}
	if err := g.repo.UpdateDevice(ctx, dev, rev); err != nil {
		return nil, err
	}
	return dev, nil
}

func (g *Governor) reactivate(ctx context.Context, dev *types.DeviceKeyRecord, rev uint64, passphrase types.Password) (*types.DeviceKeyRecord, error) {
	if err := g.checkCeiling(ctx, dev.AccountID); err != nil {
		return nil, err
	}

	switch {
	case passphrase != nil:
		key, acct, err := g.store.UnlockKey(ctx, dev.AccountID, passphrase)
		if err != nil {
			return nil, err
		}
		defer key.Destroy()
		if err := g.wrap(ctx, dev, key, passphrase, dev.KDFParams, acct.KeyEpoch); err != nil {
			return nil, err
		}
	case !g.reactivateWithoutPassphrase:
		return nil, fmt.Errorf("device: reactivation requires the passphrase: %w", types.ErrInvalidPassphrase)
	}

	now := g.store.Now()
	dev.IsActive = true
	dev.DeactivatedAt = nil
	dev.LastUsedAt = now
	if err := g.repo.UpdateDevice(ctx, dev, rev); err != nil {
		return nil, err
	}
	g.logger.InfoContext(ctx, "device reactivated",
		logger.String("account_id", dev.AccountID),
		logger.String("device_id", dev.DeviceID),
		logger.Bool("passphrase_verified", passphrase != nil))
	return dev, nil
}

func (g *Governor) refreshStale(ctx context.Context, accountID, deviceID string, passphrase types.Password) (*secure.Key, error) {
	unlock := g.locks.Lock(accountID)
	defer unlock()

	dev, rev, err := g.repo.GetDevice(ctx, accountID, deviceID)
	if err != nil {
		return nil, err
	}
	key, acct, err := g.store.UnlockKey(ctx, accountID, passphrase)
	if err != nil {
		return nil, err
	}
	if err := g.wrap(ctx, dev, key, passphrase, dev.KDFParams, acct.KeyEpoch); err != nil {
		key.Destroy()
		return nil, err
	}
	dev.LastUsedAt = g.store.Now()
	if err := g.repo.UpdateDevice(ctx, dev, rev); err != nil {
		key.Destroy()
		return nil, err
	}
	g.logger.InfoContext(ctx, "stale device wrap reissued",
		logger.String("account_id", accountID),
		logger.String("device_id", deviceID),
		logger.Uint64("key_epoch", acct.KeyEpoch))
	return key, nil
}

// wrap derives a device KEK with a fresh salt and writes the wrap of key
// into dev.
func (g *Governor) wrap(ctx context.Context, dev *types.DeviceKeyRecord, key *secure.Key, passphrase types.Password, cost types.KDFParams, epoch uint64) error {
	salt, err := keystore.NewSalt()
	if err != nil {
		return err
	}
	kek, err := g.store.DeriveKEK(ctx, passphrase, salt, cost)
	if err != nil {
		return err
	}
	defer kek.Destroy()

	layers, err := envelope.Seal(g.store.Server(), kek, key, AAD(dev.AccountID, dev.DeviceID))
	if err != nil {
		return err
	}
	dev.MasterKeyWrapped = layers.Wrapped
	dev.IV = layers.IV
	dev.ServerWrappedKey = layers.ServerWrapped
	dev.ServerIV = layers.ServerIV
	dev.Salt = salt
	dev.KDFParams = cost
	dev.KDFIterations = cost.Iterations
	dev.KeyEpoch = epoch
	return nil
}

func (g *Governor) capacity(ctx context.Context, accountID string) (active, limit int, err error) {
	tier, err := g.tiers.Tier(ctx, accountID)
	if err != nil {
		return 0, 0, err
	}
	limit, err = g.limits.MaxDevices(tier)
	if err != nil {
		return 0, 0, err
	}
	devices, err := g.repo.ListDevices(ctx, accountID)
	if err != nil {
		return 0, 0, err
	}
	for _, d := range devices {
		if d.IsActive {
			active++
		}
	}
	return active, limit, nil
}

func (g *Governor) checkCeiling(ctx context.Context, accountID string) error {
	active, limit, err := g.capacity(ctx, accountID)
	if err != nil {
		return err
	}
	if active >= limit {
		return &types.DeviceLimitError{DeviceCount: active, MaxDevices: limit}
	}
	return nil
}

// touch refreshes LastUsedAt. A lost race means another request already
// refreshed it.
func (g *Governor) touch(ctx context.Context, dev *types.DeviceKeyRecord, rev uint64) {
	dev.LastUsedAt = g.store.Now()
	if err := g.repo.UpdateDevice(ctx, dev, rev); err != nil && !errors.Is(err, types.ErrConcurrentModification) {
		g.logger.WarnContext(ctx, "failed to refresh device last use",
			logger.String("account_id", dev.AccountID),
			logger.String("device_id", dev.DeviceID),
			logger.Error(err))
	}
}

func layersOf(dev *types.DeviceKeyRecord) *envelope.Layers {
	return &envelope.Layers{
		Wrapped:       dev.MasterKeyWrapped,
		IV:            dev.IV,
		ServerWrapped: dev.ServerWrappedKey,
		ServerIV:      dev.ServerIV,
	}
}

func deviceAttempt(accountID, deviceID string, op audit.Operation) lockout.Attempt {
	return lockout.Attempt{
		AccountID:    accountID,
		Operation:    op,
		ResourceType: audit.ResourceDevice,
		ResourceID:   deviceID,
	}
}

// withoutWrap returns a copy of dev with its key wrap fields cleared
func withoutWrap(dev *types.DeviceKeyRecord) *types.DeviceKeyRecord {
	c := *dev
	c.MasterKeyWrapped = nil
	c.Salt = nil
	c.IV = nil
	c.ServerWrappedKey = nil
	c.ServerIV = nil
	return &c
}

func observe(op string, start time.Time, err *error) {
	metrics.RecordOperation(op, *err, time.Since(start).Seconds())
}
