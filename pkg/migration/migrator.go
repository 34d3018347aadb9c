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

package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-credvault/pkg/adapters/audit"
	"github.com/jeremyhahn/go-credvault/pkg/adapters/logger"
	"github.com/jeremyhahn/go-credvault/pkg/credvault"
	"github.com/jeremyhahn/go-credvault/pkg/keystore"
	"github.com/jeremyhahn/go-credvault/pkg/lockout"
	"github.com/jeremyhahn/go-credvault/pkg/metrics"
	"github.com/jeremyhahn/go-credvault/pkg/records"
	"github.com/jeremyhahn/go-credvault/pkg/secure"
	"github.com/jeremyhahn/go-credvault/pkg/types"
)

// Config configures a Coordinator
type Config struct {
	Keystore *keystore.Store

	// Guard defaults to the keystore's guard
	Guard *lockout.Guard

	Logger logger.Logger
}

// Coordinator is the MigrationCoordinator
type Coordinator struct {
	store  *keystore.Store
	repo   *records.Repository
	guard  *lockout.Guard
	logger logger.Logger
}

// New creates a Coordinator
func New(config *Config) (*Coordinator, error) {
	if config == nil || config.Keystore == nil {
		return nil, fmt.Errorf("migration: keystore is required")
	}
	c := &Coordinator{
		store:  config.Keystore,
		repo:   config.Keystore.Repository(),
		guard:  config.Guard,
		logger: config.Logger,
	}
	if c.guard == nil {
		c.guard = config.Keystore.Guard()
	}
	if c.logger == nil {
		c.logger = logger.NewNopLogger()
	}
	return c, nil
}

// Plan performs a dry-run analysis of migrating accountID
func (c *Coordinator) Plan(ctx context.Context, accountID string) (*Plan, error) {
	rec, _, err := c.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if rec.Version == types.SchemeV2 {
		return nil, fmt.Errorf("migration: account %s: %w", accountID, types.ErrAlreadyMigrated)
	}

	blobs, err := c.repo.ListBlobNames(ctx, accountID)
	if err != nil {
		return nil, err
	}
	devices, err := c.repo.ListDevices(ctx, accountID)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		AccountID: accountID,
		Version:   rec.Version,
		KeyEpoch:  rec.KeyEpoch,
		Blobs:     blobs,
		Devices:   len(devices),
		Warnings:  make([]string, 0),
		Timestamp: c.store.Now(),
	}
	if c.store.KMS() == nil {
		plan.Warnings = append(plan.Warnings, "no KMS provider is configured; migration will fail")
	}
	if rec.IsDoubleWrapped() {
		plan.Warnings = append(plan.Warnings, "the server envelope is not applied to hybrid account wraps")
	}
	inactive := 0
	for _, d := range devices {
		if !d.IsActive {
			inactive++
		}
	}
	if inactive > 0 {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("%d inactive devices will be reissued under the new key", inactive))
	}
	return plan, nil
}

// Migrate moves accountID from SchemeV1 to SchemeV2. An account already at
// SchemeV2 fails with types.ErrAlreadyMigrated. The account record is only
// committed once every blob has been re-encrypted; a failure before the
// commit restores the original blobs. A verification failure after the
// commit returns the Result together with a *CommittedError.
func (c *Coordinator) Migrate(ctx context.Context, accountID string, passphrase types.Password, opts *Options) (*Result, error) {
	if opts == nil {
		opts = &Options{}
	}
	attempt := lockout.Attempt{
		AccountID:    accountID,
		Operation:    audit.OperationMigrate,
		ResourceType: audit.ResourceAccount,
		ResourceID:   accountID,
	}
	var result *Result
	err := c.guard.Do(ctx, attempt, func(ctx context.Context) (err error) {
		result, err = c.migrate(ctx, accountID, passphrase, opts)
		return err
	})
	if err != nil && !errors.Is(err, ErrCommitted) {
		return nil, err
	}
	return result, err
}

func (c *Coordinator) migrate(ctx context.Context, accountID string, passphrase types.Password, opts *Options) (result *Result, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordOperation(metrics.OpMigrate, err, time.Since(start).Seconds())
	}()

	rec, rev, err := c.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	switch rec.Version {
	case types.SchemeV1:
	case types.SchemeV2:
		return nil, fmt.Errorf("migration: account %s: %w", accountID, types.ErrAlreadyMigrated)
	default:
		return nil, fmt.Errorf("migration: account %s: %w", accountID, types.ErrUnsupportedVersion)
	}
	if c.store.KMS() == nil {
		return nil, fmt.Errorf("migration: no KMS provider: %w", types.ErrNotConfigured)
	}

	mk, err := c.store.Recover(ctx, accountID, passphrase)
	if err != nil {
		return nil, err
	}
	defer mk.Destroy()

	h, dek, err := c.store.GenerateHybridDEK(ctx, accountID, passphrase)
	if err != nil {
		return nil, err
	}
	defer dek.Destroy()

	epoch := rec.KeyEpoch + 1
	staged, originals, err := c.stage(ctx, accountID, mk, dek, epoch)
	if err != nil {
		return nil, err
	}
	if err := c.write(ctx, staged, originals); err != nil {
		return nil, err
	}

	now := c.store.Now()
	next := rec.Clone()
	next.Version = types.SchemeV2
	next.MasterKeyWrapped = nil
	next.Salt = nil
	next.IV = nil
	next.ServerWrappedKey = nil
	next.ServerIV = nil
	h.Apply(next)
	next.KeyEpoch = epoch
	next.MigratedAt = &now
	next.UpdatedAt = now
	if err := c.repo.UpdateAccount(ctx, next, rev); err != nil {
		c.restore(ctx, originals)
		return nil, fmt.Errorf("migration: commit %s: %w", accountID, err)
	}

	repaired, err := c.sweep(ctx, accountID, mk, dek, epoch)
	if err != nil {
		c.logger.ErrorContext(ctx, "post-migration sweep failed",
			logger.String("account_id", accountID),
			logger.Error(err))
	}

	var verifyErr error
	if !opts.SkipVerification {
		verifyErr = c.verify(ctx, accountID, passphrase, dek)
	}

	c.store.NotifyRekey(ctx, &keystore.RekeyEvent{
		AccountID:  accountID,
		Version:    types.SchemeV2,
		Epoch:      epoch,
		Key:        dek,
		Passphrase: passphrase,
	})

	end := time.Now()
	result = &Result{
		AccountID:        accountID,
		FromEpoch:        rec.KeyEpoch,
		ToEpoch:          epoch,
		BlobsReencrypted: len(staged) + repaired,
		BlobsRepaired:    repaired,
		StartTime:        start,
		EndTime:          end,
		Duration:         end.Sub(start),
	}
	if verifyErr != nil {
		c.logger.ErrorContext(ctx, "migrated account failed verification",
			logger.String("account_id", accountID),
			logger.Uint64("key_epoch", epoch),
			logger.Error(verifyErr))
		return result, &CommittedError{Result: result, Err: verifyErr}
	}
	c.logger.InfoContext(ctx, "account migrated",
		logger.String("account_id", accountID),
		logger.Uint64("key_epoch", epoch),
		logger.Int("blobs", result.BlobsReencrypted))
	return result, nil
}

// stage opens every blob under mk and reseals it under dek without writing
// anything. A blob that no longer exists is skipped.
func (c *Coordinator) stage(ctx context.Context, accountID string, mk, dek *secure.Key, epoch uint64) (staged, originals []*types.CredentialBlob, err error) {
	names, err := c.repo.ListBlobNames(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	for _, name := range names {
		blob, err := c.repo.GetBlob(ctx, accountID, name)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		next, err := reseal(mk, dek, accountID, blob, epoch)
		if err != nil {
			return nil, nil, err
		}
		next.UpdatedAt = c.store.Now()
		staged = append(staged, next)
		originals = append(originals, blob)
	}
	return staged, originals, nil
}

// write stores staged blobs, restoring the originals already overwritten if
// any write fails
func (c *Coordinator) write(ctx context.Context, staged, originals []*types.CredentialBlob) error {
	for i, blob := range staged {
		if err := c.repo.PutBlob(ctx, blob); err != nil {
			c.restore(ctx, originals[:i])
			return fmt.Errorf("migration: blob %q: %w", blob.Name, err)
		}
	}
	return nil
}

func (c *Coordinator) restore(ctx context.Context, originals []*types.CredentialBlob) {
	for _, blob := range originals {
		if err := c.repo.PutBlob(ctx, blob); err != nil {
			c.logger.ErrorContext(ctx, "failed to restore credential blob",
				logger.String("account_id", blob.OwnerID),
				logger.String("name", blob.Name),
				logger.Error(err))
		}
	}
}

// sweep reseals blobs written under the legacy key by requests that raced
// the commit
func (c *Coordinator) sweep(ctx context.Context, accountID string, mk, dek *secure.Key, epoch uint64) (int, error) {
	names, err := c.repo.ListBlobNames(ctx, accountID)
	if err != nil {
		return 0, err
	}
	repaired := 0
	var errs []error
	for _, name := range names {
		blob, err := c.repo.GetBlob(ctx, accountID, name)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if blob.KeyEpoch >= epoch {
			continue
		}
		next, err := reseal(mk, dek, accountID, blob, epoch)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		next.UpdatedAt = c.store.Now()
		if err := c.repo.PutBlob(ctx, next); err != nil {
			errs = append(errs, err)
			continue
		}
		repaired++
	}
	return repaired, errors.Join(errs...)
}

// verify recovers the DEK through the committed record
func (c *Coordinator) verify(ctx context.Context, accountID string, passphrase types.Password, dek *secure.Key) error {
	got, err := c.store.RecoverHybridDEK(ctx, accountID, passphrase)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	defer got.Destroy()
	if !got.Equal(dek) {
		return fmt.Errorf("%w: recovered key differs: %w", ErrVerificationFailed, types.ErrIntegrityViolation)
	}
	return nil
}

func reseal(mk, dek *secure.Key, accountID string, blob *types.CredentialBlob, epoch uint64) (*types.CredentialBlob, error) {
	plaintext, err := credvault.Open(mk, accountID, blob)
	if err != nil {
		return nil, fmt.Errorf("migration: %w", err)
	}
	defer secure.Wipe(plaintext)
	return credvault.Seal(dek, accountID, blob.Name, epoch, plaintext)
}
