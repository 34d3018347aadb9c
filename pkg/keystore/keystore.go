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

// Package keystore manages the per-account root of trust.
//
// A SchemeV1 account wraps a random 32-byte Master Key under a KEK derived
// from the user's passphrase, optionally sealed again under the server
// envelope. A SchemeV2 (hybrid) account keeps two independent wraps of a
// KMS-minted DEK, one under the provider's Server Master Key and one under a
// passphrase-derived KEK, and cross-checks them on every recovery.
package keystore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jeremyhahn/go-credvault/pkg/adapters/audit"
	"github.com/jeremyhahn/go-credvault/pkg/adapters/kdf"
	"github.com/jeremyhahn/go-credvault/pkg/adapters/logger"
	"github.com/jeremyhahn/go-credvault/pkg/envelope"
	"github.com/jeremyhahn/go-credvault/pkg/kms"
	"github.com/jeremyhahn/go-credvault/pkg/lockout"
	"github.com/jeremyhahn/go-credvault/pkg/metrics"
	"github.com/jeremyhahn/go-credvault/pkg/records"
	"github.com/jeremyhahn/go-credvault/pkg/secure"
	"github.com/jeremyhahn/go-credvault/pkg/types"
)

// RekeyEvent is delivered to listeners after a successful rekey. Key and
// Passphrase are owned by the store and are wiped once every listener returns.
type RekeyEvent struct {
	AccountID  string
	Version    types.SchemeVersion
	Epoch      uint64
	Key        *secure.Key
	Passphrase types.Password
}

// RekeyListener reacts to a committed rekey, typically by reissuing device wraps
type RekeyListener func(ctx context.Context, event *RekeyEvent) error

// Config configures a Store
type Config struct {
	Repository *records.Repository

	// Deriver runs passphrase derivations. Defaults to a kdf.Pool sized to
	// the number of CPUs.
	Deriver kdf.Deriver

	// Server is the optional outer envelope for SchemeV1 wraps
	Server *envelope.Server

	// KMS is required for SchemeV2 accounts
	KMS kms.Provider

	// Guard applies the lockout policy to setup and rekey operations.
	// Optional.
	Guard *lockout.Guard

	// Cost is the KDF cost set for new wraps. Defaults to kdf.DefaultAccountCost().
	Cost types.KDFParams

	Logger logger.Logger

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Store is the AccountKeyStore
type Store struct {
	repo    *records.Repository
	deriver kdf.Deriver
	server  *envelope.Server
	kms     kms.Provider
	guard   *lockout.Guard
	cost    types.KDFParams
	logger  logger.Logger
	now     func() time.Time

	mu        sync.RWMutex
	listeners []RekeyListener
}

// Status describes an account's key state without exposing key material
type Status struct {
	AccountID      string
	Version        types.SchemeVersion
	KeyEpoch       uint64
	KDF            types.KDFParams
	DoubleWrapped  bool
	FailedAttempts int
	LockedUntil    *time.Time
	MigratedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// New creates a Store
func New(config *Config) (*Store, error) {
	if config == nil || config.Repository == nil {
		return nil, fmt.Errorf("keystore: repository is required")
	}
	s := &Store{
		repo:    config.Repository,
		deriver: config.Deriver,
		server:  config.Server,
		kms:     config.KMS,
		guard:   config.Guard,
		cost:    config.Cost,
		logger:  config.Logger,
		now:     config.Now,
	}
	if s.logger == nil {
		s.logger = logger.NewNopLogger()
	}
	if s.deriver == nil {
		s.deriver = kdf.NewPool(&kdf.PoolConfig{Logger: s.logger})
	}
	if s.cost.Algorithm == "" {
		s.cost = kdf.DefaultAccountCost()
	}
	if err := kdf.ValidateCost(s.cost); err != nil {
		return nil, fmt.Errorf("keystore: invalid KDF cost: %w", err)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Repository returns the record repository
func (s *Store) Repository() *records.Repository {
	return s.repo
}

// Deriver returns the KDF worker pool
func (s *Store) Deriver() kdf.Deriver {
	return s.deriver
}

// Server returns the server envelope, or nil when disabled
func (s *Store) Server() *envelope.Server {
	return s.server
}

// KMS returns the KMS provider, or nil when none is configured
func (s *Store) KMS() kms.Provider {
	return s.kms
}

// Now returns the store clock
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// OnRekey registers a listener invoked after every committed rekey
func (s *Store) OnRekey(listener RekeyListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// Guard returns the lockout guard, or nil when none is configured
func (s *Store) Guard() *lockout.Guard {
	return s.guard
}

// Setup creates a SchemeV1 account. The Master Key is generated, wrapped and
// discarded; it is only ever reconstructed from the passphrase.
func (s *Store) Setup(ctx context.Context, accountID string, passphrase types.Password) error {
	return s.guard.Do(ctx, accountAttempt(accountID, audit.OperationSetup), func(ctx context.Context) error {
		return s.setup(ctx, accountID, passphrase)
	})
}

func (s *Store) setup(ctx context.Context, accountID string, passphrase types.Password) (err error) {
	defer observe(metrics.OpSetup, time.Now(), &err)

	mk, err := secure.RandomKey(types.KeySize)
	if err != nil {
		return err
	}
	defer mk.Destroy()

	now := s.Now()
	rec := &types.AccountKeyRecord{
		AccountID: accountID,
		Version:   types.SchemeV1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.wrapV1(ctx, rec, mk, passphrase); err != nil {
		return err
	}
	if err := s.repo.CreateAccount(ctx, rec); err != nil {
		return fmt.Errorf("keystore: setup %s: %w", accountID, err)
	}
	s.logger.InfoContext(ctx, "account encryption set up",
		logger.String("account_id", accountID),
		logger.String("version", rec.Version.String()),
		logger.Bool("double_wrapped", rec.IsDoubleWrapped()))
	return nil
}

// Recover reconstructs the Master Key of a SchemeV1 account. A wrong
// passphrase fails with types.ErrAuthenticationFailure. Recover is not
// guarded; callers that expose it apply the lockout policy themselves.
func (s *Store) Recover(ctx context.Context, accountID string, passphrase types.Password) (key *secure.Key, err error) {
	defer observe(metrics.OpRecover, time.Now(), &err)

	rec, _, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if rec.Version != types.SchemeV1 {
		return nil, fmt.Errorf("keystore: recover %s at %s: %w", accountID, rec.Version, types.ErrUnsupportedVersion)
	}
	return s.recoverV1(ctx, rec, passphrase)
}

// UnlockKey resolves the account's data key whatever its scheme version.
// The returned record is the one the key was recovered from. Like Recover,
// it is not guarded.
func (s *Store) UnlockKey(ctx context.Context, accountID string, passphrase types.Password) (*secure.Key, *types.AccountKeyRecord, error) {
	rec, _, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	var key *secure.Key
	switch rec.Version {
	case types.SchemeV1:
		key, err = s.recoverV1(ctx, rec, passphrase)
	case types.SchemeV2:
		key, err = s.recoverHybrid(ctx, rec, passphrase)
	default:
		err = fmt.Errorf("keystore: account %s: %w", accountID, types.ErrUnsupportedVersion)
	}
	if err != nil {
		return nil, nil, err
	}
	return key, rec, nil
}

// Rotate replaces the passphrase wrap in place. The old passphrase must
// unlock the account first. The underlying key bytes are unchanged; the
// salt, IV and wrap are fresh and KeyEpoch advances.
func (s *Store) Rotate(ctx context.Context, accountID string, oldPassphrase, newPassphrase types.Password) error {
	return s.guard.Do(ctx, accountAttempt(accountID, audit.OperationRekey), func(ctx context.Context) error {
		return s.rotate(ctx, accountID, oldPassphrase, newPassphrase)
	})
}

func (s *Store) rotate(ctx context.Context, accountID string, oldPassphrase, newPassphrase types.Password) (err error) {
	defer observe(metrics.OpRotate, time.Now(), &err)

	rec, rev, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if rec.Version == types.SchemeV2 {
		return s.reencryptHybrid(ctx, rec, rev, oldPassphrase, newPassphrase)
	}
	if rec.Version != types.SchemeV1 {
		return fmt.Errorf("keystore: rotate %s: %w", accountID, types.ErrUnsupportedVersion)
	}

	mk, err := s.recoverV1(ctx, rec, oldPassphrase)
	if err != nil {
		return err
	}
	defer mk.Destroy()

	next := rec.Clone()
	if err := s.wrapV1(ctx, next, mk, newPassphrase); err != nil {
		return err
	}
	next.KeyEpoch++
	next.UpdatedAt = s.Now()
	if err := s.repo.UpdateAccount(ctx, next, rev); err != nil {
		return fmt.Errorf("keystore: rotate %s: %w", accountID, err)
	}

	s.logger.InfoContext(ctx, "account passphrase rotated",
		logger.String("account_id", accountID),
		logger.Uint64("key_epoch", next.KeyEpoch))
	s.NotifyRekey(ctx, &RekeyEvent{
		AccountID:  accountID,
		Version:    next.Version,
		Epoch:      next.KeyEpoch,
		Key:        mk,
		Passphrase: newPassphrase,
	})
	return nil
}

// Status reports the account's key state
func (s *Store) Status(ctx context.Context, accountID string) (*Status, error) {
	rec, _, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &Status{
		AccountID:      rec.AccountID,
		Version:        rec.Version,
		KeyEpoch:       rec.KeyEpoch,
		KDF:            CostOf(rec),
		DoubleWrapped:  rec.IsDoubleWrapped(),
		FailedAttempts: rec.FailedAttempts,
		LockedUntil:    rec.LockedUntil,
		MigratedAt:     rec.MigratedAt,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}, nil
}

// NotifyRekey delivers event to every registered listener. Listener errors
// are logged; the rekey is already committed and stale device wraps are
// detected through KeyEpoch.
func (s *Store) NotifyRekey(ctx context.Context, event *RekeyEvent) {
	s.mu.RLock()
	listeners := append([]RekeyListener(nil), s.listeners...)
	s.mu.RUnlock()

	for _, l := range listeners {
		if err := l(ctx, event); err != nil {
			s.logger.ErrorContext(ctx, "rekey listener failed",
				logger.String("account_id", event.AccountID),
				logger.Uint64("key_epoch", event.Epoch),
				logger.Error(err))
		}
	}
}

// DeriveKEK derives a wrap key from passphrase on the store's worker pool
func (s *Store) DeriveKEK(ctx context.Context, passphrase types.Password, salt []byte, cost types.KDFParams) (*secure.Key, error) {
	if passphrase == nil {
		return nil, types.ErrInvalidPassphrase
	}
	pass := passphrase.Bytes()
	if len(pass) == 0 {
		return nil, types.ErrInvalidPassphrase
	}
	defer secure.Wipe(pass)
	return s.deriver.Derive(ctx, pass, salt, cost)
}

// CostOf returns the KDF cost set persisted on rec. Records that predate
// KDFParams fall back to the flat KDFAlgorithm and KDFIterations fields.
func CostOf(rec *types.AccountKeyRecord) types.KDFParams {
	if rec.KDFParams.Algorithm != "" {
		return rec.KDFParams
	}
	cost := kdf.PBKDF2Cost(rec.KDFIterations)
	if rec.KDFAlgorithm != "" {
		cost.Algorithm = rec.KDFAlgorithm
		if alg, err := kdf.ParseAlgorithm(rec.KDFAlgorithm); err == nil {
			cost.Algorithm = alg.String()
		}
	}
	return cost
}

// NewSalt returns a fresh random KDF salt
func NewSalt() ([]byte, error) {
	salt := make([]byte, types.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("keystore: failed to generate salt: %w", err)
	}
	return salt, nil
}

// AccountAAD is the additional authenticated data bound to account-level wraps
func AccountAAD(accountID string) []byte {
	return []byte(accountID)
}

// wrapV1 wraps mk under a KEK derived from passphrase with a fresh salt and
// writes the v1 fields of rec.
func (s *Store) wrapV1(ctx context.Context, rec *types.AccountKeyRecord, mk *secure.Key, passphrase types.Password) error {
	salt, err := NewSalt()
	if err != nil {
		return err
	}
	kek, err := s.DeriveKEK(ctx, passphrase, salt, s.cost)
	if err != nil {
		return err
	}
	defer kek.Destroy()

	layers, err := envelope.Seal(s.server, kek, mk, AccountAAD(rec.AccountID))
	if err != nil {
		return err
	}
	rec.MasterKeyWrapped = layers.Wrapped
	rec.IV = layers.IV
	rec.ServerWrappedKey = layers.ServerWrapped
	rec.ServerIV = layers.ServerIV
	rec.Salt = salt
	rec.KDFParams = s.cost
	rec.KDFAlgorithm = s.cost.Algorithm
	rec.KDFIterations = s.cost.Iterations
	return nil
}

func (s *Store) recoverV1(ctx context.Context, rec *types.AccountKeyRecord, passphrase types.Password) (*secure.Key, error) {
	kek, err := s.DeriveKEK(ctx, passphrase, rec.Salt, CostOf(rec))
	if err != nil {
		return nil, err
	}
	defer kek.Destroy()

	layers := &envelope.Layers{
		Wrapped:       rec.MasterKeyWrapped,
		IV:            rec.IV,
		ServerWrapped: rec.ServerWrappedKey,
		ServerIV:      rec.ServerIV,
	}
	mk, err := layers.Open(s.server, kek, AccountAAD(rec.AccountID))
	if err != nil {
		return nil, fmt.Errorf("keystore: account %s: %w", rec.AccountID, err)
	}
	return mk, nil
}

func accountAttempt(accountID string, op audit.Operation) lockout.Attempt {
	return lockout.Attempt{
		AccountID:    accountID,
		Operation:    op,
		ResourceType: audit.ResourceAccount,
		ResourceID:   accountID,
	}
}

func observe(op string, start time.Time, err *error) {
	metrics.RecordOperation(op, *err, time.Since(start).Seconds())
}

// isContextError reports whether err is a cancellation or deadline
func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
