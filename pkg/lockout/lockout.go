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

// Package lockout wraps security-sensitive account operations with a failed
// attempt counter, a temporary account lock and an audit trail.
//
// Only failures that indicate a guessing attacker are counted:
// authentication failures, integrity violations and device limit refusals.
// Configuration errors, missing records, lock refusals, cancellations and
// storage errors pass through untouched.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jeremyhahn/go-credvault/pkg/adapters/audit"
	"github.com/jeremyhahn/go-credvault/pkg/adapters/logger"
	"github.com/jeremyhahn/go-credvault/pkg/correlation"
	"github.com/jeremyhahn/go-credvault/pkg/metrics"
	"github.com/jeremyhahn/go-credvault/pkg/ratelimit"
	"github.com/jeremyhahn/go-credvault/pkg/records"
	"github.com/jeremyhahn/go-credvault/pkg/types"
)

const (
	// DefaultThreshold is the number of consecutive counted failures that lock an account
	DefaultThreshold = 5

	// DefaultDuration is how long an account stays locked
	DefaultDuration = 15 * time.Minute
)

// Config configures a Guard
type Config struct {
	// Threshold defaults to DefaultThreshold
	Threshold int

	// Duration defaults to DefaultDuration
	Duration time.Duration

	// RateLimit optionally throttles attempts per account
	RateLimit *ratelimit.Config

	Logger logger.Logger

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Attempt describes the operation being guarded
type Attempt struct {
	AccountID    string
	Operation    audit.Operation
	ResourceType string
	ResourceID   string
	Metadata     map[string]string
}

// Guard enforces the account lockout policy
type Guard struct {
	repo      *records.Repository
	auditor   audit.AuditAdapter
	limiter   *ratelimit.Limiter
	locks     records.AccountLocks
	threshold int
	duration  time.Duration
	logger    logger.Logger
	now       func() time.Time
}

// New creates a Guard over the account records in repo
func New(repo *records.Repository, auditor audit.AuditAdapter, config *Config) (*Guard, error) {
	if repo == nil {
		return nil, fmt.Errorf("lockout: repository is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("lockout: audit adapter is required")
	}
	if config == nil {
		config = &Config{}
	}
	g := &Guard{
		repo:      repo,
		auditor:   auditor,
		threshold: config.Threshold,
		duration:  config.Duration,
		logger:    config.Logger,
		now:       config.Now,
	}
	if g.threshold <= 0 {
		g.threshold = DefaultThreshold
	}
	if g.duration <= 0 {
		g.duration = DefaultDuration
	}
	if g.logger == nil {
		g.logger = logger.NewNopLogger()
	}
	if g.now == nil {
		g.now = time.Now
	}
	rl := config.RateLimit
	if rl != nil && rl.Now == nil {
		c := *rl
		c.Now = g.now
		rl = &c
	}
	g.limiter = ratelimit.New(rl)
	return g, nil
}

// Do runs fn under the lockout policy for attempt.AccountID and records the
// outcome in the audit log. The error returned by fn is passed through
// unchanged, joined with any failure to persist the attempt counter.
// fn, the audit entries and log lines all share one correlation ID, taken
// from ctx or generated. A nil Guard runs fn directly.
func (g *Guard) Do(ctx context.Context, attempt Attempt, fn func(ctx context.Context) error) error {
	ctx, _ = correlation.Ensure(ctx)
	if g == nil {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if !g.limiter.Allow(attempt.AccountID) {
		err := fmt.Errorf("lockout: too many attempts for account %s: %w", attempt.AccountID, types.ErrRateLimited)
		g.audit(ctx, attempt, err, nil)
		return err
	}

	rec, _, err := g.repo.GetAccount(ctx, attempt.AccountID)
	switch {
	case errors.Is(err, types.ErrAccountNotFound):
		rec = nil
	case err != nil:
		g.audit(ctx, attempt, err, nil)
		return err
	}

	if rec != nil && rec.IsLocked(g.now()) {
		err := &types.AccountLockedError{Until: *rec.LockedUntil}
		g.audit(ctx, attempt, err, nil)
		return err
	}

	opErr := fn(ctx)
	if opErr == nil {
		if rec != nil && (rec.FailedAttempts > 0 || rec.LockedUntil != nil) {
			if err := g.reset(ctx, attempt.AccountID); err != nil {
				g.logger.ErrorContext(ctx, "failed to reset attempt counter",
					logger.String("account_id", attempt.AccountID),
					logger.Error(err))
			}
		}
		g.audit(ctx, attempt, nil, nil)
		return nil
	}

	if !IsCounted(opErr) {
		g.audit(ctx, attempt, opErr, nil)
		return opErr
	}

	failed, cerr := g.registerFailure(ctx, attempt.AccountID)
	if cerr != nil {
		g.logger.ErrorContext(ctx, "failed to record failed attempt",
			logger.String("account_id", attempt.AccountID),
			logger.Error(cerr))
		g.audit(ctx, attempt, opErr, nil)
		return errors.Join(opErr, cerr)
	}
	g.audit(ctx, attempt, opErr, map[string]string{"failed_attempts": strconv.Itoa(failed)})
	return opErr
}

// IsCounted reports whether err counts towards the lockout threshold
func IsCounted(err error) bool {
	return errors.Is(err, types.ErrAuthenticationFailure) ||
		errors.Is(err, types.ErrIntegrityViolation) ||
		errors.Is(err, types.ErrDeviceLimitExceeded)
}

// Reset clears the attempt counter and any lock on the account
func (g *Guard) Reset(ctx context.Context, accountID string) error {
	g.limiter.Forget(accountID)
	return g.reset(ctx, accountID)
}

// Threshold returns the configured failure threshold
func (g *Guard) Threshold() int {
	return g.threshold
}

func (g *Guard) reset(ctx context.Context, accountID string) error {
	return g.mutate(ctx, accountID, func(rec *types.AccountKeyRecord) bool {
		if rec.FailedAttempts == 0 && rec.LockedUntil == nil {
			return false
		}
		rec.FailedAttempts = 0
		rec.LockedUntil = nil
		return true
	})
}

// registerFailure increments the counter and locks the account at the
// threshold. An expired lock starts a fresh window. Returns the new count.
func (g *Guard) registerFailure(ctx context.Context, accountID string) (int, error) {
	var (
		failed int
		locked *time.Time
	)
	err := g.mutate(ctx, accountID, func(rec *types.AccountKeyRecord) bool {
		now := g.now()
		if rec.LockedUntil != nil && !rec.IsLocked(now) {
			rec.FailedAttempts = 0
			rec.LockedUntil = nil
		}
		rec.FailedAttempts++
		failed = rec.FailedAttempts
		locked = nil
		if rec.FailedAttempts >= g.threshold && rec.LockedUntil == nil {
			until := now.Add(g.duration)
			rec.LockedUntil = &until
			locked = &until
		}
		return true
	})
	if errors.Is(err, types.ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if locked != nil {
		metrics.RecordLockout()
		g.logger.WarnContext(ctx, "account locked",
			logger.String("account_id", accountID),
			logger.Int("failed_attempts", failed),
			logger.Time("locked_until", *locked))
	}
	return failed, nil
}

// mutate applies fn to the current account record and writes it back with a
// revision check. Writers in this process are serialized per account; a race
// lost to another writer is retried until ctx ends, so no attempt is dropped.
// fn returns false to skip the write.
func (g *Guard) mutate(ctx context.Context, accountID string, fn func(rec *types.AccountKeyRecord) bool) error {
	unlock := g.locks.Lock(accountID)
	defer unlock()
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("lockout: account %s: %w", accountID, err)
		}
		rec, rev, err := g.repo.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if !fn(rec) {
			return nil
		}
		rec.UpdatedAt = g.now().UTC()
		err = g.repo.UpdateAccount(ctx, rec, rev)
		if !errors.Is(err, types.ErrConcurrentModification) {
			return err
		}
	}
}

func (g *Guard) audit(ctx context.Context, attempt Attempt, opErr error, extra map[string]string) {
	var metadata map[string]string
	if len(attempt.Metadata)+len(extra) > 0 {
		metadata = make(map[string]string, len(attempt.Metadata)+len(extra))
		for k, v := range attempt.Metadata {
			metadata[k] = v
		}
		for k, v := range extra {
			metadata[k] = v
		}
	}
	entry := &audit.AuditEntry{
		AccountID:    attempt.AccountID,
		Operation:    attempt.Operation,
		ResourceType: attempt.ResourceType,
		ResourceID:   attempt.ResourceID,
		Success:      opErr == nil,
		Metadata:     metadata,
		Timestamp:    g.now().UTC(),
	}
	if opErr != nil {
		entry.Error = metrics.ErrorType(opErr)
	}
	if err := g.auditor.Record(ctx, entry); err != nil {
		g.logger.ErrorContext(ctx, "failed to record audit entry",
			logger.String("account_id", attempt.AccountID),
			logger.String("operation", string(attempt.Operation)),
			logger.Error(err))
	}
}
