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

// Package migration moves accounts from the single-wrap SchemeV1 key
// hierarchy to the hybrid SchemeV2 hierarchy.
//
// Migrating an account recovers its legacy Master Key, mints a KMS-backed
// DEK, re-encrypts every stored credential blob under the DEK and commits the
// account record at SchemeV2 with a revision check. Device wraps are reissued
// through the keystore's rekey listeners once the record is committed.
//
// Usage:
//
//	coordinator, err := migration.New(&migration.Config{Keystore: store})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Perform a dry-run to see what would be migrated
//	plan, err := coordinator.Plan(ctx, accountID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Will re-encrypt %d blobs\n", len(plan.Blobs))
//
//	result, err := coordinator.Migrate(ctx, accountID, passphrase, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Re-encrypted %d blobs\n", result.BlobsReencrypted)
package migration

import (
	"errors"
	"time"

	"github.com/jeremyhahn/go-credvault/pkg/types"
)

// Plan is a dry-run analysis of what migrating an account would touch
type Plan struct {
	AccountID string

	// Version is the account's current scheme version
	Version types.SchemeVersion

	// KeyEpoch is the account's current key epoch
	KeyEpoch uint64

	// Blobs are the credential blobs that would be re-encrypted
	Blobs []string

	// Devices is the number of device records that would be reissued,
	// including inactive ones
	Devices int

	// Warnings contains anything the operator should know before migrating
	Warnings []string

	// Timestamp when the plan was created
	Timestamp time.Time
}

// Result is the outcome of a migration
type Result struct {
	AccountID string

	// FromEpoch and ToEpoch are the account key epochs before and after
	FromEpoch uint64
	ToEpoch   uint64

	// BlobsReencrypted is the number of blobs sealed under the new DEK,
	// including any repaired by the post-commit sweep
	BlobsReencrypted int

	// BlobsRepaired is the number of blobs the post-commit sweep found still
	// sealed under the legacy key
	BlobsRepaired int

	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
}

// Options controls the behavior of a migration
type Options struct {
	// SkipVerification skips recovering the DEK through the committed record
	// before reporting success. Default is false.
	SkipVerification bool
}

var (
	// ErrVerificationFailed is returned when the committed record does not
	// recover the DEK the blobs were sealed under
	ErrVerificationFailed = errors.New("migration: verification failed")

	// ErrCommitted is matched by errors raised after the account record was
	// committed at SchemeV2. The migration cannot be retried.
	ErrCommitted = errors.New("migration: committed")
)

// CommittedError reports a failure that happened after the account was
// committed at SchemeV2. Result describes the completed migration.
type CommittedError struct {
	Result *Result
	Err    error
}

func (e *CommittedError) Error() string {
	return "committed at v2: " + e.Err.Error()
}

// Unwrap allows errors.Is(err, ErrCommitted) and matching on the cause
func (e *CommittedError) Unwrap() []error {
	return []error{ErrCommitted, e.Err}
}
