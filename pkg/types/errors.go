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

package types

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthenticationFailure is returned for a wrong passphrase or a failed
	// tag verification. The caller may retry with the correct passphrase.
	ErrAuthenticationFailure = errors.New("authentication failure")

	// ErrIntegrityViolation is returned when the two halves of a hybrid record
	// disagree. It is fatal for the affected record.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrDeviceLimitExceeded is matched by *DeviceLimitError.
	ErrDeviceLimitExceeded = errors.New("device limit exceeded")

	// ErrAccountLocked is matched by *AccountLockedError.
	ErrAccountLocked = errors.New("account locked")

	// ErrNotConfigured is a fatal deployment error raised at startup.
	ErrNotConfigured = errors.New("not configured")

	// ErrNotFound is the parent of ErrAccountNotFound and ErrDeviceNotFound.
	ErrNotFound = errors.New("not found")

	// ErrAccountNotFound means the account has no encryption set up yet.
	ErrAccountNotFound = fmt.Errorf("account %w", ErrNotFound)

	// ErrDeviceNotFound means the device was never registered.
	ErrDeviceNotFound = fmt.Errorf("device %w", ErrNotFound)

	// ErrAlreadyExists is returned by one-time operations such as setup.
	ErrAlreadyExists = errors.New("already exists")

	// ErrConcurrentModification is returned when an optimistic revision check loses a race.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrRateLimited is returned when attempts arrive faster than the configured rate.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyMigrated is returned when migrating an account that is already at SchemeV2.
	ErrAlreadyMigrated = errors.New("already migrated")

	// ErrUnsupportedVersion is returned for an operation the record's scheme does not support.
	ErrUnsupportedVersion = errors.New("unsupported scheme version")

	// ErrInvalidDeviceClass is returned for an unknown device class string.
	ErrInvalidDeviceClass = errors.New("invalid device class")

	// ErrInvalidPassphrase is returned for an empty passphrase.
	ErrInvalidPassphrase = errors.New("invalid passphrase")
)

// DeviceLimitError reports the active device count and the tier ceiling
type DeviceLimitError struct {
	DeviceCount int
	MaxDevices  int
}

func (e *DeviceLimitError) Error() string {
	return fmt.Sprintf("%s: %d of %d devices active", ErrDeviceLimitExceeded, e.DeviceCount, e.MaxDevices)
}

// Is allows errors.Is(err, ErrDeviceLimitExceeded)
func (e *DeviceLimitError) Is(target error) bool {
	return target == ErrDeviceLimitExceeded
}

// AccountLockedError reports when the account lock elapses
type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("%s until %s", ErrAccountLocked, e.Until.UTC().Format(time.RFC3339))
}

// Is allows errors.Is(err, ErrAccountLocked)
func (e *AccountLockedError) Is(target error) bool {
	return target == ErrAccountLocked
}
