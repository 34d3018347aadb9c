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

// Package storage provides the persistent record store consumed by the vault.
//
// Records are opaque byte values addressed by slash-separated keys. Every
// value carries a revision that starts at 1 and increments on each write, so
// callers can perform optimistic updates with UpdateIfUnchanged.
package storage

import (
	"context"
)

// Entry is a stored value and its revision
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// Backend defines the interface for storage backends.
// All implementations must be thread-safe.
type Backend interface {
	// Get retrieves the entry for the given key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (*Entry, error)

	// Put stores the value unconditionally and returns the new revision.
	Put(ctx context.Context, key string, value []byte) (uint64, error)

	// UpdateIfUnchanged stores value only if the current revision equals
	// expected. An expected revision of 0 means the key must not exist.
	// Returns false without error when the check fails.
	UpdateIfUnchanged(ctx context.Context, key string, expected uint64, value []byte) (bool, error)

	// Delete removes the key and its value from storage.
	// Returns ErrNotFound if the key does not exist.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix in sorted order.
	// If prefix is empty, all keys are returned.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases any resources held by the backend.
	Close() error
}
