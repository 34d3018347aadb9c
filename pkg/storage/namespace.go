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

package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
)

const (
	accountsPrefix = "accounts/"
	devicesPrefix  = "devices/"
	blobsPrefix    = "blobs/"
	auditPrefix    = "audit/"
)

// AccountPath returns the storage key for an account record: accounts/{id}
func AccountPath(accountID string) string {
	return accountsPrefix + accountID
}

// DevicePrefix returns the prefix under which an account's devices are stored
func DevicePrefix(accountID string) string {
	return devicesPrefix + accountID + "/"
}

// DevicePath returns the storage key for a device record: devices/{account}/{device}
func DevicePath(accountID, deviceID string) string {
	return DevicePrefix(accountID) + deviceID
}

// BlobPrefix returns the prefix under which an account's credential blobs are stored
func BlobPrefix(ownerID string) string {
	return blobsPrefix + ownerID + "/"
}

// BlobPath returns the storage key for a credential blob: blobs/{owner}/{name}
func BlobPath(ownerID, name string) string {
	return BlobPrefix(ownerID) + name
}

// AuditPrefix returns the prefix for an account's audit entries
func AuditPrefix(accountID string) string {
	return auditPrefix + accountID + "/"
}

// AuditPath returns the storage key for an audit entry. seq must sort
// chronologically as a string.
func AuditPath(accountID, seq string) string {
	return AuditPrefix(accountID) + seq
}

// ValidateID checks a single path component such as an account or device ID
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case len(id) > 255:
		return fmt.Errorf("%w: too long", ErrInvalidID)
	case id == "." || id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	case strings.ContainsAny(id, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidID, id)
	}
	return nil
}

// ValidateKey checks a full storage key. Keys are relative, slash-separated
// and free of traversal components.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidID)
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("%w: key contains null byte", ErrInvalidID)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: key must be relative", ErrInvalidID)
	}
	if path.Clean(key) != key {
		return fmt.Errorf("%w: key %q is not canonical", ErrInvalidID, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return fmt.Errorf("%w: key contains path traversal attempt", ErrInvalidID)
		}
	}
	return nil
}

// ListIDs lists keys under prefix and returns the final path component of each.
func ListIDs(ctx context.Context, backend Backend, prefix string) ([]string, error) {
	keys, err := backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		id := strings.TrimPrefix(k, prefix)
		if id != "" && !strings.Contains(id, "/") {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
