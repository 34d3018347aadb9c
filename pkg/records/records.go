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

// Package records persists account, device and credential blob records on a
// storage.Backend. Records are CBOR encoded; revisions from the backend are
// surfaced so callers can perform optimistic updates.
package records

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/jeremyhahn/go-credvault/pkg/storage"
	"github.com/jeremyhahn/go-credvault/pkg/types"
)

// Repository is a typed view over a storage backend
type Repository struct {
	backend storage.Backend
	enc     cbor.EncMode
	dec     cbor.DecMode
}

// New creates a repository over backend
func New(backend storage.Backend) (*Repository, error) {
	if backend == nil {
		return nil, fmt.Errorf("records: backend is required")
	}
	encOpts := cbor.CanonicalEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	enc, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("records: failed to build encoder: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("records: failed to build decoder: %w", err)
	}
	return &Repository{backend: backend, enc: enc, dec: dec}, nil
}

// Backend returns the underlying storage backend
func (r *Repository) Backend() storage.Backend {
	return r.backend
}

// GetAccount loads an account record and its revision
func (r *Repository) GetAccount(ctx context.Context, accountID string) (*types.AccountKeyRecord, uint64, error) {
	if err := storage.ValidateID(accountID); err != nil {
		return nil, 0, err
	}
	var rec types.AccountKeyRecord
	rev, err := r.get(ctx, storage.AccountPath(accountID), &rec)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, types.ErrAccountNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	return &rec, rev, nil
}

// CreateAccount inserts a new account record. Returns types.ErrAlreadyExists
// if one is already present.
func (r *Repository) CreateAccount(ctx context.Context, rec *types.AccountKeyRecord) error {
	if err := storage.ValidateID(rec.AccountID); err != nil {
		return err
	}
	ok, err := r.update(ctx, storage.AccountPath(rec.AccountID), 0, rec)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("records: account %q: %w", rec.AccountID, types.ErrAlreadyExists)
	}
	return nil
}

// UpdateAccount replaces an account record if its revision is still rev.
// Returns types.ErrConcurrentModification if another writer got there first.
func (r *Repository) UpdateAccount(ctx context.Context, rec *types.AccountKeyRecord, rev uint64) error {
	if err := storage.ValidateID(rec.AccountID); err != nil {
		return err
	}
	ok, err := r.update(ctx, storage.AccountPath(rec.AccountID), rev, rec)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("records: account %q: %w", rec.AccountID, types.ErrConcurrentModification)
	}
	return nil
}

// GetDevice loads a device record and its revision
func (r *Repository) GetDevice(ctx context.Context, accountID, deviceID string) (*types.DeviceKeyRecord, uint64, error) {
	if err := validateIDs(accountID, deviceID); err != nil {
		return nil, 0, err
	}
	var rec types.DeviceKeyRecord
	rev, err := r.get(ctx, storage.DevicePath(accountID, deviceID), &rec)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, types.ErrDeviceNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	return &rec, rev, nil
}

// CreateDevice inserts a new device record. Returns types.ErrAlreadyExists if
// the (account, device) pair is taken.
func (r *Repository) CreateDevice(ctx context.Context, rec *types.DeviceKeyRecord) error {
	if err := validateIDs(rec.AccountID, rec.DeviceID); err != nil {
		return err
	}
	ok, err := r.update(ctx, storage.DevicePath(rec.AccountID, rec.DeviceID), 0, rec)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("records: device %q: %w", rec.DeviceID, types.ErrAlreadyExists)
	}
	return nil
}

// UpdateDevice replaces a device record if its revision is still rev
func (r *Repository) UpdateDevice(ctx context.Context, rec *types.DeviceKeyRecord, rev uint64) error {
	if err := validateIDs(rec.AccountID, rec.DeviceID); err != nil {
		return err
	}
	ok, err := r.update(ctx, storage.DevicePath(rec.AccountID, rec.DeviceID), rev, rec)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("records: device %q: %w", rec.DeviceID, types.ErrConcurrentModification)
	}
	return nil
}

// ListDeviceIDs returns the IDs of every device record of an account,
// active or not, in sorted order.
func (r *Repository) ListDeviceIDs(ctx context.Context, accountID string) ([]string, error) {
	if err := storage.ValidateID(accountID); err != nil {
		return nil, err
	}
	return storage.ListIDs(ctx, r.backend, storage.DevicePrefix(accountID))
}

// ListDevices loads every device record of an account
func (r *Repository) ListDevices(ctx context.Context, accountID string) ([]*types.DeviceKeyRecord, error) {
	ids, err := r.ListDeviceIDs(ctx, accountID)
	if err != nil {
		return nil, err
	}
	devices := make([]*types.DeviceKeyRecord, 0, len(ids))
	for _, id := range ids {
		rec, _, err := r.GetDevice(ctx, accountID, id)
		if errors.Is(err, types.ErrDeviceNotFound) {
			// removed between List and Get
			continue
		}
		if err != nil {
			return nil, err
		}
		devices = append(devices, rec)
	}
	return devices, nil
}

// GetBlob loads a credential blob
func (r *Repository) GetBlob(ctx context.Context, ownerID, name string) (*types.CredentialBlob, error) {
	if err := validateIDs(ownerID, name); err != nil {
		return nil, err
	}
	var blob types.CredentialBlob
	if _, err := r.get(ctx, storage.BlobPath(ownerID, name), &blob); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("records: blob %q: %w", name, types.ErrNotFound)
		}
		return nil, err
	}
	return &blob, nil
}

// PutBlob writes a credential blob, replacing any previous ciphertext
func (r *Repository) PutBlob(ctx context.Context, blob *types.CredentialBlob) error {
	if err := validateIDs(blob.OwnerID, blob.Name); err != nil {
		return err
	}
	data, err := r.enc.Marshal(blob)
	if err != nil {
		return fmt.Errorf("records: failed to encode blob: %w", err)
	}
	if _, err := r.backend.Put(ctx, storage.BlobPath(blob.OwnerID, blob.Name), data); err != nil {
		return fmt.Errorf("records: failed to store blob: %w", err)
	}
	return nil
}

// DeleteBlob removes a credential blob
func (r *Repository) DeleteBlob(ctx context.Context, ownerID, name string) error {
	if err := validateIDs(ownerID, name); err != nil {
		return err
	}
	err := r.backend.Delete(ctx, storage.BlobPath(ownerID, name))
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("records: blob %q: %w", name, types.ErrNotFound)
	}
	return err
}

// ListBlobNames returns the names of an account's credential blobs
func (r *Repository) ListBlobNames(ctx context.Context, ownerID string) ([]string, error) {
	if err := storage.ValidateID(ownerID); err != nil {
		return nil, err
	}
	return storage.ListIDs(ctx, r.backend, storage.BlobPrefix(ownerID))
}

func (r *Repository) get(ctx context.Context, key string, v interface{}) (uint64, error) {
	entry, err := r.backend.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := r.dec.Unmarshal(entry.Value, v); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", storage.ErrInvalidData, key, err)
	}
	return entry.Revision, nil
}

func (r *Repository) update(ctx context.Context, key string, rev uint64, v interface{}) (bool, error) {
	data, err := r.enc.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("records: failed to encode %s: %w", key, err)
	}
	return r.backend.UpdateIfUnchanged(ctx, key, rev, data)
}

func validateIDs(ids ...string) error {
	for _, id := range ids {
		if err := storage.ValidateID(id); err != nil {
			return err
		}
	}
	return nil
}
