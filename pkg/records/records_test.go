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

package records

import (
	"context"
	"testing"
	"time"

	"github.com/jeremyhahn/go-credvault/pkg/storage"
	"github.com/jeremyhahn/go-credvault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := New(storage.NewMemory())
	require.NoError(t, err)
	return repo
}

func TestAccountLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	_, _, err := repo.GetAccount(ctx, "a1")
	assert.ErrorIs(t, err, types.ErrAccountNotFound)

	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := &types.AccountKeyRecord{
		AccountID:        "a1",
		Version:          types.SchemeV1,
		MasterKeyWrapped: []byte{1, 2, 3},
		Salt:             []byte("0123456789abcdef"),
		IV:               []byte("iviviviviviv"),
		KDFIterations:    500000,
		KDFAlgorithm:     "pbkdf2",
		KDFParams:        types.KDFParams{Algorithm: "pbkdf2", Iterations: 500000},
		KeyEpoch:         1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, repo.CreateAccount(ctx, rec))
	assert.ErrorIs(t, repo.CreateAccount(ctx, rec), types.ErrAlreadyExists)

	got, rev, err := repo.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)
	assert.Equal(t, rec.MasterKeyWrapped, got.MasterKeyWrapped)
	assert.Equal(t, rec.KDFParams, got.KDFParams)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.LockedUntil)

	got.FailedAttempts = 2
	require.NoError(t, repo.UpdateAccount(ctx, got, rev))
	assert.ErrorIs(t, repo.UpdateAccount(ctx, got, rev), types.ErrConcurrentModification)

	got, rev, err = repo.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.FailedAttempts)
	assert.Equal(t, uint64(2), rev)
}

func TestDeviceLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	_, _, err := repo.GetDevice(ctx, "a1", "tv-1")
	assert.ErrorIs(t, err, types.ErrDeviceNotFound)

	for _, id := range []string{"tv-1", "phone-1"} {
		require.NoError(t, repo.CreateDevice(ctx, &types.DeviceKeyRecord{
			AccountID:   "a1",
			DeviceID:    id,
			DeviceClass: types.DeviceClassTV,
			IsActive:    true,
		}))
	}
	err = repo.CreateDevice(ctx, &types.DeviceKeyRecord{AccountID: "a1", DeviceID: "tv-1"})
	assert.ErrorIs(t, err, types.ErrAlreadyExists)

	devices, err := repo.ListDevices(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "phone-1", devices[0].DeviceID)
	assert.Equal(t, "tv-1", devices[1].DeviceID)

	dev, rev, err := repo.GetDevice(ctx, "a1", "tv-1")
	require.NoError(t, err)
	dev.IsActive = false
	require.NoError(t, repo.UpdateDevice(ctx, dev, rev))
	assert.ErrorIs(t, repo.UpdateDevice(ctx, dev, rev), types.ErrConcurrentModification)

	other, err := repo.ListDevices(ctx, "a2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestBlobs(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	_, err := repo.GetBlob(ctx, "a1", "iptv")
	assert.ErrorIs(t, err, types.ErrNotFound)

	blob := &types.CredentialBlob{OwnerID: "a1", Name: "iptv", Ciphertext: []byte("ct"), IV: []byte("iv"), KeyEpoch: 1}
	require.NoError(t, repo.PutBlob(ctx, blob))
	blob.Ciphertext = []byte("ct2")
	require.NoError(t, repo.PutBlob(ctx, blob))

	got, err := repo.GetBlob(ctx, "a1", "iptv")
	require.NoError(t, err)
	assert.Equal(t, []byte("ct2"), got.Ciphertext)

	names, err := repo.ListBlobNames(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"iptv"}, names)

	require.NoError(t, repo.DeleteBlob(ctx, "a1", "iptv"))
	assert.ErrorIs(t, repo.DeleteBlob(ctx, "a1", "iptv"), types.ErrNotFound)
}

func TestInvalidIDs(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	tests := []struct {
		name string
		fn   func() error
	}{
		{"account slash", func() error { _, _, err := repo.GetAccount(ctx, "a/b"); return err }},
		{"device dotdot", func() error { _, _, err := repo.GetDevice(ctx, "a", ".."); return err }},
		{"blob empty", func() error { _, err := repo.GetBlob(ctx, "a", ""); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.fn(), storage.ErrInvalidID)
		})
	}
}

func TestCorruptRecord(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()
	repo, err := New(backend)
	require.NoError(t, err)

	_, err = backend.Put(ctx, storage.AccountPath("a1"), []byte{0xff, 0x00})
	require.NoError(t, err)
	_, _, err = repo.GetAccount(ctx, "a1")
	assert.ErrorIs(t, err, storage.ErrInvalidData)
}
