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

package keystore

import (
	"context"
	"testing"

	"github.com/jeremyhahn/go-credvault/internal/testutil"
	"github.com/jeremyhahn/go-credvault/pkg/kms"
	"github.com/jeremyhahn/go-credvault/pkg/secure"
	"github.com/jeremyhahn/go-credvault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHybrid(t *testing.T, provider kms.Provider) (*Store, types.Password) {
	t.Helper()
	s := newStore(t, nil, provider)
	pass := testutil.Passphrase(t, "hybrid pass")
	require.NoError(t, s.SetupHybrid(context.Background(), "acct", pass))
	return s, pass
}

func TestSetupHybrid(t *testing.T) {
	s, pass := setupHybrid(t, testutil.NewLocalKMS(t))
	ctx := context.Background()

	rec, _, err := s.repo.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, types.SchemeV2, rec.Version)
	assert.NotEmpty(t, rec.DEKEncryptedBySMK)
	assert.NotEmpty(t, rec.DEKEncryptedByKEK)
	assert.Len(t, rec.KEKSalt, types.SaltSize)
	assert.Empty(t, rec.MasterKeyWrapped)
	assert.Equal(t, testutil.FastCost(), rec.KDFParams)

	dek, err := s.RecoverHybridDEK(ctx, "acct", pass)
	require.NoError(t, err)
	defer dek.Destroy()
	assert.Equal(t, types.KeySize, dek.Len())

	unlocked, got, err := s.UnlockKey(ctx, "acct", pass)
	require.NoError(t, err)
	defer unlocked.Destroy()
	assert.True(t, dek.Equal(unlocked))
	assert.Equal(t, types.SchemeV2, got.Version)

	err = s.SetupHybrid(ctx, "acct", pass)
	assert.ErrorIs(t, err, types.ErrAlreadyExists)
}

func TestRecoverHybridDEK_WrongPassphrase(t *testing.T) {
	decrypts := 0
	local := testutil.NewLocalKMS(t)
	mock := &kms.Mock{
		Next: local,
		DecryptFunc: func(ctx context.Context, ct []byte) ([]byte, error) {
			decrypts++
			return local.Decrypt(ctx, ct)
		},
	}
	s, _ := setupHybrid(t, mock)

	_, err := s.RecoverHybridDEK(context.Background(), "acct", testutil.Passphrase(t, "nope"))
	assert.ErrorIs(t, err, types.ErrAuthenticationFailure)
	assert.NotErrorIs(t, err, types.ErrIntegrityViolation)
	assert.Zero(t, decrypts)
}

func TestRecoverHybridDEK_TamperedKMSCopy(t *testing.T) {
	s, pass := setupHybrid(t, testutil.NewLocalKMS(t))
	ctx := context.Background()

	rec, rev, err := s.repo.GetAccount(ctx, "acct")
	require.NoError(t, err)
	rec.DEKEncryptedBySMK[len(rec.DEKEncryptedBySMK)/2] ^= 0x01
	require.NoError(t, s.repo.UpdateAccount(ctx, rec, rev))

	_, err = s.RecoverHybridDEK(ctx, "acct", pass)
	assert.ErrorIs(t, err, types.ErrIntegrityViolation)
	assert.NotErrorIs(t, err, types.ErrAuthenticationFailure)
}

func TestRecoverHybridDEK_HalvesDisagree(t *testing.T) {
	local := testutil.NewLocalKMS(t)
	s, pass := setupHybrid(t, local)
	ctx := context.Background()

	other, err := secure.RandomKey(types.KeySize)
	require.NoError(t, err)
	defer other.Destroy()
	swapped, err := local.Encrypt(ctx, other.Bytes())
	require.NoError(t, err)

	rec, rev, err := s.repo.GetAccount(ctx, "acct")
	require.NoError(t, err)
	rec.DEKEncryptedBySMK = swapped
	require.NoError(t, s.repo.UpdateAccount(ctx, rec, rev))

	_, err = s.RecoverHybridDEK(ctx, "acct", pass)
	assert.ErrorIs(t, err, types.ErrIntegrityViolation)
}

func TestRecoverHybridDEK_KMSFailures(t *testing.T) {
	tests := []struct {
		name    string
		kmsErr  error
		wantErr error
	}{
		{name: "provider error", kmsErr: assert.AnError, wantErr: types.ErrIntegrityViolation},
		{name: "cancelled", kmsErr: context.Canceled, wantErr: context.Canceled},
		{name: "deadline", kmsErr: context.DeadlineExceeded, wantErr: context.DeadlineExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &kms.Mock{Next: testutil.NewLocalKMS(t)}
			s, pass := setupHybrid(t, mock)
			mock.DecryptFunc = func(context.Context, []byte) ([]byte, error) {
				return nil, tt.kmsErr
			}

			_, err := s.RecoverHybridDEK(context.Background(), "acct", pass)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestReencryptHybrid(t *testing.T) {
	s, oldPass := setupHybrid(t, testutil.NewLocalKMS(t))
	ctx := context.Background()
	newPass := testutil.Passphrase(t, "new hybrid pass")

	before, _, err := s.repo.GetAccount(ctx, "acct")
	require.NoError(t, err)
	dek, err := s.RecoverHybridDEK(ctx, "acct", oldPass)
	require.NoError(t, err)
	defer dek.Destroy()

	var epochs []uint64
	s.OnRekey(func(_ context.Context, e *RekeyEvent) error {
		epochs = append(epochs, e.Epoch)
		assert.True(t, dek.Equal(e.Key))
		return nil
	})

	require.NoError(t, s.ReencryptHybrid(ctx, "acct", oldPass, newPass))

	after, _, err := s.repo.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, before.DEKEncryptedBySMK, after.DEKEncryptedBySMK)
	assert.NotEqual(t, before.DEKEncryptedByKEK, after.DEKEncryptedByKEK)
	assert.NotEqual(t, before.KEKSalt, after.KEKSalt)
	assert.Equal(t, uint64(1), after.KeyEpoch)
	assert.Equal(t, []uint64{1}, epochs)

	same, err := s.RecoverHybridDEK(ctx, "acct", newPass)
	require.NoError(t, err)
	defer same.Destroy()
	assert.True(t, dek.Equal(same))

	_, err = s.RecoverHybridDEK(ctx, "acct", oldPass)
	assert.ErrorIs(t, err, types.ErrAuthenticationFailure)

	// Rotate dispatches to the hybrid path for v2 accounts
	require.NoError(t, s.Rotate(ctx, "acct", newPass, oldPass))
	assert.Equal(t, []uint64{1, 2}, epochs)
}

func TestHybrid_VersionChecks(t *testing.T) {
	s := newStore(t, nil, testutil.NewLocalKMS(t))
	ctx := context.Background()
	pass := testutil.Passphrase(t, "pass")

	require.NoError(t, s.Setup(ctx, "v1", pass))
	require.NoError(t, s.SetupHybrid(ctx, "v2", pass))

	_, err := s.RecoverHybridDEK(ctx, "v1", pass)
	assert.ErrorIs(t, err, types.ErrUnsupportedVersion)
	err = s.ReencryptHybrid(ctx, "v1", pass, pass)
	assert.ErrorIs(t, err, types.ErrUnsupportedVersion)
	_, err = s.Recover(ctx, "v2", pass)
	assert.ErrorIs(t, err, types.ErrUnsupportedVersion)
}

func TestHybrid_NoKMS(t *testing.T) {
	s := newStore(t, nil, nil)
	err := s.SetupHybrid(context.Background(), "acct", testutil.Passphrase(t, "pass"))
	assert.ErrorIs(t, err, types.ErrNotConfigured)
}

func TestGenerateHybridDEK_KMSError(t *testing.T) {
	mock := &kms.Mock{
		GenerateDataKeyFunc: func(context.Context) (*kms.DataKey, error) {
			return nil, assert.AnError
		},
	}
	s := newStore(t, nil, mock)
	_, _, err := s.GenerateHybridDEK(context.Background(), "acct", testutil.Passphrase(t, "pass"))
	assert.ErrorIs(t, err, assert.AnError)
}
