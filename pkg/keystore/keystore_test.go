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
	"sync"
	"testing"

	"github.com/jeremyhahn/go-credvault/internal/testutil"
	"github.com/jeremyhahn/go-credvault/pkg/adapters/audit"
	"github.com/jeremyhahn/go-credvault/pkg/adapters/kdf"
	"github.com/jeremyhahn/go-credvault/pkg/envelope"
	"github.com/jeremyhahn/go-credvault/pkg/kms"
	"github.com/jeremyhahn/go-credvault/pkg/lockout"
	"github.com/jeremyhahn/go-credvault/pkg/secure"
	"github.com/jeremyhahn/go-credvault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, server *envelope.Server, provider kms.Provider) *Store {
	t.Helper()
	s, err := New(&Config{
		Repository: testutil.NewRepository(t),
		Server:     server,
		KMS:        provider,
		Cost:       testutil.FastCost(),
	})
	require.NoError(t, err)
	return s
}

func TestNew(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(&Config{Repository: testutil.NewRepository(t), Cost: kdf.PBKDF2Cost(10)})
	assert.Error(t, err)

	s, err := New(&Config{Repository: testutil.NewRepository(t)})
	require.NoError(t, err)
	assert.Equal(t, kdf.DefaultAccountCost(), s.cost)
	assert.NotNil(t, s.Deriver())
}

func TestSetupRecover(t *testing.T) {
	tests := []struct {
		name   string
		server bool
	}{
		{name: "single wrap"},
		{name: "double wrap", server: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var server *envelope.Server
			if tt.server {
				server = testutil.NewServer(t)
			}
			s := newStore(t, server, nil)
			ctx := context.Background()
			pass := testutil.Passphrase(t, "correct horse")

			require.NoError(t, s.Setup(ctx, "acct", pass))

			rec, _, err := s.repo.GetAccount(ctx, "acct")
			require.NoError(t, err)
			assert.Equal(t, types.SchemeV1, rec.Version)
			assert.Len(t, rec.Salt, types.SaltSize)
			assert.Len(t, rec.IV, envelope.IVSize)
			assert.Equal(t, testutil.FastCost(), rec.KDFParams)
			assert.Equal(t, tt.server, rec.IsDoubleWrapped())
			if tt.server {
				assert.Empty(t, rec.MasterKeyWrapped)
				assert.Len(t, rec.ServerIV, envelope.IVSize)
			} else {
				assert.Len(t, rec.MasterKeyWrapped, types.KeySize+envelope.TagSize)
			}

			mk, err := s.Recover(ctx, "acct", pass)
			require.NoError(t, err)
			defer mk.Destroy()
			assert.Equal(t, types.KeySize, mk.Len())

			again, err := s.Recover(ctx, "acct", pass)
			require.NoError(t, err)
			defer again.Destroy()
			assert.True(t, mk.Equal(again))

			_, err = s.Recover(ctx, "acct", testutil.Passphrase(t, "wrong horse"))
			assert.ErrorIs(t, err, types.ErrAuthenticationFailure)
		})
	}
}

func TestSetup_AlreadyExists(t *testing.T) {
	s := newStore(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, s.Setup(ctx, "acct", testutil.Passphrase(t, "one")))
	err := s.Setup(ctx, "acct", testutil.Passphrase(t, "two"))
	assert.ErrorIs(t, err, types.ErrAlreadyExists)

	_, err = s.Recover(ctx, "acct", testutil.Passphrase(t, "two"))
	assert.ErrorIs(t, err, types.ErrAuthenticationFailure)
}

func TestSetup_InvalidInput(t *testing.T) {
	s := newStore(t, nil, nil)
	ctx := context.Background()

	assert.ErrorIs(t, s.Setup(ctx, "acct", nil), types.ErrInvalidPassphrase)
	assert.Error(t, s.Setup(ctx, "", testutil.Passphrase(t, "x")))

	_, err := s.Recover(ctx, "missing", testutil.Passphrase(t, "x"))
	assert.ErrorIs(t, err, types.ErrAccountNotFound)
}

func TestRecover_DoubleWrapNeedsServer(t *testing.T) {
	repo := testutil.NewRepository(t)
	withServer, err := New(&Config{Repository: repo, Server: testutil.NewServer(t), Cost: testutil.FastCost()})
	require.NoError(t, err)
	withoutServer, err := New(&Config{Repository: repo, Cost: testutil.FastCost()})
	require.NoError(t, err)

	ctx := context.Background()
	pass := testutil.Passphrase(t, "pass")
	require.NoError(t, withServer.Setup(ctx, "acct", pass))

	_, err = withoutServer.Recover(ctx, "acct", pass)
	assert.ErrorIs(t, err, types.ErrNotConfigured)

	other, err := New(&Config{Repository: repo, Server: testutil.NewServer(t), Cost: testutil.FastCost()})
	require.NoError(t, err)
	_, err = other.Recover(ctx, "acct", pass)
	assert.ErrorIs(t, err, types.ErrAuthenticationFailure)
}

func TestRotate(t *testing.T) {
	s := newStore(t, testutil.NewServer(t), nil)
	ctx := context.Background()
	oldPass := testutil.Passphrase(t, "old")
	newPass := testutil.Passphrase(t, "new")

	require.NoError(t, s.Setup(ctx, "acct", oldPass))
	before, _, err := s.repo.GetAccount(ctx, "acct")
	require.NoError(t, err)
	mk, err := s.Recover(ctx, "acct", oldPass)
	require.NoError(t, err)
	defer mk.Destroy()

	var (
		mu     sync.Mutex
		events []RekeyEvent
		seen   *secure.Key
	)
	s.OnRekey(func(_ context.Context, e *RekeyEvent) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, *e)
		seen, _ = e.Key.Clone()
		return nil
	})

	require.NoError(t, s.Rotate(ctx, "acct", oldPass, newPass))

	after, _, err := s.repo.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.NotEqual(t, before.Salt, after.Salt)
	assert.NotEqual(t, before.IV, after.IV)
	assert.Equal(t, uint64(1), after.KeyEpoch)
	assert.Equal(t, types.SchemeV1, after.Version)

	rotated, err := s.Recover(ctx, "acct", newPass)
	require.NoError(t, err)
	defer rotated.Destroy()
	assert.True(t, mk.Equal(rotated))

	_, err = s.Recover(ctx, "acct", oldPass)
	assert.ErrorIs(t, err, types.ErrAuthenticationFailure)

	require.Len(t, events, 1)
	assert.Equal(t, "acct", events[0].AccountID)
	assert.Equal(t, uint64(1), events[0].Epoch)
	require.NotNil(t, seen)
	assert.True(t, mk.Equal(seen))
	seen.Destroy()
}

func TestRotate_WrongPassphraseLeavesRecord(t *testing.T) {
	s := newStore(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, s.Setup(ctx, "acct", testutil.Passphrase(t, "old")))
	before, rev, err := s.repo.GetAccount(ctx, "acct")
	require.NoError(t, err)

	err = s.Rotate(ctx, "acct", testutil.Passphrase(t, "guess"), testutil.Passphrase(t, "new"))
	assert.ErrorIs(t, err, types.ErrAuthenticationFailure)

	after, afterRev, err := s.repo.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, rev, afterRev)
	assert.Equal(t, before.MasterKeyWrapped, after.MasterKeyWrapped)
}

func TestRotate_ListenerErrorDoesNotFail(t *testing.T) {
	s := newStore(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, s.Setup(ctx, "acct", testutil.Passphrase(t, "old")))
	s.OnRekey(func(context.Context, *RekeyEvent) error { return assert.AnError })

	require.NoError(t, s.Rotate(ctx, "acct", testutil.Passphrase(t, "old"), testutil.Passphrase(t, "new")))
}

func TestStatus(t *testing.T) {
	s := newStore(t, testutil.NewServer(t), nil)
	ctx := context.Background()
	require.NoError(t, s.Setup(ctx, "acct", testutil.Passphrase(t, "pass")))

	st, err := s.Status(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, types.SchemeV1, st.Version)
	assert.True(t, st.DoubleWrapped)
	assert.Equal(t, testutil.FastCost(), st.KDF)
	assert.Zero(t, st.KeyEpoch)

	_, err = s.Status(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrAccountNotFound)
}

func TestCostOf_LegacyFields(t *testing.T) {
	rec := &types.AccountKeyRecord{KDFIterations: 250000}
	assert.Equal(t, kdf.PBKDF2Cost(250000), CostOf(rec))

	rec.KDFParams = testutil.FastCost()
	assert.Equal(t, testutil.FastCost(), CostOf(rec))
}

func TestCostOf_LowerCaseLegacyAlgorithm(t *testing.T) {
	tests := []struct {
		algorithm string
	}{
		{"pbkdf2"},
		{"PBKDF2"},
		{"Pbkdf2"},
	}

	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			rec := &types.AccountKeyRecord{
				KDFIterations: kdf.MinPBKDF2Iterations,
				KDFAlgorithm:  tt.algorithm,
			}
			assert.Equal(t, kdf.PBKDF2Cost(kdf.MinPBKDF2Iterations), CostOf(rec))
		})
	}
}

func TestRecover_LowerCaseLegacyRecord(t *testing.T) {
	repo := testutil.NewRepository(t)
	s, err := New(&Config{
		Repository: repo,
		Cost:       kdf.PBKDF2Cost(kdf.MinPBKDF2Iterations),
	})
	require.NoError(t, err)
	ctx := context.Background()
	pass := testutil.Passphrase(t, "legacy pass")
	require.NoError(t, s.Setup(ctx, "acct", pass))

	mk, err := s.Recover(ctx, "acct", pass)
	require.NoError(t, err)
	defer mk.Destroy()

	rec, rev, err := repo.GetAccount(ctx, "acct")
	require.NoError(t, err)
	rec.KDFParams = types.KDFParams{}
	rec.KDFIterations = kdf.MinPBKDF2Iterations
	rec.KDFAlgorithm = "pbkdf2"
	require.NoError(t, repo.UpdateAccount(ctx, rec, rev))

	legacy, err := s.Recover(ctx, "acct", pass)
	require.NoError(t, err)
	defer legacy.Destroy()
	assert.True(t, mk.Equal(legacy))
}

func TestUnlockKey_CancelledContext(t *testing.T) {
	s := newStore(t, nil, nil)
	require.NoError(t, s.Setup(context.Background(), "acct", testutil.Passphrase(t, "pass")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := s.UnlockKey(ctx, "acct", testutil.Passphrase(t, "pass"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRotate_Guarded(t *testing.T) {
	repo := testutil.NewRepository(t)
	auditor := audit.NewMemoryAuditAdapter()
	guard, err := lockout.New(repo, auditor, &lockout.Config{Threshold: 2})
	require.NoError(t, err)
	s, err := New(&Config{Repository: repo, Guard: guard, Cost: testutil.FastCost()})
	require.NoError(t, err)

	ctx := context.Background()
	pass := testutil.Passphrase(t, "pass")
	require.NoError(t, s.Setup(ctx, "acct", pass))

	for i := 0; i < 2; i++ {
		err := s.Rotate(ctx, "acct", testutil.Passphrase(t, "guess"), pass)
		require.ErrorIs(t, err, types.ErrAuthenticationFailure)
	}
	err = s.Rotate(ctx, "acct", pass, testutil.Passphrase(t, "new"))
	assert.ErrorIs(t, err, types.ErrAccountLocked)

	st, err := s.Status(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 2, st.FailedAttempts)
	assert.NotNil(t, st.LockedUntil)

	entries, err := auditor.Query(ctx, &audit.Query{AccountID: "acct", Ascending: true})
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, audit.OperationSetup, entries[0].Operation)
	assert.True(t, entries[0].Success)
	for _, e := range entries[1:] {
		assert.Equal(t, audit.OperationRekey, e.Operation)
		assert.False(t, e.Success)
	}
}
