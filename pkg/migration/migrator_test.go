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

package migration

import (
	"context"
	"errors"
	"testing"

	"github.com/jeremyhahn/go-credvault/internal/testutil"
	"github.com/jeremyhahn/go-credvault/pkg/adapters/audit"
	"github.com/jeremyhahn/go-credvault/pkg/credvault"
	"github.com/jeremyhahn/go-credvault/pkg/device"
	"github.com/jeremyhahn/go-credvault/pkg/envelope"
	"github.com/jeremyhahn/go-credvault/pkg/keystore"
	"github.com/jeremyhahn/go-credvault/pkg/kms"
	"github.com/jeremyhahn/go-credvault/pkg/lockout"
	"github.com/jeremyhahn/go-credvault/pkg/records"
	"github.com/jeremyhahn/go-credvault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var creds = &types.IPTVCredentials{
	Server:   "http://provider.example:8080",
	Username: "alice",
	Password: "s3cret",
}

type fixture struct {
	repo        *records.Repository
	store       *keystore.Store
	devices     *device.Governor
	vault       *credvault.Vault
	coordinator *Coordinator
	auditor     *audit.MemoryAuditAdapter
	pass        types.Password
}

type options struct {
	server *envelope.Server
	kms    kms.Provider
	noKMS  bool
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()
	f := &fixture{
		repo:    testutil.NewRepository(t),
		auditor: audit.NewMemoryAuditAdapter(),
		pass:    testutil.Passphrase(t, "migration passphrase"),
	}
	guard, err := lockout.New(f.repo, f.auditor, nil)
	require.NoError(t, err)

	config := &keystore.Config{
		Repository: f.repo,
		Server:     opts.server,
		Guard:      guard,
		Cost:       testutil.FastCost(),
	}
	switch {
	case opts.kms != nil:
		config.KMS = opts.kms
	case !opts.noKMS:
		config.KMS = testutil.NewLocalKMS(t)
	}
	f.store, err = keystore.New(config)
	require.NoError(t, err)

	fast := testutil.FastCost()
	f.devices, err = device.New(&device.Config{
		Keystore: f.store,
		Costs:    &device.CostTable{Override: &fast},
	})
	require.NoError(t, err)

	f.vault, err = credvault.New(&credvault.Config{Keystore: f.store, Devices: f.devices})
	require.NoError(t, err)

	f.coordinator, err = New(&Config{Keystore: f.store})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.store.Setup(ctx, "acct", f.pass))
	return f
}

func TestNew(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
	_, err = New(&Config{})
	assert.Error(t, err)
}

func TestMigrate(t *testing.T) {
	tests := []struct {
		name   string
		server bool
	}{
		{"single wrap", false},
		{"double wrap", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := options{}
			if tt.server {
				opts.server = testutil.NewServer(t)
			}
			f := newFixture(t, opts)
			ctx := context.Background()

			require.NoError(t, f.vault.PutCredentials(ctx, "acct", f.pass, "iptv", creds))
			require.NoError(t, f.vault.PutCredentials(ctx, "acct", f.pass, "backup", creds))
			_, err := f.devices.Register(ctx, "acct", "tv-1", types.DeviceProfile{Class: types.DeviceClassTV}, f.pass)
			require.NoError(t, err)

			result, err := f.coordinator.Migrate(ctx, "acct", f.pass, nil)
			require.NoError(t, err)
			assert.Equal(t, uint64(0), result.FromEpoch)
			assert.Equal(t, uint64(1), result.ToEpoch)
			assert.Equal(t, 2, result.BlobsReencrypted)
			assert.Zero(t, result.BlobsRepaired)

			rec, _, err := f.repo.GetAccount(ctx, "acct")
			require.NoError(t, err)
			assert.Equal(t, types.SchemeV2, rec.Version)
			assert.NotNil(t, rec.MigratedAt)
			assert.Empty(t, rec.MasterKeyWrapped)
			assert.Empty(t, rec.ServerWrappedKey)
			assert.NotEmpty(t, rec.DEKEncryptedBySMK)
			assert.NotEmpty(t, rec.DEKEncryptedByKEK)

			for _, name := range []string{"iptv", "backup"} {
				blob, err := f.vault.Get(ctx, "acct", name)
				require.NoError(t, err)
				assert.Equal(t, uint64(1), blob.KeyEpoch)

				got, err := f.vault.GetCredentials(ctx, "acct", f.pass, name)
				require.NoError(t, err)
				assert.Equal(t, creds, got)
			}

			dev, _, err := f.repo.GetDevice(ctx, "acct", "tv-1")
			require.NoError(t, err)
			assert.Equal(t, uint64(1), dev.KeyEpoch)
			got, err := f.vault.GetCredentialsWithDevice(ctx, "acct", "tv-1", f.pass, "iptv")
			require.NoError(t, err)
			assert.Equal(t, creds, got)
		})
	}
}

func TestMigrate_VerificationFailsAfterCommit(t *testing.T) {
	provider := &kms.Mock{
		Next: testutil.NewLocalKMS(t),
		DecryptFunc: func(context.Context, []byte) ([]byte, error) {
			return nil, errors.New("kms unavailable")
		},
	}
	f := newFixture(t, options{kms: provider})
	ctx := context.Background()

	require.NoError(t, f.vault.PutCredentials(ctx, "acct", f.pass, "iptv", creds))
	_, err := f.devices.Register(ctx, "acct", "tv-1", types.DeviceProfile{Class: types.DeviceClassTV}, f.pass)
	require.NoError(t, err)

	result, err := f.coordinator.Migrate(ctx, "acct", f.pass, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommitted)
	assert.ErrorIs(t, err, ErrVerificationFailed)
	var committed *CommittedError
	require.ErrorAs(t, err, &committed)
	require.NotNil(t, result)
	assert.Same(t, result, committed.Result)
	assert.Equal(t, uint64(1), result.ToEpoch)
	assert.Equal(t, 1, result.BlobsReencrypted)

	rec, _, err := f.repo.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, types.SchemeV2, rec.Version)

	dev, _, err := f.repo.GetDevice(ctx, "acct", "tv-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), dev.KeyEpoch)

	_, err = f.coordinator.Migrate(ctx, "acct", f.pass, nil)
	assert.ErrorIs(t, err, types.ErrAlreadyMigrated)
}

func TestMigrate_AlreadyMigrated(t *testing.T) {
	f := newFixture(t, options{})
	ctx := context.Background()

	_, err := f.coordinator.Migrate(ctx, "acct", f.pass, nil)
	require.NoError(t, err)

	_, err = f.coordinator.Migrate(ctx, "acct", f.pass, nil)
	assert.ErrorIs(t, err, types.ErrAlreadyMigrated)

	_, err = f.coordinator.Plan(ctx, "acct")
	assert.ErrorIs(t, err, types.ErrAlreadyMigrated)
}

func TestMigrate_WrongPassphrase(t *testing.T) {
	f := newFixture(t, options{})
	ctx := context.Background()
	require.NoError(t, f.vault.PutCredentials(ctx, "acct", f.pass, "iptv", creds))
	before, _ := f.vault.Get(ctx, "acct", "iptv")

	_, err := f.coordinator.Migrate(ctx, "acct", testutil.Passphrase(t, "wrong"), nil)
	assert.ErrorIs(t, err, types.ErrAuthenticationFailure)

	rec, _, err := f.repo.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, types.SchemeV1, rec.Version)
	assert.Equal(t, 1, rec.FailedAttempts)

	after, err := f.vault.Get(ctx, "acct", "iptv")
	require.NoError(t, err)
	assert.Equal(t, before.Ciphertext, after.Ciphertext)
}

func TestMigrate_NoKMS(t *testing.T) {
	f := newFixture(t, options{noKMS: true})
	_, err := f.coordinator.Migrate(context.Background(), "acct", f.pass, nil)
	assert.ErrorIs(t, err, types.ErrNotConfigured)

	rec, _, err := f.repo.GetAccount(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, types.SchemeV1, rec.Version)
}

func TestMigrate_UnknownAccount(t *testing.T) {
	f := newFixture(t, options{})
	_, err := f.coordinator.Migrate(context.Background(), "nobody", f.pass, nil)
	assert.ErrorIs(t, err, types.ErrAccountNotFound)
}

func TestMigrate_CorruptBlobAbortsBeforeWrite(t *testing.T) {
	f := newFixture(t, options{})
	ctx := context.Background()
	require.NoError(t, f.vault.PutCredentials(ctx, "acct", f.pass, "iptv", creds))

	blob, err := f.vault.Get(ctx, "acct", "iptv")
	require.NoError(t, err)
	blob.Ciphertext[0] ^= 1
	require.NoError(t, f.repo.PutBlob(ctx, blob))

	_, err = f.coordinator.Migrate(ctx, "acct", f.pass, nil)
	assert.ErrorIs(t, err, types.ErrAuthenticationFailure)

	rec, _, err := f.repo.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, types.SchemeV1, rec.Version)
	assert.Equal(t, uint64(0), rec.KeyEpoch)
}

func TestMigrate_Audit(t *testing.T) {
	f := newFixture(t, options{})
	ctx := context.Background()
	_, err := f.coordinator.Migrate(ctx, "acct", f.pass, &Options{SkipVerification: true})
	require.NoError(t, err)

	entries, err := f.auditor.Query(ctx, &audit.Query{
		AccountID:  "acct",
		Operations: []audit.Operation{audit.OperationMigrate},
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
}

func TestPlan(t *testing.T) {
	f := newFixture(t, options{server: testutil.NewServer(t)})
	ctx := context.Background()
	require.NoError(t, f.vault.PutCredentials(ctx, "acct", f.pass, "iptv", creds))
	_, err := f.devices.Register(ctx, "acct", "tv-1", types.DeviceProfile{Class: types.DeviceClassTV}, f.pass)
	require.NoError(t, err)
	_, err = f.devices.Register(ctx, "acct", "web-1", types.DeviceProfile{Class: types.DeviceClassWeb}, f.pass)
	require.NoError(t, err)
	require.NoError(t, f.devices.Remove(ctx, "acct", "web-1"))

	plan, err := f.coordinator.Plan(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, types.SchemeV1, plan.Version)
	assert.Equal(t, []string{"iptv"}, plan.Blobs)
	assert.Equal(t, 2, plan.Devices)
	assert.Len(t, plan.Warnings, 2)

	// a plan changes nothing
	rec, _, err := f.repo.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, types.SchemeV1, rec.Version)
}

func TestSweep(t *testing.T) {
	f := newFixture(t, options{})
	ctx := context.Background()

	mk, err := f.store.Recover(ctx, "acct", f.pass)
	require.NoError(t, err)
	defer mk.Destroy()

	// a blob written under the legacy key after staging
	late, err := credvault.Seal(mk, "acct", "late", 0, []byte("late write"))
	require.NoError(t, err)
	require.NoError(t, f.repo.PutBlob(ctx, late))

	_, dek, err := f.store.GenerateHybridDEK(ctx, "acct", f.pass)
	require.NoError(t, err)
	defer dek.Destroy()

	current, err := credvault.Seal(dek, "acct", "current", 1, []byte("already resealed"))
	require.NoError(t, err)
	require.NoError(t, f.repo.PutBlob(ctx, current))

	repaired, err := f.coordinator.sweep(ctx, "acct", mk, dek, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	blob, err := f.repo.GetBlob(ctx, "acct", "late")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), blob.KeyEpoch)
	plaintext, err := credvault.Open(dek, "acct", blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("late write"), plaintext)
}
