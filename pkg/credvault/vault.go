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

// Package credvault encrypts an account's third-party service credentials
// under the account key resolved by the keystore, either directly from the
// passphrase or through a registered device.
package credvault

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-credvault/pkg/adapters/audit"
	"github.com/jeremyhahn/go-credvault/pkg/adapters/logger"
	"github.com/jeremyhahn/go-credvault/pkg/device"
	"github.com/jeremyhahn/go-credvault/pkg/envelope"
	"github.com/jeremyhahn/go-credvault/pkg/keystore"
	"github.com/jeremyhahn/go-credvault/pkg/lockout"
	"github.com/jeremyhahn/go-credvault/pkg/metrics"
	"github.com/jeremyhahn/go-credvault/pkg/records"
	"github.com/jeremyhahn/go-credvault/pkg/secure"
	"github.com/jeremyhahn/go-credvault/pkg/types"
)

// DefaultCredentialName is the blob name used for an account's provider credentials
const DefaultCredentialName = "iptv"

// Config configures a Vault
type Config struct {
	Keystore *keystore.Store

	// Devices is required for device-resolved decryption
	Devices *device.Governor

	// Guard defaults to the keystore's guard
	Guard *lockout.Guard

	Logger logger.Logger
}

// Vault is the CredentialVault
type Vault struct {
	store   *keystore.Store
	repo    *records.Repository
	devices *device.Governor
	guard   *lockout.Guard
	logger  logger.Logger
}

// New creates a Vault
func New(config *Config) (*Vault, error) {
	if config == nil || config.Keystore == nil {
		return nil, fmt.Errorf("credvault: keystore is required")
	}
	v := &Vault{
		store:   config.Keystore,
		repo:    config.Keystore.Repository(),
		devices: config.Devices,
		guard:   config.Guard,
		logger:  config.Logger,
	}
	if v.guard == nil {
		v.guard = config.Keystore.Guard()
	}
	if v.logger == nil {
		v.logger = logger.NewNopLogger()
	}
	return v, nil
}

// Encrypt seals plaintext under the account key and stores it as the blob
// name, replacing any previous ciphertext.
func (v *Vault) Encrypt(ctx context.Context, accountID string, passphrase types.Password, name string, plaintext []byte) (*types.CredentialBlob, error) {
	var blob *types.CredentialBlob
	err := v.guard.Do(ctx, credentialAttempt(accountID, name, audit.OperationEncrypt), func(ctx context.Context) (err error) {
		defer observe(metrics.OpEncrypt, time.Now(), &err)

		key, acct, err := v.store.UnlockKey(ctx, accountID, passphrase)
		if err != nil {
			return err
		}
		defer key.Destroy()

		blob, err = Seal(key, accountID, name, acct.KeyEpoch, plaintext)
		if err != nil {
			return err
		}
		blob.UpdatedAt = v.store.Now()
		return v.repo.PutBlob(ctx, blob)
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// Decrypt opens blob with the account key. The tag is verified before any
// plaintext is returned.
func (v *Vault) Decrypt(ctx context.Context, accountID string, passphrase types.Password, blob *types.CredentialBlob) ([]byte, error) {
	if blob == nil {
		return nil, fmt.Errorf("credvault: blob is required")
	}
	var plaintext []byte
	err := v.guard.Do(ctx, credentialAttempt(accountID, blob.Name, audit.OperationDecrypt), func(ctx context.Context) (err error) {
		defer observe(metrics.OpDecrypt, time.Now(), &err)

		key, _, err := v.store.UnlockKey(ctx, accountID, passphrase)
		if err != nil {
			return err
		}
		defer key.Destroy()

		plaintext, err = Open(key, accountID, blob)
		return err
	})
	return plaintext, err
}

// DecryptWithDevice loads the blob name and opens it with the key resolved
// through the device's own wrap.
func (v *Vault) DecryptWithDevice(ctx context.Context, accountID, deviceID string, passphrase types.Password, name string) ([]byte, error) {
	if v.devices == nil {
		return nil, fmt.Errorf("credvault: no device governor: %w", types.ErrNotConfigured)
	}
	attempt := credentialAttempt(accountID, name, audit.OperationDecrypt)
	attempt.Metadata = map[string]string{"device_id": deviceID}

	var plaintext []byte
	err := v.guard.Do(ctx, attempt, func(ctx context.Context) (err error) {
		defer observe(metrics.OpDecrypt, time.Now(), &err)

		blob, err := v.repo.GetBlob(ctx, accountID, name)
		if err != nil {
			return err
		}
		key, err := v.devices.UnlockKey(ctx, accountID, deviceID, passphrase)
		if err != nil {
			return err
		}
		defer key.Destroy()

		plaintext, err = Open(key, accountID, blob)
		return err
	})
	return plaintext, err
}

// Get loads the stored blob name without decrypting it
func (v *Vault) Get(ctx context.Context, accountID, name string) (*types.CredentialBlob, error) {
	return v.repo.GetBlob(ctx, accountID, name)
}

// Load loads and decrypts the blob name
func (v *Vault) Load(ctx context.Context, accountID string, passphrase types.Password, name string) ([]byte, error) {
	blob, err := v.repo.GetBlob(ctx, accountID, name)
	if err != nil {
		return nil, err
	}
	return v.Decrypt(ctx, accountID, passphrase, blob)
}

// PutCredentials stores provider credentials as JSON under name
func (v *Vault) PutCredentials(ctx context.Context, accountID string, passphrase types.Password, name string, creds *types.IPTVCredentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("credvault: failed to encode credentials: %w", err)
	}
	defer secure.Wipe(data)
	_, err = v.Encrypt(ctx, accountID, passphrase, name, data)
	return err
}

// GetCredentials loads and decrypts the provider credentials stored under name
func (v *Vault) GetCredentials(ctx context.Context, accountID string, passphrase types.Password, name string) (*types.IPTVCredentials, error) {
	data, err := v.Load(ctx, accountID, passphrase, name)
	if err != nil {
		return nil, err
	}
	return decodeCredentials(data)
}

// GetCredentialsWithDevice is GetCredentials through a device wrap
func (v *Vault) GetCredentialsWithDevice(ctx context.Context, accountID, deviceID string, passphrase types.Password, name string) (*types.IPTVCredentials, error) {
	data, err := v.DecryptWithDevice(ctx, accountID, deviceID, passphrase, name)
	if err != nil {
		return nil, err
	}
	return decodeCredentials(data)
}

// List returns the names of the account's stored blobs
func (v *Vault) List(ctx context.Context, accountID string) ([]string, error) {
	if _, _, err := v.repo.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return v.repo.ListBlobNames(ctx, accountID)
}

// Delete removes the blob name after verifying the passphrase
func (v *Vault) Delete(ctx context.Context, accountID string, passphrase types.Password, name string) error {
	return v.guard.Do(ctx, credentialAttempt(accountID, name, audit.OperationRemove), func(ctx context.Context) error {
		key, _, err := v.store.UnlockKey(ctx, accountID, passphrase)
		if err != nil {
			return err
		}
		key.Destroy()
		return v.repo.DeleteBlob(ctx, accountID, name)
	})
}

// Seal encrypts plaintext into a new blob owned by accountID
func Seal(key *secure.Key, accountID, name string, epoch uint64, plaintext []byte) (*types.CredentialBlob, error) {
	ct, iv, err := envelope.Wrap(key.Bytes(), plaintext, AAD(accountID, name))
	if err != nil {
		return nil, err
	}
	return &types.CredentialBlob{
		OwnerID:    accountID,
		Name:       name,
		Ciphertext: ct,
		IV:         iv,
		KeyEpoch:   epoch,
	}, nil
}

// Open decrypts a blob owned by accountID. A blob owned by another account
// fails authentication.
func Open(key *secure.Key, accountID string, blob *types.CredentialBlob) ([]byte, error) {
	if blob.OwnerID != accountID {
		return nil, fmt.Errorf("credvault: blob %q is not owned by %s: %w", blob.Name, accountID, types.ErrAuthenticationFailure)
	}
	plaintext, err := envelope.Unwrap(key.Bytes(), blob.Ciphertext, blob.IV, AAD(blob.OwnerID, blob.Name))
	if err != nil {
		return nil, fmt.Errorf("credvault: blob %q: %w", blob.Name, err)
	}
	return plaintext, nil
}

// AAD binds a blob's ciphertext to its owner and name
func AAD(accountID, name string) []byte {
	return []byte(accountID + "/" + name)
}

func decodeCredentials(data []byte) (*types.IPTVCredentials, error) {
	defer secure.Wipe(data)
	var creds types.IPTVCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("credvault: failed to decode credentials: %w", err)
	}
	return &creds, nil
}

func credentialAttempt(accountID, name string, op audit.Operation) lockout.Attempt {
	return lockout.Attempt{
		AccountID:    accountID,
		Operation:    op,
		ResourceType: audit.ResourceCredential,
		ResourceID:   name,
	}
}

func observe(op string, start time.Time, err *error) {
	metrics.RecordOperation(op, *err, time.Since(start).Seconds())
}
