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

// Package kms defines the key management service abstraction used by the
// hybrid key scheme and its adapters to managed services.
//
// A Provider holds the Server Master Key (SMK). It mints data encryption keys
// and encrypts or decrypts small secrets under the SMK; the SMK itself never
// leaves the provider.
package kms

import (
	"context"
	"errors"

	"github.com/jeremyhahn/go-credvault/pkg/secure"
)

// Provider names
const (
	ProviderLocal = "local"
	ProviderAWS   = "awskms"
	ProviderGCP   = "gcpkms"
	ProviderAzure = "azurekv"
	ProviderVault = "vault"
)

var (
	// ErrInvalidConfig is returned when a provider configuration is incomplete.
	ErrInvalidConfig = errors.New("kms: invalid configuration")

	// ErrUnsupportedProvider is returned for an unknown provider name.
	ErrUnsupportedProvider = errors.New("kms: unsupported provider")

	// ErrChecksumMismatch is returned when a provider response fails its integrity check.
	ErrChecksumMismatch = errors.New("kms: checksum mismatch")

	// ErrInvalidResponse is returned when a provider response is missing data.
	ErrInvalidResponse = errors.New("kms: invalid response")
)

// DataKey is a freshly minted data encryption key. Plaintext must be
// destroyed by the caller once it has been wrapped.
type DataKey struct {
	Plaintext  *secure.Key
	Ciphertext []byte
}

// Provider is the key management service contract
type Provider interface {
	// Name returns the provider name used in logs and metrics
	Name() string

	// GenerateDataKey mints a 32-byte key and returns it together with its
	// encryption under the SMK.
	GenerateDataKey(ctx context.Context) (*DataKey, error)

	// Encrypt encrypts plaintext under the SMK
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)

	// Decrypt reverses Encrypt. Tampered ciphertext is an error.
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)

	// Close releases any client resources
	Close() error
}

// generateWithEncrypt mints a key locally and encrypts it under the SMK.
// Used by providers that have no native data key operation.
func generateWithEncrypt(ctx context.Context, p Provider) (*DataKey, error) {
	key, err := secure.RandomKey(32)
	if err != nil {
		return nil, err
	}
	ct, err := p.Encrypt(ctx, key.Bytes())
	if err != nil {
		key.Destroy()
		return nil, err
	}
	return &DataKey{Plaintext: key, Ciphertext: ct}, nil
}
