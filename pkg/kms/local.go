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

package kms

import (
	"context"
	"fmt"

	"github.com/jeremyhahn/go-credvault/pkg/adapters/kdf"
	"github.com/jeremyhahn/go-credvault/pkg/envelope"
	"github.com/jeremyhahn/go-credvault/pkg/metrics"
	"github.com/jeremyhahn/go-credvault/pkg/secure"
	"github.com/jeremyhahn/go-credvault/pkg/types"
)

const (
	localSalt = "go-credvault/local-kms/v1"
	localInfo = "server-master-key"

	// MinLocalSeedSize is the minimum seed length accepted by NewLocal
	MinLocalSeedSize = 32
)

// Local is an in-process provider. The SMK is derived from a seed with HKDF
// and kept in a memguard enclave; ciphertexts are iv || AES-256-GCM output.
type Local struct {
	smk *secure.Sealed
}

// NewLocal derives the SMK from seed. The same seed always yields the same
// SMK, so ciphertexts survive restarts.
func NewLocal(seed []byte) (*Local, error) {
	if len(seed) < MinLocalSeedSize {
		return nil, fmt.Errorf("%w: local seed must be at least %d bytes", ErrInvalidConfig, MinLocalSeedSize)
	}
	smk, err := kdf.Expand(seed, []byte(localSalt), localInfo)
	if err != nil {
		return nil, fmt.Errorf("kms: failed to derive local SMK: %w", err)
	}
	sealed, err := secure.Seal(smk)
	if err != nil {
		return nil, err
	}
	return &Local{smk: sealed}, nil
}

// NewEphemeralLocal creates a provider with a random SMK that lives only as
// long as the process.
func NewEphemeralLocal() (*Local, error) {
	seed, err := secure.RandomKey(MinLocalSeedSize)
	if err != nil {
		return nil, err
	}
	defer seed.Destroy()
	return NewLocal(seed.Bytes())
}

// Name returns ProviderLocal
func (l *Local) Name() string {
	return ProviderLocal
}

// GenerateDataKey mints a random key and encrypts it under the SMK
func (l *Local) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	dk, err := generateWithEncrypt(ctx, l)
	metrics.RecordKMSRequest(ProviderLocal, "generate_data_key", err)
	return dk, err
}

// Encrypt encrypts plaintext under the SMK
func (l *Local) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := l.smk.Use(func(key []byte) error {
		ct, iv, err := envelope.Wrap(key, plaintext, nil)
		if err != nil {
			return err
		}
		out = make([]byte, 0, len(iv)+len(ct))
		out = append(out, iv...)
		out = append(out, ct...)
		return nil
	})
	metrics.RecordKMSRequest(ProviderLocal, "encrypt", err)
	return out, err
}

// Decrypt decrypts a ciphertext produced by Encrypt
func (l *Local) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ciphertext) < envelope.IVSize+envelope.TagSize {
		err := fmt.Errorf("kms: ciphertext too short: %w", types.ErrAuthenticationFailure)
		metrics.RecordKMSRequest(ProviderLocal, "decrypt", err)
		return nil, err
	}
	var out []byte
	err := l.smk.Use(func(key []byte) error {
		pt, err := envelope.Unwrap(key, ciphertext[envelope.IVSize:], ciphertext[:envelope.IVSize], nil)
		out = pt
		return err
	})
	metrics.RecordKMSRequest(ProviderLocal, "decrypt", err)
	return out, err
}

// Close is a no-op; the enclave is released by the garbage collector
func (l *Local) Close() error {
	return nil
}

var _ Provider = (*Local)(nil)
