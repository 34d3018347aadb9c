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

// Package envelope implements the AES-256-GCM wrap primitive and the optional
// server-keyed outer layer ("double-wrap").
//
// Wrap produces ciphertext with the 16-byte tag appended and a fresh 12-byte
// random IV. Unwrap verifies the tag before returning any plaintext and maps
// every failure to types.ErrAuthenticationFailure.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-credvault/pkg/secure"
	"github.com/jeremyhahn/go-credvault/pkg/types"
)

const (
	// IVSize is the GCM nonce size in bytes
	IVSize = 12

	// TagSize is the GCM authentication tag size in bytes
	TagSize = 16
)

// ErrInvalidKey indicates a wrap key that is not 32 bytes
var ErrInvalidKey = errors.New("envelope: invalid key size")

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != types.KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Wrap encrypts plaintext under key. aad is authenticated but not encrypted
// and may be nil; the same aad must be supplied to Unwrap.
func Wrap(key, plaintext, aad []byte) (ciphertext, iv []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("envelope: failed to generate iv: %w", err)
	}
	return gcm.Seal(nil, iv, plaintext, aad), iv, nil
}

// Unwrap verifies and decrypts ciphertext. No plaintext is returned unless the
// tag verifies.
func Unwrap(key, ciphertext, iv, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != IVSize || len(ciphertext) < TagSize {
		return nil, fmt.Errorf("envelope: malformed ciphertext: %w", types.ErrAuthenticationFailure)
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", types.ErrAuthenticationFailure)
	}
	return plaintext, nil
}

// WrapKey wraps key material held in a secure.Key.
func WrapKey(kek, secret *secure.Key, aad []byte) (ciphertext, iv []byte, err error) {
	k, s := kek.Bytes(), secret.Bytes()
	if k == nil || s == nil {
		return nil, nil, secure.ErrDestroyed
	}
	return Wrap(k, s, aad)
}

// UnwrapKey unwraps key material into a secure.Key owned by the caller.
func UnwrapKey(kek *secure.Key, ciphertext, iv, aad []byte) (*secure.Key, error) {
	k := kek.Bytes()
	if k == nil {
		return nil, secure.ErrDestroyed
	}
	pt, err := Unwrap(k, ciphertext, iv, aad)
	if err != nil {
		return nil, err
	}
	return secure.NewKey(pt), nil
}
