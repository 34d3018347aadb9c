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

// Package secure provides scoped owners for plaintext key material.
//
// Every Master Key, DEK and KEK handled by the vault lives in a *Key for the
// duration of one operation and is wiped with Destroy on every exit path:
//
//	k, err := secure.RandomKey(types.KeySize)
//	if err != nil {
//	    return err
//	}
//	defer k.Destroy()
//
// Long-lived process keys are held in a *Sealed, which keeps the bytes
// encrypted in a memguard enclave between uses.
package secure

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

var (
	// ErrDestroyed is returned when accessing a key after Destroy.
	ErrDestroyed = errors.New("secure: key destroyed")

	// ErrEmptyKey is returned when sealing or wrapping an empty buffer.
	ErrEmptyKey = errors.New("secure: empty key")
)

// Key owns a plaintext key buffer. The zero value is an empty, destroyed key.
type Key struct {
	mu        sync.Mutex
	b         []byte
	destroyed bool
}

// NewKey takes ownership of b. The caller must not retain or modify b.
func NewKey(b []byte) *Key {
	return &Key{b: b}
}

// CopyKey copies b into a new Key and leaves b untouched.
func CopyKey(b []byte) *Key {
	c := make([]byte, len(b))
	copy(c, b)
	return &Key{b: c}
}

// RandomKey returns a Key filled with n bytes from crypto/rand.
func RandomKey(n int) (*Key, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("secure: failed to generate key: %w", err)
	}
	return &Key{b: b}, nil
}

// Bytes returns the underlying buffer without copying. The slice is only valid
// until Destroy is called and must not be retained.
func (k *Key) Bytes() []byte {
	if k == nil {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.destroyed {
		return nil
	}
	return k.b
}

// Len returns the key length in bytes.
func (k *Key) Len() int {
	return len(k.Bytes())
}

// Clone returns an independent copy of the key.
func (k *Key) Clone() (*Key, error) {
	b := k.Bytes()
	if b == nil {
		return nil, ErrDestroyed
	}
	return CopyKey(b), nil
}

// Equal compares two keys in constant time.
func (k *Key) Equal(other *Key) bool {
	a, b := k.Bytes(), other.Bytes()
	if a == nil || b == nil {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Destroy wipes the buffer. It is safe to call more than once and on nil.
func (k *Key) Destroy() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.destroyed {
		return
	}
	memguard.WipeBytes(k.b)
	k.b = nil
	k.destroyed = true
}

// Destroyed reports whether Destroy has been called.
func (k *Key) Destroyed() bool {
	if k == nil {
		return true
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.destroyed
}

// Wipe zeroes an arbitrary buffer such as a passphrase copy.
func Wipe(b []byte) {
	memguard.WipeBytes(b)
}
