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

package secure

import (
	"fmt"

	"github.com/awnumar/memguard"
)

// Sealed keeps a long-lived key encrypted in memory between uses.
type Sealed struct {
	enclave *memguard.Enclave
	size    int
}

// Seal moves k into an enclave. k is destroyed on return.
func Seal(k *Key) (*Sealed, error) {
	defer k.Destroy()
	b := k.Bytes()
	if len(b) == 0 {
		return nil, ErrEmptyKey
	}
	size := len(b)
	// NewEnclave wipes its input.
	c := make([]byte, size)
	copy(c, b)
	return &Sealed{enclave: memguard.NewEnclave(c), size: size}, nil
}

// Open returns a transient plaintext copy of the sealed key. The caller must
// Destroy the returned key.
func (s *Sealed) Open() (*Key, error) {
	if s == nil || s.enclave == nil {
		return nil, ErrDestroyed
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("secure: failed to open enclave: %w", err)
	}
	defer buf.Destroy()
	return CopyKey(buf.Bytes()), nil
}

// Size returns the sealed key length in bytes.
func (s *Sealed) Size() int {
	if s == nil {
		return 0
	}
	return s.size
}

// Use opens the key, calls fn and destroys the plaintext copy.
func (s *Sealed) Use(fn func(key []byte) error) error {
	k, err := s.Open()
	if err != nil {
		return err
	}
	defer k.Destroy()
	return fn(k.Bytes())
}
