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

package kdf

import (
	"crypto"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-credvault/pkg/metrics"
	"github.com/jeremyhahn/go-credvault/pkg/secure"
	"github.com/jeremyhahn/go-credvault/pkg/types"
)

// PBKDF2Cost returns a persisted PBKDF2-HMAC-SHA256 cost set
func PBKDF2Cost(iterations int) types.KDFParams {
	return types.KDFParams{
		Algorithm:  AlgorithmPBKDF2.String(),
		Iterations: iterations,
	}
}

// Argon2idCost returns a persisted Argon2id cost set
func Argon2idCost(time, memory uint32, threads uint8) types.KDFParams {
	return types.KDFParams{
		Algorithm: AlgorithmArgon2id.String(),
		Time:      time,
		Memory:    memory,
		Threads:   threads,
	}
}

// DefaultAccountCost is the canonical account-level cost set used by both
// scheme versions unless configuration overrides it.
func DefaultAccountCost() types.KDFParams {
	return PBKDF2Cost(DefaultPBKDF2Iterations)
}

// ToParams expands a persisted cost set into derivation parameters
func ToParams(cost types.KDFParams, salt []byte) *KDFParams {
	alg := AlgorithmPBKDF2
	if cost.Algorithm != "" {
		// Unknown names pass through and fail in AdapterFor.
		alg, _ = ParseAlgorithm(cost.Algorithm)
	}
	return &KDFParams{
		Algorithm:  alg,
		Salt:       salt,
		Iterations: cost.Iterations,
		Memory:     cost.Memory,
		Threads:    cost.Threads,
		Time:       cost.Time,
		KeyLength:  types.KeySize,
		Hash:       crypto.SHA256,
	}
}

// ValidateCost checks a cost set without deriving anything
func ValidateCost(cost types.KDFParams) error {
	params := ToParams(cost, make([]byte, types.SaltSize))
	if params.Algorithm == AlgorithmHKDF {
		return fmt.Errorf("%w: %s is not a passphrase KDF", ErrUnsupportedAlgorithm, params.Algorithm)
	}
	adapter, err := AdapterFor(params.Algorithm)
	if err != nil {
		return err
	}
	return adapter.ValidateParams(params)
}

// Derive derives a 32-byte wrap key from passphrase and salt using the
// persisted cost set. The result is deterministic for identical inputs and is
// never cached. The caller owns the returned key.
func Derive(passphrase, salt []byte, cost types.KDFParams) (*secure.Key, error) {
	params := ToParams(cost, salt)
	if params.Algorithm == AlgorithmHKDF {
		return nil, ErrUnsupportedAlgorithm
	}
	adapter, err := AdapterFor(params.Algorithm)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	key, err := adapter.DeriveKey(passphrase, params)
	if err != nil {
		return nil, err
	}
	metrics.RecordKDF(params.Algorithm.String(), time.Since(start).Seconds())
	return secure.NewKey(key), nil
}

// Expand derives a labelled sub-key from high-entropy input key material
func Expand(ikm, salt []byte, info string) (*secure.Key, error) {
	params := DefaultParams(AlgorithmHKDF)
	params.Salt = salt
	params.Info = []byte(info)
	key, err := NewHKDFAdapter().DeriveKey(ikm, params)
	if err != nil {
		return nil, err
	}
	return secure.NewKey(key), nil
}
