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

package testutil

import (
	"context"
	"testing"

	"github.com/jeremyhahn/go-credvault/internal/password"
	"github.com/jeremyhahn/go-credvault/pkg/adapters/kdf"
	"github.com/jeremyhahn/go-credvault/pkg/envelope"
	"github.com/jeremyhahn/go-credvault/pkg/kms"
	"github.com/jeremyhahn/go-credvault/pkg/records"
	"github.com/jeremyhahn/go-credvault/pkg/secure"
	"github.com/jeremyhahn/go-credvault/pkg/storage"
	"github.com/jeremyhahn/go-credvault/pkg/types"
)

// FastCost is the cheapest Argon2id cost set that still passes validation.
func FastCost() types.KDFParams {
	return kdf.Argon2idCost(kdf.MinArgon2Time, kdf.MinArgon2Memory, kdf.MinArgon2Threads)
}

// StaticSecret is a fixed server secret provider
type StaticSecret []byte

// ServerSecret returns a copy of the secret
func (s StaticSecret) ServerSecret(context.Context) ([]byte, error) {
	return append([]byte(nil), s...), nil
}

// Passphrase wraps s in a types.Password and clears it when the test ends
func Passphrase(t testing.TB, s string) types.Password {
	t.Helper()
	p, err := password.FromString(s)
	if err != nil {
		t.Fatalf("passphrase: %v", err)
	}
	t.Cleanup(p.Clear)
	return p
}

// NewRepository returns a record repository over fresh in-memory storage
func NewRepository(t testing.TB) *records.Repository {
	t.Helper()
	repo, err := records.New(storage.NewMemory())
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	t.Cleanup(func() { repo.Backend().Close() })
	return repo
}

// NewServer returns a server envelope over a random key
func NewServer(t testing.TB) *envelope.Server {
	t.Helper()
	key, err := secure.RandomKey(types.KeySize)
	if err != nil {
		t.Fatalf("server key: %v", err)
	}
	server, err := envelope.NewServerFromKey(key)
	if err != nil {
		t.Fatalf("server envelope: %v", err)
	}
	return server
}

// NewLocalKMS returns an ephemeral local KMS provider
func NewLocalKMS(t testing.TB) *kms.Local {
	t.Helper()
	provider, err := kms.NewEphemeralLocal()
	if err != nil {
		t.Fatalf("local kms: %v", err)
	}
	t.Cleanup(func() { provider.Close() })
	return provider
}
