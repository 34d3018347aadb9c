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

package envelope

import (
	"context"
	"fmt"

	"github.com/jeremyhahn/go-credvault/pkg/adapters/kdf"
	"github.com/jeremyhahn/go-credvault/pkg/adapters/logger"
	"github.com/jeremyhahn/go-credvault/pkg/secure"
	"github.com/jeremyhahn/go-credvault/pkg/types"
)

const (
	// DefaultServerIterations is the PBKDF2 cost used to stretch the boot secret
	DefaultServerIterations = 600000

	// DefaultServerSalt is the static salt for the server key. The server key is
	// derived once per process, so a static salt only needs to be unique to the
	// deployment.
	DefaultServerSalt = "go-credvault/server-envelope/v1"
)

// SecretProvider returns the boot-time server secret
type SecretProvider interface {
	ServerSecret(ctx context.Context) ([]byte, error)
}

// ServerConfig configures the server envelope
type ServerConfig struct {
	// Salt defaults to DefaultServerSalt
	Salt []byte

	// Iterations defaults to DefaultServerIterations
	Iterations int

	Logger logger.Logger
}

// Server is the outer envelope keyed by a process-wide secret. It is built
// once at startup and passed explicitly to every component that needs it.
type Server struct {
	key *secure.Sealed
}

// NewServer fetches the server secret and derives the server key. A missing
// or empty secret is types.ErrNotConfigured and must abort startup.
func NewServer(ctx context.Context, provider SecretProvider, config *ServerConfig) (*Server, error) {
	if config == nil {
		config = &ServerConfig{}
	}
	log := config.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	if provider == nil {
		return nil, fmt.Errorf("envelope: no server secret provider: %w", types.ErrNotConfigured)
	}

	secret, err := provider.ServerSecret(ctx)
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to load server secret: %w", err)
	}
	defer secure.Wipe(secret)
	if len(secret) == 0 {
		return nil, fmt.Errorf("envelope: server secret is empty: %w", types.ErrNotConfigured)
	}

	salt := config.Salt
	if len(salt) == 0 {
		salt = []byte(DefaultServerSalt)
	}
	iterations := config.Iterations
	if iterations == 0 {
		iterations = DefaultServerIterations
	}

	key, err := kdf.Derive(secret, salt, kdf.PBKDF2Cost(iterations))
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to derive server key: %w", err)
	}
	sealed, err := secure.Seal(key)
	if err != nil {
		return nil, err
	}

	log.Info("server envelope initialized", logger.Int("iterations", iterations))
	return &Server{key: sealed}, nil
}

// NewServerFromKey builds a server envelope from an already derived 32-byte key.
// key is destroyed on return.
func NewServerFromKey(key *secure.Key) (*Server, error) {
	if key.Len() != types.KeySize {
		key.Destroy()
		return nil, ErrInvalidKey
	}
	sealed, err := secure.Seal(key)
	if err != nil {
		return nil, err
	}
	return &Server{key: sealed}, nil
}

// Wrap applies the server layer
func (s *Server) Wrap(plaintext, aad []byte) (ciphertext, iv []byte, err error) {
	err = s.key.Use(func(key []byte) error {
		ciphertext, iv, err = Wrap(key, plaintext, aad)
		return err
	})
	return ciphertext, iv, err
}

// Unwrap removes the server layer
func (s *Server) Unwrap(ciphertext, iv, aad []byte) (plaintext []byte, err error) {
	err = s.key.Use(func(key []byte) error {
		plaintext, err = Unwrap(key, ciphertext, iv, aad)
		return err
	})
	return plaintext, err
}
