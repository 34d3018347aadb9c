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

// Package secrets provisions the boot-time server secret that keys the
// server envelope. Every Provider returns a fresh copy of the secret; the
// caller wipes it after deriving the server key.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jeremyhahn/go-credvault/pkg/types"
)

// Provider names
const (
	ProviderNone              = "none"
	ProviderEnv               = "env"
	ProviderFile              = "file"
	ProviderAWSSecretsManager = "aws-secretsmanager"
	ProviderAWSSSM            = "aws-ssm"
	ProviderAzure             = "azure"
	ProviderVault             = "vault"

	// DefaultEnvVar is read by the env provider when no name is configured
	DefaultEnvVar = "CREDVAULT_SERVER_SECRET"
)

var (
	// ErrInvalidConfig is returned when a provider configuration is incomplete.
	ErrInvalidConfig = errors.New("secrets: invalid configuration")

	// ErrUnsupportedProvider is returned for an unknown provider name.
	ErrUnsupportedProvider = errors.New("secrets: unsupported provider")
)

// Provider returns the server secret
type Provider interface {
	ServerSecret(ctx context.Context) ([]byte, error)
}

// Static is a fixed secret, used for tests and embedded deployments
type Static []byte

// ServerSecret returns a copy of the secret
func (s Static) ServerSecret(context.Context) ([]byte, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("secrets: static secret is empty: %w", types.ErrNotConfigured)
	}
	return append([]byte(nil), s...), nil
}

// Env reads the secret from an environment variable
type Env struct {
	Name string
}

// ServerSecret returns the variable's value
func (e *Env) ServerSecret(context.Context) ([]byte, error) {
	name := e.Name
	if name == "" {
		name = DefaultEnvVar
	}
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil, fmt.Errorf("secrets: %s is not set: %w", name, types.ErrNotConfigured)
	}
	return []byte(v), nil
}

// File reads the secret from a file. Trailing newlines are stripped.
type File struct {
	Path string
}

// ServerSecret returns the file contents
func (f *File) ServerSecret(context.Context) ([]byte, error) {
	if f.Path == "" {
		return nil, fmt.Errorf("%w: file path is required", ErrInvalidConfig)
	}
	data, err := os.ReadFile(filepath.Clean(f.Path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("secrets: %s does not exist: %w", f.Path, types.ErrNotConfigured)
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: failed to read %s: %w", f.Path, err)
	}
	n := len(strings.TrimRight(string(data), "\r\n"))
	return data[:n], nil
}

var (
	_ Provider = Static(nil)
	_ Provider = (*Env)(nil)
	_ Provider = (*File)(nil)
)
