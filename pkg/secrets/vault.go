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

package secrets

import (
	"context"
	"fmt"
	"strings"

	"github.com/jeremyhahn/go-credvault/pkg/kms"
	"github.com/jeremyhahn/go-credvault/pkg/types"
)

// VaultConfig configures the Vault KV v2 provider
type VaultConfig struct {
	Address   string `yaml:"address" json:"address" mapstructure:"address"`
	Token     string `yaml:"token,omitempty" json:"token,omitempty" mapstructure:"token"`
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty" mapstructure:"namespace"`

	// Mount is the KV v2 mount. Defaults to "secret".
	Mount string `yaml:"mount,omitempty" json:"mount,omitempty" mapstructure:"mount"`

	// Path is the secret path below the mount
	Path string `yaml:"path" json:"path" mapstructure:"path"`

	// Field is the key inside the secret. Defaults to "value".
	Field string `yaml:"field,omitempty" json:"field,omitempty" mapstructure:"field"`
}

// Validate checks the configuration and applies defaults
func (c *VaultConfig) Validate() error {
	if c == nil || c.Path == "" {
		return fmt.Errorf("%w: vault path is required", ErrInvalidConfig)
	}
	if c.Mount == "" {
		c.Mount = "secret"
	}
	if c.Field == "" {
		c.Field = "value"
	}
	return nil
}

// Vault reads the secret from a Vault KV v2 engine
type Vault struct {
	config  *VaultConfig
	logical kms.VaultLogical
}

// NewVault creates a Vault KV v2 provider
func NewVault(config *VaultConfig) (*Vault, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	client, err := kms.NewVaultClient(config.Address, config.Token, config.Namespace)
	if err != nil {
		return nil, err
	}
	return &Vault{config: config, logical: client.Logical()}, nil
}

// NewVaultWithClient creates a provider with a custom logical client
func NewVaultWithClient(config *VaultConfig, logical kms.VaultLogical) (*Vault, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Vault{config: config, logical: logical}, nil
}

// ServerSecret reads {mount}/data/{path} and returns the configured field
func (v *Vault) ServerSecret(ctx context.Context) ([]byte, error) {
	path := strings.Trim(v.config.Mount, "/") + "/data/" + strings.Trim(v.config.Path, "/")
	secret, err := v.logical.ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("secrets: vault read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("secrets: vault secret %s not found: %w", path, types.ErrNotConfigured)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("secrets: vault secret %s is not a KV v2 secret: %w", path, types.ErrNotConfigured)
	}
	value, ok := data[v.config.Field].(string)
	if !ok || value == "" {
		return nil, fmt.Errorf("secrets: vault field %q is empty: %w", v.config.Field, types.ErrNotConfigured)
	}
	return []byte(value), nil
}

var _ Provider = (*Vault)(nil)
