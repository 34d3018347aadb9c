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
	"encoding/base64"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
	"github.com/jeremyhahn/go-credvault/pkg/metrics"
	"github.com/jeremyhahn/go-credvault/pkg/secure"
)

// VaultConfig configures the Vault transit provider
type VaultConfig struct {
	// Address is the Vault server address
	Address string `yaml:"address" json:"address" mapstructure:"address"`

	// Token authenticates to Vault. VAULT_TOKEN is used when empty.
	Token string `yaml:"token,omitempty" json:"token,omitempty" mapstructure:"token"`

	// Namespace is the Vault Enterprise namespace
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty" mapstructure:"namespace"`

	// MountPath is the transit mount. Defaults to "transit".
	MountPath string `yaml:"mount_path,omitempty" json:"mount_path,omitempty" mapstructure:"mount_path"`

	// KeyName is the transit key used as the SMK
	KeyName string `yaml:"key_name" json:"key_name" mapstructure:"key_name"`
}

// Validate checks the configuration and applies defaults
func (c *VaultConfig) Validate() error {
	if c == nil {
		return ErrInvalidConfig
	}
	if c.KeyName == "" {
		return fmt.Errorf("%w: vault key_name is required", ErrInvalidConfig)
	}
	if c.MountPath == "" {
		c.MountPath = "transit"
	}
	c.MountPath = strings.Trim(c.MountPath, "/")
	return nil
}

// VaultLogical is the subset of the Vault logical client used by the
// transit provider and the Vault secret provider. *vault.Logical satisfies it.
type VaultLogical interface {
	ReadWithContext(ctx context.Context, path string) (*vault.Secret, error)
	WriteWithContext(ctx context.Context, path string, data map[string]interface{}) (*vault.Secret, error)
}

// NewVaultClient creates a Vault API client from address, token and namespace
func NewVaultClient(address, token, namespace string) (*vault.Client, error) {
	cfg := vault.DefaultConfig()
	if address != "" {
		cfg.Address = address
	}
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("kms: failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}
	if namespace != "" {
		client.SetNamespace(namespace)
	}
	return client, nil
}

// Vault is a Provider backed by the Vault transit secrets engine
type Vault struct {
	config  *VaultConfig
	logical VaultLogical
}

// NewVault creates a Vault transit provider
func NewVault(config *VaultConfig) (*Vault, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	client, err := NewVaultClient(config.Address, config.Token, config.Namespace)
	if err != nil {
		return nil, err
	}
	return &Vault{config: config, logical: client.Logical()}, nil
}

// NewVaultWithClient creates a Vault provider with a custom logical client.
// This is primarily used for testing with mock clients.
func NewVaultWithClient(config *VaultConfig, logical VaultLogical) (*Vault, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logical == nil {
		return nil, fmt.Errorf("%w: client is required", ErrInvalidConfig)
	}
	return &Vault{config: config, logical: logical}, nil
}

// Name returns ProviderVault
func (v *Vault) Name() string {
	return ProviderVault
}

func (v *Vault) path(op string) string {
	return fmt.Sprintf("%s/%s/%s", v.config.MountPath, op, v.config.KeyName)
}

// GenerateDataKey calls transit/datakey/plaintext
func (v *Vault) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	dk, err := v.generateDataKey(ctx)
	metrics.RecordKMSRequest(ProviderVault, "generate_data_key", err)
	return dk, err
}

func (v *Vault) generateDataKey(ctx context.Context) (*DataKey, error) {
	secret, err := v.logical.WriteWithContext(ctx, v.path("datakey/plaintext"),
		map[string]interface{}{"bits": 256})
	if err != nil {
		return nil, fmt.Errorf("kms: vault datakey: %w", err)
	}
	ct, err := stringField(secret, "ciphertext")
	if err != nil {
		return nil, err
	}
	pt64, err := stringField(secret, "plaintext")
	if err != nil {
		return nil, err
	}
	pt, err := base64.StdEncoding.DecodeString(pt64)
	if err != nil || len(pt) != 32 {
		return nil, fmt.Errorf("%w: vault datakey plaintext", ErrInvalidResponse)
	}
	return &DataKey{Plaintext: secure.NewKey(pt), Ciphertext: []byte(ct)}, nil
}

// Encrypt calls transit/encrypt
func (v *Vault) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	ct, err := v.encrypt(ctx, plaintext)
	metrics.RecordKMSRequest(ProviderVault, "encrypt", err)
	return ct, err
}

func (v *Vault) encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	secret, err := v.logical.WriteWithContext(ctx, v.path("encrypt"), map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
	if err != nil {
		return nil, fmt.Errorf("kms: vault encrypt: %w", err)
	}
	ct, err := stringField(secret, "ciphertext")
	if err != nil {
		return nil, err
	}
	return []byte(ct), nil
}

// Decrypt calls transit/decrypt. Vault ciphertexts carry the "vault:vN:" prefix.
func (v *Vault) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	pt, err := v.decrypt(ctx, ciphertext)
	metrics.RecordKMSRequest(ProviderVault, "decrypt", err)
	return pt, err
}

func (v *Vault) decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if !strings.HasPrefix(string(ciphertext), "vault:") {
		return nil, fmt.Errorf("%w: not a vault ciphertext", ErrInvalidResponse)
	}
	secret, err := v.logical.WriteWithContext(ctx, v.path("decrypt"), map[string]interface{}{
		"ciphertext": string(ciphertext),
	})
	if err != nil {
		return nil, fmt.Errorf("kms: vault decrypt: %w", err)
	}
	pt64, err := stringField(secret, "plaintext")
	if err != nil {
		return nil, err
	}
	pt, err := base64.StdEncoding.DecodeString(pt64)
	if err != nil {
		return nil, fmt.Errorf("%w: vault plaintext is not base64", ErrInvalidResponse)
	}
	return pt, nil
}

// Close is a no-op
func (v *Vault) Close() error {
	return nil
}

func stringField(secret *vault.Secret, name string) (string, error) {
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: empty vault response", ErrInvalidResponse)
	}
	s, ok := secret.Data[name].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: vault response missing %q", ErrInvalidResponse, name)
	}
	return s, nil
}

var _ Provider = (*Vault)(nil)
