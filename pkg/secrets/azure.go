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

	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/jeremyhahn/go-credvault/pkg/kms"
	"github.com/jeremyhahn/go-credvault/pkg/types"
)

// AzureConfig configures the Key Vault secrets provider
type AzureConfig struct {
	VaultURL     string `yaml:"vault_url" json:"vault_url" mapstructure:"vault_url"`
	SecretName   string `yaml:"secret_name" json:"secret_name" mapstructure:"secret_name"`
	Version      string `yaml:"version,omitempty" json:"version,omitempty" mapstructure:"version"`
	TenantID     string `yaml:"tenant_id,omitempty" json:"tenant_id,omitempty" mapstructure:"tenant_id"`
	ClientID     string `yaml:"client_id,omitempty" json:"client_id,omitempty" mapstructure:"client_id"`
	ClientSecret string `yaml:"client_secret,omitempty" json:"client_secret,omitempty" mapstructure:"client_secret"`
}

// Validate checks the configuration
func (c *AzureConfig) Validate() error {
	if c == nil || c.VaultURL == "" || c.SecretName == "" {
		return fmt.Errorf("%w: azure vault_url and secret_name are required", ErrInvalidConfig)
	}
	return nil
}

// AzureClient is the subset of the Key Vault secrets client used here
type AzureClient interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
}

// Azure reads the secret from Azure Key Vault
type Azure struct {
	name    string
	version string
	client  AzureClient
}

// NewAzure creates a Key Vault secrets provider
func NewAzure(config *AzureConfig) (*Azure, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cred, err := kms.AzureCredential(config.TenantID, config.ClientID, config.ClientSecret)
	if err != nil {
		return nil, err
	}
	client, err := azsecrets.NewClient(config.VaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: failed to create Azure secrets client: %w", err)
	}
	return NewAzureWithClient(config.SecretName, config.Version, client), nil
}

// NewAzureWithClient creates a provider with a custom client
func NewAzureWithClient(name, version string, client AzureClient) *Azure {
	return &Azure{name: name, version: version, client: client}
}

// ServerSecret fetches the secret value
func (a *Azure) ServerSecret(ctx context.Context) ([]byte, error) {
	resp, err := a.client.GetSecret(ctx, a.name, a.version, nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: azure get %s: %w", a.name, err)
	}
	if resp.Value == nil || *resp.Value == "" {
		return nil, fmt.Errorf("secrets: azure secret %s is empty: %w", a.name, types.ErrNotConfigured)
	}
	return []byte(*resp.Value), nil
}

var _ Provider = (*Azure)(nil)
