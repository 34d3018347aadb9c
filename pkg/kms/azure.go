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
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"
	"github.com/jeremyhahn/go-credvault/pkg/metrics"
)

// AzureConfig configures the Azure Key Vault provider
type AzureConfig struct {
	// VaultURL is the vault endpoint, e.g. https://myvault.vault.azure.net/
	VaultURL string `yaml:"vault_url" json:"vault_url" mapstructure:"vault_url"`

	// KeyName is the RSA key used as the SMK
	KeyName string `yaml:"key_name" json:"key_name" mapstructure:"key_name"`

	// KeyVersion pins a key version; empty uses the latest
	KeyVersion string `yaml:"key_version,omitempty" json:"key_version,omitempty" mapstructure:"key_version"`

	// Service principal credentials. When unset DefaultAzureCredential is used.
	TenantID     string `yaml:"tenant_id,omitempty" json:"tenant_id,omitempty" mapstructure:"tenant_id"`
	ClientID     string `yaml:"client_id,omitempty" json:"client_id,omitempty" mapstructure:"client_id"`
	ClientSecret string `yaml:"client_secret,omitempty" json:"client_secret,omitempty" mapstructure:"client_secret"`
}

// Validate checks the configuration
func (c *AzureConfig) Validate() error {
	if c == nil {
		return ErrInvalidConfig
	}
	if c.VaultURL == "" {
		return fmt.Errorf("%w: azure vault_url is required", ErrInvalidConfig)
	}
	if c.KeyName == "" {
		return fmt.Errorf("%w: azure key_name is required", ErrInvalidConfig)
	}
	return nil
}

// AzureCredential builds a token credential from service principal fields,
// falling back to DefaultAzureCredential.
func AzureCredential(tenantID, clientID, clientSecret string) (azcore.TokenCredential, error) {
	if tenantID != "" && clientID != "" && clientSecret != "" {
		cred, err := azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret,
			&azidentity.ClientSecretCredentialOptions{AdditionallyAllowedTenants: []string{"*"}})
		if err != nil {
			return nil, fmt.Errorf("kms: failed to create client secret credential: %w", err)
		}
		return cred, nil
	}
	cred, err := azidentity.NewDefaultAzureCredential(
		&azidentity.DefaultAzureCredentialOptions{AdditionallyAllowedTenants: []string{"*"}})
	if err != nil {
		return nil, fmt.Errorf("kms: failed to create Azure credential: %w", err)
	}
	return cred, nil
}

// AzureClient is the subset of the Key Vault keys client used by the provider
type AzureClient interface {
	WrapKey(ctx context.Context, keyName, keyVersion string, params azkeys.KeyOperationParameters, options *azkeys.WrapKeyOptions) (azkeys.WrapKeyResponse, error)
	UnwrapKey(ctx context.Context, keyName, keyVersion string, params azkeys.KeyOperationParameters, options *azkeys.UnwrapKeyOptions) (azkeys.UnwrapKeyResponse, error)
}

// Azure is a Provider backed by an Azure Key Vault RSA key using RSA-OAEP-256
// key wrapping.
type Azure struct {
	config *AzureConfig
	client AzureClient
}

// NewAzure creates an Azure Key Vault provider
func NewAzure(config *AzureConfig) (*Azure, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cred, err := AzureCredential(config.TenantID, config.ClientID, config.ClientSecret)
	if err != nil {
		return nil, err
	}
	client, err := azkeys.NewClient(config.VaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("kms: failed to create Azure Key Vault client: %w", err)
	}
	return &Azure{config: config, client: client}, nil
}

// NewAzureWithClient creates an Azure provider with a custom client.
// This is primarily used for testing with mock clients.
func NewAzureWithClient(config *AzureConfig, client AzureClient) (*Azure, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("%w: client is required", ErrInvalidConfig)
	}
	return &Azure{config: config, client: client}, nil
}

// Name returns ProviderAzure
func (a *Azure) Name() string {
	return ProviderAzure
}

// GenerateDataKey mints a key locally and wraps it with Key Vault
func (a *Azure) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	return generateWithEncrypt(ctx, a)
}

// Encrypt wraps plaintext with the configured key
func (a *Azure) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	alg := azkeys.EncryptionAlgorithmRSAOAEP256
	resp, err := a.client.WrapKey(ctx, a.config.KeyName, a.config.KeyVersion,
		azkeys.KeyOperationParameters{Algorithm: &alg, Value: plaintext}, nil)
	if err == nil && len(resp.Result) == 0 {
		err = fmt.Errorf("%w: wrap key", ErrInvalidResponse)
	}
	metrics.RecordKMSRequest(ProviderAzure, "encrypt", err)
	if err != nil {
		return nil, fmt.Errorf("kms: azure wrap key: %w", err)
	}
	return resp.Result, nil
}

// Decrypt unwraps a ciphertext produced by Encrypt
func (a *Azure) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	alg := azkeys.EncryptionAlgorithmRSAOAEP256
	resp, err := a.client.UnwrapKey(ctx, a.config.KeyName, a.config.KeyVersion,
		azkeys.KeyOperationParameters{Algorithm: &alg, Value: ciphertext}, nil)
	metrics.RecordKMSRequest(ProviderAzure, "decrypt", err)
	if err != nil {
		return nil, fmt.Errorf("kms: azure unwrap key: %w", err)
	}
	return resp.Result, nil
}

// Close is a no-op
func (a *Azure) Close() error {
	return nil
}

var _ Provider = (*Azure)(nil)
