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
)

// Config selects and configures a server secret provider
type Config struct {
	Provider string `yaml:"provider" json:"provider" mapstructure:"provider"`

	// EnvVar is read by the env provider. Defaults to DefaultEnvVar.
	EnvVar string `yaml:"env_var,omitempty" json:"env_var,omitempty" mapstructure:"env_var"`

	// File is read by the file provider
	File string `yaml:"file,omitempty" json:"file,omitempty" mapstructure:"file"`

	AWS   *AWSConfig   `yaml:"aws,omitempty" json:"aws,omitempty" mapstructure:"aws"`
	Azure *AzureConfig `yaml:"azure,omitempty" json:"azure,omitempty" mapstructure:"azure"`
	Vault *VaultConfig `yaml:"vault,omitempty" json:"vault,omitempty" mapstructure:"vault"`
}

// Enabled reports whether a server envelope is configured
func (c *Config) Enabled() bool {
	return c != nil && c.Provider != "" && c.Provider != ProviderNone
}

// Validate checks the selected provider's configuration
func (c *Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	switch c.Provider {
	case ProviderEnv:
		return nil
	case ProviderFile:
		if c.File == "" {
			return fmt.Errorf("%w: file is required", ErrInvalidConfig)
		}
		return nil
	case ProviderAWSSecretsManager, ProviderAWSSSM:
		return c.AWS.Validate()
	case ProviderAzure:
		return c.Azure.Validate()
	case ProviderVault:
		return c.Vault.Validate()
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedProvider, c.Provider)
	}
}

// New creates the configured provider. It returns nil, nil when the server
// envelope is disabled.
func New(ctx context.Context, config *Config) (Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if !config.Enabled() {
		return nil, nil
	}
	switch config.Provider {
	case ProviderEnv:
		return &Env{Name: config.EnvVar}, nil
	case ProviderFile:
		return &File{Path: config.File}, nil
	case ProviderAWSSecretsManager:
		return NewAWSSecretsManager(ctx, config.AWS)
	case ProviderAWSSSM:
		return NewAWSSSM(ctx, config.AWS)
	case ProviderAzure:
		return NewAzure(config.Azure)
	default:
		return NewVault(config.Vault)
	}
}
