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
	"os"
	"path/filepath"

	"github.com/jeremyhahn/go-credvault/pkg/secure"
)

// LocalConfig configures the local provider
type LocalConfig struct {
	// SeedFile holds at least 32 bytes of seed material. When empty the
	// provider is ephemeral and its ciphertexts do not survive a restart.
	SeedFile string `yaml:"seed_file,omitempty" json:"seed_file,omitempty" mapstructure:"seed_file"`
}

// Config selects and configures a provider
type Config struct {
	Provider string       `yaml:"provider" json:"provider" mapstructure:"provider"`
	Local    *LocalConfig `yaml:"local,omitempty" json:"local,omitempty" mapstructure:"local"`
	AWS      *AWSConfig   `yaml:"aws,omitempty" json:"aws,omitempty" mapstructure:"aws"`
	GCP      *GCPConfig   `yaml:"gcp,omitempty" json:"gcp,omitempty" mapstructure:"gcp"`
	Azure    *AzureConfig `yaml:"azure,omitempty" json:"azure,omitempty" mapstructure:"azure"`
	Vault    *VaultConfig `yaml:"vault,omitempty" json:"vault,omitempty" mapstructure:"vault"`
}

// Validate checks that the selected provider has a configuration
func (c *Config) Validate() error {
	if c == nil {
		return ErrInvalidConfig
	}
	switch c.Provider {
	case "", ProviderLocal:
		return nil
	case ProviderAWS:
		return c.AWS.Validate()
	case ProviderGCP:
		return c.GCP.Validate()
	case ProviderAzure:
		return c.Azure.Validate()
	case ProviderVault:
		return c.Vault.Validate()
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedProvider, c.Provider)
	}
}

// New creates the provider selected by config
func New(ctx context.Context, config *Config) (Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	switch config.Provider {
	case ProviderAWS:
		return NewAWS(ctx, config.AWS)
	case ProviderGCP:
		return NewGCP(ctx, config.GCP)
	case ProviderAzure:
		return NewAzure(config.Azure)
	case ProviderVault:
		return NewVault(config.Vault)
	default:
		if config.Local == nil || config.Local.SeedFile == "" {
			return NewEphemeralLocal()
		}
		seed, err := os.ReadFile(filepath.Clean(config.Local.SeedFile))
		if err != nil {
			return nil, fmt.Errorf("kms: failed to read local seed: %w", err)
		}
		defer secure.Wipe(seed)
		return NewLocal(seed)
	}
}
