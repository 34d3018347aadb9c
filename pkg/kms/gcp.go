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
	"hash/crc32"

	cloudkms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/jeremyhahn/go-credvault/pkg/metrics"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// GCPConfig configures the Cloud KMS provider
type GCPConfig struct {
	// KeyName is the full resource name of the symmetric crypto key:
	// projects/{p}/locations/{l}/keyRings/{r}/cryptoKeys/{k}
	KeyName string `yaml:"key_name" json:"key_name" mapstructure:"key_name"`

	CredentialsFile string `yaml:"credentials_file,omitempty" json:"credentials_file,omitempty" mapstructure:"credentials_file"`
	CredentialsJSON []byte `yaml:"-" json:"-" mapstructure:"-"`

	// Endpoint overrides the service endpoint, e.g. for an emulator
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" mapstructure:"endpoint"`
}

// Validate checks the configuration
func (c *GCPConfig) Validate() error {
	if c == nil {
		return ErrInvalidConfig
	}
	if c.KeyName == "" {
		return fmt.Errorf("%w: gcp key_name is required", ErrInvalidConfig)
	}
	return nil
}

// GCPClient is the subset of the Cloud KMS client used by the provider
type GCPClient interface {
	Encrypt(ctx context.Context, req *kmspb.EncryptRequest) (*kmspb.EncryptResponse, error)
	Decrypt(ctx context.Context, req *kmspb.DecryptRequest) (*kmspb.DecryptResponse, error)
	Close() error
}

// realGCPClient adapts the generated client, whose methods take call options
type realGCPClient struct {
	*cloudkms.KeyManagementClient
}

func (r *realGCPClient) Encrypt(ctx context.Context, req *kmspb.EncryptRequest) (*kmspb.EncryptResponse, error) {
	return r.KeyManagementClient.Encrypt(ctx, req)
}

func (r *realGCPClient) Decrypt(ctx context.Context, req *kmspb.DecryptRequest) (*kmspb.DecryptResponse, error) {
	return r.KeyManagementClient.Decrypt(ctx, req)
}

// GCP is a Provider backed by Cloud KMS. Every request and response carries a
// CRC32C checksum that is verified end to end.
type GCP struct {
	config *GCPConfig
	client GCPClient
}

// NewGCP creates a Cloud KMS provider
func NewGCP(ctx context.Context, config *GCPConfig) (*GCP, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	if len(config.CredentialsJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(config.CredentialsJSON))
	} else if config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
	}
	if config.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(config.Endpoint))
	}

	client, err := cloudkms.NewKeyManagementClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("kms: failed to create GCP client: %w", err)
	}
	return &GCP{config: config, client: &realGCPClient{KeyManagementClient: client}}, nil
}

// NewGCPWithClient creates a Cloud KMS provider with a custom client.
// This is primarily used for testing with mock clients.
func NewGCPWithClient(config *GCPConfig, client GCPClient) (*GCP, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("%w: client is required", ErrInvalidConfig)
	}
	return &GCP{config: config, client: client}, nil
}

// Name returns ProviderGCP
func (g *GCP) Name() string {
	return ProviderGCP
}

// GenerateDataKey mints a key locally and encrypts it with Cloud KMS, which
// has no data key operation of its own.
func (g *GCP) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	return generateWithEncrypt(ctx, g)
}

// Encrypt encrypts plaintext under the configured key
func (g *GCP) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	ct, err := g.encrypt(ctx, plaintext)
	metrics.RecordKMSRequest(ProviderGCP, "encrypt", err)
	return ct, err
}

func (g *GCP) encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	resp, err := g.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:            g.config.KeyName,
		Plaintext:       plaintext,
		PlaintextCrc32C: wrapperspb.Int64(int64(crc32c(plaintext))),
	})
	if err != nil {
		return nil, fmt.Errorf("kms: gcp encrypt: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: gcp encrypt", ErrInvalidResponse)
	}
	if !resp.VerifiedPlaintextCrc32C {
		return nil, fmt.Errorf("%w: gcp encrypt request corrupted in transit", ErrChecksumMismatch)
	}
	if resp.CiphertextCrc32C == nil || resp.CiphertextCrc32C.Value != int64(crc32c(resp.Ciphertext)) {
		return nil, fmt.Errorf("%w: gcp encrypt response corrupted in transit", ErrChecksumMismatch)
	}
	return resp.Ciphertext, nil
}

// Decrypt decrypts a ciphertext produced by Encrypt
func (g *GCP) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	pt, err := g.decrypt(ctx, ciphertext)
	metrics.RecordKMSRequest(ProviderGCP, "decrypt", err)
	return pt, err
}

func (g *GCP) decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	resp, err := g.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:             g.config.KeyName,
		Ciphertext:       ciphertext,
		CiphertextCrc32C: wrapperspb.Int64(int64(crc32c(ciphertext))),
	})
	if err != nil {
		return nil, fmt.Errorf("kms: gcp decrypt: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: gcp decrypt", ErrInvalidResponse)
	}
	if resp.PlaintextCrc32C == nil || resp.PlaintextCrc32C.Value != int64(crc32c(resp.Plaintext)) {
		return nil, fmt.Errorf("%w: gcp decrypt response corrupted in transit", ErrChecksumMismatch)
	}
	return resp.Plaintext, nil
}

// Close closes the underlying client
func (g *GCP) Close() error {
	return g.client.Close()
}

// crc32c computes the Castagnoli checksum Cloud KMS uses for data integrity
func crc32c(data []byte) uint32 {
	return crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli))
}

var _ Provider = (*GCP)(nil)
