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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/jeremyhahn/go-credvault/pkg/metrics"
	"github.com/jeremyhahn/go-credvault/pkg/secure"
)

// AWSConfig configures the AWS KMS provider
type AWSConfig struct {
	// Region is the AWS region of the key
	Region string `yaml:"region" json:"region" mapstructure:"region"`

	// KeyID is the key ID, ARN or alias of the SMK
	KeyID string `yaml:"key_id" json:"key_id" mapstructure:"key_id"`

	// AccessKeyID is optional; the default credential chain is used otherwise
	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	SessionToken    string `yaml:"session_token,omitempty" json:"session_token,omitempty" mapstructure:"session_token"`

	// Endpoint overrides the service endpoint, e.g. for LocalStack
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" mapstructure:"endpoint"`
}

// Validate checks the configuration
func (c *AWSConfig) Validate() error {
	if c == nil {
		return ErrInvalidConfig
	}
	if c.Region == "" {
		return fmt.Errorf("%w: aws region is required", ErrInvalidConfig)
	}
	if c.KeyID == "" {
		return fmt.Errorf("%w: aws key_id is required", ErrInvalidConfig)
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return fmt.Errorf("%w: both access_key_id and secret_access_key must be provided together", ErrInvalidConfig)
	}
	return nil
}

// AWSClient is the subset of the AWS KMS client used by the provider
type AWSClient interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// AWS is a Provider backed by AWS KMS
type AWS struct {
	config *AWSConfig
	client AWSClient
}

// NewAWS creates an AWS KMS provider using the default credential chain or
// the static credentials in config.
func NewAWS(ctx context.Context, config *AWSConfig) (*AWS, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(config.Region))
	if config.AccessKeyID != "" {
		creds := credentials.NewStaticCredentialsProvider(
			config.AccessKeyID,
			config.SecretAccessKey,
			config.SessionToken,
		)
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("kms: failed to load AWS config: %w", err)
	}

	var clientOpts []func(*kms.Options)
	if config.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
		})
	}

	return &AWS{config: config, client: kms.NewFromConfig(cfg, clientOpts...)}, nil
}

// NewAWSWithClient creates an AWS KMS provider with a custom client.
// This is primarily used for testing with mock clients.
func NewAWSWithClient(config *AWSConfig, client AWSClient) (*AWS, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("%w: client is required", ErrInvalidConfig)
	}
	return &AWS{config: config, client: client}, nil
}

// Name returns ProviderAWS
func (a *AWS) Name() string {
	return ProviderAWS
}

// GenerateDataKey calls GenerateDataKey with an AES_256 key spec
func (a *AWS) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	out, err := a.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(a.config.KeyID),
		KeySpec: kmstypes.DataKeySpecAes256,
	})
	if err == nil && (out == nil || len(out.Plaintext) != 32 || len(out.CiphertextBlob) == 0) {
		err = fmt.Errorf("%w: generate data key", ErrInvalidResponse)
	}
	metrics.RecordKMSRequest(ProviderAWS, "generate_data_key", err)
	if err != nil {
		return nil, fmt.Errorf("kms: aws generate data key: %w", err)
	}
	return &DataKey{Plaintext: secure.NewKey(out.Plaintext), Ciphertext: out.CiphertextBlob}, nil
}

// Encrypt encrypts plaintext under the configured key
func (a *AWS) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	out, err := a.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(a.config.KeyID),
		Plaintext: plaintext,
	})
	if err == nil && (out == nil || len(out.CiphertextBlob) == 0) {
		err = fmt.Errorf("%w: encrypt", ErrInvalidResponse)
	}
	metrics.RecordKMSRequest(ProviderAWS, "encrypt", err)
	if err != nil {
		return nil, fmt.Errorf("kms: aws encrypt: %w", err)
	}
	return out.CiphertextBlob, nil
}

// Decrypt decrypts a ciphertext blob. The key ID is pinned so a blob from a
// different key is rejected.
func (a *AWS) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	out, err := a.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(a.config.KeyID),
		CiphertextBlob: ciphertext,
	})
	if err == nil && out == nil {
		err = fmt.Errorf("%w: decrypt", ErrInvalidResponse)
	}
	metrics.RecordKMSRequest(ProviderAWS, "decrypt", err)
	if err != nil {
		return nil, fmt.Errorf("kms: aws decrypt: %w", err)
	}
	return out.Plaintext, nil
}

// Close is a no-op
func (a *AWS) Close() error {
	return nil
}

var _ Provider = (*AWS)(nil)
