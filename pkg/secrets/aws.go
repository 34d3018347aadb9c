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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/jeremyhahn/go-credvault/pkg/types"
)

// AWSConfig configures the Secrets Manager and SSM providers
type AWSConfig struct {
	Region string `yaml:"region" json:"region" mapstructure:"region"`

	// SecretID is the Secrets Manager secret name or ARN, or the SSM
	// parameter name.
	SecretID string `yaml:"secret_id" json:"secret_id" mapstructure:"secret_id"`

	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	SessionToken    string `yaml:"session_token,omitempty" json:"session_token,omitempty" mapstructure:"session_token"`
	Endpoint        string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" mapstructure:"endpoint"`
}

// Validate checks the configuration
func (c *AWSConfig) Validate() error {
	if c == nil {
		return ErrInvalidConfig
	}
	if c.Region == "" || c.SecretID == "" {
		return fmt.Errorf("%w: aws region and secret_id are required", ErrInvalidConfig)
	}
	return nil
}

func (c *AWSConfig) load(ctx context.Context) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(c.Region)}
	if c.AccessKeyID != "" && c.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, c.SessionToken)))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("secrets: failed to load AWS config: %w", err)
	}
	if c.Endpoint != "" {
		cfg.BaseEndpoint = aws.String(c.Endpoint)
	}
	return cfg, nil
}

// SecretsManagerClient is the subset of the Secrets Manager client used here
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManager reads the secret from AWS Secrets Manager. Binary
// secrets are returned as is; string secrets as their UTF-8 bytes.
type AWSSecretsManager struct {
	secretID string
	client   SecretsManagerClient
}

// NewAWSSecretsManager creates a Secrets Manager provider
func NewAWSSecretsManager(ctx context.Context, config *AWSConfig) (*AWSSecretsManager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg, err := config.load(ctx)
	if err != nil {
		return nil, err
	}
	return NewAWSSecretsManagerWithClient(config.SecretID, secretsmanager.NewFromConfig(cfg)), nil
}

// NewAWSSecretsManagerWithClient creates a provider with a custom client
func NewAWSSecretsManagerWithClient(secretID string, client SecretsManagerClient) *AWSSecretsManager {
	return &AWSSecretsManager{secretID: secretID, client: client}
}

// ServerSecret fetches the current secret version
func (s *AWSSecretsManager) ServerSecret(ctx context.Context) ([]byte, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretID),
	})
	if err != nil {
		return nil, fmt.Errorf("secrets: secretsmanager get %s: %w", s.secretID, err)
	}
	switch {
	case out == nil:
	case len(out.SecretBinary) > 0:
		return out.SecretBinary, nil
	case out.SecretString != nil && *out.SecretString != "":
		return []byte(*out.SecretString), nil
	}
	return nil, fmt.Errorf("secrets: secret %s is empty: %w", s.secretID, types.ErrNotConfigured)
}

// SSMClient is the subset of the SSM client used here
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// AWSSSM reads the secret from an SSM SecureString parameter
type AWSSSM struct {
	name   string
	client SSMClient
}

// NewAWSSSM creates an SSM Parameter Store provider
func NewAWSSSM(ctx context.Context, config *AWSConfig) (*AWSSSM, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg, err := config.load(ctx)
	if err != nil {
		return nil, err
	}
	return NewAWSSSMWithClient(config.SecretID, ssm.NewFromConfig(cfg)), nil
}

// NewAWSSSMWithClient creates a provider with a custom client
func NewAWSSSMWithClient(name string, client SSMClient) *AWSSSM {
	return &AWSSSM{name: name, client: client}
}

// ServerSecret fetches and decrypts the parameter
func (s *AWSSSM) ServerSecret(ctx context.Context) ([]byte, error) {
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("secrets: ssm get %s: %w", s.name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil || *out.Parameter.Value == "" {
		return nil, fmt.Errorf("secrets: parameter %s is empty: %w", s.name, types.ErrNotConfigured)
	}
	return []byte(*out.Parameter.Value), nil
}

var (
	_ Provider = (*AWSSecretsManager)(nil)
	_ Provider = (*AWSSSM)(nil)
)
