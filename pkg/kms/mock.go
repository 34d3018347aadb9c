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

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	vault "github.com/hashicorp/vault/api"
)

// Mock is a Provider whose operations can be customized by setting the
// corresponding function field. Unset operations delegate to Next.
type Mock struct {
	Next Provider

	GenerateDataKeyFunc func(ctx context.Context) (*DataKey, error)
	EncryptFunc         func(ctx context.Context, plaintext []byte) ([]byte, error)
	DecryptFunc         func(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// Name returns "mock"
func (m *Mock) Name() string {
	return "mock"
}

// GenerateDataKey mocks the GenerateDataKey operation.
func (m *Mock) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	if m.GenerateDataKeyFunc != nil {
		return m.GenerateDataKeyFunc(ctx)
	}
	return m.Next.GenerateDataKey(ctx)
}

// Encrypt mocks the Encrypt operation.
func (m *Mock) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if m.EncryptFunc != nil {
		return m.EncryptFunc(ctx, plaintext)
	}
	return m.Next.Encrypt(ctx, plaintext)
}

// Decrypt mocks the Decrypt operation.
func (m *Mock) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if m.DecryptFunc != nil {
		return m.DecryptFunc(ctx, ciphertext)
	}
	return m.Next.Decrypt(ctx, ciphertext)
}

// Close is a no-op
func (m *Mock) Close() error {
	return nil
}

// MockAWSClient is a mock implementation of AWSClient for testing.
type MockAWSClient struct {
	GenerateDataKeyFunc func(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	EncryptFunc         func(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	DecryptFunc         func(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// GenerateDataKey mocks the GenerateDataKey operation.
func (m *MockAWSClient) GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	if m.GenerateDataKeyFunc != nil {
		return m.GenerateDataKeyFunc(ctx, params, optFns...)
	}
	return nil, nil
}

// Encrypt mocks the Encrypt operation.
func (m *MockAWSClient) Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error) {
	if m.EncryptFunc != nil {
		return m.EncryptFunc(ctx, params, optFns...)
	}
	return nil, nil
}

// Decrypt mocks the Decrypt operation.
func (m *MockAWSClient) Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if m.DecryptFunc != nil {
		return m.DecryptFunc(ctx, params, optFns...)
	}
	return nil, nil
}

// MockGCPClient is a mock implementation of GCPClient for testing.
type MockGCPClient struct {
	EncryptFunc func(ctx context.Context, req *kmspb.EncryptRequest) (*kmspb.EncryptResponse, error)
	DecryptFunc func(ctx context.Context, req *kmspb.DecryptRequest) (*kmspb.DecryptResponse, error)
}

// Encrypt mocks the Encrypt operation.
func (m *MockGCPClient) Encrypt(ctx context.Context, req *kmspb.EncryptRequest) (*kmspb.EncryptResponse, error) {
	if m.EncryptFunc != nil {
		return m.EncryptFunc(ctx, req)
	}
	return nil, nil
}

// Decrypt mocks the Decrypt operation.
func (m *MockGCPClient) Decrypt(ctx context.Context, req *kmspb.DecryptRequest) (*kmspb.DecryptResponse, error) {
	if m.DecryptFunc != nil {
		return m.DecryptFunc(ctx, req)
	}
	return nil, nil
}

// Close mocks the Close operation.
func (m *MockGCPClient) Close() error {
	return nil
}

// MockAzureClient is a mock implementation of AzureClient for testing.
type MockAzureClient struct {
	WrapKeyFunc   func(ctx context.Context, keyName, keyVersion string, params azkeys.KeyOperationParameters, options *azkeys.WrapKeyOptions) (azkeys.WrapKeyResponse, error)
	UnwrapKeyFunc func(ctx context.Context, keyName, keyVersion string, params azkeys.KeyOperationParameters, options *azkeys.UnwrapKeyOptions) (azkeys.UnwrapKeyResponse, error)
}

// WrapKey mocks the WrapKey operation.
func (m *MockAzureClient) WrapKey(ctx context.Context, keyName, keyVersion string, params azkeys.KeyOperationParameters, options *azkeys.WrapKeyOptions) (azkeys.WrapKeyResponse, error) {
	if m.WrapKeyFunc != nil {
		return m.WrapKeyFunc(ctx, keyName, keyVersion, params, options)
	}
	return azkeys.WrapKeyResponse{}, nil
}

// UnwrapKey mocks the UnwrapKey operation.
func (m *MockAzureClient) UnwrapKey(ctx context.Context, keyName, keyVersion string, params azkeys.KeyOperationParameters, options *azkeys.UnwrapKeyOptions) (azkeys.UnwrapKeyResponse, error) {
	if m.UnwrapKeyFunc != nil {
		return m.UnwrapKeyFunc(ctx, keyName, keyVersion, params, options)
	}
	return azkeys.UnwrapKeyResponse{}, nil
}

// MockVaultLogical is a mock implementation of VaultLogical for testing.
type MockVaultLogical struct {
	ReadFunc  func(ctx context.Context, path string) (*vault.Secret, error)
	WriteFunc func(ctx context.Context, path string, data map[string]interface{}) (*vault.Secret, error)
}

// ReadWithContext mocks the ReadWithContext operation.
func (m *MockVaultLogical) ReadWithContext(ctx context.Context, path string) (*vault.Secret, error) {
	if m.ReadFunc != nil {
		return m.ReadFunc(ctx, path)
	}
	return nil, nil
}

// WriteWithContext mocks the WriteWithContext operation.
func (m *MockVaultLogical) WriteWithContext(ctx context.Context, path string, data map[string]interface{}) (*vault.Secret, error) {
	if m.WriteFunc != nil {
		return m.WriteFunc(ctx, path, data)
	}
	return nil, nil
}

var (
	_ Provider     = (*Mock)(nil)
	_ AWSClient    = (*MockAWSClient)(nil)
	_ GCPClient    = (*MockGCPClient)(nil)
	_ AzureClient  = (*MockAzureClient)(nil)
	_ VaultLogical = (*MockVaultLogical)(nil)
)
