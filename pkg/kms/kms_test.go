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
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	vault "github.com/hashicorp/vault/api"
	"github.com/jeremyhahn/go-credvault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func testSeed(b byte) []byte {
	return bytes.Repeat([]byte{b}, MinLocalSeedSize)
}

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(testSeed(7))
	require.NoError(t, err)
	return l
}

// exerciseProvider checks the Provider contract against any implementation
func exerciseProvider(t *testing.T, p Provider) {
	t.Helper()
	ctx := context.Background()

	dk, err := p.GenerateDataKey(ctx)
	require.NoError(t, err)
	defer dk.Plaintext.Destroy()
	assert.Equal(t, 32, dk.Plaintext.Len())
	assert.NotEmpty(t, dk.Ciphertext)

	pt, err := p.Decrypt(ctx, dk.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, dk.Plaintext.Bytes(), pt)

	ct, err := p.Encrypt(ctx, []byte("small secret"))
	require.NoError(t, err)
	pt, err = p.Decrypt(ctx, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("small secret"), pt)
}

func TestLocal(t *testing.T) {
	exerciseProvider(t, newTestLocal(t))
}

func TestLocal_DeterministicSeed(t *testing.T) {
	ctx := context.Background()
	a := newTestLocal(t)
	ct, err := a.Encrypt(ctx, []byte("x"))
	require.NoError(t, err)

	b, err := NewLocal(testSeed(7))
	require.NoError(t, err)
	pt, err := b.Decrypt(ctx, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), pt)

	other, err := NewLocal(testSeed(8))
	require.NoError(t, err)
	_, err = other.Decrypt(ctx, ct)
	assert.ErrorIs(t, err, types.ErrAuthenticationFailure)
}

func TestLocal_Tamper(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	ct, err := l.Encrypt(ctx, []byte("secret"))
	require.NoError(t, err)

	for i := range ct {
		mutated := append([]byte(nil), ct...)
		mutated[i] ^= 0x01
		_, err := l.Decrypt(ctx, mutated)
		require.ErrorIs(t, err, types.ErrAuthenticationFailure, "byte %d", i)
	}

	_, err = l.Decrypt(ctx, ct[:10])
	assert.ErrorIs(t, err, types.ErrAuthenticationFailure)
}

func TestLocal_ShortSeed(t *testing.T) {
	_, err := NewLocal([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLocal_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestLocal(t).Encrypt(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAWS(t *testing.T) {
	backing := newTestLocal(t)
	var lastKeySpec kmstypes.DataKeySpec
	client := &MockAWSClient{
		GenerateDataKeyFunc: func(ctx context.Context, params *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
			lastKeySpec = params.KeySpec
			assert.Equal(t, "alias/credvault", *params.KeyId)
			pt := make([]byte, 32)
			_, _ = rand.Read(pt)
			ct, err := backing.Encrypt(ctx, pt)
			return &kms.GenerateDataKeyOutput{Plaintext: pt, CiphertextBlob: ct}, err
		},
		EncryptFunc: func(ctx context.Context, params *kms.EncryptInput, _ ...func(*kms.Options)) (*kms.EncryptOutput, error) {
			ct, err := backing.Encrypt(ctx, params.Plaintext)
			return &kms.EncryptOutput{CiphertextBlob: ct}, err
		},
		DecryptFunc: func(ctx context.Context, params *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
			pt, err := backing.Decrypt(ctx, params.CiphertextBlob)
			if err != nil {
				return nil, err
			}
			return &kms.DecryptOutput{Plaintext: pt}, nil
		},
	}

	p, err := NewAWSWithClient(&AWSConfig{Region: "us-east-1", KeyID: "alias/credvault"}, client)
	require.NoError(t, err)
	exerciseProvider(t, p)
	assert.Equal(t, kmstypes.DataKeySpecAes256, lastKeySpec)
	assert.Equal(t, ProviderAWS, p.Name())
}

func TestAWS_Errors(t *testing.T) {
	ctx := context.Background()
	cfg := &AWSConfig{Region: "us-east-1", KeyID: "k"}

	p, err := NewAWSWithClient(cfg, &MockAWSClient{
		DecryptFunc: func(context.Context, *kms.DecryptInput, ...func(*kms.Options)) (*kms.DecryptOutput, error) {
			return nil, errors.New("InvalidCiphertextException")
		},
	})
	require.NoError(t, err)

	_, err = p.Decrypt(ctx, []byte("bad"))
	assert.ErrorContains(t, err, "InvalidCiphertextException")

	// mock returns nil output by default
	_, err = p.GenerateDataKey(ctx)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestAWSConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  *AWSConfig
		wantErr bool
	}{
		{"nil", nil, true},
		{"missing region", &AWSConfig{KeyID: "k"}, true},
		{"missing key", &AWSConfig{Region: "us-east-1"}, true},
		{"partial credentials", &AWSConfig{Region: "us-east-1", KeyID: "k", AccessKeyID: "AKIA"}, true},
		{"valid", &AWSConfig{Region: "us-east-1", KeyID: "k"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func fakeGCPClient(t *testing.T, backing *Local) *MockGCPClient {
	return &MockGCPClient{
		EncryptFunc: func(ctx context.Context, req *kmspb.EncryptRequest) (*kmspb.EncryptResponse, error) {
			verified := req.PlaintextCrc32C != nil && req.PlaintextCrc32C.Value == int64(crc32c(req.Plaintext))
			ct, err := backing.Encrypt(ctx, req.Plaintext)
			if err != nil {
				return nil, err
			}
			return &kmspb.EncryptResponse{
				Name:                    req.Name,
				Ciphertext:              ct,
				CiphertextCrc32C:        wrapperspb.Int64(int64(crc32c(ct))),
				VerifiedPlaintextCrc32C: verified,
			}, nil
		},
		DecryptFunc: func(ctx context.Context, req *kmspb.DecryptRequest) (*kmspb.DecryptResponse, error) {
			pt, err := backing.Decrypt(ctx, req.Ciphertext)
			if err != nil {
				return nil, err
			}
			return &kmspb.DecryptResponse{
				Plaintext:       pt,
				PlaintextCrc32C: wrapperspb.Int64(int64(crc32c(pt))),
			}, nil
		},
	}
}

func TestGCP(t *testing.T) {
	p, err := NewGCPWithClient(&GCPConfig{KeyName: "projects/p/locations/l/keyRings/r/cryptoKeys/k"},
		fakeGCPClient(t, newTestLocal(t)))
	require.NoError(t, err)
	exerciseProvider(t, p)
	assert.NoError(t, p.Close())
}

func TestGCP_ChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	client := fakeGCPClient(t, newTestLocal(t))
	inner := client.DecryptFunc
	client.DecryptFunc = func(ctx context.Context, req *kmspb.DecryptRequest) (*kmspb.DecryptResponse, error) {
		resp, err := inner(ctx, req)
		if err != nil {
			return nil, err
		}
		resp.Plaintext[0] ^= 0xff
		return resp, nil
	}

	p, err := NewGCPWithClient(&GCPConfig{KeyName: "k"}, client)
	require.NoError(t, err)
	ct, err := p.Encrypt(ctx, []byte("data"))
	require.NoError(t, err)
	_, err = p.Decrypt(ctx, ct)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	client.EncryptFunc = func(ctx context.Context, req *kmspb.EncryptRequest) (*kmspb.EncryptResponse, error) {
		return &kmspb.EncryptResponse{Ciphertext: []byte("x"), VerifiedPlaintextCrc32C: false}, nil
	}
	_, err = p.Encrypt(ctx, []byte("data"))
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestAzure(t *testing.T) {
	backing := newTestLocal(t)
	client := &MockAzureClient{
		WrapKeyFunc: func(ctx context.Context, keyName, _ string, params azkeys.KeyOperationParameters, _ *azkeys.WrapKeyOptions) (azkeys.WrapKeyResponse, error) {
			assert.Equal(t, "smk", keyName)
			assert.Equal(t, azkeys.EncryptionAlgorithmRSAOAEP256, *params.Algorithm)
			ct, err := backing.Encrypt(ctx, params.Value)
			var resp azkeys.WrapKeyResponse
			resp.Result = ct
			return resp, err
		},
		UnwrapKeyFunc: func(ctx context.Context, _, _ string, params azkeys.KeyOperationParameters, _ *azkeys.UnwrapKeyOptions) (azkeys.UnwrapKeyResponse, error) {
			pt, err := backing.Decrypt(ctx, params.Value)
			var resp azkeys.UnwrapKeyResponse
			resp.Result = pt
			return resp, err
		},
	}
	p, err := NewAzureWithClient(&AzureConfig{VaultURL: "https://example.vault.azure.net/", KeyName: "smk"}, client)
	require.NoError(t, err)
	exerciseProvider(t, p)
}

func fakeVault(t *testing.T, backing *Local) *MockVaultLogical {
	return &MockVaultLogical{
		WriteFunc: func(ctx context.Context, path string, data map[string]interface{}) (*vault.Secret, error) {
			switch path {
			case "transit/datakey/plaintext/smk":
				pt := make([]byte, 32)
				_, _ = rand.Read(pt)
				ct, err := backing.Encrypt(ctx, pt)
				if err != nil {
					return nil, err
				}
				return &vault.Secret{Data: map[string]interface{}{
					"plaintext":  base64.StdEncoding.EncodeToString(pt),
					"ciphertext": "vault:v1:" + base64.StdEncoding.EncodeToString(ct),
				}}, nil
			case "transit/encrypt/smk":
				pt, _ := base64.StdEncoding.DecodeString(data["plaintext"].(string))
				ct, err := backing.Encrypt(ctx, pt)
				if err != nil {
					return nil, err
				}
				return &vault.Secret{Data: map[string]interface{}{
					"ciphertext": "vault:v1:" + base64.StdEncoding.EncodeToString(ct),
				}}, nil
			case "transit/decrypt/smk":
				raw := strings.TrimPrefix(data["ciphertext"].(string), "vault:v1:")
				ct, _ := base64.StdEncoding.DecodeString(raw)
				pt, err := backing.Decrypt(ctx, ct)
				if err != nil {
					return nil, err
				}
				return &vault.Secret{Data: map[string]interface{}{
					"plaintext": base64.StdEncoding.EncodeToString(pt),
				}}, nil
			}
			t.Fatalf("unexpected vault path %s", path)
			return nil, nil
		},
	}
}

func TestVault(t *testing.T) {
	p, err := NewVaultWithClient(&VaultConfig{KeyName: "smk"}, fakeVault(t, newTestLocal(t)))
	require.NoError(t, err)
	exerciseProvider(t, p)

	_, err = p.Decrypt(context.Background(), []byte("not-vault"))
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestVault_EmptyResponse(t *testing.T) {
	p, err := NewVaultWithClient(&VaultConfig{KeyName: "smk"}, &MockVaultLogical{})
	require.NoError(t, err)
	_, err = p.Encrypt(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestMock_Delegates(t *testing.T) {
	ctx := context.Background()
	m := &Mock{
		Next: newTestLocal(t),
		DecryptFunc: func(context.Context, []byte) ([]byte, error) {
			return nil, errors.New("kms unavailable")
		},
	}
	dk, err := m.GenerateDataKey(ctx)
	require.NoError(t, err)
	defer dk.Plaintext.Destroy()
	_, err = m.Decrypt(ctx, dk.Ciphertext)
	assert.ErrorContains(t, err, "kms unavailable")
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	p, err := New(ctx, &Config{})
	require.NoError(t, err)
	assert.Equal(t, ProviderLocal, p.Name())

	seedFile := filepath.Join(t.TempDir(), "seed")
	require.NoError(t, os.WriteFile(seedFile, testSeed(7), 0600))
	p, err = New(ctx, &Config{Provider: ProviderLocal, Local: &LocalConfig{SeedFile: seedFile}})
	require.NoError(t, err)
	ct, err := p.Encrypt(ctx, []byte("x"))
	require.NoError(t, err)
	pt, err := newTestLocal(t).Decrypt(ctx, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), pt)

	_, err = New(ctx, &Config{Provider: "hsm"})
	assert.ErrorIs(t, err, ErrUnsupportedProvider)

	_, err = New(ctx, &Config{Provider: ProviderAWS})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
