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

package types

import (
	"time"
)

// SchemeVersion identifies the key hierarchy an account record uses.
type SchemeVersion int

const (
	// SchemeV1 wraps a single Master Key under a passphrase-derived KEK.
	SchemeV1 SchemeVersion = 1

	// SchemeV2 keeps two independent wraps of a KMS-minted DEK: one under the
	// provider's Server Master Key and one under a passphrase-derived KEK.
	SchemeV2 SchemeVersion = 2
)

// String returns the string representation of the scheme version
func (v SchemeVersion) String() string {
	switch v {
	case SchemeV1:
		return "v1"
	case SchemeV2:
		return "v2"
	default:
		return "unknown"
	}
}

// IsValid reports whether v is a known scheme version
func (v SchemeVersion) IsValid() bool {
	return v == SchemeV1 || v == SchemeV2
}

// KDFParams is the persisted cost parameter set used to derive a wrap key.
// It is stored next to every wrap so that later unwraps reproduce the exact key.
type KDFParams struct {
	Algorithm  string `json:"algorithm"`
	Iterations int    `json:"iterations,omitempty"`
	Time       uint32 `json:"time,omitempty"`
	Memory     uint32 `json:"memory,omitempty"`
	Threads    uint8  `json:"threads,omitempty"`
}

// AccountKeyRecord is the root of trust for one account. It is created exactly
// once at setup and is never deleted while the account exists.
//
// At SchemeV1 only MasterKeyWrapped, Salt, IV and the KDF fields are used.
// At SchemeV2 only the DEK* and KEK* fields are used.
type AccountKeyRecord struct {
	AccountID string        `json:"account_id"`
	Version   SchemeVersion `json:"version"`

	MasterKeyWrapped []byte    `json:"master_key_wrapped,omitempty"`
	Salt             []byte    `json:"salt,omitempty"`
	IV               []byte    `json:"iv,omitempty"`
	KDFIterations    int       `json:"kdf_iterations,omitempty"`
	KDFAlgorithm     string    `json:"kdf_algorithm,omitempty"`
	KDFParams        KDFParams `json:"kdf_params"`

	// ServerWrappedKey holds serverWrap(MasterKeyWrapped) when the server
	// envelope is enabled. MasterKeyWrapped is left empty in that case.
	ServerWrappedKey []byte `json:"server_wrapped_key,omitempty"`
	ServerIV         []byte `json:"server_iv,omitempty"`

	DEKEncryptedBySMK []byte `json:"dek_encrypted_by_smk,omitempty"`
	DEKEncryptedByKEK []byte `json:"dek_encrypted_by_kek,omitempty"`
	KEKSalt           []byte `json:"kek_salt,omitempty"`
	KEKIV             []byte `json:"kek_iv,omitempty"`

	MigratedAt *time.Time `json:"migrated_at,omitempty"`

	FailedAttempts int        `json:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`

	// KeyEpoch increments on every rekey so stale device wraps can be detected.
	KeyEpoch uint64 `json:"key_epoch"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsDoubleWrapped reports whether the passphrase wrap is sealed under the server envelope
func (r *AccountKeyRecord) IsDoubleWrapped() bool {
	return len(r.ServerWrappedKey) > 0
}

// IsLocked reports whether the account is locked at the given instant
func (r *AccountKeyRecord) IsLocked(now time.Time) bool {
	return r.LockedUntil != nil && now.Before(*r.LockedUntil)
}

// Clone returns a deep copy of the record
func (r *AccountKeyRecord) Clone() *AccountKeyRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.MasterKeyWrapped = cloneBytes(r.MasterKeyWrapped)
	c.Salt = cloneBytes(r.Salt)
	c.IV = cloneBytes(r.IV)
	c.ServerWrappedKey = cloneBytes(r.ServerWrappedKey)
	c.ServerIV = cloneBytes(r.ServerIV)
	c.DEKEncryptedBySMK = cloneBytes(r.DEKEncryptedBySMK)
	c.DEKEncryptedByKEK = cloneBytes(r.DEKEncryptedByKEK)
	c.KEKSalt = cloneBytes(r.KEKSalt)
	c.KEKIV = cloneBytes(r.KEKIV)
	if r.MigratedAt != nil {
		t := *r.MigratedAt
		c.MigratedAt = &t
	}
	if r.LockedUntil != nil {
		t := *r.LockedUntil
		c.LockedUntil = &t
	}
	return &c
}

// DeviceKeyRecord re-wraps the account's current key under a device-specific
// KEK whose cost is tuned to the device class. The pair (AccountID, DeviceID)
// is unique.
type DeviceKeyRecord struct {
	AccountID     string      `json:"account_id"`
	DeviceID      string      `json:"device_id"`
	DeviceClass   DeviceClass `json:"device_class"`
	Platform      Platform    `json:"platform,omitempty"`
	KDFIterations int         `json:"kdf_iterations"`
	KDFParams     KDFParams   `json:"kdf_params"`

	MasterKeyWrapped []byte `json:"master_key_wrapped,omitempty"`
	Salt             []byte `json:"salt"`
	IV               []byte `json:"iv"`
	ServerWrappedKey []byte `json:"server_wrapped_key,omitempty"`
	ServerIV         []byte `json:"server_iv,omitempty"`

	IsActive      bool       `json:"is_active"`
	LastUsedAt    time.Time  `json:"last_used_at"`
	CreatedAt     time.Time  `json:"created_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`

	// KeyEpoch is the account epoch the wrap was issued under.
	KeyEpoch uint64 `json:"key_epoch"`
}

// IsDoubleWrapped reports whether the device wrap is sealed under the server envelope
func (r *DeviceKeyRecord) IsDoubleWrapped() bool {
	return len(r.ServerWrappedKey) > 0
}

// CredentialBlob is an opaque, authenticated ciphertext owned by one account.
// It is re-encrypted in place on every update; no history is retained.
type CredentialBlob struct {
	OwnerID    string    `json:"owner_id"`
	Name       string    `json:"name"`
	Ciphertext []byte    `json:"ciphertext"`
	IV         []byte    `json:"iv"`
	KeyEpoch   uint64    `json:"key_epoch"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IPTVCredentials is the credential payload stored for a provider account
type IPTVCredentials struct {
	Server   string `json:"server"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
