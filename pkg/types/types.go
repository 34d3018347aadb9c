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

// Package types defines the records, enums and error taxonomy shared by the
// credential vault packages.
package types

// KeySize is the size in bytes of every Master Key, DEK and KEK.
const KeySize = 32

// SaltSize is the size in bytes of freshly generated KDF salts.
const SaltSize = 16

// Password provides access to a user passphrase held in memory.
//
// Implementations copy the input on construction and zero their copy on Clear.
// Callers must Clear a Password once the operation that needed it returns.
type Password interface {
	// Bytes returns a copy of the passphrase
	Bytes() []byte

	// String returns the passphrase as a string
	String() (string, error)

	// Clear zeros out the passphrase from memory
	Clear()
}
