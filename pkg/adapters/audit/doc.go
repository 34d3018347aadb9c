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

/*
Package audit provides the append-only audit trail for go-credvault.

Every encrypt, decrypt, rekey, migrate, setup, register, remove and
reactivate attempt produces one AuditEntry, whether it succeeded or not.
Entries carry the account, the operation, the resource it acted on and the
error class of a failure; they never carry passphrases or key material.

# Implementations

MemoryAuditAdapter keeps entries in process memory and is intended for tests
and single-process tools.

StorageAuditAdapter appends entries to a storage.Backend under
audit/{account}/{sequence} using create-only writes, so entries cannot be
overwritten. Sequences sort chronologically.

# Usage

	adapter := audit.NewStorageAuditAdapter(backend)
	err := adapter.Record(ctx, &audit.AuditEntry{
		AccountID:    "acct-1",
		Operation:    audit.OperationDecrypt,
		ResourceType: audit.ResourceCredential,
		ResourceID:   "iptv",
		Success:      false,
		Error:        "authentication_failure",
	})

	failed := false
	entries, err := adapter.Query(ctx, &audit.Query{AccountID: "acct-1", Success: &failed})
*/
package audit
