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

package audit

import (
	"context"
	"time"
)

// Operation is the security-sensitive operation an entry records
type Operation string

const (
	OperationEncrypt    Operation = "encrypt"
	OperationDecrypt    Operation = "decrypt"
	OperationRekey      Operation = "rekey"
	OperationMigrate    Operation = "migrate"
	OperationSetup      Operation = "setup"
	OperationRegister   Operation = "register"
	OperationRemove     Operation = "remove"
	OperationReactivate Operation = "reactivate"
)

// Resource types
const (
	ResourceAccount    = "account"
	ResourceDevice     = "device"
	ResourceCredential = "credential"
)

// AuditEntry is a single append-only audit record. It is written for every
// security-sensitive operation regardless of outcome and never contains
// secret material.
type AuditEntry struct {
	// ID is a unique identifier for this entry
	ID string `json:"id"`

	// AccountID is the account the operation acted on
	AccountID string `json:"account_id"`

	Operation    Operation `json:"operation"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`

	// Success is false for refused or failed attempts
	Success bool `json:"success"`

	// Error is the error class of a failed attempt, e.g. "authentication_failure"
	Error string `json:"error,omitempty"`

	// Metadata stores additional non-secret context
	Metadata map[string]string `json:"metadata,omitempty"`

	// RequestID correlates this entry with a request
	RequestID string `json:"request_id,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// AuditAdapter records and queries audit entries.
//
// Entries are append-only. There is no delete operation.
type AuditAdapter interface {
	// Record appends an entry. ID, Timestamp and RequestID are filled in
	// when empty.
	Record(ctx context.Context, entry *AuditEntry) error

	// Query retrieves entries matching the query
	Query(ctx context.Context, query *Query) ([]*AuditEntry, error)
}

// Query provides parameters for querying audit entries
type Query struct {
	// AccountID filters by account
	AccountID string

	// Operations filters by operation
	Operations []Operation

	// Success filters by outcome when non-nil
	Success *bool

	// StartTime filters entries at or after this time
	StartTime *time.Time

	// EndTime filters entries at or before this time
	EndTime *time.Time

	// Limit limits the number of results
	Limit int

	// Offset skips the first N results
	Offset int

	// Ascending returns the oldest entries first. The default is newest first.
	Ascending bool
}

func (q *Query) matches(e *AuditEntry) bool {
	if q.AccountID != "" && e.AccountID != q.AccountID {
		return false
	}
	if len(q.Operations) > 0 {
		matched := false
		for _, op := range q.Operations {
			if e.Operation == op {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if q.Success != nil && e.Success != *q.Success {
		return false
	}
	if q.StartTime != nil && e.Timestamp.Before(*q.StartTime) {
		return false
	}
	if q.EndTime != nil && e.Timestamp.After(*q.EndTime) {
		return false
	}
	return true
}

// page orders entries and applies offset and limit
func (q *Query) page(entries []*AuditEntry) []*AuditEntry {
	sortEntries(entries, q.Ascending)
	if q.Offset > 0 {
		if q.Offset >= len(entries) {
			return []*AuditEntry{}
		}
		entries = entries[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(entries) {
		entries = entries[:q.Limit]
	}
	return entries
}
