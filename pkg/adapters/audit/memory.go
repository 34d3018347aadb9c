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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-credvault/pkg/correlation"
)

// MemoryAuditAdapter implements AuditAdapter with in-memory storage.
// This implementation is thread-safe and suitable for development and
// testing. All entries are lost on process restart.
type MemoryAuditAdapter struct {
	mu      sync.RWMutex
	entries []*AuditEntry
}

// NewMemoryAuditAdapter creates a new in-memory audit adapter
func NewMemoryAuditAdapter() *MemoryAuditAdapter {
	return &MemoryAuditAdapter{
		entries: make([]*AuditEntry, 0, 1024),
	}
}

// Record appends an entry in memory
func (m *MemoryAuditAdapter) Record(ctx context.Context, entry *AuditEntry) error {
	if err := prepare(ctx, entry); err != nil {
		return err
	}
	stored := *entry
	stored.Metadata = copyMetadata(entry.Metadata)

	m.mu.Lock()
	m.entries = append(m.entries, &stored)
	m.mu.Unlock()
	return nil
}

// Query retrieves entries matching the query
func (m *MemoryAuditAdapter) Query(ctx context.Context, query *Query) ([]*AuditEntry, error) {
	if query == nil {
		query = &Query{}
	}

	m.mu.RLock()
	results := make([]*AuditEntry, 0)
	for _, e := range m.entries {
		if query.matches(e) {
			c := *e
			c.Metadata = copyMetadata(e.Metadata)
			results = append(results, &c)
		}
	}
	m.mu.RUnlock()

	return query.page(results), nil
}

// Len returns the number of recorded entries
func (m *MemoryAuditAdapter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// prepare validates an entry and fills in ID, Timestamp and RequestID
func prepare(ctx context.Context, entry *AuditEntry) error {
	if entry == nil {
		return fmt.Errorf("audit: entry cannot be nil")
	}
	if entry.AccountID == "" {
		return fmt.Errorf("audit: account ID cannot be empty")
	}
	if entry.Operation == "" {
		return fmt.Errorf("audit: operation cannot be empty")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.RequestID == "" {
		entry.RequestID = correlation.GetCorrelationID(ctx)
	}
	return nil
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func sortEntries(entries []*AuditEntry, ascending bool) {
	sort.SliceStable(entries, func(i, j int) bool {
		if ascending {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
}

var _ AuditAdapter = (*MemoryAuditAdapter)(nil)
