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
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jeremyhahn/go-credvault/pkg/storage"
)

// StorageAuditAdapter appends entries to a storage backend. Each entry is a
// JSON document written with create-only semantics.
type StorageAuditAdapter struct {
	backend storage.Backend
}

// NewStorageAuditAdapter creates an adapter over backend
func NewStorageAuditAdapter(backend storage.Backend) *StorageAuditAdapter {
	return &StorageAuditAdapter{backend: backend}
}

// sequence returns a key suffix that sorts chronologically
func sequence(e *AuditEntry) string {
	return fmt.Sprintf("%020d-%s", e.Timestamp.UnixNano(), e.ID)
}

// Record appends an entry
func (s *StorageAuditAdapter) Record(ctx context.Context, entry *AuditEntry) error {
	if err := prepare(ctx, entry); err != nil {
		return err
	}
	if err := storage.ValidateID(entry.AccountID); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: failed to encode entry: %w", err)
	}
	key := storage.AuditPath(entry.AccountID, sequence(entry))
	ok, err := s.backend.UpdateIfUnchanged(ctx, key, 0, data)
	if err != nil {
		return fmt.Errorf("audit: failed to store entry: %w", err)
	}
	if !ok {
		return fmt.Errorf("audit: entry %s already recorded", entry.ID)
	}
	return nil
}

// Query retrieves entries matching the query. With an AccountID only that
// account's entries are read.
func (s *StorageAuditAdapter) Query(ctx context.Context, query *Query) ([]*AuditEntry, error) {
	if query == nil {
		query = &Query{}
	}
	prefix := "audit/"
	if query.AccountID != "" {
		if err := storage.ValidateID(query.AccountID); err != nil {
			return nil, err
		}
		prefix = storage.AuditPrefix(query.AccountID)
	}

	keys, err := s.backend.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list entries: %w", err)
	}

	results := make([]*AuditEntry, 0, len(keys))
	for _, key := range keys {
		if strings.Count(strings.TrimPrefix(key, "audit/"), "/") != 1 {
			continue
		}
		entry, err := s.backend.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", key, err)
		}
		var e AuditEntry
		if err := json.Unmarshal(entry.Value, &e); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", storage.ErrInvalidData, key, err)
		}
		if query.matches(&e) {
			results = append(results, &e)
		}
	}
	return query.page(results), nil
}

var _ AuditAdapter = (*StorageAuditAdapter)(nil)
