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
	"sync"
	"testing"
	"time"

	"github.com/jeremyhahn/go-credvault/pkg/correlation"
	"github.com/jeremyhahn/go-credvault/pkg/storage"
)

// adapterFactories runs the same cases against both implementations
var adapterFactories = map[string]func() AuditAdapter{
	"Memory":  func() AuditAdapter { return NewMemoryAuditAdapter() },
	"Storage": func() AuditAdapter { return NewStorageAuditAdapter(storage.NewMemory()) },
}

func seed(t *testing.T, adapter AuditAdapter) time.Time {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	entries := []*AuditEntry{
		{AccountID: "acct-1", Operation: OperationSetup, ResourceType: ResourceAccount, ResourceID: "acct-1", Success: true},
		{AccountID: "acct-1", Operation: OperationDecrypt, ResourceType: ResourceCredential, ResourceID: "iptv", Success: false, Error: "authentication_failure"},
		{AccountID: "acct-1", Operation: OperationDecrypt, ResourceType: ResourceCredential, ResourceID: "iptv", Success: true},
		{AccountID: "acct-2", Operation: OperationRegister, ResourceType: ResourceDevice, ResourceID: "tv-1", Success: true},
		{AccountID: "acct-1", Operation: OperationRekey, ResourceType: ResourceAccount, ResourceID: "acct-1", Success: true},
	}
	for i, e := range entries {
		e.Timestamp = base.Add(time.Duration(i) * time.Minute)
		if err := adapter.Record(ctx, e); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	return base
}

func TestAuditAdapter_Record(t *testing.T) {
	for name, newAdapter := range adapterFactories {
		t.Run(name, func(t *testing.T) {
			adapter := newAdapter()
			ctx := correlation.WithCorrelationID(context.Background(), "req-42")

			t.Run("FillsDefaults", func(t *testing.T) {
				entry := &AuditEntry{
					AccountID:    "acct-1",
					Operation:    OperationEncrypt,
					ResourceType: ResourceCredential,
					ResourceID:   "iptv",
					Success:      true,
					Metadata:     map[string]string{"version": "v2"},
				}
				if err := adapter.Record(ctx, entry); err != nil {
					t.Fatalf("Record failed: %v", err)
				}
				if entry.ID == "" {
					t.Error("Entry ID was not generated")
				}
				if entry.Timestamp.IsZero() {
					t.Error("Entry timestamp was not set")
				}
				if entry.RequestID != "req-42" {
					t.Errorf("Expected request ID req-42, got %q", entry.RequestID)
				}

				got, err := adapter.Query(ctx, &Query{AccountID: "acct-1"})
				if err != nil {
					t.Fatalf("Query failed: %v", err)
				}
				if len(got) != 1 {
					t.Fatalf("Expected 1 entry, got %d", len(got))
				}
				if got[0].ID != entry.ID || got[0].Metadata["version"] != "v2" {
					t.Errorf("Unexpected entry: %+v", got[0])
				}
			})

			t.Run("NilEntry", func(t *testing.T) {
				if err := adapter.Record(ctx, nil); err == nil {
					t.Error("Expected error for nil entry")
				}
			})

			t.Run("MissingAccount", func(t *testing.T) {
				if err := adapter.Record(ctx, &AuditEntry{Operation: OperationDecrypt}); err == nil {
					t.Error("Expected error for missing account")
				}
			})

			t.Run("MissingOperation", func(t *testing.T) {
				if err := adapter.Record(ctx, &AuditEntry{AccountID: "acct-1"}); err == nil {
					t.Error("Expected error for missing operation")
				}
			})
		})
	}
}

func TestAuditAdapter_Query(t *testing.T) {
	for name, newAdapter := range adapterFactories {
		t.Run(name, func(t *testing.T) {
			adapter := newAdapter()
			base := seed(t, adapter)
			ctx := context.Background()

			failed := false
			start := base.Add(2 * time.Minute)

			tests := []struct {
				name  string
				query *Query
				want  int
			}{
				{"AllEntries", nil, 5},
				{"ByAccount", &Query{AccountID: "acct-1"}, 4},
				{"ByOperation", &Query{Operations: []Operation{OperationDecrypt}}, 2},
				{"Failures", &Query{Success: &failed}, 1},
				{"TimeRange", &Query{StartTime: &start}, 3},
				{"Limit", &Query{Limit: 2}, 2},
				{"OffsetPastEnd", &Query{Offset: 10}, 0},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					got, err := adapter.Query(ctx, tt.query)
					if err != nil {
						t.Fatalf("Query failed: %v", err)
					}
					if len(got) != tt.want {
						t.Errorf("Expected %d entries, got %d", tt.want, len(got))
					}
				})
			}

			t.Run("NewestFirst", func(t *testing.T) {
				got, _ := adapter.Query(ctx, nil)
				if got[0].Operation != OperationRekey {
					t.Errorf("Expected newest entry first, got %s", got[0].Operation)
				}
			})

			t.Run("Ascending", func(t *testing.T) {
				got, _ := adapter.Query(ctx, &Query{Ascending: true})
				if got[0].Operation != OperationSetup {
					t.Errorf("Expected oldest entry first, got %s", got[0].Operation)
				}
			})
		})
	}
}

func TestAuditAdapter_ConcurrentAccess(t *testing.T) {
	for name, newAdapter := range adapterFactories {
		t.Run(name, func(t *testing.T) {
			adapter := newAdapter()
			ctx := context.Background()

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					err := adapter.Record(ctx, &AuditEntry{
						AccountID:  "acct-1",
						Operation:  OperationDecrypt,
						ResourceID: fmt.Sprintf("blob-%d", i),
						Success:    i%2 == 0,
					})
					if err != nil {
						t.Errorf("Record failed: %v", err)
					}
				}(i)
			}
			wg.Wait()

			got, err := adapter.Query(ctx, &Query{AccountID: "acct-1"})
			if err != nil {
				t.Fatalf("Query failed: %v", err)
			}
			if len(got) != 20 {
				t.Errorf("Expected 20 entries, got %d", len(got))
			}
		})
	}
}

func TestMemoryAuditAdapter_ReturnsCopies(t *testing.T) {
	adapter := NewMemoryAuditAdapter()
	ctx := context.Background()
	if err := adapter.Record(ctx, &AuditEntry{AccountID: "a", Operation: OperationSetup, Metadata: map[string]string{"k": "v"}}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	got, _ := adapter.Query(ctx, nil)
	got[0].Metadata["k"] = "changed"
	got[0].Success = true

	again, _ := adapter.Query(ctx, nil)
	if again[0].Metadata["k"] != "v" || again[0].Success {
		t.Error("Query exposed internal state")
	}
	if adapter.Len() != 1 {
		t.Errorf("Expected 1 entry, got %d", adapter.Len())
	}
}

func TestStorageAuditAdapter_KeyLayout(t *testing.T) {
	backend := storage.NewMemory()
	adapter := NewStorageAuditAdapter(backend)
	ctx := context.Background()

	entry := &AuditEntry{
		ID:        "fixed",
		AccountID: "acct-1",
		Operation: OperationMigrate,
		Timestamp: time.Unix(0, 42).UTC(),
	}
	if err := adapter.Record(ctx, entry); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if _, err := backend.Get(ctx, "audit/acct-1/00000000000000000042-fixed"); err != nil {
		t.Errorf("Expected entry at sequence key: %v", err)
	}

	// the same entry cannot be written twice
	if err := adapter.Record(ctx, entry); err == nil {
		t.Error("Expected error recording a duplicate entry")
	}

	if err := adapter.Record(ctx, &AuditEntry{AccountID: "../x", Operation: OperationSetup}); err == nil {
		t.Error("Expected error for invalid account ID")
	}
}
