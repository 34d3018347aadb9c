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

package correlation

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestWithCorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "abc")
	if got := GetCorrelationID(ctx); got != "abc" {
		t.Errorf("GetCorrelationID() = %q, want %q", got, "abc")
	}

	//nolint:staticcheck // nil context is tolerated
	ctx = WithCorrelationID(nil, "def")
	if got := GetCorrelationID(ctx); got != "def" {
		t.Errorf("GetCorrelationID() = %q, want %q", got, "def")
	}
}

func TestGetCorrelationID_Missing(t *testing.T) {
	if got := GetCorrelationID(context.Background()); got != "" {
		t.Errorf("expected empty correlation ID, got %q", got)
	}
	//nolint:staticcheck // nil context is tolerated
	if got := GetCorrelationID(nil); got != "" {
		t.Errorf("expected empty correlation ID for nil context, got %q", got)
	}
}

func TestNewID(t *testing.T) {
	id := NewID()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("NewID() returned invalid UUID %q: %v", id, err)
	}
	if NewID() == id {
		t.Error("NewID() returned duplicate IDs")
	}
}

func TestGetOrGenerate(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "existing")
	if got := GetOrGenerate(ctx); got != "existing" {
		t.Errorf("GetOrGenerate() = %q, want existing", got)
	}
	if got := GetOrGenerate(context.Background()); got == "" {
		t.Error("GetOrGenerate() returned empty ID")
	}
}

func TestEnsure(t *testing.T) {
	ctx, id := Ensure(context.Background())
	if id == "" || GetCorrelationID(ctx) != id {
		t.Fatalf("Ensure() did not attach generated ID")
	}

	ctx2, id2 := Ensure(ctx)
	if id2 != id || ctx2 != ctx {
		t.Errorf("Ensure() replaced an existing ID")
	}
}
