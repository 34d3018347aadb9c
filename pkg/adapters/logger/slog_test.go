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

package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/jeremyhahn/go-credvault/pkg/correlation"
)

func newBufferLogger(level Level) (*SlogAdapter, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewSlogAdapter(&SlogConfig{Level: level, Output: &buf, JSON: true}), &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var lines []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		lines = append(lines, m)
	}
	return lines
}

func TestNewSlogAdapter_NilConfig(t *testing.T) {
	if NewSlogAdapter(nil) == nil {
		t.Fatal("NewSlogAdapter() returned nil")
	}
}

func TestNewSlogAdapter_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewSlogAdapter(&SlogConfig{Output: &buf})

	adapter.Info("account encryption set up", String("account_id", "acct-1"))

	output := buf.String()
	if !strings.Contains(output, "level=INFO") {
		t.Errorf("output should contain level, got: %s", output)
	}
	if !strings.Contains(output, "account_id=acct-1") {
		t.Errorf("output should contain field, got: %s", output)
	}
}

func TestSlogAdapter_LevelFiltering(t *testing.T) {
	adapter, buf := newBufferLogger(LevelWarn)

	adapter.Debug("debug")
	adapter.Info("info")
	adapter.Warn("warn")
	adapter.Error("error")

	lines := decodeLines(t, buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %s", len(lines), buf.String())
	}
	if lines[0]["level"] != "WARN" || lines[1]["level"] != "ERROR" {
		t.Errorf("unexpected levels: %v, %v", lines[0]["level"], lines[1]["level"])
	}
}

func TestSlogAdapter_With(t *testing.T) {
	adapter, buf := newBufferLogger(LevelDebug)

	child := adapter.With(String("account_id", "acct-1")).WithError(errors.New("boom"))
	child.Info("rekey listener failed", String("device_id", "tv-1"))
	adapter.Info("parent")

	lines := decodeLines(t, buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0]["account_id"] != "acct-1" || lines[0]["device_id"] != "tv-1" || lines[0]["error"] != "boom" {
		t.Errorf("child fields missing: %v", lines[0])
	}
	if _, ok := lines[1]["account_id"]; ok {
		t.Error("With must not modify the parent logger")
	}
}

func TestSlogAdapter_Redaction(t *testing.T) {
	adapter, buf := newBufferLogger(LevelDebug)

	adapter.With(String("passphrase", "hunter2")).Info("wrap",
		String("client_secret", "s3cret"),
		Any("salt", []byte{1, 2, 3, 4}),
		Bool("passphrase_verified", true),
		Uint64("key_epoch", 1))

	if strings.Contains(buf.String(), "hunter2") || strings.Contains(buf.String(), "s3cret") {
		t.Fatalf("secret leaked into log output: %s", buf.String())
	}
	line := decodeLines(t, buf)[0]
	if line["passphrase"] != Redacted || line["client_secret"] != Redacted {
		t.Errorf("sensitive fields not redacted: %v", line)
	}
	if line["salt"] != "[4 bytes]" {
		t.Errorf("salt = %v, want [4 bytes]", line["salt"])
	}
	if line["passphrase_verified"] != true {
		t.Errorf("passphrase_verified = %v, want true", line["passphrase_verified"])
	}
	if line["key_epoch"] != float64(1) {
		t.Errorf("key_epoch = %v, want 1", line["key_epoch"])
	}
}

func TestSlogAdapter_ContextCorrelation(t *testing.T) {
	adapter, buf := newBufferLogger(LevelDebug)
	ctx := correlation.WithCorrelationID(context.Background(), "req-123")

	adapter.DebugContext(ctx, "debug")
	adapter.InfoContext(ctx, "info")
	adapter.WarnContext(ctx, "warn")
	adapter.ErrorContext(ctx, "error")
	adapter.InfoContext(context.Background(), "no id")

	lines := decodeLines(t, buf)
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 5", len(lines))
	}
	for _, line := range lines[:4] {
		if line["correlation_id"] != "req-123" {
			t.Errorf("%v: correlation_id = %v, want req-123", line["msg"], line["correlation_id"])
		}
	}
	if _, ok := lines[4]["correlation_id"]; ok {
		t.Error("correlation_id should be absent without one in the context")
	}
}

func TestSlogAdapter_CustomHandler(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewSlogAdapter(&SlogConfig{
		Handler: slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError}),
	})

	adapter.Warn("dropped")
	adapter.Error("kept")

	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), "kept") {
		t.Errorf("handler level not honored: %s", buf.String())
	}
}

func TestNewNopLogger(t *testing.T) {
	NewNopLogger().Info("discarded", String("account_id", "acct-1"))
}
