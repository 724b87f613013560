package logging

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"ERROR", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("JSON"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(JSON) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if !strings.Contains(cfg.FilePath, "geofenced") {
		t.Errorf("expected log path under geofenced, got %s", cfg.FilePath)
	}
	if cfg.MaxSize <= 0 || cfg.MaxBackups <= 0 {
		t.Errorf("expected positive rotation limits, got size=%d backups=%d", cfg.MaxSize, cfg.MaxBackups)
	}
}

func newFileLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "geofenced.log")
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.Format = FormatJSON
	cfg.FilePath = path
	cfg.Level = LevelDebug

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger, path
}

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

func TestJSONFileOutput(t *testing.T) {
	logger, path := newFileLogger(t)

	logger.WithComponent("engine").Info("configuration applied", "armed", true)

	recs := readRecords(t, path)
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	rec := recs[0]
	if rec["msg"] != "configuration applied" {
		t.Errorf("msg = %v", rec["msg"])
	}
	if rec["component"] != "engine" {
		t.Errorf("component = %v", rec["component"])
	}
	if rec["service"] != "geofenced" {
		t.Errorf("service = %v", rec["service"])
	}
}

func TestRedaction(t *testing.T) {
	logger, path := newFileLogger(t)

	logger.Info("network", "psk", "hunter2", "authorization", "always", "api_token", "abc")

	rec := readRecords(t, path)[0]
	if rec["psk"] != "[REDACTED]" {
		t.Errorf("psk = %v, want redacted", rec["psk"])
	}
	if rec["api_token"] != "[REDACTED]" {
		t.Errorf("api_token = %v, want redacted", rec["api_token"])
	}
	if rec["authorization"] != "always" {
		t.Errorf("authorization = %v, want it kept", rec["authorization"])
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key    string
		redact bool
	}{
		{"password", true},
		{"wifi_passphrase", true},
		{"PSK", true},
		{"client_secret", true},
		{"authorization", false},
		{"network", false},
		{"region", false},
	}
	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			if got := shouldRedact(test.key); got != test.redact {
				t.Errorf("shouldRedact(%q) = %v, want %v", test.key, got, test.redact)
			}
		})
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-1")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Errorf("RequestIDFromContext = %q", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("empty context returned %q", got)
	}
	//nolint:staticcheck // nil context is part of the contract
	if got := RequestIDFromContext(nil); got != "" {
		t.Errorf("nil context returned %q", got)
	}
}

func TestLoggerWithContext(t *testing.T) {
	logger, path := newFileLogger(t)

	ctx := ContextWithRequestID(context.Background(), logger.NewRequestID())
	logger.WithContext(ctx).Debug("status requested")

	rec := readRecords(t, path)[0]
	id, _ := rec["request_id"].(string)
	if !strings.HasPrefix(id, "req-") {
		t.Errorf("request_id = %q", id)
	}
}

func TestNewRequestIDUnique(t *testing.T) {
	var counter atomic.Uint64
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRequestID(&counter)
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestFileRotatorRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	r, err := NewFileRotator(RotatorConfig{Path: path, MaxSize: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewFileRotator: %v", err)
	}

	chunk := []byte(strings.Repeat("x", 600*1024) + "\n")
	for i := 0; i < 4; i++ {
		if _, err := r.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	backups, err := r.Backups()
	if err != nil {
		t.Fatalf("Backups: %v", err)
	}
	if len(backups) == 0 || len(backups) > 2 {
		t.Fatalf("expected 1-2 backups, got %d: %v", len(backups), backups)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat current log: %v", err)
	}
	if info.Size() > 1024*1024 {
		t.Errorf("current log not rotated, size %d", info.Size())
	}
}

func TestFileRotatorRequiresPath(t *testing.T) {
	if _, err := NewFileRotator(RotatorConfig{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}
