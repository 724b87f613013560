package tracing

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), DefaultConfig(), quiet())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitFileExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "spans.json")
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = "file"
	cfg.FilePath = path

	shutdown, err := Init(context.Background(), cfg, quiet())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "engine.SetConfiguration")
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, quiet())

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read trace file: %v", err)
	}
	if !strings.Contains(string(data), "engine.SetConfiguration") {
		t.Fatalf("trace file does not contain span name:\n%s", data)
	}

	// Leave a no-op provider behind for other tests.
	if _, err := Init(context.Background(), DefaultConfig(), quiet()); err != nil {
		t.Fatalf("reset: %v", err)
	}
}

func TestInitRejectsBadExporter(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown exporter", Config{Enabled: true, Exporter: "zipkin"}},
		{"file without path", Config{Enabled: true, Exporter: "file"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Init(context.Background(), tt.cfg, quiet()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
