package migrate

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

func TestNewValidatesInputs(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	if _, err := New("", "db/migrations", logger); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
	if _, err := New("postgres://localhost/kapsules", "", logger); err == nil {
		t.Fatalf("expected error for empty dir")
	}
	if _, err := New("postgres://localhost/kapsules", filepath.Join(t.TempDir(), "missing"), logger); err == nil {
		t.Fatalf("expected error for missing dir")
	}
	if _, err := New("postgres://localhost/kapsules", t.TempDir(), nil); err != nil {
		t.Fatalf("expected runner, got %v", err)
	}
}
