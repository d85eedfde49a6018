package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.yaml")
	if err := os.WriteFile(path, []byte("provider:\n  model: initial\n"), 0o600); err != nil {
		t.Fatalf("write initial overlay: %v", err)
	}

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config, err error) {
		if err != nil {
			t.Errorf("onReload error: %v", err)
			return
		}
		select {
		case reloaded <- cfg:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("provider:\n  model: updated\n"), 0o600); err != nil {
		t.Fatalf("rewrite overlay: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Provider.Model != "updated" {
			t.Errorf("expected reloaded model %q, got %q", "updated", cfg.Provider.Model)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}

func TestWatcherCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.yaml")
	if err := os.WriteFile(path, []byte(""), 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
