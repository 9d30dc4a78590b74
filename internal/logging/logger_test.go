package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	t.Run("stdout json by default", func(t *testing.T) {
		log, closer, err := New(Options{})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if log == nil {
			t.Fatal("nil logger")
		}
		if closer != nil {
			t.Error("stdout destination should not return a closer")
		}
	})

	t.Run("file destination is created and closed", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "courier.log")
		log, closer, err := New(Options{Level: "debug", Path: path, Format: "text"})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		log.Info("hello", "component", "test")
		if closer == nil {
			t.Fatal("file destination should return a closer")
		}
		if err := closer.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read log: %v", err)
		}
		if !strings.Contains(string(data), "hello") {
			t.Errorf("log file missing record, got %q", data)
		}
	})

	t.Run("unknown level rejected", func(t *testing.T) {
		if _, _, err := New(Options{Level: "loud"}); err == nil {
			t.Error("expected error for unknown level")
		}
	})
}

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"", "debug", "info", "warn", "warning", "error", "DEBUG"} {
		if _, err := parseLevel(name); err != nil {
			t.Errorf("parseLevel(%q) unexpected error: %v", name, err)
		}
	}
}
