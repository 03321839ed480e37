package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileCoreWritesJSON(t *testing.T) {
	dir := t.TempDir()
	log, flush, err := New(Options{Level: "error", Dir: dir, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.Debug("bar closed")
	flush()

	data, err := os.ReadFile(filepath.Join(dir, "engine.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"bar closed"`) {
		t.Fatalf("debug line missing from file: %s", data)
	}
}

func TestRejectsUnknownLevel(t *testing.T) {
	if _, _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatal("expected error")
	}
}
