package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewJSONStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	storage, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("NewJSONStorage failed: %v", err)
	}
	if storage == nil {
		t.Fatal("Expected non-nil storage")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected no file before first write, stat err = %v", err)
	}
}

func TestJSONStorage_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	first, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("NewJSONStorage failed: %v", err)
	}
	at := time.Date(2025, 1, 17, 14, 30, 0, 0, time.UTC)
	if err := first.SetBaseline("2025-01-17", Baseline{Equity: 98765.43, CapturedAt: at, Source: SourceFirstQuery}); err != nil {
		t.Fatalf("SetBaseline failed: %v", err)
	}

	// Atomic write leaves no temp file behind
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("Temp file should have been renamed, stat err = %v", err)
	}

	second, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	got, ok := second.GetBaseline("2025-01-17")
	if !ok {
		t.Fatal("Expected baseline to survive restart")
	}
	if got.Equity != 98765.43 || got.Source != SourceFirstQuery || !got.CapturedAt.Equal(at) {
		t.Errorf("Unexpected baseline after restart: %+v", got)
	}
}

func TestNewJSONStorage_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := NewJSONStorage(path)
	if err == nil {
		t.Fatal("Expected error for corrupt file")
	}
	if !strings.Contains(err.Error(), "loading storage") {
		t.Errorf("Expected wrapped load error, got %v", err)
	}
}

func TestJSONStorage_LoadEmptyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o600); err != nil {
		t.Fatal(err)
	}

	storage, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("NewJSONStorage failed: %v", err)
	}
	// nil map from the document must be replaced before writes
	if err := storage.SetBaseline("2025-01-17", Baseline{Equity: 1}); err != nil {
		t.Errorf("SetBaseline on empty document failed: %v", err)
	}
}

func TestPruneBaselines_NothingToDo(t *testing.T) {
	storage, err := NewJSONStorage(filepath.Join(t.TempDir(), "session.json"))
	if err != nil {
		t.Fatal(err)
	}
	removed, err := storage.PruneBaselines(30)
	if err != nil || removed != 0 {
		t.Errorf("Expected no-op prune, got removed=%d err=%v", removed, err)
	}
}
