package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

// TestInterface tests the storage interface with both implementations
func TestInterface(t *testing.T) {
	t.Run("MockStorage", func(t *testing.T) {
		testInterface(t, NewMockStorage())
	})

	t.Run("JSONStorage", func(t *testing.T) {
		tmpFile := filepath.Join(t.TempDir(), fmt.Sprintf("session_%d.json", time.Now().UnixNano()))
		storage, err := NewJSONStorage(tmpFile)
		if err != nil {
			t.Fatalf("Failed to create JSON storage: %v", err)
		}
		testInterface(t, storage)
	})
}

// testInterface runs common tests on any storage implementation
func testInterface(t *testing.T, storage Interface) {
	t.Helper()

	if _, ok := storage.GetBaseline("2025-01-17"); ok {
		t.Error("Expected no baseline initially")
	}

	captured := time.Date(2025, 1, 17, 14, 30, 0, 0, time.UTC)
	want := Baseline{Equity: 100000, CapturedAt: captured, Source: SourceMarketOpen}
	if err := storage.SetBaseline("2025-01-17", want); err != nil {
		t.Fatalf("SetBaseline failed: %v", err)
	}

	got, ok := storage.GetBaseline("2025-01-17")
	if !ok {
		t.Fatal("Expected baseline after SetBaseline")
	}
	if got.Equity != want.Equity || got.Source != want.Source || !got.CapturedAt.Equal(captured) {
		t.Errorf("Baseline mismatch: got %+v, want %+v", got, want)
	}

	// Other sessions are independent
	if _, ok := storage.GetBaseline("2025-01-16"); ok {
		t.Error("Expected no baseline for a different date")
	}

	if err := storage.SetBaseline("01/17/2025", want); !errors.Is(err, ErrInvalidDate) {
		t.Errorf("Expected ErrInvalidDate for malformed date, got %v", err)
	}

	for _, d := range []string{"2025-01-13", "2025-01-14", "2025-01-15", "2025-01-16"} {
		if err := storage.SetBaseline(d, Baseline{Equity: 1}); err != nil {
			t.Fatalf("SetBaseline(%s) failed: %v", d, err)
		}
	}
	removed, err := storage.PruneBaselines(2)
	if err != nil {
		t.Fatalf("PruneBaselines failed: %v", err)
	}
	if removed != 3 {
		t.Errorf("Expected 3 pruned baselines, got %d", removed)
	}
	if _, ok := storage.GetBaseline("2025-01-13"); ok {
		t.Error("Oldest baseline should have been pruned")
	}
	if _, ok := storage.GetBaseline("2025-01-17"); !ok {
		t.Error("Newest baseline should survive pruning")
	}

	if err := storage.Save(); err != nil {
		t.Errorf("Save failed: %v", err)
	}
	if err := storage.Load(); err != nil {
		t.Errorf("Load failed: %v", err)
	}
	if got, ok := storage.GetBaseline("2025-01-17"); !ok || got.Equity != 100000 {
		t.Errorf("Baseline lost across Save/Load: %+v %v", got, ok)
	}
}

// TestMockStorageSpecificFeatures tests mock-specific features
func TestMockStorageSpecificFeatures(t *testing.T) {
	mock := NewMockStorage()

	testErr := &MockError{"test save error"}
	mock.SetSaveError(testErr)
	if err := mock.Save(); err != testErr {
		t.Errorf("Expected injected save error, got %v", err)
	}

	mock.SetSaveError(nil)
	_ = mock.Save()
	_ = mock.Save()
	if mock.GetSaveCallCount() != 3 { // 2 new + 1 from error test
		t.Errorf("Expected 3 save calls, got %d", mock.GetSaveCallCount())
	}

	setErr := &MockError{"disk full"}
	mock.SetBaselineError(setErr)
	if err := mock.SetBaseline("2025-01-17", Baseline{Equity: 5}); err != setErr {
		t.Errorf("Expected injected set error, got %v", err)
	}
	if _, ok := mock.GetBaseline("2025-01-17"); ok {
		t.Error("Failed SetBaseline must not record a baseline")
	}
	if mock.GetSetCallCount() != 1 {
		t.Errorf("Expected 1 set call, got %d", mock.GetSetCallCount())
	}

	mock.SetLoadError(testErr)
	if err := mock.Load(); err != testErr {
		t.Errorf("Expected injected load error, got %v", err)
	}
	if mock.GetLoadCallCount() != 1 {
		t.Errorf("Expected 1 load call, got %d", mock.GetLoadCallCount())
	}
}

// MockError is a simple error type for testing
type MockError struct {
	message string
}

func (e *MockError) Error() string {
	return e.message
}

func TestInterfaceCompliance(t *testing.T) {
	var _ Interface = (*JSONStorage)(nil)
	var _ Interface = (*MockStorage)(nil)
}
