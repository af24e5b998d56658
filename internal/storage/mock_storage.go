package storage

import (
	"fmt"
	"sync"
	"time"
)

// MockStorage implements Interface in memory for testing
type MockStorage struct {
	saveError     error
	loadError     error
	setError      error
	baselines     map[string]Baseline
	saveCallCount int
	loadCallCount int
	setCallCount  int
	mu            sync.Mutex
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{
		baselines: make(map[string]Baseline),
	}
}

// GetBaseline returns the recorded baseline for date.
func (m *MockStorage) GetBaseline(date string) (Baseline, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.baselines[date]
	return b, ok
}

// SetBaseline records a baseline unless a set error is injected.
func (m *MockStorage) SetBaseline(date string, b Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCallCount++
	if m.setError != nil {
		return m.setError
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	m.baselines[date] = b
	return nil
}

// PruneBaselines drops all but the newest keep sessions.
func (m *MockStorage) PruneBaselines(keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return pruneOldest(m.baselines, keep), nil
}

// Save counts calls and returns the injected error.
func (m *MockStorage) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	return m.saveError
}

// Load counts calls and returns the injected error.
func (m *MockStorage) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCallCount++
	return m.loadError
}

// Mock control methods for testing

func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	m.saveError = err
	m.mu.Unlock()
}

func (m *MockStorage) SetLoadError(err error) {
	m.mu.Lock()
	m.loadError = err
	m.mu.Unlock()
}

func (m *MockStorage) SetBaselineError(err error) {
	m.mu.Lock()
	m.setError = err
	m.mu.Unlock()
}

func (m *MockStorage) GetSaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCallCount
}

func (m *MockStorage) GetLoadCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCallCount
}

func (m *MockStorage) GetSetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setCallCount
}

// Ensure MockStorage implements Interface
var _ Interface = (*MockStorage)(nil)
