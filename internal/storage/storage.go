package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// JSONStorage keeps session data in a JSON file, written atomically.
type JSONStorage struct {
	data     *Data
	filepath string
	mu       sync.RWMutex
}

// Data is the on-disk document.
type Data struct {
	Baselines   map[string]Baseline `json:"baselines"`
	LastUpdated time.Time           `json:"last_updated"`
}

// NewJSONStorage opens filepath, loading existing data if the file exists.
func NewJSONStorage(filepath string) (*JSONStorage, error) {
	s := &JSONStorage{
		filepath: filepath,
		data:     &Data{Baselines: make(map[string]Baseline)},
	}

	// Load existing data if file exists
	if _, err := os.Stat(filepath); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	}

	return s, nil
}

// Load replaces in-memory data with the file contents.
func (s *JSONStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}

	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decoding %s: %w", s.filepath, err)
	}
	if data.Baselines == nil {
		data.Baselines = make(map[string]Baseline)
	}
	s.data = &data
	return nil
}

// Save writes the data to disk.
func (s *JSONStorage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *JSONStorage) saveLocked() error {
	s.data.LastUpdated = time.Now().UTC()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file first
	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o600); err != nil {
		return err
	}

	// Atomic rename
	return os.Rename(tmpFile, s.filepath)
}

// GetBaseline returns the baseline recorded for date.
func (s *JSONStorage) GetBaseline(date string) (Baseline, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data.Baselines[date]
	return b, ok
}

// SetBaseline records the baseline for date and persists it.
func (s *JSONStorage) SetBaseline(date string, b Baseline) error {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Baselines[date] = b
	return s.saveLocked()
}

// PruneBaselines drops all but the newest keep sessions and returns how many were removed.
func (s *JSONStorage) PruneBaselines(keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := pruneOldest(s.data.Baselines, keep)
	if removed == 0 {
		return 0, nil
	}
	return removed, s.saveLocked()
}

// pruneOldest deletes the oldest dates beyond keep. Dates sort lexically.
func pruneOldest(m map[string]Baseline, keep int) int {
	if keep < 0 {
		keep = 0
	}
	if len(m) <= keep {
		return 0
	}
	dates := make([]string, 0, len(m))
	for d := range m {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	drop := dates[:len(dates)-keep]
	for _, d := range drop {
		delete(m, d)
	}
	return len(drop)
}
