// Package cache implements the request fingerprint and the persistent,
// write-through response cache shared by every upstream source.
package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
)

// Store maps fingerprints to raw response bodies and persists the whole
// mapping to one JSON file. Bodies are written base64-encoded so any byte
// sequence survives a reload unchanged. Each upstream source owns its own Store. Entries
// are never evicted; see Prune for explicit cleanup of dated keys.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string][]byte
}

// Open loads the store at path. A missing, unreadable, or corrupt file yields
// an empty store; the problem is logged and never returned.
func Open(path string, logger *slog.Logger) *Store {
	s := &Store{
		path:    path,
		logger:  logger,
		entries: make(map[string][]byte),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("cache unreadable, starting empty", "path", path, "error", err)
		}
		return s
	}

	var entries map[string][]byte
	if err := json.Unmarshal(data, &entries); err != nil {
		logger.Warn("cache corrupt, starting empty", "path", path, "error", err)
		return s
	}
	if entries != nil {
		s.entries = entries
	}
	return s
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Get returns the stored body for key.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.entries[key]
	return string(body), ok
}

// Put stores body under key and synchronously persists the full mapping.
// On a save failure the entry stays in memory and the error is returned.
func (s *Store) Put(key, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = []byte(body)
	return s.saveLocked()
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Save serializes the full mapping and atomically replaces the file.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	data, err := json.Marshal(s.entries)
	if err != nil {
		return fmt.Errorf("encode cache %s: %w", s.path, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write cache %s: %w", s.path, err)
	}
	return nil
}

// Prune removes dated entries whose epoch is before the given one. Undated
// entries are kept. The file is rewritten only when something was removed.
func (s *Store) Prune(before Epoch) (int, error) {
	cutoff, ok := before.Time()
	if !ok {
		return 0, fmt.Errorf("prune %s: invalid epoch %q", s.path, before)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.entries {
		epoch, dated := epochSuffix(key)
		if !dated {
			continue
		}
		t, _ := epoch.Time()
		if t.Before(cutoff) {
			delete(s.entries, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.saveLocked()
}
