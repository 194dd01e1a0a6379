// Package secrets persists the device-id -> opaque-secret mapping
// (spec.md §6 "Persistent state"), rewriting the file atomically after
// every update so a crash mid-write never corrupts it.
package secrets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store is the in-memory secret map, backed by a JSON file on disk.
type Store struct {
	path string

	mu      sync.Mutex
	secrets map[string]string
}

// Load reads path (a JSON object mapping device id -> secret) if it
// exists, starting with an empty store otherwise.
func Load(path string) (*Store, error) {
	s := &Store{path: path, secrets: make(map[string]string)}

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("secrets: read %s: %w", path, err)
	}

	if err := json.Unmarshal(b, &s.secrets); err != nil {
		return nil, fmt.Errorf("secrets: invalid json in %s: %w", path, err)
	}
	return s, nil
}

// Get returns the secret for deviceID, or "" and false if unknown.
func (s *Store) Get(deviceID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.secrets[deviceID]
	return v, ok
}

// Set stores secret for deviceID and rewrites the backing file
// atomically: write to a temp file in the same directory, then rename
// over the original.
func (s *Store) Set(deviceID, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.secrets[deviceID] = secret
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	b, err := json.MarshalIndent(s.secrets, "", "  ")
	if err != nil {
		return fmt.Errorf("secrets: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".secrets-*.tmp")
	if err != nil {
		return fmt.Errorf("secrets: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("secrets: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("secrets: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("secrets: rename into place: %w", err)
	}
	return nil
}
