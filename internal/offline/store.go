package offline

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Store is the durable mirror of the queue: one namespaced JSON
// document replaced wholesale on every mutation, no partial-record
// updates.
type Store struct {
	path string
}

type storedQueue struct {
	Version int              `json:"version"`
	Entries []PendingRequest `json:"entries"`
}

const storeVersion = 1

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Read() ([]PendingRequest, error) {
	if s.path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var stored storedQueue
	if err := json.Unmarshal(data, &stored); err != nil {
		// A corrupt queue file is abandoned rather than blocking
		// startup; the entries it held expire anyway.
		return nil, nil
	}
	return stored.Entries, nil
}

func (s *Store) Write(entries []PendingRequest) error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(storedQueue{Version: storeVersion, Entries: entries})
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}
