package command

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ProcessRecord is the persisted view of one background process, written so
// `ps` and `kill` work from later CLI invocations.
type ProcessRecord struct {
	ID        string        `json:"id"`
	PID       int           `json:"pid"`
	Command   string        `json:"command"`
	Port      string        `json:"port,omitempty"`
	Status    ProcessStatus `json:"status"`
	StartedAt time.Time     `json:"startedAt"`
}

// StateFile persists background process records as a JSON map keyed by id.
type StateFile struct {
	mu   sync.Mutex
	path string
}

// NewStateFile opens (creating parents for) a state file at path.
func NewStateFile(path string) (*StateFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &StateFile{path: path}, nil
}

// Load reads all records. A missing file is an empty state.
func (s *StateFile) Load() (map[string]ProcessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *StateFile) loadLocked() (map[string]ProcessRecord, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]ProcessRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read process state: %w", err)
	}
	records := make(map[string]ProcessRecord)
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode process state: %w", err)
	}
	return records, nil
}

// Put upserts one record.
func (s *StateFile) Put(rec ProcessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.loadLocked()
	if err != nil {
		return err
	}
	records[rec.ID] = rec
	return s.saveLocked(records)
}

// Remove drops one record.
func (s *StateFile) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.loadLocked()
	if err != nil {
		return err
	}
	delete(records, id)
	return s.saveLocked(records)
}

func (s *StateFile) saveLocked(records map[string]ProcessRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Alive reports whether the recorded process still exists.
func (r ProcessRecord) Alive() bool {
	return recordAlive(r)
}

// KillRecorded terminates a recorded process group from a fresh CLI
// invocation, escalating SIGTERM to SIGKILL after grace.
func KillRecorded(rec ProcessRecord, grace time.Duration) error {
	if !rec.Alive() {
		return fmt.Errorf("process %s (pid %d) is not running", rec.ID, rec.PID)
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return killRecorded(rec, grace)
}
