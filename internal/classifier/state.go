package classifier

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Folder statuses tracked across restarts. A folder classifies exactly once;
// only the promotion move is retried.
const (
	statusNegative = "negative"
	statusPending  = "pending-promotion"
	statusPromoted = "promoted"
)

// FolderState is the durable record of one folder's classification.
type FolderState struct {
	Status        string    `json:"status"`
	MaxConfidence float64   `json:"max_confidence"`
	BestImage     string    `json:"best_image,omitempty"`
	DecidedAt     time.Time `json:"decided_at"`
}

// State is the worker's persistent memory, a flat map keyed by folder name.
type State struct {
	path    string
	Folders map[string]FolderState `json:"folders"`
}

// LoadState reads the state file, returning an empty state when the file does
// not exist yet. A corrupt state file is an error; silently starting fresh
// would reclassify and re-promote everything.
func LoadState(path string) (*State, error) {
	s := &State{path: path, Folders: make(map[string]FolderState)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}
	if s.Folders == nil {
		s.Folders = make(map[string]FolderState)
	}
	return s, nil
}

// Save writes the state atomically so a crash mid-write cannot corrupt it.
func (s *State) Save() error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("publish state: %w", err)
	}
	return nil
}

// Forget drops folders whose directories no longer exist anywhere, keeping
// the file from growing without bound.
func (s *State) Forget(name string) {
	delete(s.Folders, name)
}
