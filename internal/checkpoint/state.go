package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StateFileName is the checkpoint file inside the state directory.
const StateFileName = "checkpoint.json"

// State records the head reported by the last successful run.
type State struct {
	Source    string    `json:"source"`
	Commit    string    `json:"commit"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Token returns the recorded commit as a continuation token.
func (s *State) Token() Token {
	if s == nil {
		return ""
	}
	return Token(s.Commit)
}

// LoadState reads the state file in dir. A missing file yields nil, nil.
func LoadState(dir string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(dir, StateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", StateFileName, err)
	}
	return &state, nil
}

// SaveState writes state into dir, replacing any previous file atomically.
func SaveState(dir string, state *State) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, ".gitdelta-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, filepath.Join(dir, StateFileName))
}
