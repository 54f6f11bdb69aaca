package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/amonks/autodeps/internal/flock"
	"github.com/amonks/autodeps/internal/validation"
)

// Store manages the state file with locking.
type Store struct {
	dir string
}

// NewStore creates a new state store using the given directory.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

// statePath returns the path to the state file.
func (s *Store) statePath() string {
	return filepath.Join(s.dir, "state.json")
}

// lockPath returns the path to the lock file.
func (s *Store) lockPath() string {
	return filepath.Join(s.dir, "state.lock")
}

// Load reads the state from disk. Returns an empty state if the file doesn't exist.
func (s *Store) Load() (*State, error) {
	data, err := os.ReadFile(s.statePath())
	if os.IsNotExist(err) {
		return &State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &st, nil
}

// Save writes the state to disk.
func (s *Store) Save(st *State) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if existing, err := os.ReadFile(s.statePath()); err == nil {
		if bytes.Equal(existing, data) {
			return nil
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read state file: %w", err)
	}

	// Write atomically via temp file
	tmpFile, err := os.CreateTemp(s.dir, filepath.Base(s.statePath())+".tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	name := tmpFile.Name()
	_, err = tmpFile.Write(data)
	if err1 := tmpFile.Close(); err1 != nil && err == nil {
		err = err1
	}
	if err != nil {
		os.Remove(name)
		return fmt.Errorf("write temp state file: %w", err)
	}

	if err := os.Rename(name, s.statePath()); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename state file: %w", err)
	}

	return nil
}

// Update atomically reads, modifies, and writes the state with file locking.
func (s *Store) Update(ctx context.Context, fn func(st *State) error) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	lock, err := flock.Acquire(ctx, s.lockPath(), flock.Options{})
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer lock.Release()

	st, err := s.Load()
	if err != nil {
		return err
	}

	if err := fn(st); err != nil {
		return err
	}

	return s.Save(st)
}

// Record appends a provisioning entry, dropping the oldest entries beyond
// MaxProvisions.
func (s *Store) Record(ctx context.Context, p Provision) error {
	if !p.Source.IsValid() {
		return validation.FormatInvalidValueError(ErrInvalidSource, p.Source, ValidSources())
	}
	return s.Update(ctx, func(st *State) error {
		st.Provisions = append(st.Provisions, p)
		if extra := len(st.Provisions) - MaxProvisions; extra > 0 {
			st.Provisions = append([]Provision(nil), st.Provisions[extra:]...)
		}
		return nil
	})
}

// Provisions returns the recorded history, oldest first. When fingerprint
// is non-empty only matching entries are returned.
func (s *Store) Provisions(fingerprint string) ([]Provision, error) {
	st, err := s.Load()
	if err != nil {
		return nil, err
	}
	if fingerprint == "" {
		return st.Provisions, nil
	}
	var out []Provision
	for _, p := range st.Provisions {
		if p.Fingerprint == fingerprint {
			out = append(out, p)
		}
	}
	return out, nil
}
