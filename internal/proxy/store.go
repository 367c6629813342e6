package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const (
	stateFileName  = "proxy-state.json"
	randomFileName = "random-state.json"
	lockFileName   = "state.lock"
)

// Store loads and persists the proxy and random-selection files. Mutations are
// serialized across processes with WithLock.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// WithLock runs fn while holding an exclusive flock on the state lock file.
func (s *Store) WithLock(fn func() error) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(s.path(lockFileName), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock state: %w", err)
	}
	defer unix.Flock(int(file.Fd()), unix.LOCK_UN)
	return fn()
}

// Load reads the proxy table, repairing inconsistent ports. A missing file is an
// empty table.
func (s *Store) Load() (State, []int, error) {
	state := newState()
	found, err := readJSON(s.path(stateFileName), &state)
	if err != nil {
		return newState(), nil, fmt.Errorf("load proxy state: %w", err)
	}
	if !found {
		return newState(), nil, nil
	}
	dropped := state.normalize()
	return state, dropped, nil
}

// Save persists the whole table.
func (s *Store) Save(state State) error {
	return writeJSON(s.path(stateFileName), state)
}

// LoadRandom reads the random selection; ok is false when none exists.
func (s *Store) LoadRandom() (RandomState, bool, error) {
	var rs RandomState
	found, err := readJSON(s.path(randomFileName), &rs)
	if err != nil {
		return RandomState{}, false, fmt.Errorf("load random state: %w", err)
	}
	if !found || rs.Slug == "" {
		return RandomState{}, false, nil
	}
	return rs, true, nil
}

// SaveRandom persists the random selection.
func (s *Store) SaveRandom(rs RandomState) error {
	return writeJSON(s.path(randomFileName), rs)
}

// Clear removes both state files.
func (s *Store) Clear() error {
	var errs []error
	for _, name := range []string{stateFileName, randomFileName} {
		if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func readJSON(path string, v any) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
