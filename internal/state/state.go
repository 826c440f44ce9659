// Package state persists the export checkpoint between runs.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// DefaultPath is the checkpoint file used when none is configured.
const DefaultPath = ".replit-export.save"

// ErrCorrupt marks a checkpoint file that exists but cannot be decoded. Load
// logs it and starts fresh instead of returning it.
var ErrCorrupt = errors.New("state: corrupt checkpoint file")

// State is the checkpoint of a run: the listing cursor of the next page and
// the account it belongs to.
type State struct {
	Cursor string `json:"cursor,omitempty"`
	User   int64  `json:"user,omitempty"`
}

// CursorPtr returns the cursor as a pointer, nil when empty.
func (s State) CursorPtr() *string {
	if s.Cursor == "" {
		return nil
	}
	cursor := s.Cursor
	return &cursor
}

// Store reads and writes checkpoint files.
type Store struct {
	fs     afero.Fs
	logger *slog.Logger
}

// NewStore creates a Store on fs.
func NewStore(fs afero.Fs, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{fs: fs, logger: logger}
}

// Load reads the checkpoint at path. A missing or corrupt file yields nil
// and no error.
func (s *Store) Load(path string) (*State, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: read %s: %w", path, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Warn("ignoring checkpoint", "path", path, "error", fmt.Errorf("%w: %w", ErrCorrupt, err))
		return nil, nil
	}

	s.logger.Info("resuming from checkpoint", "path", path, "cursor", st.Cursor, "user", st.User)
	return &st, nil
}

// Save replaces the checkpoint at path with st. The file is written to a
// temporary sibling and renamed so a crash never leaves a partial file.
func (s *Store) Save(path string, st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("state: encode: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("state: create dir: %w", err)
		}
	}

	tmp := path + ".tmp"
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("state: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("state: sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("state: close temp file: %w", err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("state: rename: %w", err)
	}
	return nil
}

// Reconcile checks a loaded checkpoint against the live identity. A
// checkpoint from another account loses its cursor; the returned state
// always carries the live identity. discarded reports whether a cursor was
// dropped.
func Reconcile(loaded *State, identity int64) (st State, discarded bool) {
	if loaded == nil {
		return State{User: identity}, false
	}
	if loaded.User != identity {
		return State{User: identity}, loaded.Cursor != ""
	}
	return State{Cursor: loaded.Cursor, User: identity}, false
}
