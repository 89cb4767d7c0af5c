// Package file implements JSON file storage for the poller state. The file
// is read fully at startup and rewritten fully on every save through a
// temporary file and rename, so a crash mid-write never leaves a truncated
// record behind. The filesystem is abstracted with afero so tests run
// against an in-memory fs.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/chongiou/itolearn/internal/domain/shared"
	"github.com/chongiou/itolearn/internal/infrastructure/persistence"
)

// DefaultPath is the state file location relative to the working directory.
const DefaultPath = "data/poller-state.json"

// Storage persists the poller state as a single JSON file.
type Storage struct {
	fs   afero.Fs
	path string
}

// New creates a file storage. A nil fs falls back to the OS filesystem and an
// empty path to DefaultPath.
func New(fs afero.Fs, path string) *Storage {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if path == "" {
		path = DefaultPath
	}
	return &Storage{fs: fs, path: path}
}

// Read implements persistence.Storage.
func (s *Storage) Read(ctx context.Context) (*persistence.PollerState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrStateNotFound
		}
		return nil, fmt.Errorf("%w: read %s: %v", shared.ErrStorageUnavailable, s.path, err)
	}

	var state persistence.PollerState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", shared.ErrCorruptState, s.path, err)
	}
	return &state, nil
}

// Write implements persistence.Storage.
func (s *Storage) Write(ctx context.Context, state *persistence.PollerState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", shared.ErrStorageUnavailable, dir, err)
	}

	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", shared.ErrStorageUnavailable, tmp, err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: rename %s: %v", shared.ErrStorageUnavailable, s.path, err)
	}
	return nil
}
