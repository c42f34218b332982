// Package file stores snapshots in a local JSON file, replaced atomically on save.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/chunkwatch/internal/monitor"
	"github.com/JakeFAU/chunkwatch/internal/snapshot"
)

// Store implements snapshot.Store on the local filesystem.
type Store struct {
	path string
}

// New returns a Store writing to path. The parent directory is created if needed.
func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("state file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &Store{path: path}, nil
}

// Backend implements snapshot.Store.
func (s *Store) Backend() string {
	return "file"
}

// Load reads the snapshot; a missing file yields an empty State.
func (s *Store) Load(_ context.Context) (*monitor.State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return monitor.NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	st, err := snapshot.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("state file %s: %w", s.path, err)
	}
	return st, nil
}

// Save writes st to a temporary file next to the target, syncs it and renames
// it over the target, so readers never observe a partial document.
func (s *Store) Save(_ context.Context, st *monitor.State) error {
	data, err := snapshot.Encode(st)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Close implements snapshot.Store.
func (s *Store) Close() error {
	return nil
}
