package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrUninitializedCheckpoint is returned by Load when the file is missing or empty.
var ErrUninitializedCheckpoint = errors.New("checkpoint is not initialized")

// ErrCorruptCheckpoint is returned by Load when the file holds something
// other than a block number. It is never seeded over.
var ErrCorruptCheckpoint = errors.New("checkpoint is corrupt")

// CheckpointStore persists the next ledger block to read as a single ASCII
// integer followed by a newline.
type CheckpointStore struct {
	path string
}

// NewCheckpointStore creates a store backed by the file at path.
func NewCheckpointStore(path string) *CheckpointStore {
	return &CheckpointStore{path: path}
}

// Path returns the checkpoint file location.
func (s *CheckpointStore) Path() string {
	return s.path
}

// Load reads the stored block number.
func (s *CheckpointStore) Load() (uint64, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrUninitializedCheckpoint
	}
	if err != nil {
		return 0, fmt.Errorf("reading checkpoint: %w", err)
	}

	value := strings.TrimSpace(string(data))
	if value == "" {
		return 0, ErrUninitializedCheckpoint
	}
	block, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s holds %q, not a block number", ErrCorruptCheckpoint, s.path, value)
	}
	return block, nil
}

// Save atomically replaces the stored block number.
func (s *CheckpointStore) Save(block uint64) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating checkpoint temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(strconv.FormatUint(block, 10) + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing checkpoint: %w", err)
	}
	return nil
}

// Seed initializes the checkpoint with the contract's deployment block.
// It refuses to overwrite an existing value.
func (s *CheckpointStore) Seed(deployedBlock uint64) error {
	if _, err := s.Load(); err == nil {
		return fmt.Errorf("checkpoint %s already initialized", s.path)
	} else if !errors.Is(err, ErrUninitializedCheckpoint) {
		return err
	}
	return s.Save(deployedBlock)
}
