package checkpointstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/anicoll/cosmigrate"
)

// FileCheckpointStore implements CheckpointStore on a single JSON file holding
// every checkpoint of a run. Each write replaces the file atomically, so a
// crash never leaves a truncated file behind.
type FileCheckpointStore struct {
	mu   sync.Mutex
	path string
}

type checkpointFile struct {
	Checkpoints map[string]cosmigrate.Checkpoint `json:"checkpoints"`
}

// NewFile creates a FileCheckpointStore backed by path.
// The file is created on the first Set.
func NewFile(path string) *FileCheckpointStore {
	return &FileCheckpointStore{path: path}
}

func (s *FileCheckpointStore) Get(ctx context.Context, key string) (*cosmigrate.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return nil, err
	}
	cp, ok := f.Checkpoints[key]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (s *FileCheckpointStore) Set(ctx context.Context, key string, cp cosmigrate.Checkpoint) error {
	return s.update(func(f *checkpointFile) {
		f.Checkpoints[key] = cp
	})
}

func (s *FileCheckpointStore) Delete(ctx context.Context, key string) error {
	return s.update(func(f *checkpointFile) {
		delete(f.Checkpoints, key)
	})
}

func (s *FileCheckpointStore) update(fn func(*checkpointFile)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return err
	}
	fn(f)
	return s.write(f)
}

func (s *FileCheckpointStore) read() (*checkpointFile, error) {
	f := &checkpointFile{Checkpoints: map[string]cosmigrate.Checkpoint{}}
	bs, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file %s: %w", s.path, err)
	}
	if len(bs) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(bs, f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint file %s: %w", s.path, err)
	}
	if f.Checkpoints == nil {
		f.Checkpoints = map[string]cosmigrate.Checkpoint{}
	}
	return f, nil
}

func (s *FileCheckpointStore) write(f *checkpointFile) error {
	bs, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoints: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(bs); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace checkpoint file %s: %w", s.path, err)
	}
	return nil
}

// Assert that FileCheckpointStore implements CheckpointStore.
var _ cosmigrate.CheckpointStore = (*FileCheckpointStore)(nil)
