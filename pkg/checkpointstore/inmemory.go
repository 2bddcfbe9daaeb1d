package checkpointstore

import (
	"context"
	"sync"

	"github.com/anicoll/cosmigrate"
)

// InmemoryCheckpointStore implements CheckpointStore that keeps checkpoints in memory.
// Checkpoints do not survive the process, so it only supports resuming within a run.
type InmemoryCheckpointStore struct {
	mu sync.Mutex
	m  map[string]cosmigrate.Checkpoint
}

// NewInmemory creates new instance of InmemoryCheckpointStore
func NewInmemory() *InmemoryCheckpointStore {
	return &InmemoryCheckpointStore{
		m: make(map[string]cosmigrate.Checkpoint),
	}
}

func (s *InmemoryCheckpointStore) Get(ctx context.Context, key string) (*cosmigrate.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.m[key]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (s *InmemoryCheckpointStore) Set(ctx context.Context, key string, cp cosmigrate.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m[key] = cp
	return nil
}

func (s *InmemoryCheckpointStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.m, key)
	return nil
}

// Keys returns the keys of all stored checkpoints.
func (s *InmemoryCheckpointStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	return keys
}

// Assert that InmemoryCheckpointStore implements CheckpointStore.
var _ cosmigrate.CheckpointStore = (*InmemoryCheckpointStore)(nil)
