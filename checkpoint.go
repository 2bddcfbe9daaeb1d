package cosmigrate

import (
	"context"
	"time"
)

// Checkpoint is the persisted progress of a migration unit.
// It is written after every fully flushed page and deleted once the unit completes.
type Checkpoint struct {
	ContinuationToken string    `json:"continuation_token"`
	Inserted          int64     `json:"inserted"`
	AlreadyPresent    int64     `json:"already_present"`
	Rejected          int64     `json:"rejected"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ItemsCopied returns the number of items confirmed present in the target.
func (c Checkpoint) ItemsCopied() int64 {
	return c.Inserted + c.AlreadyPresent
}

// ItemsSkipped returns the number of rejected items.
func (c Checkpoint) ItemsSkipped() int64 {
	return c.Rejected
}

// Counts returns the checkpointed counters.
func (c Checkpoint) Counts() Counts {
	return Counts{Inserted: c.Inserted, AlreadyPresent: c.AlreadyPresent, Rejected: c.Rejected}
}

// CheckpointStore persists checkpoints keyed by migration unit identity
// ("sourceDatabase/sourceContainer"). Implementations must be concurrency-safe.
type CheckpointStore interface {
	// Get returns the checkpoint for key, or nil if none exists.
	Get(ctx context.Context, key string) (*Checkpoint, error)
	// Set creates or replaces the checkpoint for key.
	Set(ctx context.Context, key string, cp Checkpoint) error
	// Delete removes the checkpoint for key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
