package cosmigrate

import (
	"sync"
	"time"
)

// State represents the state of a migration unit in its lifecycle.
type State string

const (
	// StatePending indicates the unit was discovered and not yet started.
	StatePending State = "PENDING"
	// StateProvisioning indicates the target database and container are being ensured.
	StateProvisioning State = "PROVISIONING"
	// StateValidating indicates the partition key paths are being compared.
	StateValidating State = "VALIDATING"
	// StateCopying indicates items are being streamed from source to target.
	StateCopying State = "COPYING"
	// StateCompleted indicates the source container was exhausted.
	StateCompleted State = "COMPLETED"
	// StateFailed indicates the unit stopped on a permanent error.
	StateFailed State = "FAILED"
	// StateInterrupted indicates the unit stopped on cancellation with its last checkpoint persisted.
	StateInterrupted State = "INTERRUPTED"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateInterrupted
}

// Counts accumulates per-item outcomes.
type Counts struct {
	Inserted       int64 `json:"inserted"`
	AlreadyPresent int64 `json:"already_present"`
	Rejected       int64 `json:"rejected"`
}

// Add records one outcome.
func (c *Counts) Add(o InsertOutcome) {
	switch o {
	case OutcomeInserted:
		c.Inserted++
	case OutcomeAlreadyPresent:
		c.AlreadyPresent++
	case OutcomeRejected:
		c.Rejected++
	}
}

// Total returns the number of items handled.
func (c Counts) Total() int64 {
	return c.Inserted + c.AlreadyPresent + c.Rejected
}

// MigrationUnit is one (source container, target container) pair and its copy state.
// It is owned by a single worker goroutine while running; Snapshot is safe to
// call concurrently.
type MigrationUnit struct {
	Source ContainerRef
	Target ContainerRef

	// SourceProps is filled in by discovery, TargetProps by provisioning.
	SourceProps *ContainerProperties
	TargetProps *ContainerProperties
	// TargetExists records whether the target container existed at discovery time.
	TargetExists bool

	// discoveryErr is set when the source container could not be inspected.
	discoveryErr error

	mu         sync.Mutex
	state      State
	counts     Counts
	err        error
	resumed    bool
	startedAt  time.Time
	finishedAt time.Time
	verify     *Verification
}

// Key is the identity of the unit in the checkpoint store.
func (u *MigrationUnit) Key() string {
	return u.Source.String()
}

func newUnit(source, target ContainerRef) *MigrationUnit {
	return &MigrationUnit{Source: source, Target: target, state: StatePending}
}

// State returns the current state.
func (u *MigrationUnit) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *MigrationUnit) setState(s State) State {
	u.mu.Lock()
	defer u.mu.Unlock()
	prev := u.state
	u.state = s
	if s == StateProvisioning && u.startedAt.IsZero() {
		u.startedAt = time.Now()
	}
	if s.Terminal() {
		u.finishedAt = time.Now()
	}
	return prev
}

func (u *MigrationUnit) setCounts(c Counts) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.counts = c
}

func (u *MigrationUnit) setErr(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.err = err
}

func (u *MigrationUnit) setResumed() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resumed = true
}

func (u *MigrationUnit) setVerification(v *Verification) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.verify = v
}

// Snapshot returns a point-in-time copy of the unit's result.
func (u *MigrationUnit) Snapshot() UnitResult {
	u.mu.Lock()
	defer u.mu.Unlock()
	r := UnitResult{
		Source:       u.Source,
		Target:       u.Target,
		State:        u.state,
		Counts:       u.counts,
		Resumed:      u.resumed,
		Verification: u.verify,
	}
	if u.err != nil {
		r.Error = u.err.Error()
	}
	if !u.startedAt.IsZero() {
		end := u.finishedAt
		if end.IsZero() {
			end = time.Now()
		}
		r.Duration = end.Sub(u.startedAt)
	}
	return r
}

// Err returns the error that failed or interrupted the unit.
func (u *MigrationUnit) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}
