package cosmigrate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Process exit codes derived from a Summary.
const (
	ExitOK      = 0
	ExitFailed  = 1
	ExitPartial = 2
)

// UnitResult is the reported outcome of one migration unit.
type UnitResult struct {
	Source       ContainerRef  `json:"source"`
	Target       ContainerRef  `json:"target"`
	State        State         `json:"state"`
	Counts       Counts        `json:"counts"`
	Resumed      bool          `json:"resumed"`
	Verification *Verification `json:"verification,omitempty"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
}

// Summary is the result of a migration run.
type Summary struct {
	RunID         string       `json:"run_id"`
	SourceAccount string       `json:"source_account,omitempty"`
	TargetAccount string       `json:"target_account,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    time.Time    `json:"finished_at"`
	Units         []UnitResult `json:"units"`
	// Strict makes completed runs with rejected items exit with ExitPartial.
	Strict bool `json:"strict"`
	// Error is the run-level failure that aborted the migration, if any.
	Error string `json:"error,omitempty"`
}

// Totals sums the counters of every unit.
func (s *Summary) Totals() Counts {
	var c Counts
	for _, u := range s.Units {
		c.Inserted += u.Counts.Inserted
		c.AlreadyPresent += u.Counts.AlreadyPresent
		c.Rejected += u.Counts.Rejected
	}
	return c
}

// StateCounts returns the number of units per state.
func (s *Summary) StateCounts() map[State]int {
	m := make(map[State]int)
	for _, u := range s.Units {
		m[u.State]++
	}
	return m
}

// Duration returns the wall time of the run.
func (s *Summary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// ExitCode maps the summary onto a process exit code.
// ExitFailed wins over ExitPartial. Unless Strict is set, rejected items still exit with ExitOK.
func (s *Summary) ExitCode() int {
	if s.Error != "" {
		return ExitFailed
	}
	partial := false
	for _, u := range s.Units {
		switch u.State {
		case StateCompleted:
			if u.Counts.Rejected > 0 {
				partial = true
			}
		default:
			return ExitFailed
		}
	}
	if partial && s.Strict {
		return ExitPartial
	}
	return ExitOK
}

// WriteFile writes the summary as indented JSON to path, replacing any previous file.
func (s *Summary) WriteFile(path string) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write summary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write summary file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write summary file: %w", err)
	}
	return nil
}
