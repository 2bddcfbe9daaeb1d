package cosmigrate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unitResult(state State, c Counts) UnitResult {
	return UnitResult{
		Source: ContainerRef{Database: "d", Container: "c"},
		Target: ContainerRef{Database: "d", Container: "c"},
		State:  state,
		Counts: c,
	}
}

func TestSummary_ExitCode(t *testing.T) {
	tests := []struct {
		name    string
		summary Summary
		want    int
	}{
		{
			name:    "no units",
			summary: Summary{Strict: true},
			want:    ExitOK,
		},
		{
			name:    "all completed",
			summary: Summary{Strict: true, Units: []UnitResult{unitResult(StateCompleted, Counts{Inserted: 3})}},
			want:    ExitOK,
		},
		{
			name:    "rejections when strict",
			summary: Summary{Strict: true, Units: []UnitResult{unitResult(StateCompleted, Counts{Inserted: 2, Rejected: 1})}},
			want:    ExitPartial,
		},
		{
			name:    "rejections when lenient",
			summary: Summary{Units: []UnitResult{unitResult(StateCompleted, Counts{Inserted: 2, Rejected: 1})}},
			want:    ExitOK,
		},
		{
			name: "failed unit wins over partial",
			summary: Summary{Strict: true, Units: []UnitResult{
				unitResult(StateCompleted, Counts{Rejected: 1}),
				unitResult(StateFailed, Counts{}),
			}},
			want: ExitFailed,
		},
		{
			name:    "interrupted unit",
			summary: Summary{Units: []UnitResult{unitResult(StateInterrupted, Counts{Inserted: 1})}},
			want:    ExitFailed,
		},
		{
			name:    "run error",
			summary: Summary{Error: "unauthorized", Units: []UnitResult{unitResult(StateCompleted, Counts{})}},
			want:    ExitFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.summary.ExitCode())
		})
	}
}

func TestSummary_Totals(t *testing.T) {
	s := Summary{Units: []UnitResult{
		unitResult(StateCompleted, Counts{Inserted: 3, AlreadyPresent: 1}),
		unitResult(StateFailed, Counts{Inserted: 1, Rejected: 2}),
	}}
	assert.Equal(t, Counts{Inserted: 4, AlreadyPresent: 1, Rejected: 2}, s.Totals())
	assert.Equal(t, map[State]int{StateCompleted: 1, StateFailed: 1}, s.StateCounts())
}

func TestSummary_Duration(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s := Summary{StartedAt: start}
	assert.Zero(t, s.Duration())
	s.FinishedAt = start.Add(90 * time.Second)
	assert.Equal(t, 90*time.Second, s.Duration())
}

func TestSummary_WriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migration_summary.json")
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s := &Summary{
		RunID:         "run-1",
		SourceAccount: "src",
		TargetAccount: "dst",
		StartedAt:     start,
		FinishedAt:    start.Add(time.Minute),
		Strict:        true,
		Units: []UnitResult{{
			Source:       ContainerRef{Database: "d", Container: "c"},
			Target:       ContainerRef{Database: "d", Container: "c"},
			State:        StateCompleted,
			Counts:       Counts{Inserted: 3},
			Verification: &Verification{SourceCount: 3, TargetCount: 3, Verified: true},
			Duration:     time.Second,
		}},
	}
	require.NoError(t, s.WriteFile(path))
	// replacing an existing file works too
	require.NoError(t, s.WriteFile(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var got Summary
	require.NoError(t, json.Unmarshal(b, &got))
	if diff := cmp.Diff(*s, got); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}
