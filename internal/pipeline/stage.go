package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	"github.com/couchcryptid/hail-property-matcher/internal/artifact"
	"github.com/couchcryptid/hail-property-matcher/internal/domain"
)

// Stage outcomes recorded in a StageResult.
const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"  // output fresh
	StatusDisabled  = "disabled" // no stage configured for the state
	StatusFailed    = "failed"
)

// Stage is one batch step: read its input artifacts, write one output
// artifact atomically.
type Stage interface {
	Name() string
	Inputs() []string
	Output() string
	Run(ctx context.Context, run RunInfo) (StageResult, error)
}

// alwaysRunner is implemented by stages whose inputs are not files, so
// their output can never be judged fresh.
type alwaysRunner interface {
	AlwaysRun() bool
}

// RunInfo identifies the run a stage executes in.
type RunInfo struct {
	ID string
}

// StageResult summarizes one stage execution.
type StageResult struct {
	Stage    string
	Status   string
	Input    int // rows read
	Rows     int // rows written
	Duration time.Duration
	// Counts holds stage-specific tallies such as malformed rows or cache hits.
	Counts map[string]int
	Match  *MatchStats
}

// MatchStats are the headline numbers of a matching run.
type MatchStats struct {
	Properties       int
	Matched          int
	EventsConsidered int
	Matches          int
	DamagePercentage float64
}

// Fresh reports whether output exists and is strictly newer than every
// input. An output with the same modification time as an input is stale.
// A missing input is a *domain.StageIOError naming its path; the caller
// fills in the stage.
func Fresh(output string, inputs []string) (bool, error) {
	var newest time.Time
	for _, in := range inputs {
		inTime, exists, err := artifact.ModTime(in)
		if err != nil {
			return false, fmt.Errorf("stat %s: %w", in, err)
		}
		if !exists {
			return false, &domain.StageIOError{Path: in, Err: fs.ErrNotExist}
		}
		if inTime.After(newest) {
			newest = inTime
		}
	}

	outTime, ok, err := artifact.ModTime(output)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", output, err)
	}
	if !ok {
		return false, nil
	}
	return len(inputs) == 0 || outTime.After(newest), nil
}
