// Package pipeline sequences the collection, geocoding, and matching stages
// of a batch run. Each stage reads complete artifacts and commits one new
// artifact, so a run can resume from any stage whose inputs exist.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/hail-property-matcher/internal/artifact"
	"github.com/couchcryptid/hail-property-matcher/internal/domain"
	"github.com/couchcryptid/hail-property-matcher/internal/observability"
)

// State is the pipeline's position in a run.
type State string

// Run states, in order. Failed is reachable from any non-terminal state.
const (
	StatePending    State = "pending"
	StateCollecting State = "collecting"
	StateGeocoding  State = "geocoding"
	StateMatching   State = "matching"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
)

// stageStates are the states that execute a stage.
var stageStates = []State{StateCollecting, StateGeocoding, StateMatching}

var allStates = []State{StatePending, StateCollecting, StateGeocoding, StateMatching, StateComplete, StateFailed}

// Range limits a run to the stage states From..To inclusive.
type Range struct {
	From State
	To   State
}

// Common ranges.
var (
	FullRange       = Range{From: StateCollecting, To: StateMatching}
	CollectOnly     = Range{From: StateCollecting, To: StateCollecting}
	MatchOnly       = Range{From: StateMatching, To: StateMatching}
	GeocodeAndMatch = Range{From: StateGeocoding, To: StateMatching}
)

// ParseState accepts a stage state or its stage name, so "match" and
// "matching" are the same.
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case StageCollect, string(StateCollecting):
		return StateCollecting, nil
	case StageGeocode, string(StateGeocoding):
		return StateGeocoding, nil
	case StageMatch, string(StateMatching):
		return StateMatching, nil
	}
	return "", &domain.ConfigurationError{Option: "stage", Reason: fmt.Sprintf("unknown stage %q", s)}
}

func stateIndex(s State) int {
	for i, st := range stageStates {
		if st == s {
			return i
		}
	}
	return -1
}

// Validate returns a *domain.ConfigurationError for an empty or inverted range.
func (r Range) Validate() error {
	from, to := stateIndex(r.From), stateIndex(r.To)
	switch {
	case from < 0:
		return &domain.ConfigurationError{Option: "from", Reason: fmt.Sprintf("%q is not a stage", r.From)}
	case to < 0:
		return &domain.ConfigurationError{Option: "to", Reason: fmt.Sprintf("%q is not a stage", r.To)}
	case from > to:
		return &domain.ConfigurationError{Option: "from", Reason: fmt.Sprintf("%s comes after %s", r.From, r.To)}
	}
	return nil
}

func (r Range) contains(s State) bool {
	i := stateIndex(s)
	return i >= stateIndex(r.From) && i <= stateIndex(r.To)
}

// RunOptions controls a single run.
type RunOptions struct {
	// Force runs every stage in range even when its output is fresh.
	Force bool
	Range Range
}

// RunSummary reports the outcome of a run.
type RunSummary struct {
	RunID       string
	State       State
	Started     time.Time
	Finished    time.Time
	FailedStage string
	ErrorKind   string
	Error       string
	Stages      []StageResult
}

// LastCompleted returns the most recent stage that completed, if any.
func (s RunSummary) LastCompleted() (StageResult, bool) {
	for i := len(s.Stages) - 1; i >= 0; i-- {
		if s.Stages[i].Status == StatusCompleted {
			return s.Stages[i], true
		}
	}
	return StageResult{}, false
}

// Runner executes stages in state order.
type Runner struct {
	stages  map[State]Stage
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   clockwork.Clock

	state   atomic.Value // State
	ready   atomic.Bool
	lastRun atomic.Pointer[RunSummary]
}

// New creates a Runner. A state without a stage is reported as disabled
// when a run passes through it. A nil clock uses the real clock.
func New(stages map[State]Stage, logger *slog.Logger, metrics *observability.Metrics, clock clockwork.Clock) *Runner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	r := &Runner{
		stages:  stages,
		logger:  logger,
		metrics: metrics,
		clock:   clock,
	}
	r.setState(StatePending)
	return r
}

// State returns the current state.
func (r *Runner) State() State {
	return r.state.Load().(State)
}

func (r *Runner) setState(s State) {
	r.state.Store(s)
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		r.metrics.RunState.WithLabelValues(string(st)).Set(v)
	}
}

// CheckReadiness returns nil once a run has completed successfully.
func (r *Runner) CheckReadiness(_ context.Context) error {
	if !r.ready.Load() {
		return fmt.Errorf("no completed run yet (state %s)", r.State())
	}
	return nil
}

// LastRun returns the summary of the most recent finished run.
func (r *Runner) LastRun() (RunSummary, bool) {
	s := r.lastRun.Load()
	if s == nil {
		return RunSummary{}, false
	}
	return *s, true
}

// Run executes the stages in opts.Range. It stops at the first failure,
// leaving artifacts from earlier stages in place. The returned error is the
// stage error; the summary is filled in either way.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (RunSummary, error) {
	if opts.Range == (Range{}) {
		opts.Range = FullRange
	}
	summary := RunSummary{
		RunID:   uuid.NewString(),
		State:   StatePending,
		Started: r.clock.Now(),
	}
	if err := opts.Range.Validate(); err != nil {
		return r.fail(summary, "", err), err
	}

	r.ready.Store(false)
	r.logger.Info("run started",
		"run_id", summary.RunID,
		"from", opts.Range.From,
		"to", opts.Range.To,
		"force", opts.Force,
	)

	for _, st := range stageStates {
		if !opts.Range.contains(st) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return r.fail(summary, string(st), err), err
		}

		// A state with no stage is passed over without being entered, so
		// the run moves straight on to the next configured stage.
		stage, ok := r.stages[st]
		if !ok || stage == nil {
			r.logger.Info("stage disabled", "stage", st)
			r.metrics.StageRuns.WithLabelValues(string(st), StatusDisabled).Inc()
			summary.Stages = append(summary.Stages, StageResult{Stage: string(st), Status: StatusDisabled})
			continue
		}

		r.setState(st)
		summary.State = st

		res, err := r.runStage(ctx, stage, opts.Force, RunInfo{ID: summary.RunID})
		summary.Stages = append(summary.Stages, res)
		if err != nil {
			return r.fail(summary, stage.Name(), err), err
		}
	}

	r.setState(StateComplete)
	summary.State = StateComplete
	summary.Finished = r.clock.Now()
	r.ready.Store(true)
	r.lastRun.Store(&summary)
	r.logger.Info("run complete", "run_id", summary.RunID, "duration", summary.Finished.Sub(summary.Started))
	return summary, nil
}

func (r *Runner) runStage(ctx context.Context, stage Stage, force bool, run RunInfo) (StageResult, error) {
	name := stage.Name()

	if !force && !alwaysRuns(stage) {
		fresh, err := Fresh(stage.Output(), stage.Inputs())
		if err != nil {
			r.metrics.StageRuns.WithLabelValues(name, StatusFailed).Inc()
			var ioErr *domain.StageIOError
			if errors.As(err, &ioErr) {
				ioErr.Stage = name
				return StageResult{Stage: name, Status: StatusFailed}, ioErr
			}
			return StageResult{Stage: name, Status: StatusFailed}, &domain.StageIOError{Stage: name, Path: stage.Output(), Err: err}
		}
		if fresh {
			r.logger.Info("stage output fresh, skipping", "stage", name, "output", stage.Output())
			r.metrics.StageRuns.WithLabelValues(name, StatusSkipped).Inc()
			return StageResult{Stage: name, Status: StatusSkipped}, nil
		}
	}

	r.logger.Info("stage started", "stage", name, "output", stage.Output())
	start := r.clock.Now()
	res, err := stage.Run(ctx, run)
	res.Stage = name
	res.Duration = r.clock.Since(start)
	if err != nil {
		res.Status = StatusFailed
		r.metrics.StageRuns.WithLabelValues(name, StatusFailed).Inc()
		return res, err
	}

	if err := artifact.StampAfter(stage.Output(), stage.Inputs()); err != nil {
		res.Status = StatusFailed
		r.metrics.StageRuns.WithLabelValues(name, StatusFailed).Inc()
		return res, &domain.StageIOError{Stage: name, Path: stage.Output(), Err: err}
	}

	res.Status = StatusCompleted
	r.metrics.StageRuns.WithLabelValues(name, StatusCompleted).Inc()
	r.metrics.StageRows.WithLabelValues(name).Set(float64(res.Rows))
	r.metrics.StageDuration.WithLabelValues(name).Observe(res.Duration.Seconds())
	r.logger.Info("stage completed",
		"stage", name,
		"input", res.Input,
		"rows", res.Rows,
		"duration", res.Duration,
	)
	return res, nil
}

func (r *Runner) fail(summary RunSummary, stage string, err error) RunSummary {
	r.setState(StateFailed)
	summary.State = StateFailed
	summary.FailedStage = stage
	summary.ErrorKind = domain.ErrorKind(err)
	summary.Error = err.Error()
	summary.Finished = r.clock.Now()
	r.lastRun.Store(&summary)

	attrs := []any{
		"run_id", summary.RunID,
		"stage", stage,
		"kind", summary.ErrorKind,
		"error", err,
	}
	if last, ok := summary.LastCompleted(); ok {
		attrs = append(attrs, "last_completed", last.Stage, "last_rows", last.Rows)
	}
	if errors.Is(err, context.Canceled) {
		r.logger.Warn("run canceled", attrs...)
	} else {
		r.logger.Error("run failed", attrs...)
	}
	return summary
}

func alwaysRuns(s Stage) bool {
	a, ok := s.(alwaysRunner)
	return ok && a.AlwaysRun()
}
