package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"

	"github.com/couchcryptid/hail-property-matcher/internal/adapter/csvtable"
	"github.com/couchcryptid/hail-property-matcher/internal/artifact"
	"github.com/couchcryptid/hail-property-matcher/internal/domain"
	"github.com/couchcryptid/hail-property-matcher/internal/observability"
)

// StageCollect and friends are the stage names used in logs, metrics, and
// the run report.
const (
	StageCollect = "collect"
	StageGeocode = "geocode"
	StageMatch   = "match"
)

// maxLoggedMalformed caps per-row warnings; the rest are only counted.
const maxLoggedMalformed = 20

// EventSource yields raw storm event records.
type EventSource interface {
	FetchRecords(ctx context.Context) ([]domain.RawRecord, error)
	Describe() string
}

// CollectStage normalizes raw records into the canonical event table.
type CollectStage struct {
	source  EventSource
	inputs  []string
	output  string
	columns domain.EventColumns
	filter  domain.Filter
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewCollectStage creates the collection stage. inputs lists the files the
// source reads, for freshness checks; a remote source passes none, and its
// output is then fresh whenever it exists.
func NewCollectStage(source EventSource, inputs []string, output string, columns domain.EventColumns, filter domain.Filter, logger *slog.Logger, metrics *observability.Metrics) *CollectStage {
	return &CollectStage{
		source:  source,
		inputs:  inputs,
		output:  output,
		columns: columns,
		filter:  filter,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *CollectStage) Name() string     { return StageCollect }
func (s *CollectStage) Inputs() []string { return s.inputs }
func (s *CollectStage) Output() string   { return s.output }

// Run fetches, normalizes, and commits events.csv.
func (s *CollectStage) Run(ctx context.Context, _ RunInfo) (StageResult, error) {
	records, err := s.source.FetchRecords(ctx)
	if err != nil {
		return StageResult{}, stageError(StageCollect, s.source.Describe(), err)
	}

	res := domain.Normalize(records, s.columns, s.filter)
	for i, m := range res.Malformed {
		if i == maxLoggedMalformed {
			s.logger.Warn("further malformed rows not logged", "stage", StageCollect, "remaining", len(res.Malformed)-i)
			break
		}
		s.logger.Warn("skipping malformed row", "stage", StageCollect, "row", m.Row, "field", m.Field, "reason", m.Reason)
	}
	s.metrics.MalformedRows.Add(float64(len(res.Malformed)))

	err = artifact.WriteAtomic(s.output, func(w io.Writer) error {
		return csvtable.WriteEvents(w, res.Events)
	})
	if err != nil {
		return StageResult{}, &domain.StageIOError{Stage: StageCollect, Path: s.output, Err: err}
	}

	counts := map[string]int{
		"malformed":  len(res.Malformed),
		"duplicates": res.Duplicates,
	}
	reasons := make([]string, 0, len(res.Dropped))
	for reason, n := range res.Dropped {
		counts["dropped_"+reason] = n
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		s.logger.Info("rows filtered", "stage", StageCollect, "reason", reason, "rows", res.Dropped[reason])
	}

	return StageResult{
		Input:  res.Input,
		Rows:   len(res.Events),
		Counts: counts,
	}, nil
}

// stageError classifies a stage failure. Errors that already carry a kind
// pass through; anything else is an artifact problem at path.
func stageError(stage, path string, err error) error {
	var (
		cfgErr   *domain.ConfigurationError
		external *domain.ExternalServiceError
		ioErr    *domain.StageIOError
	)
	switch {
	case errors.As(err, &cfgErr), errors.As(err, &external), errors.As(err, &ioErr):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return &domain.StageIOError{Stage: stage, Path: path, Err: err}
}
