package pipeline

import (
	"context"
	"io"
	"log/slog"

	"github.com/couchcryptid/hail-property-matcher/internal/adapter/csvtable"
	"github.com/couchcryptid/hail-property-matcher/internal/artifact"
	"github.com/couchcryptid/hail-property-matcher/internal/domain"
	"github.com/couchcryptid/hail-property-matcher/internal/observability"
)

// PropertySource loads the candidate property list.
type PropertySource interface {
	LoadProperties(ctx context.Context) (domain.PropertyTable, error)
	Describe() string
}

// Publisher delivers matched properties downstream.
type Publisher interface {
	Publish(ctx context.Context, runID string, res domain.MatchResult) error
}

// MatchStage joins geocoded events to properties and commits the matched
// properties table.
type MatchStage struct {
	events     string
	properties PropertySource
	// propertyFiles are the files behind properties; none means the source
	// is not a file and the stage always runs.
	propertyFiles []string
	output        string
	delim         rune
	matcher       domain.Matcher
	publisher     Publisher
	logger        *slog.Logger
	metrics       *observability.Metrics
}

// MatchStageOptions configures NewMatchStage.
type MatchStageOptions struct {
	EventsPath    string
	Properties    PropertySource
	PropertyFiles []string
	OutputPath    string
	Delimiter     rune
	Matcher       domain.Matcher
	// Publisher is optional.
	Publisher Publisher
}

// NewMatchStage creates the matching stage.
func NewMatchStage(opts MatchStageOptions, logger *slog.Logger, metrics *observability.Metrics) *MatchStage {
	delim := opts.Delimiter
	if delim == 0 {
		delim = csvtable.DefaultDelimiter
	}
	return &MatchStage{
		events:        opts.EventsPath,
		properties:    opts.Properties,
		propertyFiles: opts.PropertyFiles,
		output:        opts.OutputPath,
		delim:         delim,
		matcher:       opts.Matcher,
		publisher:     opts.Publisher,
		logger:        logger,
		metrics:       metrics,
	}
}

func (s *MatchStage) Name() string   { return StageMatch }
func (s *MatchStage) Output() string { return s.output }

func (s *MatchStage) Inputs() []string {
	return append([]string{s.events}, s.propertyFiles...)
}

// AlwaysRun is true for database-backed property sources, whose changes
// leave no file timestamp behind.
func (s *MatchStage) AlwaysRun() bool { return len(s.propertyFiles) == 0 }

// Run matches and, when a publisher is set, publishes before committing the
// artifact. A failed publish leaves no fresh output, so the next run
// publishes again.
func (s *MatchStage) Run(ctx context.Context, run RunInfo) (StageResult, error) {
	events, err := readEventsFile(StageMatch, s.events)
	if err != nil {
		return StageResult{}, err
	}

	table, err := s.properties.LoadProperties(ctx)
	if err != nil {
		return StageResult{}, stageError(StageMatch, s.properties.Describe(), err)
	}
	for i, m := range table.Malformed {
		if i == maxLoggedMalformed {
			s.logger.Warn("further malformed properties not logged", "stage", StageMatch, "remaining", len(table.Malformed)-i)
			break
		}
		s.logger.Warn("skipping malformed property", "stage", StageMatch, "row", m.Row, "field", m.Field, "reason", m.Reason)
	}
	s.metrics.MalformedRows.Add(float64(len(table.Malformed)))

	if err := ctx.Err(); err != nil {
		return StageResult{}, err
	}
	res := s.matcher.Match(events, table.Properties)

	stats := &MatchStats{
		Properties:       len(table.Properties),
		EventsConsidered: res.EventsConsidered,
		Matches:          len(res.Matches),
		DamagePercentage: res.DamagePercentage(),
	}
	for _, mp := range res.Matched {
		if mp.MatchedEventCount > 0 {
			stats.Matched++
		}
	}
	s.metrics.MatchesProduced.Add(float64(stats.Matches))
	s.metrics.MatchComparisons.Add(float64(res.Comparisons))
	s.metrics.PropertiesMatched.Set(float64(stats.Matched))

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, run.ID, res); err != nil {
			return StageResult{Match: stats}, stageError(StageMatch, s.output, err)
		}
	}

	err = artifact.WriteAtomic(s.output, func(w io.Writer) error {
		return csvtable.WriteMatched(w, s.delim, table.AttributeNames, res)
	})
	if err != nil {
		return StageResult{}, &domain.StageIOError{Stage: StageMatch, Path: s.output, Err: err}
	}

	s.logger.Info("matching finished",
		"stage", StageMatch,
		"properties", stats.Properties,
		"matched", stats.Matched,
		"events_considered", stats.EventsConsidered,
		"damage_pct", stats.DamagePercentage,
	)
	return StageResult{
		Input: len(events),
		Rows:  len(res.Matched),
		Counts: map[string]int{
			"properties":  len(table.Properties),
			"malformed":   len(table.Malformed),
			"comparisons": res.Comparisons,
		},
		Match: stats,
	}, nil
}
