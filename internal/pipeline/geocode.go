package pipeline

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/hail-property-matcher/internal/adapter/csvtable"
	"github.com/couchcryptid/hail-property-matcher/internal/artifact"
	"github.com/couchcryptid/hail-property-matcher/internal/domain"
	"github.com/couchcryptid/hail-property-matcher/internal/enrich"
	"github.com/couchcryptid/hail-property-matcher/internal/observability"
)

// GeocodeStage fills event places and commits events_geocoded.csv.
type GeocodeStage struct {
	geocoder  domain.Geocoder
	input     string
	output    string
	cachePath string
	opts      enrich.Options
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewGeocodeStage creates the geocoding stage. When geocoding is off the
// stage is left out of the runner entirely and matching reads the collected
// events, so events_geocoded.csv only ever holds enriched output.
func NewGeocodeStage(geocoder domain.Geocoder, input, output, cachePath string, opts enrich.Options, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *GeocodeStage {
	return &GeocodeStage{
		geocoder:  geocoder,
		input:     input,
		output:    output,
		cachePath: cachePath,
		opts:      opts,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
	}
}

func (s *GeocodeStage) Name() string     { return StageGeocode }
func (s *GeocodeStage) Inputs() []string { return []string{s.input} }
func (s *GeocodeStage) Output() string   { return s.output }

// Run reads events, resolves places, and commits the geocoded table. The
// cache is saved even when the run is canceled part way, so completed
// lookups are not repeated.
func (s *GeocodeStage) Run(ctx context.Context, _ RunInfo) (StageResult, error) {
	events, err := readEventsFile(StageGeocode, s.input)
	if err != nil {
		return StageResult{}, err
	}

	cache, err := enrich.OpenFileCache(s.cachePath, s.opts.Precision)
	if err != nil {
		return StageResult{}, &domain.StageIOError{Stage: StageGeocode, Path: s.cachePath, Err: err}
	}

	out, stats, err := enrich.New(s.geocoder, cache, s.opts, s.clock, s.logger, s.metrics).Enrich(ctx, events)
	if saveErr := cache.Save(); saveErr != nil {
		s.logger.Error("failed to save geocode cache", "stage", StageGeocode, "path", s.cachePath, "error", saveErr)
		if err == nil {
			err = &domain.StageIOError{Stage: StageGeocode, Path: s.cachePath, Err: saveErr}
		}
	}
	if err != nil {
		return StageResult{}, err
	}
	s.logger.Info("geocoding finished",
		"stage", StageGeocode,
		"cache_hits", stats.CacheHits,
		"lookups", stats.Lookups,
		"failures", stats.Failures,
		"cache_size", cache.Len(),
	)

	err = artifact.WriteAtomic(s.output, func(w io.Writer) error {
		return csvtable.WriteEvents(w, out)
	})
	if err != nil {
		return StageResult{}, &domain.StageIOError{Stage: StageGeocode, Path: s.output, Err: err}
	}
	return StageResult{
		Input: len(events),
		Rows:  len(out),
		Counts: map[string]int{
			"cache_hits": stats.CacheHits,
			"lookups":    stats.Lookups,
			"requests":   stats.Requests,
			"failures":   stats.Failures,
			"places":     stats.Places,
		},
	}, nil
}

// readEventsFile loads an event artifact written by an earlier stage.
func readEventsFile(stage, path string) ([]domain.StormEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &domain.StageIOError{Stage: stage, Path: path, Err: err}
	}
	defer f.Close()

	events, err := csvtable.ReadEvents(f)
	if err != nil {
		return nil, &domain.StageIOError{Stage: stage, Path: path, Err: err}
	}
	return events, nil
}
