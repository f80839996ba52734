// Command hailmatch runs the hail damage pipeline: collect storm events,
// reverse geocode them, and match them to properties by hail-size-scaled
// proximity.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/hail-property-matcher/internal/adapter/csvtable"
	"github.com/couchcryptid/hail-property-matcher/internal/adapter/httpadapter"
	kafkaadapter "github.com/couchcryptid/hail-property-matcher/internal/adapter/kafka"
	"github.com/couchcryptid/hail-property-matcher/internal/adapter/mapbox"
	"github.com/couchcryptid/hail-property-matcher/internal/adapter/ncei"
	"github.com/couchcryptid/hail-property-matcher/internal/adapter/nominatim"
	"github.com/couchcryptid/hail-property-matcher/internal/adapter/postgres"
	"github.com/couchcryptid/hail-property-matcher/internal/config"
	"github.com/couchcryptid/hail-property-matcher/internal/domain"
	"github.com/couchcryptid/hail-property-matcher/internal/enrich"
	"github.com/couchcryptid/hail-property-matcher/internal/observability"
	"github.com/couchcryptid/hail-property-matcher/internal/pipeline"
	"github.com/couchcryptid/hail-property-matcher/internal/report"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

type flags struct {
	force       bool
	from, to    string
	collectOnly bool
	matchOnly   bool
	skipGeocode bool
	serve       bool
}

func parseFlags() flags {
	var f flags
	flag.BoolVar(&f.force, "force", false, "rerun stages even when their output is fresh")
	flag.StringVar(&f.from, "from", "", "first stage to run (collect, geocode, match)")
	flag.StringVar(&f.to, "to", "", "last stage to run (collect, geocode, match)")
	flag.BoolVar(&f.collectOnly, "collect-only", false, "run only the collection stage")
	flag.BoolVar(&f.matchOnly, "match-only", false, "run only the matching stage on existing artifacts")
	flag.BoolVar(&f.skipGeocode, "skip-geocode", false, "match the collected events without reverse geocoding")
	flag.BoolVar(&f.serve, "serve", false, "keep the ops server running after the run until signaled (requires HTTP_ADDR)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags]\n\nSettings come from PIPELINE_CONFIG and environment variables.\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	return f
}

func (f flags) rangeOf() (pipeline.Range, error) {
	switch {
	case f.collectOnly && f.matchOnly:
		return pipeline.Range{}, &domain.ConfigurationError{Option: "-collect-only", Reason: "cannot be combined with -match-only"}
	case f.collectOnly:
		return pipeline.CollectOnly, nil
	case f.matchOnly:
		return pipeline.MatchOnly, nil
	}

	r := pipeline.FullRange
	if f.from != "" {
		s, err := pipeline.ParseState(f.from)
		if err != nil {
			return pipeline.Range{}, err
		}
		r.From = s
	}
	if f.to != "" {
		s, err := pipeline.ParseState(f.to)
		if err != nil {
			return pipeline.Range{}, err
		}
		r.To = s
	}
	return r, r.Validate()
}

func main() {
	os.Exit(run())
}

func run() int {
	f := parseFlags()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return exitConfig
	}
	rng, err := f.rangeOf()
	if err != nil {
		slog.Error("invalid flags", "error", err)
		return exitConfig
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stages := map[pipeline.State]pipeline.Stage{
		pipeline.StateCollecting: newCollectStage(cfg, logger, metrics),
	}
	// With geocoding off the run goes from collecting straight to matching,
	// which reads the collected events.
	eventsPath := cfg.EventsPath
	if geocoder := newGeocoder(cfg, f.skipGeocode, logger, metrics); geocoder != nil {
		stages[pipeline.StateGeocoding] = pipeline.NewGeocodeStage(
			geocoder,
			cfg.EventsPath, cfg.GeocodedPath, cfg.GeocodeCachePath,
			enrich.Options{
				RateLimit:   cfg.GeocodeRateLimit,
				MaxAttempts: cfg.GeocodeMaxAttempts,
				BaseBackoff: cfg.GeocodeBaseBackoff,
				MaxBackoff:  cfg.GeocodeMaxBackoff,
				Precision:   cfg.CachePrecision,
			},
			nil, logger, metrics,
		)
		eventsPath = cfg.GeocodedPath
	}

	matchOpts := pipeline.MatchStageOptions{
		EventsPath: eventsPath,
		OutputPath: cfg.MatchedPath,
		Delimiter:  cfg.Delimiter,
		Matcher: domain.Matcher{
			Policy:           cfg.Radius,
			UseIndex:         cfg.UseIndex,
			CellDegrees:      cfg.CellDegrees,
			IncludeUnmatched: cfg.IncludeUnmatched,
		},
	}
	if cfg.PropertyDSN != "" {
		src, err := postgres.Open(ctx, cfg.PropertyDSN, cfg.PropertyQuery, cfg.PropertyColumns)
		if err != nil {
			logger.Error("failed to open property database", "error", err)
			return exitFailed
		}
		defer src.Close()
		matchOpts.Properties = src
		logger.Info("loading properties from postgres")
	} else {
		matchOpts.Properties = csvtable.PropertyFile{Path: cfg.PropertiesPath, Delim: cfg.Delimiter, Columns: cfg.PropertyColumns}
		matchOpts.PropertyFiles = []string{cfg.PropertiesPath}
	}
	if cfg.PublishEnabled() {
		pub := kafkaadapter.NewPublisher(cfg, logger, metrics)
		defer func() {
			if err := pub.Close(); err != nil {
				logger.Error("kafka writer close error", "error", err)
			}
		}()
		matchOpts.Publisher = pub
		logger.Info("publishing matches", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	}

	stages[pipeline.StateMatching] = pipeline.NewMatchStage(matchOpts, logger, metrics)
	runner := pipeline.New(stages, logger, metrics, nil)

	var srv *httpadapter.Server
	if cfg.HTTPAddr != "" {
		srv = httpadapter.NewServer(cfg.HTTPAddr, runner, logger)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
	}

	summary, runErr := runner.Run(ctx, pipeline.RunOptions{Force: f.force, Range: rng})
	if err := report.Render(os.Stdout, summary); err != nil {
		logger.Error("failed to write report", "error", err)
	}

	if srv != nil {
		if f.serve && ctx.Err() == nil {
			logger.Info("run finished, serving until signaled", "addr", cfg.HTTPAddr)
			<-ctx.Done()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
	}

	if runErr != nil {
		if domain.ErrorKind(runErr) == domain.KindConfiguration {
			return exitConfig
		}
		return exitFailed
	}
	return exitOK
}

func newCollectStage(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) *pipeline.CollectStage {
	var (
		source pipeline.EventSource
		inputs []string
	)
	if cfg.RawEventsPath != "" {
		source = csvtable.RecordFile{Path: cfg.RawEventsPath, Delim: cfg.Delimiter}
		inputs = []string{cfg.RawEventsPath}
	} else {
		opts := ncei.DefaultOptions()
		opts.BaseURL = cfg.NCEIBaseURL
		source = ncei.YearSource{Client: ncei.NewClient(opts, nil, logger), Years: cfg.Filter.Years}
	}
	return pipeline.NewCollectStage(source, inputs, cfg.EventsPath, cfg.EventColumns, cfg.Filter, logger, metrics)
}

// newGeocoder returns nil when geocoding is off, which leaves the geocoding
// state without a stage.
func newGeocoder(cfg *config.Config, skip bool, logger *slog.Logger, metrics *observability.Metrics) domain.Geocoder {
	if skip || !cfg.GeocodeEnabled {
		logger.Info("reverse geocoding disabled")
		return nil
	}
	switch cfg.GeocodeProvider {
	case config.ProviderMapbox:
		logger.Info("reverse geocoding with mapbox", "timeout", cfg.GeocodeTimeout)
		return mapbox.NewClient(cfg.MapboxToken, cfg.GeocodeTimeout, logger, metrics)
	default:
		logger.Info("reverse geocoding with nominatim", "url", cfg.NominatimURL, "rate_limit", cfg.GeocodeRateLimit)
		return nominatim.NewClient(cfg.NominatimURL, cfg.GeocodeUserAgent, cfg.GeocodeTimeout, logger, metrics)
	}
}
