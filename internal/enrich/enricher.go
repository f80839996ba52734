// Package enrich fills in event places by reverse geocoding, pacing calls
// to the external provider and caching answers across runs.
package enrich

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/hail-property-matcher/internal/domain"
	"github.com/couchcryptid/hail-property-matcher/internal/observability"
	"github.com/couchcryptid/hail-property-matcher/internal/retry"
)

// Cache maps a quantized coordinate key to a place. An empty place is a
// valid cached answer meaning the provider had nothing for that point.
type Cache interface {
	Get(key string) (string, bool)
	Put(key, place string)
}

// Options tunes pacing and retries.
type Options struct {
	// RateLimit is the minimum gap between the end of one external call and
	// the start of the next.
	RateLimit   time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Precision is the number of decimal places in cache keys.
	Precision int
}

// DefaultOptions follows the public Nominatim usage policy of one request
// per second, with 3 attempts backing off 1s, 2s.
func DefaultOptions() Options {
	return Options{
		RateLimit:   time.Second,
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
		Precision:   4,
	}
}

// Stats summarizes one Enrich call.
type Stats struct {
	Events    int
	CacheHits int
	Lookups   int // distinct keys sent to the provider
	Requests  int // external calls including retries
	Failures  int // lookups that exhausted their retries
	Places    int // events that ended with a non-empty place
}

// Enricher resolves event coordinates to places. It is not safe for
// concurrent use: pacing assumes a single caller.
type Enricher struct {
	geocoder domain.Geocoder
	cache    Cache
	clock    clockwork.Clock
	opts     Options
	logger   *slog.Logger
	metrics  *observability.Metrics

	lastCall time.Time
}

// New creates an Enricher. A nil clock uses the real clock.
func New(geocoder domain.Geocoder, cache Cache, opts Options, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Enricher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Precision <= 0 {
		opts.Precision = 4
	}
	return &Enricher{
		geocoder: geocoder,
		cache:    cache,
		clock:    clock,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
	}
}

// Enrich returns a copy of events with Place filled where a lookup
// succeeded. A lookup that fails every attempt leaves Place empty and does
// not stop the run; only context cancellation returns an error.
func (e *Enricher) Enrich(ctx context.Context, events []domain.StormEvent) ([]domain.StormEvent, Stats, error) {
	out := make([]domain.StormEvent, len(events))
	copy(out, events)

	stats := Stats{Events: len(events)}
	// failed holds keys that exhausted retries this run so repeats of the
	// same point do not hit the provider again.
	failed := make(map[string]struct{})

	for i := range out {
		ev := &out[i]
		key := domain.QuantizeKey(ev.Lat, ev.Lon, e.opts.Precision)

		if place, ok := e.cache.Get(key); ok {
			stats.CacheHits++
			e.metrics.GeocodeCache.WithLabelValues("hit").Inc()
			ev.Place = place
			if place != "" {
				stats.Places++
			}
			continue
		}
		e.metrics.GeocodeCache.WithLabelValues("miss").Inc()

		if _, ok := failed[key]; ok {
			continue
		}

		stats.Lookups++
		place, attempts, err := e.lookup(ctx, ev.Lat, ev.Lon)
		stats.Requests += attempts
		if err != nil {
			if ctx.Err() != nil {
				return nil, stats, ctx.Err()
			}
			stats.Failures++
			failed[key] = struct{}{}
			e.metrics.GeocodeFailures.Inc()
			e.logger.Warn("reverse geocoding failed, continuing without place",
				"event_id", ev.ID,
				"lat", ev.Lat,
				"lon", ev.Lon,
				"error", &domain.ExternalServiceError{Service: "geocoder", Op: "reverse geocode", Attempts: attempts, Err: err},
			)
			continue
		}

		e.cache.Put(key, place)
		ev.Place = place
		if place != "" {
			stats.Places++
		}
	}

	return out, stats, nil
}

// lookup calls the provider up to MaxAttempts times, honoring the rate
// limit before every call and backing off exponentially between failures.
func (e *Enricher) lookup(ctx context.Context, lat, lon float64) (string, int, error) {
	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		if err := e.pace(ctx); err != nil {
			return "", attempt - 1, err
		}

		result, err := e.geocoder.ReverseGeocode(ctx, lat, lon)
		e.lastCall = e.clock.Now()
		if err == nil {
			return result.Place, attempt, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", attempt, ctx.Err()
		}

		e.logger.Debug("reverse geocode attempt failed",
			"attempt", attempt,
			"max_attempts", e.opts.MaxAttempts,
			"error", err,
		)
		if attempt < e.opts.MaxAttempts {
			if err := retry.Sleep(ctx, e.clock, retry.Delay(attempt, e.opts.BaseBackoff, e.opts.MaxBackoff)); err != nil {
				return "", attempt, err
			}
		}
	}
	return "", e.opts.MaxAttempts, lastErr
}

// pace blocks until RateLimit has elapsed since the previous external call.
func (e *Enricher) pace(ctx context.Context) error {
	if e.lastCall.IsZero() || e.opts.RateLimit <= 0 {
		return nil
	}
	wait := e.opts.RateLimit - e.clock.Since(e.lastCall)
	return retry.Sleep(ctx, e.clock, wait)
}
