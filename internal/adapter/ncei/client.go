// Package ncei downloads NOAA NCEI Storm Events "details" bulk files.
//
// The bulk directory holds one gzipped CSV per year, named
// StormEvents_details-ftp_v1.0_dYYYY_cYYYYMMDD.csv.gz where the c-date is
// the publication date. NCEI republishes a year's file when records are
// revised, so a listing can hold several files for one year; the newest
// c-date wins.
package ncei

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/hail-property-matcher/internal/adapter/csvtable"
	"github.com/couchcryptid/hail-property-matcher/internal/domain"
	"github.com/couchcryptid/hail-property-matcher/internal/retry"
)

// DefaultBaseURL is the public bulk CSV directory.
const DefaultBaseURL = "https://www.ncei.noaa.gov/pub/data/swdi/stormevents/csvfiles/"

const service = "ncei"

var detailsFile = regexp.MustCompile(`StormEvents_details-ftp_v1\.0_d(\d{4})_c(\d{8})\.csv\.gz`)

// Options tunes retries for listing and download requests.
type Options struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultOptions retries 3 times starting at 2s.
func DefaultOptions() Options {
	return Options{
		BaseURL:     DefaultBaseURL,
		Timeout:     5 * time.Minute,
		MaxAttempts: 3,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// Client fetches bulk storm event files.
type Client struct {
	opts       Options
	httpClient *http.Client
	clock      clockwork.Clock
	logger     *slog.Logger
}

// NewClient creates a Client. A nil clock uses the real clock.
func NewClient(opts Options, clock clockwork.Clock, logger *slog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Client{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout},
		clock:      clock,
		logger:     logger,
	}
}

// FetchYears downloads and parses the details file of each year, in order,
// concatenating rows. Row numbers continue across files.
func (c *Client) FetchYears(ctx context.Context, years []int) ([]domain.RawRecord, error) {
	listing, err := c.listing(ctx)
	if err != nil {
		return nil, err
	}

	var all []domain.RawRecord
	for _, year := range years {
		name, ok := latestDetailsFile(listing, year)
		if !ok {
			return nil, &domain.ExternalServiceError{
				Service:  service,
				Op:       "locate details file",
				Attempts: 1,
				Err:      fmt.Errorf("no details file for %d", year),
			}
		}

		c.logger.Info("downloading storm events", "year", year, "file", name)
		recs, err := c.download(ctx, name)
		if err != nil {
			return nil, err
		}
		offset := len(all)
		for i := range recs {
			recs[i].Row += offset
		}
		all = append(all, recs...)
		c.logger.Info("storm events downloaded", "year", year, "rows", len(recs))
	}
	return all, nil
}

// latestDetailsFile returns the details file for year with the newest
// publication date found in the listing.
func latestDetailsFile(listing string, year int) (string, bool) {
	want := strconv.Itoa(year)
	best, bestDate := "", ""
	for _, m := range detailsFile.FindAllStringSubmatch(listing, -1) {
		if m[1] != want {
			continue
		}
		if m[2] > bestDate {
			best, bestDate = m[0], m[2]
		}
	}
	return best, best != ""
}

func (c *Client) listing(ctx context.Context) (string, error) {
	var body string
	err := c.withRetry(ctx, "list directory", func() error {
		resp, err := c.get(ctx, c.opts.BaseURL)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read listing: %w", err)
		}
		body = string(b)
		return nil
	})
	return body, err
}

func (c *Client) download(ctx context.Context, name string) ([]domain.RawRecord, error) {
	var recs []domain.RawRecord
	err := c.withRetry(ctx, "download "+name, func() error {
		resp, err := c.get(ctx, c.opts.BaseURL+name)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("open gzip: %w", err)
		}
		defer gz.Close()

		recs, err = csvtable.ReadRecords(gz, ',')
		if err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
		return nil
	})
	return recs, err
}

// statusError is a non-200 response. 4xx other than 429 is not retried.
type statusError struct {
	code int
}

func (e *statusError) Error() string { return "unexpected status " + strconv.Itoa(e.code) }

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &statusError{code: resp.StatusCode}
	}
	return resp, nil
}

func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	attempt := 1
	for ; attempt <= c.opts.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var se *statusError
		if errors.As(lastErr, &se) && !se.retryable() {
			break
		}

		c.logger.Warn("ncei request failed",
			"op", op,
			"attempt", attempt,
			"max_attempts", c.opts.MaxAttempts,
			"error", lastErr,
		)
		if attempt < c.opts.MaxAttempts {
			if err := retry.Sleep(ctx, c.clock, retry.Delay(attempt, c.opts.BaseBackoff, c.opts.MaxBackoff)); err != nil {
				return err
			}
		}
	}
	if attempt > c.opts.MaxAttempts {
		attempt = c.opts.MaxAttempts
	}
	return &domain.ExternalServiceError{Service: service, Op: op, Attempts: attempt, Err: lastErr}
}

// YearSource fetches a fixed set of years on demand.
type YearSource struct {
	Client *Client
	Years  []int
}

// FetchRecords downloads the configured years.
func (s YearSource) FetchRecords(ctx context.Context) ([]domain.RawRecord, error) {
	return s.Client.FetchYears(ctx, s.Years)
}

// Describe names the source for logs.
func (s YearSource) Describe() string { return s.Client.opts.BaseURL }
