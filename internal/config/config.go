// Package config assembles pipeline settings from an optional YAML run file
// and environment variables. Environment variables win over the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/hail-property-matcher/internal/adapter/csvtable"
	"github.com/couchcryptid/hail-property-matcher/internal/domain"
)

// Geocoding providers.
const (
	ProviderNominatim = "nominatim"
	ProviderMapbox    = "mapbox"
)

const dateLayout = "2006-01-02"

// Config holds all pipeline settings.
type Config struct {
	// Artifact locations.
	DataDir          string
	RawEventsPath    string // local raw table; empty downloads from NCEI
	EventsPath       string
	GeocodedPath     string
	MatchedPath      string
	GeocodeCachePath string

	// Property source: a delimited file, or PostgreSQL when PropertyDSN is set.
	PropertiesPath  string
	PropertyDSN     string
	PropertyQuery   string
	PropertyColumns csvtable.PropertyColumns

	Delimiter    rune
	EventColumns domain.EventColumns
	Filter       domain.Filter
	Radius       domain.RadiusPolicy

	UseIndex         bool
	CellDegrees      float64
	IncludeUnmatched bool

	// Reverse geocoding.
	GeocodeEnabled     bool
	GeocodeProvider    string
	MapboxToken        string
	NominatimURL       string
	GeocodeUserAgent   string
	GeocodeTimeout     time.Duration
	GeocodeRateLimit   time.Duration
	GeocodeMaxAttempts int
	GeocodeBaseBackoff time.Duration
	GeocodeMaxBackoff  time.Duration
	CachePrecision     int

	NCEIBaseURL string

	// Publishing is enabled when KafkaBrokers is non-empty.
	KafkaBrokers []string
	KafkaTopic   string

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// Defaults returns the settings used when neither file nor environment
// says otherwise.
func Defaults() *Config {
	return &Config{
		DataDir:         "data",
		PropertyColumns: csvtable.DefaultPropertyColumns(),
		Delimiter:       csvtable.DefaultDelimiter,
		EventColumns:    domain.DefaultEventColumns(),
		Filter:          domain.Filter{DedupPrecision: domain.DefaultDedupPrecision},
		Radius:          domain.DefaultRadiusPolicy(),

		UseIndex:    true,
		CellDegrees: domain.DefaultCellDegrees,

		GeocodeEnabled:     true,
		GeocodeProvider:    ProviderNominatim,
		GeocodeUserAgent:   "hailmatch/1.0",
		GeocodeTimeout:     10 * time.Second,
		GeocodeRateLimit:   time.Second,
		GeocodeMaxAttempts: 3,
		GeocodeBaseBackoff: time.Second,
		GeocodeMaxBackoff:  30 * time.Second,
		CachePrecision:     4,

		KafkaTopic: "matched-properties",

		LogLevel:        "info",
		LogFormat:       "json",
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads PIPELINE_CONFIG (if set), then environment variables, derives
// artifact paths, and validates the result.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("PIPELINE_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.derivePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fileConfig is the YAML run file layout. Pointer fields distinguish
// "absent" from a zero value.
type fileConfig struct {
	Years              []int    `yaml:"years"`
	Counties           []string `yaml:"counties"`
	StateFIPS          []int    `yaml:"state_fips"`
	From               string   `yaml:"from"`
	To                 string   `yaml:"to"`
	Delimiter          string   `yaml:"delimiter"`
	MinMagnitudeFilter *float64 `yaml:"normalize_min_magnitude"`
	DedupPrecision     *int     `yaml:"dedup_precision"`

	Radius          *domain.RadiusPolicy      `yaml:"radius"`
	EventColumns    *domain.EventColumns      `yaml:"event_columns"`
	PropertyColumns *csvtable.PropertyColumns `yaml:"property_columns"`

	UseIndex         *bool    `yaml:"use_index"`
	CellDegrees      *float64 `yaml:"cell_degrees"`
	IncludeUnmatched *bool    `yaml:"include_unmatched"`

	Paths struct {
		DataDir      string `yaml:"data_dir"`
		RawEvents    string `yaml:"raw_events"`
		Properties   string `yaml:"properties"`
		Events       string `yaml:"events"`
		Geocoded     string `yaml:"geocoded"`
		Matched      string `yaml:"matched"`
		GeocodeCache string `yaml:"geocode_cache"`
	} `yaml:"paths"`

	Geocode struct {
		Enabled     *bool         `yaml:"enabled"`
		Provider    string        `yaml:"provider"`
		RateLimit   time.Duration `yaml:"rate_limit"`
		MaxAttempts int           `yaml:"max_attempts"`
		BaseBackoff time.Duration `yaml:"base_backoff"`
		MaxBackoff  time.Duration `yaml:"max_backoff"`
		Precision   int           `yaml:"cache_precision"`
	} `yaml:"geocode"`

	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &domain.ConfigurationError{Option: "PIPELINE_CONFIG", Reason: err.Error()}
	}
	var f fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return &domain.ConfigurationError{Option: "PIPELINE_CONFIG", Reason: fmt.Sprintf("%s: %v", path, err)}
	}

	c.Filter.Years = f.Years
	c.Filter.Counties = f.Counties
	c.Filter.StateFIPS = f.StateFIPS
	if f.From != "" {
		if c.Filter.From, err = parseDate("from", f.From); err != nil {
			return err
		}
	}
	if f.To != "" {
		if c.Filter.To, err = parseDate("to", f.To); err != nil {
			return err
		}
	}
	if f.Delimiter != "" {
		if c.Delimiter, err = parseDelimiter("delimiter", f.Delimiter); err != nil {
			return err
		}
	}
	if f.MinMagnitudeFilter != nil {
		c.Filter.MinMagnitude = *f.MinMagnitudeFilter
	}
	if f.DedupPrecision != nil {
		c.Filter.DedupPrecision = *f.DedupPrecision
	}
	if f.Radius != nil {
		c.Radius = *f.Radius
	}
	if f.EventColumns != nil {
		c.EventColumns = *f.EventColumns
	}
	if f.PropertyColumns != nil {
		c.PropertyColumns = *f.PropertyColumns
	}
	setIf(&c.UseIndex, f.UseIndex)
	setIf(&c.CellDegrees, f.CellDegrees)
	setIf(&c.IncludeUnmatched, f.IncludeUnmatched)

	setStr(&c.DataDir, f.Paths.DataDir)
	setStr(&c.RawEventsPath, f.Paths.RawEvents)
	setStr(&c.PropertiesPath, f.Paths.Properties)
	setStr(&c.EventsPath, f.Paths.Events)
	setStr(&c.GeocodedPath, f.Paths.Geocoded)
	setStr(&c.MatchedPath, f.Paths.Matched)
	setStr(&c.GeocodeCachePath, f.Paths.GeocodeCache)

	setIf(&c.GeocodeEnabled, f.Geocode.Enabled)
	setStr(&c.GeocodeProvider, f.Geocode.Provider)
	if f.Geocode.RateLimit > 0 {
		c.GeocodeRateLimit = f.Geocode.RateLimit
	}
	if f.Geocode.MaxAttempts > 0 {
		c.GeocodeMaxAttempts = f.Geocode.MaxAttempts
	}
	if f.Geocode.BaseBackoff > 0 {
		c.GeocodeBaseBackoff = f.Geocode.BaseBackoff
	}
	if f.Geocode.MaxBackoff > 0 {
		c.GeocodeMaxBackoff = f.Geocode.MaxBackoff
	}
	if f.Geocode.Precision > 0 {
		c.CachePrecision = f.Geocode.Precision
	}

	if len(f.Kafka.Brokers) > 0 {
		c.KafkaBrokers = f.Kafka.Brokers
	}
	setStr(&c.KafkaTopic, f.Kafka.Topic)
	return nil
}

func (c *Config) applyEnv() error {
	var err error

	c.DataDir = sharedcfg.EnvOrDefault("DATA_DIR", c.DataDir)
	c.RawEventsPath = sharedcfg.EnvOrDefault("RAW_EVENTS_PATH", c.RawEventsPath)
	c.PropertiesPath = sharedcfg.EnvOrDefault("PROPERTIES_PATH", c.PropertiesPath)
	c.MatchedPath = sharedcfg.EnvOrDefault("OUTPUT_PATH", c.MatchedPath)
	c.GeocodeCachePath = sharedcfg.EnvOrDefault("GEOCODE_CACHE_PATH", c.GeocodeCachePath)
	c.PropertyDSN = sharedcfg.EnvOrDefault("PROPERTY_DSN", c.PropertyDSN)
	c.PropertyQuery = sharedcfg.EnvOrDefault("PROPERTY_QUERY", c.PropertyQuery)

	if v := os.Getenv("DELIMITER"); v != "" {
		if c.Delimiter, err = parseDelimiter("DELIMITER", v); err != nil {
			return err
		}
	}
	if v := os.Getenv("YEARS"); v != "" {
		if c.Filter.Years, err = parseInts("YEARS", v); err != nil {
			return err
		}
	}
	if v := os.Getenv("STATE_FIPS"); v != "" {
		if c.Filter.StateFIPS, err = parseInts("STATE_FIPS", v); err != nil {
			return err
		}
	}
	if v := os.Getenv("COUNTIES"); v != "" {
		c.Filter.Counties = splitList(v)
	}
	if v := os.Getenv("FROM_DATE"); v != "" {
		if c.Filter.From, err = parseDate("FROM_DATE", v); err != nil {
			return err
		}
	}
	if v := os.Getenv("TO_DATE"); v != "" {
		if c.Filter.To, err = parseDate("TO_DATE", v); err != nil {
			return err
		}
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"MIN_MAGNITUDE", &c.Radius.MinMagnitude},
		{"BASE_RADIUS", &c.Radius.BaseRadius},
		{"RADIUS_PER_INCH", &c.Radius.RadiusPerInch},
		{"MAX_RADIUS", &c.Radius.MaxRadius},
		{"CELL_DEGREES", &c.CellDegrees},
	}
	for _, f := range floats {
		if err := envFloat(f.key, f.dst); err != nil {
			return err
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"USE_INDEX", &c.UseIndex},
		{"INCLUDE_UNMATCHED", &c.IncludeUnmatched},
		{"GEOCODE_ENABLED", &c.GeocodeEnabled},
	}
	for _, b := range bools {
		if err := envBool(b.key, b.dst); err != nil {
			return err
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"GEOCODE_TIMEOUT", &c.GeocodeTimeout},
		{"GEOCODE_RATE_LIMIT", &c.GeocodeRateLimit},
		{"GEOCODE_BASE_BACKOFF", &c.GeocodeBaseBackoff},
		{"GEOCODE_MAX_BACKOFF", &c.GeocodeMaxBackoff},
	}
	for _, d := range durations {
		if err := envDuration(d.key, d.dst); err != nil {
			return err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"GEOCODE_MAX_ATTEMPTS", &c.GeocodeMaxAttempts},
		{"GEOCODE_CACHE_PRECISION", &c.CachePrecision},
		{"DEDUP_PRECISION", &c.Filter.DedupPrecision},
	}
	for _, i := range ints {
		if err := envInt(i.key, i.dst); err != nil {
			return err
		}
	}

	c.GeocodeProvider = strings.ToLower(sharedcfg.EnvOrDefault("GEOCODE_PROVIDER", c.GeocodeProvider))
	c.MapboxToken = sharedcfg.EnvOrDefault("MAPBOX_TOKEN", c.MapboxToken)
	c.NominatimURL = sharedcfg.EnvOrDefault("NOMINATIM_URL", c.NominatimURL)
	c.GeocodeUserAgent = sharedcfg.EnvOrDefault("GEOCODE_USER_AGENT", c.GeocodeUserAgent)
	c.NCEIBaseURL = sharedcfg.EnvOrDefault("NCEI_BASE_URL", c.NCEIBaseURL)

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.KafkaBrokers = sharedcfg.ParseBrokers(v)
	}
	c.KafkaTopic = sharedcfg.EnvOrDefault("KAFKA_TOPIC", c.KafkaTopic)

	c.HTTPAddr = sharedcfg.EnvOrDefault("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = sharedcfg.EnvOrDefault("LOG_LEVEL", c.LogLevel)
	c.LogFormat = sharedcfg.EnvOrDefault("LOG_FORMAT", c.LogFormat)

	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return &domain.ConfigurationError{Option: "SHUTDOWN_TIMEOUT", Reason: err.Error()}
	}
	c.ShutdownTimeout = shutdownTimeout
	return nil
}

// derivePaths fills unset artifact paths from DataDir.
func (c *Config) derivePaths() {
	defaults := []struct {
		dst  *string
		name string
	}{
		{&c.EventsPath, "events.csv"},
		{&c.GeocodedPath, "events_geocoded.csv"},
		{&c.MatchedPath, "matched_properties.csv"},
		{&c.GeocodeCachePath, "geocode_cache.json"},
	}
	for _, d := range defaults {
		if *d.dst == "" {
			*d.dst = filepath.Join(c.DataDir, d.name)
		}
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if err := c.Radius.Validate(); err != nil {
		return err
	}
	if c.PropertiesPath == "" && c.PropertyDSN == "" {
		return &domain.ConfigurationError{Option: "PROPERTIES_PATH", Reason: "a property file or PROPERTY_DSN is required"}
	}
	if c.RawEventsPath == "" && len(c.Filter.Years) == 0 {
		return &domain.ConfigurationError{Option: "YEARS", Reason: "required when RAW_EVENTS_PATH is not set"}
	}
	if !c.Filter.From.IsZero() && !c.Filter.To.IsZero() && c.Filter.To.Before(c.Filter.From) {
		return &domain.ConfigurationError{Option: "TO_DATE", Reason: "before FROM_DATE"}
	}
	if c.Filter.DedupPrecision < 1 || c.Filter.DedupPrecision > 10 {
		return &domain.ConfigurationError{Option: "DEDUP_PRECISION", Reason: "must be between 1 and 10"}
	}
	if c.UseIndex && c.CellDegrees <= 0 {
		return &domain.ConfigurationError{Option: "CELL_DEGREES", Reason: "must be positive"}
	}
	if c.EventColumns.Latitude == "" || c.EventColumns.Longitude == "" || c.EventColumns.Timestamp == "" || c.EventColumns.Magnitude == "" {
		return &domain.ConfigurationError{Option: "event_columns", Reason: "timestamp, latitude, longitude and magnitude are required"}
	}
	if c.PropertyColumns.Latitude == "" || c.PropertyColumns.Longitude == "" {
		return &domain.ConfigurationError{Option: "property_columns", Reason: "latitude and longitude are required"}
	}
	if c.GeocodeEnabled {
		switch c.GeocodeProvider {
		case ProviderNominatim:
		case ProviderMapbox:
			if c.MapboxToken == "" {
				return &domain.ConfigurationError{Option: "MAPBOX_TOKEN", Reason: "required for the mapbox provider"}
			}
		default:
			return &domain.ConfigurationError{Option: "GEOCODE_PROVIDER", Reason: fmt.Sprintf("unknown provider %q", c.GeocodeProvider)}
		}
		if c.GeocodeMaxAttempts < 1 {
			return &domain.ConfigurationError{Option: "GEOCODE_MAX_ATTEMPTS", Reason: "must be at least 1"}
		}
		if c.GeocodeRateLimit < 0 {
			return &domain.ConfigurationError{Option: "GEOCODE_RATE_LIMIT", Reason: "must be non-negative"}
		}
		if c.GeocodeTimeout <= 0 {
			return &domain.ConfigurationError{Option: "GEOCODE_TIMEOUT", Reason: "must be positive"}
		}
	}
	if c.CachePrecision < 1 || c.CachePrecision > 10 {
		return &domain.ConfigurationError{Option: "GEOCODE_CACHE_PRECISION", Reason: "must be between 1 and 10"}
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return &domain.ConfigurationError{Option: "KAFKA_TOPIC", Reason: "required when KAFKA_BROKERS is set"}
	}
	return nil
}

// PublishEnabled reports whether matched properties go to Kafka.
func (c *Config) PublishEnabled() bool { return len(c.KafkaBrokers) > 0 }

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInts(key, s string) ([]int, error) {
	parts := splitList(s)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, &domain.ConfigurationError{Option: key, Reason: fmt.Sprintf("%q is not an integer", p)}
		}
		out = append(out, n)
	}
	return out, nil
}

func parseDate(key, s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, &domain.ConfigurationError{Option: key, Reason: "expected YYYY-MM-DD"}
	}
	return t, nil
}

// parseDelimiter accepts a single character or the names "tab", "comma",
// "pipe", "semicolon".
func parseDelimiter(key, s string) (rune, error) {
	switch strings.ToLower(s) {
	case "tab", `\t`:
		return '\t', nil
	case "comma":
		return ',', nil
	case "pipe":
		return '|', nil
	case "semicolon":
		return ';', nil
	}
	r, size := utf8.DecodeRuneInString(s)
	if size != len(s) || r == utf8.RuneError || r == '"' || r == '\r' || r == '\n' {
		return 0, &domain.ConfigurationError{Option: key, Reason: fmt.Sprintf("invalid delimiter %q", s)}
	}
	return r, nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return &domain.ConfigurationError{Option: key, Reason: fmt.Sprintf("%q is not a number", v)}
	}
	*dst = f
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return &domain.ConfigurationError{Option: key, Reason: fmt.Sprintf("%q is not an integer", v)}
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return &domain.ConfigurationError{Option: key, Reason: fmt.Sprintf("%q is not a boolean", v)}
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return &domain.ConfigurationError{Option: key, Reason: fmt.Sprintf("%q is not a duration", v)}
	}
	*dst = d
	return nil
}
