package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Drop reasons tallied by Normalize.
const (
	DropCounty    = "county"
	DropStateFIPS = "state_fips"
	DropYear      = "year"
	DropDateRange = "date_range"
	DropMagnitude = "magnitude"
	DropType      = "event_type"
)

// DefaultDedupPrecision rounds coordinates to 4 decimal places (about 11 m)
// when deciding whether two rows are re-reports of one event.
const DefaultDedupPrecision = 4

// Filter selects which raw records become events. Empty sets and zero
// times do not filter.
type Filter struct {
	Counties       []string
	StateFIPS      []int
	Years          []int
	From           time.Time
	To             time.Time
	MinMagnitude   float64
	DedupPrecision int
}

// NormalizeResult is the canonical event table plus a summary of what was
// left out of it.
type NormalizeResult struct {
	Events     []StormEvent
	Input      int
	Malformed  []*MalformedRecordError
	Dropped    map[string]int
	Duplicates int
}

// timestampLayouts are tried in order. NCEI uses "02-JAN-06 15:04:05";
// month names parse case-insensitively.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006 15:04",
	"01/02/2006",
	"02-Jan-06 15:04:05",
	"02-Jan-2006 15:04:05",
}

// Normalize validates, filters, and deduplicates raw records into the
// canonical event table. Malformed rows are skipped and reported, never
// fatal. Input order is preserved and the first of a set of duplicates wins.
func Normalize(records []RawRecord, cols EventColumns, f Filter) NormalizeResult {
	precision := f.DedupPrecision
	if precision <= 0 {
		precision = DefaultDedupPrecision
	}

	counties := make(map[string]struct{}, len(f.Counties))
	for _, c := range f.Counties {
		counties[normalizeCounty(c)] = struct{}{}
	}
	fips := make(map[int]struct{}, len(f.StateFIPS))
	for _, s := range f.StateFIPS {
		fips[s] = struct{}{}
	}
	years := make(map[int]struct{}, len(f.Years))
	for _, y := range f.Years {
		years[y] = struct{}{}
	}
	from := truncateDate(f.From)
	to := truncateDate(f.To)

	res := NormalizeResult{
		Input:   len(records),
		Dropped: make(map[string]int),
	}
	seenKeys := make(map[string]struct{}, len(records))
	seenIDs := make(map[string]int, len(records))

	for _, rec := range records {
		if cols.Type != "" {
			if t := strings.TrimSpace(rec.Fields[cols.Type]); t != "" && !strings.EqualFold(t, "hail") {
				res.Dropped[DropType]++
				continue
			}
		}

		event, err := parseRecord(rec, cols)
		if err != nil {
			res.Malformed = append(res.Malformed, err)
			continue
		}

		if len(counties) > 0 {
			if _, ok := counties[normalizeCounty(event.County)]; !ok {
				res.Dropped[DropCounty]++
				continue
			}
		}
		if len(fips) > 0 {
			code, err := strconv.Atoi(strings.TrimSpace(rec.Fields[cols.StateFIPS]))
			if _, ok := fips[code]; err != nil || !ok {
				res.Dropped[DropStateFIPS]++
				continue
			}
		}
		if len(years) > 0 {
			if _, ok := years[event.Time.Year()]; !ok {
				res.Dropped[DropYear]++
				continue
			}
		}
		if (!from.IsZero() && event.Time.Before(from)) || (!to.IsZero() && event.Time.After(to)) {
			res.Dropped[DropDateRange]++
			continue
		}
		if event.Magnitude < f.MinMagnitude {
			res.Dropped[DropMagnitude]++
			continue
		}

		key := dedupKey(event, precision)
		if _, dup := seenKeys[key]; dup {
			res.Duplicates++
			continue
		}
		seenKeys[key] = struct{}{}

		if event.ID == "" {
			event.ID = generateID(event)
		}
		event.ID = uniqueID(seenIDs, event.ID)

		res.Events = append(res.Events, event)
	}

	return res
}

// uniqueID returns id, or id with the next free "-N" suffix when id is
// already taken. seen counts how many times each base ID has been issued and
// marks every returned ID as taken.
func uniqueID(seen map[string]int, id string) string {
	n := seen[id]
	if n == 0 {
		seen[id] = 1
		return id
	}
	for {
		n++
		candidate := fmt.Sprintf("%s-%d", id, n)
		if _, taken := seen[candidate]; !taken {
			seen[id] = n
			seen[candidate] = 1
			return candidate
		}
	}
}

// parseRecord extracts a StormEvent from one raw row. Coordinates and
// timestamp are required; magnitude defaults to zero when absent or "UNK".
func parseRecord(rec RawRecord, cols EventColumns) (StormEvent, *MalformedRecordError) {
	field := func(name string) string {
		if name == "" {
			return ""
		}
		return strings.TrimSpace(rec.Fields[name])
	}
	malformed := func(name, reason string) *MalformedRecordError {
		return &MalformedRecordError{Row: rec.Row, Field: name, Reason: reason}
	}

	ts := field(cols.Timestamp)
	if ts == "" {
		return StormEvent{}, malformed(cols.Timestamp, "missing timestamp")
	}
	when, ok := parseTimestamp(ts)
	if !ok {
		return StormEvent{}, malformed(cols.Timestamp, fmt.Sprintf("unrecognized timestamp %q", ts))
	}

	latStr, lonStr := field(cols.Latitude), field(cols.Longitude)
	if latStr == "" || lonStr == "" {
		return StormEvent{}, malformed(cols.Latitude+"/"+cols.Longitude, "missing coordinates")
	}
	lat, errLat := strconv.ParseFloat(latStr, 64)
	lon, errLon := strconv.ParseFloat(lonStr, 64)
	if errLat != nil || errLon != nil {
		return StormEvent{}, malformed(cols.Latitude+"/"+cols.Longitude, fmt.Sprintf("invalid coordinates %q,%q", latStr, lonStr))
	}
	if !InContinentalUS(lat, lon) {
		return StormEvent{}, malformed(cols.Latitude+"/"+cols.Longitude, fmt.Sprintf("coordinates %.4f,%.4f outside continental US", lat, lon))
	}

	magnitude := 0.0
	if m := field(cols.Magnitude); m != "" && !strings.EqualFold(m, "UNK") {
		v, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return StormEvent{}, malformed(cols.Magnitude, fmt.Sprintf("invalid magnitude %q", m))
		}
		if v < 0 {
			return StormEvent{}, malformed(cols.Magnitude, "negative magnitude")
		}
		magnitude = normalizeMagnitude(v)
	}

	return StormEvent{
		ID:        field(cols.ID),
		Time:      when,
		Lat:       lat,
		Lon:       lon,
		Magnitude: magnitude,
		County:    field(cols.County),
	}, nil
}

// parseTimestamp tries each known layout and truncates to the UTC date.
func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return truncateDate(t), true
		}
	}
	return time.Time{}, false
}

func truncateDate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// normalizeMagnitude corrects hail sizes reported in hundredths of an inch
// (e.g. 175 = 1.75in). The largest US hailstone on record is about 8 inches,
// so values >= 10 are assumed to use that encoding.
func normalizeMagnitude(magnitude float64) float64 {
	if magnitude >= 10 {
		return magnitude / 100.0
	}
	return magnitude
}

func normalizeCounty(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}

func dedupKey(e StormEvent, precision int) string {
	return fmt.Sprintf("%s|%.*f|%.*f|%g",
		e.Time.Format(time.DateOnly), precision, RoundTo(e.Lat, precision), precision, RoundTo(e.Lon, precision), e.Magnitude)
}

// generateID produces a deterministic ID from the event's identity fields so
// reruns over the same source yield the same IDs.
func generateID(e StormEvent) string {
	input := fmt.Sprintf("%s|%.4f|%.4f|%g", e.Time.Format(time.DateOnly), e.Lat, e.Lon, e.Magnitude)
	hash := sha256.Sum256([]byte(input))
	return "hail-" + hex.EncodeToString(hash[:8])
}
