// Command validate checks a matched-properties artifact against the event
// and property tables it was produced from: row integrity, per-match
// distances, and completeness against a fresh matcher run.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -events data/events_geocoded.csv \
//	  -properties data/properties.csv \
//	  -matched data/matched_properties.csv
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/couchcryptid/hail-property-matcher/internal/adapter/csvtable"
	"github.com/couchcryptid/hail-property-matcher/internal/domain"
)

// distanceTolerance absorbs the 4-decimal rounding of written distances.
const distanceTolerance = 5e-5

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	eventsPath := flag.String("events", "data/events_geocoded.csv", "geocoded event artifact")
	propertiesPath := flag.String("properties", "data/properties.csv", "property table")
	matchedPath := flag.String("matched", "data/matched_properties.csv", "matched-properties artifact")
	delimiter := flag.String("delimiter", ",", "delimiter of the property and matched tables")
	policy := domain.DefaultRadiusPolicy()
	flag.Float64Var(&policy.MinMagnitude, "min-magnitude", policy.MinMagnitude, "smallest hail size in inches that matches")
	flag.Float64Var(&policy.BaseRadius, "base-radius", policy.BaseRadius, "radius in miles at the minimum magnitude")
	flag.Float64Var(&policy.RadiusPerInch, "radius-per-inch", policy.RadiusPerInch, "radius growth in miles per inch above the minimum")
	flag.Float64Var(&policy.MaxRadius, "max-radius", policy.MaxRadius, "radius cap in miles")
	includeUnmatched := flag.Bool("include-unmatched", false, "the artifact keeps properties without matches")
	flag.Parse()

	delim := []rune(*delimiter)
	if len(delim) != 1 {
		fmt.Fprintln(os.Stderr, "FATAL: -delimiter must be a single character")
		os.Exit(1)
	}
	if err := policy.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	os.Exit(run(*eventsPath, *propertiesPath, *matchedPath, delim[0], policy, *includeUnmatched))
}

func run(eventsPath, propertiesPath, matchedPath string, delim rune, policy domain.RadiusPolicy, includeUnmatched bool) int {
	fmt.Println("=== Matched Properties Validation ===")
	fmt.Println()

	events, err := loadEvents(eventsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load events: %v\n", err)
		return 1
	}
	table, err := csvtable.PropertyFile{Path: propertiesPath, Delim: delim, Columns: csvtable.DefaultPropertyColumns()}.LoadProperties(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load properties: %v\n", err)
		return 1
	}
	rows, err := loadMatched(matchedPath, delim)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load matched: %v\n", err)
		return 1
	}

	byEventID := make(map[string]domain.StormEvent, len(events))
	for _, e := range events {
		byEventID[e.ID] = e
	}

	phases := []*phase{
		validateRows(rows, includeUnmatched),
		validateDistances(rows, byEventID, policy),
		validateCompleteness(rows, events, table.Properties, policy, includeUnmatched),
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Records: %d events, %d properties (%d malformed), %d matched rows\n",
		len(events), len(table.Properties), len(table.Malformed), len(rows))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// ── Data loading ──

func loadEvents(path string) ([]domain.StormEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return csvtable.ReadEvents(f)
}

func loadMatched(path string, delim rune) ([]csvtable.MatchedRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return csvtable.ReadMatched(f, delim)
}

// ── Phase 1: row integrity ──

func validateRows(rows []csvtable.MatchedRow, includeUnmatched bool) *phase {
	p := &phase{name: "Row integrity"}
	fmt.Printf("Phase 1: %s (%d rows)\n", p.name, len(rows))

	for i, r := range rows {
		pf := func(format string, args ...any) {
			p.errorf("row %d (%s): %s", r.Row, r.PropertyID, fmt.Sprintf(format, args...))
		}
		if i > 0 && rows[i-1].PropertyID >= r.PropertyID {
			pf("not sorted after %q", rows[i-1].PropertyID)
		}
		if r.MatchedEventCount != len(r.EventIDs) {
			pf("matched_event_count %d but %d event IDs", r.MatchedEventCount, len(r.EventIDs))
		}
		if r.MatchedEventCount == 0 && !includeUnmatched {
			pf("unmatched property in output")
		}
		seen := make(map[string]struct{}, len(r.EventIDs))
		for _, id := range r.EventIDs {
			if _, dup := seen[id]; dup {
				pf("event %s listed twice", id)
			}
			seen[id] = struct{}{}
		}
	}
	return p
}

// ── Phase 2: per-match distances ──

func validateDistances(rows []csvtable.MatchedRow, events map[string]domain.StormEvent, policy domain.RadiusPolicy) *phase {
	p := &phase{name: "Match distances"}
	fmt.Printf("Phase 2: %s\n", p.name)

	for _, r := range rows {
		if len(r.EventIDs) == 0 {
			continue
		}
		pf := func(format string, args ...any) {
			p.errorf("row %d (%s): %s", r.Row, r.PropertyID, fmt.Sprintf(format, args...))
		}

		nearest := math.Inf(1)
		for _, id := range r.EventIDs {
			e, ok := events[id]
			if !ok {
				pf("event %s not in event table", id)
				continue
			}
			if !policy.Eligible(e.Magnitude) {
				pf("event %s magnitude %.2f below minimum", id, e.Magnitude)
			}
			d := domain.Haversine(r.Lat, r.Lon, e.Lat, e.Lon)
			if radius := policy.Radius(e.Magnitude); d > radius+distanceTolerance {
				pf("event %s at %.4f mi outside radius %.4f mi", id, d, radius)
			}
			nearest = math.Min(nearest, d)
		}
		if math.IsInf(nearest, 1) {
			continue
		}
		if math.Abs(domain.RoundTo(nearest, 4)-r.NearestEventDistance) > distanceTolerance {
			pf("nearest_event_distance %.4f, recomputed %.4f", r.NearestEventDistance, nearest)
		}
	}
	return p
}

// ── Phase 3: completeness ──

func validateCompleteness(rows []csvtable.MatchedRow, events []domain.StormEvent, properties []domain.Property, policy domain.RadiusPolicy, includeUnmatched bool) *phase {
	p := &phase{name: "Completeness against a fresh match"}
	fmt.Printf("Phase 3: %s\n", p.name)

	res := domain.Matcher{Policy: policy, IncludeUnmatched: includeUnmatched}.Match(events, properties)

	want := make(map[string][]string, len(res.Matched))
	for _, mp := range res.Matched {
		want[mp.Property.ID] = res.MatchedEventIDs(mp)
	}
	got := make(map[string][]string, len(rows))
	for _, r := range rows {
		got[r.PropertyID] = r.EventIDs
	}

	ids := make([]string, 0, len(want))
	for id := range want {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		expected := want[id]
		have, ok := got[id]
		switch {
		case !ok:
			p.errorf("property %s should match events %s but is missing", id, strings.Join(expected, ";"))
		case !slices.Equal(have, expected):
			p.errorf("property %s lists %s, expected %s", id, strings.Join(have, ";"), strings.Join(expected, ";"))
		}
	}
	for _, r := range rows {
		if _, ok := want[r.PropertyID]; !ok {
			p.errorf("property %s is not in a fresh match", r.PropertyID)
		}
	}
	return p
}
