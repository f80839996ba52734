// Command genmock generates a synthetic property table around the hail
// events of a raw storm event file, for demos and end-to-end checks. Each
// eligible event gets properties scattered out to 1.5 times its effective
// radius, so roughly half fall inside it. Output is reproducible for a seed.
//
// Usage:
//
//	go run ./cmd/genmock \
//	  -events testdata/StormEvents_details_2024_tx.csv \
//	  -out data/properties.csv \
//	  -per-event 4
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/couchcryptid/hail-property-matcher/internal/adapter/csvtable"
	"github.com/couchcryptid/hail-property-matcher/internal/artifact"
	"github.com/couchcryptid/hail-property-matcher/internal/domain"
)

var (
	streets = []string{"Main St", "Elm St", "Oak Ave", "Cedar Ln", "Pecan Dr", "Live Oak Blvd", "Mockingbird Ln", "Preston Rd"}
	owners  = []string{"Smith", "Johnson", "Garcia", "Nguyen", "Patel", "Williams", "Brown", "Martinez", "Kim", "Davis"}
)

var attributeNames = []string{"address", "owner", "year_built"}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	eventsPath := flag.String("events", "", "raw storm event CSV (NCEI details layout)")
	out := flag.String("out", "data/properties.csv", "output path for the property table")
	perEvent := flag.Int("per-event", 4, "properties generated around each eligible event")
	background := flag.Int("background", 20, "properties scattered across the events' bounding box")
	seed := flag.Uint64("seed", 240426, "random seed")
	flag.Parse()

	if *eventsPath == "" {
		flag.Usage()
		return fmt.Errorf("missing required flag: -events")
	}

	records, err := csvtable.ReadRecordsFile(*eventsPath, csvtable.DefaultDelimiter)
	if err != nil {
		return fmt.Errorf("reading events: %w", err)
	}
	norm := domain.Normalize(records, domain.DefaultEventColumns(), domain.Filter{})
	log.Printf("%s: %d rows, %d events, %d malformed", *eventsPath, norm.Input, len(norm.Events), len(norm.Malformed))

	policy := domain.DefaultRadiusPolicy()
	rng := rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15))
	table := generate(rng, norm.Events, policy, *perEvent, *background)

	err = artifact.WriteAtomic(*out, func(w io.Writer) error {
		return csvtable.WriteProperties(w, csvtable.DefaultDelimiter, csvtable.DefaultPropertyColumns(), table)
	})
	if err != nil {
		return fmt.Errorf("writing properties: %w", err)
	}
	log.Printf("wrote %d properties: %s", len(table.Properties), *out)

	printStats(norm.Events, table.Properties, policy)
	return nil
}

func generate(rng *rand.Rand, events []domain.StormEvent, policy domain.RadiusPolicy, perEvent, background int) domain.PropertyTable {
	table := domain.PropertyTable{AttributeNames: attributeNames}
	add := func(lat, lon float64) {
		n := len(table.Properties) + 1
		table.Properties = append(table.Properties, domain.Property{
			ID:  fmt.Sprintf("prop-%05d", n),
			Lat: domain.RoundTo(lat, 6),
			Lon: domain.RoundTo(lon, 6),
			Attributes: []domain.Attribute{
				{Name: "address", Value: fmt.Sprintf("%d %s", 100+rng.IntN(9900), streets[rng.IntN(len(streets))])},
				{Name: "owner", Value: owners[rng.IntN(len(owners))]},
				{Name: "year_built", Value: fmt.Sprint(1950 + rng.IntN(74))},
			},
		})
	}

	minLat, maxLat, minLon, maxLon := 90.0, -90.0, 180.0, -180.0
	for _, e := range events {
		minLat, maxLat = math.Min(minLat, e.Lat), math.Max(maxLat, e.Lat)
		minLon, maxLon = math.Min(minLon, e.Lon), math.Max(maxLon, e.Lon)
		if !policy.Eligible(e.Magnitude) {
			continue
		}
		r := policy.Radius(e.Magnitude)
		for range perEvent {
			lat, lon := offset(e.Lat, e.Lon, rng.Float64()*1.5*r, rng.Float64()*2*math.Pi)
			add(lat, lon)
		}
	}

	if len(events) > 0 {
		for range background {
			add(minLat+rng.Float64()*(maxLat-minLat), minLon+rng.Float64()*(maxLon-minLon))
		}
	}
	return table
}

// offset moves a point distance miles along bearing radians, using a flat
// approximation that is accurate at these ranges.
func offset(lat, lon, distance, bearing float64) (float64, float64) {
	dLat := distance * math.Cos(bearing) / domain.MilesPerDegreeLat
	dLon := distance * math.Sin(bearing) / (domain.MilesPerDegreeLat * math.Cos(lat*math.Pi/180))
	return lat + dLat, lon + dLon
}

func printStats(events []domain.StormEvent, properties []domain.Property, policy domain.RadiusPolicy) {
	res := domain.Matcher{Policy: policy, UseIndex: true, CellDegrees: domain.DefaultCellDegrees}.Match(events, properties)

	fmt.Printf("\nEvents considered: %d of %d\n", res.EventsConsidered, len(events))
	fmt.Printf("Properties matched: %d of %d (%.1f%%)\n", len(res.Matched), len(properties), res.DamagePercentage())

	byCount := map[int]int{}
	for _, mp := range res.Matched {
		byCount[mp.MatchedEventCount]++
	}
	counts := make([]int, 0, len(byCount))
	for c := range byCount {
		counts = append(counts, c)
	}
	sort.Ints(counts)
	for _, c := range counts {
		fmt.Printf("  %d event(s): %d properties\n", c, byCount[c])
	}
}
