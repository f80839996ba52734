package domain

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	dallasLat = 32.7767
	dallasLon = -96.7970
)

var testDay = time.Date(2024, 4, 28, 0, 0, 0, 0, time.UTC)

// northOf returns a latitude exactly miles north of lat along a meridian.
func northOf(lat, miles float64) float64 {
	return lat + miles/MilesPerDegreeLat
}

func scenarioPolicy() RadiusPolicy {
	return RadiusPolicy{MinMagnitude: 1.0, BaseRadius: 1.0, RadiusPerInch: 1.0, MaxRadius: 5.0}
}

func TestMatcher_DallasScenario(t *testing.T) {
	events := []StormEvent{{ID: "e1", Time: testDay, Lat: dallasLat, Lon: dallasLon, Magnitude: 2.5}}
	properties := []Property{
		{ID: "p-near", Lat: northOf(dallasLat, 2.0), Lon: dallasLon},
		{ID: "p-far", Lat: northOf(dallasLat, 3.0), Lon: dallasLon},
	}

	for _, useIndex := range []bool{false, true} {
		t.Run(fmt.Sprintf("index=%v", useIndex), func(t *testing.T) {
			m := Matcher{Policy: scenarioPolicy(), UseIndex: useIndex}
			assert.InDelta(t, 2.5, m.Policy.Radius(2.5), 1e-9)

			res := m.Match(events, properties)

			require.Len(t, res.Matched, 1)
			mp := res.Matched[0]
			assert.Equal(t, "p-near", mp.Property.ID)
			assert.Equal(t, 1, mp.MatchedEventCount)
			assert.InDelta(t, 2.0, mp.NearestEventDistance, 1e-6)
			assert.Equal(t, 2.5, mp.NearestEventMagnitude)
			assert.Equal(t, []string{"e1"}, res.MatchedEventIDs(mp))
			assert.Equal(t, 1, res.EventsConsidered)
		})
	}
}

func TestMatcher_RadiusIsPerEvent(t *testing.T) {
	// The property is 3 miles from both events; only the larger stone's
	// radius reaches it.
	p := Property{ID: "p1", Lat: northOf(dallasLat, 3.0), Lon: dallasLon}
	events := []StormEvent{
		{ID: "small", Time: testDay, Lat: dallasLat, Lon: dallasLon, Magnitude: 1.5},
		{ID: "large", Time: testDay, Lat: northOf(dallasLat, 6.0), Lon: dallasLon, Magnitude: 3.5},
	}

	res := Matcher{Policy: scenarioPolicy()}.Match(events, []Property{p})

	require.Len(t, res.Matched, 1)
	assert.Equal(t, []string{"large"}, res.MatchedEventIDs(res.Matched[0]))
}

func TestMatcher_BelowMinimumExcluded(t *testing.T) {
	events := []StormEvent{{ID: "pea", Time: testDay, Lat: dallasLat, Lon: dallasLon, Magnitude: 0.25}}
	properties := []Property{{ID: "p1", Lat: dallasLat, Lon: dallasLon}}

	res := Matcher{Policy: scenarioPolicy()}.Match(events, properties)

	assert.Empty(t, res.Matched)
	assert.Equal(t, 0, res.EventsConsidered)
	assert.Equal(t, 0, res.Comparisons)
}

func TestMatcher_ManyToMany(t *testing.T) {
	events := []StormEvent{
		{ID: "e2", Time: testDay.AddDate(0, 0, 1), Lat: dallasLat, Lon: dallasLon, Magnitude: 2},
		{ID: "e1", Time: testDay, Lat: northOf(dallasLat, 0.5), Lon: dallasLon, Magnitude: 2},
	}
	properties := []Property{
		{ID: "b", Lat: northOf(dallasLat, 0.25), Lon: dallasLon},
		{ID: "a", Lat: northOf(dallasLat, 0.75), Lon: dallasLon},
		{ID: "c", Lat: northOf(dallasLat, 40), Lon: dallasLon},
	}

	res := Matcher{Policy: scenarioPolicy()}.Match(events, properties)

	require.Len(t, res.Matched, 2)
	assert.Equal(t, "a", res.Matched[0].Property.ID, "sorted by property ID")
	assert.Equal(t, "b", res.Matched[1].Property.ID)
	for _, mp := range res.Matched {
		assert.Equal(t, 2, mp.MatchedEventCount)
		assert.Equal(t, []string{"e1", "e2"}, res.MatchedEventIDs(mp), "matches ordered by event time")
	}
	assert.Len(t, res.Matches, 4)
	assert.InDelta(t, 0.25, res.Matched[0].NearestEventDistance, 1e-6)
	assert.Equal(t, 1, res.Matched[0].NearestEvent)
}

func TestMatcher_NearestTieBrokenByEarliestEvent(t *testing.T) {
	later := StormEvent{ID: "later", Time: testDay.AddDate(0, 0, 3), Lat: northOf(dallasLat, 1), Lon: dallasLon, Magnitude: 3}
	earlier := StormEvent{ID: "earlier", Time: testDay, Lat: northOf(dallasLat, 1), Lon: dallasLon, Magnitude: 1.5}
	properties := []Property{{ID: "p1", Lat: dallasLat, Lon: dallasLon}}

	res := Matcher{Policy: scenarioPolicy()}.Match([]StormEvent{later, earlier}, properties)

	require.Len(t, res.Matched, 1)
	mp := res.Matched[0]
	assert.Equal(t, "earlier", res.Events[mp.NearestEvent].ID)
	assert.Equal(t, 1.5, mp.NearestEventMagnitude)
}

func TestMatcher_IncludeUnmatched(t *testing.T) {
	events := []StormEvent{{ID: "e1", Time: testDay, Lat: dallasLat, Lon: dallasLon, Magnitude: 2}}
	properties := []Property{
		{ID: "z-far", Lat: northOf(dallasLat, 50), Lon: dallasLon},
		{ID: "a-near", Lat: dallasLat, Lon: dallasLon},
	}

	res := Matcher{Policy: scenarioPolicy(), IncludeUnmatched: true}.Match(events, properties)

	require.Len(t, res.Matched, 2)
	assert.Equal(t, "a-near", res.Matched[0].Property.ID)
	assert.Equal(t, "z-far", res.Matched[1].Property.ID)
	assert.Equal(t, 0, res.Matched[1].MatchedEventCount)
	assert.Equal(t, -1, res.Matched[1].NearestEvent)
	assert.InDelta(t, 50.0, res.DamagePercentage(), 1e-9)
}

func TestMatcher_PassesAttributesThrough(t *testing.T) {
	attrs := []Attribute{{Name: "owner_name", Value: "J. Smith"}, {Name: "appraisal_value", Value: "412000"}}
	properties := []Property{{ID: "p1", Lat: dallasLat, Lon: dallasLon, Attributes: attrs}}
	events := []StormEvent{{ID: "e1", Time: testDay, Lat: dallasLat, Lon: dallasLon, Magnitude: 1}}

	res := Matcher{Policy: scenarioPolicy()}.Match(events, properties)

	require.Len(t, res.Matched, 1)
	assert.Equal(t, attrs, res.Matched[0].Property.Attributes)
}

func TestMatcher_IndexMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	events := make([]StormEvent, 200)
	for i := range events {
		events[i] = StormEvent{
			ID:        fmt.Sprintf("e%03d", i),
			Time:      testDay.AddDate(0, 0, rng.Intn(30)),
			Lat:       32.5 + rng.Float64(),
			Lon:       -97.5 + rng.Float64(),
			Magnitude: rng.Float64() * 6,
		}
	}
	properties := make([]Property, 3000)
	for i := range properties {
		properties[i] = Property{
			ID:  fmt.Sprintf("p%05d", rng.Intn(100000)),
			Lat: 32.4 + rng.Float64()*1.2,
			Lon: -97.6 + rng.Float64()*1.2,
		}
	}

	for _, cellDeg := range []float64{0.01, 0.1, 1} {
		t.Run(fmt.Sprintf("cell=%g", cellDeg), func(t *testing.T) {
			brute := Matcher{Policy: scenarioPolicy(), IncludeUnmatched: true}.Match(events, properties)
			indexed := Matcher{Policy: scenarioPolicy(), IncludeUnmatched: true, UseIndex: true, CellDegrees: cellDeg}.Match(events, properties)

			require.NotEmpty(t, brute.Matches)
			if diff := cmp.Diff(brute.Matched, indexed.Matched); diff != "" {
				t.Errorf("indexed result differs from brute force (-brute +indexed):\n%s", diff)
			}
			assert.Equal(t, brute.Matches, indexed.Matches)
			assert.LessOrEqual(t, indexed.Comparisons, brute.Comparisons)
		})
	}
}

func TestMatcher_Deterministic(t *testing.T) {
	events := []StormEvent{
		{ID: "e1", Time: testDay, Lat: dallasLat, Lon: dallasLon, Magnitude: 2},
		{ID: "e2", Time: testDay, Lat: dallasLat, Lon: dallasLon, Magnitude: 2},
	}
	properties := []Property{
		{ID: "dup", Lat: dallasLat, Lon: dallasLon, Attributes: []Attribute{{Name: "n", Value: "1"}}},
		{ID: "dup", Lat: dallasLat, Lon: dallasLon, Attributes: []Attribute{{Name: "n", Value: "2"}}},
	}

	m := Matcher{Policy: scenarioPolicy(), UseIndex: true}
	first := m.Match(events, properties)
	for range 10 {
		assert.Empty(t, cmp.Diff(first.Matched, m.Match(events, properties).Matched))
	}
	assert.Equal(t, "1", first.Matched[0].Property.Attributes[0].Value, "equal IDs keep input order")
}

func TestMatcher_DoesNotMutateInputs(t *testing.T) {
	events := []StormEvent{
		{ID: "e2", Time: testDay.AddDate(0, 0, 1), Lat: dallasLat, Lon: dallasLon, Magnitude: 2},
		{ID: "e1", Time: testDay, Lat: dallasLat, Lon: dallasLon, Magnitude: 2},
	}
	properties := []Property{{ID: "b", Lat: dallasLat, Lon: dallasLon}, {ID: "a", Lat: dallasLat, Lon: dallasLon}}
	eventsCopy := append([]StormEvent(nil), events...)
	propsCopy := append([]Property(nil), properties...)

	Matcher{Policy: scenarioPolicy(), UseIndex: true}.Match(events, properties)

	assert.Equal(t, eventsCopy, events)
	assert.Equal(t, propsCopy, properties)
}
