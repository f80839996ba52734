package domain

import (
	"sort"
)

// Matcher assigns events to properties by hail-size-scaled proximity.
type Matcher struct {
	Policy RadiusPolicy
	// UseIndex prunes candidate properties with a GridIndex. Results are
	// identical either way.
	UseIndex    bool
	CellDegrees float64
	// IncludeUnmatched keeps properties with no matches in the output.
	IncludeUnmatched bool
}

// Match computes every (property, event) pair whose haversine distance is
// within the event's effective radius, then aggregates the pairs per
// property. Output is sorted by property ID and, within a property, by
// event time then event ID. Inputs are not modified.
func (m Matcher) Match(events []StormEvent, properties []Property) MatchResult {
	res := MatchResult{
		Properties: properties,
		Events:     events,
	}

	var index *GridIndex
	if m.UseIndex {
		index = NewGridIndex(properties, m.CellDegrees)
	}

	// byProperty is indexed by property position so grouping never depends
	// on map iteration order.
	byProperty := make([][]Match, len(properties))

	for ei, e := range events {
		if !m.Policy.Eligible(e.Magnitude) {
			continue
		}
		res.EventsConsidered++
		radius := m.Policy.Radius(e.Magnitude)

		visit := func(pi int) {
			p := properties[pi]
			res.Comparisons++
			d := Haversine(p.Lat, p.Lon, e.Lat, e.Lon)
			if d <= radius {
				byProperty[pi] = append(byProperty[pi], Match{Property: pi, Event: ei, DistanceMiles: d})
			}
		}

		if index != nil {
			for _, pi := range index.Candidates(e.Lat, e.Lon, radius) {
				visit(pi)
			}
			continue
		}
		for pi := range properties {
			visit(pi)
		}
	}

	order := make([]int, len(properties))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return properties[order[a]].ID < properties[order[b]].ID
	})

	for _, pi := range order {
		matches := byProperty[pi]
		if len(matches) == 0 && !m.IncludeUnmatched {
			continue
		}
		sort.SliceStable(matches, func(a, b int) bool {
			return eventBefore(events[matches[a].Event], events[matches[b].Event])
		})

		mp := MatchedProperty{
			Property:          properties[pi],
			Matches:           matches,
			MatchedEventCount: len(matches),
			NearestEvent:      -1,
		}
		for _, mt := range matches {
			if mp.NearestEvent < 0 || closer(mt, mp, events) {
				mp.NearestEvent = mt.Event
				mp.NearestEventDistance = mt.DistanceMiles
				mp.NearestEventMagnitude = events[mt.Event].Magnitude
			}
		}

		res.Matches = append(res.Matches, matches...)
		res.Matched = append(res.Matched, mp)
	}

	return res
}

// closer reports whether candidate beats the current nearest match: smaller
// distance first, then the earlier event.
func closer(candidate Match, current MatchedProperty, events []StormEvent) bool {
	if candidate.DistanceMiles != current.NearestEventDistance {
		return candidate.DistanceMiles < current.NearestEventDistance
	}
	return eventBefore(events[candidate.Event], events[current.NearestEvent])
}

func eventBefore(a, b StormEvent) bool {
	if !a.Time.Equal(b.Time) {
		return a.Time.Before(b.Time)
	}
	return a.ID < b.ID
}
