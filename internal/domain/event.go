package domain

import "time"

// RawRecord is one row of the event source, keyed by column name.
// Row is the 1-based data row index (the header is not counted).
type RawRecord struct {
	Row    int
	Fields map[string]string
}

// EventColumns names the source columns the normalizer reads. ID and Type
// are optional; an empty name means the column is absent.
type EventColumns struct {
	ID        string `yaml:"id"`
	Timestamp string `yaml:"timestamp"`
	Latitude  string `yaml:"latitude"`
	Longitude string `yaml:"longitude"`
	Magnitude string `yaml:"magnitude"`
	County    string `yaml:"county"`
	StateFIPS string `yaml:"state_fips"`
	Type      string `yaml:"type"`
}

// DefaultEventColumns matches the NCEI Storm Events "details" layout.
func DefaultEventColumns() EventColumns {
	return EventColumns{
		ID:        "EVENT_ID",
		Timestamp: "BEGIN_DATE_TIME",
		Latitude:  "BEGIN_LAT",
		Longitude: "BEGIN_LON",
		Magnitude: "MAGNITUDE",
		County:    "CZ_NAME",
		StateFIPS: "STATE_FIPS",
		Type:      "EVENT_TYPE",
	}
}

// StormEvent is a normalized hail report. Time has date resolution (UTC
// midnight). Place is empty until the enricher fills it.
type StormEvent struct {
	ID        string
	Time      time.Time
	Lat       float64
	Lon       float64
	Magnitude float64 // hail diameter in inches
	County    string
	Place     string
}

// Attribute is a passthrough property column, kept in source order.
type Attribute struct {
	Name  string
	Value string
}

// Property is a candidate parcel. Attributes are opaque to the matcher.
type Property struct {
	ID         string
	Lat        float64
	Lon        float64
	Attributes []Attribute
}

// PropertyTable is the property list loaded from one source.
type PropertyTable struct {
	Properties []Property
	// AttributeNames lists passthrough columns in source order.
	AttributeNames []string
	Malformed      []*MalformedRecordError
}

// Match joins one property and one event by their index in the run's
// property and event slices.
type Match struct {
	Property      int
	Event         int
	DistanceMiles float64
}

// MatchedProperty is a property together with the events that fall inside
// their effective radius of it.
type MatchedProperty struct {
	Property              Property
	Matches               []Match
	MatchedEventCount     int
	NearestEventDistance  float64
	NearestEventMagnitude float64
	// NearestEvent indexes the event arena; -1 when there are no matches.
	NearestEvent int
}

// MatchResult is the complete output of one matcher run. Matched rows
// reference Events through Match.Event.
type MatchResult struct {
	Properties []Property
	Events     []StormEvent
	Matches    []Match
	Matched    []MatchedProperty

	// EventsConsidered counts events at or above the minimum magnitude.
	EventsConsidered int
	// Comparisons counts exact distance evaluations.
	Comparisons int
}

// MatchedEventIDs returns the IDs of the events a property matched, in
// match order.
func (r MatchResult) MatchedEventIDs(mp MatchedProperty) []string {
	ids := make([]string, len(mp.Matches))
	for i, m := range mp.Matches {
		ids[i] = r.Events[m.Event].ID
	}
	return ids
}

// DamagePercentage is the share of input properties with at least one match.
func (r MatchResult) DamagePercentage() float64 {
	if len(r.Properties) == 0 {
		return 0
	}
	n := 0
	for _, mp := range r.Matched {
		if mp.MatchedEventCount > 0 {
			n++
		}
	}
	return float64(n) / float64(len(r.Properties)) * 100
}
