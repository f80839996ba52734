package csvtable

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/couchcryptid/hail-property-matcher/internal/domain"
)

// Matched-properties output columns, appended after the passthrough
// attributes.
var matchedColumns = []string{
	"property_id",
	"latitude",
	"longitude",
	"matched_event_count",
	"nearest_event_distance",
	"nearest_event_magnitude",
	"matched_event_ids",
}

// EventIDSeparator joins matched event IDs in one cell.
const EventIDSeparator = ";"

// MatchedHeader returns the output header for the given attribute columns.
func MatchedHeader(attributeNames []string) []string {
	h := make([]string, 0, len(attributeNames)+len(matchedColumns))
	h = append(h, attributeNames...)
	return append(h, matchedColumns...)
}

// WriteMatched writes one row per matched property in res.Matched order.
// Properties without matches (present only when unmatched rows are kept)
// have empty distance and magnitude cells.
func WriteMatched(w io.Writer, delim rune, attributeNames []string, res domain.MatchResult) error {
	cw := newWriter(w, delim)
	if err := cw.Write(MatchedHeader(attributeNames)); err != nil {
		return err
	}

	for _, mp := range res.Matched {
		rec := make([]string, 0, len(attributeNames)+len(matchedColumns))
		for _, name := range attributeNames {
			rec = append(rec, attributeValue(mp.Property, name))
		}

		distance, magnitude := "", ""
		if mp.MatchedEventCount > 0 {
			distance = strconv.FormatFloat(mp.NearestEventDistance, 'f', 4, 64)
			magnitude = formatFloat(mp.NearestEventMagnitude)
		}
		rec = append(rec,
			mp.Property.ID,
			formatFloat(mp.Property.Lat),
			formatFloat(mp.Property.Lon),
			strconv.Itoa(mp.MatchedEventCount),
			distance,
			magnitude,
			strings.Join(res.MatchedEventIDs(mp), EventIDSeparator),
		)
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func attributeValue(p domain.Property, name string) string {
	for _, a := range p.Attributes {
		if a.Name == name {
			return a.Value
		}
	}
	return ""
}

// MatchedRow is one parsed row of the matched-properties output.
type MatchedRow struct {
	Row                   int
	PropertyID            string
	Lat                   float64
	Lon                   float64
	MatchedEventCount     int
	NearestEventDistance  float64
	NearestEventMagnitude float64
	EventIDs              []string
	Attributes            []domain.Attribute
}

// ReadMatched parses a matched-properties table.
func ReadMatched(r io.Reader, delim rune) ([]MatchedRow, error) {
	cr := newReader(r, delim)
	header, idx, err := readHeader(cr)
	if err != nil {
		return nil, err
	}
	for _, c := range matchedColumns {
		if _, ok := idx[c]; !ok {
			return nil, fmt.Errorf("matched output: missing column %q", c)
		}
	}
	attrCols := len(header) - len(matchedColumns)

	var rows []MatchedRow
	for n := 1; ; n++ {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", n, err)
		}

		row, err := parseMatchedRow(fields, idx)
		if err != nil {
			return nil, &domain.MalformedRecordError{Row: n, Reason: err.Error()}
		}
		row.Row = n
		for i := 0; i < attrCols && i < len(fields); i++ {
			row.Attributes = append(row.Attributes, domain.Attribute{Name: header[i], Value: fields[i]})
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseMatchedRow(fields []string, idx map[string]int) (MatchedRow, error) {
	var (
		row MatchedRow
		err error
	)
	row.PropertyID = get(fields, idx, "property_id")
	if row.Lat, err = strconv.ParseFloat(get(fields, idx, "latitude"), 64); err != nil {
		return row, fmt.Errorf("latitude: %w", err)
	}
	if row.Lon, err = strconv.ParseFloat(get(fields, idx, "longitude"), 64); err != nil {
		return row, fmt.Errorf("longitude: %w", err)
	}
	if row.MatchedEventCount, err = strconv.Atoi(get(fields, idx, "matched_event_count")); err != nil {
		return row, fmt.Errorf("matched_event_count: %w", err)
	}
	if s := get(fields, idx, "nearest_event_distance"); s != "" {
		if row.NearestEventDistance, err = strconv.ParseFloat(s, 64); err != nil {
			return row, fmt.Errorf("nearest_event_distance: %w", err)
		}
	}
	if s := get(fields, idx, "nearest_event_magnitude"); s != "" {
		if row.NearestEventMagnitude, err = strconv.ParseFloat(s, 64); err != nil {
			return row, fmt.Errorf("nearest_event_magnitude: %w", err)
		}
	}
	if s := get(fields, idx, "matched_event_ids"); s != "" {
		row.EventIDs = strings.Split(s, EventIDSeparator)
	}
	return row, nil
}
