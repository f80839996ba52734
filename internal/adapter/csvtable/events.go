package csvtable

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/couchcryptid/hail-property-matcher/internal/domain"
)

const dateLayout = "2006-01-02"

// EventHeader is the column layout of the event artifacts.
var EventHeader = []string{"id", "date", "latitude", "longitude", "magnitude", "county", "place"}

// WriteEvents writes events in EventHeader layout. Floats use the shortest
// representation that parses back to the same value.
func WriteEvents(w io.Writer, events []domain.StormEvent) error {
	cw := newWriter(w, DefaultDelimiter)
	if err := cw.Write(EventHeader); err != nil {
		return err
	}
	for _, e := range events {
		rec := []string{
			e.ID,
			e.Time.UTC().Format(dateLayout),
			formatFloat(e.Lat),
			formatFloat(e.Lon),
			formatFloat(e.Magnitude),
			e.County,
			e.Place,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadEvents parses an event artifact written by WriteEvents.
func ReadEvents(r io.Reader) ([]domain.StormEvent, error) {
	cr := newReader(r, DefaultDelimiter)
	_, idx, err := readHeader(cr)
	if err != nil {
		return nil, err
	}
	for _, c := range EventHeader {
		if _, ok := idx[c]; !ok {
			return nil, fmt.Errorf("event artifact: missing column %q", c)
		}
	}

	events := []domain.StormEvent{}
	for row := 1; ; row++ {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", row, err)
		}

		e, err := parseEvent(fields, idx)
		if err != nil {
			return nil, fmt.Errorf("event artifact row %d: %w", row, err)
		}
		events = append(events, e)
	}
	return events, nil
}

func parseEvent(fields []string, idx map[string]int) (domain.StormEvent, error) {
	t, err := time.Parse(dateLayout, get(fields, idx, "date"))
	if err != nil {
		return domain.StormEvent{}, fmt.Errorf("date: %w", err)
	}
	lat, err := strconv.ParseFloat(get(fields, idx, "latitude"), 64)
	if err != nil {
		return domain.StormEvent{}, fmt.Errorf("latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(get(fields, idx, "longitude"), 64)
	if err != nil {
		return domain.StormEvent{}, fmt.Errorf("longitude: %w", err)
	}
	mag, err := strconv.ParseFloat(get(fields, idx, "magnitude"), 64)
	if err != nil {
		return domain.StormEvent{}, fmt.Errorf("magnitude: %w", err)
	}
	return domain.StormEvent{
		ID:        get(fields, idx, "id"),
		Time:      t,
		Lat:       lat,
		Lon:       lon,
		Magnitude: mag,
		County:    get(fields, idx, "county"),
		Place:     get(fields, idx, "place"),
	}, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
