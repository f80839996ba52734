package csvtable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/couchcryptid/hail-property-matcher/internal/domain"
)

// PropertyColumns names the identifying columns of a property table. Every
// other column is carried through as an attribute.
type PropertyColumns struct {
	ID        string `yaml:"id"`
	Latitude  string `yaml:"latitude"`
	Longitude string `yaml:"longitude"`
}

// DefaultPropertyColumns returns id, latitude, longitude.
func DefaultPropertyColumns() PropertyColumns {
	return PropertyColumns{ID: "id", Latitude: "latitude", Longitude: "longitude"}
}

// ReadProperties parses a property table. Rows with missing or unparseable
// coordinates are skipped and reported as malformed. When the table has no
// ID column, the 1-based row number is used.
func ReadProperties(r io.Reader, delim rune, cols PropertyColumns) (domain.PropertyTable, error) {
	cr := newReader(r, delim)
	header, idx, err := readHeader(cr)
	if err != nil {
		return domain.PropertyTable{}, err
	}
	for _, c := range []string{cols.Latitude, cols.Longitude} {
		if _, ok := idx[c]; !ok {
			return domain.PropertyTable{}, &domain.ConfigurationError{
				Option: "property columns",
				Reason: fmt.Sprintf("column %q not in header", c),
			}
		}
	}

	var table domain.PropertyTable
	keep := make([]int, 0, len(header))
	for i, h := range header {
		if h == cols.ID || h == cols.Latitude || h == cols.Longitude {
			continue
		}
		keep = append(keep, i)
		table.AttributeNames = append(table.AttributeNames, h)
	}
	_, hasID := idx[cols.ID]

	for row := 1; ; row++ {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return domain.PropertyTable{}, fmt.Errorf("read row %d: %w", row, err)
		}

		lat, latErr := strconv.ParseFloat(get(fields, idx, cols.Latitude), 64)
		lon, lonErr := strconv.ParseFloat(get(fields, idx, cols.Longitude), 64)
		switch {
		case latErr != nil:
			table.Malformed = append(table.Malformed, &domain.MalformedRecordError{Row: row, Field: cols.Latitude, Reason: "missing or invalid latitude"})
			continue
		case lonErr != nil:
			table.Malformed = append(table.Malformed, &domain.MalformedRecordError{Row: row, Field: cols.Longitude, Reason: "missing or invalid longitude"})
			continue
		case lat < -90 || lat > 90 || lon < -180 || lon > 180:
			table.Malformed = append(table.Malformed, &domain.MalformedRecordError{Row: row, Reason: "coordinates out of range"})
			continue
		}

		id := strconv.Itoa(row)
		if hasID {
			if v := get(fields, idx, cols.ID); v != "" {
				id = v
			}
		}

		attrs := make([]domain.Attribute, len(keep))
		for j, i := range keep {
			v := ""
			if i < len(fields) {
				v = fields[i]
			}
			attrs[j] = domain.Attribute{Name: header[i], Value: v}
		}

		table.Properties = append(table.Properties, domain.Property{
			ID:         id,
			Lat:        lat,
			Lon:        lon,
			Attributes: attrs,
		})
	}
	return table, nil
}

// WriteProperties writes a property table with id, latitude, and longitude
// first, then the attribute columns in table order.
func WriteProperties(w io.Writer, delim rune, cols PropertyColumns, table domain.PropertyTable) error {
	cw := newWriter(w, delim)
	header := append([]string{cols.ID, cols.Latitude, cols.Longitude}, table.AttributeNames...)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, p := range table.Properties {
		rec := make([]string, 0, len(header))
		rec = append(rec, p.ID, formatFloat(p.Lat), formatFloat(p.Lon))
		for _, name := range table.AttributeNames {
			rec = append(rec, attributeValue(p, name))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// PropertyFile loads properties from a delimited file.
type PropertyFile struct {
	Path    string
	Delim   rune
	Columns PropertyColumns
}

// LoadProperties implements the pipeline's property source.
func (p PropertyFile) LoadProperties(_ context.Context) (domain.PropertyTable, error) {
	f, err := os.Open(p.Path)
	if err != nil {
		return domain.PropertyTable{}, err
	}
	defer f.Close()
	return ReadProperties(f, p.Delim, p.Columns)
}

// Describe names the source for logs.
func (p PropertyFile) Describe() string { return p.Path }
