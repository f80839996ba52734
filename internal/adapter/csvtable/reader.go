// Package csvtable reads and writes the delimited tables exchanged between
// pipeline stages: raw event rows, property lists, normalized event
// artifacts, and the matched-properties output.
package csvtable

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/couchcryptid/hail-property-matcher/internal/domain"
)

// DefaultDelimiter separates fields when none is configured.
const DefaultDelimiter = ','

func newReader(r io.Reader, delim rune) *csv.Reader {
	if delim == 0 {
		delim = DefaultDelimiter
	}
	cr := csv.NewReader(r)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false
	return cr
}

func newWriter(w io.Writer, delim rune) *csv.Writer {
	if delim == 0 {
		delim = DefaultDelimiter
	}
	cw := csv.NewWriter(w)
	cw.Comma = delim
	return cw
}

// readHeader returns the trimmed header row and a name-to-position index.
// A UTF-8 byte order mark on the first column is dropped.
func readHeader(cr *csv.Reader) ([]string, map[string]int, error) {
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, errors.New("missing header row")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}

	cols := make([]string, len(header))
	idx := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		cols[i] = h
		if _, dup := idx[h]; !dup {
			idx[h] = i
		}
	}
	return cols, idx, nil
}

func get(row []string, idx map[string]int, col string) string {
	i, ok := idx[col]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// ReadRecords reads a headed table into raw records. Short rows yield empty
// strings for the missing columns; the normalizer decides what is malformed.
func ReadRecords(r io.Reader, delim rune) ([]domain.RawRecord, error) {
	cr := newReader(r, delim)
	header, idx, err := readHeader(cr)
	if err != nil {
		return nil, err
	}

	var records []domain.RawRecord
	for row := 1; ; row++ {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", row, err)
		}

		m := make(map[string]string, len(header))
		for _, h := range header {
			m[h] = get(fields, idx, h)
		}
		records = append(records, domain.RawRecord{Row: row, Fields: m})
	}
	return records, nil
}

// ReadRecordsFile is ReadRecords over a file path.
func ReadRecordsFile(path string, delim rune) ([]domain.RawRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadRecords(f, delim)
}

// RecordFile is a local raw event table.
type RecordFile struct {
	Path  string
	Delim rune
}

// FetchRecords reads every row of the file.
func (f RecordFile) FetchRecords(_ context.Context) ([]domain.RawRecord, error) {
	return ReadRecordsFile(f.Path, f.Delim)
}

// Describe names the source for logs.
func (f RecordFile) Describe() string { return f.Path }
