// Package postgres loads candidate properties from a PostgreSQL table.
package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchcryptid/hail-property-matcher/internal/adapter/csvtable"
	"github.com/couchcryptid/hail-property-matcher/internal/domain"
)

// DefaultQuery reads a properties table with the default column names.
const DefaultQuery = "SELECT id, latitude, longitude FROM properties ORDER BY id"

// querier is the subset of *pgxpool.Pool the source uses.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Source runs a query and turns each row into a property. Columns named
// by Columns become the ID and coordinates; every other column is a
// passthrough attribute in result order.
type Source struct {
	db      querier
	pool    *pgxpool.Pool
	query   string
	columns csvtable.PropertyColumns
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn, query string, columns csvtable.PropertyColumns) (*Source, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, &domain.ConfigurationError{Option: "PROPERTY_DSN", Reason: err.Error()}
	}
	poolConfig.MaxConns = 2
	poolConfig.ConnConfig.ConnectTimeout = 5 * time.Second
	poolConfig.MaxConnIdleTime = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &domain.ExternalServiceError{Service: "postgres", Op: "ping", Attempts: 1, Err: err}
	}

	if query == "" {
		query = DefaultQuery
	}
	return &Source{db: pool, pool: pool, query: query, columns: columns}, nil
}

// Close releases the connection pool.
func (s *Source) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Describe names the source for logs without exposing credentials.
func (s *Source) Describe() string { return "postgres" }

// LoadProperties runs the query and collects every row.
func (s *Source) LoadProperties(ctx context.Context) (domain.PropertyTable, error) {
	rows, err := s.db.Query(ctx, s.query)
	if err != nil {
		return domain.PropertyTable{}, &domain.ExternalServiceError{Service: "postgres", Op: "query properties", Attempts: 1, Err: err}
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	pos, err := s.positions(names)
	if err != nil {
		return domain.PropertyTable{}, err
	}

	var table domain.PropertyTable
	for i, n := range names {
		if i != pos.id && i != pos.lat && i != pos.lon {
			table.AttributeNames = append(table.AttributeNames, n)
		}
	}

	for row := 1; rows.Next(); row++ {
		values, err := rows.Values()
		if err != nil {
			return domain.PropertyTable{}, fmt.Errorf("read row %d: %w", row, err)
		}
		p, bad := toProperty(row, names, values, pos)
		if bad != nil {
			table.Malformed = append(table.Malformed, bad)
			continue
		}
		table.Properties = append(table.Properties, p)
	}
	if err := rows.Err(); err != nil {
		return domain.PropertyTable{}, &domain.ExternalServiceError{Service: "postgres", Op: "query properties", Attempts: 1, Err: err}
	}
	return table, nil
}

type columnPositions struct {
	id, lat, lon int
}

func (s *Source) positions(names []string) (columnPositions, error) {
	pos := columnPositions{id: -1, lat: -1, lon: -1}
	for i, n := range names {
		switch n {
		case s.columns.ID:
			pos.id = i
		case s.columns.Latitude:
			pos.lat = i
		case s.columns.Longitude:
			pos.lon = i
		}
	}
	if pos.lat < 0 || pos.lon < 0 {
		return pos, &domain.ConfigurationError{
			Option: "PROPERTY_QUERY",
			Reason: fmt.Sprintf("result must include %q and %q columns", s.columns.Latitude, s.columns.Longitude),
		}
	}
	return pos, nil
}

func toProperty(row int, names []string, values []any, pos columnPositions) (domain.Property, *domain.MalformedRecordError) {
	lat, ok := toFloat(values[pos.lat])
	if !ok {
		return domain.Property{}, &domain.MalformedRecordError{Row: row, Field: names[pos.lat], Reason: "missing or invalid latitude"}
	}
	lon, ok := toFloat(values[pos.lon])
	if !ok {
		return domain.Property{}, &domain.MalformedRecordError{Row: row, Field: names[pos.lon], Reason: "missing or invalid longitude"}
	}

	id := strconv.Itoa(row)
	if pos.id >= 0 && values[pos.id] != nil {
		id = toText(values[pos.id])
	}

	p := domain.Property{ID: id, Lat: lat, Lon: lon}
	for i, v := range values {
		if i == pos.id || i == pos.lat || i == pos.lon {
			continue
		}
		p.Attributes = append(p.Attributes, domain.Attribute{Name: names[i], Value: toText(v)})
	}
	return p, nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
