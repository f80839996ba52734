package ncei

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/hail-property-matcher/internal/domain"
	"github.com/couchcryptid/hail-property-matcher/internal/observability"
)

const listingHTML = `<html><body><pre>
<a href="StormEvents_details-ftp_v1.0_d2023_c20240216.csv.gz">StormEvents_details-ftp_v1.0_d2023_c20240216.csv.gz</a>
<a href="StormEvents_details-ftp_v1.0_d2024_c20250120.csv.gz">StormEvents_details-ftp_v1.0_d2024_c20250120.csv.gz</a>
<a href="StormEvents_details-ftp_v1.0_d2024_c20250401.csv.gz">StormEvents_details-ftp_v1.0_d2024_c20250401.csv.gz</a>
<a href="StormEvents_fatalities-ftp_v1.0_d2024_c20250401.csv.gz">StormEvents_fatalities-ftp_v1.0_d2024_c20250401.csv.gz</a>
</pre></body></html>`

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func testClient(baseURL string) *Client {
	return NewClient(Options{BaseURL: baseURL + "/", MaxAttempts: 3}, nil, observability.DiscardLogger())
}

func TestLatestDetailsFile(t *testing.T) {
	name, ok := latestDetailsFile(listingHTML, 2024)
	require.True(t, ok)
	assert.Equal(t, "StormEvents_details-ftp_v1.0_d2024_c20250401.csv.gz", name)

	name, ok = latestDetailsFile(listingHTML, 2023)
	require.True(t, ok)
	assert.Equal(t, "StormEvents_details-ftp_v1.0_d2023_c20240216.csv.gz", name)

	_, ok = latestDetailsFile(listingHTML, 1950)
	assert.False(t, ok)
}

func TestClient_FetchYears(t *testing.T) {
	files := map[string][]byte{
		"/StormEvents_details-ftp_v1.0_d2023_c20240216.csv.gz": gzipped(t, "EVENT_ID,EVENT_TYPE\n1,Hail\n2,Tornado\n"),
		"/StormEvents_details-ftp_v1.0_d2024_c20250401.csv.gz": gzipped(t, "EVENT_ID,EVENT_TYPE\n3,Hail\n"),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			_, _ = w.Write([]byte(listingHTML))
			return
		}
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	recs, err := testClient(srv.URL).FetchYears(context.Background(), []int{2023, 2024})
	require.NoError(t, err)

	require.Len(t, recs, 3)
	assert.Equal(t, domain.RawRecord{Row: 1, Fields: map[string]string{"EVENT_ID": "1", "EVENT_TYPE": "Hail"}}, recs[0])
	assert.Equal(t, 3, recs[2].Row, "row numbers continue across years")
	assert.Equal(t, "3", recs[2].Fields["EVENT_ID"])
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(listingHTML))
			return
		}
		_, _ = w.Write(gzipped(t, "EVENT_ID\n9\n"))
	}))
	defer srv.Close()

	recs, err := testClient(srv.URL).FetchYears(context.Background(), []int{2024})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchYears(context.Background(), []int{2024})
	var extErr *domain.ExternalServiceError
	require.ErrorAs(t, err, &extErr)
	assert.Equal(t, "ncei", extErr.Service)
	assert.Equal(t, 3, extErr.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchYears(context.Background(), []int{2024})
	var extErr *domain.ExternalServiceError
	require.ErrorAs(t, err, &extErr)
	assert.Equal(t, 1, extErr.Attempts)
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, err.Error(), "404")
}

func TestClient_MissingYear(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(listingHTML))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchYears(context.Background(), []int{1949})
	require.Error(t, err)
	assert.Equal(t, domain.KindExternalService, domain.ErrorKind(err))
	assert.Contains(t, err.Error(), "1949")
}

func TestClient_CorruptArchive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			_, _ = w.Write([]byte(listingHTML))
			return
		}
		_, _ = w.Write([]byte("not gzip"))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchYears(context.Background(), []int{2024})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gzip")
}

func TestYearSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			_, _ = w.Write([]byte(listingHTML))
			return
		}
		_, _ = w.Write(gzipped(t, "EVENT_ID\n7\n"))
	}))
	defer srv.Close()

	src := YearSource{Client: testClient(srv.URL), Years: []int{2024}}
	recs, err := src.FetchRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "7", recs[0].Fields["EVENT_ID"])
	assert.Equal(t, srv.URL+"/", src.Describe())
}
