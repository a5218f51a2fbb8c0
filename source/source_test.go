package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchHourValid(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`[[10.5, -20.25, 12.0], [-89.9, 179.9, 0.1]]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	obs, dropped, err := c.FetchHour(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "/07.json", gotPath)
	assert.Zero(t, dropped)
	require.Len(t, obs, 2)
	assert.Equal(t, 10.5, obs[0].Lat)
	assert.Equal(t, -20.25, obs[0].Lon)
	assert.Equal(t, 12.0, obs[0].AltKm)
}

func TestFetchHourFiltersCorruptRecords(t *testing.T) {
	// mixed corruption: non-arrays, wrong arity, non-numeric, out-of-range,
	// NaN literal (invalid JSON inside the element, dropped per record)
	body := `[
		[10, 20, 12],
		"not an array",
		[1, 2],
		[1, 2, 3, 4],
		[91, 0, 10],
		[0, -181, 10],
		[0, 0, 200],
		[0, 0, 0],
		[0, 0, NaN],
		[null, 2, 3],
		[1, null, 3],
		{"lat": 1},
		[45, 45, 18.5]
	]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	obs, dropped, err := c.FetchHour(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, obs, 2)
	assert.Equal(t, 11, dropped)
}

func TestFetchHourNaNTopLevelBody(t *testing.T) {
	// A literal NaN element breaks JSON at the record level only; the
	// surrounding array still parses element-by-element via RawMessage.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[[1,2,3],[NaN,2,3]]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	obs, dropped, err := c.FetchHour(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, obs, 1)
	assert.Equal(t, 1, dropped)
}

func TestFetchHourNonArrayBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error": "gone"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	obs, _, err := c.FetchHour(context.Background(), 0)
	assert.Error(t, err)
	assert.Empty(t, obs)
}

func TestFetchHourHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	obs, _, err := c.FetchHour(context.Background(), 0)
	assert.Error(t, err)
	assert.Empty(t, obs)
}

func TestFetchHourOffsetRange(t *testing.T) {
	c := NewClient("http://example.invalid")
	_, _, err := c.FetchHour(context.Background(), -1)
	assert.Error(t, err)
	_, _, err = c.FetchHour(context.Background(), 24)
	assert.Error(t, err)
}
