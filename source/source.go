// Package source fetches raw hourly balloon snapshots from the upstream
// constellation feed.
//
// The feed publishes one JSON file per relative hour at <base>/<HH>.json
// where HH is the zero-padded offset from the current hour (00 = now,
// 23 = 23 hours ago). Records carry no identity and no timestamps; the hour
// timestamp is inferred as now_hour - offset. If the local wall clock drifts
// relative to the publisher, historical hours may misalign by up to one hour;
// the /health data age is the trust indicator for callers.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/skyborne/stratotrack/monitoring"
	"github.com/skyborne/stratotrack/storage"
)

// MaxOffset is the oldest relative hour the feed retains.
const MaxOffset = 23

const fetchTimeout = 30 * time.Second

// Client fetches and validates one hour of raw observations per call.
// It performs no retries; retry policy belongs to the ingest controller.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a feed client for the given base URL.
func NewClient(baseURL string) *Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Transport: tr, Timeout: fetchTimeout},
	}
}

// FetchHour requests the snapshot at the given relative hour and returns the
// subset of records passing validation plus the count of dropped records.
// Any upstream failure (non-2xx, network error, non-array body) yields an
// empty slice and a non-nil error; callers treat empty as "no data this pass".
func (c *Client) FetchHour(ctx context.Context, offset int) ([]storage.Observation, int, error) {
	if offset < 0 || offset > MaxOffset {
		return nil, 0, fmt.Errorf("offset %d out of range [0,%d]", offset, MaxOffset)
	}

	url := fmt.Sprintf("%s/%02d.json", c.baseURL, offset)
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		monitoring.SourceFetches.WithLabelValues("network_error").Inc()
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 20<<20)) // limit 20MB
	monitoring.Debugf("source request url=%s status=%d duration=%s body_len=%d", url, resp.StatusCode, time.Since(start), len(body))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		monitoring.SourceFetches.WithLabelValues(fmt.Sprintf("http_%d", resp.StatusCode)).Inc()
		return nil, 0, fmt.Errorf("source status %d for %s", resp.StatusCode, url)
	}

	obs, dropped, err := parseObservations(body)
	if err != nil {
		monitoring.SourceFetches.WithLabelValues("corrupt_body").Inc()
		return nil, 0, err
	}
	monitoring.SourceFetches.WithLabelValues("ok").Inc()
	if dropped > 0 {
		monitoring.SourceDropped.Add(float64(dropped))
		monitoring.Debugf("source offset=%02d kept=%d dropped=%d", offset, len(obs), dropped)
	}
	return obs, dropped, nil
}

// Non-standard numeric literals some corrupted feeds emit. Rewritten to JSON
// strings so the surrounding array still parses and only the offending record
// is dropped.
var nonFiniteTokens = [][2][]byte{
	{[]byte("-Infinity"), []byte(`"-Inf"`)},
	{[]byte("Infinity"), []byte(`"Inf"`)},
	{[]byte("NaN"), []byte(`"NaN"`)},
}

// parseObservations decodes a JSON array of 3-element numeric arrays.
// A non-array body fails outright; individual malformed records (non-arrays,
// wrong arity, nulls, non-finite numbers, out-of-range values) are dropped silently
// with a count. Corruption is a filter, not a fault.
func parseObservations(body []byte) ([]storage.Observation, int, error) {
	for _, tok := range nonFiniteTokens {
		body = bytes.ReplaceAll(body, tok[0], tok[1])
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, 0, fmt.Errorf("non-array feed body: %w", err)
	}
	obs := make([]storage.Observation, 0, len(raw))
	dropped := 0
	for _, rec := range raw {
		// pointers so a null element is visible instead of decoding to 0
		var tuple []*float64
		if err := json.Unmarshal(rec, &tuple); err != nil || len(tuple) != 3 ||
			tuple[0] == nil || tuple[1] == nil || tuple[2] == nil {
			dropped++
			continue
		}
		lat, lon, alt := *tuple[0], *tuple[1], *tuple[2]
		if !valid(lat, lon, alt) {
			dropped++
			continue
		}
		obs = append(obs, storage.Observation{Lat: lat, Lon: lon, AltKm: alt})
	}
	return obs, dropped, nil
}

func valid(lat, lon, alt float64) bool {
	for _, v := range [...]float64{lat, lon, alt} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180 && alt > 0 && alt < 50
}
