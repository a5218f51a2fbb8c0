package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an API-visible failure.
type Kind string

const (
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUpstreamCorrupt     Kind = "upstream_corrupt"
	KindWindRateLimited     Kind = "wind_rate_limited"
	KindWindUnavailable     Kind = "wind_unavailable"
	KindStoreWriteFailed    Kind = "store_write_failed"
	KindStoreReadFailed     Kind = "store_read_failed"
	KindNotFound            Kind = "not_found"
	KindInvalidArgument     Kind = "invalid_argument"
	KindTimeout             Kind = "timeout"
)

// Error is an API failure with a machine kind and a human message.
type Error struct {
	Kind    Kind   `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

// E builds an Error with a formatted message.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func httpStatus(k Kind) int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindWindRateLimited:
		return http.StatusServiceUnavailable
	case KindUpstreamUnavailable, KindWindUnavailable:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError emits the JSON error body. Non-Error failures are reported as
// opaque store reads, never with internal detail.
func writeError(w http.ResponseWriter, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = E(KindStoreReadFailed, "internal error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(apiErr.Kind))
	_ = json.NewEncoder(w).Encode(apiErr)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
