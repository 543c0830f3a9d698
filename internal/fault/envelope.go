// ABOUTME: JSON error envelope writer shared by all gateway HTTP surfaces
// ABOUTME: Produces the field-exact {"error": {code, message, details, timestamp}} shape

package fault

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"
)

// wireError is the serialized error body.
type wireError struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`
	Timestamp string         `json:"timestamp"`
}

// Envelope is the top-level error response body.
type Envelope struct {
	Error wireError `json:"error"`
}

// NewEnvelope builds the wire envelope for err at the given time.
func NewEnvelope(err error, now time.Time) Envelope {
	fe := From(err)
	details := fe.Details
	if details == nil {
		details = map[string]any{}
	}
	return Envelope{Error: wireError{
		Code:      fe.Code,
		Message:   fe.Message,
		Details:   details,
		Timestamp: now.UTC().Format(time.RFC3339),
	}}
}

// WriteHTTP writes err as a JSON error envelope with the mapped status code.
// Transient failures carry a Retry-After header when a hint is present.
func WriteHTTP(w http.ResponseWriter, err error) {
	fe := From(err)
	w.Header().Set("Content-Type", "application/json")
	if fe.RetryAfter > 0 {
		secs := int(math.Ceil(fe.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.WriteHeader(fe.HTTPStatus())
	_ = json.NewEncoder(w).Encode(NewEnvelope(fe, time.Now()))
}
