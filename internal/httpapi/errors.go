package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/berthcare/core/internal/errs"
)

// errorBody is the {code, message, details?, timestamp, requestId} shape
// §4.13/§7 requires, wrapped under a top-level "error" key.
type errorBody struct {
	Code      errs.Code      `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp string         `json:"timestamp"`
	RequestID string         `json:"requestId"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError is the single boundary translating a service error into the
// closed HTTP response envelope (§7). Any error not already an *errs.Error
// is folded into CodeInternal; the underlying cause is logged but never
// returned to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := errs.As(err)
	if e.Code == errs.CodeInternal {
		log.Ctx(r.Context()).Error().Err(err).Msg("internal error")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code.Status())
	json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{
		Code:      e.Code,
		Message:   e.Message,
		Details:   e.Details,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: GetRequestID(r.Context()),
	}})
}
