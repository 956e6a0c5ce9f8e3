package shared

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrorResponse is the JSON body returned for rejected operations. Kind is a
// stable machine-readable identifier; Entity/EntityID/State give the caller
// enough context to render an actionable message without re-querying.
type ErrorResponse struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Entity   string `json:"entity,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
	State    string `json:"state,omitempty"`
	Details  any    `json:"details,omitempty"`
}

// Describer lets typed domain errors populate the error response.
type Describer interface {
	Describe() ErrorResponse
}

// RespondJSON writes a JSON payload with the given status.
func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// RespondError maps a domain error onto a stable JSON error body.
func RespondError(w http.ResponseWriter, status int, err error) {
	var d Describer
	if errors.As(err, &d) {
		RespondJSON(w, status, d.Describe())
		return
	}
	kind := "internal"
	switch {
	case errors.Is(err, ErrNotFound):
		kind = "not_found"
	case errors.Is(err, ErrInvalidInput):
		kind = "invalid_input"
	}
	RespondJSON(w, status, ErrorResponse{Kind: kind, Message: err.Error()})
}
