package proxy

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the JSON shape of every error response produced by the
// gateway. It always carries the correlation id of the request so that
// client reported issues can be grepped out of the centralized logs by
// that id alone.
type ErrorBody struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlationId"`
	Service       string `json:"service,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

// WriteError sends a structured JSON error response.
func WriteError(w http.ResponseWriter, code int, body ErrorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	json.NewEncoder(w).Encode(body)
}
