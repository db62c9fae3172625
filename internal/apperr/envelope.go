package apperr

import (
	"encoding/json"
	"net/http"
)

// Envelope is the stable failure body returned to HTTP clients.
type Envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Write serializes err as an Envelope with the status of its kind.
func Write(w http.ResponseWriter, err error) {
	e := From(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Kind.Status())
	json.NewEncoder(w).Encode(Envelope{Success: false, Error: e.Message, Details: e.Details})
}
