package util

import (
	"encoding/json"
	"net/http"
)

// APIError is the body of every non-2xx JSON response. Error is the stable
// machine code, or the upstream message for backend failures.
type APIError struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func WriteError(w http.ResponseWriter, status int, code, msg, reqID string) {
	WriteJSON(w, status, APIError{Error: code, Message: msg, RequestID: reqID})
}
