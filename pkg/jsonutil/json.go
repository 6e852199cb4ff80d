package jsonutil

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the error envelope of every RPC response.
type ErrorBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// WriteResult wraps result as {"result": ...} with status 200.
func WriteResult(w http.ResponseWriter, result any) {
	WriteJSON(w, http.StatusOK, map[string]any{"result": result})
}

// WriteError writes {"error": {"status": code, "message": msg}}.
func WriteError(w http.ResponseWriter, httpStatus int, code, msg string) {
	WriteJSON(w, httpStatus, map[string]ErrorBody{"error": {Status: code, Message: msg}})
}

// DecodeJSON reads a request body into v, rejecting unknown fields.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
