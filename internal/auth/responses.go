// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware. Every body is JSON with at least a "message" key.
package auth

import (
	"encoding/json"
	"net/http"
)

// messageBody is the default response shape.
type messageBody struct {
	Message string `json:"message"`
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details to prevent information leakage.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	writeJSON(w, http.StatusInternalServerError, messageBody{"Internal server error."})
}

// BadRequest returns a 400 JSON response with the given message.
// Use for client input validation failures.
func BadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, messageBody{message})
}

// Unauthorized returns a 401 JSON response.
func Unauthorized(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnauthorized, messageBody{message})
}

// Forbidden returns a 403 JSON response.
func Forbidden(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusForbidden, messageBody{message})
}

// NotFound returns a 404 JSON response.
func NotFound(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusNotFound, messageBody{message})
}

// Conflict returns a 409 JSON response.
func Conflict(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusConflict, messageBody{message})
}

// TooManyRequests returns a 429 JSON response.
func TooManyRequests(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusTooManyRequests, messageBody{message})
}

// OK returns a 200 JSON response with the given message.
func OK(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, messageBody{message})
}
