// Package web holds the small response helpers shared by all HTTP handlers.
package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dvitali/carovana/internal/domain"
)

// JSON writes a JSON response with the given status
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error maps domain sentinel errors to HTTP statuses and writes a JSON
// error body.
func Error(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrAuthRequired):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden), errors.Is(err, domain.ErrSecondFactor):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrInvariantViolation), errors.Is(err, domain.ErrSafetyViolation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrEmergencyStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrCircuitOpen), errors.Is(err, domain.ErrQuotaExceeded):
		status = http.StatusBadGateway
	}
	JSON(w, status, map[string]string{"error": err.Error()})
}

// BadRequest writes a 400 with the given message
func BadRequest(w http.ResponseWriter, msg string) {
	JSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// Decode parses a JSON request body into v
func Decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
