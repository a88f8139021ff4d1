package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"grimm.is/warden/internal/orchestrator"
	"grimm.is/warden/internal/supervisor"
	"grimm.is/warden/internal/validation"
	"grimm.is/warden/internal/workflow"
)

// ErrorResponse represents a standard API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WriteError sends a JSON error response
func WriteError(w http.ResponseWriter, code int, message string, details ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp := ErrorResponse{Error: message}
	if len(details) > 0 {
		resp.Details = details[0]
	}
	json.NewEncoder(w).Encode(resp)
}

// WriteJSON sends a JSON success response
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInstanceNotFound),
		errors.Is(err, workflow.ErrWorkflowNotFound),
		errors.Is(err, supervisor.ErrProcessNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrNotRunning),
		errors.Is(err, orchestrator.ErrNotResumable):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeDomainError sends err with the status statusFor picks.
func writeDomainError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	WriteError(w, code, http.StatusText(code), err.Error())
}

// pathID returns the {id} path value, writing a 400 if it is malformed.
func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if err := validation.ValidateID(id); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id", err.Error())
		return "", false
	}
	return id, true
}
