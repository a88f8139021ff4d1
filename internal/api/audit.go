package api

import (
	"net/http"
	"strconv"
	"time"

	"grimm.is/warden/internal/audit"
)

// record writes a control action to the audit log, if one is configured.
// Failures are logged and never fail the request.
func (s *Server) record(r *http.Request, action, resource string, status int, err error, details map[string]any) {
	if s.audit == nil {
		return
	}
	evt := audit.Event{
		Timestamp: s.clock.Now(),
		Actor:     "api",
		Remote:    r.RemoteAddr,
		Action:    action,
		Resource:  resource,
		Details:   details,
		Status:    status,
	}
	if err != nil {
		evt.Status = statusFor(err)
		evt.Error = err.Error()
	}
	if werr := s.audit.Write(evt); werr != nil {
		s.logger.Warn("audit write failed", "action", action, "resource", resource, "error", werr)
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		WriteError(w, http.StatusServiceUnavailable, "audit log not enabled")
		return
	}

	query := r.URL.Query()
	q := audit.Query{
		Action:   query.Get("action"),
		Resource: query.Get("resource"),
		Limit:    100,
	}
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteError(w, http.StatusBadRequest, "invalid limit", raw)
			return
		}
		q.Limit = n
	}
	if raw := query.Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid since", "expected a duration like 1h")
			return
		}
		q.Since = s.clock.Now().Add(-d)
	}

	events, err := s.audit.Query(q)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, events)
}
