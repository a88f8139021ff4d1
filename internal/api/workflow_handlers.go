package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"grimm.is/warden/internal/orchestrator"
)

// DefinitionInfo describes a registered workflow.
type DefinitionInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	StartAt     string   `json:"startAt"`
	Steps       []string `json:"steps"`
}

func (s *Server) handleListDefinitions(w http.ResponseWriter, _ *http.Request) {
	reg := s.workflows.Registry()
	out := make([]DefinitionInfo, 0)
	for _, name := range reg.Names() {
		def, err := reg.Get(name)
		if err != nil {
			continue
		}
		out = append(out, DefinitionInfo{
			Name:        def.Name,
			Description: def.Description,
			StartAt:     def.StartAt,
			Steps:       def.StepNames(),
		})
	}
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := orchestrator.Filter{WorkflowName: q.Get("workflow")}
	if raw := q.Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, orchestrator.Status(strings.TrimSpace(st)))
		}
	}

	insts, err := s.workflows.List(f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, insts)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inst, err := s.workflows.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}

func (s *Server) handleWorkflowLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.workflows.Get(id); err != nil {
		writeDomainError(w, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteError(w, http.StatusBadRequest, "invalid limit", raw)
			return
		}
		limit = n
	}
	WriteJSON(w, http.StatusOK, s.workflows.Logs(id, limit))
}

// StartRequest is the optional body of POST /v1/workflows/{name}/start.
type StartRequest struct {
	Input    json.RawMessage `json:"input,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}
	req.Metadata["source"] = "api"

	name := r.PathValue("name")
	inst, err := s.workflows.Start(r.Context(), name, req.Input, req.Metadata)
	resource := name
	if inst != nil {
		resource = inst.ID
	}
	s.record(r, "workflow.start", resource, http.StatusAccepted, err, map[string]any{"workflow": name})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("workflow started", "instance", inst.ID, "workflow", inst.WorkflowName, "remote", r.RemoteAddr)
	WriteJSON(w, http.StatusAccepted, inst)
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inst, err := s.workflows.Cancel(r.Context(), id)
	s.record(r, "workflow.cancel", id, http.StatusOK, err, nil)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}

func (s *Server) handleResumeWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inst, err := s.workflows.Resume(r.Context(), id)
	s.record(r, "workflow.resume", id, http.StatusAccepted, err, nil)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, inst)
}
