package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/cordum/flowlog/core/assignment"
	"github.com/cordum/flowlog/core/infra/logging"
	"github.com/cordum/flowlog/core/workflow"
)

type commandRequest struct {
	Reason  string         `json:"reason,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
	AgentID string         `json:"agent_id,omitempty"`
}

type eventsResponse struct {
	WorkflowID   string           `json:"workflow_id"`
	Events       []workflow.Event `json:"events"`
	NextSequence uint64           `json:"next_sequence"`
}

type agentRequest struct {
	Kind        string `json:"kind,omitempty"`
	Capability  string `json:"capability"`
	CurrentLoad int    `json:"current_load"`
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	ids, err := s.engine.ListWorkflows(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": ids})
}

// handleSubmit accepts a definition as JSON or YAML. A missing workflow_id
// is generated; ?start=true starts the workflow right after creation.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDefinitionBytes+1))
	if err != nil {
		writeBadRequest(w, "read body: "+err.Error())
		return
	}
	if len(body) > maxDefinitionBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "too_large", Message: "definition too large"})
		return
	}
	def, err := decodeDefinition(r, body)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(def.ID) == "" {
		def.ID = uuid.NewString()
	}

	snap, err := s.engine.Submit(r.Context(), def)
	if err != nil {
		writeError(w, err)
		return
	}
	logging.Info(component, "workflow submitted", "workflow_id", def.ID, "principal", principal(r))
	if parseBool(r.URL.Query().Get("start")) {
		started, err := s.engine.Handle(r.Context(), workflow.Command{Type: workflow.CommandStart, WorkflowID: def.ID})
		if err != nil {
			writeError(w, err)
			return
		}
		snap = started
	}
	writeJSON(w, http.StatusCreated, snap)
}

func decodeDefinition(r *http.Request, body []byte) (*workflow.Workflow, error) {
	var def workflow.Workflow
	if isYAML(r) {
		if err := yaml.Unmarshal(body, &def); err != nil {
			return nil, fmt.Errorf("invalid yaml: %w", err)
		}
		// Re-encode through JSON so parameter values carry the same types
		// as definitions read back from the event log.
		raw, err := json.Marshal(&def)
		if err != nil {
			return nil, fmt.Errorf("invalid yaml: %w", err)
		}
		def = workflow.Workflow{}
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("invalid yaml: %w", err)
		}
		return &def, nil
	}
	if err := json.Unmarshal(body, &def); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	return &def, nil
}

func isYAML(r *http.Request) bool {
	if strings.EqualFold(r.URL.Query().Get("format"), "yaml") {
		return true
	}
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	switch mt {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return true
	}
	return false
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.GetSnapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	from, err := queryUint(r, "from", 1)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	events, err := s.engine.GetEvents(r.Context(), id, from, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	next := max(from, 1)
	if n := len(events); n > 0 {
		next = events[n-1].Sequence + 1
	}
	if events == nil {
		events = []workflow.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{WorkflowID: id, Events: events, NextSequence: next})
}

var lifecycleCommands = map[string]workflow.CommandType{
	"start":     workflow.CommandStart,
	"pause":     workflow.CommandPause,
	"resume":    workflow.CommandResume,
	"cancel":    workflow.CommandCancel,
	"reconcile": workflow.CommandReconcile,
}

var stepCommands = map[string]workflow.CommandType{
	"complete": workflow.CommandCompleteStep,
	"fail":     workflow.CommandFailStep,
	"assign":   workflow.CommandAssignAgent,
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	typ, ok := lifecycleCommands[r.PathValue("action")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	req, err := decodeCommandRequest(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	s.execute(w, r, workflow.Command{Type: typ, WorkflowID: r.PathValue("id"), Reason: req.Reason})
}

func (s *Server) handleStepCommand(w http.ResponseWriter, r *http.Request) {
	typ, ok := stepCommands[r.PathValue("action")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	req, err := decodeCommandRequest(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	cmd := workflow.Command{
		Type:       typ,
		WorkflowID: r.PathValue("id"),
		StepID:     r.PathValue("step_id"),
		Reason:     req.Reason,
		Result:     req.Result,
		AgentID:    req.AgentID,
	}
	if typ == workflow.CommandAssignAgent && strings.TrimSpace(cmd.AgentID) == "" {
		writeBadRequest(w, "agent_id required")
		return
	}
	s.execute(w, r, cmd)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, cmd workflow.Command) {
	snap, err := s.engine.Handle(r.Context(), cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	logging.Info(component, "command applied", "workflow_id", cmd.WorkflowID, "command", cmd.Type, "step_id", cmd.StepID, "principal", principal(r))
	writeJSON(w, http.StatusOK, snap)
}

func decodeCommandRequest(r *http.Request) (commandRequest, error) {
	var req commandRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
	if err != nil {
		return req, fmt.Errorf("read body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, fmt.Errorf("invalid json: %w", err)
	}
	return req, nil
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "unavailable", Message: "agent directory not configured"})
		return
	}
	agents, err := s.agents.ListAvailableAgents(r.Context(), r.URL.Query().Get("capability"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assignment.Summarize(agents, s.now()))
}

// handleRegisterAgent is the agent heartbeat: it registers or refreshes the
// agent named in the path.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "unavailable", Message: "agent directory not configured"})
		return
	}
	var req agentRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCommandBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid json: "+err.Error())
		return
	}
	if req.CurrentLoad < 0 {
		writeBadRequest(w, "current_load must be >= 0")
		return
	}
	desc := workflow.AgentDescriptor{
		AgentID:     strings.TrimSpace(r.PathValue("agent_id")),
		Kind:        req.Kind,
		Capability:  req.Capability,
		CurrentLoad: req.CurrentLoad,
	}
	if err := s.agents.Upsert(r.Context(), desc); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleRemoveAgent(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "unavailable", Message: "agent directory not configured"})
		return
	}
	if err := s.agents.Remove(r.Context(), r.PathValue("agent_id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return v, nil
}

func queryUint(r *http.Request, key string, def uint64) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return v, nil
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}
