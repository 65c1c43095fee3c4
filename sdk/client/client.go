// Package client is an HTTP and websocket client for the flowlog API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cordum/flowlog/core/workflow"
)

// Client is a minimal HTTP client for the API gateway.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// New returns a client with a default HTTP timeout.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// APIError is a non-2xx gateway response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s: %s", e.Status, e.Code, e.Message)
}

// IsStatus reports whether err is an APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// EventsPage is one page of a workflow's log.
type EventsPage struct {
	WorkflowID   string           `json:"workflow_id"`
	Events       []workflow.Event `json:"events"`
	NextSequence uint64           `json:"next_sequence"`
}

// AgentRegistration is the heartbeat body for PUT /api/v1/agents/{id}.
type AgentRegistration struct {
	Kind        string `json:"kind,omitempty"`
	Capability  string `json:"capability"`
	CurrentLoad int    `json:"current_load"`
}

// AgentSummary mirrors the agent listing.
type AgentSummary struct {
	CapturedAt   time.Time                    `json:"captured_at"`
	Capabilities map[string]CapabilitySummary `json:"capabilities"`
	Agents       []workflow.AgentDescriptor   `json:"agents"`
}

type CapabilitySummary struct {
	Agents    int            `json:"agents"`
	TotalLoad int            `json:"total_load"`
	MinLoad   int            `json:"min_load"`
	Kinds     map[string]int `json:"kinds,omitempty"`
}

type commandBody struct {
	Reason  string         `json:"reason,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
	AgentID string         `json:"agent_id,omitempty"`
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		payload = buf
	}
	return c.do(ctx, method, path, payload, "application/json", out)
}

func (c *Client) do(ctx context.Context, method, path string, payload io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), payload)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = strings.TrimSpace(string(data))
			if apiErr.Code == "" {
				apiErr.Code = resp.Status
			}
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func workflowPath(workflowID string, rest ...string) string {
	parts := append([]string{"/api/v1/workflows", url.PathEscape(workflowID)}, rest...)
	return strings.Join(parts, "/")
}

// Submit creates a workflow. With start set the gateway also starts it.
func (c *Client) Submit(ctx context.Context, wf *workflow.Workflow, start bool) (*workflow.Snapshot, error) {
	if wf == nil {
		return nil, fmt.Errorf("definition is nil")
	}
	var snap workflow.Snapshot
	if err := c.doJSON(ctx, http.MethodPost, submitPath(start), wf, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SubmitDocument creates a workflow from a raw JSON or YAML definition.
func (c *Client) SubmitDocument(ctx context.Context, doc []byte, yamlDoc, start bool) (*workflow.Snapshot, error) {
	if len(bytes.TrimSpace(doc)) == 0 {
		return nil, fmt.Errorf("definition is empty")
	}
	contentType := "application/json"
	if yamlDoc {
		contentType = "application/yaml"
	}
	var snap workflow.Snapshot
	if err := c.do(ctx, http.MethodPost, submitPath(start), bytes.NewReader(doc), contentType, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func submitPath(start bool) string {
	if start {
		return "/api/v1/workflows?start=true"
	}
	return "/api/v1/workflows"
}

// ListWorkflows returns up to limit workflow IDs, newest first.
func (c *Client) ListWorkflows(ctx context.Context, limit int) ([]string, error) {
	path := "/api/v1/workflows"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Workflows []string `json:"workflows"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Workflows, nil
}

// GetSnapshot fetches the current snapshot of a workflow.
func (c *Client) GetSnapshot(ctx context.Context, workflowID string) (*workflow.Snapshot, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("workflow id required")
	}
	var snap workflow.Snapshot
	if err := c.doJSON(ctx, http.MethodGet, workflowPath(workflowID), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetEvents reads one page of events starting at from. limit <= 0 uses the
// server's page size.
func (c *Client) GetEvents(ctx context.Context, workflowID string, from uint64, limit int) (*EventsPage, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("workflow id required")
	}
	q := url.Values{}
	q.Set("from", strconv.FormatUint(max(from, 1), 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page EventsPage
	if err := c.doJSON(ctx, http.MethodGet, workflowPath(workflowID, "events")+"?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) lifecycle(ctx context.Context, workflowID, action, reason string) (*workflow.Snapshot, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("workflow id required")
	}
	var snap workflow.Snapshot
	if err := c.doJSON(ctx, http.MethodPost, workflowPath(workflowID, action), commandBody{Reason: reason}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) Start(ctx context.Context, workflowID string) (*workflow.Snapshot, error) {
	return c.lifecycle(ctx, workflowID, "start", "")
}

func (c *Client) Pause(ctx context.Context, workflowID, reason string) (*workflow.Snapshot, error) {
	return c.lifecycle(ctx, workflowID, "pause", reason)
}

func (c *Client) Resume(ctx context.Context, workflowID string) (*workflow.Snapshot, error) {
	return c.lifecycle(ctx, workflowID, "resume", "")
}

func (c *Client) Cancel(ctx context.Context, workflowID, reason string) (*workflow.Snapshot, error) {
	return c.lifecycle(ctx, workflowID, "cancel", reason)
}

// Reconcile asks the engine to act on elapsed retry backoffs.
func (c *Client) Reconcile(ctx context.Context, workflowID string) (*workflow.Snapshot, error) {
	return c.lifecycle(ctx, workflowID, "reconcile", "")
}

func (c *Client) step(ctx context.Context, workflowID, stepID, action string, body commandBody) (*workflow.Snapshot, error) {
	if workflowID == "" || stepID == "" {
		return nil, fmt.Errorf("workflow id and step id are required")
	}
	var snap workflow.Snapshot
	path := workflowPath(workflowID, "steps", url.PathEscape(stepID), action)
	if err := c.doJSON(ctx, http.MethodPost, path, body, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) CompleteStep(ctx context.Context, workflowID, stepID string, result map[string]any) (*workflow.Snapshot, error) {
	return c.step(ctx, workflowID, stepID, "complete", commandBody{Result: result})
}

func (c *Client) FailStep(ctx context.Context, workflowID, stepID, reason string) (*workflow.Snapshot, error) {
	return c.step(ctx, workflowID, stepID, "fail", commandBody{Reason: reason})
}

func (c *Client) AssignAgent(ctx context.Context, workflowID, stepID, agentID string) (*workflow.Snapshot, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id required")
	}
	return c.step(ctx, workflowID, stepID, "assign", commandBody{AgentID: agentID})
}

// Heartbeat registers the agent or refreshes its registration.
func (c *Client) Heartbeat(ctx context.Context, agentID string, reg AgentRegistration) error {
	if agentID == "" {
		return fmt.Errorf("agent id required")
	}
	return c.doJSON(ctx, http.MethodPut, "/api/v1/agents/"+url.PathEscape(agentID), reg, nil)
}

func (c *Client) RemoveAgent(ctx context.Context, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("agent id required")
	}
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/agents/"+url.PathEscape(agentID), nil, nil)
}

// ListAgents returns available agents, optionally filtered by capability.
func (c *Client) ListAgents(ctx context.Context, capability string) (*AgentSummary, error) {
	path := "/api/v1/agents"
	if capability != "" {
		path += "?capability=" + url.QueryEscape(capability)
	}
	var out AgentSummary
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
