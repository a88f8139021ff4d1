// Package client provides a client for the warden HTTP API, used by the CLI
// to inspect and drive a running daemon.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/orchestrator"
	"grimm.is/warden/internal/state"
	"grimm.is/warden/internal/stats"
)

// StatusInfo mirrors the API StatusResponse.
// Defined locally to avoid importing the internal/api package.
type StatusInfo struct {
	Status    string         `json:"status"`
	Version   string         `json:"version"`
	Uptime    string         `json:"uptime"`
	Processes map[string]int `json:"processes"`
	Workflows map[string]int `json:"workflows"`
}

// DefinitionInfo mirrors the API DefinitionInfo.
type DefinitionInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	StartAt     string   `json:"startAt"`
	Steps       []string `json:"steps"`
}

// AuditEntry mirrors audit.Event.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Remote    string         `json:"remote,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Details   map[string]any `json:"details,omitempty"`
	Status    int            `json:"status"`
	Error     string         `json:"error,omitempty"`
}

// Message is one event received from the websocket stream.
type Message struct {
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	Details    string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("API error (status %d): %s: %s", e.StatusCode, e.Message, e.Details)
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// HTTPClient talks to one daemon.
type HTTPClient struct {
	baseURL    string
	token      string
	tlsConfig  *tls.Config
	httpClient *http.Client
}

// ClientOption configures the HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.httpClient.Timeout = d
	}
}

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) ClientOption {
	return func(c *HTTPClient) {
		c.token = token
	}
}

// WithTLSConfig sets the TLS configuration for https and wss connections.
func WithTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *HTTPClient) {
		c.tlsConfig = cfg
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

// NewHTTPClient creates a new HTTPClient for the given base URL. A bare
// host:port is treated as http://host:port.
func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tlsConfig != nil && c.httpClient.Transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = c.tlsConfig
		c.httpClient.Transport = t
	}
	return c
}

// doRequest performs an HTTP request and decodes the JSON response.
func (c *HTTPClient) doRequest(ctx context.Context, method, path string, body, result any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Status retrieves daemon status.
func (c *HTTPClient) Status(ctx context.Context) (*StatusInfo, error) {
	var info StatusInfo
	if err := c.doRequest(ctx, http.MethodGet, "/v1/status", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Processes lists process records, optionally only those named name.
func (c *HTTPClient) Processes(ctx context.Context, name string) ([]*state.ProcessRecord, error) {
	path := "/v1/processes"
	if name != "" {
		path += "?name=" + url.QueryEscape(name)
	}
	var recs []*state.ProcessRecord
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// ProcessStats returns the recent resource history of a process.
func (c *HTTPClient) ProcessStats(ctx context.Context, id string) (*stats.Series, error) {
	var s stats.Series
	if err := c.doRequest(ctx, http.MethodGet, "/v1/processes/"+url.PathEscape(id)+"/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Definitions lists registered workflows.
func (c *HTTPClient) Definitions(ctx context.Context) ([]DefinitionInfo, error) {
	var defs []DefinitionInfo
	if err := c.doRequest(ctx, http.MethodGet, "/v1/definitions", nil, &defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// Workflows lists instances, filtered by workflow name and statuses.
func (c *HTTPClient) Workflows(ctx context.Context, f orchestrator.Filter) ([]*orchestrator.Instance, error) {
	q := url.Values{}
	if f.WorkflowName != "" {
		q.Set("workflow", f.WorkflowName)
	}
	if len(f.Statuses) > 0 {
		parts := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			parts[i] = string(s)
		}
		q.Set("status", strings.Join(parts, ","))
	}
	path := "/v1/workflows"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var insts []*orchestrator.Instance
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &insts); err != nil {
		return nil, err
	}
	return insts, nil
}

// Workflow fetches one instance.
func (c *HTTPClient) Workflow(ctx context.Context, id string) (*orchestrator.Instance, error) {
	var inst orchestrator.Instance
	if err := c.doRequest(ctx, http.MethodGet, "/v1/workflows/"+url.PathEscape(id), nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// Logs returns the last limit buffered log lines of an instance (0 for all).
func (c *HTTPClient) Logs(ctx context.Context, id string, limit int) ([]logging.LogEntry, error) {
	path := "/v1/workflows/" + url.PathEscape(id) + "/logs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var entries []logging.LogEntry
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Start starts a workflow on the daemon.
func (c *HTTPClient) Start(ctx context.Context, name string, input json.RawMessage, metadata map[string]any) (*orchestrator.Instance, error) {
	body := struct {
		Input    json.RawMessage `json:"input,omitempty"`
		Metadata map[string]any  `json:"metadata,omitempty"`
	}{input, metadata}
	var inst orchestrator.Instance
	if err := c.doRequest(ctx, http.MethodPost, "/v1/workflows/"+url.PathEscape(name)+"/start", body, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// Cancel cancels a running instance.
func (c *HTTPClient) Cancel(ctx context.Context, id string) (*orchestrator.Instance, error) {
	var inst orchestrator.Instance
	if err := c.doRequest(ctx, http.MethodPost, "/v1/workflows/"+url.PathEscape(id)+"/cancel", nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// Resume resumes a failed or cancelled instance.
func (c *HTTPClient) Resume(ctx context.Context, id string) (*orchestrator.Instance, error) {
	var inst orchestrator.Instance
	if err := c.doRequest(ctx, http.MethodPost, "/v1/workflows/"+url.PathEscape(id)+"/resume", nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// Audit lists control actions, newest first.
func (c *HTTPClient) Audit(ctx context.Context, action, resource string, limit int) ([]AuditEntry, error) {
	q := url.Values{}
	if action != "" {
		q.Set("action", action)
	}
	if resource != "" {
		q.Set("resource", resource)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/audit"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var entries []AuditEntry
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Watch streams events for topics (all when empty) to fn until ctx is
// cancelled, the connection drops or fn returns false.
func (c *HTTPClient) Watch(ctx context.Context, topics []string, fn func(Message) bool) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/events"
	if len(topics) > 0 {
		wsURL += "?topics=" + url.QueryEscape(strings.Join(topics, ","))
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  c.tlsConfig,
	}
	var header http.Header
	if c.token != "" {
		header = http.Header{"Authorization": {"Bearer " + c.token}}
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("failed to dial websocket: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue // Skip malformed
		}
		if !fn(msg) {
			return nil
		}
	}
}
