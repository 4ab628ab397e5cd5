package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal HTTP client for the coffer gateway.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// New returns a client with a default HTTP timeout.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// ArtifactRef mirrors the gateway's artifact coordinates.
type ArtifactRef struct {
	SourceID   string `json:"source_id"`
	ArtifactID string `json:"artifact_id"`
	Kind       string `json:"kind"`
	Backend    string `json:"backend"`
}

// Operation mirrors one tracked backup operation.
type Operation struct {
	ID           string      `json:"id"`
	Ref          ArtifactRef `json:"ref"`
	State        string      `json:"state"`
	SubmittedAt  time.Time   `json:"submitted_at"`
	LastPolledAt time.Time   `json:"last_polled_at,omitzero"`
	TerminalAt   time.Time   `json:"terminal_at,omitzero"`
	Error        string      `json:"error,omitempty"`
	SizeBytes    int64       `json:"size_bytes,omitempty"`
}

// ManifestEntry mirrors one durable manifest record.
type ManifestEntry struct {
	Ref       ArtifactRef       `json:"ref"`
	Outcome   string            `json:"outcome"`
	CreatedAt time.Time         `json:"created_at"`
	SizeBytes int64             `json:"size_bytes"`
	Location  string            `json:"location,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// ManifestFilter narrows a manifest listing. OlderThan takes a duration
// ("72h") or an RFC3339 timestamp, matching the gateway query parameter.
type ManifestFilter struct {
	Backend   string
	Source    string
	Kind      string
	OlderThan string
}

// SubmitBackupRequest mirrors the gateway submit payload. ArtifactID is
// optional; the engine derives one when absent.
type SubmitBackupRequest struct {
	SourceID   string `json:"source_id"`
	ArtifactID string `json:"artifact_id,omitempty"`
	Kind       string `json:"kind"`
	Backend    string `json:"backend"`
}

// SubmitBackupResponse captures the accepted submission.
type SubmitBackupResponse struct {
	OperationID string `json:"operation_id"`
	ArtifactID  string `json:"artifact_id"`
}

// FailedDeletion describes one artifact a sweep could not delete.
type FailedDeletion struct {
	ArtifactID string `json:"artifact_id"`
	Backend    string `json:"backend"`
	Reason     string `json:"reason"`
}

// SweepResult summarizes one retention sweep.
type SweepResult struct {
	Deleted []string         `json:"deleted"`
	Failed  []FailedDeletion `json:"failed,omitempty"`
}

// BackendSummary is a compact view of one registered backend.
type BackendSummary struct {
	Driver string `json:"driver"`
}

// BackendsSnapshot lists the configured backends.
type BackendsSnapshot struct {
	CapturedAt string                    `json:"captured_at"`
	Backends   map[string]BackendSummary `json:"backends,omitempty"`
}

func (c *Client) endpoint(path string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	return base + path
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

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), payload)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
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
		data, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// SubmitBackup submits a backup request and returns the accepted operation.
func (c *Client) SubmitBackup(ctx context.Context, req *SubmitBackupRequest) (*SubmitBackupResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("request is nil")
	}
	var resp SubmitBackupResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/backups", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetStatus fetches the gateway status snapshot.
func (c *Client) GetStatus(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListOperations fetches tracked operations, oldest first. An empty state
// lists everything.
func (c *Client) ListOperations(ctx context.Context, state string) ([]Operation, error) {
	path := "/api/v1/operations"
	if state != "" {
		path += "?state=" + url.QueryEscape(state)
	}
	var resp struct {
		Items []Operation `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// GetOperation fetches one operation by ID.
func (c *Client) GetOperation(ctx context.Context, id string) (*Operation, error) {
	if id == "" {
		return nil, fmt.Errorf("operation id required")
	}
	var op Operation
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/operations/"+url.PathEscape(id), nil, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// ListManifest fetches manifest entries matching the filter, oldest first.
func (c *Client) ListManifest(ctx context.Context, filter ManifestFilter) ([]ManifestEntry, error) {
	q := url.Values{}
	if filter.Backend != "" {
		q.Set("backend", filter.Backend)
	}
	if filter.Source != "" {
		q.Set("source", filter.Source)
	}
	if filter.Kind != "" {
		q.Set("kind", filter.Kind)
	}
	if filter.OlderThan != "" {
		q.Set("older_than", filter.OlderThan)
	}
	path := "/api/v1/manifest"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Items []ManifestEntry `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// Sweep triggers a retention sweep and returns its result.
func (c *Client) Sweep(ctx context.Context) (*SweepResult, error) {
	var res SweepResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/sweep", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListBackends fetches the configured backend snapshot.
func (c *Client) ListBackends(ctx context.Context) (*BackendsSnapshot, error) {
	var snap BackendsSnapshot
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/backends", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
