// Package devstack is a thin Go client for the devstackd daemon API.
// It speaks the daemon's JSON/SSE protocol and mirrors only the wire
// types it needs, so importing it never drags in the engine.
package devstack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/devstack-sh/devstack/spec"
)

// Client talks to one devstackd instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the daemon at baseURL (e.g.
// "http://127.0.0.1:7171").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Connect finds or starts a local daemon and returns a client for it.
func Connect() (*Client, error) {
	url, err := EnsureServer("")
	if err != nil {
		return nil, err
	}
	return NewClient(url), nil
}

// CreateResult is the daemon's response to environment creation.
type CreateResult struct {
	Project   string `json:"project"`
	Operation string `json:"operation"`
}

// CreateEnvironment submits a config and returns the project name and
// the id of the create operation, which runs asynchronously.
func (c *Client) CreateEnvironment(ctx context.Context, cfg spec.EnvironmentConfig) (CreateResult, error) {
	var out CreateResult
	err := c.do(ctx, http.MethodPost, "/environments", cfg, &out)
	return out, err
}

// ListEnvironments returns the active projects and their states.
func (c *Client) ListEnvironments(ctx context.Context) (map[string]spec.EnvironmentState, error) {
	var out map[string]spec.EnvironmentState
	err := c.do(ctx, http.MethodGet, "/environments", nil, &out)
	return out, err
}

// Status returns the full status snapshot for a project.
func (c *Client) Status(ctx context.Context, project string) (spec.EnvironmentStatus, error) {
	var out spec.EnvironmentStatus
	err := c.do(ctx, http.MethodGet, "/environments/"+project, nil, &out)
	return out, err
}

// DestroyEnvironment tears down a project and blocks until teardown
// completes.
func (c *Client) DestroyEnvironment(ctx context.Context, project string) error {
	return c.do(ctx, http.MethodDelete, "/environments/"+project, nil, nil)
}

// OperationRequest starts a lifecycle operation on an environment.
type OperationRequest struct {
	Type     string `json:"type"`
	Service  string `json:"service,omitempty"`
	Replicas int    `json:"replicas,omitempty"`
	Archive  string `json:"archive,omitempty"`
}

// StartOperation submits an operation and returns its id.
func (c *Client) StartOperation(ctx context.Context, project string, req OperationRequest) (string, error) {
	var out struct {
		Operation string `json:"operation"`
	}
	err := c.do(ctx, http.MethodPost, "/environments/"+project+"/operations", req, &out)
	return out.Operation, err
}

// Operation mirrors the daemon's operation record.
type Operation struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Status    string            `json:"status"`
	Progress  int               `json:"progress"`
	Log       []string          `json:"log,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Error     string            `json:"error,omitempty"`
	StartTime time.Time         `json:"start_time"`
	EndTime   *time.Time        `json:"end_time,omitempty"`
}

// Terminal reports whether the operation has finished.
func (op Operation) Terminal() bool {
	return op.Status == "completed" || op.Status == "failed" || op.Status == "cancelled"
}

// GetOperation fetches one operation record.
func (c *Client) GetOperation(ctx context.Context, project, id string) (Operation, error) {
	var out Operation
	err := c.do(ctx, http.MethodGet, "/environments/"+project+"/operations/"+id, nil, &out)
	return out, err
}

// ListOperations fetches all retained operation records.
func (c *Client) ListOperations(ctx context.Context, project string) ([]Operation, error) {
	var out []Operation
	err := c.do(ctx, http.MethodGet, "/environments/"+project+"/operations", nil, &out)
	return out, err
}

// waitPollInterval is the fallback polling cadence for WaitOperation.
const waitPollInterval = 500 * time.Millisecond

// WaitOperation polls until the operation reaches a terminal status.
// A failed operation is returned along with an error carrying its
// recorded failure.
func (c *Client) WaitOperation(ctx context.Context, project, id string) (Operation, error) {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		op, err := c.GetOperation(ctx, project, id)
		if err != nil {
			return op, err
		}
		if op.Terminal() {
			if op.Status == "failed" {
				return op, fmt.Errorf("operation %s failed: %s", op.Type, op.Error)
			}
			return op, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return op, ctx.Err()
		}
	}
}

// do executes one JSON request/response round trip. Non-2xx responses
// become errors carrying the daemon's error message.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError extracts the daemon's error payload.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)

	var payload struct {
		Error      string   `json:"error"`
		Validation []string `json:"validation_errors"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		if len(payload.Validation) > 0 {
			return fmt.Errorf("%s: %v", payload.Error, payload.Validation)
		}
		return fmt.Errorf("%s", payload.Error)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
}
