package tui

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

	"github.com/sarveshkapre/clone/pkg/autopilot"
	"github.com/sarveshkapre/clone/pkg/procs"
	"github.com/sarveshkapre/clone/pkg/serve"
)

// Client talks to the control plane HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetTimeout updates the request timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	c.client.Timeout = timeout
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	// Action endpoints answer 409 with a full result body.
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusConflict {
		var e serve.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Snapshot fetches a snapshot without notification or autopilot side
// effects.
func (c *Client) Snapshot(ctx context.Context) (*serve.Snapshot, error) {
	q := url.Values{"side_effects": {"0"}}
	var snap serve.Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/snapshot?"+q.Encode(), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Normalize collapses duplicate loop groups.
func (c *Client) Normalize(ctx context.Context) (*procs.NormalizeResult, error) {
	var out procs.NormalizeResult
	if err := c.do(ctx, http.MethodPost, "/api/control/normalize", map[string]interface{}{"force": true}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stop stops the active run.
func (c *Client) Stop(ctx context.Context, force bool) (*procs.StopResult, error) {
	var out procs.StopResult
	if err := c.do(ctx, http.MethodPost, "/api/control/stop", map[string]interface{}{"force": force}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunNext asks the autopilot to execute its next step.
func (c *Client) RunNext(ctx context.Context) (*autopilot.RunResult, error) {
	var out serve.AgentRunResponse
	if err := c.do(ctx, http.MethodPost, "/api/agent/run-next", map[string]interface{}{"source": autopilot.SourceManual}, &out); err != nil {
		return nil, err
	}
	return &out.RunResult, nil
}
