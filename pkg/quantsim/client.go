package quantsim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client provides a Go SDK for interacting with the quantsim-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new quantsim API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// StartBacktest submits a backtest request. The strategy and optional
// bars/cost overrides follow the server's JSON schema; json.RawMessage
// and map[string]any both work as the request body.
func (c *Client) StartBacktest(ctx context.Context, req any) (*StartedBacktest, error) {
	var out StartedBacktest
	if err := c.do(ctx, http.MethodPost, "/api/backtests", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Progress reports the live progress of a session.
func (c *Client) Progress(ctx context.Context, sessionID string) (*Progress, error) {
	var out Progress
	if err := c.do(ctx, http.MethodGet, "/api/backtests/"+sessionID+"/progress", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Result fetches the terminal result of a session. It returns an error
// while the session is still running.
func (c *Client) Result(ctx context.Context, sessionID string) (*Result, error) {
	var out Result
	if err := c.do(ctx, http.MethodGet, "/api/backtests/"+sessionID+"/result", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForResult polls progress until the session is terminal, then
// fetches the result. pollInterval <= 0 defaults to one second.
func (c *Client) WaitForResult(ctx context.Context, sessionID string, pollInterval time.Duration) (*Result, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		prog, err := c.Progress(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if terminalStatus(prog.Status) {
			return c.Result(ctx, sessionID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel requests a cooperative stop of a running session.
func (c *Client) Cancel(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/api/backtests/"+sessionID, nil, nil)
}

// ListSessions lists known sessions, newest first.
func (c *Client) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	var out struct {
		Sessions []SessionSummary `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/backtests", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// MarketStatus reports whether the US equity market is open.
func (c *Client) MarketStatus(ctx context.Context) (*MarketStatus, error) {
	var out MarketStatus
	if err := c.do(ctx, http.MethodGet, "/api/market/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func terminalStatus(s string) bool {
	switch s {
	case "completed", "failed", "stopped":
		return true
	}
	return false
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("quantsim: %d %s", e.StatusCode, e.Message)
}
