package jobclient

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

// HTTPEngine talks to a job engine exposing
//
//	POST {base}/executions        body: Spec → {"execution_id": "..."}
//	GET  {base}/executions/{id}   → {"state": "..."}
type HTTPEngine struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTPEngine creates an engine client. token, when set, is sent as a
// bearer token.
func NewHTTPEngine(baseURL, token string, timeout time.Duration) *HTTPEngine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPEngine{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

func (e *HTTPEngine) do(ctx context.Context, method, path string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// Submit starts an execution.
func (e *HTTPEngine) Submit(ctx context.Context, spec Spec) (string, error) {
	var resp struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := e.do(ctx, http.MethodPost, "/executions", spec, &resp); err != nil {
		return "", err
	}
	return resp.ExecutionID, nil
}

// Status reports the state of an execution. Engine-specific state names are
// folded into running, succeeded and failed.
func (e *HTTPEngine) Status(ctx context.Context, executionID string) (State, error) {
	var resp struct {
		State string `json:"state"`
	}
	if err := e.do(ctx, http.MethodGet, "/executions/"+url.PathEscape(executionID), nil, &resp); err != nil {
		return "", err
	}
	switch strings.ToLower(resp.State) {
	case "running", "pending", "queued", "starting":
		return StateRunning, nil
	case "succeeded", "success", "completed", "complete":
		return StateSucceeded, nil
	case "failed", "failure", "error", "cancelled", "canceled":
		return StateFailed, nil
	}
	return State(resp.State), nil
}
