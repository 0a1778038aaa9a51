// Package jobclient submits validation jobs to an external execution engine
// and polls them to completion.
package jobclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/lucasnoah/labforge/internal/pipeline"
	"github.com/lucasnoah/labforge/internal/retry"
)

// State is the engine-reported state of an execution.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal is how waiting for an execution ended.
type Terminal string

const (
	Succeeded Terminal = "succeeded"
	Failed    Terminal = "failed"
	TimedOut  Terminal = "timed_out"
)

// Engine is the external job execution engine.
type Engine interface {
	Submit(ctx context.Context, spec Spec) (executionID string, err error)
	Status(ctx context.Context, executionID string) (State, error)
}

// Archiver stores a copy of each submitted spec next to its artifacts.
type Archiver interface {
	Put(ctx context.Context, key string, data []byte) error
}

// ErrInconclusive means status checks kept failing and the outcome is unknown.
var ErrInconclusive = errors.New("validation status inconclusive")

// Client wraps an Engine with bounded status retries.
type Client struct {
	engine      Engine
	bucket      string
	archiver    Archiver
	statusRetry retry.Policy
	progress    io.Writer
}

// NewClient creates a Client. bucket names where the runner writes artifacts.
func NewClient(engine Engine, bucket string) *Client {
	return &Client{
		engine:      engine,
		bucket:      bucket,
		statusRetry: retry.Policy{Attempts: 4, Backoff: 2 * time.Second, MaxBackoff: 30 * time.Second},
	}
}

// SetStatusRetry overrides how failed status checks are retried.
func (c *Client) SetStatusRetry(p retry.Policy) {
	c.statusRetry = p
}

// SetArchiver enables archiving of submitted specs.
func (c *Client) SetArchiver(a Archiver) {
	c.archiver = a
}

// SetProgress sets a writer for live progress output.
func (c *Client) SetProgress(w io.Writer) {
	c.progress = w
}

func (c *Client) logf(format string, args ...any) {
	if c.progress != nil {
		fmt.Fprintf(c.progress, "  → "+format+"\n", args...)
	}
}

// Submit builds the job spec and submits it once. It never resubmits.
func (c *Client) Submit(ctx context.Context, labID string, d *pipeline.Design, g *pipeline.Guide) (string, error) {
	spec := BuildSpec(labID, c.bucket, d, g)
	id, err := c.engine.Submit(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("submit validation job: %w", err)
	}
	if id == "" {
		return "", errors.New("submit validation job: engine returned empty execution id")
	}
	c.logf("lab %s: submitted validation job %s (%d steps)", labID, id, len(spec.Steps))

	if c.archiver != nil {
		data, err := json.MarshalIndent(spec, "", "  ")
		if err == nil {
			err = c.archiver.Put(ctx, id+"/spec.json", data)
		}
		if err != nil {
			c.logf("lab %s: archive spec for %s: %v", labID, id, err)
		}
	}
	return id, nil
}

// AwaitCompletion polls the execution every interval until it reaches a
// terminal state or timeout elapses. Running out of time yields TimedOut, not
// Failed. A status check that keeps failing after the retry policy is
// exhausted returns ErrInconclusive.
func (c *Client) AwaitCompletion(ctx context.Context, executionID string, interval, timeout time.Duration) (Terminal, error) {
	deadline := time.Now().Add(timeout)
	for polls := 1; ; polls++ {
		state, err := c.status(ctx, executionID)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("%w: execution %s: %v", ErrInconclusive, executionID, err)
		}
		switch state {
		case StateSucceeded:
			return Succeeded, nil
		case StateFailed:
			return Failed, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.logf("execution %s: still running after %s, giving up", executionID, timeout)
			return TimedOut, nil
		}
		if polls%6 == 0 {
			c.logf("execution %s: still running", executionID)
		}
		if err := retry.Sleep(ctx, min(interval, remaining)); err != nil {
			return "", err
		}
	}
}

func (c *Client) status(ctx context.Context, executionID string) (State, error) {
	var state State
	err := retry.Do(ctx, c.statusRetry, func(attempt int) error {
		s, err := c.engine.Status(ctx, executionID)
		if err != nil {
			c.logf("execution %s: status check %d failed: %v", executionID, attempt, err)
			return err
		}
		switch s {
		case StateRunning, StateSucceeded, StateFailed:
			state = s
			return nil
		}
		return fmt.Errorf("unknown execution state %q", s)
	})
	return state, err
}
