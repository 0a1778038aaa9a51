package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/lucasnoah/labforge/internal/pipeline"
)

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, command string, stdin []byte) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, command string, stdin []byte) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdin = strings.NewReader(string(stdin))

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return stdoutBuf.String(), stderrBuf.String(), exitErr.ExitCode(), nil
		}
		return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
	}
	return stdoutBuf.String(), stderrBuf.String(), 0, nil
}

const defaultCommandTimeout = 5 * time.Minute

// run executes command with payload on stdin and returns stdout, turning
// timeouts and non-zero exits into errors.
func run(ctx context.Context, r CommandRunner, command string, timeout time.Duration, payload []byte) (string, error) {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, exitCode, err := r.Run(ctx, command, payload)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("timeout after %s", timeout)
		}
		return "", err
	}
	if exitCode != 0 {
		return "", fmt.Errorf("exit code %d: %s", exitCode, lastLine(stderr))
	}
	return stdout, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if s == "" {
		return "no stderr output"
	}
	return s
}

// Command is a Processor backed by an external program. The program receives
// the stage Inputs as JSON on stdin and must print a JSON object (optionally
// inside a markdown code fence) decoding into T.
type Command[T any] struct {
	Name    string
	Command string
	Timeout time.Duration
	Runner  CommandRunner // nil = ExecRunner
}

// Run executes the command and decodes its output.
func (c *Command[T]) Run(ctx context.Context, in Inputs) (*T, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, &Error{Stage: c.Name, Err: fmt.Errorf("marshal inputs: %w", err)}
	}
	stdout, err := run(ctx, c.runner(), c.Command, c.Timeout, payload)
	if err != nil {
		return nil, &Error{Stage: c.Name, Err: err}
	}

	raw := ExtractJSON(stdout)
	if raw == "" {
		return nil, &Error{Stage: c.Name, Err: errors.New("no JSON object in output")}
	}
	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, &Error{Stage: c.Name, Err: fmt.Errorf("decode output: %w", err)}
	}
	if v, ok := any(&out).(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, &Error{Stage: c.Name, Err: err}
		}
	}
	return &out, nil
}

func (c *Command[T]) runner() CommandRunner {
	if c.Runner == nil {
		return ExecRunner{}
	}
	return c.Runner
}

// CommandPlanner is a Planner backed by an external program. Each turn the
// program receives the prompt and the conversation so far as JSON and prints
// its reply. A reply carrying a complete requirements object ends the
// interactive phase.
type CommandPlanner struct {
	Command string
	Timeout time.Duration
	Runner  CommandRunner
}

type plannerMessage struct {
	Role    pipeline.Role `json:"role"`
	Content string        `json:"content"`
}

// Turn runs one planner turn.
func (p *CommandPlanner) Turn(ctx context.Context, in TurnInput) (*TurnResult, error) {
	msgs := make([]plannerMessage, 0, len(in.Conversation))
	for _, m := range in.Conversation {
		// Progress notices are for observers, not the planner.
		if m.Kind == pipeline.KindProgress {
			continue
		}
		msgs = append(msgs, plannerMessage{Role: m.Role, Content: m.Content})
	}
	payload, err := json.Marshal(map[string]any{
		"session_id": in.SessionID,
		"prompt":     in.Prompt,
		"messages":   msgs,
	})
	if err != nil {
		return nil, &Error{Stage: Interactive, Err: fmt.Errorf("marshal turn: %w", err)}
	}

	runner := p.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	stdout, err := run(ctx, runner, p.Command, p.Timeout, payload)
	if err != nil {
		return nil, &Error{Stage: Interactive, Err: err}
	}
	return ParseTurn(stdout), nil
}
