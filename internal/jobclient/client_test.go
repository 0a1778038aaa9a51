package jobclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/labforge/internal/pipeline"
	"github.com/lucasnoah/labforge/internal/retry"
)

// fakeEngine replays a scripted sequence of status results.
type fakeEngine struct {
	mu        sync.Mutex
	submitErr error
	submits   int
	statuses  []fakeStatus
	polls     int
	last      Spec
}

type fakeStatus struct {
	state State
	err   error
}

func (f *fakeEngine) Submit(_ context.Context, spec Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	f.last = spec
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "exec-1", nil
}

func (f *fakeEngine) Status(context.Context, string) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.statuses) == 0 {
		return StateRunning, nil
	}
	s := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return s.state, s.err
}

type fakeArchiver struct {
	keys map[string][]byte
}

func (a *fakeArchiver) Put(_ context.Context, key string, data []byte) error {
	if a.keys == nil {
		a.keys = make(map[string][]byte)
	}
	a.keys[key] = data
	return nil
}

func fastClient(e Engine) *Client {
	c := NewClient(e, "labs")
	c.SetStatusRetry(retry.Policy{Attempts: 3, Backoff: time.Millisecond})
	return c
}

func testDesign() *pipeline.Design {
	return &pipeline.Design{
		TopologyYAML: "name: ospf",
		InitialConfigs: map[string][]string{
			"r1": {"hostname r1", "interface e0/0"},
			"r2": {"hostname r2"},
		},
	}
}

func testGuide() *pipeline.Guide {
	return &pipeline.Guide{
		Title: "OSPF",
		DeviceSections: []pipeline.DeviceSection{
			{DeviceName: "r1", Steps: []pipeline.CommandStep{
				{Type: "verify", Value: "show ip ospf neighbor"},
				{Type: "cmd", Value: "router ospf 1"},
			}},
			{DeviceName: "r2", Steps: []pipeline.CommandStep{
				{Type: "cmd", Value: "router ospf 1"},
			}},
		},
	}
}

func TestBuildSpecOrdering(t *testing.T) {
	spec := BuildSpec("lab-1", "labs", testDesign(), testGuide())

	want := []string{
		"r1:hostname r1", "r1:interface e0/0", "r1:router ospf 1", "r1:show ip ospf neighbor",
		"r2:hostname r2", "r2:router ospf 1",
	}
	if len(spec.Steps) != len(want) {
		t.Fatalf("got %d steps, want %d", len(spec.Steps), len(want))
	}
	for i, st := range spec.Steps {
		if got := st.Device + ":" + st.Text; got != want[i] {
			t.Errorf("step %d = %q, want %q", i, got, want[i])
		}
		if st.Type != "cli" || st.Trigger != "enter" || !st.NonInteractive {
			t.Errorf("step %d = %+v, want cli/enter/non-interactive", i, st)
		}
	}
	if spec.TopologyYAML != "name: ospf" || spec.LabID != "lab-1" {
		t.Errorf("spec = %+v", spec)
	}
	if !strings.HasPrefix(spec.RunID, "val-") || spec.ArtifactPrefix != "s3://labs/"+spec.RunID {
		t.Errorf("RunID = %q, ArtifactPrefix = %q", spec.RunID, spec.ArtifactPrefix)
	}
}

func TestSubmitOnceAndArchive(t *testing.T) {
	e := &fakeEngine{}
	c := fastClient(e)
	a := &fakeArchiver{}
	c.SetArchiver(a)

	id, err := c.Submit(context.Background(), "lab-1", testDesign(), testGuide())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "exec-1" {
		t.Errorf("id = %q", id)
	}
	if _, ok := a.keys["exec-1/spec.json"]; !ok {
		t.Error("spec was not archived")
	}
}

func TestSubmitFailureIsNotRetried(t *testing.T) {
	e := &fakeEngine{submitErr: errors.New("quota exceeded")}
	c := fastClient(e)

	_, err := c.Submit(context.Background(), "lab-1", testDesign(), testGuide())
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("err = %v", err)
	}
	if e.submits != 1 {
		t.Errorf("submits = %d, want 1", e.submits)
	}
}

func TestAwaitCompletionTerminalStates(t *testing.T) {
	tests := []struct {
		name string
		seq  []fakeStatus
		want Terminal
	}{
		{"succeeds", []fakeStatus{{state: StateRunning}, {state: StateSucceeded}}, Succeeded},
		{"fails", []fakeStatus{{state: StateRunning}, {state: StateRunning}, {state: StateFailed}}, Failed},
		{"transient error then success", []fakeStatus{{err: errors.New("503")}, {state: StateSucceeded}}, Succeeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := fastClient(&fakeEngine{statuses: tt.seq})
			got, err := c.AwaitCompletion(context.Background(), "exec-1", time.Millisecond, time.Second)
			if err != nil {
				t.Fatalf("AwaitCompletion: %v", err)
			}
			if got != tt.want {
				t.Errorf("terminal = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAwaitCompletionTimesOut(t *testing.T) {
	e := &fakeEngine{}
	c := fastClient(e)

	start := time.Now()
	got, err := c.AwaitCompletion(context.Background(), "exec-1", 5*time.Millisecond, 40*time.Millisecond)
	if err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}
	if got != TimedOut {
		t.Fatalf("terminal = %q, want %q", got, TimedOut)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("returned after %v, before the deadline", elapsed)
	}
	if e.polls < 2 {
		t.Errorf("polls = %d, want repeated polling", e.polls)
	}
}

func TestAwaitCompletionEscalatesPersistentErrors(t *testing.T) {
	e := &fakeEngine{statuses: []fakeStatus{{err: errors.New("connection refused")}}}
	c := fastClient(e)

	_, err := c.AwaitCompletion(context.Background(), "exec-1", time.Millisecond, time.Second)
	if !errors.Is(err, ErrInconclusive) {
		t.Fatalf("err = %v, want ErrInconclusive", err)
	}
	if e.polls != 3 {
		t.Errorf("polls = %d, want 3 (bounded retries)", e.polls)
	}
}

func TestAwaitCompletionUnknownStateIsRetried(t *testing.T) {
	e := &fakeEngine{statuses: []fakeStatus{{state: "exploded"}, {state: StateSucceeded}}}
	got, err := fastClient(e).AwaitCompletion(context.Background(), "exec-1", time.Millisecond, time.Second)
	if err != nil || got != Succeeded {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestHTTPEngine(t *testing.T) {
	var gotSpec Spec
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/executions":
			json.NewDecoder(r.Body).Decode(&gotSpec)
			w.Write([]byte(`{"execution_id": "run-42"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/executions/run-42":
			w.Write([]byte(`{"state": "COMPLETED"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/executions/broken":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	e := NewHTTPEngine(srv.URL+"/", "tok", time.Second)
	id, err := e.Submit(context.Background(), Spec{LabID: "lab-1", RunID: "run-42"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "run-42" || gotSpec.LabID != "lab-1" {
		t.Errorf("id = %q, spec = %+v", id, gotSpec)
	}

	state, err := e.Status(context.Background(), "run-42")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if state != StateSucceeded {
		t.Errorf("state = %q, want succeeded", state)
	}

	if _, err := e.Status(context.Background(), "broken"); err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("err = %v, want 500 error", err)
	}
}
