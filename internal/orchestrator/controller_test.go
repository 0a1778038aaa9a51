package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/labforge/internal/jobclient"
	"github.com/lucasnoah/labforge/internal/pipeline"
	"github.com/lucasnoah/labforge/internal/stage"
)

var statusRank = map[pipeline.Status]int{
	pipeline.StatusInteractive:       0,
	pipeline.StatusRequirementsReady: 1,
	pipeline.StatusDesigning:         2,
	pipeline.StatusGuideWriting:      3,
	pipeline.StatusValidating:        4,
	pipeline.StatusDone:              5,
	pipeline.StatusFailed:            5,
}

// watch samples a session's status until stop is closed and reports every
// distinct status it saw, in order.
func watch(h *harness, id string, stop <-chan struct{}) <-chan []pipeline.Status {
	out := make(chan []pipeline.Status, 1)
	go func() {
		var seen []pipeline.Status
		for {
			if s, err := h.store.Get(id); err == nil {
				if len(seen) == 0 || seen[len(seen)-1] != s.Status {
					seen = append(seen, s.Status)
				}
			}
			select {
			case <-stop:
				out <- seen
				return
			default:
				time.Sleep(50 * time.Microsecond)
			}
		}
	}()
	return out
}

func assertMonotonic(t *testing.T, seen []pipeline.Status) {
	t.Helper()
	for i := 1; i < len(seen); i++ {
		if statusRank[seen[i]] < statusRank[seen[i-1]] {
			t.Errorf("status went backwards: %v", seen)
			return
		}
		if seen[i-1].Terminal() {
			t.Errorf("status left terminal %s: %v", seen[i-1], seen)
			return
		}
	}
}

func assertProgressPointer(t *testing.T, s *pipeline.Session) {
	t.Helper()
	var last *pipeline.Message
	for i := range s.Conversation {
		if s.Conversation[i].Kind == pipeline.KindProgress {
			last = &s.Conversation[i]
		}
	}
	if last == nil {
		return
	}
	p := s.LatestProgressUpdate
	if p == nil || p.Seq != last.Seq || p.Text != last.Content || !p.Timestamp.Equal(last.Timestamp) {
		t.Errorf("LatestProgressUpdate = %+v, want entry %+v", p, last)
	}
}

func TestDryRunHappyPath(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, true)

	stop := make(chan struct{})
	seenCh := watch(h, id, stop)
	if _, err := h.drain(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	close(stop)
	assertMonotonic(t, <-seenCh)

	s := h.get(t, id)
	if s.Status != pipeline.StatusDone {
		t.Fatalf("Status = %s, want done", s.Status)
	}
	if s.Design == nil || s.Guide == nil {
		t.Error("design and guide should be recorded")
	}
	if s.ValidationResult != nil {
		t.Error("dry run must not produce a validation result")
	}
	if s.GenerationInFlight {
		t.Error("GenerationInFlight still set")
	}
	if submits, _ := h.engine.counts(); submits != 0 {
		t.Errorf("submits = %d, want 0 for dry run", submits)
	}

	want := []string{
		ProgressText(pipeline.StatusInteractive, pipeline.StatusRequirementsReady),
		ProgressText(pipeline.StatusRequirementsReady, pipeline.StatusDesigning),
		ProgressText(pipeline.StatusDesigning, pipeline.StatusGuideWriting),
		ProgressText(pipeline.StatusGuideWriting, pipeline.StatusDone),
	}
	got := progressTexts(s)
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("progress = %q\nwant %q", got, want)
	}
	assertProgressPointer(t, s)

	if !strings.Contains(s.LatestProgressUpdate.Text, "skipped") {
		t.Errorf("final notice %q should say validation was skipped", s.LatestProgressUpdate.Text)
	}
}

func TestValidationPass(t *testing.T) {
	h := newHarness(t)
	h.engine.states = []jobclient.State{jobclient.StateRunning, jobclient.StateRunning, jobclient.StateSucceeded}
	h.putResults(t, `{"status": "PASS", "stats": {"total_steps": 3, "passed": 3, "failed": 0}}`)
	id := h.start(t, false)

	stop := make(chan struct{})
	seenCh := watch(h, id, stop)
	if _, err := h.drain(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	close(stop)
	assertMonotonic(t, <-seenCh)

	s := h.get(t, id)
	if s.Status != pipeline.StatusDone {
		t.Fatalf("Status = %s, want done (error %+v)", s.Status, s.Error)
	}
	if s.ValidationResult == nil || !s.ValidationResult.Success {
		t.Fatalf("ValidationResult = %+v, want success", s.ValidationResult)
	}
	if s.ValidationResult.ExecutionID != "exec-1" {
		t.Errorf("ExecutionID = %q", s.ValidationResult.ExecutionID)
	}
	submits, polls := h.engine.counts()
	if submits != 1 || polls != 3 {
		t.Errorf("submits = %d, polls = %d; want 1 and 3", submits, polls)
	}
	assertProgressPointer(t, s)

	runs, err := h.db.GetValidationRuns(id)
	if err != nil {
		t.Fatalf("GetValidationRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Outcome != "pass" || runs[0].TotalSteps != 3 {
		t.Errorf("runs = %+v, want one pass with 3 steps", runs)
	}
	events, err := h.db.GetLabHistory(id)
	if err != nil {
		t.Fatalf("GetLabHistory: %v", err)
	}
	if len(events) == 0 {
		t.Error("expected lab events to be recorded")
	}
}

func TestValidationNegativeVerdict(t *testing.T) {
	h := newHarness(t)
	h.putResults(t, `{"status": "FAIL", "stats": {"total_steps": 3, "passed": 2, "failed": 1}}`)
	id := h.start(t, false)
	if _, err := h.drain(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	s := h.get(t, id)
	if s.Status != pipeline.StatusDone {
		t.Fatalf("Status = %s, want done", s.Status)
	}
	if s.Error != nil {
		t.Errorf("Error = %+v, a failed check is not a pipeline error", s.Error)
	}
	if s.ValidationResult == nil || s.ValidationResult.Success {
		t.Fatalf("ValidationResult = %+v, want success=false", s.ValidationResult)
	}
	if s.ValidationResult.Artifacts.Summary.Stats.Failed != 1 {
		t.Errorf("Stats = %+v", s.ValidationResult.Artifacts.Summary.Stats)
	}
}

func TestValidationZeroStepsIsNotSuccess(t *testing.T) {
	h := newHarness(t)
	h.putResults(t, `{"status": "PASS", "stats": {"total_steps": 0, "passed": 0, "failed": 0}}`)
	id := h.start(t, false)
	if _, err := h.drain(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	s := h.get(t, id)
	if s.Status != pipeline.StatusDone || s.ValidationResult == nil || s.ValidationResult.Success {
		t.Errorf("Status = %s, result = %+v; want done without success", s.Status, s.ValidationResult)
	}
}

func TestValidationTimeoutIsInconclusive(t *testing.T) {
	h := newHarness(t)
	h.engine.states = []jobclient.State{jobclient.StateRunning}
	h.ctrl.SetPolling(2*time.Millisecond, 20*time.Millisecond)
	id := h.start(t, false)

	if _, err := h.drain(t); err == nil {
		t.Fatal("Run should report the timeout")
	}
	s := h.get(t, id)
	if s.Status != pipeline.StatusFailed {
		t.Fatalf("Status = %s, want failed", s.Status)
	}
	if s.Error == nil || s.Error.Kind != pipeline.ErrTimedOut || s.Error.Stage != stage.Validation {
		t.Fatalf("Error = %+v, want validation timed_out", s.Error)
	}
	if !s.Error.Kind.Inconclusive() {
		t.Error("timed_out should be inconclusive")
	}
	if s.ValidationResult != nil {
		t.Error("a timeout must not produce a verdict")
	}
	if s.GenerationInFlight {
		t.Error("GenerationInFlight still set")
	}
	if s.Guide == nil {
		t.Error("guide written before validation should survive the failure")
	}
	assertProgressPointer(t, s)

	runs, _ := h.db.GetValidationRuns(id)
	if len(runs) != 1 || runs[0].Outcome != string(pipeline.ErrTimedOut) {
		t.Errorf("runs = %+v", runs)
	}
}

func TestValidationFailureKinds(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*testing.T, *harness)
		kind    pipeline.ErrorKind
		submits int
	}{
		{
			name: "submit rejected",
			setup: func(_ *testing.T, h *harness) {
				h.engine.submitErr = errors.New("engine busy")
			},
			kind:    pipeline.ErrSubmitFailed,
			submits: 1,
		},
		{
			name: "status checks keep failing",
			setup: func(_ *testing.T, h *harness) {
				h.engine.statusErr = errors.New("connection refused")
			},
			kind:    pipeline.ErrPollFailed,
			submits: 1,
		},
		{
			name: "job failed without results",
			setup: func(_ *testing.T, h *harness) {
				h.engine.states = []jobclient.State{jobclient.StateFailed}
			},
			kind:    pipeline.ErrJobFailed,
			submits: 1,
		},
		{
			name:    "results never appear",
			setup:   func(*testing.T, *harness) {},
			kind:    pipeline.ErrArtifactsUnavailable,
			submits: 1,
		},
		{
			name: "results malformed",
			setup: func(t *testing.T, h *harness) {
				h.putResults(t, `{"status": `)
			},
			kind:    pipeline.ErrArtifactsUnavailable,
			submits: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(t, h)
			id := h.start(t, false)
			if _, err := h.drain(t); err == nil {
				t.Fatal("Run should fail")
			}
			s := h.get(t, id)
			if s.Status != pipeline.StatusFailed {
				t.Fatalf("Status = %s, want failed", s.Status)
			}
			if s.Error == nil || s.Error.Kind != tt.kind {
				t.Errorf("Error = %+v, want kind %s", s.Error, tt.kind)
			}
			if submits, _ := h.engine.counts(); submits != tt.submits {
				t.Errorf("submits = %d, want %d", submits, tt.submits)
			}
			if s.LatestProgressUpdate == nil || s.LatestProgressUpdate.Text != FailureText(stage.Validation, tt.kind) {
				t.Errorf("LatestProgressUpdate = %+v", s.LatestProgressUpdate)
			}
		})
	}
}

func TestValidationFailedJobWithResults(t *testing.T) {
	h := newHarness(t)
	h.engine.states = []jobclient.State{jobclient.StateFailed}
	h.putResults(t, `{"ok": false, "stats": {"total_steps": 2, "passed": 1, "failed": 1}}`)
	id := h.start(t, false)
	if _, err := h.drain(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	s := h.get(t, id)
	if s.Status != pipeline.StatusDone || s.ValidationResult == nil || s.ValidationResult.Success {
		t.Errorf("Status = %s, result = %+v; want done with a negative verdict", s.Status, s.ValidationResult)
	}
}

func TestNoEngineConfigured(t *testing.T) {
	h := newHarness(t)
	h.ctrl.jobs = nil
	id := h.start(t, false)
	if _, err := h.drain(t); err == nil {
		t.Fatal("Run should fail")
	}
	s := h.get(t, id)
	if s.Error == nil || s.Error.Kind != pipeline.ErrSubmitFailed {
		t.Errorf("Error = %+v, want submit_failed", s.Error)
	}
}

func TestStageFailure(t *testing.T) {
	tests := []struct {
		name  string
		stage string
		setup func(*harness)
	}{
		{"design errors", stage.Design, func(h *harness) {
			h.designer = func(context.Context, stage.Inputs) (*pipeline.Design, error) {
				return nil, errors.New("topology generator crashed")
			}
		}},
		{"author errors", stage.Author, func(h *harness) {
			h.author = func(context.Context, stage.Inputs) (*pipeline.Guide, error) {
				return nil, errors.New("guide generator crashed")
			}
		}},
		{"author returns nothing", stage.Author, func(h *harness) {
			h.author = func(context.Context, stage.Inputs) (*pipeline.Guide, error) {
				return nil, nil
			}
		}},
		{"status moved by another writer", stage.Author, func(h *harness) {
			h.designer = func(_ context.Context, in stage.Inputs) (*pipeline.Design, error) {
				for _, to := range []pipeline.Status{pipeline.StatusGuideWriting, pipeline.StatusValidating} {
					if err := h.store.Update(in.SessionID, func(s *pipeline.Session) error {
						s.Status = to
						return nil
					}); err != nil {
						return nil, err
					}
				}
				return testDesign(), nil
			}
		}},
		{"design panics", stage.Design, func(h *harness) {
			h.designer = func(context.Context, stage.Inputs) (*pipeline.Design, error) {
				panic("nil topology")
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			id := h.start(t, false)
			if _, err := h.drain(t); err == nil {
				t.Fatal("Run should fail")
			}
			s := h.get(t, id)
			if s.Status != pipeline.StatusFailed {
				t.Fatalf("Status = %s, want failed", s.Status)
			}
			if s.Error == nil || s.Error.Kind != pipeline.ErrStageFailed || s.Error.Stage != tt.stage {
				t.Errorf("Error = %+v, want stage_failed in %s", s.Error, tt.stage)
			}
			if s.GenerationInFlight {
				t.Error("GenerationInFlight still set")
			}
			if submits, _ := h.engine.counts(); submits != 0 {
				t.Errorf("submits = %d, want 0", submits)
			}
			assertProgressPointer(t, s)
		})
	}
}

func TestStageReceivesPriorOutputs(t *testing.T) {
	h := newHarness(t)
	var got stage.Inputs
	h.author = func(_ context.Context, in stage.Inputs) (*pipeline.Guide, error) {
		got = in
		return testGuide(), nil
	}
	id := h.start(t, true)
	if _, err := h.drain(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.SessionID != id || got.Requirements == nil || got.Design == nil {
		t.Errorf("author inputs = %+v", got)
	}
	if got.Design.TopologyYAML != testDesign().TopologyYAML {
		t.Errorf("Design = %+v", got.Design)
	}
}

func TestShutdownInterruptsRun(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	h.designer = func(ctx context.Context, _ stage.Inputs) (*pipeline.Design, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	id := h.start(t, false)
	if _, err := h.queue.Dequeue(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx, id) }()
	<-entered
	cancel()
	if err := <-done; err == nil {
		t.Fatal("Run should fail on shutdown")
	}

	s := h.get(t, id)
	if s.Error == nil || s.Error.Kind != pipeline.ErrInterrupted {
		t.Errorf("Error = %+v, want interrupted", s.Error)
	}
}

func TestRunRejectsUntriggeredSession(t *testing.T) {
	h := newHarness(t)
	id := readySession(t, h, true)
	if err := h.ctrl.Run(context.Background(), id); err == nil {
		t.Error("Run should refuse a session that was not triggered")
	}
	if s := h.get(t, id); s.Status != pipeline.StatusRequirementsReady {
		t.Errorf("Status = %s, want unchanged", s.Status)
	}
}

// Two triggers arriving while the pipeline is designing are both turned
// away and the stages run once.
func TestTriggerDuringRun(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.designer = func(context.Context, stage.Inputs) (*pipeline.Design, error) {
		close(entered)
		<-release
		return testDesign(), nil
	}
	id := h.start(t, true)
	if _, err := h.queue.Dequeue(context.Background()); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(context.Background(), id) }()
	<-entered

	if s := h.get(t, id); s.Status != pipeline.StatusDesigning {
		t.Fatalf("Status = %s, want designing", s.Status)
	}
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.orch.Trigger(id)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if !errors.Is(err, ErrAlreadyRunning) {
			t.Errorf("trigger %d = %v, want ErrAlreadyRunning", i, err)
		}
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := h.designCalls.Load(); n != 1 {
		t.Errorf("design ran %d times, want 1", n)
	}
	if h.queue.Len() != 0 {
		t.Errorf("queue len = %d, want 0", h.queue.Len())
	}
	designing := ProgressText(pipeline.StatusRequirementsReady, pipeline.StatusDesigning)
	count := 0
	for _, text := range progressTexts(h.get(t, id)) {
		if text == designing {
			count++
		}
	}
	if count != 1 {
		t.Errorf("designing notice recorded %d times, want 1", count)
	}
}

func TestProgressTextCoversForwardEdges(t *testing.T) {
	edges := []transition{
		{pipeline.StatusInteractive, pipeline.StatusRequirementsReady},
		{pipeline.StatusRequirementsReady, pipeline.StatusDesigning},
		{pipeline.StatusDesigning, pipeline.StatusGuideWriting},
		{pipeline.StatusGuideWriting, pipeline.StatusValidating},
		{pipeline.StatusGuideWriting, pipeline.StatusDone},
		{pipeline.StatusValidating, pipeline.StatusDone},
	}
	seen := make(map[string]bool)
	for _, e := range edges {
		if !pipeline.CanTransition(e.from, e.to) {
			t.Errorf("%s -> %s is not a valid edge", e.from, e.to)
		}
		text := ProgressText(e.from, e.to)
		if strings.HasPrefix(text, "Moved from") {
			t.Errorf("%s -> %s has no canned text", e.from, e.to)
		}
		if seen[text] {
			t.Errorf("duplicate text %q", text)
		}
		seen[text] = true
	}
	if got := ProgressText(pipeline.StatusDone, pipeline.StatusFailed); got != "Moved from done to failed." {
		t.Errorf("fallback = %q", got)
	}
}

func TestFailureText(t *testing.T) {
	if got := FailureText(stage.Author, pipeline.ErrStageFailed); !strings.Contains(got, "author") {
		t.Errorf("stage_failed text = %q, want stage name", got)
	}
	if got := FailureText(stage.Validation, pipeline.ErrTimedOut); !strings.Contains(got, "inconclusive") {
		t.Errorf("timed_out text = %q", got)
	}
	if got := FailureText("mystery", pipeline.ErrorKind("other")); got != "The mystery stage failed." {
		t.Errorf("fallback = %q", got)
	}
}
