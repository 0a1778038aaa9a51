package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/labforge/internal/db"
	"github.com/lucasnoah/labforge/internal/orchestrator"
	"github.com/lucasnoah/labforge/internal/pipeline"
	"github.com/lucasnoah/labforge/internal/stage"
)

func readyPlanner() stage.Planner {
	return stage.PlannerFunc(func(_ context.Context, in stage.TurnInput) (*stage.TurnResult, error) {
		last := in.Conversation[len(in.Conversation)-1]
		if strings.Contains(last.Content, "ready") {
			return &stage.TurnResult{
				Reply:        "Starting now.",
				Requirements: &pipeline.Requirements{Title: "VLAN trunking", Objectives: []string{"trunk two switches"}},
			}, nil
		}
		return &stage.TurnResult{Reply: "How many switches?"}, nil
	})
}

type testEnv struct {
	srv   *httptest.Server
	store *pipeline.Store
	queue *orchestrator.MemoryQueue
	db    *db.DB
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })

	store := pipeline.NewStore("")
	queue := orchestrator.NewMemoryQueue(4)
	orch := orchestrator.NewOrchestrator(store, database, readyPlanner(), queue, 5)
	s := NewServer(orch, database, 0)
	s.SetStreamInterval(5 * time.Millisecond)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, queue: queue, db: database}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return resp, out.Bytes()
}

func (e *testEnv) create(t *testing.T, prompt string) orchestrator.TurnResponse {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/labs", CreateRequest{Prompt: prompt})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", resp.StatusCode, body)
	}
	var tr orchestrator.TurnResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestCreateValidatesPrompt(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, http.MethodPost, "/api/labs", CreateRequest{Prompt: "  short  "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if !strings.Contains(string(body), "at least 10") {
		t.Errorf("body = %s", body)
	}

	resp, _ = e.do(t, http.MethodPost, "/api/labs", "not an object")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", resp.StatusCode)
	}
}

func TestConversationFlow(t *testing.T) {
	e := newTestEnv(t)
	tr := e.create(t, "a VLAN trunking lab for beginners")
	if tr.RequirementsReady || tr.Status != pipeline.StatusInteractive {
		t.Fatalf("first turn = %+v", tr)
	}

	resp, _ := e.do(t, http.MethodPost, "/api/labs/"+tr.LabID+"/message", MessageRequest{Content: " "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty message status = %d, want 400", resp.StatusCode)
	}

	resp, body := e.do(t, http.MethodPost, "/api/labs/"+tr.LabID+"/message", MessageRequest{Content: "two switches, ready"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("message status = %d, body %s", resp.StatusCode, body)
	}
	var next orchestrator.TurnResponse
	if err := json.Unmarshal(body, &next); err != nil {
		t.Fatal(err)
	}
	if !next.RequirementsReady || next.Requirements.Title != "VLAN trunking" {
		t.Errorf("second turn = %+v", next)
	}
	if e.queue.Len() != 1 {
		t.Errorf("queue len = %d, want 1", e.queue.Len())
	}

	resp, _ = e.do(t, http.MethodPost, "/api/labs/"+tr.LabID+"/message", MessageRequest{Content: "more"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("message after capture status = %d, want 409", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodPost, "/api/labs/"+tr.LabID+"/generate", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("generate while in flight status = %d, want 409", resp.StatusCode)
	}
}

func TestGenerate(t *testing.T) {
	e := newTestEnv(t)
	s, err := e.store.Create("a VLAN trunking lab for beginners", true)
	if err != nil {
		t.Fatal(err)
	}

	resp, _ := e.do(t, http.MethodPost, "/api/labs/"+s.ID+"/generate", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("generate before requirements status = %d, want 409", resp.StatusCode)
	}

	err = e.store.Update(s.ID, func(s *pipeline.Session) error {
		s.Requirements = &pipeline.Requirements{Title: "VLAN trunking"}
		s.Status = pipeline.StatusRequirementsReady
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	resp, body := e.do(t, http.MethodPost, "/api/labs/"+s.ID+"/generate", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("generate status = %d, body %s", resp.StatusCode, body)
	}
	var gr GenerateResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		t.Fatal(err)
	}
	if gr.LabID != s.ID || gr.Status != "queued" {
		t.Errorf("response = %+v", gr)
	}
}

func TestStatusAndDetail(t *testing.T) {
	e := newTestEnv(t)
	tr := e.create(t, "a VLAN trunking lab, ready to go")

	resp, body := e.do(t, http.MethodGet, "/api/labs/"+tr.LabID+"/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var p orchestrator.Projection
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatal(err)
	}
	if p.Status != pipeline.StatusRequirementsReady || !p.GenerationInFlight {
		t.Errorf("projection = %+v", p)
	}
	if p.LatestProgressUpdate == nil {
		t.Error("expected a progress update")
	}

	resp, body = e.do(t, http.MethodGet, "/api/labs/"+tr.LabID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("detail status = %d", resp.StatusCode)
	}
	var sess pipeline.Session
	if err := json.Unmarshal(body, &sess); err != nil {
		t.Fatal(err)
	}
	if len(sess.Conversation) != 3 {
		t.Errorf("conversation len = %d, want 3", len(sess.Conversation))
	}

	resp, _ = e.do(t, http.MethodGet, "/api/labs/missing/status", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing lab status = %d, want 404", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodDelete, "/api/labs/"+tr.LabID, nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("DELETE status = %d, want 405", resp.StatusCode)
	}
}

func TestList(t *testing.T) {
	e := newTestEnv(t)
	first := e.create(t, "an interactive lab about spanning tree protocol tuning for data centres")
	time.Sleep(2 * time.Millisecond)
	second := e.create(t, "a VLAN trunking lab, ready to go")

	resp, body := e.do(t, http.MethodGet, "/api/labs", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var items []LabListItem
	if err := json.Unmarshal(body, &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2", len(items))
	}
	if items[0].LabID != second.LabID || items[1].LabID != first.LabID {
		t.Error("list should be newest first")
	}
	if items[0].Title != "VLAN trunking" {
		t.Errorf("title from requirements = %q", items[0].Title)
	}
	if !strings.HasSuffix(items[1].Title, "...") || len([]rune(items[1].Title)) != 53 {
		t.Errorf("truncated title = %q", items[1].Title)
	}

	_, body = e.do(t, http.MethodGet, "/api/labs?status=interactive", nil)
	items = nil
	if err := json.Unmarshal(body, &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].LabID != first.LabID {
		t.Errorf("filtered = %+v", items)
	}
}

func TestEvents(t *testing.T) {
	e := newTestEnv(t)
	tr := e.create(t, "a VLAN trunking lab, ready to go")

	resp, body := e.do(t, http.MethodGet, "/api/labs/"+tr.LabID+"/events", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var er EventsResponse
	if err := json.Unmarshal(body, &er); err != nil {
		t.Fatal(err)
	}
	names := make(map[string]bool)
	for _, ev := range er.Events {
		names[ev.Event] = true
	}
	if !names["created"] || !names["requirements_captured"] {
		t.Errorf("events = %+v", er.Events)
	}
	if er.ValidationRuns == nil {
		t.Error("validation_runs should be an empty list, not null")
	}
}

func TestStreamSendsStatusAndDone(t *testing.T) {
	e := newTestEnv(t)
	tr := e.create(t, "a VLAN trunking lab, ready to go")

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = e.store.Update(tr.LabID, func(s *pipeline.Session) error {
			s.Status = pipeline.StatusDesigning
			s.AppendProgress(orchestrator.ProgressText(pipeline.StatusRequirementsReady, pipeline.StatusDesigning))
			return nil
		})
		time.Sleep(20 * time.Millisecond)
		_ = e.store.Update(tr.LabID, func(s *pipeline.Session) error {
			s.Status = pipeline.StatusFailed
			s.GenerationInFlight = false
			return nil
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/api/labs/"+tr.LabID+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	var events []string
	var statuses []pipeline.Status
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	current := ""
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current = strings.TrimPrefix(line, "event: ")
			events = append(events, current)
		case strings.HasPrefix(line, "data: ") && current == "status":
			var p orchestrator.Projection
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &p); err != nil {
				t.Fatalf("decode status event: %v", err)
			}
			statuses = append(statuses, p.Status)
		case strings.HasPrefix(line, "data: ") && current == "done":
			if got := strings.TrimPrefix(line, "data: "); got != "failed" {
				t.Errorf("done reason = %q, want failed", got)
			}
		}
	}

	if len(events) == 0 || events[len(events)-1] != "done" {
		t.Fatalf("events = %v, want trailing done", events)
	}
	want := []pipeline.Status{pipeline.StatusRequirementsReady, pipeline.StatusDesigning, pipeline.StatusFailed}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("statuses = %v, want %v", statuses, want)
			break
		}
	}
}

func TestStreamUnknownLab(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.do(t, http.MethodGet, "/api/labs/nope/stream", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestIndex(t *testing.T) {
	e := newTestEnv(t)
	e.create(t, "a VLAN trunking lab, ready to go")

	resp, body := e.do(t, http.MethodGet, "/", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "VLAN trunking") {
		t.Errorf("index does not list the lab:\n%s", body)
	}
	if !strings.Contains(string(body), "badge-requirements-ready") {
		t.Error("expected status badge class")
	}

	resp, _ = e.do(t, http.MethodGet, "/nowhere", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", resp.StatusCode)
	}
}

func TestAnalytics(t *testing.T) {
	e := newTestEnv(t)
	e.create(t, "a VLAN trunking lab for beginners")

	resp, body := e.do(t, http.MethodGet, "/api/analytics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var report struct {
		Throughput []struct {
			Created int `json:"created"`
		} `json:"throughput"`
	}
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatal(err)
	}
	if len(report.Throughput) != 1 || report.Throughput[0].Created != 1 {
		t.Errorf("throughput = %+v, want one week with one lab", report.Throughput)
	}

	resp, _ = e.do(t, http.MethodGet, "/api/analytics?since=yesterday", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad since status = %d, want 400", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodPost, "/api/analytics", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", resp.StatusCode)
	}
}
