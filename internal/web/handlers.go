package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lucasnoah/labforge/internal/analytics"
	"github.com/lucasnoah/labforge/internal/db"
	"github.com/lucasnoah/labforge/internal/orchestrator"
	"github.com/lucasnoah/labforge/internal/pipeline"
)

const (
	minPromptLen  = 10
	minMessageLen = 1
	maxBodyBytes  = 1 << 20
)

// ---- request/response types ----

// CreateRequest is the body of POST /api/labs.
type CreateRequest struct {
	Prompt string `json:"prompt"`
	DryRun bool   `json:"dry_run"`
}

// MessageRequest is the body of POST /api/labs/{id}/message.
type MessageRequest struct {
	Content string `json:"content"`
}

// GenerateResponse is returned when generation is scheduled.
type GenerateResponse struct {
	LabID  string `json:"lab_id"`
	Status string `json:"status"`
}

// LabListItem is one row of GET /api/labs.
type LabListItem struct {
	LabID     string          `json:"lab_id"`
	Title     string          `json:"title"`
	Status    pipeline.Status `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EventsResponse is returned by GET /api/labs/{id}/events.
type EventsResponse struct {
	LabID          string             `json:"lab_id"`
	Events         []db.LabEvent      `json:"events"`
	ValidationRuns []db.ValidationRun `json:"validation_runs"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ---- helpers ----

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrAlreadyRunning),
		errors.Is(err, orchestrator.ErrInteractiveClosed),
		errors.Is(err, orchestrator.ErrTurnInProgress),
		errors.Is(err, orchestrator.ErrNotReady),
		errors.Is(err, pipeline.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrQueueFull):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func relTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// ---- handlers ----

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	prompt := strings.TrimSpace(req.Prompt)
	if utf8.RuneCountInString(prompt) < minPromptLen {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("prompt must be at least %d characters", minPromptLen))
		return
	}

	resp, err := s.orch.Start(r.Context(), prompt, req.DryRun)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request, id string) {
	var req MessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	content := strings.TrimSpace(req.Content)
	if utf8.RuneCountInString(content) < minMessageLen {
		writeError(w, http.StatusBadRequest, "content must not be empty")
		return
	}

	resp, err := s.orch.Converse(r.Context(), id, content)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.orch.Trigger(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, GenerateResponse{LabID: id, Status: "queued"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, id string) {
	p, err := s.orch.Status(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := s.orch.Session(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	projections := s.orch.StatusAll(pipeline.Status(r.URL.Query().Get("status")))
	items := make([]LabListItem, 0, len(projections))
	for _, p := range projections {
		items = append(items, LabListItem{
			LabID:     p.LabID,
			Title:     p.Title,
			Status:    p.Status,
			CreatedAt: p.CreatedAt,
			UpdatedAt: p.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := s.orch.Status(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	resp := EventsResponse{LabID: id, Events: []db.LabEvent{}, ValidationRuns: []db.ValidationRun{}}
	if s.db != nil {
		events, err := s.db.GetLabHistory(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		runs, err := s.db.GetValidationRuns(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if events != nil {
			resp.Events = events
		}
		if runs != nil {
			resp.ValidationRuns = runs
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---- dashboard ----

type indexData struct {
	Labs     []orchestrator.Projection
	Outcomes map[string]int
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := indexData{Labs: s.orch.StatusAll("")}
	if s.db != nil {
		if counts, err := s.db.OutcomeCounts(); err == nil {
			data.Outcomes = counts
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.indexTmpl.ExecuteTemplate(w, "index.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleAnalytics serves the ledger report. ?since takes an RFC 3339 time.
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "no ledger configured")
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 time")
			return
		}
		since = t
	}
	report, err := analytics.BuildReport(s.db, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}
