package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/lucasnoah/labforge/internal/db"
	"github.com/lucasnoah/labforge/internal/observability"
	"github.com/lucasnoah/labforge/internal/pipeline"
	"github.com/lucasnoah/labforge/internal/stage"
)

var (
	// ErrAlreadyRunning is returned when generation is triggered for a
	// session whose pipeline run has not finished.
	ErrAlreadyRunning = errors.New("lab generation is already in progress")
	// ErrInteractiveClosed is returned for a turn after requirements were captured.
	ErrInteractiveClosed = errors.New("requirements gathering is finished for this lab")
	// ErrTurnInProgress is returned when another turn for the same session
	// is still waiting on the planner.
	ErrTurnInProgress = errors.New("another message for this lab is being processed")
	// ErrNotReady is returned when generation is triggered before
	// requirements exist.
	ErrNotReady = errors.New("lab requirements are not ready")
)

// Orchestrator is the front of the pipeline: it creates sessions, runs the
// interactive requirements turns and hands triggered sessions to the queue.
type Orchestrator struct {
	store    *pipeline.Store
	db       *db.DB
	planner  stage.Planner
	queue    Queue
	maxTurns int
	turns    sync.Map // session id -> struct{} while a turn is running
	progress io.Writer
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(store *pipeline.Store, database *db.DB, planner stage.Planner, queue Queue, maxTurns int) *Orchestrator {
	if maxTurns < 1 {
		maxTurns = 10
	}
	return &Orchestrator{
		store:    store,
		db:       database,
		planner:  planner,
		queue:    queue,
		maxTurns: maxTurns,
	}
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (o *Orchestrator) SetProgress(w io.Writer) {
	o.progress = w
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.progress != nil {
		fmt.Fprintf(o.progress, "  → "+format+"\n", args...)
	}
}

func (o *Orchestrator) event(id, event, detail string) {
	if o.db == nil {
		return
	}
	_ = o.db.LogLabEvent(id, event, stage.Interactive, detail)
}

// TurnResponse describes the outcome of one interactive turn.
type TurnResponse struct {
	LabID             string                 `json:"lab_id"`
	Status            pipeline.Status        `json:"status"`
	Reply             string                 `json:"reply"`
	RequirementsReady bool                   `json:"requirements_ready"`
	Requirements      *pipeline.Requirements `json:"requirements,omitempty"`
}

// Start creates a session and runs its first turn with the prompt as the
// participant's opening message.
func (o *Orchestrator) Start(ctx context.Context, prompt string, dryRun bool) (*TurnResponse, error) {
	s, err := o.store.Create(prompt, dryRun)
	if err != nil {
		return nil, fmt.Errorf("create lab: %w", err)
	}
	o.event(s.ID, "created", "")
	o.logf("lab %s: created (dry run: %v)", s.ID, dryRun)
	return o.Converse(ctx, s.ID, prompt)
}

// Converse runs one interactive turn. A planner failure closes the session
// as failed and is reported through the response, not as an error. If ctx
// is cancelled during the turn the session is left interactive and the
// context error is returned.
func (o *Orchestrator) Converse(ctx context.Context, id, content string) (*TurnResponse, error) {
	if _, busy := o.turns.LoadOrStore(id, struct{}{}); busy {
		return nil, ErrTurnInProgress
	}
	defer o.turns.Delete(id)

	ctx, span := observability.StartSpan(ctx, "lab.interactive.turn", attribute.String("lab.id", id))
	defer span.End()

	var snap *pipeline.Session
	err := o.store.Update(id, func(s *pipeline.Session) error {
		if s.Status != pipeline.StatusInteractive {
			return ErrInteractiveClosed
		}
		s.AppendMessage(pipeline.RoleParticipant, content)
		snap = s
		return nil
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrSessionClosed) {
			return nil, fmt.Errorf("%w: %w", ErrInteractiveClosed, err)
		}
		return nil, err
	}

	res, err := o.planner.Turn(ctx, stage.TurnInput{
		SessionID:    id,
		Prompt:       snap.Prompt,
		Conversation: snap.Conversation,
	})
	if err == nil && res == nil {
		err = errors.New("planner returned no reply")
	}
	if err != nil && ctx.Err() != nil {
		// The caller went away; the session stays open for a retry.
		o.event(id, "turn_abandoned", ctx.Err().Error())
		o.logf("lab %s: turn abandoned: %v", id, ctx.Err())
		return nil, fmt.Errorf("lab %s: turn abandoned: %w", id, ctx.Err())
	}
	if err != nil {
		return o.failInteractive(id, err)
	}

	if res.Requirements != nil {
		return o.capture(id, res)
	}

	resp := &TurnResponse{LabID: id, Reply: res.Reply}
	exhausted := false
	err = o.store.Update(id, func(s *pipeline.Session) error {
		s.AppendMessage(pipeline.RoleSystem, res.Reply)
		exhausted = s.ParticipantTurns() >= o.maxTurns
		resp.Status = s.Status
		return nil
	})
	if err != nil {
		return nil, err
	}
	if exhausted {
		return o.failInteractive(id, fmt.Errorf("requirements not captured within %d turns", o.maxTurns))
	}
	return resp, nil
}

// capture records the requirements, closes the interactive phase and
// schedules generation.
func (o *Orchestrator) capture(id string, res *stage.TurnResult) (*TurnResponse, error) {
	err := o.store.Update(id, func(s *pipeline.Session) error {
		s.AppendMessage(pipeline.RoleSystem, res.Reply)
		s.Requirements = res.Requirements
		s.Status = pipeline.StatusRequirementsReady
		s.AppendProgress(ProgressText(pipeline.StatusInteractive, pipeline.StatusRequirementsReady))
		s.GenerationInFlight = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.event(id, "requirements_captured", res.Requirements.Title)
	o.logf("lab %s: requirements captured: %s", id, res.Requirements.Title)

	resp := &TurnResponse{
		LabID:             id,
		Status:            pipeline.StatusRequirementsReady,
		Reply:             res.Reply,
		RequirementsReady: true,
		Requirements:      res.Requirements,
	}
	if err := o.enqueue(id); err != nil {
		resp.Status = pipeline.StatusFailed
	}
	return resp, nil
}

func (o *Orchestrator) failInteractive(id string, cause error) (*TurnResponse, error) {
	err := o.store.Update(id, func(s *pipeline.Session) error {
		s.Error = &pipeline.ErrorRecord{Stage: stage.Interactive, Kind: pipeline.ErrInteractiveFailed, Message: cause.Error()}
		s.Status = pipeline.StatusFailed
		s.AppendProgress(FailureText(stage.Interactive, pipeline.ErrInteractiveFailed))
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.event(id, "failed", fmt.Sprintf("%s: %s", pipeline.ErrInteractiveFailed, cause))
	o.logf("lab %s: interactive stage failed: %v", id, cause)
	return &TurnResponse{LabID: id, Status: pipeline.StatusFailed, Reply: FailureText(stage.Interactive, pipeline.ErrInteractiveFailed)}, nil
}

// Trigger schedules generation for a session in requirements_ready. The
// in-flight flag is set atomically; a second trigger while it is set returns
// ErrAlreadyRunning and nothing is queued.
func (o *Orchestrator) Trigger(id string) error {
	err := o.store.Update(id, func(s *pipeline.Session) error {
		if s.GenerationInFlight {
			return ErrAlreadyRunning
		}
		if s.Status != pipeline.StatusRequirementsReady {
			return fmt.Errorf("lab is %s: %w", s.Status, ErrNotReady)
		}
		s.GenerationInFlight = true
		return nil
	})
	if err != nil {
		return err
	}
	o.event(id, "triggered", "")
	return o.enqueue(id)
}

// enqueue hands the session to the worker pool. If the queue refuses it the
// session is failed so it never stays in flight with no worker.
func (o *Orchestrator) enqueue(id string) error {
	qerr := o.queue.Enqueue(id)
	if qerr == nil {
		return nil
	}
	err := o.store.Update(id, func(s *pipeline.Session) error {
		s.Error = &pipeline.ErrorRecord{Stage: stage.Design, Kind: pipeline.ErrEnqueueFailed, Message: qerr.Error()}
		s.Status = pipeline.StatusFailed
		s.GenerationInFlight = false
		s.AppendProgress(FailureText(stage.Design, pipeline.ErrEnqueueFailed))
		return nil
	})
	o.event(id, "failed", fmt.Sprintf("%s: %s", pipeline.ErrEnqueueFailed, qerr))
	if err != nil {
		return fmt.Errorf("enqueue lab %s: %w (recording failure: %v)", id, qerr, err)
	}
	return fmt.Errorf("enqueue lab %s: %w", id, qerr)
}

// Resume re-triggers sessions that were waiting for generation when the
// process last stopped. It returns the ids that could not be scheduled.
func (o *Orchestrator) Resume(ids []string) []string {
	var failed []string
	for _, id := range ids {
		if err := o.Trigger(id); err != nil {
			o.logf("lab %s: resume failed: %v", id, err)
			failed = append(failed, id)
		}
	}
	return failed
}

// Status returns the projection for one session.
func (o *Orchestrator) Status(id string) (*Projection, error) {
	return Project(o.store, id)
}

// StatusAll returns projections for all sessions, newest first.
func (o *Orchestrator) StatusAll(filter pipeline.Status) []Projection {
	sessions := o.store.List(filter)
	out := make([]Projection, 0, len(sessions))
	for i := range sessions {
		out = append(out, *ProjectSession(&sessions[i]))
	}
	return out
}

// Session returns the full snapshot of a session, conversation included.
func (o *Orchestrator) Session(id string) (*pipeline.Session, error) {
	return o.store.Get(id)
}
