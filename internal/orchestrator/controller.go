package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/lucasnoah/labforge/internal/artifacts"
	"github.com/lucasnoah/labforge/internal/db"
	"github.com/lucasnoah/labforge/internal/jobclient"
	"github.com/lucasnoah/labforge/internal/observability"
	"github.com/lucasnoah/labforge/internal/pipeline"
	"github.com/lucasnoah/labforge/internal/stage"
)

// Controller drives a triggered session from requirements_ready to a
// terminal status: design, guide, then validation unless the session is a
// dry run.
type Controller struct {
	store             *pipeline.Store
	db                *db.DB // optional event ledger
	designer          stage.Processor[pipeline.Design]
	author            stage.Processor[pipeline.Guide]
	jobs              *jobclient.Client  // nil disables validation
	fetcher           *artifacts.Fetcher // nil disables validation
	pollInterval      time.Duration
	validationTimeout time.Duration
	progress          io.Writer
}

// NewController creates a Controller.
func NewController(
	store *pipeline.Store,
	database *db.DB,
	designer stage.Processor[pipeline.Design],
	author stage.Processor[pipeline.Guide],
	jobs *jobclient.Client,
	fetcher *artifacts.Fetcher,
) *Controller {
	return &Controller{
		store:             store,
		db:                database,
		designer:          designer,
		author:            author,
		jobs:              jobs,
		fetcher:           fetcher,
		pollInterval:      10 * time.Second,
		validationTimeout: 2 * time.Hour,
	}
}

// SetPolling overrides the validation poll interval and overall deadline.
func (c *Controller) SetPolling(interval, timeout time.Duration) {
	c.pollInterval = interval
	c.validationTimeout = timeout
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (c *Controller) SetProgress(w io.Writer) {
	c.progress = w
}

func (c *Controller) logf(format string, args ...any) {
	if c.progress != nil {
		fmt.Fprintf(c.progress, "  → "+format+"\n", args...)
	}
}

func (c *Controller) event(id, event, stageName, detail string) {
	if c.db == nil {
		return
	}
	_ = c.db.LogLabEvent(id, event, stageName, detail)
}

// Run executes the pipeline for a triggered session. Every failure is
// recorded on the session before Run returns; the returned error is for
// logging only.
func (c *Controller) Run(ctx context.Context, id string) (err error) {
	ctx, span := observability.StartSpan(ctx, "lab.pipeline", attribute.String("lab.id", id))
	defer span.End()

	s, err := c.store.Get(id)
	if err != nil {
		return err
	}
	if s.Status != pipeline.StatusRequirementsReady || !s.GenerationInFlight {
		return fmt.Errorf("lab %s is %s (in flight: %v), not ready to generate", id, s.Status, s.GenerationInFlight)
	}

	current := stage.Design
	defer func() {
		if r := recover(); r != nil {
			err = c.fail(ctx, id, current, pipeline.ErrStageFailed, fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	c.logf("lab %s: generation started", id)
	c.event(id, "pipeline_started", "", "")
	in := stage.Inputs{SessionID: id, Prompt: s.Prompt, Requirements: s.Requirements}

	if err := c.advance(id, pipeline.StatusDesigning, nil); err != nil {
		return c.fail(ctx, id, current, pipeline.ErrStageFailed, err)
	}
	design, err := runStage(ctx, stage.Design, c.designer, in)
	if err != nil {
		return c.fail(ctx, id, stage.Design, pipeline.ErrStageFailed, err)
	}

	current = stage.Author
	if err := c.advance(id, pipeline.StatusGuideWriting, func(s *pipeline.Session) {
		s.Design = design
	}); err != nil {
		return c.fail(ctx, id, current, pipeline.ErrStageFailed, err)
	}
	in.Design = design
	guide, err := runStage(ctx, stage.Author, c.author, in)
	if err != nil {
		return c.fail(ctx, id, stage.Author, pipeline.ErrStageFailed, err)
	}

	if s.DryRun {
		if err := c.advance(id, pipeline.StatusDone, func(s *pipeline.Session) {
			s.Guide = guide
		}); err != nil {
			return c.fail(ctx, id, current, pipeline.ErrStageFailed, err)
		}
		c.logf("lab %s: done (dry run)", id)
		return nil
	}

	current = stage.Validation
	if err := c.advance(id, pipeline.StatusValidating, func(s *pipeline.Session) {
		s.Guide = guide
	}); err != nil {
		return c.fail(ctx, id, current, pipeline.ErrStageFailed, err)
	}
	result, kind, err := c.validate(ctx, id, design, guide)
	if err != nil {
		return c.fail(ctx, id, stage.Validation, kind, err)
	}
	if err := c.advance(id, pipeline.StatusDone, func(s *pipeline.Session) {
		s.ValidationResult = result
	}); err != nil {
		return c.fail(ctx, id, current, pipeline.ErrStageFailed, err)
	}
	c.logf("lab %s: done (validation success: %v)", id, result.Success)
	return nil
}

func runStage[T any](ctx context.Context, name string, p stage.Processor[T], in stage.Inputs) (*T, error) {
	ctx, span := observability.StartSpan(ctx, "lab.stage."+name, attribute.String("lab.id", in.SessionID))
	defer span.End()

	out, err := p.Run(ctx, in)
	if err == nil && out == nil {
		err = errors.New("processor returned no output")
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

// advance applies fn, moves the session to status to and appends the
// transition notice, all in one store mutation.
func (c *Controller) advance(id string, to pipeline.Status, fn func(*pipeline.Session)) error {
	var from pipeline.Status
	err := c.store.Update(id, func(s *pipeline.Session) error {
		from = s.Status
		if fn != nil {
			fn(s)
		}
		s.Status = to
		s.AppendProgress(ProgressText(from, to))
		if to.Terminal() {
			s.GenerationInFlight = false
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("lab %s: %s -> %s: %w", id, from, to, err)
	}
	c.event(id, "transition", string(to), fmt.Sprintf("from=%s", from))
	return nil
}

// fail moves the session to failed with a structured error record. A
// cancelled context means the process is shutting down, which is recorded as
// an interruption rather than a stage fault.
func (c *Controller) fail(ctx context.Context, id, stageName string, kind pipeline.ErrorKind, cause error) error {
	if ctx.Err() != nil {
		kind = pipeline.ErrInterrupted
	}
	rec := &pipeline.ErrorRecord{Stage: stageName, Kind: kind, Message: cause.Error()}
	err := c.store.Update(id, func(s *pipeline.Session) error {
		s.Error = rec
		s.Status = pipeline.StatusFailed
		s.GenerationInFlight = false
		s.AppendProgress(FailureText(stageName, kind))
		return nil
	})
	if err != nil {
		return fmt.Errorf("lab %s: record %s failure (%v): %w", id, stageName, cause, err)
	}
	c.event(id, "failed", stageName, fmt.Sprintf("%s: %s", kind, cause))
	c.logf("lab %s: %s failed (%s): %v", id, stageName, kind, cause)
	return fmt.Errorf("lab %s: %s %s: %w", id, stageName, kind, cause)
}

// validate submits the job, waits for it and evaluates the artifacts. A
// negative verdict is a result, not an error.
func (c *Controller) validate(ctx context.Context, id string, d *pipeline.Design, g *pipeline.Guide) (*pipeline.ValidationResult, pipeline.ErrorKind, error) {
	ctx, span := observability.StartSpan(ctx, "lab.stage.validation", attribute.String("lab.id", id))
	defer span.End()

	if c.jobs == nil || c.fetcher == nil {
		return nil, pipeline.ErrSubmitFailed, errors.New("no validation engine is configured")
	}

	start := time.Now()
	execID, err := c.jobs.Submit(ctx, id, d, g)
	if err != nil {
		return nil, pipeline.ErrSubmitFailed, err
	}
	span.SetAttributes(attribute.String("validation.execution_id", execID))
	c.event(id, "validation_submitted", stage.Validation, execID)

	record := func(outcome string, r *pipeline.ValidationResult) {
		if c.db == nil {
			return
		}
		run := db.ValidationRun{
			SessionID:   id,
			ExecutionID: execID,
			Outcome:     outcome,
			DurationMs:  time.Since(start).Milliseconds(),
		}
		if r != nil {
			st := r.Artifacts.Summary.Stats
			run.Success = r.Success
			run.TotalSteps, run.Passed, run.Failed = st.TotalSteps, st.Passed, st.Failed
		}
		_ = c.db.LogValidationRun(run)
	}

	term, err := c.jobs.AwaitCompletion(ctx, execID, c.pollInterval, c.validationTimeout)
	if err != nil {
		record(string(pipeline.ErrPollFailed), nil)
		return nil, pipeline.ErrPollFailed, err
	}

	var arts *pipeline.ValidationArtifacts
	switch term {
	case jobclient.TimedOut:
		record(string(pipeline.ErrTimedOut), nil)
		return nil, pipeline.ErrTimedOut, fmt.Errorf("validation job %s did not finish within %s", execID, c.validationTimeout)
	case jobclient.Failed:
		// A runner that exits non-zero on failed checks still leaves results.
		arts, err = c.fetcher.FetchOnce(ctx, execID)
		if err != nil {
			record(string(pipeline.ErrJobFailed), nil)
			return nil, pipeline.ErrJobFailed, fmt.Errorf("validation job %s failed: %w", execID, err)
		}
	default:
		arts, err = c.fetcher.Fetch(ctx, execID)
		if err != nil {
			record(string(pipeline.ErrArtifactsUnavailable), nil)
			return nil, pipeline.ErrArtifactsUnavailable, err
		}
	}

	result := artifacts.Evaluate(arts, time.Since(start))
	outcome := "fail"
	if result.Success {
		outcome = "pass"
	}
	record(outcome, result)
	c.event(id, "validation_evaluated", stage.Validation, fmt.Sprintf("execution=%s success=%v", execID, result.Success))
	return result, "", nil
}
