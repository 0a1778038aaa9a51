package orchestrator

import (
	"time"

	"github.com/lucasnoah/labforge/internal/pipeline"
	"github.com/lucasnoah/labforge/internal/stage"
)

// Projection is the read-only view served to status pollers.
type Projection struct {
	LabID                string                     `json:"lab_id"`
	Title                string                     `json:"title"`
	Status               pipeline.Status            `json:"status"`
	CurrentStage         *string                    `json:"current_stage"`
	DryRun               bool                       `json:"dry_run"`
	GenerationInFlight   bool                       `json:"generation_in_flight"`
	Requirements         *pipeline.Requirements     `json:"requirements,omitempty"`
	Design               *pipeline.Design           `json:"design,omitempty"`
	Guide                *pipeline.Guide            `json:"guide,omitempty"`
	ValidationResult     *pipeline.ValidationResult `json:"validation_result,omitempty"`
	LatestProgressUpdate *pipeline.ProgressUpdate   `json:"latest_progress_update"`
	Error                *pipeline.ErrorRecord      `json:"error"`
	CreatedAt            time.Time                  `json:"created_at"`
	UpdatedAt            time.Time                  `json:"updated_at"`
}

// CurrentStage maps a status to the stage processor running in it, or ""
// when no stage is running.
func CurrentStage(s pipeline.Status) string {
	switch s {
	case pipeline.StatusInteractive:
		return stage.Interactive
	case pipeline.StatusDesigning:
		return stage.Design
	case pipeline.StatusGuideWriting:
		return stage.Author
	case pipeline.StatusValidating:
		return stage.Validation
	}
	return ""
}

// Project reads the latest snapshot of a session and projects it.
func Project(store *pipeline.Store, id string) (*Projection, error) {
	s, err := store.Get(id)
	if err != nil {
		return nil, err
	}
	return ProjectSession(s), nil
}

// ProjectSession projects an already read snapshot.
func ProjectSession(s *pipeline.Session) *Projection {
	p := &Projection{
		LabID:                s.ID,
		Title:                s.Title(),
		Status:               s.Status,
		DryRun:               s.DryRun,
		GenerationInFlight:   s.GenerationInFlight,
		Requirements:         s.Requirements,
		Design:               s.Design,
		Guide:                s.Guide,
		ValidationResult:     s.ValidationResult,
		LatestProgressUpdate: s.LatestProgressUpdate,
		Error:                s.Error,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
	if name := CurrentStage(s.Status); name != "" {
		p.CurrentStage = &name
	}
	return p
}

// Summary is a one-line description of where a lab stands.
func (p *Projection) Summary() string {
	switch {
	case p.Status == pipeline.StatusFailed && p.Error != nil:
		if p.Error.Kind.Inconclusive() {
			return "inconclusive: " + p.Error.Message
		}
		return "failed in " + p.Error.Stage + ": " + p.Error.Message
	case p.Status == pipeline.StatusDone && p.ValidationResult != nil:
		if p.ValidationResult.Success {
			return "done, validation passed"
		}
		return "done, validation did not pass"
	case p.Status == pipeline.StatusDone:
		return "done, not validated"
	case p.LatestProgressUpdate != nil:
		return p.LatestProgressUpdate.Text
	}
	return string(p.Status)
}
