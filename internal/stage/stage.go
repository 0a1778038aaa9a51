// Package stage defines the content-producing stages of lab generation and
// command-backed implementations of them.
package stage

import (
	"context"
	"fmt"

	"github.com/lucasnoah/labforge/internal/pipeline"
)

// Stage names used in error records and progress events.
const (
	Interactive = "interactive"
	Design      = "design"
	Author      = "author"
	Validation  = "validation"
)

// Inputs carries the prior outputs a stage consumes.
type Inputs struct {
	SessionID    string                 `json:"session_id"`
	Prompt       string                 `json:"prompt"`
	Requirements *pipeline.Requirements `json:"requirements,omitempty"`
	Design       *pipeline.Design       `json:"design,omitempty"`
}

// Processor turns prior outputs into one typed output.
type Processor[T any] interface {
	Run(ctx context.Context, in Inputs) (*T, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc[T any] func(ctx context.Context, in Inputs) (*T, error)

func (f ProcessorFunc[T]) Run(ctx context.Context, in Inputs) (*T, error) {
	return f(ctx, in)
}

// TurnInput is one round of the interactive requirements conversation.
type TurnInput struct {
	SessionID    string             `json:"session_id"`
	Prompt       string             `json:"prompt"`
	Conversation []pipeline.Message `json:"conversation"`
}

// TurnResult is the planner's answer to a turn. Requirements is non-nil once
// the planner has gathered enough to hand off to the pipeline.
type TurnResult struct {
	Reply        string
	Requirements *pipeline.Requirements
}

// Planner runs the interactive requirements stage one turn at a time.
type Planner interface {
	Turn(ctx context.Context, in TurnInput) (*TurnResult, error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, in TurnInput) (*TurnResult, error)

func (f PlannerFunc) Turn(ctx context.Context, in TurnInput) (*TurnResult, error) {
	return f(ctx, in)
}

// Error is a stage processor failure.
type Error struct {
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
