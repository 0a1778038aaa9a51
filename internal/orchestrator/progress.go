package orchestrator

import (
	"fmt"

	"github.com/lucasnoah/labforge/internal/pipeline"
)

type transition struct {
	from, to pipeline.Status
}

var progressText = map[transition]string{
	{pipeline.StatusInteractive, pipeline.StatusRequirementsReady}: "Requirements captured. Lab generation has started in the background.",
	{pipeline.StatusRequirementsReady, pipeline.StatusDesigning}:   "Designing the lab topology and initial device configurations.",
	{pipeline.StatusDesigning, pipeline.StatusGuideWriting}:        "Topology design complete. Writing the lab guide.",
	{pipeline.StatusGuideWriting, pipeline.StatusValidating}:       "Lab guide drafted. Validating it on live devices, this can take a while.",
	{pipeline.StatusGuideWriting, pipeline.StatusDone}:             "Lab guide drafted. Validation was skipped for this dry run. Your lab is ready.",
	{pipeline.StatusValidating, pipeline.StatusDone}:               "Validation finished. Your lab is ready.",
}

// ProgressText returns the fixed notice for a status transition.
func ProgressText(from, to pipeline.Status) string {
	if s, ok := progressText[transition{from, to}]; ok {
		return s
	}
	return fmt.Sprintf("Moved from %s to %s.", from, to)
}

var failureText = map[pipeline.ErrorKind]string{
	pipeline.ErrInteractiveFailed:    "Requirements gathering failed. Please start a new lab.",
	pipeline.ErrStageFailed:          "The %s stage failed. Lab generation has stopped.",
	pipeline.ErrSubmitFailed:         "The validation job could not be submitted. Lab generation has stopped.",
	pipeline.ErrPollFailed:           "Validation status could not be determined. The result is inconclusive.",
	pipeline.ErrTimedOut:             "Validation did not finish in time. The result is inconclusive.",
	pipeline.ErrJobFailed:            "The validation job failed without producing results.",
	pipeline.ErrArtifactsUnavailable: "Validation finished but its results could not be read.",
	pipeline.ErrEnqueueFailed:        "Lab generation could not be scheduled. Please try again.",
	pipeline.ErrInterrupted:          "Lab generation was interrupted during the %s stage.",
}

// FailureText returns the fixed notice appended when a stage fails.
func FailureText(stageName string, kind pipeline.ErrorKind) string {
	s, ok := failureText[kind]
	if !ok {
		return fmt.Sprintf("The %s stage failed.", stageName)
	}
	if kind == pipeline.ErrStageFailed || kind == pipeline.ErrInterrupted {
		return fmt.Sprintf(s, stageName)
	}
	return s
}
