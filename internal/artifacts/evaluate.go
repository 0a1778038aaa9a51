package artifacts

import (
	"strings"
	"time"

	"github.com/lucasnoah/labforge/internal/pipeline"
)

// Passed reports whether the summary declares a full pass. An explicit status
// or ok flag is authoritative; without either, the step tally decides.
func Passed(s pipeline.ValidationSummary) bool {
	if s.Status != "" {
		return strings.EqualFold(s.Status, "PASS")
	}
	if s.OK != nil {
		return *s.OK
	}
	return s.Stats.Failed == 0 && s.Stats.Passed == s.Stats.TotalSteps
}

// Evaluate turns fetched artifacts into a verdict. A run only succeeds when
// it declared a pass and actually executed at least one step.
func Evaluate(a *pipeline.ValidationArtifacts, duration time.Duration) *pipeline.ValidationResult {
	return &pipeline.ValidationResult{
		ExecutionID:     a.ExecutionID,
		Success:         Passed(a.Summary) && a.Summary.Stats.TotalSteps > 0,
		Artifacts:       *a,
		DurationSeconds: duration.Seconds(),
	}
}
