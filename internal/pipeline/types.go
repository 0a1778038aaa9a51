package pipeline

import "time"

// Status is the lifecycle state of a lab session.
type Status string

const (
	StatusInteractive       Status = "interactive"
	StatusRequirementsReady Status = "requirements_ready"
	StatusDesigning         Status = "designing"
	StatusGuideWriting      Status = "guide_writing"
	StatusValidating        Status = "validating"
	StatusDone              Status = "done"
	StatusFailed            Status = "failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Role identifies who authored a conversation entry.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleSystem      Role = "system"
)

// MessageKind separates chat replies from pipeline progress notices.
type MessageKind string

const (
	KindChat     MessageKind = "chat"
	KindProgress MessageKind = "progress"
)

// Message is one conversation entry.
type Message struct {
	Seq       int64       `json:"seq"`
	Role      Role        `json:"role"`
	Kind      MessageKind `json:"kind"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// ProgressUpdate points at the most recent progress entry in the conversation.
type ProgressUpdate struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// ErrorKind classifies a terminal failure.
type ErrorKind string

const (
	ErrInteractiveFailed    ErrorKind = "interactive_failed"
	ErrStageFailed          ErrorKind = "stage_failed"
	ErrSubmitFailed         ErrorKind = "submit_failed"
	ErrPollFailed           ErrorKind = "poll_failed"
	ErrTimedOut             ErrorKind = "timed_out"
	ErrJobFailed            ErrorKind = "job_failed"
	ErrArtifactsUnavailable ErrorKind = "artifacts_unavailable"
	ErrEnqueueFailed        ErrorKind = "enqueue_failed"
	ErrInterrupted          ErrorKind = "interrupted"
)

// Inconclusive reports whether the kind means validation could not reach a verdict.
func (k ErrorKind) Inconclusive() bool {
	return k == ErrPollFailed || k == ErrTimedOut
}

// ErrorRecord is the structured failure attached to a failed session.
type ErrorRecord struct {
	Stage   string    `json:"stage"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Requirements is the structured output of the interactive stage.
type Requirements struct {
	Title         string         `json:"title"`
	Objectives    []string       `json:"objectives"`
	Constraints   map[string]any `json:"constraints"`
	Level         string         `json:"level"`
	Prerequisites []string       `json:"prerequisites"`
}

// Design is the output of the design stage: topology plus per-device configs.
type Design struct {
	TopologyYAML   string              `json:"topology_yaml"`
	InitialConfigs map[string][]string `json:"initial_configs"`
	TargetConfigs  map[string][]string `json:"target_configs,omitempty"`
	Platforms      map[string]string   `json:"platforms,omitempty"`
	LintResults    map[string]any      `json:"lint_results,omitempty"`
}

// Guide is the authored lab guide.
type Guide struct {
	Title                string          `json:"title"`
	Markdown             string          `json:"markdown"`
	DeviceSections       []DeviceSection `json:"device_sections"`
	EstimatedTimeMinutes int             `json:"estimated_time_minutes"`
	LintResults          map[string]any  `json:"lint_results,omitempty"`
}

// DeviceSection holds the guide steps for one device.
type DeviceSection struct {
	DeviceName string        `json:"device_name"`
	Platform   string        `json:"platform"`
	Steps      []CommandStep `json:"steps"`
}

// CommandStep is a single guide instruction. Type is "cmd" or "verify".
type CommandStep struct {
	Type        string `json:"type"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// StepStats is the per-step tally reported by the validation runner.
type StepStats struct {
	TotalSteps int `json:"total_steps"`
	Passed     int `json:"passed"`
	Failed     int `json:"failed"`
}

// ValidationSummary is the structured verdict document a validation job writes.
type ValidationSummary struct {
	Status string    `json:"status,omitempty"`
	OK     *bool     `json:"ok,omitempty"`
	Stats  StepStats `json:"stats"`
	Error  string    `json:"error,omitempty"`
}

// ValidationArtifacts is what a completed validation job left in the blob store.
type ValidationArtifacts struct {
	ExecutionID   string            `json:"execution_id"`
	Summary       ValidationSummary `json:"summary"`
	Logs          string            `json:"logs,omitempty"`
	DeviceOutputs map[string]string `json:"device_outputs,omitempty"`
}

// ValidationResult is the evaluated outcome of validation.
type ValidationResult struct {
	ExecutionID     string              `json:"execution_id"`
	Success         bool                `json:"success"`
	Artifacts       ValidationArtifacts `json:"artifacts"`
	DurationSeconds float64             `json:"duration_seconds"`
}

// Session is the full record for one lab generation request.
type Session struct {
	ID                   string            `json:"id"`
	Status               Status            `json:"status"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	Prompt               string            `json:"prompt"`
	DryRun               bool              `json:"dry_run"`
	Requirements         *Requirements     `json:"requirements,omitempty"`
	Design               *Design           `json:"design,omitempty"`
	Guide                *Guide            `json:"guide,omitempty"`
	ValidationResult     *ValidationResult `json:"validation_result,omitempty"`
	Error                *ErrorRecord      `json:"error,omitempty"`
	Conversation         []Message         `json:"conversation"`
	LatestProgressUpdate *ProgressUpdate   `json:"latest_progress_update,omitempty"`
	GenerationInFlight   bool              `json:"generation_in_flight"`
}

// Title returns the requirements title when known, otherwise a truncated prompt.
func (s *Session) Title() string {
	if s.Requirements != nil && s.Requirements.Title != "" {
		return s.Requirements.Title
	}
	p := []rune(s.Prompt)
	if len(p) > 50 {
		return string(p[:50]) + "..."
	}
	return s.Prompt
}

// ParticipantTurns counts participant entries in the conversation.
func (s *Session) ParticipantTurns() int {
	n := 0
	for _, m := range s.Conversation {
		if m.Role == RoleParticipant {
			n++
		}
	}
	return n
}

// clone copies the session deeply enough that appends and field writes on the
// copy never reach the original. Stage outputs are write-once and shared.
func (s *Session) clone() *Session {
	c := *s
	c.Conversation = make([]Message, len(s.Conversation), len(s.Conversation)+4)
	copy(c.Conversation, s.Conversation)
	if s.LatestProgressUpdate != nil {
		p := *s.LatestProgressUpdate
		c.LatestProgressUpdate = &p
	}
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	return &c
}
