package models

import (
	"strconv"
	"time"
)

// TaskStatus represents the current state of an automation task.
type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
	StatusTimedOut  TaskStatus = "timed_out"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// ActionType identifies one kind of scripted browser step.
type ActionType string

const (
	ActionNavigate   ActionType = "navigate"
	ActionWait       ActionType = "wait"
	ActionClick      ActionType = "click"
	ActionFill       ActionType = "fill"
	ActionEvaluate   ActionType = "evaluate"
	ActionExtract    ActionType = "extract"
	ActionScreenshot ActionType = "screenshot"
)

// Action is one step of a task's scripted sequence. Which fields apply
// depends on Type; Validate enforces the per-type requirements.
type Action struct {
	Type       ActionType `json:"type"`
	URL        string     `json:"url,omitempty"`
	Selector   string     `json:"selector,omitempty"`
	Value      string     `json:"value,omitempty"`
	Expression string     `json:"expression,omitempty"`
	Attribute  string     `json:"attribute,omitempty"`
	WaitMs     int        `json:"wait_ms,omitempty"`
	FullPage   bool       `json:"full_page,omitempty"`
	Label      string     `json:"label,omitempty"`
}

// Validate checks that the action carries the fields its type requires.
func (a Action) Validate() error {
	switch a.Type {
	case ActionNavigate:
		if a.URL == "" {
			return NewError(KindInvalidRequest, "navigate requires a url")
		}
	case ActionWait:
		if a.Selector == "" && a.WaitMs <= 0 {
			return NewError(KindInvalidRequest, "wait requires a selector or a positive wait_ms")
		}
	case ActionClick:
		if a.Selector == "" {
			return NewError(KindInvalidRequest, "click requires a selector")
		}
	case ActionFill:
		if a.Selector == "" {
			return NewError(KindInvalidRequest, "fill requires a selector")
		}
	case ActionEvaluate:
		if a.Expression == "" {
			return NewError(KindInvalidRequest, "evaluate requires an expression")
		}
	case ActionExtract:
		if a.Selector == "" {
			return NewError(KindInvalidRequest, "extract requires a selector")
		}
	case ActionScreenshot:
		// No required fields.
	default:
		return NewError(KindInvalidRequest, "unknown action type %q", a.Type)
	}
	return nil
}

// TaskRequest is the caller-submitted action sequence with a deadline.
// It is consumed once and never mutated after submission.
type TaskRequest struct {
	Actions        []Action `json:"actions"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

// Validate checks the request before it is accepted.
func (r TaskRequest) Validate() error {
	if len(r.Actions) == 0 {
		return NewError(KindInvalidRequest, "at least one action is required")
	}
	if r.TimeoutSeconds < 0 {
		return NewError(KindInvalidRequest, "timeout_seconds must not be negative")
	}
	for i, a := range r.Actions {
		if err := a.Validate(); err != nil {
			return WrapError(KindInvalidRequest, err, "action "+strconv.Itoa(i))
		}
	}
	return nil
}

// ActionResult is the outcome of a single executed action.
type ActionResult struct {
	Type         ActionType `json:"type"`
	OK           bool       `json:"ok"`
	Value        string     `json:"value,omitempty"`
	Screenshot   string     `json:"screenshot,omitempty"` // base64 PNG, set when no artifact store is configured
	ArtifactPath string     `json:"artifact_path,omitempty"`
	Error        string     `json:"error,omitempty"`
	ElapsedMs    int64      `json:"elapsed_ms"`

	// Data holds raw screenshot bytes for the executor to persist.
	Data []byte `json:"-"`
}

// TaskResult is the immutable outcome of one task. Results holds the
// per-action outcomes collected so far, including the failed action on
// partial failure.
type TaskResult struct {
	Status    TaskStatus     `json:"status"`
	Results   []ActionResult `json:"result,omitempty"`
	ErrorKind ErrorKind      `json:"error_kind,omitempty"`
	Error     string         `json:"error,omitempty"`
	ElapsedMs int64          `json:"elapsed_ms"`
}

// Task is the registry record tracking one request through its lifecycle.
type Task struct {
	ID          string      `json:"id"`
	Status      TaskStatus  `json:"status"`
	SubmittedAt time.Time   `json:"submitted_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
	Request     TaskRequest `json:"request"`
	Result      *TaskResult `json:"result,omitempty"`
}
