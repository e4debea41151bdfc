package triage

import (
	"encoding/json"
	"time"
)

// Status tracks where an analysis is in its lifecycle.
type Status string

const (
	// StatusRunning means the analysis job has been created and has not finished
	StatusRunning Status = "running"

	// StatusPending means scored and waiting in the active queue
	StatusPending Status = "pending"

	// StatusAssigned means a reviewer has picked the item up
	StatusAssigned Status = "assigned"

	// StatusDone means the reviewer finished with the item
	StatusDone Status = "done"

	// StatusFailed means the analysis job gave up
	StatusFailed Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusPending, StatusAssigned, StatusDone, StatusFailed:
		return true
	}
	return false
}

// scored reports whether the status requires score, priority and signals.
func (s Status) scored() bool {
	return s == StatusPending || s == StatusAssigned || s == StatusDone
}

// Feedback is a single piece of customer feedback. Immutable once created.
type Feedback struct {
	ID        string          `json:"id"`
	Source    string          `json:"source,omitempty"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Analysis is one analysis attempt for a feedback item.
type Analysis struct {
	ID          string     `json:"id"`
	FeedbackID  string     `json:"feedback_id"`
	Status      Status     `json:"status"`
	Priority    int        `json:"priority"`
	Score       *int       `json:"score"`
	Signals     *Signals   `json:"signals"`
	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	Result      *Scoring   `json:"result"`
	ErrorText   string     `json:"error_text,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Override is an append-only audit entry for a manual priority change.
type Override struct {
	ID         string          `json:"id"`
	AnalysisID string          `json:"analysis_id"`
	Actor      string          `json:"actor,omitempty"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ActionSetPriority is the Override action recorded for priority changes.
const ActionSetPriority = "set_priority"

// QueueItem is an analysis joined with its parent feedback for the triage queue.
type QueueItem struct {
	Analysis
	Content string `json:"content"`
	Source  string `json:"source,omitempty"`
}

// ItemDetail is everything known about a single feedback item.
type ItemDetail struct {
	Feedback  *Feedback  `json:"feedback"`
	Analyses  []Analysis `json:"analysis"`
	Overrides []Override `json:"overrides"`
}

// StepRecord is a checkpointed step output in the job step log.
type StepRecord struct {
	JobID       string          `json:"job_id"`
	Step        string          `json:"step"`
	Output      json.RawMessage `json:"output"`
	Attempts    int             `json:"attempts"`
	CompletedAt time.Time       `json:"completed_at"`
}
