package checkpoint

import (
	"strconv"
	"time"
)

// Status is the lifecycle label stored in run.json.
type Status string

// Manifest statuses.
const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
)

// Manifest describes a run. It is written when the run starts and rewritten
// when it exits.
type Manifest struct {
	RunID       int        `json:"run_id"`
	SessionID   string     `json:"session_id"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Papers      int        `json:"papers"`
	Remaining   int        `json:"remaining"`
	DeadLetters int        `json:"dead_letters"`
	Snapshots   int        `json:"snapshots"`
	ResumedFrom int        `json:"resumed_from,omitempty"`
}

// Summary is the notification published when a run exits.
type Summary struct {
	RunID       int               `json:"run_id"`
	SessionID   string            `json:"session_id"`
	Status      Status            `json:"status"`
	Papers      int               `json:"papers"`
	Remaining   int               `json:"remaining"`
	DeadLetters int               `json:"dead_letters"`
	Artifacts   map[string]string `json:"artifacts"`
	FinishedAt  time.Time         `json:"finished_at"`
}

// Attributes labels the published message so subscribers can filter on status
// without decoding the body.
func (s Summary) Attributes() map[string]string {
	return map[string]string{
		"run_id": strconv.Itoa(s.RunID),
		"status": string(s.Status),
	}
}
