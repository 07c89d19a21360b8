package models

import "time"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known run statuses.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// RunRecord is the scheduler's view of one run. OwnerID and LeaseUntil are
// only populated by the Postgres backend. FinalOutput is the content of the
// run's final event, kept on the record so GetRun answers without an event
// replay.
type RunRecord struct {
	RunID             string     `json:"run_id"`
	SessionID         string     `json:"session_id"`
	Status            RunStatus  `json:"status"`
	InputText         string     `json:"input_text"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	FinalOutput       string     `json:"final_output,omitempty"`
	OwnerID           string     `json:"owner_id,omitempty"`
	LeaseUntil        *time.Time `json:"lease_until,omitempty"`
}

// Run event types emitted into the per-run event log.
const (
	EventTypeToolCall           = "tool_call"
	EventTypeToolResult         = "tool_result"
	EventTypeStepStart          = "step_start"
	EventTypeStepComplete       = "step_complete"
	EventTypeText               = "text"
	EventTypeFinal              = "final"
	EventTypeCompactionComplete = "compaction_complete"
	EventTypePermissionPreview  = "permission.preview"
	EventTypePermissionReady    = "permission.ready"
	EventTypeDone               = "done"
	EventTypeError              = "error"
	EventTypePing               = "ping"
)

// Terminal statuses carried by done events. A failed run reports "error" on
// the stream while the run record itself reads "failed".
const (
	DoneStatusCompleted = "completed"
	DoneStatusCancelled = "cancelled"
	DoneStatusError     = "error"
)

// RunEvent is one entry in a run's ordered event log. Seq starts at 0 and
// increases by exactly 1 per event.
type RunEvent struct {
	RunID     string         `json:"run_id,omitempty"`
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
