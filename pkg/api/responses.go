package api

import (
	"github.com/codelia/codelia/pkg/models"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RunListResponse is returned by GET /api/v1/runs.
type RunListResponse struct {
	Runs []*models.RunRecord `json:"runs"`
}

// RunEventsResponse is returned by GET /api/v1/runs/:run_id/events.
type RunEventsResponse struct {
	RunID  string             `json:"run_id"`
	Events []*models.RunEvent `json:"events"`
}

// CancelRunResponse is returned by POST /api/v1/runs/:run_id/cancel.
type CancelRunResponse struct {
	RunID   string `json:"run_id"`
	Message string `json:"message"`
}

// SessionListResponse is returned by GET /api/v1/sessions.
type SessionListResponse struct {
	Sessions []models.SessionSummary `json:"sessions"`
}

// CancelSessionResponse is returned by POST /api/v1/sessions/:session_id/cancel.
type CancelSessionResponse struct {
	SessionID     string   `json:"session_id"`
	CancelledRuns []string `json:"cancelled_runs"`
}

// HealthCheck is one component's entry in the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}
