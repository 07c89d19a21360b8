package api

// CreateRunRequest is the body of POST /api/v1/runs. Field validation lives
// in the service layer so API and non-API callers reject the same inputs.
type CreateRunRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}
