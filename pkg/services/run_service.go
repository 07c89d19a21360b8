package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codelia/codelia/pkg/models"
	"github.com/codelia/codelia/pkg/scheduler"
)

// MaxMessageBytes caps the user message accepted for a run.
const MaxMessageBytes = 32 * 1024

// StartRunInput is the domain-level data needed to enqueue a run.
// Transformed from the HTTP request by the handler.
type StartRunInput struct {
	SessionID string
	Message   string
}

// ListRunsInput narrows run listings. Statuses arrive as raw strings from
// the query and are validated here.
type ListRunsInput struct {
	SessionID string
	Statuses  []string
	Limit     int
}

// RunService validates run operations and delegates to the scheduler.
type RunService struct {
	sched scheduler.Scheduler
}

// NewRunService creates a new RunService.
func NewRunService(sched scheduler.Scheduler) *RunService {
	if sched == nil {
		panic("NewRunService: sched must not be nil")
	}
	return &RunService{sched: sched}
}

// StartRun enqueues a run for the session. The returned record is in
// "queued" status; execution happens asynchronously.
func (s *RunService) StartRun(ctx context.Context, input StartRunInput) (*models.RunRecord, error) {
	if err := validateSessionID(input.SessionID); err != nil {
		return nil, err
	}
	if input.Message == "" {
		return nil, NewValidationError("message", "message is required")
	}
	if len(input.Message) > MaxMessageBytes {
		return nil, NewValidationError("message",
			fmt.Sprintf("message exceeds %d bytes", MaxMessageBytes))
	}

	run, err := s.sched.CreateRun(ctx, input.SessionID, input.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue run: %w", err)
	}
	return run, nil
}

// GetRun returns the run record, or ErrNotFound.
func (s *RunService) GetRun(ctx context.Context, runID string) (*models.RunRecord, error) {
	run, err := s.sched.GetRun(ctx, runID)
	if errors.Is(err, scheduler.ErrRunNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs matching the input, newest first.
func (s *RunService) ListRuns(ctx context.Context, input ListRunsInput) ([]*models.RunRecord, error) {
	filter := scheduler.RunFilter{
		SessionID: input.SessionID,
		Limit:     input.Limit,
	}
	for _, raw := range input.Statuses {
		status := models.RunStatus(raw)
		if !status.Valid() {
			return nil, NewValidationError("statuses", fmt.Sprintf("unknown status '%s'", raw))
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	runs, err := s.sched.ListRuns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// CancelRun requests cancellation. Idempotent: cancelling a terminal or
// already-cancelled run succeeds. ErrNotFound when the run id is unknown.
func (s *RunService) CancelRun(ctx context.Context, runID string) error {
	ok, err := s.sched.RequestCancel(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// ListEvents returns up to limit events with seq > afterSeq, or ErrNotFound
// for an unknown run.
func (s *RunService) ListEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]*models.RunEvent, error) {
	events, err := s.sched.ListEventsAfter(ctx, runID, afterSeq, limit)
	if errors.Is(err, scheduler.ErrRunNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// WaitForNewEvent blocks until an event past afterSeq exists, the timeout
// elapses, or ctx is cancelled. Used by the SSE stream between reads.
func (s *RunService) WaitForNewEvent(ctx context.Context, runID string, afterSeq int64, timeout time.Duration) scheduler.WaitOutcome {
	return s.sched.WaitForNewEvent(ctx, runID, afterSeq, timeout)
}

// validateSessionID enforces the id shape shared with sandbox directory
// naming: short, path-safe, no separators.
func validateSessionID(sessionID string) error {
	if sessionID == "" {
		return NewValidationError("session_id", "session_id is required")
	}
	if len(sessionID) > 128 {
		return NewValidationError("session_id", "session_id exceeds 128 characters")
	}
	for _, r := range sessionID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return NewValidationError("session_id",
				fmt.Sprintf("session_id contains invalid character %q", r))
		}
	}
	return nil
}
