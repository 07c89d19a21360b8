// Package scheduler queues and executes agent runs and serves their event
// streams. Two interchangeable backends implement the same API: an
// in-memory backend that dispatches runs directly, and a Postgres backend
// where a pool of workers claims queued runs with SKIP LOCKED, renews
// leases, and appends events to a durable per-run log.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/codelia/codelia/pkg/models"
)

// Sentinel errors shared by both backends.
var (
	// ErrRunNotFound means the run id does not exist (or was GC'd).
	ErrRunNotFound = errors.New("run not found")

	// ErrRunTerminal means an event append hit a run that already carries
	// a terminal status.
	ErrRunTerminal = errors.New("run is terminal")

	// ErrSchedulerClosed is returned for operations after Dispose.
	ErrSchedulerClosed = errors.New("scheduler is closed")

	// ErrLeaseLost means this worker's run or session lease was taken
	// over; the run must be abandoned, not finished.
	ErrLeaseLost = errors.New("worker lease lost")

	// ErrNoRunsAvailable is the internal claim-miss signal.
	ErrNoRunsAvailable = errors.New("no runs available")
)

const (
	// MaxListLimit caps ListRuns page sizes.
	MaxListLimit = 100

	// DefaultEventBatch is the ListEventsAfter page size when the caller
	// does not specify one.
	DefaultEventBatch = 200

	// MinWaitTimeout floors WaitForNewEvent timeouts.
	MinWaitTimeout = 100 * time.Millisecond
)

// RunFilter narrows ListRuns. Zero values mean "any".
type RunFilter struct {
	SessionID string
	Statuses  []models.RunStatus
	Limit     int
}

// WaitOutcome is the result of WaitForNewEvent.
type WaitOutcome int

const (
	// WaitEvent means at least one event past after_seq exists now.
	WaitEvent WaitOutcome = iota
	// WaitTimeout means the timeout elapsed with no new event.
	WaitTimeout
	// WaitAborted means the caller's context was cancelled.
	WaitAborted
	// WaitMissing means the run does not exist (or was evicted).
	WaitMissing
)

func (o WaitOutcome) String() string {
	switch o {
	case WaitEvent:
		return "event"
	case WaitTimeout:
		return "timeout"
	case WaitAborted:
		return "aborted"
	case WaitMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// Scheduler is the run API shared by both backends.
type Scheduler interface {
	// CreateRun enqueues a run and returns it with status "queued".
	// Execution happens asynchronously.
	CreateRun(ctx context.Context, sessionID, message string) (*models.RunRecord, error)

	// GetRun returns the run record or ErrRunNotFound.
	GetRun(ctx context.Context, runID string) (*models.RunRecord, error)

	// ListRuns returns runs matching the filter, newest first. The limit
	// is clamped to MaxListLimit.
	ListRuns(ctx context.Context, filter RunFilter) ([]*models.RunRecord, error)

	// ListEventsAfter returns up to limit events with seq > afterSeq in
	// seq order. Pass afterSeq -1 for the whole stream.
	ListEventsAfter(ctx context.Context, runID string, afterSeq int64, limit int) ([]*models.RunEvent, error)

	// RequestCancel marks the run for cancellation. The timestamp is
	// idempotent; the first request wins. Returns false when no such run
	// exists.
	RequestCancel(ctx context.Context, runID string) (bool, error)

	// WaitForNewEvent blocks until an event with seq > afterSeq exists
	// (WaitEvent), the timeout elapses (WaitTimeout), ctx is cancelled
	// (WaitAborted), or the run is gone (WaitMissing). Timeouts below
	// MinWaitTimeout are raised to it.
	WaitForNewEvent(ctx context.Context, runID string, afterSeq int64, timeout time.Duration) WaitOutcome

	// Dispose stops background work and aborts in-flight runs.
	Dispose()
}

// IsTerminalStatus reports whether a status admits no further transitions.
func IsTerminalStatus(status models.RunStatus) bool {
	return status.IsTerminal()
}
