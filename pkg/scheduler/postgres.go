package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/codelia/codelia/pkg/agentpool"
	"github.com/codelia/codelia/pkg/events"
	"github.com/codelia/codelia/pkg/models"
)

// waitPollInterval is how often the Postgres backend re-reads the event head
// while a caller waits. Cross-replica consumers see new events within one
// interval even without the push bus.
const waitPollInterval = 250 * time.Millisecond

// PostgresScheduler is the API half of the Postgres backend: durable runs in
// the runs table, executed by whichever replica's WorkerPool claims them.
type PostgresScheduler struct {
	store  *pgStore
	pool   *agentpool.Pool
	logger *slog.Logger
	closed atomic.Bool
}

// PostgresOption configures a PostgresScheduler.
type PostgresOption func(*PostgresScheduler)

// WithPostgresLogger sets the logger.
func WithPostgresLogger(logger *slog.Logger) PostgresOption {
	return func(s *PostgresScheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewPostgresScheduler builds the Postgres backend over an open database
// handle. publisher may be nil (NOTIFY fan-out disabled). pool may be nil on
// replicas that run no workers; it only serves the local fast path for
// cancellation.
func NewPostgresScheduler(db *sql.DB, pool *agentpool.Pool, publisher *events.Publisher, opts ...PostgresOption) *PostgresScheduler {
	s := &PostgresScheduler{
		store:  &pgStore{db: db, publisher: publisher},
		pool:   pool,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s
}

func (s *PostgresScheduler) CreateRun(ctx context.Context, sessionID, message string) (*models.RunRecord, error) {
	if s.closed.Load() {
		return nil, ErrSchedulerClosed
	}
	return s.store.createRun(ctx, sessionID, message)
}

func (s *PostgresScheduler) GetRun(ctx context.Context, runID string) (*models.RunRecord, error) {
	return s.store.getRun(ctx, runID)
}

func (s *PostgresScheduler) ListRuns(ctx context.Context, filter RunFilter) ([]*models.RunRecord, error) {
	return s.store.listRuns(ctx, filter)
}

func (s *PostgresScheduler) ListEventsAfter(ctx context.Context, runID string, afterSeq int64, limit int) ([]*models.RunEvent, error) {
	return s.store.listEventsAfter(ctx, runID, afterSeq, limit)
}

// RequestCancel files the marker in the database, then pokes the local pool
// in case this process owns the run. Remote owners notice on their next
// cancel check.
func (s *PostgresScheduler) RequestCancel(ctx context.Context, runID string) (bool, error) {
	existed, err := s.store.requestCancel(ctx, runID)
	if err != nil || !existed {
		return existed, err
	}
	if s.pool != nil {
		if run, err := s.store.getRun(ctx, runID); err == nil && run.Status == models.RunStatusRunning {
			s.pool.CancelRun(run.SessionID, runID)
		}
	}
	return true, nil
}

func (s *PostgresScheduler) WaitForNewEvent(ctx context.Context, runID string, afterSeq int64, timeout time.Duration) WaitOutcome {
	if timeout < MinWaitTimeout {
		timeout = MinWaitTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		status, lastSeq, err := s.store.runEventHead(ctx, runID)
		switch {
		case errors.Is(err, ErrRunNotFound):
			return WaitMissing
		case err != nil:
			if ctx.Err() != nil {
				return WaitAborted
			}
			s.logger.Warn("Event head read failed, retrying", "run_id", runID, "error", err)
		case lastSeq > afterSeq:
			return WaitEvent
		case status.IsTerminal():
			// Nothing further will ever arrive.
			return WaitTimeout
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return WaitTimeout
		}
		sleep := waitPollInterval
		if sleep > remaining {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return WaitAborted
		case <-time.After(sleep):
		}
	}
}

// DeleteTerminalRunsBefore removes finished runs (and, via cascade, their
// events) whose finished_at is older than cutoff. The retention sweep calls
// this; it is idempotent and safe to run from every replica.
func (s *PostgresScheduler) DeleteTerminalRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.store.deleteTerminalRunsBefore(ctx, cutoff)
}

// PurgeExpiredSessionLeases drops sticky worker leases past their expiry.
func (s *PostgresScheduler) PurgeExpiredSessionLeases(ctx context.Context) (int64, error) {
	return s.store.purgeExpiredSessionLeases(ctx)
}

// Dispose marks the scheduler closed. Worker shutdown is the WorkerPool's
// job; the database handle belongs to the caller.
func (s *PostgresScheduler) Dispose() {
	s.closed.Store(true)
}

var (
	_ Scheduler = (*PostgresScheduler)(nil)
	_ Scheduler = (*MemoryScheduler)(nil)
)
