package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/codelia/codelia/pkg/agentpool"
	"github.com/codelia/codelia/pkg/models"
	"github.com/codelia/codelia/pkg/scheduler"
	"github.com/codelia/codelia/pkg/sessionstore"
)

// SessionService manages session lifecycle over the state store, the agent
// pool, and the run queue.
type SessionService struct {
	store sessionstore.Store
	pool  *agentpool.Pool
	sched scheduler.Scheduler
}

// NewSessionService creates a new SessionService.
func NewSessionService(store sessionstore.Store, pool *agentpool.Pool, sched scheduler.Scheduler) *SessionService {
	if store == nil {
		panic("NewSessionService: store must not be nil")
	}
	if pool == nil {
		panic("NewSessionService: pool must not be nil")
	}
	if sched == nil {
		panic("NewSessionService: sched must not be nil")
	}
	return &SessionService{store: store, pool: pool, sched: sched}
}

// CreateSession mints a session id and persists an empty snapshot so the
// session appears in listings before its first run. Sessions also come into
// existence implicitly when a run references a new id; this is for clients
// that want the id up front.
func (s *SessionService) CreateSession(ctx context.Context) (*models.SessionState, error) {
	state := &models.SessionState{
		SchemaVersion: models.SessionStateSchemaVersion,
		SessionID:     uuid.NewString(),
	}
	if err := s.store.Save(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return state, nil
}

// ListSessions returns summaries of all persisted sessions, most recently
// updated first.
func (s *SessionService) ListSessions(ctx context.Context) ([]models.SessionSummary, error) {
	summaries, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return summaries, nil
}

// GetSession loads the full session state, or ErrNotFound.
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*models.SessionState, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	state, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if state == nil {
		return nil, ErrNotFound
	}
	return state, nil
}

// DeleteSession removes the persisted snapshot and drops the pool entry.
// Refused with ErrSessionActive while the session has queued or running
// runs; cancel them first.
func (s *SessionService) DeleteSession(ctx context.Context, sessionID string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	active, err := s.activeRuns(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return ErrSessionActive
	}

	s.pool.Drop(sessionID)
	deleted, err := s.store.Delete(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}

// CancelActiveRuns requests cancellation of every queued or running run on
// the session and returns their ids. An empty result is not an error as
// long as the session exists.
func (s *SessionService) CancelActiveRuns(ctx context.Context, sessionID string) ([]string, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	active, err := s.activeRuns(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		state, err := s.store.Load(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		if state == nil {
			return nil, ErrNotFound
		}
		return []string{}, nil
	}

	cancelled := make([]string, 0, len(active))
	for _, run := range active {
		ok, err := s.sched.RequestCancel(ctx, run.RunID)
		if err != nil {
			return cancelled, fmt.Errorf("failed to cancel run %s: %w", run.RunID, err)
		}
		if ok {
			cancelled = append(cancelled, run.RunID)
		}
	}
	return cancelled, nil
}

func (s *SessionService) activeRuns(ctx context.Context, sessionID string) ([]*models.RunRecord, error) {
	runs, err := s.sched.ListRuns(ctx, scheduler.RunFilter{
		SessionID: sessionID,
		Statuses:  []models.RunStatus{models.RunStatusQueued, models.RunStatusRunning},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list active runs: %w", err)
	}
	return runs, nil
}
