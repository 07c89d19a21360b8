package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codelia/codelia/pkg/models"
	"github.com/codelia/codelia/pkg/scheduler"
)

// fakeScheduler is an in-memory scheduler.Scheduler double. Runs must be
// seeded via addRun or created through CreateRun; nothing executes.
type fakeScheduler struct {
	mu        sync.Mutex
	runs      map[string]*models.RunRecord
	events    map[string][]*models.RunEvent
	cancelled []string

	lastFilter scheduler.RunFilter
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		runs:   make(map[string]*models.RunRecord),
		events: make(map[string][]*models.RunEvent),
	}
}

func (f *fakeScheduler) addRun(sessionID string, status models.RunStatus) *models.RunRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := &models.RunRecord{
		RunID:     uuid.NewString(),
		SessionID: sessionID,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	f.runs[run.RunID] = run
	return run
}

func (f *fakeScheduler) CreateRun(ctx context.Context, sessionID, message string) (*models.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := &models.RunRecord{
		RunID:     uuid.NewString(),
		SessionID: sessionID,
		Status:    models.RunStatusQueued,
		InputText: message,
		CreatedAt: time.Now().UTC(),
	}
	f.runs[run.RunID] = run
	return run, nil
}

func (f *fakeScheduler) GetRun(ctx context.Context, runID string) (*models.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, scheduler.ErrRunNotFound
	}
	rec := *run
	return &rec, nil
}

func (f *fakeScheduler) ListRuns(ctx context.Context, filter scheduler.RunFilter) ([]*models.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter

	var out []*models.RunRecord
	for _, run := range f.runs {
		if filter.SessionID != "" && run.SessionID != filter.SessionID {
			continue
		}
		if len(filter.Statuses) > 0 {
			match := false
			for _, s := range filter.Statuses {
				if run.Status == s {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		rec := *run
		out = append(out, &rec)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeScheduler) ListEventsAfter(ctx context.Context, runID string, afterSeq int64, limit int) ([]*models.RunEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runs[runID]; !ok {
		return nil, scheduler.ErrRunNotFound
	}
	var out []*models.RunEvent
	for _, ev := range f.events[runID] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeScheduler) RequestCancel(ctx context.Context, runID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runs[runID]; !ok {
		return false, nil
	}
	f.cancelled = append(f.cancelled, runID)
	return true, nil
}

func (f *fakeScheduler) WaitForNewEvent(ctx context.Context, runID string, afterSeq int64, timeout time.Duration) scheduler.WaitOutcome {
	return scheduler.WaitTimeout
}

func (f *fakeScheduler) Dispose() {}

var _ scheduler.Scheduler = (*fakeScheduler)(nil)
