package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codelia/codelia/pkg/agent"
	"github.com/codelia/codelia/pkg/agentpool"
	"github.com/codelia/codelia/pkg/models"
	"github.com/codelia/codelia/pkg/sessionstore"
)

const (
	// DefaultMemoryRetention keeps finished runs queryable for this long
	// before the GC drops them.
	DefaultMemoryRetention = 30 * time.Minute

	gcInterval = 5 * time.Minute
)

// memoryRun is one run plus its event log. The listener channels have
// capacity 1 so notifications coalesce instead of blocking the appender.
type memoryRun struct {
	mu        sync.Mutex
	ordinal   uint64
	record    models.RunRecord
	events    []*models.RunEvent
	listeners map[chan struct{}]struct{}
	gone      chan struct{}
}

func (r *memoryRun) notifyLocked() {
	for ch := range r.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (r *memoryRun) lastSeqLocked() int64 {
	return int64(len(r.events)) - 1
}

// MemoryScheduler executes runs in-process. Runs dispatch straight to a
// goroutine instead of a queue table, but observable behavior matches the
// Postgres backend: same statuses, same event ordering, same cancel
// semantics.
type MemoryScheduler struct {
	pool    *agentpool.Pool
	saver   *sessionstore.DebouncedSaver
	exec    *executor
	logger  *slog.Logger
	nowFunc func() time.Time

	retention time.Duration
	notify    func(runID string, ev *models.RunEvent)

	baseCtx    context.Context
	cancelBase context.CancelCauseFunc

	mu      sync.Mutex
	runs    map[string]*memoryRun
	nextOrd uint64
	closed  bool

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	gcDone   chan struct{}
	started  bool
}

// MemoryOption configures a MemoryScheduler.
type MemoryOption func(*MemoryScheduler)

// WithMemoryLogger sets the logger.
func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(m *MemoryScheduler) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMemoryRetention overrides how long finished runs stay queryable.
func WithMemoryRetention(d time.Duration) MemoryOption {
	return func(m *MemoryScheduler) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithMemoryNowFunc injects a clock for tests.
func WithMemoryNowFunc(f func() time.Time) MemoryOption {
	return func(m *MemoryScheduler) {
		if f != nil {
			m.nowFunc = f
		}
	}
}

// WithEventNotifier registers a hook invoked after every appended event,
// outside the run's lock. The push bus uses it to fan events out to
// websocket subscribers.
func WithEventNotifier(fn func(runID string, ev *models.RunEvent)) MemoryOption {
	return func(m *MemoryScheduler) {
		m.notify = fn
	}
}

// NewMemoryScheduler builds the in-memory backend on top of the agent pool
// and the session-state saver. Call Start to enable the retention GC.
func NewMemoryScheduler(pool *agentpool.Pool, saver *sessionstore.DebouncedSaver, opts ...MemoryOption) *MemoryScheduler {
	m := &MemoryScheduler{
		pool:      pool,
		saver:     saver,
		logger:    slog.Default(),
		nowFunc:   time.Now,
		retention: DefaultMemoryRetention,
		runs:      make(map[string]*memoryRun),
		stopCh:    make(chan struct{}),
		gcDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "scheduler")
	m.exec = &executor{pool: pool, saver: saver, logger: m.logger}
	m.baseCtx, m.cancelBase = context.WithCancelCause(context.Background())
	return m
}

// Start launches the retention GC.
func (m *MemoryScheduler) Start() {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.gcLoop()
	m.logger.Info("In-memory run scheduler started", "retention", m.retention)
}

// CreateRun enqueues the run and dispatches it to its own goroutine.
func (m *MemoryScheduler) CreateRun(ctx context.Context, sessionID, message string) (*models.RunRecord, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	r := &memoryRun{
		ordinal: m.nextOrd,
		record: models.RunRecord{
			RunID:     uuid.NewString(),
			SessionID: sessionID,
			Status:    models.RunStatusQueued,
			InputText: message,
			CreatedAt: m.nowFunc().UTC(),
		},
		listeners: make(map[chan struct{}]struct{}),
		gone:      make(chan struct{}),
	}
	m.nextOrd++
	m.runs[r.record.RunID] = r
	m.wg.Add(1)
	m.mu.Unlock()

	go m.startRun(r)

	rec := r.record
	return &rec, nil
}

func (m *MemoryScheduler) startRun(r *memoryRun) {
	defer m.wg.Done()

	r.mu.Lock()
	now := m.nowFunc().UTC()
	r.record.Status = models.RunStatusRunning
	r.record.StartedAt = &now
	rec := r.record
	r.mu.Unlock()

	host := &memoryHost{m: m, run: r}

	// The watch closes the gap between run start and abort-handle
	// installation: a cancel filed in that window is picked up here.
	watch := func(turnCtx context.Context, abort context.CancelCauseFunc) func() {
		r.mu.Lock()
		cancelled := r.record.CancelRequestedAt != nil
		r.mu.Unlock()
		if cancelled {
			abort(errors.New("cancel requested"))
		}
		return func() {}
	}

	if err := m.exec.execute(m.baseCtx, &rec, host, watch); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("Run execution error", "run_id", rec.RunID, "error", err)
	}
}

// GetRun returns a copy of the run record.
func (m *MemoryScheduler) GetRun(ctx context.Context, runID string) (*models.RunRecord, error) {
	r := m.lookup(runID)
	if r == nil {
		return nil, ErrRunNotFound
	}
	r.mu.Lock()
	rec := r.record
	r.mu.Unlock()
	return &rec, nil
}

// ListRuns returns matching runs, newest first.
func (m *MemoryScheduler) ListRuns(ctx context.Context, filter RunFilter) ([]*models.RunRecord, error) {
	limit := filter.Limit
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}

	m.mu.Lock()
	candidates := make([]*memoryRun, 0, len(m.runs))
	for _, r := range m.runs {
		candidates = append(candidates, r)
	}
	m.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ordinal > candidates[j].ordinal
	})

	out := make([]*models.RunRecord, 0, limit)
	for _, r := range candidates {
		r.mu.Lock()
		rec := r.record
		r.mu.Unlock()
		if !matchesFilter(&rec, filter) {
			continue
		}
		out = append(out, &rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func matchesFilter(rec *models.RunRecord, filter RunFilter) bool {
	if filter.SessionID != "" && rec.SessionID != filter.SessionID {
		return false
	}
	if len(filter.Statuses) > 0 {
		ok := false
		for _, s := range filter.Statuses {
			if rec.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// ListEventsAfter returns up to limit events with seq > afterSeq.
func (m *MemoryScheduler) ListEventsAfter(ctx context.Context, runID string, afterSeq int64, limit int) ([]*models.RunEvent, error) {
	r := m.lookup(runID)
	if r == nil {
		return nil, ErrRunNotFound
	}
	if limit <= 0 {
		limit = DefaultEventBatch
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	start := afterSeq + 1
	if start < 0 {
		start = 0
	}
	if start >= int64(len(r.events)) {
		return nil, nil
	}
	end := start + int64(limit)
	if end > int64(len(r.events)) {
		end = int64(len(r.events))
	}
	out := make([]*models.RunEvent, end-start)
	copy(out, r.events[start:end])
	return out, nil
}

// RequestCancel files the cancel marker and pokes the live run. The poke is
// keyed by run id: a run still queued behind the session lock takes the
// marker only, and the executor's watch aborts it when its own turn starts.
func (m *MemoryScheduler) RequestCancel(ctx context.Context, runID string) (bool, error) {
	r := m.lookup(runID)
	if r == nil {
		return false, nil
	}

	r.mu.Lock()
	if r.record.CancelRequestedAt == nil {
		now := m.nowFunc().UTC()
		r.record.CancelRequestedAt = &now
	}
	sessionID := r.record.SessionID
	r.mu.Unlock()

	m.pool.CancelRun(sessionID, runID)
	return true, nil
}

// WaitForNewEvent blocks until an event past afterSeq exists. Returns
// immediately with WaitTimeout when the run is terminal and drained, since
// nothing further will ever arrive.
func (m *MemoryScheduler) WaitForNewEvent(ctx context.Context, runID string, afterSeq int64, timeout time.Duration) WaitOutcome {
	if timeout < MinWaitTimeout {
		timeout = MinWaitTimeout
	}
	r := m.lookup(runID)
	if r == nil {
		return WaitMissing
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		r.mu.Lock()
		if r.lastSeqLocked() > afterSeq {
			r.mu.Unlock()
			return WaitEvent
		}
		if r.record.Status.IsTerminal() {
			r.mu.Unlock()
			return WaitTimeout
		}
		ch := make(chan struct{}, 1)
		r.listeners[ch] = struct{}{}
		r.mu.Unlock()

		var outcome WaitOutcome
		woken := false
		select {
		case <-ch:
			woken = true
		case <-timer.C:
			outcome = WaitTimeout
		case <-ctx.Done():
			outcome = WaitAborted
		case <-r.gone:
			outcome = WaitMissing
		}

		r.mu.Lock()
		delete(r.listeners, ch)
		r.mu.Unlock()

		if !woken {
			return outcome
		}
	}
}

// Dispose cancels in-flight runs, waits for them to record their terminal
// status, and stops the GC.
func (m *MemoryScheduler) Dispose() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		started := m.started
		m.mu.Unlock()

		m.cancelBase(errors.New("scheduler disposed"))
		m.wg.Wait()

		close(m.stopCh)
		if started {
			<-m.gcDone
		}
		m.logger.Info("In-memory run scheduler stopped")
	})
}

func (m *MemoryScheduler) lookup(runID string) *memoryRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[runID]
}

func (m *MemoryScheduler) gcLoop() {
	defer close(m.gcDone)
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.collectFinished()
		case <-m.stopCh:
			return
		}
	}
}

func (m *MemoryScheduler) collectFinished() {
	cutoff := m.nowFunc().Add(-m.retention)

	m.mu.Lock()
	var expired []*memoryRun
	for id, r := range m.runs {
		r.mu.Lock()
		old := r.record.Status.IsTerminal() &&
			r.record.FinishedAt != nil &&
			r.record.FinishedAt.Before(cutoff)
		r.mu.Unlock()
		if old {
			expired = append(expired, r)
			delete(m.runs, id)
		}
	}
	m.mu.Unlock()

	for _, r := range expired {
		close(r.gone)
	}
	if len(expired) > 0 {
		m.logger.Info("Collected finished runs", "count", len(expired))
	}
}

// RunGCNow triggers one retention sweep synchronously. Test hook.
func (m *MemoryScheduler) RunGCNow() {
	m.collectFinished()
}

// memoryHost owns one run's record and event log on behalf of the executor.
type memoryHost struct {
	m   *MemoryScheduler
	run *memoryRun
}

func (h *memoryHost) AppendEvent(ctx context.Context, eventType string, data map[string]any) error {
	ev, err := h.append(eventType, data)
	if err != nil {
		return err
	}
	if h.m.notify != nil {
		h.m.notify(ev.RunID, ev)
	}
	return nil
}

func (h *memoryHost) append(eventType string, data map[string]any) (*models.RunEvent, error) {
	r := h.run
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.record.Status.IsTerminal() {
		return nil, ErrRunTerminal
	}
	ev := &models.RunEvent{
		RunID:     r.record.RunID,
		Seq:       int64(len(r.events)),
		Type:      eventType,
		Data:      data,
		CreatedAt: h.m.nowFunc().UTC(),
	}
	r.events = append(r.events, ev)
	r.notifyLocked()
	return ev, nil
}

func (h *memoryHost) FinishRun(ctx context.Context, status models.RunStatus, finalOutput, errMsg string, trailing []agent.Event) error {
	r := h.run
	r.mu.Lock()

	if r.record.Status.IsTerminal() {
		r.mu.Unlock()
		return ErrRunTerminal
	}

	appended := make([]*models.RunEvent, 0, len(trailing))
	for _, tev := range trailing {
		ev := &models.RunEvent{
			RunID:     r.record.RunID,
			Seq:       int64(len(r.events)),
			Type:      tev.Type,
			Data:      tev.Data,
			CreatedAt: h.m.nowFunc().UTC(),
		}
		r.events = append(r.events, ev)
		appended = append(appended, ev)
	}

	now := h.m.nowFunc().UTC()
	r.record.Status = status
	r.record.FinishedAt = &now
	r.record.FinalOutput = finalOutput
	r.record.ErrorMessage = errMsg
	r.notifyLocked()
	r.mu.Unlock()

	if h.m.notify != nil {
		for _, ev := range appended {
			h.m.notify(ev.RunID, ev)
		}
	}
	return nil
}
