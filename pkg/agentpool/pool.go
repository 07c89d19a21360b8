// Package agentpool holds live per-session agents. It guarantees at most
// one concurrent run per session via a FIFO run lock, evicts idle entries,
// and reaps expired sandbox directories on the same cadence.
package agentpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codelia/codelia/pkg/agent"
	"github.com/codelia/codelia/pkg/config"
	"github.com/codelia/codelia/pkg/models"
	"github.com/codelia/codelia/pkg/permission"
	"github.com/codelia/codelia/pkg/sandbox"
	"github.com/codelia/codelia/pkg/sessionstore"
)

const (
	// DefaultIdleTimeout is how long an entry may sit without access
	// before eviction claims it.
	DefaultIdleTimeout = 30 * time.Minute

	// maintenanceInterval drives both idle eviction and the sandbox reaper.
	maintenanceInterval = 60 * time.Second
)

// ErrPoolClosed is returned for operations on a disposed pool.
var ErrPoolClosed = errors.New("agent pool is closed")

// Stats summarizes the pool for health reporting.
type Stats struct {
	Sessions   int `json:"sessions"`
	ActiveRuns int `json:"active_runs"`
}

// Pool maps session ids to live entries.
type Pool struct {
	store     sessionstore.Store
	sandboxes *sandbox.Manager
	factory   agent.Factory
	settings  *config.SettingsStore
	decider   agent.Decider
	logger    *slog.Logger
	nowFunc   func() time.Time

	idleTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*Entry
	closed  bool

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  bool

	// reaping is the single-flight flag for the sandbox reaper.
	reaping atomic.Bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger overrides the pool's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger.With("component", "agentpool") }
}

// WithDecider sets the confirmation decider handed to each session's gate.
func WithDecider(decider agent.Decider) Option {
	return func(p *Pool) { p.decider = decider }
}

// WithIdleTimeout overrides the eviction idle timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Pool) { p.idleTimeout = d }
}

// WithNowFunc overrides the clock. Tests only.
func WithNowFunc(f func() time.Time) Option {
	return func(p *Pool) { p.nowFunc = f }
}

// NewPool builds a pool. Call Start to begin maintenance; Dispose tears
// everything down.
func NewPool(store sessionstore.Store, sandboxes *sandbox.Manager, factory agent.Factory, settings *config.SettingsStore, opts ...Option) *Pool {
	p := &Pool{
		store:       store,
		sandboxes:   sandboxes,
		factory:     factory,
		settings:    settings,
		logger:      slog.Default().With("component", "agentpool"),
		nowFunc:     time.Now,
		idleTimeout: DefaultIdleTimeout,
		entries:     make(map[string]*Entry),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the maintenance loop (idle eviction + sandbox reaper).
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go p.maintenanceLoop()
	p.logger.Info("Agent pool started",
		"idle_timeout", p.idleTimeout,
		"sandbox_ttl", p.sandboxes.TTL())
}

// GetOrCreate returns the session's entry, building agent, sandbox, and
// permission gate on first access. Access refreshes the idle clock and the
// sandbox mtime.
func (p *Pool) GetOrCreate(ctx context.Context, sessionID string) (*Entry, error) {
	now := p.nowFunc()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if entry, ok := p.entries[sessionID]; ok {
		p.mu.Unlock()
		entry.touch(now)
		p.sandboxes.Touch(entry.Sandbox)
		return entry, nil
	}
	p.mu.Unlock()

	entry, err := p.buildEntry(ctx, sessionID, now)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	// Another caller may have built the entry while we were; keep theirs.
	if existing, ok := p.entries[sessionID]; ok {
		existing.touch(now)
		return existing, nil
	}
	p.entries[sessionID] = entry
	p.logger.Info("Created pool entry",
		"session_id", sessionID,
		"sandbox_dir", entry.Sandbox.DirName,
		"seeded_messages", len(entry.Agent.History()))
	return entry, nil
}

func (p *Pool) buildEntry(ctx context.Context, sessionID string, now time.Time) (*Entry, error) {
	sbx, err := p.sandboxes.Acquire(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sandbox for session %s: %w", sessionID, err)
	}

	settings, err := p.settings.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load runtime settings: %w", err)
	}

	guard := &permission.BashPathGuard{RootDir: sbx.RootDir, WorkingDir: sbx.WorkingDir}
	rules := permission.Rules{
		Allow: settings.Permissions.Allow,
		Deny:  settings.Permissions.Deny,
	}
	gate := agent.NewGate(sessionID, rules, guard, p.decider,
		agent.WithRulePersistence(p.settings.UpdatePermissions),
		agent.WithGateLogger(p.logger))

	var (
		history   []models.Message
		invokeSeq int
	)
	state, err := p.store.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session state for %s: %w", sessionID, err)
	}
	if state != nil {
		history = sessionstore.NormalizeHistory(state.Messages)
		invokeSeq = state.InvokeSeq
	}

	ag, err := p.factory(ctx, agent.BuildSpec{
		SessionID:        sessionID,
		Sandbox:          sbx,
		Settings:         settings,
		Gate:             gate,
		History:          history,
		InvokeSeq:        invokeSeq,
		OnSettingsUpdate: p.settings.Save,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to construct agent for session %s: %w", sessionID, err)
	}

	return &Entry{
		SessionID:  sessionID,
		Agent:      ag,
		Sandbox:    sbx,
		Gate:       gate,
		lastAccess: now,
	}, nil
}

// RunWithLock executes fn under the session's FIFO run lock. At most one
// fn runs per session at a time; concurrent callers queue in arrival
// order. active_runs covers exactly the duration of fn.
func (p *Pool) RunWithLock(ctx context.Context, sessionID string, fn func(entry *Entry) error) error {
	entry, err := p.GetOrCreate(ctx, sessionID)
	if err != nil {
		return err
	}

	release, err := entry.lock.acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire run lock for session %s: %w", sessionID, err)
	}
	defer release()

	entry.beginRun(p.nowFunc())
	defer entry.endRun(p.nowFunc())

	return fn(entry)
}

// CancelRun signals the session's in-flight run with "cancelled by user",
// but only if runID is the run actually executing: a run still queued
// behind the session lock has no handle installed, and its cancellation
// must not reach whichever run holds the lock. Returns true iff a
// cancellation was delivered.
func (p *Pool) CancelRun(sessionID, runID string) bool {
	p.mu.Lock()
	entry, ok := p.entries[sessionID]
	p.mu.Unlock()
	if !ok {
		return false
	}

	delivered := entry.abortRun(runID, errors.New("cancelled by user"))
	if delivered {
		p.logger.Info("Delivered cancellation", "session_id", sessionID, "run_id", runID)
	}
	return delivered
}

// Snapshot captures the session's current state for persistence. Returns
// nil when the session has no live entry.
func (p *Pool) Snapshot(sessionID, runID string) *models.SessionState {
	p.mu.Lock()
	entry, ok := p.entries[sessionID]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	return &models.SessionState{
		SchemaVersion: models.SessionStateSchemaVersion,
		SessionID:     sessionID,
		UpdatedAt:     p.nowFunc().UTC(),
		RunID:         runID,
		InvokeSeq:     entry.Agent.InvokeSeq(),
		Messages:      entry.Agent.History(),
	}
}

// SaveSession snapshots the session and writes it through the store
// immediately. Callers must hold the run lock or know the run is quiescent.
func (p *Pool) SaveSession(ctx context.Context, sessionID, runID string) error {
	state := p.Snapshot(sessionID, runID)
	if state == nil {
		return nil
	}
	return p.store.Save(ctx, state)
}

// Drop removes the session's entry without aborting anything. Used when an
// entry's in-memory state can no longer be trusted (e.g. a worker lost its
// lease mid-run and another replica owns the session now).
func (p *Pool) Drop(sessionID string) {
	p.mu.Lock()
	delete(p.entries, sessionID)
	p.mu.Unlock()
}

// InvalidateAll aborts every in-flight run with the given reason and drops
// all entries. Used when credentials or settings change underneath live
// agents; aborted runs unwind as cancellations.
func (p *Pool) InvalidateAll(reason string) {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*Entry)
	p.mu.Unlock()

	cause := fmt.Errorf("invalidated: %s", reason)
	aborted := 0
	for _, entry := range entries {
		if entry.abort(cause) {
			aborted++
		}
	}
	p.logger.Info("Invalidated pool entries",
		"reason", reason,
		"dropped", len(entries),
		"aborted_runs", aborted)
}

// Dispose stops maintenance and invalidates all entries.
func (p *Pool) Dispose() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stopCh) })
	if started {
		<-p.done
	}
	p.InvalidateAll("pool disposed")
}

// Stats reports entry and in-flight run counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{Sessions: len(p.entries)}
	for _, entry := range p.entries {
		stats.ActiveRuns += entry.ActiveRuns()
	}
	return stats
}

func (p *Pool) maintenanceLoop() {
	defer close(p.done)

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictIdle()
			p.reapSandboxes()
		}
	}
}

// evictIdle drops entries idle past the timeout. A pending abort handle or
// an in-flight run blocks eviction.
func (p *Pool) evictIdle() {
	now := p.nowFunc()

	p.mu.Lock()
	var evicted []string
	for sessionID, entry := range p.entries {
		if entry.evictable(now, p.idleTimeout) {
			delete(p.entries, sessionID)
			evicted = append(evicted, sessionID)
		}
	}
	p.mu.Unlock()

	for _, sessionID := range evicted {
		p.logger.Info("Evicted idle pool entry", "session_id", sessionID)
	}
}

// reapSandboxes removes expired sandbox directories not referenced by any
// live entry. Guarded by a single-flight flag; failures are logged and
// retried next cycle.
func (p *Pool) reapSandboxes() {
	if !p.reaping.CompareAndSwap(false, true) {
		return
	}
	defer p.reaping.Store(false)

	p.mu.Lock()
	live := make(map[string]bool, len(p.entries))
	for _, entry := range p.entries {
		live[entry.Sandbox.DirName] = true
	}
	p.mu.Unlock()

	if _, err := p.sandboxes.Reap(live); err != nil {
		p.logger.Warn("Sandbox reap failed", "error", err)
	}
}

// RunMaintenanceNow triggers one eviction + reap cycle synchronously.
// Tests only.
func (p *Pool) RunMaintenanceNow() {
	p.evictIdle()
	p.reapSandboxes()
}
