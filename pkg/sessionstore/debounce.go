package sessionstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codelia/codelia/pkg/models"
)

// DefaultSaveDebounce is the minimum spacing between mid-run snapshot saves
// for one session.
const DefaultSaveDebounce = 1500 * time.Millisecond

// DebouncedSaver spaces out snapshot writes during a streaming run. The
// first Request for a session arms a timer; further Requests inside the
// window only swap in a fresher snapshot closure, so at most one save lands
// per window. Flush writes immediately and is used for the unconditional
// save at run termination.
//
// Snapshot closures run on timer goroutines and must be safe to call from
// any goroutine.
type DebouncedSaver struct {
	store  Store
	delay  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingSave
	closed  bool
}

type pendingSave struct {
	timer    *time.Timer
	snapshot func() *models.SessionState
}

// NewDebouncedSaver wraps a store. A non-positive delay selects the default.
func NewDebouncedSaver(store Store, delay time.Duration, logger *slog.Logger) *DebouncedSaver {
	if delay <= 0 {
		delay = DefaultSaveDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DebouncedSaver{
		store:   store,
		delay:   delay,
		logger:  logger.With("component", "debounced_saver"),
		pending: make(map[string]*pendingSave),
	}
}

// Request schedules a save of snapshot() no later than one debounce window
// from the first request in the window.
func (d *DebouncedSaver) Request(sessionID string, snapshot func() *models.SessionState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if p, ok := d.pending[sessionID]; ok {
		p.snapshot = snapshot
		return
	}
	p := &pendingSave{snapshot: snapshot}
	p.timer = time.AfterFunc(d.delay, func() { d.fire(sessionID) })
	d.pending[sessionID] = p
}

func (d *DebouncedSaver) fire(sessionID string) {
	d.mu.Lock()
	p, ok := d.pending[sessionID]
	if ok {
		delete(d.pending, sessionID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	d.save(sessionID, p.snapshot)
}

// Flush cancels any pending save for the session and writes snapshot() now.
func (d *DebouncedSaver) Flush(ctx context.Context, sessionID string, snapshot func() *models.SessionState) error {
	d.mu.Lock()
	if p, ok := d.pending[sessionID]; ok {
		p.timer.Stop()
		delete(d.pending, sessionID)
	}
	d.mu.Unlock()

	state := snapshot()
	if state == nil {
		return nil
	}
	return d.store.Save(ctx, state)
}

// Close stops all timers and writes whatever is still pending.
func (d *DebouncedSaver) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	remaining := d.pending
	d.pending = make(map[string]*pendingSave)
	for _, p := range remaining {
		p.timer.Stop()
	}
	d.mu.Unlock()

	for sessionID, p := range remaining {
		d.save(sessionID, p.snapshot)
	}
}

func (d *DebouncedSaver) save(sessionID string, snapshot func() *models.SessionState) {
	state := snapshot()
	if state == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.store.Save(ctx, state); err != nil {
		d.logger.Error("Debounced save failed", "session_id", sessionID, "error", err)
	}
}
