package agentpool

import (
	"context"
	"sync"
	"time"

	"github.com/codelia/codelia/pkg/agent"
	"github.com/codelia/codelia/pkg/sandbox"
)

// Entry is the pool's per-session live state: the agent, its sandbox, the
// permission gate, and the bookkeeping that drives eviction and cancel.
type Entry struct {
	SessionID string
	Agent     agent.Agent
	Sandbox   *sandbox.Context
	Gate      *agent.Gate

	lock runLock

	mu          sync.Mutex
	lastAccess  time.Time
	activeRuns  int
	abortRunID  string
	abortCancel context.CancelCauseFunc
}

func (e *Entry) touch(now time.Time) {
	e.mu.Lock()
	e.lastAccess = now
	e.mu.Unlock()
}

func (e *Entry) beginRun(now time.Time) {
	e.mu.Lock()
	e.activeRuns++
	e.lastAccess = now
	e.mu.Unlock()
}

func (e *Entry) endRun(now time.Time) {
	e.mu.Lock()
	e.activeRuns--
	e.lastAccess = now
	e.mu.Unlock()
}

// SetAbortHandle installs the cancel function for the entry's in-flight
// run, keyed by its run id. Exactly one run can be in flight (the run lock
// guarantees it), so the previous handle is simply replaced.
func (e *Entry) SetAbortHandle(runID string, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	e.abortRunID = runID
	e.abortCancel = cancel
	e.mu.Unlock()
}

// ClearAbortHandle removes the handle installed by SetAbortHandle.
func (e *Entry) ClearAbortHandle() {
	e.mu.Lock()
	e.abortRunID = ""
	e.abortCancel = nil
	e.mu.Unlock()
}

// abort signals the in-flight run with cause and clears the handle.
// Returns true iff a handle was present.
func (e *Entry) abort(cause error) bool {
	e.mu.Lock()
	cancel := e.abortCancel
	e.abortRunID = ""
	e.abortCancel = nil
	e.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel(cause)
	return true
}

// abortRun signals the in-flight run only when it is the named run. A run
// queued behind the session lock is not in flight yet; cancelling it must
// not abort whichever run currently holds the lock.
func (e *Entry) abortRun(runID string, cause error) bool {
	e.mu.Lock()
	if e.abortCancel == nil || e.abortRunID != runID {
		e.mu.Unlock()
		return false
	}
	cancel := e.abortCancel
	e.abortRunID = ""
	e.abortCancel = nil
	e.mu.Unlock()

	cancel(cause)
	return true
}

// evictable reports whether the entry has been idle past the timeout with
// no run in flight and no pending cancellation.
func (e *Entry) evictable(now time.Time, idleTimeout time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeRuns == 0 &&
		e.abortCancel == nil &&
		now.Sub(e.lastAccess) > idleTimeout
}

// ActiveRuns returns the number of in-flight runs (0 or 1 in practice).
func (e *Entry) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeRuns
}
