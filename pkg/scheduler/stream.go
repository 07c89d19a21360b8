package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/codelia/codelia/pkg/agent"
	"github.com/codelia/codelia/pkg/agentpool"
	"github.com/codelia/codelia/pkg/models"
	"github.com/codelia/codelia/pkg/sessionstore"
)

// finishTimeout bounds the terminal event append and state flush, which run
// on a fresh context because the run's own context is usually cancelled by
// the time they happen.
const finishTimeout = 10 * time.Second

// runHost is the backend half of run execution: it owns the event log and
// the run record. FinishRun appends the trailing events and flips the status
// atomically so that no event ever lands after a terminal status; it also
// records the content of the run's final event, when one was streamed.
type runHost interface {
	AppendEvent(ctx context.Context, eventType string, data map[string]any) error
	FinishRun(ctx context.Context, status models.RunStatus, finalOutput, errMsg string, trailing []agent.Event) error
}

// WatchFunc lets a backend attach per-run watchers (cancel polling, lease
// renewal) to the run's cancellation scope. It is called once the session
// lock is held and must return a stop function. Nil means no watchers.
type WatchFunc func(turnCtx context.Context, abort context.CancelCauseFunc) (stop func())

// executor drives one claimed run through the agent: session lock, abort
// handle, event streaming, history normalization, terminal status. Both
// backends share it; only the host and watchers differ.
type executor struct {
	pool   *agentpool.Pool
	saver  *sessionstore.DebouncedSaver
	logger *slog.Logger
}

func doneEvent(status string) agent.Event {
	return agent.Event{Type: models.EventTypeDone, Data: map[string]any{"status": status}}
}

func errorEvent(message string) agent.Event {
	return agent.Event{Type: models.EventTypeError, Data: map[string]any{"message": message}}
}

// execute runs the agent turn for run. The record must already be in status
// "running". Returns ErrLeaseLost when the run was taken over mid-flight;
// every other outcome is recorded on the run itself and returns nil.
func (x *executor) execute(ctx context.Context, run *models.RunRecord, host runHost, watch WatchFunc) error {
	err := x.pool.RunWithLock(ctx, run.SessionID, func(entry *agentpool.Entry) error {
		return x.stream(ctx, run, entry, host, watch)
	})
	if err == nil || errors.Is(err, ErrLeaseLost) {
		return err
	}

	// The stream loop never ran: entry construction or lock acquisition
	// failed. The run still needs its terminal record.
	if IsAbortLike(err) || ctx.Err() != nil {
		x.finish(run, host, models.RunStatusCancelled, "", "", doneEvent(models.DoneStatusCancelled))
	} else {
		x.logger.Error("Run setup failed",
			"run_id", run.RunID,
			"session_id", run.SessionID,
			"error", err)
		x.finish(run, host, models.RunStatusFailed, "", err.Error(),
			errorEvent(err.Error()), doneEvent(models.DoneStatusError))
	}
	return err
}

func (x *executor) stream(ctx context.Context, run *models.RunRecord, entry *agentpool.Entry, host runHost, watch WatchFunc) error {
	turnCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	entry.SetAbortHandle(run.RunID, abort)
	defer entry.ClearAbortHandle()

	if watch != nil {
		stop := watch(turnCtx, abort)
		defer stop()
	}

	snapshot := func() *models.SessionState {
		return x.pool.Snapshot(run.SessionID, run.RunID)
	}

	// Cancellation that raced the claim wins before the first event.
	if run.CancelRequestedAt != nil {
		x.flush(run.SessionID, snapshot)
		x.finish(run, host, models.RunStatusCancelled, "", "", doneEvent(models.DoneStatusCancelled))
		return nil
	}

	var finalText string
	emit := func(ev agent.Event) error {
		if turnCtx.Err() != nil {
			return context.Cause(turnCtx)
		}
		if err := host.AppendEvent(turnCtx, ev.Type, ev.Data); err != nil {
			return err
		}
		if ev.Type == models.EventTypeFinal {
			if text, ok := ev.Data["content"].(string); ok {
				finalText = text
			}
		}
		x.saver.Request(run.SessionID, snapshot)
		return nil
	}

	runErr := entry.Agent.Run(turnCtx, run.InputText, emit)

	cause := context.Cause(turnCtx)
	switch {
	case errors.Is(cause, ErrLeaseLost) || errors.Is(runErr, ErrLeaseLost):
		// Another worker owns this run now. Its record and session state
		// are no longer ours to write; drop the stale entry so a future
		// claim rebuilds from the store.
		x.logger.Warn("Abandoning run after lease loss",
			"run_id", run.RunID,
			"session_id", run.SessionID)
		x.pool.Drop(run.SessionID)
		return ErrLeaseLost

	case turnCtx.Err() != nil || IsAbortLike(runErr):
		entry.Agent.ReplaceHistory(sessionstore.NormalizeHistory(entry.Agent.History()))
		x.flush(run.SessionID, snapshot)
		if err := x.finish(run, host, models.RunStatusCancelled, finalText, "", doneEvent(models.DoneStatusCancelled)); err != nil {
			return err
		}
		x.logger.Info("Run cancelled",
			"run_id", run.RunID,
			"session_id", run.SessionID,
			"cause", causeText(cause, runErr))
		return nil

	case runErr != nil:
		x.flush(run.SessionID, snapshot)
		if err := x.finish(run, host, models.RunStatusFailed, finalText, runErr.Error(),
			errorEvent(runErr.Error()), doneEvent(models.DoneStatusError)); err != nil {
			return err
		}
		x.logger.Error("Run failed",
			"run_id", run.RunID,
			"session_id", run.SessionID,
			"error", runErr)
		return nil

	default:
		x.flush(run.SessionID, snapshot)
		return x.finish(run, host, models.RunStatusCompleted, finalText, "", doneEvent(models.DoneStatusCompleted))
	}
}

// finish writes the trailing events and terminal status. A lease-loss
// result drops the pool entry and propagates; other failures are logged
// because there is nobody left to retry them.
func (x *executor) finish(run *models.RunRecord, host runHost, status models.RunStatus, finalOutput, errMsg string, trailing ...agent.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	err := host.FinishRun(ctx, status, finalOutput, errMsg, trailing)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrLeaseLost) {
		x.logger.Warn("Lost run ownership at terminal write",
			"run_id", run.RunID,
			"session_id", run.SessionID)
		x.pool.Drop(run.SessionID)
		return ErrLeaseLost
	}
	x.logger.Error("Failed to finish run",
		"run_id", run.RunID,
		"status", status,
		"error", err)
	return nil
}

func (x *executor) flush(sessionID string, snapshot func() *models.SessionState) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	if err := x.saver.Flush(ctx, sessionID, snapshot); err != nil {
		x.logger.Error("Final session save failed", "session_id", sessionID, "error", err)
	}
}

func causeText(cause, runErr error) string {
	if cause != nil && !errors.Is(cause, context.Canceled) {
		return cause.Error()
	}
	if runErr != nil {
		return runErr.Error()
	}
	return "context cancelled"
}
