// Package agent defines the contract between the execution host and a
// model-backed coding agent. The host (pool, scheduler) only depends on
// this contract; concrete agents plug in through a Factory so the run
// pipeline stays independent of any provider integration.
package agent

import (
	"context"

	"github.com/codelia/codelia/pkg/config"
	"github.com/codelia/codelia/pkg/models"
	"github.com/codelia/codelia/pkg/sandbox"
)

// Event is one item on a run's event stream. Type is one of the
// models.EventType* constants; Data is the type-specific payload.
type Event struct {
	Type string
	Data map[string]any
}

// EmitFunc delivers one event to the run's stream. An error return means
// the stream is no longer accepting events (run cancelled or terminal)
// and the agent should stop producing.
type EmitFunc func(Event) error

// Agent is a stateful conversational coding agent bound to one session.
// Implementations are NOT required to be safe for concurrent use; the
// pool serializes runs per session.
type Agent interface {
	// Run executes one turn for the given user input, emitting events as
	// work progresses. A nil return means the turn completed; an error
	// wrapping context.Canceled (or carrying an abort-like message)
	// means the turn was cancelled.
	Run(ctx context.Context, input string, emit EmitFunc) error

	// History returns the agent's current conversation history. Callers
	// must not mutate the returned slice.
	History() []models.Message

	// ReplaceHistory swaps the conversation history, e.g. when seeding a
	// fresh agent from a persisted session or after cancel normalization.
	ReplaceHistory(messages []models.Message)

	// InvokeSeq returns the number of completed turns in this session.
	InvokeSeq() int
}

// BuildSpec carries everything a Factory needs to construct an agent for
// one session.
type BuildSpec struct {
	SessionID string
	Sandbox   *sandbox.Context
	Settings  config.RuntimeSettings
	Gate      *Gate
	// History seeds the new agent; empty for brand-new sessions.
	History []models.Message
	// InvokeSeq seeds the turn counter when resuming a persisted session.
	InvokeSeq int
	// OnSettingsUpdate is invoked when the agent refreshes runtime
	// settings mid-session so the host can persist them. Optional.
	OnSettingsUpdate func(settings config.RuntimeSettings) error
}

// Factory constructs a session-bound agent.
type Factory func(ctx context.Context, spec BuildSpec) (Agent, error)
