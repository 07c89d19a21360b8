package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codelia/codelia/pkg/models"
	"github.com/codelia/codelia/pkg/permission"
)

// Sentinel errors returned by Gate.Authorize. Both are abort conditions
// for the tool call only, not for the run.
var (
	// ErrToolDenied means a deny rule matched; the user is not consulted.
	ErrToolDenied = errors.New("tool call denied by policy")
	// ErrToolRejected means the user declined a confirmation request.
	ErrToolRejected = errors.New("tool call rejected")
)

// Outcome is a user's answer to a confirmation request.
type Outcome int

const (
	// OutcomeReject declines this tool call.
	OutcomeReject Outcome = iota
	// OutcomeApprove permits this tool call only.
	OutcomeApprove
	// OutcomeApproveAlways permits the call and remembers a matching
	// allow rule so equivalent calls skip confirmation.
	OutcomeApproveAlways
)

// ConfirmRequest is handed to the Decider when the engine answers confirm.
type ConfirmRequest struct {
	SessionID string
	Tool      string
	Args      json.RawMessage
	Reason    string
}

// Decider resolves confirmation requests. It is a front-end concern
// (interactive prompt, API callback); a nil Decider rejects everything
// the rules do not already allow.
type Decider func(ctx context.Context, req ConfirmRequest) (Outcome, error)

// Gate authorizes tool calls for one session. It wraps the permission
// engine, surfaces confirmation requests on the event stream
// (permission.preview / permission.ready), and folds remembered rules
// back into the live ruleset.
type Gate struct {
	sessionID string
	guard     *permission.BashPathGuard
	decider   Decider
	// persist stores remembered rules durably (runtime settings).
	// Optional; persistence failures are logged, the in-memory ruleset
	// still advances.
	persist func(rules models.PermissionRules) error
	logger  *slog.Logger

	mu     sync.Mutex
	rules  permission.Rules
	engine *permission.Engine
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithRulePersistence sets the callback invoked with the full ruleset
// after a remember-rule is added.
func WithRulePersistence(persist func(models.PermissionRules) error) GateOption {
	return func(g *Gate) { g.persist = persist }
}

// WithGateLogger overrides the gate's logger.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = logger.With("component", "permission_gate") }
}

// NewGate builds a gate for one session.
func NewGate(sessionID string, rules permission.Rules, guard *permission.BashPathGuard, decider Decider, opts ...GateOption) *Gate {
	g := &Gate{
		sessionID: sessionID,
		guard:     guard,
		decider:   decider,
		logger:    slog.Default().With("component", "permission_gate"),
		rules:     rules,
		engine:    permission.NewEngine(rules, guard),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Rules returns a snapshot of the current ruleset.
func (g *Gate) Rules() permission.Rules {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rules
}

// Authorize decides one tool call. Allow returns nil immediately; deny
// returns ErrToolDenied; confirm emits permission.preview, consults the
// Decider, emits permission.ready with the answer, and returns nil or
// ErrToolRejected. emit may be nil when the caller has no stream.
func (g *Gate) Authorize(ctx context.Context, tool string, rawArgs json.RawMessage, emit EmitFunc) error {
	g.mu.Lock()
	engine := g.engine
	g.mu.Unlock()

	decision := engine.Evaluate(tool, rawArgs)
	switch decision.Action {
	case permission.ActionAllow:
		return nil
	case permission.ActionDeny:
		return fmt.Errorf("%w: %s", ErrToolDenied, decision.Reason)
	}

	if err := g.emitEvent(emit, Event{
		Type: models.EventTypePermissionPreview,
		Data: map[string]any{
			"tool":   tool,
			"args":   json.RawMessage(rawArgs),
			"reason": decision.Reason,
		},
	}); err != nil {
		return err
	}

	outcome := OutcomeReject
	if g.decider != nil {
		var err error
		outcome, err = g.decider(ctx, ConfirmRequest{
			SessionID: g.sessionID,
			Tool:      tool,
			Args:      rawArgs,
			Reason:    decision.Reason,
		})
		if err != nil {
			return fmt.Errorf("permission decider failed: %w", err)
		}
	}

	approved := outcome != OutcomeReject
	remembered := false
	if outcome == OutcomeApproveAlways {
		remembered = g.remember(tool, rawArgs)
	}

	if err := g.emitEvent(emit, Event{
		Type: models.EventTypePermissionReady,
		Data: map[string]any{
			"tool":       tool,
			"approved":   approved,
			"remembered": remembered,
		},
	}); err != nil {
		return err
	}

	if !approved {
		return fmt.Errorf("%w: %s", ErrToolRejected, decision.Reason)
	}
	return nil
}

func (g *Gate) emitEvent(emit EmitFunc, ev Event) error {
	if emit == nil {
		return nil
	}
	return emit(ev)
}

// remember synthesizes allow rules for the approved call and rebuilds the
// engine. Returns true when at least one new rule was added.
func (g *Gate) remember(tool string, rawArgs json.RawMessage) bool {
	var add []models.PermissionRule
	if tool == permission.ToolBash {
		var args struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(rawArgs, &args); err == nil && args.Command != "" {
			add = permission.RememberBashRules(args.Command)
		}
	} else {
		add = []models.PermissionRule{permission.RememberToolRule(tool, rawArgs)}
	}
	if len(add) == 0 {
		return false
	}

	g.mu.Lock()
	before := len(g.rules.Allow)
	g.rules = g.rules.WithRemembered(add...)
	added := len(g.rules.Allow) > before
	if added {
		g.engine = permission.NewEngine(g.rules, g.guard)
	}
	snapshot := models.PermissionRules{Allow: g.rules.Allow, Deny: g.rules.Deny}
	g.mu.Unlock()

	if added && g.persist != nil {
		if err := g.persist(snapshot); err != nil {
			g.logger.Warn("Failed to persist remembered permission rules",
				"session_id", g.sessionID,
				"error", err)
		}
	}
	return added
}
