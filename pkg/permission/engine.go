// Package permission decides whether tool invocations may proceed. The
// engine is a pure function over the invocation, the configured allow/deny
// rulesets, and an optional sandbox path guard: identical inputs always
// produce identical decisions, and nothing here touches the filesystem.
package permission

import (
	"encoding/json"
	"fmt"
)

// Action is the outcome of a permission evaluation.
type Action string

const (
	ActionAllow   Action = "allow"
	ActionDeny    Action = "deny"
	ActionConfirm Action = "confirm"
)

// Decision is the result of evaluating one tool invocation.
type Decision struct {
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
}

func allow() Decision { return Decision{Action: ActionAllow} }

func deny(format string, a ...any) Decision {
	return Decision{Action: ActionDeny, Reason: fmt.Sprintf(format, a...)}
}

func confirmf(format string, a ...any) Decision {
	return Decision{Action: ActionConfirm, Reason: fmt.Sprintf(format, a...)}
}

// ToolBash is the tool name that triggers shell-command evaluation.
const ToolBash = "bash"

// ToolSkillLoad is the tool name whose rules match on skill names.
const ToolSkillLoad = "skill_load"

// Engine evaluates tool invocations against a fixed ruleset. Construct a new
// engine when rules or the sandbox guard change; instances are immutable and
// safe for concurrent use.
type Engine struct {
	rules Rules
	guard *BashPathGuard
}

// NewEngine builds an engine over the given ruleset. guard may be nil, in
// which case every sandboxed `cd` requires confirmation.
func NewEngine(rules Rules, guard *BashPathGuard) *Engine {
	return &Engine{rules: rules, guard: guard}
}

// Evaluate decides one tool invocation. rawArgs is the tool-call argument
// JSON as received from the provider. Malformed arguments degrade the
// decision to confirm so the user keeps the override, never to deny.
func (e *Engine) Evaluate(tool string, rawArgs json.RawMessage) Decision {
	d, err := e.evaluate(tool, rawArgs)
	if err != nil {
		return confirmf("arguments could not be evaluated: %v", err)
	}
	return d
}

func (e *Engine) evaluate(tool string, rawArgs json.RawMessage) (Decision, error) {
	if tool == ToolBash {
		cmd, err := bashCommand(rawArgs)
		if err != nil {
			return Decision{}, err
		}
		return e.evaluateBash(cmd), nil
	}
	return e.evaluateTool(tool, rawArgs)
}

// evaluateTool handles every non-bash tool: deny rules first, then allow
// rules, otherwise ask the user.
func (e *Engine) evaluateTool(tool string, rawArgs json.RawMessage) (Decision, error) {
	skill, err := skillNameFromArgs(tool, rawArgs)
	if err != nil {
		return Decision{}, err
	}
	for _, r := range e.rules.Deny {
		if matchesTool(r, tool, skill) {
			return deny("blocked by deny rule (%s)", tool), nil
		}
	}
	for _, r := range e.rules.Allow {
		if matchesTool(r, tool, skill) {
			return allow(), nil
		}
	}
	return confirmf("%s requires confirmation", tool), nil
}

// evaluateBash walks the command segment by segment. The whole-string deny
// check runs before segmentation so a deny glob can reject compositions that
// look harmless piecewise.
func (e *Engine) evaluateBash(command string) Decision {
	normalized := normalizeCommand(command)
	for _, r := range e.rules.Deny {
		if r.Tool == ToolBash && r.CommandGlob != "" && globMatch(r.CommandGlob, normalized) {
			return deny("blocked by deny rule (%s)", ToolBash)
		}
	}

	segments := splitSegments(normalized)

	if !hasCdSegment(segments) {
		for _, r := range e.rules.Allow {
			if r.Tool == ToolBash && r.CommandGlob != "" && globMatch(r.CommandGlob, normalized) {
				return allow()
			}
		}
	}

	// cd effects are tracked across segments so later relative paths resolve
	// against where the shell would actually be.
	var cwd string
	if e.guard != nil {
		cwd = e.guard.WorkingDir
	}

	for _, seg := range segments {
		if segmentDenied(e.rules.Deny, seg) {
			return deny("blocked by deny rule (%s)", ToolBash)
		}
		if seg.isCd() {
			d, next := e.guard.checkCd(seg, cwd)
			if d != nil {
				return *d
			}
			cwd = next
			continue
		}
		if segmentAllowed(e.rules.Allow, seg) {
			continue
		}
		return confirmf("segment requires confirmation (%s)", seg.Text)
	}
	return allow()
}

func hasCdSegment(segments []segment) bool {
	for _, s := range segments {
		if s.isCd() {
			return true
		}
	}
	return false
}

// bashCommand extracts the command string from bash tool arguments.
func bashCommand(rawArgs json.RawMessage) (string, error) {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return "", fmt.Errorf("parsing bash arguments: %w", err)
	}
	return args.Command, nil
}
