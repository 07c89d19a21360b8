package permission

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/codelia/codelia/pkg/models"
)

// wrapperTokens prefix a command without changing what actually runs.
var wrapperTokens = map[string]bool{
	"env": true, "command": true, "builtin": true, "nohup": true,
	"time": true, "sudo": true, "nice": true, "ionice": true,
	"chrt": true, "timeout": true, "stdbuf": true,
}

// twoTokenPrimaries are multiplexer binaries whose first subcommand is worth
// remembering alongside the binary itself.
var twoTokenPrimaries = map[string]bool{
	"git": true, "jj": true, "bun": true, "bunx": true, "npx": true,
	"npm": true, "pnpm": true, "yarn": true, "cargo": true, "go": true,
	"docker": true, "kubectl": true, "gh": true,
}

// subExecLaunchers maps primaries to the subcommands that launch a further
// executable; a nil set means every invocation does (npx, bunx). These
// produce three-token rules so the launched tool is pinned too.
var subExecLaunchers = map[string]map[string]bool{
	"npx":  nil,
	"bunx": nil,
	"bun":  {"x": true},
	"npm":  {"exec": true},
	"pnpm": {"dlx": true, "exec": true},
	"yarn": {"dlx": true},
}

var (
	safeTokenPattern = regexp.MustCompile(`^[A-Za-z0-9:_-]+$`)
	envAssignPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)
)

// RememberBashRules derives the allow rules to persist when the user opts to
// always allow a bash command. Each non-cd segment yields one rule of one,
// two, or three tokens; duplicates collapse.
func RememberBashRules(command string) []models.PermissionRule {
	segments := splitSegments(normalizeCommand(command))
	var out []models.PermissionRule
	seen := make(map[string]bool)
	for _, seg := range segments {
		if seg.isCd() {
			continue
		}
		rule, ok := rememberSegment(seg)
		if !ok || seen[rule.Command] {
			continue
		}
		seen[rule.Command] = true
		out = append(out, rule)
	}
	return out
}

func rememberSegment(seg segment) (models.PermissionRule, bool) {
	vals := stripWrappers(seg.Tokens)
	if len(vals) == 0 {
		return models.PermissionRule{}, false
	}
	keep := vals[:1]
	if subs, ok := subExecLaunchers[vals[0]]; ok && len(vals) >= 3 &&
		safeTokenPattern.MatchString(vals[1]) && safeTokenPattern.MatchString(vals[2]) &&
		(subs == nil || subs[vals[1]]) {
		keep = vals[:3]
	} else if twoTokenPrimaries[vals[0]] && len(vals) >= 2 && safeTokenPattern.MatchString(vals[1]) {
		keep = vals[:2]
	}
	return models.PermissionRule{Tool: ToolBash, Command: strings.Join(keep, " ")}, true
}

// stripWrappers removes leading environment assignments and wrapper tokens,
// returning the remaining unquoted token values.
func stripWrappers(tokens []token) []string {
	vals := make([]string, 0, len(tokens))
	for _, t := range tokens {
		vals = append(vals, t.Value)
	}
	for len(vals) > 0 {
		if envAssignPattern.MatchString(vals[0]) || wrapperTokens[vals[0]] {
			vals = vals[1:]
			continue
		}
		break
	}
	return vals
}

// RememberToolRule derives the rule to persist for a non-bash tool. For
// skill_load the skill name is pinned when it can be extracted; every other
// tool is remembered by name alone.
func RememberToolRule(tool string, rawArgs json.RawMessage) models.PermissionRule {
	if tool == ToolSkillLoad {
		if skill, err := skillNameFromArgs(tool, rawArgs); err == nil && skill != "" {
			return models.PermissionRule{Tool: tool, SkillName: skill}
		}
	}
	return models.PermissionRule{Tool: tool}
}

// WithRemembered returns a new ruleset with the given rules appended to the
// allow list. Rules already present are dropped, so remembering the same
// command twice is a no-op.
func (r Rules) WithRemembered(add ...models.PermissionRule) Rules {
	out := Rules{
		Allow: append([]models.PermissionRule(nil), r.Allow...),
		Deny:  append([]models.PermissionRule(nil), r.Deny...),
	}
	for _, rule := range add {
		if !containsRule(out.Allow, rule) {
			out.Allow = append(out.Allow, rule)
		}
	}
	return out
}

func containsRule(rules []models.PermissionRule, rule models.PermissionRule) bool {
	for _, r := range rules {
		if r == rule {
			return true
		}
	}
	return false
}
