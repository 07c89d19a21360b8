package permission

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/codelia/codelia/pkg/models"
)

// Rules is the evaluation ruleset, partitioned into allow and deny. Deny
// rules always win.
type Rules struct {
	Allow []models.PermissionRule
	Deny  []models.PermissionRule
}

var skillNamePattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// matchesTool reports whether a rule matches a non-bash invocation. Command
// qualifiers are bash-only and ignored here.
func matchesTool(r models.PermissionRule, tool, skill string) bool {
	if r.Tool != tool {
		return false
	}
	if tool == ToolSkillLoad && r.SkillName != "" {
		return skill != "" && r.SkillName == skill
	}
	return true
}

// skillNameFromArgs extracts the skill name for skill_load matching: the
// `name` argument when present, otherwise the leaf directory of `path`.
// Names that do not fit the skill-name shape never match any rule.
func skillNameFromArgs(tool string, rawArgs json.RawMessage) (string, error) {
	if tool != ToolSkillLoad {
		return "", nil
	}
	var args struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return "", fmt.Errorf("parsing skill_load arguments: %w", err)
	}
	candidate := args.Name
	if candidate == "" && args.Path != "" {
		candidate = filepath.Base(filepath.Clean(args.Path))
	}
	candidate = strings.ToLower(strings.TrimSpace(candidate))
	if !skillNamePattern.MatchString(candidate) {
		return "", nil
	}
	return candidate, nil
}

// segmentDenied reports whether any deny rule matches the segment. A bare
// {tool: "bash"} rule matches every segment.
func segmentDenied(rules []models.PermissionRule, seg segment) bool {
	for _, r := range rules {
		if r.Tool != ToolBash {
			continue
		}
		if matchesSegment(r, seg) {
			return true
		}
	}
	return false
}

// segmentAllowed reports whether any allow rule matches the segment.
func segmentAllowed(rules []models.PermissionRule, seg segment) bool {
	for _, r := range rules {
		if r.Tool != ToolBash {
			continue
		}
		if matchesSegment(r, seg) {
			return true
		}
	}
	return false
}

func matchesSegment(r models.PermissionRule, seg segment) bool {
	if r.Command == "" && r.CommandGlob == "" {
		return true
	}
	if r.Command != "" && tokenPrefixMatch(strings.Fields(r.Command), seg.Tokens) {
		return true
	}
	if r.CommandGlob != "" && globMatch(r.CommandGlob, seg.Text) {
		return true
	}
	return false
}

// tokenPrefixMatch reports whether the rule tokens are a prefix of the
// segment's unquoted token stream.
func tokenPrefixMatch(ruleTokens []string, tokens []token) bool {
	if len(ruleTokens) == 0 || len(ruleTokens) > len(tokens) {
		return false
	}
	for i, rt := range ruleTokens {
		if tokens[i].Value != rt {
			return false
		}
	}
	return true
}

// globMatch implements wildcard matching where `*` matches any run of
// characters (including separators) and `?` matches exactly one character.
func globMatch(pattern, s string) bool {
	p, t := 0, 0
	star, mark := -1, 0
	for t < len(s) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == s[t]):
			p++
			t++
		case p < len(pattern) && pattern[p] == '*':
			star = p
			mark = t
			p++
		case star >= 0:
			p = star + 1
			mark++
			t = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
