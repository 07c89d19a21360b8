package permission

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelia/codelia/pkg/models"
)

func TestEvaluateToolDecisionOrder(t *testing.T) {
	rules := Rules{
		Allow: []models.PermissionRule{{Tool: "webfetch"}, {Tool: "grep"}},
		Deny:  []models.PermissionRule{{Tool: "webfetch"}},
	}
	e := NewEngine(rules, nil)

	t.Run("deny wins over allow", func(t *testing.T) {
		d := e.Evaluate("webfetch", json.RawMessage(`{"url":"https://example.com"}`))
		assert.Equal(t, ActionDeny, d.Action)
		assert.Equal(t, "blocked by deny rule (webfetch)", d.Reason)
	})

	t.Run("allow rule matches", func(t *testing.T) {
		d := e.Evaluate("grep", json.RawMessage(`{"pattern":"foo"}`))
		assert.Equal(t, ActionAllow, d.Action)
	})

	t.Run("unmatched tool requires confirmation", func(t *testing.T) {
		d := e.Evaluate("write_file", json.RawMessage(`{"path":"a"}`))
		assert.Equal(t, ActionConfirm, d.Action)
	})
}

func TestEvaluateSkillLoad(t *testing.T) {
	rules := Rules{
		Allow: []models.PermissionRule{{Tool: ToolSkillLoad, SkillName: "code-review"}},
		Deny:  []models.PermissionRule{{Tool: ToolSkillLoad, SkillName: "prod-deploy"}},
	}
	e := NewEngine(rules, nil)

	tests := []struct {
		name string
		args string
		want Action
	}{
		{"allowed by name", `{"name":"code-review"}`, ActionAllow},
		{"allowed by path leaf", `{"path":"/skills/code-review"}`, ActionAllow},
		{"denied by name", `{"name":"prod-deploy"}`, ActionDeny},
		{"unknown skill confirms", `{"name":"other-skill"}`, ActionConfirm},
		{"invalid skill name never matches", `{"name":"Not A Skill!"}`, ActionConfirm},
		{"case folds before matching", `{"name":"CODE-REVIEW"}`, ActionAllow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Evaluate(ToolSkillLoad, json.RawMessage(tt.args))
			assert.Equal(t, tt.want, d.Action)
		})
	}
}

func TestEvaluateMalformedArgsDegradeToConfirm(t *testing.T) {
	rules := Rules{Deny: []models.PermissionRule{{Tool: ToolBash}}}
	e := NewEngine(rules, nil)

	// Even with a blanket bash deny in place, unparseable arguments must
	// fall back to confirm so the user keeps the override.
	d := e.Evaluate(ToolBash, json.RawMessage(`{not json`))
	assert.Equal(t, ActionConfirm, d.Action)

	d = e.Evaluate(ToolSkillLoad, json.RawMessage(`"not an object"`))
	assert.Equal(t, ActionConfirm, d.Action)
}

func TestEvaluateDeterministic(t *testing.T) {
	rules := Rules{
		Allow: []models.PermissionRule{
			{Tool: ToolBash, Command: "git status"},
			{Tool: ToolBash, CommandGlob: "ls *"},
			{Tool: "grep"},
		},
		Deny: []models.PermissionRule{{Tool: ToolBash, Command: "rm"}},
	}
	guard := &BashPathGuard{RootDir: "/sandbox/s1", WorkingDir: "/sandbox/s1"}
	e := NewEngine(rules, guard)

	inputs := []struct {
		tool string
		args string
	}{
		{ToolBash, `{"command":"git status && ls -la"}`},
		{ToolBash, `{"command":"rm -rf /"}`},
		{ToolBash, `{"command":"cd src && git status"}`},
		{"grep", `{"pattern":"x"}`},
		{"unknown_tool", `{}`},
	}
	for _, in := range inputs {
		first := e.Evaluate(in.tool, json.RawMessage(in.args))
		for i := 0; i < 50; i++ {
			require.Equal(t, first, e.Evaluate(in.tool, json.RawMessage(in.args)),
				"evaluation of %s %s must be deterministic", in.tool, in.args)
		}
	}
}

func TestGlobMatch(t *testing.T) {
	tests := []struct {
		pattern string
		input   string
		want    bool
	}{
		{"git *", "git push origin main", true},
		{"git *", "git", false},
		{"*", "anything at all", true},
		{"ls*", "ls -la", true},
		{"ls", "ls -la", false},
		{"npm run *", "npm run build", true},
		{"rm -rf /*", "rm -rf /etc", true},
		{"a?c", "abc", true},
		{"a?c", "ac", false},
		{"*.txt", "notes.txt", true},
		{"*.txt", "notes.txt.bak", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, globMatch(tt.pattern, tt.input),
			"globMatch(%q, %q)", tt.pattern, tt.input)
	}
}
