package permission

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codelia/codelia/pkg/models"
)

func bashArgs(command string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"command": command})
	return b
}

func TestSplitSegments(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    []string
	}{
		{
			name:    "single command",
			command: "git status",
			want:    []string{"git status"},
		},
		{
			name:    "pipe and logical operators",
			command: "cat f.txt | grep x && echo ok || echo bad; ls",
			want:    []string{"cat f.txt", "grep x", "echo ok", "echo bad", "ls"},
		},
		{
			name:    "pipe-ampersand separates",
			command: "make test |& tee log",
			want:    []string{"make test", "tee log"},
		},
		{
			name:    "stderr merge token is treated as a redirect",
			command: "make 2>&1 | tee log",
			want:    []string{"make", "tee log"},
		},
		{
			name:    "operators inside double quotes are literal",
			command: `echo "a && b | c" && ls`,
			want:    []string{`echo "a && b | c"`, "ls"},
		},
		{
			name:    "operators inside single quotes are literal",
			command: "echo 'x; y' ; pwd",
			want:    []string{"echo 'x; y'", "pwd"},
		},
		{
			name:    "escaped separator is literal",
			command: `echo a\&\&b && ls`,
			want:    []string{`echo a\&\&b`, "ls"},
		},
		{
			name:    "single ampersand does not split",
			command: "sleep 5 & wait",
			want:    []string{"sleep 5 & wait"},
		},
		{
			name:    "redirect targets are dropped",
			command: "echo hi > out.txt && cat < in.txt 2> err.log",
			want:    []string{"echo hi", "cat"},
		},
		{
			name:    "attached redirect targets are dropped",
			command: "echo hi >out.txt 2>>err.log",
			want:    []string{"echo hi"},
		},
		{
			name:    "empty segments are skipped",
			command: "ls ;; ; pwd",
			want:    []string{"ls", "pwd"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segs := splitSegments(normalizeCommand(tt.command))
			got := make([]string, len(segs))
			for i, s := range segs {
				got[i] = s.Text
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTokenizeQuoting(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{`git commit -m "fix: the bug"`, []string{"git", "commit", "-m", "fix: the bug"}},
		{`echo 'single $quoted'`, []string{"echo", "single $quoted"}},
		{`echo a\ b`, []string{"echo", "a b"}},
		{`echo "escaped \" quote"`, []string{"echo", `escaped " quote`}},
		{`echo "unterminated`, []string{"echo", "unterminated"}},
	}
	for _, tt := range tests {
		toks := tokenize(tt.input)
		got := make([]string, len(toks))
		for i, tok := range toks {
			got[i] = tok.Value
		}
		assert.Equal(t, tt.want, got, "tokenize(%q)", tt.input)
	}
}

func TestEvaluateBashSegments(t *testing.T) {
	rules := Rules{
		Allow: []models.PermissionRule{{Tool: ToolBash, Command: "git status"}},
	}
	e := NewEngine(rules, nil)

	t.Run("allowed prefix on every segment", func(t *testing.T) {
		d := e.Evaluate(ToolBash, bashArgs("git status && git status --short"))
		assert.Equal(t, ActionAllow, d.Action)
	})

	t.Run("unmatched segment confirms with segment text", func(t *testing.T) {
		d := e.Evaluate(ToolBash, bashArgs("git status && rm -rf /"))
		assert.Equal(t, ActionConfirm, d.Action)
		assert.Equal(t, "segment requires confirmation (rm -rf /)", d.Reason)
	})

	t.Run("deny rule on one segment denies whole command", func(t *testing.T) {
		denyRules := Rules{
			Allow: rules.Allow,
			Deny:  []models.PermissionRule{{Tool: ToolBash, Command: "rm"}},
		}
		d := NewEngine(denyRules, nil).Evaluate(ToolBash, bashArgs("git status && rm -rf /"))
		assert.Equal(t, ActionDeny, d.Action)
	})

	t.Run("whole string deny glob beats segment allows", func(t *testing.T) {
		denyRules := Rules{
			Allow: rules.Allow,
			Deny:  []models.PermissionRule{{Tool: ToolBash, CommandGlob: "*status*status*"}},
		}
		d := NewEngine(denyRules, nil).Evaluate(ToolBash, bashArgs("git status && git status"))
		assert.Equal(t, ActionDeny, d.Action)
	})

	t.Run("whole string allow glob short-circuits", func(t *testing.T) {
		globRules := Rules{
			Allow: []models.PermissionRule{{Tool: ToolBash, CommandGlob: "git status && rm*"}},
		}
		d := NewEngine(globRules, nil).Evaluate(ToolBash, bashArgs("git status && rm -rf build"))
		assert.Equal(t, ActionAllow, d.Action)
	})

	t.Run("allow glob does not short-circuit when a segment is cd", func(t *testing.T) {
		globRules := Rules{
			Allow: []models.PermissionRule{{Tool: ToolBash, CommandGlob: "*"}},
		}
		d := NewEngine(globRules, nil).Evaluate(ToolBash, bashArgs("cd /etc && cat passwd"))
		// No guard: the cd segment must confirm rather than ride the glob.
		assert.Equal(t, ActionConfirm, d.Action)
	})

	t.Run("bare bash allow rule matches any segment", func(t *testing.T) {
		bare := Rules{Allow: []models.PermissionRule{{Tool: ToolBash}}}
		d := NewEngine(bare, nil).Evaluate(ToolBash, bashArgs("anything --goes | here"))
		assert.Equal(t, ActionAllow, d.Action)
	})

	t.Run("whitespace normalizes before matching", func(t *testing.T) {
		d := e.Evaluate(ToolBash, bashArgs("  git\t status  "))
		assert.Equal(t, ActionAllow, d.Action)
	})
}

func TestBashPathGuardCd(t *testing.T) {
	rules := Rules{
		Allow: []models.PermissionRule{{Tool: ToolBash, Command: "ls"}},
	}
	guard := &BashPathGuard{RootDir: "/sandbox/s1", WorkingDir: "/sandbox/s1"}
	e := NewEngine(rules, guard)

	tests := []struct {
		name    string
		command string
		want    Action
	}{
		{"cd within sandbox", "cd src && ls", ActionAllow},
		{"cd to sandbox root", "cd /sandbox/s1 && ls", ActionAllow},
		{"cd outside sandbox", "cd /etc && ls", ActionConfirm},
		{"cd with dotdot escape", "cd ../../etc && ls", ActionConfirm},
		{"cd dotdot stays inside", "cd src && cd .. && ls", ActionAllow},
		{"cd with expansion char", "cd $HOME && ls", ActionConfirm},
		{"cd with tilde", "cd ~ && ls", ActionConfirm},
		{"cd with quoted target", `cd "src" && ls`, ActionConfirm},
		{"cd dash", "cd - && ls", ActionConfirm},
		{"bare cd", "cd && ls", ActionConfirm},
		{"cd with glob", "cd sr* && ls", ActionConfirm},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Evaluate(ToolBash, bashArgs(tt.command))
			assert.Equal(t, tt.want, d.Action, "decision for %q: %s", tt.command, d.Reason)
		})
	}

	t.Run("relative cd tracks across segments", func(t *testing.T) {
		// After cd src, a second relative cd resolves against /sandbox/s1/src.
		d := e.Evaluate(ToolBash, bashArgs("cd src && cd deeper && ls"))
		assert.Equal(t, ActionAllow, d.Action)

		d = e.Evaluate(ToolBash, bashArgs("cd src && cd ../.. && ls"))
		assert.Equal(t, ActionConfirm, d.Action)
	})

	t.Run("cd never allowed by allow rules", func(t *testing.T) {
		bare := Rules{Allow: []models.PermissionRule{{Tool: ToolBash}}}
		d := NewEngine(bare, guard).Evaluate(ToolBash, bashArgs("cd /etc && ls"))
		assert.Equal(t, ActionConfirm, d.Action)
	})

	t.Run("missing guard confirms every cd", func(t *testing.T) {
		d := NewEngine(rules, nil).Evaluate(ToolBash, bashArgs("cd src && ls"))
		assert.Equal(t, ActionConfirm, d.Action)
	})
}

func TestPathWithin(t *testing.T) {
	tests := []struct {
		root string
		p    string
		want bool
	}{
		{"/sandbox/s1", "/sandbox/s1", true},
		{"/sandbox/s1", "/sandbox/s1/src", true},
		{"/sandbox/s1", "/sandbox/s10", false},
		{"/sandbox/s1", "/sandbox", false},
		{"/sandbox/s1", "/etc", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pathWithin(tt.root, tt.p),
			fmt.Sprintf("pathWithin(%q, %q)", tt.root, tt.p))
	}
}
