package permission

import (
	"path/filepath"
	"strings"
)

// BashPathGuard confines `cd` segments to a sandbox. RootDir is the sandbox
// root every change of directory must stay under; WorkingDir is where the
// shell starts. Both must be absolute, cleaned paths. The guard is a pure
// path computation and never consults the filesystem.
type BashPathGuard struct {
	RootDir    string
	WorkingDir string
}

// cdUnsafeChars lists the characters that make a cd target impossible to
// resolve textually (expansions, substitutions, quoting, globs).
const cdUnsafeChars = "\"'`$&|;<>(){}[]*?!~\\"

// checkCd validates a `cd` segment and tracks the directory change. It
// returns a decision when the segment needs user confirmation, otherwise
// the working directory the shell would land in. cd is never auto-allowed
// by allow rules and never remembered.
func (g *BashPathGuard) checkCd(seg segment, cwd string) (*Decision, string) {
	d := confirmf("segment requires confirmation (%s)", seg.Text)
	if g == nil {
		return &d, cwd
	}
	target := seg.rawAfterFirst()
	if target == "" || target == "-" {
		return &d, cwd
	}
	if strings.ContainsAny(target, cdUnsafeChars) {
		return &d, cwd
	}
	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(cwd, resolved)
	}
	resolved = filepath.Clean(resolved)
	if !pathWithin(g.RootDir, resolved) {
		return &d, cwd
	}
	return nil, resolved
}

// pathWithin reports whether p equals root or lies beneath it.
func pathWithin(root, p string) bool {
	root = filepath.Clean(root)
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}
