// Package sandbox manages per-session working directories. Every session
// gets a directory under a shared root; agents are expected to keep all
// file operations inside it. Directories are created lazily, mtime-touched
// on access, and reaped by TTL once no live pool entry references them.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codelia/codelia/pkg/models"
)

// Context describes one session's sandbox.
type Context struct {
	SessionID string
	// Root is the shared sandbox root all session directories live under.
	Root string
	// DirName is the session directory's base name ("session-<slug>-<digest>").
	DirName string
	// RootDir is Root joined with DirName; the containment boundary.
	RootDir string
	// WorkingDir starts at RootDir and may move within it (cd).
	WorkingDir string
}

// DirName derives the sandbox directory base name for a session id.
func DirName(sessionID string) string {
	return fmt.Sprintf("session-%s-%s", models.SessionSlug(sessionID), models.SessionDigest(sessionID))
}

// ContainsPath reports whether p, resolved against the sandbox working
// directory, stays inside the sandbox root directory.
func (c *Context) ContainsPath(p string) bool {
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.WorkingDir, p)
	}
	p = filepath.Clean(p)
	root := filepath.Clean(c.RootDir)
	if p == root {
		return true
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}

// Manager creates and reaps sandbox directories under a single root.
type Manager struct {
	root    string
	ttl     time.Duration
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewManager returns a manager rooted at root. The root directory is
// created on first Acquire, not here, so construction never touches disk.
func NewManager(root string, ttl time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		root:    root,
		ttl:     ttl,
		logger:  logger.With("component", "sandbox"),
		nowFunc: time.Now,
	}
}

// Root returns the shared sandbox root.
func (m *Manager) Root() string {
	return m.root
}

// TTL returns the reap age threshold.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// SetNowFunc overrides the clock. Tests only.
func (m *Manager) SetNowFunc(f func() time.Time) {
	m.nowFunc = f
}

// Acquire returns the sandbox context for a session, creating its
// directory if absent and touching its mtime either way.
func (m *Manager) Acquire(sessionID string) (*Context, error) {
	dirName := DirName(sessionID)
	rootDir := filepath.Join(m.root, dirName)
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox directory: %w", err)
	}
	ctx := &Context{
		SessionID:  sessionID,
		Root:       m.root,
		DirName:    dirName,
		RootDir:    rootDir,
		WorkingDir: rootDir,
	}
	m.Touch(ctx)
	return ctx, nil
}

// Touch refreshes the sandbox directory's mtime so the reaper sees it as
// recently used. Failures are logged and ignored; a stale mtime only risks
// an earlier reap of an idle directory.
func (m *Manager) Touch(c *Context) {
	now := m.nowFunc()
	if err := os.Chtimes(c.RootDir, now, now); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn("Failed to touch sandbox directory",
			"session_id", c.SessionID,
			"dir", c.RootDir,
			"error", err)
	}
}

// Reap removes session directories whose mtime is older than the TTL.
// Directories named in live are skipped regardless of age. Returns the
// number of directories removed; per-directory failures are logged and
// counted as skipped, never returned.
func (m *Manager) Reap(live map[string]bool) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list sandbox root: %w", err)
	}

	cutoff := m.nowFunc().Add(-m.ttl)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "session-") {
			continue
		}
		if live[entry.Name()] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		dir := filepath.Join(m.root, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Warn("Failed to remove expired sandbox directory",
				"dir", dir,
				"error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("Reaped expired sandbox directories", "removed", removed)
	}
	return removed, nil
}
