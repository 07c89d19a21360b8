// Package storage lays out the process state directory: session snapshots,
// runtime settings, and credential files. Credential data is written
// atomically with owner-only permissions.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Layout resolves paths under a single state directory. Subdirectories are
// created on first use.
type Layout struct {
	root string
}

// NewLayout creates (if needed) the state directory and returns its layout.
func NewLayout(stateDir string) (*Layout, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Layout{root: stateDir}, nil
}

// Root returns the state directory.
func (l *Layout) Root() string {
	return l.root
}

// SessionsDir returns the session snapshot directory, creating it if absent.
func (l *Layout) SessionsDir() (string, error) {
	dir := filepath.Join(l.root, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return dir, nil
}

// CredentialsDir returns the credential directory, creating it owner-only
// if absent.
func (l *Layout) CredentialsDir() (string, error) {
	dir := filepath.Join(l.root, "credentials")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create credentials directory: %w", err)
	}
	return dir, nil
}

// CredentialPath validates name and returns its path under the credential
// directory. Names are plain file names; separators and dot-dirs are
// rejected.
func (l *Layout) CredentialPath(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid credential name %q", name)
	}
	dir, err := l.CredentialsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// WriteCredential stores data under the credential directory with 0600
// permissions and returns the file path.
func (l *Layout) WriteCredential(name string, data []byte) (string, error) {
	path, err := l.CredentialPath(name)
	if err != nil {
		return "", err
	}
	if err := WriteFileAtomic0600(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// ReadCredential loads a credential written by WriteCredential. Returns
// os.ErrNotExist (wrapped) when absent.
func (l *Layout) ReadCredential(name string) ([]byte, error) {
	path, err := l.CredentialPath(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// WriteFileAtomic0600 writes data to path via a temp file in the same
// directory followed by a rename, so readers never observe a partial file.
// The result is owner read/write only.
func WriteFileAtomic0600(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	// Normalize the mode regardless of umask.
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}
