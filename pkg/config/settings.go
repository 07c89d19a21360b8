package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/codelia/codelia/pkg/models"
)

// RuntimeSettings are the per-deployment agent knobs: prompt, sampling
// parameters, and the permission ruleset. They live in one YAML document
// so operators can edit them without a rebuild.
type RuntimeSettings struct {
	// SystemPrompt is prepended to every new session's history.
	SystemPrompt string `yaml:"system_prompt"`

	// Model names the provider model the agent should use.
	Model string `yaml:"model"`

	// MaxOutputTokens caps a single completion.
	MaxOutputTokens int `yaml:"max_output_tokens"`

	// Temperature is the sampling temperature.
	Temperature float64 `yaml:"temperature"`

	// Permissions seed each session's tool-call ruleset. Rules remembered
	// during a session are folded back into this document.
	Permissions models.PermissionRules `yaml:"permissions"`
}

// DefaultRuntimeSettings returns the built-in settings used when the
// document is absent or partial.
func DefaultRuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		SystemPrompt:    "You are a careful coding agent. Work inside the sandbox.",
		Model:           "default",
		MaxOutputTokens: 8192,
		Temperature:     0.2,
	}
}

// SettingsStore loads and persists the runtime settings document.
// Loads merge the on-disk document over the defaults, so a partial file
// only overrides the fields it names.
type SettingsStore struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewSettingsStore returns a store for the document at path. The file is
// not required to exist.
func NewSettingsStore(path string, logger *slog.Logger) *SettingsStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsStore{
		path:   path,
		logger: logger.With("component", "settings"),
	}
}

// Path returns the document location.
func (s *SettingsStore) Path() string {
	return s.path
}

// Load reads the document, expands environment references, and merges it
// over the defaults. An absent file yields the defaults.
func (s *SettingsStore) Load() (RuntimeSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *SettingsStore) load() (RuntimeSettings, error) {
	settings := DefaultRuntimeSettings()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return settings, nil
		}
		return settings, fmt.Errorf("failed to read settings file: %w", err)
	}

	var user RuntimeSettings
	if err := yaml.Unmarshal(ExpandEnv(data), &user); err != nil {
		return settings, fmt.Errorf("failed to parse settings file %s: %w", s.path, err)
	}
	if err := mergo.Merge(&settings, user, mergo.WithOverride); err != nil {
		return settings, fmt.Errorf("failed to merge settings: %w", err)
	}
	return settings, nil
}

// Save atomically replaces the document.
func (s *SettingsStore) Save(settings RuntimeSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(settings)
}

func (s *SettingsStore) save(settings RuntimeSettings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".settings-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create settings temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close settings temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}

// UpdatePermissions persists a new permission ruleset, preserving the rest
// of the document. Used when a session remembers an allow rule.
func (s *SettingsStore) UpdatePermissions(rules models.PermissionRules) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := s.load()
	if err != nil {
		return err
	}
	settings.Permissions = rules
	return s.save(settings)
}
