package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelia/codelia/pkg/models"
)

func TestSettingsLoadAbsentFileReturnsDefaults(t *testing.T) {
	store := NewSettingsStore(filepath.Join(t.TempDir(), "settings.yaml"), nil)

	settings, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultRuntimeSettings(), settings)
}

func TestSettingsPartialDocumentMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: fast-v2\n"), 0o644))

	store := NewSettingsStore(path, nil)
	settings, err := store.Load()
	require.NoError(t, err)

	assert.Equal(t, "fast-v2", settings.Model)
	// Unnamed fields keep their defaults.
	assert.Equal(t, DefaultRuntimeSettings().MaxOutputTokens, settings.MaxOutputTokens)
	assert.Equal(t, DefaultRuntimeSettings().SystemPrompt, settings.SystemPrompt)
}

func TestSettingsLoadParsesPermissionRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	doc := `permissions:
  allow:
    - tool: bash
      command: git status
  deny:
    - tool: bash
      command_glob: "*rm -rf*"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	store := NewSettingsStore(path, nil)
	settings, err := store.Load()
	require.NoError(t, err)

	require.Len(t, settings.Permissions.Allow, 1)
	assert.Equal(t, "git status", settings.Permissions.Allow[0].Command)
	require.Len(t, settings.Permissions.Deny, 1)
	assert.Equal(t, "*rm -rf*", settings.Permissions.Deny[0].CommandGlob)
}

func TestSettingsLoadExpandsEnvTemplates(t *testing.T) {
	t.Setenv("CODELIA_TEST_MODEL", "env-model")
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: \"{{.CODELIA_TEST_MODEL}}\"\n"), 0o644))

	store := NewSettingsStore(path, nil)
	settings, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "env-model", settings.Model)
}

func TestSettingsLoadLeavesDollarSignsAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("system_prompt: \"echo $PATH\"\n"), 0o644))

	store := NewSettingsStore(path, nil)
	settings, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "echo $PATH", settings.SystemPrompt)
}

func TestSettingsSaveRoundTrip(t *testing.T) {
	store := NewSettingsStore(filepath.Join(t.TempDir(), "nested", "settings.yaml"), nil)

	want := DefaultRuntimeSettings()
	want.Model = "saved-model"
	want.Permissions.Allow = []models.PermissionRule{{Tool: "bash", Command: "go test"}}
	require.NoError(t, store.Save(want))

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, want.Model, got.Model)
	assert.Equal(t, want.Permissions, got.Permissions)
}

func TestUpdatePermissionsPreservesOtherFields(t *testing.T) {
	store := NewSettingsStore(filepath.Join(t.TempDir(), "settings.yaml"), nil)

	base := DefaultRuntimeSettings()
	base.Model = "keep-me"
	require.NoError(t, store.Save(base))

	rules := models.PermissionRules{
		Allow: []models.PermissionRule{{Tool: "bash", Command: "git status"}},
	}
	require.NoError(t, store.UpdatePermissions(rules))

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "keep-me", got.Model)
	assert.Equal(t, rules, got.Permissions)
}

func TestSettingsLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: [unclosed\n"), 0o644))

	store := NewSettingsStore(path, nil)
	_, err := store.Load()
	require.Error(t, err)
}
