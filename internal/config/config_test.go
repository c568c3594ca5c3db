package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the draftpr config dir.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "draftpr")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func TestDefault_IsValid(t *testing.T) {
	setupTestHome(t)
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.Policy.MaxFiles)
	assert.Equal(t, 200, cfg.Policy.MaxLOCDelta)
	require.NotNil(t, cfg.Policy.LOCCreate)
	assert.Equal(t, 50, *cfg.Policy.LOCCreate)
	assert.Equal(t, 30, *cfg.Policy.LOCModify)
	assert.Equal(t, -20, *cfg.Policy.LOCDelete)
	assert.Empty(t, cfg.NATS.URL)
	assert.Equal(t, 1000, cfg.Apply.MaxLOCDelta)
	assert.Equal(t, 30*24*time.Hour, cfg.Artifacts.Retention)
	assert.Equal(t, "result.json", cfg.Backend.ResultFile)
	assert.Equal(t, "draftpr", cfg.Temporal.TaskQueue)
}

func TestLoadWithFile_YAMLAndEnv(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")

	content := `server:
  http_port: 8088
policy:
  max_files: 3
  loc_create: 0
  loc_delete: 0
  allow_paths:
    - "src/*"
  deny_paths:
    - "*.lock"
  require_tests: true
verify:
  test_command: go test ./...
  timeout: 90s
github:
  token: ghp_fromfile
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	t.Setenv("DRAFTPR_VERIFY_LINT_COMMAND", "golangci-lint run")
	t.Setenv("DRAFTPR_NATS_URL", "nats://example:4222")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Policy.MaxFiles)
	require.NotNil(t, cfg.Policy.LOCCreate)
	assert.Equal(t, 0, *cfg.Policy.LOCCreate)
	assert.Equal(t, 30, *cfg.Policy.LOCModify)
	assert.Equal(t, 0, *cfg.Policy.LOCDelete)
	assert.Equal(t, []string{"src/*"}, cfg.Policy.AllowPaths)
	assert.Equal(t, []string{"*.lock"}, cfg.Policy.DenyPaths)
	assert.True(t, cfg.Policy.RequireTests)
	assert.Equal(t, "go test ./...", cfg.Verify.TestCommand)
	assert.Equal(t, "golangci-lint run", cfg.Verify.LintCommand)
	assert.Equal(t, 90*time.Second, cfg.Verify.Timeout)
	assert.Equal(t, "nats://example:4222", cfg.NATS.URL)
	assert.Equal(t, "ghp_fromfile", cfg.GitHub.Token.Value())
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	dir := setupTestHome(t)

	cfg, err := LoadWithFile(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
}

func TestLoadWithFile_Rejections(t *testing.T) {
	t.Run("path outside allowed dirs", func(t *testing.T) {
		setupTestHome(t)
		_, err := LoadWithFile(filepath.Join(t.TempDir(), "config.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config path validation failed")
	})

	t.Run("world readable file", func(t *testing.T) {
		dir := setupTestHome(t)
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 9000\n"), 0644))

		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insecure config file permissions")
	})

	t.Run("invalid apply threshold", func(t *testing.T) {
		dir := setupTestHome(t)
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("apply:\n  max_loc_delta: -5\n"), 0600))

		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "apply.max_loc_delta")
	})
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"DRAFTPR_GITHUB_TOKEN":        "github.token",
		"DRAFTPR_VERIFY_TEST_COMMAND": "verify.test_command",
		"DRAFTPR_NATS_LOCK_TTL":       "nats.lock_ttl",
		"DRAFTPR_DEBUG":               "debug",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}

func TestSecret_NeverLeaks(t *testing.T) {
	s := Secret("ghp_supersecret")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.Equal(t, "ghp_supersecret", s.Value())

	data, err := json.Marshal(struct{ Token Secret }{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Token":"[REDACTED]"}`, string(data))

	var empty Secret
	assert.False(t, empty.IsSet())
	assert.Equal(t, "", empty.String())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
