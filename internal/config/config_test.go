package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_EmptyPath_ReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "./logs", cfg.LogsRoot)
	require.Equal(t, 100, cfg.Backoff.InitialDelayMS)
	require.Equal(t, "OPENAI_API_KEY", cfg.Providers["openai"].APIKeyEnv)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logs_root: /tmp/custom-logs
concurrency:
  max_parallel_branches: 16
  max_subagent_depth: 5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/custom-logs", cfg.LogsRoot)
	require.Equal(t, 16, cfg.Concurrency.MaxParallelBranches)
	require.Equal(t, 5, cfg.Concurrency.MaxSubagentDepth)
	// Untouched fields keep their defaults.
	require.Equal(t, "./gates", cfg.GateRoot)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logs_root: /from-file\n"), 0o644))

	t.Setenv("FLOWFORGE_LOGS_ROOT", "/from-env")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/from-env", cfg.LogsRoot)
}

func TestLoad_UnknownField_Errors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not_a_real_field: 1\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_InvalidBackoff_Errors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backoff:\n  initial_delay_ms: 0\n  backoff_factor: 2\n  max_delay_ms: 30000\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestResolveAPIKey_MissingEnv_Errors(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	os.Unsetenv("OPENAI_API_KEY")
	_, err = cfg.ResolveAPIKey("openai")
	require.Error(t, err)
}

func TestResolveAPIKey_Present(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	t.Setenv("OPENAI_API_KEY", "sk-test")
	key, err := cfg.ResolveAPIKey("openai")
	require.NoError(t, err)
	require.Equal(t, "sk-test", key)
}
