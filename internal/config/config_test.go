package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaultsWhenPathEmpty(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "gpt-4", cfg.OpenAI.Model)
	assert.Equal(t, 50, cfg.Workflow.MaxConcurrentWorkflows)
	assert.True(t, cfg.Audit.Enabled)
}

func TestLoadDecodesYAMLFile(t *testing.T) {
	path := writeTempConfig(t, `
server:
  host: "127.0.0.1"
  port: 9100
openai:
  model: "gpt-4o"
  max_tokens: 4096
  temperature: 0.5
workflow:
  max_concurrent_workflows: 10
  workflow_timeout: 45s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "gpt-4o", cfg.OpenAI.Model)
	assert.Equal(t, 4096, cfg.OpenAI.MaxTokens)
	assert.Equal(t, 0.5, cfg.OpenAI.Temperature)
	assert.Equal(t, 10, cfg.Workflow.MaxConcurrentWorkflows)
	assert.Equal(t, 45*time.Second, cfg.Workflow.WorkflowTimeout)
}

func TestLoadExpandsEnvVarsWithDefault(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "")
	path := writeTempConfig(t, `
openai:
  api_key: "${TEST_OPENAI_KEY:-fallback-key}"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fallback-key", cfg.OpenAI.APIKey)

	t.Setenv("TEST_OPENAI_KEY", "real-key")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "real-key", cfg.OpenAI.APIKey)
}

func TestEnvOverlayTakesPrecedenceOverFile(t *testing.T) {
	path := writeTempConfig(t, `
openai:
  api_key: "file-key"
server:
  port: 9000
`)
	t.Setenv("ALEXOS_OPENAI_API_KEY", "env-key")
	t.Setenv("ALEXOS_SERVER_PORT", "9500")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.OpenAI.APIKey)
	assert.Equal(t, 9500, cfg.Server.Port)
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	path := writeTempConfig(t, `
server:
  port: 99999
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestConfigValidateAccumulatesMultipleErrors(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	cfg.Server.Port = -1
	cfg.OpenAI.Temperature = 5
	cfg.Workflow.MaxConcurrentWorkflows = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server")
	assert.Contains(t, err.Error(), "openai")
	assert.Contains(t, err.Error(), "workflow")
}
