package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultsAreValid(t *testing.T) {
	cfg := New()
	assert.NoError(t, cfg.Validate())
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestValidate_RejectsEmptyAccountRules(t *testing.T) {
	cfg := New()
	cfg.Accounts.Rules = nil
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveQueueMaxSize(t *testing.T) {
	cfg := New()
	cfg.Queue.DefaultMaxSize = 0
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsBadEndpointMaxQueue(t *testing.T) {
	cfg := New()
	cfg.Queue.Endpoints = []QueueEndpointConfig{{Name: "primary", URL: "http://q1", MaxQueue: 0}}
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsOutOfRangePorts(t *testing.T) {
	cfg := New()
	cfg.Server.Port = 70000
	assert.Error(t, cfg.Validate())
}

func TestValidate_SkipsMetricsPortWhenDisabled(t *testing.T) {
	cfg := New()
	cfg.Runtime.MetricsEnabled = false
	cfg.Runtime.MetricsPort = -1
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile_MergesYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := `
server:
  port: 9999
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Unset fields retain their New() defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestLoadFile_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, New().Server.Port, cfg.Server.Port)
}
