package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cim.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "CIM-EVENTS", cfg.Store.Stream)
	assert.Equal(t, 2*time.Minute, cfg.Store.DuplicateWindow)
	assert.Equal(t, 10000, cfg.Store.CacheSize)
	assert.Equal(t, 50, cfg.Collab.MaxUsersPerSession)
	assert.Equal(t, ":8080", cfg.API.Addr)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
store:
  stream: graphs
  duplicate_window: 30s
snapshots:
  backend: redis
  redis_url: redis://localhost:6379/0
  every: 20
collab:
  node_id: a
  members: [a, b]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "graphs", cfg.Store.Stream)
	assert.Equal(t, 30*time.Second, cfg.Store.DuplicateWindow)
	assert.Equal(t, "redis", cfg.Snapshots.Backend)
	assert.Equal(t, uint64(20), cfg.Snapshots.Every)
	assert.Equal(t, []string{"a", "b"}, cfg.Collab.Members)

	// untouched keys keep their defaults
	assert.Equal(t, "events", cfg.Store.SubjectPrefix)
	assert.Equal(t, 4, cfg.Commands.Workers)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "nats:\n  url: nats://file:4222\n")
	t.Setenv("NATS_URL", "nats://env:4222")
	t.Setenv("CIM_COMMAND_WORKERS", "8")
	t.Setenv("CIM_MEMBERS", "n1,n2")
	t.Setenv("CIM_NODE_ID", "n2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, 8, cfg.Commands.Workers)
	assert.Equal(t, []string{"n1", "n2"}, cfg.Collab.Members)
	assert.Equal(t, "n2", cfg.Collab.NodeID)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.ErrorContains(t, err, "failed to read config")

	_, err = Load(writeConfig(t, "store: [\n"))
	require.ErrorContains(t, err, "failed to parse YAML")

	_, err = Load(writeConfig(t, `
log:
  format: xml
snapshots:
  backend: redis
commands:
  workers: 0
`))
	require.ErrorContains(t, err, "invalid configuration")
	require.ErrorContains(t, err, "log.format")
	require.ErrorContains(t, err, "snapshots.redis_url")
	require.ErrorContains(t, err, "commands.workers")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"bad level":           func(c *Config) { c.Log.Level = "loud" },
		"no nats url":         func(c *Config) { c.NATS.URL = "" },
		"wildcard prefix":     func(c *Config) { c.Store.SubjectPrefix = "events.>" },
		"max age below dedup": func(c *Config) { c.Store.MaxAge = time.Second },
		"unknown backend":     func(c *Config) { c.Snapshots.Backend = "s3" },
		"members without id":  func(c *Config) { c.Collab.Members = []string{"a"} },
		"no users":            func(c *Config) { c.Collab.MaxUsersPerSession = 0 },
		"sequencer timeout":   func(c *Config) { c.Sequencer.Timeout = 0 },
		"no api addr":         func(c *Config) { c.API.Addr = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLogConfig_Logger(t *testing.T) {
	var buf bytes.Buffer
	LogConfig{Level: "warn", Format: "json"}.Logger(&buf).Info("hidden")
	assert.Empty(t, buf.String())

	LogConfig{Level: "warn", Format: "json"}.Logger(&buf).Warn("shown")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
