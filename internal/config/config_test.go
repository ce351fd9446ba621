package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverBolt, cfg.Storage.Driver)
	assert.Equal(t, "data/commits.db", cfg.Storage.Path)
	assert.Equal(t, 5*time.Minute, cfg.Storage.ConnIdleTimeout)
	assert.Equal(t, StrategyInMemory, cfg.Persistence.CheckpointStrategy)
	assert.True(t, cfg.Persistence.FillHoles)
	assert.True(t, cfg.Persistence.Snapshots)
	assert.Equal(t, 128, cfg.Persistence.PageSize)
	assert.Equal(t, time.Second, cfg.Polling.Interval)
	assert.Equal(t, time.Duration(0), cfg.Polling.HoleWait)
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	t.Setenv("COMMITDB_STORAGE_PASSWORD", "secret")
	t.Setenv("COMMITDB_POLLING_HOLE_WAIT", "250ms")

	path := filepath.Join(t.TempDir(), "commitdb.yaml")
	content := []byte(`
storage:
  driver: postgres
  host: db.internal
  port: 5432
  user: commitdb
  database: events
persistence:
  checkpoint_strategy: always-query
  fill_holes: false
  headers: array-of-arrays
  payloads: binary
polling:
  interval: 2s
log:
  level: debug
  format: json
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, "db.internal", cfg.Storage.Host)
	assert.Equal(t, 5432, cfg.Storage.Port)
	assert.Equal(t, "secret", cfg.Storage.Password)
	assert.Equal(t, StrategyAlwaysQuery, cfg.Persistence.CheckpointStrategy)
	assert.False(t, cfg.Persistence.FillHoles)
	assert.Equal(t, HeadersArrayOfArrays, cfg.Persistence.Headers)
	assert.Equal(t, PayloadsBinary, cfg.Persistence.Payloads)
	assert.Equal(t, 2*time.Second, cfg.Polling.Interval)
	assert.Equal(t, 250*time.Millisecond, cfg.Polling.HoleWait)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid, err := Load("")
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "mongo" }},
		{name: "bolt without path", mutate: func(c *Config) { c.Storage.Path = "" }},
		{name: "mysql without host", mutate: func(c *Config) { c.Storage.Driver = DriverMySQL; c.Storage.Host = "" }},
		{name: "unknown strategy", mutate: func(c *Config) { c.Persistence.CheckpointStrategy = "random" }},
		{name: "unknown headers", mutate: func(c *Config) { c.Persistence.Headers = "xml" }},
		{name: "unknown payloads", mutate: func(c *Config) { c.Persistence.Payloads = "bson" }},
		{name: "page size", mutate: func(c *Config) { c.Persistence.PageSize = 0 }},
		{name: "interval", mutate: func(c *Config) { c.Polling.Interval = 0 }},
		{name: "hole wait", mutate: func(c *Config) { c.Polling.HoleWait = -time.Second }},
		{name: "log format", mutate: func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	withDSN := valid
	withDSN.Storage.Driver = DriverMySQL
	withDSN.Storage.Host = ""
	withDSN.Storage.DSN = "user:pw@tcp(db:3306)/events"
	assert.NoError(t, withDSN.Validate())
}
