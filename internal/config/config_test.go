package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadDefaults(t *testing.T) {
	cfg, err := Read("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 2000, cfg.Stream.MaxChunkSize)
	assert.Equal(t, 10*time.Millisecond, cfg.Stream.Pace)
	assert.Equal(t, "fixed", cfg.Stream.Pacing)
	assert.Equal(t, "comparison", cfg.Report.DefaultTemplate)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 900, cfg.Cache.TTL)
	assert.Equal(t, 256<<20, cfg.Cache.MaxBytes)
	assert.Equal(t, 30*time.Second, cfg.Report.ComposeTimeout)
}

func TestReadEnvironmentOverrides(t *testing.T) {
	t.Setenv("APP_SERVER_PORT", "9090")
	t.Setenv("APP_STREAM_MAX_CHUNK_SIZE", "512")
	t.Setenv("APP_STREAM_PACE", "25ms")
	t.Setenv("APP_STREAM_PACING", "rate")
	t.Setenv("APP_CONCURRENCY_MAX_STREAMS", "3")

	cfg, err := Read("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 512, cfg.Stream.MaxChunkSize)
	assert.Equal(t, 25*time.Millisecond, cfg.Stream.Pace)
	assert.Equal(t, "rate", cfg.Stream.Pacing)
	assert.Equal(t, 3, cfg.Concurrency.MaxStreams)
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 7000
stream:
  max_chunk_size: 4096
  pace: 0s
report:
  default_template: report
log:
  level: debug
  development: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Read(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 4096, cfg.Stream.MaxChunkSize)
	assert.Equal(t, time.Duration(0), cfg.Stream.Pace)
	assert.Equal(t, "report", cfg.Report.DefaultTemplate)
	assert.True(t, cfg.Log.Development)
	// untouched keys keep their defaults
	assert.Equal(t, 16, cfg.Cache.Shards)
}

func TestReadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		key  string
	}{
		{name: "zero chunk size", env: map[string]string{"APP_STREAM_MAX_CHUNK_SIZE": "0"}, key: "stream.max_chunk_size"},
		{name: "negative pace", env: map[string]string{"APP_STREAM_PACE": "-1s"}, key: "stream.pace"},
		{name: "unknown pacing", env: map[string]string{"APP_STREAM_PACING": "burst"}, key: "stream.pacing"},
		{
			name: "limit below default size",
			env:  map[string]string{"APP_STREAM_MAX_CHUNK_SIZE": "4000", "APP_STREAM_MAX_CHUNK_SIZE_LIMIT": "3000"},
			key:  "stream.max_chunk_size_limit",
		},
		{name: "bad port", env: map[string]string{"APP_SERVER_PORT": "70000"}, key: "server.port"},
		{name: "bad log level", env: map[string]string{"APP_LOG_LEVEL": "verbose"}, key: "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Read("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadReplacesInstanceOnlyOnSuccess(t *testing.T) {
	require.NoError(t, Load(""))
	assert.Equal(t, 2000, Get().Stream.MaxChunkSize)

	t.Setenv("APP_STREAM_MAX_CHUNK_SIZE", "-1")
	assert.Error(t, Load(""))
	assert.Equal(t, 2000, Get().Stream.MaxChunkSize)
}
