package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RonHouben/wavecraft-sub004/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := NewLoader().Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "/ws", cfg.Server.Path)
	assert.Equal(t, "ws://127.0.0.1:9000/ws", cfg.Server.URL())
	assert.Equal(t, 5*time.Second, cfg.Bus.RequestTimeout.Std())
	assert.Equal(t, 15*time.Second, cfg.Fetch.ConnectTimeout.Std())
	assert.Equal(t, 256, cfg.Meter.RingCapacity)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"server": {"enabled": true, "addr": "0.0.0.0:9100", "path": "/ws"},
		"bus": {"requestTimeout": "2s"},
		"meter": {"ringCapacity": 128, "pollHz": 60},
		"log": {"level": "debug", "format": "text"}
	}`)

	cfg, err := NewLoader().Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9100", cfg.Server.Addr)
	assert.Equal(t, 2*time.Second, cfg.Bus.RequestTimeout.Std())
	assert.Equal(t, 128, cfg.Meter.RingCapacity)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, 15*time.Second, cfg.Fetch.ConnectTimeout.Std())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  enabled: true
  addr: "127.0.0.1:9200"
  path: /ws
fetch:
  connectTimeout: 30s
capture:
  binary: /usr/local/bin/meterfeed
  args: ["--device", "default"]
`)

	cfg, err := NewLoader().Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9200", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Fetch.ConnectTimeout.Std())
	assert.Equal(t, "/usr/local/bin/meterfeed", cfg.Capture.Binary)
	assert.Equal(t, []string{"--device", "default"}, cfg.Capture.Args)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := NewLoader().Load("/no/such/config.json")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMissingConfig))
}

func TestLoadMalformedJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{"server": `)
	_, err := NewLoader().Load(path)
	require.Error(t, err)
}

func TestSchemaRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "config.json", `{"sevrer": {"addr": "x"}}`)
	_, err := NewLoader().Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation")
}

func TestSchemaRejectsUnknownKeysYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", "sevrer:\n  addr: x\n")
	_, err := NewLoader().Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation")
}

func TestSchemaRejectsWrongType(t *testing.T) {
	// The validator sees the raw document, so a mistyped field fails
	// before decoding can coerce or reject it with a cryptic error.
	path := writeFile(t, "config.json", `{"meter": {"ringCapacity": "lots"}}`)
	_, err := NewLoader().Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation")
}

func TestSchemaRejectsBadLevel(t *testing.T) {
	path := writeFile(t, "config.json", `{"log": {"level": "loud"}}`)
	_, err := NewLoader().Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WAVECRAFT_SERVER_ADDR", "127.0.0.1:9999")
	t.Setenv("WAVECRAFT_LOG_LEVEL", "warn")
	t.Setenv("WAVECRAFT_BUS_REQUEST_TIMEOUT", "750ms")
	t.Setenv("WAVECRAFT_METRICS_ADDR", "127.0.0.1:9191")

	cfg, err := NewLoader().Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 750*time.Millisecond, cfg.Bus.RequestTimeout.Std())
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9191", cfg.Metrics.Addr)
}

func TestEnvOverridesBeatFile(t *testing.T) {
	path := writeFile(t, "config.json", `{"server": {"enabled": true, "addr": "file:1", "path": "/ws"}}`)
	t.Setenv("WAVECRAFT_SERVER_ADDR", "env:2")

	cfg, err := NewLoader().Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env:2", cfg.Server.Addr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing server addr", func(c *Config) { c.Server.Addr = "" }},
		{"relative path", func(c *Config) { c.Server.Path = "ws" }},
		{"zero request timeout", func(c *Config) { c.Bus.RequestTimeout = 0 }},
		{"zero connect timeout", func(c *Config) { c.Fetch.ConnectTimeout = 0 }},
		{"zero ring capacity", func(c *Config) { c.Meter.RingCapacity = 0 }},
		{"poll rate too high", func(c *Config) { c.Meter.PollHz = 500 }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"metrics without addr", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Addr = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestDurationForms(t *testing.T) {
	jsonPath := writeFile(t, "config.json", `{"bus": {"requestTimeout": "1500ms"}}`)
	cfg, err := NewLoader().Load(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.Bus.RequestTimeout.Std())

	yamlPath := writeFile(t, "config.yaml", "bus:\n  requestTimeout: 2s\n")
	cfg, err = NewLoader().Load(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Bus.RequestTimeout.Std())
}

func TestPollInterval(t *testing.T) {
	cfg := Default()
	cfg.Meter.PollHz = 50
	assert.Equal(t, 20*time.Millisecond, cfg.PollInterval())
}
