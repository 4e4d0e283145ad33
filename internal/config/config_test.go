package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

func TestParseIntOrDefault(t *testing.T) {
	tests := []struct {
		input    string
		def      int
		expected int
	}{
		{"5", 10, 5},
		{"100", 0, 100},
		{"-3", 10, -3},
		{"abc", 10, 10},
		{"", 10, 10},
		{"3.14", 10, 3},
		{"7xyz", 10, 7},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseIntOrDefault(tt.input, tt.def))
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	tests := []struct {
		input    string
		def      time.Duration
		expected time.Duration
	}{
		{"60m", 10 * time.Minute, 60 * time.Minute},
		{"2h", 10 * time.Minute, 2 * time.Hour},
		{"90s", 10 * time.Minute, 90 * time.Second},
		{"invalid", 10 * time.Minute, 10 * time.Minute},
		{"", 10 * time.Minute, 10 * time.Minute},
		{"500ms", time.Second, 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseDurationOrDefault(tt.input, tt.def))
		})
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conductor.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFileMissingOptional(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.toml"), false)
	require.NoError(t, err)
	assert.Equal(t, Default().ListenAddr, cfg.ListenAddr)
	assert.Equal(t, 100*time.Millisecond, cfg.IterationYield.Std())
	assert.Equal(t, time.Second, cfg.RetryUnit.Std())
	assert.Empty(t, cfg.Path())
}

func TestLoadFileMissingRequired(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.toml"), true)
	assert.Error(t, err)
}

func TestLoadFileParsesTOML(t *testing.T) {
	path := writeConfig(t, `
listen_addr = ":9090"
database_url = "sqlite://history.db"
max_parallel = 4
iteration_yield = "10ms"
retry_unit = "250ms"
default_max_retries = 5
default_retry_strategy = "LINEAR_BACKOFF"
condition_fail_closed = true
callback_timeout = "5s"
alert_timeout = "2s"
alert_attempts = 5

[[alert_webhooks]]
id = "ops"
url = "https://hooks.example.com/ops"
secret = "s3cret"
enabled = true
`)

	cfg, err := LoadFile(path, true)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "sqlite://history.db", cfg.DatabaseURL)
	assert.Equal(t, 4, cfg.MaxParallel)
	assert.Equal(t, 10*time.Millisecond, cfg.IterationYield.Std())
	assert.Equal(t, 250*time.Millisecond, cfg.RetryUnit.Std())
	assert.True(t, cfg.ConditionFailClosed)
	assert.Equal(t, 5*time.Second, cfg.CallbackTimeout.Std())
	assert.Equal(t, 2*time.Second, cfg.AlertTimeout.Std())
	assert.Equal(t, 5, cfg.AlertAttempts)
	assert.Equal(t, types.TaskDefaults{MaxRetries: 5, RetryStrategy: types.RetryLinearBackoff}, cfg.TaskDefaults())
	require.Len(t, cfg.AlertWebhooks, 1)
	assert.Equal(t, "ops", cfg.AlertWebhooks[0].ID)
	assert.True(t, cfg.AlertWebhooks[0].Enabled)
	assert.Equal(t, path, cfg.Path())
}

func TestWebhooksEnabledUnlessDisabled(t *testing.T) {
	path := writeConfig(t, `
[[alert_webhooks]]
id = "ops"
url = "https://hooks.example.com/ops"

[[alert_webhooks]]
id = "paused"
url = "https://hooks.example.com/paused"
enabled = false
`)

	cfg, err := LoadFile(path, true)
	require.NoError(t, err)
	require.Len(t, cfg.AlertWebhooks, 2)
	assert.True(t, cfg.AlertWebhooks[0].Enabled)
	assert.False(t, cfg.AlertWebhooks[1].Enabled)
}

func TestDisabledCallbacks(t *testing.T) {
	path := writeConfig(t, `disabled_callbacks = ["send_alert"]`)
	cfg, err := LoadFile(path, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"send_alert"}, cfg.DisabledCallbacks)

	t.Setenv("CONDUCTOR_DISABLED_CALLBACKS", "log_start, log_success,")
	cfg, err = LoadFile(path, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"log_start", "log_success"}, cfg.DisabledCallbacks)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `max_parallel = 4`)
	t.Setenv("CONDUCTOR_MAX_PARALLEL", "8")
	t.Setenv("CONDUCTOR_RETRY_UNIT", "5ms")
	t.Setenv("CONDUCTOR_CONDITION_FAIL_CLOSED", "1")
	t.Setenv("CONDUCTOR_LOG_FORMAT", "json")

	cfg, err := LoadFile(path, true)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxParallel)
	assert.Equal(t, 5*time.Millisecond, cfg.RetryUnit.Std())
	assert.True(t, cfg.ConditionFailClosed)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadUsesConductorConfigEnv(t *testing.T) {
	path := writeConfig(t, `listen_addr = "127.0.0.1:7000"`)
	t.Setenv("CONDUCTOR_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.ListenAddr)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad toml", `max_parallel = `},
		{"bad duration", `retry_unit = "soon"`},
		{"negative parallel", `max_parallel = -1`},
		{"unknown strategy", `default_retry_strategy = "RANDOM"`},
		{"webhook without url", "[[alert_webhooks]]\nid = \"x\""},
		{"no alert attempts", `alert_attempts = 0`},
		{"negative callback timeout", `callback_timeout = "-1s"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, tt.body), true)
			assert.Error(t, err)
		})
	}
}

func TestDurationMarshalText(t *testing.T) {
	b, err := Duration(1500 * time.Millisecond).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1.5s", string(b))
}
