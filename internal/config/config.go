// Package config handles conductor configuration
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cloud-shuttle/conductor/internal/webhooks"
	"github.com/cloud-shuttle/conductor/pkg/types"
)

// DefaultConfigFile is read from the working directory when CONDUCTOR_CONFIG is unset
const DefaultConfigFile = "conductor.toml"

// Duration wraps time.Duration so TOML files can use strings like "250ms"
type Duration time.Duration

// UnmarshalText parses a Go duration string
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration as a Go duration string
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds conductor configuration
type Config struct {
	// HTTP server
	ListenAddr string `toml:"listen_addr"`

	// History store; empty disables it
	DatabaseURL string `toml:"database_url"`

	// Scheduler settings
	MaxParallel    int      `toml:"max_parallel"`
	IterationYield Duration `toml:"iteration_yield"`
	RetryUnit      Duration `toml:"retry_unit"`
	Retention      Duration `toml:"retention"`

	// Task defaults
	DefaultMaxRetries    int                 `toml:"default_max_retries"`
	DefaultRetryStrategy types.RetryStrategy `toml:"default_retry_strategy"`

	// Conditions that fail to parse or evaluate skip the task when set
	ConditionFailClosed bool `toml:"condition_fail_closed"`

	// Logging
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	// Tracing
	TracingEnabled bool `toml:"tracing_enabled"`

	// Upper bound on each lifecycle callback; zero disables it
	CallbackTimeout Duration `toml:"callback_timeout"`

	// Registered callbacks that tasks may name but that do nothing
	DisabledCallbacks []string `toml:"disabled_callbacks"`

	// Alerts raised by the send_alert callback and finished-workflow notifications
	AlertWebhooks []webhooks.Webhook `toml:"alert_webhooks"`
	AlertTimeout  Duration           `toml:"alert_timeout"`
	AlertAttempts int                `toml:"alert_attempts"`

	// Definitions loaded and scheduled by serve
	DefinitionsDir string `toml:"definitions_dir"`

	// File path this config was loaded from, if any
	configPath string
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		ListenAddr:           ":8080",
		DatabaseURL:          "",
		MaxParallel:          0,
		IterationYield:       Duration(100 * time.Millisecond),
		RetryUnit:            Duration(time.Second),
		Retention:            Duration(time.Hour),
		DefaultMaxRetries:    types.DefaultMaxRetries,
		DefaultRetryStrategy: types.DefaultRetryStrategy,
		LogLevel:             "info",
		LogFormat:            "console",
		CallbackTimeout:      Duration(30 * time.Second),
		AlertTimeout:         Duration(10 * time.Second),
		AlertAttempts:        3,
		DefinitionsDir:       "",
	}
}

// Load loads configuration from defaults, then the TOML file named by
// CONDUCTOR_CONFIG (or ./conductor.toml when present), then environment
func Load() (*Config, error) {
	path := os.Getenv("CONDUCTOR_CONFIG")
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	return LoadFile(path, explicit)
}

// LoadFile loads defaults, the TOML file at path and environment overrides.
// A missing file is an error only when required is set.
func LoadFile(path string, required bool) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
			if err := enableWebhooks(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
			cfg.configPath = path
		case errors.Is(err, os.ErrNotExist) && !required:
		default:
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// enableWebhooks turns on configured webhooks that do not set enabled
func enableWebhooks(data []byte, cfg *Config) error {
	var raw struct {
		AlertWebhooks []map[string]any `toml:"alert_webhooks"`
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return err
	}
	for i, hook := range raw.AlertWebhooks {
		if _, ok := hook["enabled"]; !ok && i < len(cfg.AlertWebhooks) {
			cfg.AlertWebhooks[i].Enabled = true
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CONDUCTOR_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("CONDUCTOR_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("CONDUCTOR_MAX_PARALLEL"); v != "" {
		c.MaxParallel = parseIntOrDefault(v, c.MaxParallel)
	}
	if v := os.Getenv("CONDUCTOR_ITERATION_YIELD"); v != "" {
		c.IterationYield = Duration(parseDurationOrDefault(v, c.IterationYield.Std()))
	}
	if v := os.Getenv("CONDUCTOR_RETRY_UNIT"); v != "" {
		c.RetryUnit = Duration(parseDurationOrDefault(v, c.RetryUnit.Std()))
	}
	if v := os.Getenv("CONDUCTOR_RETENTION"); v != "" {
		c.Retention = Duration(parseDurationOrDefault(v, c.Retention.Std()))
	}
	if v := os.Getenv("CONDUCTOR_DEFAULT_MAX_RETRIES"); v != "" {
		c.DefaultMaxRetries = parseIntOrDefault(v, c.DefaultMaxRetries)
	}
	if v := os.Getenv("CONDUCTOR_DEFAULT_RETRY_STRATEGY"); v != "" {
		c.DefaultRetryStrategy = types.RetryStrategy(v)
	}
	if v := os.Getenv("CONDUCTOR_CONDITION_FAIL_CLOSED"); v != "" {
		c.ConditionFailClosed = parseBool(v)
	}
	if v := os.Getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CONDUCTOR_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("CONDUCTOR_TRACING_ENABLED"); v != "" {
		c.TracingEnabled = parseBool(v)
	}
	if v := os.Getenv("CONDUCTOR_DISABLED_CALLBACKS"); v != "" {
		c.DisabledCallbacks = splitList(v)
	}
	if v := os.Getenv("CONDUCTOR_DEFINITIONS_DIR"); v != "" {
		c.DefinitionsDir = v
	}
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	if c.MaxParallel < 0 {
		return fmt.Errorf("max_parallel must not be negative, got %d", c.MaxParallel)
	}
	if c.DefaultMaxRetries < 0 {
		return fmt.Errorf("default_max_retries must not be negative, got %d", c.DefaultMaxRetries)
	}
	if !c.DefaultRetryStrategy.Valid() {
		return fmt.Errorf("unknown default_retry_strategy %q", c.DefaultRetryStrategy)
	}
	if c.AlertAttempts < 1 {
		return fmt.Errorf("alert_attempts must be at least 1, got %d", c.AlertAttempts)
	}
	if c.IterationYield.Std() < 0 || c.RetryUnit.Std() < 0 || c.Retention.Std() < 0 ||
		c.CallbackTimeout.Std() < 0 || c.AlertTimeout.Std() < 0 {
		return errors.New("durations must not be negative")
	}
	for i, wh := range c.AlertWebhooks {
		if wh.URL == "" {
			return fmt.Errorf("alert_webhooks[%d]: url is required", i)
		}
	}
	return nil
}

// Path returns the file the config was loaded from, or "" for defaults
func (c *Config) Path() string {
	return c.configPath
}

// TaskDefaults returns the defaults applied to task definitions
func (c *Config) TaskDefaults() types.TaskDefaults {
	return types.TaskDefaults{
		MaxRetries:    c.DefaultMaxRetries,
		RetryStrategy: c.DefaultRetryStrategy,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseIntOrDefault(s string, def int) int {
	var i int
	if _, err := fmt.Sscanf(s, "%d", &i); err != nil {
		return def
	}
	return i
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func parseBool(s string) bool {
	return s == "true" || s == "1"
}
