// Package config holds plain-struct configuration for the agent core and
// its CLI, loaded from environment variables with an optional YAML overlay.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for a synapse-core process.
type Config struct {
	Loop      LoopConfig      `yaml:"loop"`
	Detector  DetectorConfig  `yaml:"detector"`
	Database  DatabaseConfig  `yaml:"database"`
	Provider  ProviderConfig  `yaml:"provider"`
	Session   SessionConfig   `yaml:"session"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Subagent  SubagentConfig  `yaml:"subagent"`
	StopHook  StopHookConfig  `yaml:"stop_hook"`
}

// LoopConfig mirrors the subset of agent.LoopConfig that is worth exposing
// as process configuration rather than wiring in code.
type LoopConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	MaxTokens     int           `yaml:"max_tokens"`
	MaxToolCalls  int           `yaml:"max_tool_calls"`
	MaxWallTime   time.Duration `yaml:"max_wall_time"`
}

// DetectorConfig configures the sliding-window failure detector shared by
// every session the loop runs.
type DetectorConfig struct {
	// MaxConsecutiveToolFailures is the countable-failure threshold that
	// stops the loop once reached within the window.
	MaxConsecutiveToolFailures int `yaml:"max_consecutive_tool_failures"`

	// FailureWindowSize is the length of the sliding window.
	FailureWindowSize int `yaml:"failure_window_size"`
}

// DatabaseConfig configures the optional SQL-backed session store.
// When URL is empty the file-backed store under Session.SessionsDir is
// used instead; the value "memory" selects the in-memory store.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ProviderConfig configures the LLM provider used by the CLI demo.
type ProviderConfig struct {
	Name               string  `yaml:"name"`
	Model              string  `yaml:"model"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst"`
}

// SessionConfig controls how sessions expire and where the file-backed
// session store keeps its index and history.
type SessionConfig struct {
	ResetMode        string `yaml:"reset_mode"`
	ResetAtHour      int    `yaml:"reset_at_hour"`
	ResetIdleMinutes int    `yaml:"reset_idle_minutes"`

	// MaxSessions caps the session index; the oldest session is evicted
	// once it's exceeded.
	MaxSessions int `yaml:"max_sessions"`

	// SessionsDir is the root directory for the file-backed session
	// store (sessions.json plus one <id>.jsonl per session). Only used
	// when Database.URL is empty.
	SessionsDir string `yaml:"sessions_dir"`
}

// TelemetryConfig configures the optional OTLP trace exporter. An empty
// Endpoint keeps the process on the no-op tracer.
type TelemetryConfig struct {
	Endpoint       string  `yaml:"endpoint"`
	Insecure       bool    `yaml:"insecure"`
	SamplingRatio  float64 `yaml:"sampling_ratio"`
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
}

// SubagentConfig controls how spawned sub-agent runs are tracked.
type SubagentConfig struct {
	// RegistryPath is where the sub-agent run registry persists its state
	// between process invocations. Empty disables persistence and keeps
	// the registry scoped to the current process only.
	RegistryPath string `yaml:"registry_path"`

	// DefaultTimeoutMs bounds a sub-agent run that doesn't set its own.
	DefaultTimeoutMs int64 `yaml:"default_timeout_ms"`
}

// StopHookConfig controls the post-run stop hook pipeline.
type StopHookConfig struct {
	// SkillSubagentTimeoutMs bounds a single stop hook invocation,
	// including any sub-agent it spawns, when the hook doesn't honor its
	// context itself.
	SkillSubagentTimeoutMs int64 `yaml:"skill_subagent_timeout_ms"`

	// MaxEnhanceContextChars caps how much of the conversation's final
	// response is handed to stop hooks; content beyond this is
	// truncated before a hook ever sees it.
	MaxEnhanceContextChars int `yaml:"max_enhance_context_chars"`
}

// Option mutates a Config during construction.
type Option func(*Config)

// WithDatabaseURL sets the database DSN used by the SQL-backed session store.
func WithDatabaseURL(url string) Option {
	return func(c *Config) { c.Database.URL = url }
}

// WithProviderModel overrides the default model name.
func WithProviderModel(model string) Option {
	return func(c *Config) { c.Provider.Model = model }
}

// WithMaxIterations overrides the loop's maximum iteration count.
func WithMaxIterations(n int) Option {
	return func(c *Config) { c.Loop.MaxIterations = n }
}

// DefaultConfig returns the baseline configuration, then applies opts.
func DefaultConfig(opts ...Option) *Config {
	cfg := &Config{
		Loop: LoopConfig{
			MaxIterations: 50,
			MaxTokens:     4096,
		},
		Detector: DetectorConfig{
			MaxConsecutiveToolFailures: 3,
			FailureWindowSize:          10,
		},
		Database: DatabaseConfig{
			MaxConnections:  10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Provider: ProviderConfig{
			Name:               "stub",
			Model:              "stub-1",
			RateLimitPerSecond: 5,
			RateLimitBurst:     5,
		},
		Session: SessionConfig{
			ResetMode:   "never",
			MaxSessions: 100,
			SessionsDir: defaultSessionsDir(),
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "synapse-core",
			SamplingRatio: 1,
		},
		Subagent: SubagentConfig{
			RegistryPath:     defaultSubagentRegistryPath(),
			DefaultTimeoutMs: 10 * 60 * 1000,
		},
		StopHook: StopHookConfig{
			SkillSubagentTimeoutMs: 300000,
			MaxEnhanceContextChars: 50000,
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// defaultSubagentRegistryPath returns ~/.synapse-core/subagents.json, or
// empty (disabling persistence) if the home directory can't be resolved.
func defaultSubagentRegistryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".synapse-core", "subagents.json")
}

// defaultSessionsDir returns ~/.synapse/sessions, or empty if the home
// directory can't be resolved.
func defaultSessionsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".synapse", "sessions")
}

// envPrefix namespaces every environment variable this package reads.
const envPrefix = "SYNAPSE_"

// LoadEnv builds a Config by applying DefaultConfig and then overriding
// fields from SYNAPSE_*-prefixed environment variables. It never fails on
// a missing variable; malformed values are reported so callers can decide
// whether to treat them as fatal.
func LoadEnv() (*Config, error) {
	cfg := DefaultConfig()

	var errs []string
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	setFloat := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, key, err))
				return
			}
			*dst = f
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	setInt("MAX_TOOL_ITERATIONS", &cfg.Loop.MaxIterations)
	setInt("LOOP_MAX_TOKENS", &cfg.Loop.MaxTokens)
	setInt("LOOP_MAX_TOOL_CALLS", &cfg.Loop.MaxToolCalls)
	setDuration("LOOP_MAX_WALL_TIME", &cfg.Loop.MaxWallTime)

	setInt("MAX_CONSECUTIVE_TOOL_FAILURES", &cfg.Detector.MaxConsecutiveToolFailures)
	setInt("FAILURE_WINDOW_SIZE", &cfg.Detector.FailureWindowSize)

	setString("DATABASE_URL", &cfg.Database.URL)
	setInt("DATABASE_MAX_CONNECTIONS", &cfg.Database.MaxConnections)
	setDuration("DATABASE_CONN_MAX_LIFETIME", &cfg.Database.ConnMaxLifetime)

	setString("PROVIDER_NAME", &cfg.Provider.Name)
	setString("PROVIDER_MODEL", &cfg.Provider.Model)
	setFloat("PROVIDER_RATE_LIMIT_PER_SECOND", &cfg.Provider.RateLimitPerSecond)
	setInt("PROVIDER_RATE_LIMIT_BURST", &cfg.Provider.RateLimitBurst)

	setString("SESSION_RESET_MODE", &cfg.Session.ResetMode)
	setInt("SESSION_RESET_AT_HOUR", &cfg.Session.ResetAtHour)
	setInt("SESSION_RESET_IDLE_MINUTES", &cfg.Session.ResetIdleMinutes)
	setInt("MAX_SESSIONS", &cfg.Session.MaxSessions)
	setString("SESSIONS_DIR", &cfg.Session.SessionsDir)

	setString("TELEMETRY_ENDPOINT", &cfg.Telemetry.Endpoint)
	setBool("TELEMETRY_INSECURE", &cfg.Telemetry.Insecure)
	setFloat("TELEMETRY_SAMPLING_RATIO", &cfg.Telemetry.SamplingRatio)
	setString("TELEMETRY_SERVICE_NAME", &cfg.Telemetry.ServiceName)
	setString("TELEMETRY_SERVICE_VERSION", &cfg.Telemetry.ServiceVersion)

	setString("SUBAGENT_REGISTRY_PATH", &cfg.Subagent.RegistryPath)
	timeoutMs := int(cfg.Subagent.DefaultTimeoutMs)
	setInt("SUBAGENT_DEFAULT_TIMEOUT_MS", &timeoutMs)
	cfg.Subagent.DefaultTimeoutMs = int64(timeoutMs)

	skillTimeoutMs := int(cfg.StopHook.SkillSubagentTimeoutMs)
	setInt("SKILL_SUBAGENT_TIMEOUT", &skillTimeoutMs)
	cfg.StopHook.SkillSubagentTimeoutMs = int64(skillTimeoutMs)
	setInt("MAX_ENHANCE_CONTEXT_CHARS", &cfg.StopHook.MaxEnhanceContextChars)

	if len(errs) > 0 {
		return cfg, fmt.Errorf("invalid environment configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}
