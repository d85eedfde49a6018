package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a YAML overlay file and merges it onto the result of
// LoadEnv: every non-zero field in the file overrides both the default
// and any environment variable for that field. A missing path is not
// an error; callers that want strictness should stat the path themselves.
func LoadFile(path string) (*Config, error) {
	cfg, err := LoadEnv()
	if err != nil {
		return cfg, err
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	mergeOverlay(cfg, &overlay)
	return cfg, nil
}

// mergeOverlay copies non-zero fields from overlay onto cfg. It is
// intentionally shallow: each sub-config's non-zero-valued fields win.
func mergeOverlay(cfg, overlay *Config) {
	if overlay.Loop.MaxIterations != 0 {
		cfg.Loop.MaxIterations = overlay.Loop.MaxIterations
	}
	if overlay.Loop.MaxTokens != 0 {
		cfg.Loop.MaxTokens = overlay.Loop.MaxTokens
	}
	if overlay.Loop.MaxToolCalls != 0 {
		cfg.Loop.MaxToolCalls = overlay.Loop.MaxToolCalls
	}
	if overlay.Loop.MaxWallTime != 0 {
		cfg.Loop.MaxWallTime = overlay.Loop.MaxWallTime
	}
	if overlay.Detector.MaxConsecutiveToolFailures != 0 {
		cfg.Detector.MaxConsecutiveToolFailures = overlay.Detector.MaxConsecutiveToolFailures
	}
	if overlay.Detector.FailureWindowSize != 0 {
		cfg.Detector.FailureWindowSize = overlay.Detector.FailureWindowSize
	}
	if overlay.Database.URL != "" {
		cfg.Database.URL = overlay.Database.URL
	}
	if overlay.Database.MaxConnections != 0 {
		cfg.Database.MaxConnections = overlay.Database.MaxConnections
	}
	if overlay.Database.ConnMaxLifetime != 0 {
		cfg.Database.ConnMaxLifetime = overlay.Database.ConnMaxLifetime
	}
	if overlay.Provider.Name != "" {
		cfg.Provider.Name = overlay.Provider.Name
	}
	if overlay.Provider.Model != "" {
		cfg.Provider.Model = overlay.Provider.Model
	}
	if overlay.Provider.RateLimitPerSecond != 0 {
		cfg.Provider.RateLimitPerSecond = overlay.Provider.RateLimitPerSecond
	}
	if overlay.Provider.RateLimitBurst != 0 {
		cfg.Provider.RateLimitBurst = overlay.Provider.RateLimitBurst
	}
	if overlay.Session.ResetMode != "" {
		cfg.Session.ResetMode = overlay.Session.ResetMode
	}
	if overlay.Session.ResetAtHour != 0 {
		cfg.Session.ResetAtHour = overlay.Session.ResetAtHour
	}
	if overlay.Session.ResetIdleMinutes != 0 {
		cfg.Session.ResetIdleMinutes = overlay.Session.ResetIdleMinutes
	}
	if overlay.Session.MaxSessions != 0 {
		cfg.Session.MaxSessions = overlay.Session.MaxSessions
	}
	if overlay.Session.SessionsDir != "" {
		cfg.Session.SessionsDir = overlay.Session.SessionsDir
	}
	if overlay.StopHook.SkillSubagentTimeoutMs != 0 {
		cfg.StopHook.SkillSubagentTimeoutMs = overlay.StopHook.SkillSubagentTimeoutMs
	}
	if overlay.StopHook.MaxEnhanceContextChars != 0 {
		cfg.StopHook.MaxEnhanceContextChars = overlay.StopHook.MaxEnhanceContextChars
	}
	if overlay.Telemetry.Endpoint != "" {
		cfg.Telemetry.Endpoint = overlay.Telemetry.Endpoint
	}
	if overlay.Telemetry.Insecure {
		cfg.Telemetry.Insecure = overlay.Telemetry.Insecure
	}
	if overlay.Telemetry.SamplingRatio != 0 {
		cfg.Telemetry.SamplingRatio = overlay.Telemetry.SamplingRatio
	}
	if overlay.Telemetry.ServiceName != "" {
		cfg.Telemetry.ServiceName = overlay.Telemetry.ServiceName
	}
	if overlay.Telemetry.ServiceVersion != "" {
		cfg.Telemetry.ServiceVersion = overlay.Telemetry.ServiceVersion
	}
	if overlay.Subagent.RegistryPath != "" {
		cfg.Subagent.RegistryPath = overlay.Subagent.RegistryPath
	}
	if overlay.Subagent.DefaultTimeoutMs != 0 {
		cfg.Subagent.DefaultTimeoutMs = overlay.Subagent.DefaultTimeoutMs
	}
}
