package config

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Loop.MaxIterations != 50 {
		t.Errorf("expected default MaxIterations 50, got %d", cfg.Loop.MaxIterations)
	}
	if cfg.Detector.MaxConsecutiveToolFailures != 3 {
		t.Errorf("expected default MaxConsecutiveToolFailures 3, got %d", cfg.Detector.MaxConsecutiveToolFailures)
	}
	if cfg.Detector.FailureWindowSize != 10 {
		t.Errorf("expected default FailureWindowSize 10, got %d", cfg.Detector.FailureWindowSize)
	}
	if cfg.Session.MaxSessions != 100 {
		t.Errorf("expected default MaxSessions 100, got %d", cfg.Session.MaxSessions)
	}
	if cfg.StopHook.SkillSubagentTimeoutMs != 300000 {
		t.Errorf("expected default SkillSubagentTimeoutMs 300000, got %d", cfg.StopHook.SkillSubagentTimeoutMs)
	}
	if cfg.StopHook.MaxEnhanceContextChars != 50000 {
		t.Errorf("expected default MaxEnhanceContextChars 50000, got %d", cfg.StopHook.MaxEnhanceContextChars)
	}
	if cfg.Provider.Name != "stub" {
		t.Errorf("expected default provider %q, got %q", "stub", cfg.Provider.Name)
	}
}

func TestDefaultConfigOptions(t *testing.T) {
	cfg := DefaultConfig(
		WithDatabaseURL("postgres://x"),
		WithProviderModel("claude-test"),
		WithMaxIterations(25),
	)
	if cfg.Database.URL != "postgres://x" {
		t.Errorf("expected database url override")
	}
	if cfg.Provider.Model != "claude-test" {
		t.Errorf("expected provider model override")
	}
	if cfg.Loop.MaxIterations != 25 {
		t.Errorf("expected max iterations override")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SYNAPSE_MAX_TOOL_ITERATIONS", "42")
	t.Setenv("SYNAPSE_PROVIDER_MODEL", "env-model")
	t.Setenv("SYNAPSE_LOOP_MAX_WALL_TIME", "2m")

	cfg, err := LoadEnv()
	if err != nil {
		t.Fatalf("LoadEnv() error = %v", err)
	}
	if cfg.Loop.MaxIterations != 42 {
		t.Errorf("expected MaxIterations 42, got %d", cfg.Loop.MaxIterations)
	}
	if cfg.Provider.Model != "env-model" {
		t.Errorf("expected provider model override from env")
	}
	if cfg.Loop.MaxWallTime != 2*time.Minute {
		t.Errorf("expected MaxWallTime 2m, got %s", cfg.Loop.MaxWallTime)
	}
}

func TestLoadEnvReportsMalformedValues(t *testing.T) {
	t.Setenv("SYNAPSE_MAX_TOOL_ITERATIONS", "not-a-number")

	if _, err := LoadEnv(); err == nil {
		t.Fatal("expected error for malformed SYNAPSE_MAX_TOOL_ITERATIONS")
	}
}

func TestLoadEnvDetectorAndSessionOverrides(t *testing.T) {
	t.Setenv("SYNAPSE_MAX_CONSECUTIVE_TOOL_FAILURES", "5")
	t.Setenv("SYNAPSE_FAILURE_WINDOW_SIZE", "20")
	t.Setenv("SYNAPSE_MAX_SESSIONS", "250")
	t.Setenv("SYNAPSE_SESSIONS_DIR", "/tmp/sessions")
	t.Setenv("SYNAPSE_SKILL_SUBAGENT_TIMEOUT", "60000")
	t.Setenv("SYNAPSE_MAX_ENHANCE_CONTEXT_CHARS", "1000")

	cfg, err := LoadEnv()
	if err != nil {
		t.Fatalf("LoadEnv() error = %v", err)
	}
	if cfg.Detector.MaxConsecutiveToolFailures != 5 {
		t.Errorf("expected MaxConsecutiveToolFailures 5, got %d", cfg.Detector.MaxConsecutiveToolFailures)
	}
	if cfg.Detector.FailureWindowSize != 20 {
		t.Errorf("expected FailureWindowSize 20, got %d", cfg.Detector.FailureWindowSize)
	}
	if cfg.Session.MaxSessions != 250 {
		t.Errorf("expected MaxSessions 250, got %d", cfg.Session.MaxSessions)
	}
	if cfg.Session.SessionsDir != "/tmp/sessions" {
		t.Errorf("expected SessionsDir override, got %q", cfg.Session.SessionsDir)
	}
	if cfg.StopHook.SkillSubagentTimeoutMs != 60000 {
		t.Errorf("expected SkillSubagentTimeoutMs 60000, got %d", cfg.StopHook.SkillSubagentTimeoutMs)
	}
	if cfg.StopHook.MaxEnhanceContextChars != 1000 {
		t.Errorf("expected MaxEnhanceContextChars 1000, got %d", cfg.StopHook.MaxEnhanceContextChars)
	}
}

func TestLoadFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/overlay.yaml"
	contents := []byte(`
loop:
  max_iterations: 7
provider:
  name: custom
  model: custom-1
`)
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Loop.MaxIterations != 7 {
		t.Errorf("expected overlay MaxIterations 7, got %d", cfg.Loop.MaxIterations)
	}
	if cfg.Provider.Name != "custom" {
		t.Errorf("expected overlay provider name, got %q", cfg.Provider.Name)
	}
}

func TestLoadFileMissingPathIsNotAnError(t *testing.T) {
	cfg, err := LoadFile("/nonexistent/path/does-not-exist.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Loop.MaxIterations != DefaultConfig().Loop.MaxIterations {
		t.Errorf("expected default config when overlay file is missing")
	}
}

func TestLoadFileEnvTakesPrecedenceOverBlankPath(t *testing.T) {
	t.Setenv("SYNAPSE_PROVIDER_MODEL", "env-wins")
	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Provider.Model != "env-wins" {
		t.Errorf("expected env model to apply with no overlay path")
	}
}

func TestLoadEnvSubagentOverrides(t *testing.T) {
	t.Setenv("SYNAPSE_SUBAGENT_REGISTRY_PATH", "/tmp/subagents.json")
	t.Setenv("SYNAPSE_SUBAGENT_DEFAULT_TIMEOUT_MS", "5000")

	cfg, err := LoadEnv()
	if err != nil {
		t.Fatalf("LoadEnv() error = %v", err)
	}
	if cfg.Subagent.RegistryPath != "/tmp/subagents.json" {
		t.Errorf("expected registry path override, got %q", cfg.Subagent.RegistryPath)
	}
	if cfg.Subagent.DefaultTimeoutMs != 5000 {
		t.Errorf("expected default timeout override, got %d", cfg.Subagent.DefaultTimeoutMs)
	}
}

func TestJSONSchemaIsValidAndMentionsKnownFields(t *testing.T) {
	raw, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("JSONSchema() did not produce valid JSON: %v", err)
	}

	if !strings.Contains(string(raw), "database") || !strings.Contains(string(raw), "telemetry") {
		t.Error("expected the schema to mention the database and telemetry sections")
	}
}
