package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	agentctx "github.com/haasonsaas/synapse-core/internal/agent/context"
	"github.com/haasonsaas/synapse-core/pkg/models"
)

func textMsg(role models.Role, text string) *models.Message {
	return &models.Message{Role: role, Blocks: []models.ContentBlock{models.TextBlock(text)}}
}

func toolResultMsg(toolUseID, content string) *models.Message {
	return &models.Message{Role: models.RoleTool, Blocks: []models.ContentBlock{
		models.ToolResultBlock(toolUseID, content, false),
	}}
}

func TestDefaultCompactionConfig(t *testing.T) {
	config := DefaultCompactionConfig()

	if !config.Enabled {
		t.Error("Enabled should be true by default")
	}
	if config.ThresholdPercent != 80 {
		t.Errorf("ThresholdPercent = %d, want 80", config.ThresholdPercent)
	}
	if config.OffloadMinChars != 4000 {
		t.Errorf("OffloadMinChars = %d, want 4000", config.OffloadMinChars)
	}
}

func TestCompactionManager_NewWithNilConfig(t *testing.T) {
	manager := NewCompactionManager(nil, nil)

	if manager.config == nil {
		t.Fatal("config should be set to default")
	}
	if manager.config.ThresholdPercent != 80 {
		t.Errorf("ThresholdPercent = %d, want 80 (default)", manager.config.ThresholdPercent)
	}
}

func TestCompactionManager_GetState_UnknownSession(t *testing.T) {
	manager := NewCompactionManager(DefaultCompactionConfig(), nil)

	if state := manager.GetState("unknown-session"); state != CompactionIdle {
		t.Errorf("state = %s, want %s", state, CompactionIdle)
	}
}

func TestCompactionManager_GetUsage_UnknownSession(t *testing.T) {
	manager := NewCompactionManager(DefaultCompactionConfig(), nil)

	if usage := manager.GetUsage("unknown-session"); usage != 0 {
		t.Errorf("usage = %d, want 0", usage)
	}
}

func TestCompactionManager_GetInfo_UnknownSession(t *testing.T) {
	config := DefaultCompactionConfig()
	manager := NewCompactionManager(config, nil)

	info := manager.GetInfo("unknown-session")
	if info == nil {
		t.Fatal("info should not be nil")
	}
	if info.SessionID != "unknown-session" {
		t.Errorf("SessionID = %q, want %q", info.SessionID, "unknown-session")
	}
	if info.State != CompactionIdle {
		t.Errorf("State = %s, want %s", info.State, CompactionIdle)
	}
	if info.Threshold != config.ThresholdPercent {
		t.Errorf("Threshold = %d, want %d", info.Threshold, config.ThresholdPercent)
	}
}

func TestCompactionManager_Reset(t *testing.T) {
	manager := NewCompactionManager(DefaultCompactionConfig(), nil)

	manager.mu.Lock()
	manager.sessions["session-1"] = &sessionCompaction{
		state:        CompactionOffloading,
		usagePercent: 85,
	}
	manager.mu.Unlock()

	if manager.GetState("session-1") != CompactionOffloading {
		t.Error("expected state to be offloading before reset")
	}

	manager.Reset("session-1")

	if manager.GetState("session-1") != CompactionIdle {
		t.Error("expected state to be idle after reset")
	}
}

func TestCompactionManager_Check_Disabled(t *testing.T) {
	config := DefaultCompactionConfig()
	config.Enabled = false
	manager := NewCompactionManager(config, nil)

	result, err := manager.Check(context.Background(), "session-1", nil, nil, nil)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if result.Action != nil {
		t.Error("should not trigger when disabled")
	}
}

func TestCompactionManager_Check_NilPacker(t *testing.T) {
	manager := NewCompactionManager(DefaultCompactionConfig(), nil)

	result, err := manager.Check(context.Background(), "session-1", nil, nil, nil)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if result.Action != nil {
		t.Error("should not trigger with nil packer")
	}
}

func TestCompactionManager_Check_BelowThreshold(t *testing.T) {
	config := DefaultCompactionConfig()
	config.ThresholdPercent = 80

	packer := agentctx.NewPacker(agentctx.PackOptions{MaxChars: 100000})
	manager := NewCompactionManager(config, packer)

	history := []*models.Message{
		textMsg(models.RoleUser, "Hello"),
		textMsg(models.RoleAssistant, "Hi there!"),
	}
	incoming := textMsg(models.RoleUser, "How are you?")

	result, err := manager.Check(context.Background(), "session-1", history, incoming, nil)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if result.Action != nil {
		t.Error("should not trigger when below threshold")
	}
	if manager.GetState("session-1") != CompactionIdle {
		t.Errorf("state = %s, want %s", manager.GetState("session-1"), CompactionIdle)
	}
}

func TestCompactionManager_Check_OffloadsLargeToolResult(t *testing.T) {
	config := DefaultCompactionConfig()
	config.ThresholdPercent = 10
	config.OffloadMinChars = 50
	config.OffloadDir = t.TempDir()

	packer := agentctx.NewPacker(agentctx.PackOptions{MaxChars: 100})
	manager := NewCompactionManager(config, packer)

	var notified *models.ContextManagementEventPayload
	manager.SetContextManagedCallback(func(ctx context.Context, sessionID string, payload *models.ContextManagementEventPayload) error {
		notified = payload
		return nil
	})

	history := []*models.Message{
		toolResultMsg("tc1", strings.Repeat("x", 500)),
	}
	incoming := textMsg(models.RoleUser, "continue")

	result, err := manager.Check(context.Background(), "session-1", history, incoming, nil)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if result.Action == nil {
		t.Fatal("expected offload action")
	}
	if result.Action.Action != models.ContextActionOffload {
		t.Errorf("Action = %s, want offload", result.Action.Action)
	}
	if result.Action.BytesOffloaded != 500 {
		t.Errorf("BytesOffloaded = %d, want 500", result.Action.BytesOffloaded)
	}
	if notified == nil || notified.Action != models.ContextActionOffload {
		t.Error("expected context-managed callback to fire with offload action")
	}
	if manager.GetState("session-1") != CompactionOffloading {
		t.Errorf("state = %s, want %s", manager.GetState("session-1"), CompactionOffloading)
	}

	toolMsg := result.History[0]
	content := toolMsg.ToolResultBlocks()[0].ToolResultContent
	if !strings.HasPrefix(content, "Tool result is at: ") {
		t.Errorf("expected sentinel content, got %q", content)
	}
	path := strings.TrimPrefix(content, "Tool result is at: ")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("offloaded file missing: %v", err)
	}
	if len(data) != 500 {
		t.Errorf("offloaded file has %d bytes, want 500", len(data))
	}
	if !strings.Contains(path, filepath.Join("session-1", "offloaded")) {
		t.Errorf("offload path missing session/offloaded segment: %s", path)
	}
}

func TestCompactionManager_Check_CompactsWhenNothingToOffload(t *testing.T) {
	config := DefaultCompactionConfig()
	config.ThresholdPercent = 10
	config.KeepRecentMessages = 1

	packer := agentctx.NewPacker(agentctx.PackOptions{MaxChars: 10})
	manager := NewCompactionManager(config, packer)
	manager.SetSummarizer(agentctx.NewSummarizer(fakeSummaryProvider{}, agentctx.SummarizationConfig{
		MaxMsgsBeforeSummary: 1,
		KeepRecentMessages:   1,
	}))

	history := []*models.Message{
		textMsg(models.RoleUser, "one"),
		textMsg(models.RoleAssistant, "two"),
		textMsg(models.RoleUser, "three"),
	}
	incoming := textMsg(models.RoleUser, "four")

	result, err := manager.Check(context.Background(), "session-2", history, incoming, nil)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if result.Action == nil {
		t.Fatal("expected compact action")
	}
	if result.Action.Action != models.ContextActionCompact {
		t.Errorf("Action = %s, want compact", result.Action.Action)
	}
	if result.Summary == nil {
		t.Fatal("expected a new summary message")
	}
	if len(result.History) != 1 {
		t.Errorf("expected 1 remaining message (KeepRecentMessages=1), got %d", len(result.History))
	}
	if manager.GetState("session-2") != CompactionCompacting {
		t.Errorf("state = %s, want %s", manager.GetState("session-2"), CompactionCompacting)
	}
}

type fakeSummaryProvider struct{}

func (fakeSummaryProvider) Summarize(ctx context.Context, messages []*models.Message, maxLength int) (string, error) {
	return "summary of older turns", nil
}

func TestCompactionManager_ConcurrentAccess(t *testing.T) {
	manager := NewCompactionManager(DefaultCompactionConfig(), nil)

	var wg sync.WaitGroup
	const numGoroutines = 10

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			sessionID := "session-1"

			_ = manager.GetState(sessionID)
			_ = manager.GetUsage(sessionID)
			_ = manager.GetInfo(sessionID)

			if id%2 == 0 {
				manager.Reset(sessionID)
			}
		}(i)
	}

	wg.Wait()
}

func TestCompactionTool_Name(t *testing.T) {
	manager := NewCompactionManager(nil, nil)
	tool := NewCompactionTool(manager)

	if tool.Name() != "compaction_status" {
		t.Errorf("Name() = %q, want %q", tool.Name(), "compaction_status")
	}
}

func TestCompactionTool_Description(t *testing.T) {
	manager := NewCompactionManager(nil, nil)
	tool := NewCompactionTool(manager)

	if tool.Description() == "" {
		t.Error("Description() should not be empty")
	}
}

func TestCompactionTool_Schema(t *testing.T) {
	manager := NewCompactionManager(nil, nil)
	tool := NewCompactionTool(manager)

	schema := tool.Schema()
	if len(schema) == 0 {
		t.Fatal("Schema() should not be empty")
	}
	var decoded map[string]any
	if err := json.Unmarshal(schema, &decoded); err != nil {
		t.Fatalf("Schema() should be valid JSON: %v", err)
	}
	if decoded["type"] != "object" {
		t.Errorf("schema type = %v, want object", decoded["type"])
	}
}

func TestCompactionTool_Execute_NoSession(t *testing.T) {
	manager := NewCompactionManager(nil, nil)
	tool := NewCompactionTool(manager)

	result, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Content != "no session context" {
		t.Errorf("result = %q, want %q", result.Content, "no session context")
	}
}

func TestCompactionTool_Execute_WithSession(t *testing.T) {
	manager := NewCompactionManager(DefaultCompactionConfig(), nil)
	tool := NewCompactionTool(manager)

	manager.mu.Lock()
	manager.sessions["session-123"] = &sessionCompaction{
		state:        CompactionOffloading,
		usagePercent: 85,
	}
	manager.mu.Unlock()

	session := &models.Session{ID: "session-123"}
	ctx := WithSession(context.Background(), session)

	result, err := tool.Execute(ctx, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if result.Content == "" {
		t.Error("result should not be empty")
	}
	if !strings.Contains(result.Content, "session-123") {
		t.Errorf("result should contain session ID: %s", result.Content)
	}
	if !strings.Contains(result.Content, "offloading") {
		t.Errorf("result should contain state: %s", result.Content)
	}
}

func TestCompactionStates(t *testing.T) {
	tests := []struct {
		state    CompactionState
		expected string
	}{
		{CompactionIdle, "idle"},
		{CompactionOffloading, "offloading"},
		{CompactionCompacting, "compacting"},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if string(tt.state) != tt.expected {
				t.Errorf("CompactionState = %q, want %q", string(tt.state), tt.expected)
			}
		})
	}
}

func TestCompactionInfo_Fields(t *testing.T) {
	now := time.Now()
	info := &CompactionInfo{
		SessionID:    "session-1",
		State:        CompactionOffloading,
		UsagePercent: 85,
		LastCheck:    now,
		Threshold:    80,
	}

	if info.SessionID != "session-1" {
		t.Errorf("SessionID = %q, want %q", info.SessionID, "session-1")
	}
	if info.State != CompactionOffloading {
		t.Errorf("State = %s, want %s", info.State, CompactionOffloading)
	}
	if info.UsagePercent != 85 {
		t.Errorf("UsagePercent = %d, want 85", info.UsagePercent)
	}
	if info.Threshold != 80 {
		t.Errorf("Threshold = %d, want 80", info.Threshold)
	}
}

func TestCompactionManager_SetCallbacks(t *testing.T) {
	manager := NewCompactionManager(DefaultCompactionConfig(), nil)

	var called bool
	manager.SetContextManagedCallback(func(ctx context.Context, sessionID string, payload *models.ContextManagementEventPayload) error {
		called = true
		return nil
	})

	manager.mu.RLock()
	if manager.onContextManaged == nil {
		t.Error("callback should be set")
	}
	manager.mu.RUnlock()

	if called {
		t.Error("callback should not be called just by setting it")
	}
}
