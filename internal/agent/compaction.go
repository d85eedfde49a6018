package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	agentctx "github.com/haasonsaas/synapse-core/internal/agent/context"
	"github.com/haasonsaas/synapse-core/pkg/models"
)

// CompactionState tracks the Context Orchestrator's status for a session.
type CompactionState string

const (
	// CompactionIdle means usage is under threshold, no action taken.
	CompactionIdle CompactionState = "idle"
	// CompactionOffloading means the cheap tier (writing large tool
	// results to disk) ran on the last check.
	CompactionOffloading CompactionState = "offloading"
	// CompactionCompacting means the fallback tier (rolling summary) ran.
	CompactionCompacting CompactionState = "compacting"
)

// CompactionConfig configures the Context Orchestrator's two tiers: a
// cheap tier that offloads oversized tool results to disk, and a fallback
// tier that summarizes old history when offload alone isn't enough.
type CompactionConfig struct {
	// Enabled turns on automatic context management.
	Enabled bool

	// ThresholdPercent is the packed-context usage percentage (0-100)
	// that triggers a pass. Default: 80.
	ThresholdPercent int

	// OffloadMinChars is the tool_result size above which its body is
	// written to disk and replaced with a sentinel. Default: 4000.
	OffloadMinChars int

	// OffloadDir is the base directory offloaded bodies are written
	// under, as OffloadDir/<sessionID>/offloaded/<toolUseID>.txt.
	OffloadDir string

	// KeepRecentMessages is how many recent messages the compact tier
	// leaves un-summarized. Default: 10.
	KeepRecentMessages int
}

// DefaultCompactionConfig returns sensible defaults.
func DefaultCompactionConfig() *CompactionConfig {
	return &CompactionConfig{
		Enabled:            true,
		ThresholdPercent:   80,
		OffloadMinChars:    4000,
		OffloadDir:         "sessions",
		KeepRecentMessages: 10,
	}
}

// CompactionManager is the Context Orchestrator: it watches packed-context
// usage and, when over threshold, runs the cheap offload tier first and
// falls back to compaction (rolling summary) only when offload finds
// nothing to shed. Both tiers run synchronously inline with the check —
// there is no interactive confirmation step.
type CompactionManager struct {
	mu         sync.RWMutex
	config     *CompactionConfig
	packer     *agentctx.Packer
	summarizer *agentctx.Summarizer
	sessions   map[string]*sessionCompaction

	onContextManaged func(ctx context.Context, sessionID string, payload *models.ContextManagementEventPayload) error
}

type sessionCompaction struct {
	state        CompactionState
	lastCheck    time.Time
	usagePercent int
}

// NewCompactionManager creates a new Context Orchestrator.
func NewCompactionManager(config *CompactionConfig, packer *agentctx.Packer) *CompactionManager {
	if config == nil {
		config = DefaultCompactionConfig()
	}
	return &CompactionManager{
		config:   config,
		packer:   packer,
		sessions: make(map[string]*sessionCompaction),
	}
}

// SetSummarizer wires in the compact-tier fallback. Without one, Check
// only ever runs the offload tier. With one, the compact tier runs only
// when the summarizer's ShouldSummarize reports more than its
// MaxMsgsBeforeSummary messages since the current summary; otherwise
// Check returns no action even though usage is over threshold.
func (m *CompactionManager) SetSummarizer(s *agentctx.Summarizer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summarizer = s
}

// SetContextManagedCallback sets the function called after an offload or
// compact pass runs, mirroring the context_management event payload.
func (m *CompactionManager) SetContextManagedCallback(fn func(ctx context.Context, sessionID string, payload *models.ContextManagementEventPayload) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onContextManaged = fn
}

// CompactionResult is the outcome of a Check pass.
type CompactionResult struct {
	// History is the (possibly rewritten) history to persist. Nil if
	// Check made no changes.
	History []*models.Message
	// Summary is the new rolling summary, set only when the compact
	// tier ran.
	Summary *models.Message
	// Action describes what happened, nil if nothing was triggered.
	Action *models.ContextManagementEventPayload
}

// Check evaluates packed-context usage and runs a tier if over threshold.
// Returns a nil CompactionResult.Action when usage is under threshold or
// the manager is disabled.
func (m *CompactionManager) Check(ctx context.Context, sessionID string, history []*models.Message, incoming *models.Message, summary *models.Message) (*CompactionResult, error) {
	if !m.config.Enabled || m.packer == nil {
		return &CompactionResult{}, nil
	}

	packed := m.packer.PackWithDiagnostics(history, incoming, summary)
	if packed.Diagnostics == nil {
		return &CompactionResult{}, nil
	}

	usagePercent := 0
	if packed.Diagnostics.BudgetChars > 0 {
		usagePercent = (packed.Diagnostics.UsedChars * 100) / packed.Diagnostics.BudgetChars
	}

	m.mu.Lock()
	session := m.sessions[sessionID]
	if session == nil {
		session = &sessionCompaction{state: CompactionIdle}
		m.sessions[sessionID] = session
	}
	session.lastCheck = time.Now()
	session.usagePercent = usagePercent
	belowThreshold := usagePercent < m.config.ThresholdPercent
	if belowThreshold {
		session.state = CompactionIdle
	}
	m.mu.Unlock()

	if belowThreshold {
		return &CompactionResult{}, nil
	}

	messagesBefore := len(history)

	if offloaded, bytesOffloaded, path, ok := m.offload(sessionID, history); ok {
		m.mu.Lock()
		session.state = CompactionOffloading
		m.mu.Unlock()

		action := &models.ContextManagementEventPayload{
			Action:         models.ContextActionOffload,
			MessagesBefore: messagesBefore,
			MessagesAfter:  len(offloaded),
			BytesOffloaded: bytesOffloaded,
			OffloadPath:    path,
		}
		if err := m.notify(ctx, sessionID, action); err != nil {
			return nil, err
		}
		return &CompactionResult{History: offloaded, Action: action}, nil
	}

	if m.summarizer == nil {
		return &CompactionResult{}, nil
	}

	newSummary, err := m.summarizer.Summarize(ctx, sessionID, history, summary)
	if err != nil {
		return nil, fmt.Errorf("compact tier: %w", err)
	}
	if newSummary == nil {
		return &CompactionResult{}, nil
	}

	keep := m.config.KeepRecentMessages
	if keep <= 0 {
		keep = 10
	}
	remaining := history
	if len(history) > keep {
		remaining = history[len(history)-keep:]
	}

	m.mu.Lock()
	session.state = CompactionCompacting
	m.mu.Unlock()

	action := &models.ContextManagementEventPayload{
		Action:         models.ContextActionCompact,
		MessagesBefore: messagesBefore,
		MessagesAfter:  len(remaining) + 1,
	}
	if err := m.notify(ctx, sessionID, action); err != nil {
		return nil, err
	}
	return &CompactionResult{History: remaining, Summary: newSummary, Action: action}, nil
}

func (m *CompactionManager) notify(ctx context.Context, sessionID string, payload *models.ContextManagementEventPayload) error {
	m.mu.RLock()
	cb := m.onContextManaged
	m.mu.RUnlock()
	if cb == nil {
		return nil
	}
	return cb(ctx, sessionID, payload)
}

// offload rewrites history, replacing any tool_result block whose content
// exceeds OffloadMinChars with a sentinel pointing at the file the body
// was written to. Returns ok=false if no block qualified.
func (m *CompactionManager) offload(sessionID string, history []*models.Message) (rewritten []*models.Message, bytesOffloaded int, lastPath string, ok bool) {
	dir := filepath.Join(m.config.OffloadDir, sessionID, "offloaded")
	rewritten = make([]*models.Message, len(history))
	copy(rewritten, history)

	for i, msg := range history {
		if msg == nil {
			continue
		}
		var changed bool
		blocks := make([]models.ContentBlock, len(msg.Blocks))
		copy(blocks, msg.Blocks)
		for j, b := range blocks {
			if !b.IsToolResult() || len(b.ToolResultContent) <= m.config.OffloadMinChars {
				continue
			}
			path, err := m.writeOffloadFile(dir, b.ToolUseID, b.ToolResultContent)
			if err != nil {
				continue
			}
			bytesOffloaded += len(b.ToolResultContent)
			lastPath = path
			blocks[j].ToolResultContent = "Tool result is at: " + path
			changed = true
		}
		if changed {
			clone := *msg
			clone.Blocks = blocks
			rewritten[i] = &clone
			ok = true
		}
	}
	if !ok {
		return nil, 0, "", false
	}
	return rewritten, bytesOffloaded, lastPath, true
}

func (m *CompactionManager) writeOffloadFile(dir, toolUseID, content string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := toolUseID
	if name == "" {
		sum := sha256.Sum256([]byte(content))
		name = hex.EncodeToString(sum[:])[:16]
	}
	path := filepath.Join(dir, name+".txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// GetState returns the Context Orchestrator's state for a session.
func (m *CompactionManager) GetState(sessionID string) CompactionState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session := m.sessions[sessionID]
	if session == nil {
		return CompactionIdle
	}
	return session.state
}

// GetUsage returns the last known context usage percentage.
func (m *CompactionManager) GetUsage(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session := m.sessions[sessionID]
	if session == nil {
		return 0
	}
	return session.usagePercent
}

// Reset clears the Context Orchestrator's state for a session.
func (m *CompactionManager) Reset(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// CompactionInfo returns diagnostic info about the orchestrator's state.
type CompactionInfo struct {
	SessionID    string          `json:"session_id"`
	State        CompactionState `json:"state"`
	UsagePercent int             `json:"usage_percent"`
	LastCheck    time.Time       `json:"last_check"`
	Threshold    int             `json:"threshold"`
}

// GetInfo returns diagnostic information for a session.
func (m *CompactionManager) GetInfo(sessionID string) *CompactionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session := m.sessions[sessionID]
	if session == nil {
		return &CompactionInfo{
			SessionID: sessionID,
			State:     CompactionIdle,
			Threshold: m.config.ThresholdPercent,
		}
	}
	return &CompactionInfo{
		SessionID:    sessionID,
		State:        session.state,
		UsagePercent: session.usagePercent,
		LastCheck:    session.lastCheck,
		Threshold:    m.config.ThresholdPercent,
	}
}

// CompactionTool exposes Context Orchestrator status to the model so it
// can explain why older turns may be missing from its own context.
type CompactionTool struct {
	manager *CompactionManager
}

// NewCompactionTool creates a tool for compaction status.
func NewCompactionTool(manager *CompactionManager) *CompactionTool {
	return &CompactionTool{manager: manager}
}

// Name returns the tool name.
func (t *CompactionTool) Name() string {
	return "compaction_status"
}

// Description returns the tool description.
func (t *CompactionTool) Description() string {
	return "Check context usage and whether older tool results were offloaded or summarized."
}

// Schema returns the tool input schema.
func (t *CompactionTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

// Execute returns compaction status.
func (t *CompactionTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	session := SessionFromContext(ctx)
	if session == nil {
		return &ToolResult{Content: "no session context"}, nil
	}

	info := t.manager.GetInfo(session.ID)
	return &ToolResult{Content: fmt.Sprintf("Session: %s\nState: %s\nUsage: %d%%\nThreshold: %d%%",
		info.SessionID, info.State, info.UsagePercent, info.Threshold)}, nil
}
