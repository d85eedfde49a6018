// Package models provides the domain types shared across the agent
// execution core: messages, content blocks, sessions, todos, and usage
// accounting.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// ContentBlockType discriminates the ContentBlock tagged union.
type ContentBlockType string

const (
	// BlockText is plain text.
	BlockText ContentBlockType = "text"

	// BlockThinking is an opaque reasoning trace the model emitted.
	BlockThinking ContentBlockType = "thinking"

	// BlockToolUse is a model-issued tool invocation. Its ID is unique
	// within the turn that produced it (I3).
	BlockToolUse ContentBlockType = "tool_use"

	// BlockToolResult is the paired reply to a BlockToolUse.
	BlockToolResult ContentBlockType = "tool_result"

	// BlockSkillSearch is a domain-level block describing a skill lookup;
	// it serializes to text for the LLM.
	BlockSkillSearch ContentBlockType = "skill_search"

	// BlockContextSummary is a domain-level block holding a rolling
	// context summary produced by compaction.
	BlockContextSummary ContentBlockType = "context_summary"
)

// ContentBlock is a tagged union. Exactly the fields matching Type are
// meaningful; others are left zero. Unknown Types encountered while
// decoding history MUST be logged and skipped by callers, never treated
// as a parse failure (see SPEC_FULL.md Design Notes).
type ContentBlock struct {
	Type ContentBlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking          string `json:"thinking,omitempty"`
	ThinkingSignature string `json:"thinking_signature,omitempty"`

	// tool_use / tool_result share ToolUseID as the pairing key
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// tool_result
	ToolResultContent string          `json:"tool_result_content,omitempty"`
	IsError           bool            `json:"is_error,omitempty"`
	FailureCategory   FailureCategory `json:"failure_category,omitempty"`

	// skill_search
	SkillQuery   string   `json:"skill_query,omitempty"`
	SkillResults []string `json:"skill_results,omitempty"`

	// context_summary
	Summary        string `json:"summary,omitempty"`
	CompactedCount int    `json:"compacted_count,omitempty"`
}

// TextBlock constructs a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ThinkingBlock constructs a thinking content block.
func ThinkingBlock(content, signature string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Thinking: content, ThinkingSignature: signature}
}

// ToolUseBlock constructs a tool_use content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ToolUseID: id, ToolName: name, ToolInput: input}
}

// ToolResultBlock constructs a tool_result content block paired to toolUseID.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, ToolResultContent: content, IsError: isError}
}

// ToolResultBlockCategorized constructs a tool_result block already tagged
// with its failure category, for call sites that know the result never
// reached the tool (a policy or approval denial) and so must not be
// classified as an ordinary countable failure.
func ToolResultBlockCategorized(toolUseID, content string, isError bool, category FailureCategory) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, ToolResultContent: content, IsError: isError, FailureCategory: category}
}

// ContextSummaryBlock constructs a context_summary content block.
func ContextSummaryBlock(summary string, compactedCount int) ContentBlock {
	return ContentBlock{Type: BlockContextSummary, Summary: summary, CompactedCount: compactedCount}
}

// IsToolUse reports whether the block is a tool_use block.
func (b ContentBlock) IsToolUse() bool { return b.Type == BlockToolUse }

// IsToolResult reports whether the block is a tool_result block.
func (b ContentBlock) IsToolResult() bool { return b.Type == BlockToolResult }

// PlainText renders the block as a flat string for token-estimation and
// context packing, regardless of its concrete variant.
func (b ContentBlock) PlainText() string {
	switch b.Type {
	case BlockText:
		return b.Text
	case BlockThinking:
		return b.Thinking
	case BlockToolResult:
		return b.ToolResultContent
	case BlockSkillSearch:
		return b.SkillQuery
	case BlockContextSummary:
		return b.Summary
	case BlockToolUse:
		return b.ToolName + " " + string(b.ToolInput)
	default:
		return ""
	}
}

// Message is a single turn in a session's history. Messages are
// append-only inside a session until an explicit rewrite (sanitize,
// offload, compact) replaces the file atomically.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      Role           `json:"role"`
	Blocks    []ContentBlock `json:"blocks"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ToolUseBlocks returns the tool_use blocks in the message, in order.
func (m *Message) ToolUseBlocks() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Blocks {
		if b.IsToolUse() {
			out = append(out, b)
		}
	}
	return out
}

// ToolResultBlocks returns the tool_result blocks in the message, in order.
func (m *Message) ToolResultBlocks() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Blocks {
		if b.IsToolResult() {
			out = append(out, b)
		}
	}
	return out
}

// Text concatenates all text blocks, which is what the loop treats as the
// final answer when an assistant message carries no tool calls.
func (m *Message) Text() string {
	var out string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// Clone returns a deep copy so callers can mutate without aliasing the
// original history slice (mirrors the teacher's deep-clone discipline in
// its in-memory session store).
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Blocks = append([]ContentBlock(nil), m.Blocks...)
	for i, b := range c.Blocks {
		if len(b.ToolInput) > 0 {
			c.Blocks[i].ToolInput = append(json.RawMessage(nil), b.ToolInput...)
		}
		if len(b.SkillResults) > 0 {
			c.Blocks[i].SkillResults = append([]string(nil), b.SkillResults...)
		}
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// TokenUsage accumulates per-round token counts.
type TokenUsage struct {
	InputOther         int `json:"input_other"`
	Output             int `json:"output"`
	InputCacheRead     int `json:"input_cache_read"`
	InputCacheCreation int `json:"input_cache_creation"`
}

// Add accumulates another usage sample into u.
func (u *TokenUsage) Add(o TokenUsage) {
	u.InputOther += o.InputOther
	u.Output += o.Output
	u.InputCacheRead += o.InputCacheRead
	u.InputCacheCreation += o.InputCacheCreation
}

// UsageRound is one LLM round's usage, tagged with the model that produced it.
type UsageRound struct {
	Model string     `json:"model"`
	Usage TokenUsage `json:"usage"`
}

// SessionUsage is the running tally carried on a Session.
type SessionUsage struct {
	InputOther    int          `json:"input_other"`
	Output        int          `json:"output"`
	CacheRead     int          `json:"cache_read"`
	CacheCreation int          `json:"cache_creation"`
	Model         string       `json:"model,omitempty"`
	Rounds        []UsageRound `json:"rounds,omitempty"`
	TotalCost     *float64     `json:"total_cost,omitempty"`
}

// Session is a conversation thread's metadata (not its message history,
// which lives in the Store's JSONL file).
type Session struct {
	ID           string       `json:"id"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	Cwd          string       `json:"cwd,omitempty"`
	Title        string       `json:"title,omitempty"`
	MessageCount int          `json:"message_count"`
	Usage        SessionUsage `json:"usage"`
}

// TodoStatus is the lifecycle state of a TodoItem.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// TodoItem is a single entry in the process-wide todo store. The Agent
// Loop observes the store but never mutates it directly; mutations come
// through tool handlers.
type TodoItem struct {
	Content    string     `json:"content"`
	ActiveForm string     `json:"active_form"`
	Status     TodoStatus `json:"status"`
}

// FailureCategory classifies a tool failure for the Sliding-Window
// Failure Detector. Only Countable entries advance the failure window.
type FailureCategory string

const (
	FailureCountable        FailureCategory = "countable"
	FailurePermissionDenied FailureCategory = "permission_denied"
	FailureUserInterrupt    FailureCategory = "user_interrupt"
	FailureNone             FailureCategory = "" // not a failure
)

// IsCountable reports whether the category advances the failure window.
func (c FailureCategory) IsCountable() bool {
	return c == FailureCountable
}
