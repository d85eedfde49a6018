// Package context provides context management for agent conversations.
//
// This package handles:
//   - Context packing: selecting which messages to include in LLM requests
//   - Rolling summaries: compressing old history into summaries
//   - Budget management: staying within token/char limits
package context

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/haasonsaas/synapse-core/pkg/models"
)

// PackOptions configures how messages are packed into context.
type PackOptions struct {
	// MaxMessages is the hard cap on number of messages to include (e.g. 60).
	MaxMessages int

	// MaxChars is the approximate character budget (cheap proxy for tokens).
	// Default: 30000 (~7500 tokens at 4 chars/token).
	MaxChars int

	// MaxToolResultChars is the max chars per tool result content.
	// Longer results are truncated. Default: 6000.
	MaxToolResultChars int

	// IncludeSummary controls whether to include the rolling summary.
	IncludeSummary bool

	// SummaryMetadataKey is the metadata key marking summary messages.
	// Default: "nexus_summary".
	SummaryMetadataKey string
}

// DefaultPackOptions returns sensible defaults for context packing.
func DefaultPackOptions() PackOptions {
	return PackOptions{
		MaxMessages:        60,
		MaxChars:           30000,
		MaxToolResultChars: 6000,
		IncludeSummary:     true,
		SummaryMetadataKey: SummaryMetadataKey,
	}
}

// Packer selects and prepares messages for LLM context.
type Packer struct {
	opts      PackOptions
	estimator *TokenEstimator
}

// NewPacker creates a new context packer with the given options.
func NewPacker(opts PackOptions) *Packer {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 60
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = 30000
	}
	if opts.MaxToolResultChars <= 0 {
		opts.MaxToolResultChars = 6000
	}
	if opts.SummaryMetadataKey == "" {
		opts.SummaryMetadataKey = SummaryMetadataKey
	}
	return &Packer{opts: opts}
}

// WithTokenEstimator attaches a TokenEstimator so PackWithDiagnostics also
// reports UsedTokens. The char-based budget still decides what is kept;
// the token count is diagnostic only. Returns p for chaining.
func (p *Packer) WithTokenEstimator(e *TokenEstimator) *Packer {
	p.estimator = e
	return p
}

// PackResult is the outcome of a packing pass: the selected messages plus
// the diagnostics explaining what was kept and dropped.
type PackResult struct {
	Messages    []*models.Message
	Diagnostics *models.ContextEventPayload
}

// Pack selects messages from history to fit within budget.
//
// The packed result includes (in order):
//  1. Summary message (if IncludeSummary and summary exists)
//  2. Recent messages from history (oldest-of-the-kept first), up to budget
//  3. The incoming user message
//
// Tool result content is truncated to MaxToolResultChars. Messages are
// selected from the end (most recent) backwards until either MaxMessages
// or MaxChars is reached.
func (p *Packer) Pack(history []*models.Message, incoming *models.Message, summary *models.Message) ([]*models.Message, error) {
	result := p.PackWithDiagnostics(history, incoming, summary)
	return result.Messages, nil
}

// PackWithDiagnostics is Pack plus a diagnostic trail: budget usage and, per
// candidate message, whether it was kept and why. Used by the Context
// Orchestrator to decide when to trigger offload/compact and by the
// context.packed event.
func (p *Packer) PackWithDiagnostics(history []*models.Message, incoming *models.Message, summary *models.Message) PackResult {
	diag := &models.ContextEventPayload{
		BudgetChars:    p.opts.MaxChars,
		BudgetMessages: p.opts.MaxMessages,
	}

	var out []*models.Message
	totalChars := 0
	totalMsgs := 0

	if p.opts.IncludeSummary && summary != nil {
		chars := p.messageChars(summary)
		totalChars += chars
		totalMsgs++
		diag.SummaryUsed = true
		diag.SummaryChars = chars
		diag.Items = append(diag.Items, models.ContextPackItem{
			ID: itemHash(summary.ID), Kind: models.ContextItemSummary, Chars: chars,
			Included: true, Reason: models.ContextReasonReserved,
		})
	}

	if incoming != nil {
		chars := p.messageChars(incoming)
		totalChars += chars
		totalMsgs++
		diag.Items = append(diag.Items, models.ContextPackItem{
			ID: itemHash(incoming.ID), Kind: models.ContextItemIncoming, Chars: chars,
			Included: true, Reason: models.ContextReasonReserved,
		})
	}

	filtered := make([]*models.Message, 0, len(history))
	for _, m := range history {
		if m == nil || p.isSummaryMessage(m) {
			continue
		}
		filtered = append(filtered, m)
	}
	diag.Candidates = len(filtered)

	// Walk from the most recent message backwards, keeping what fits.
	selectedReverse := make([]*models.Message, 0, len(filtered))
	droppedReverse := make([]*models.Message, 0)
	overBudget := false
	for i := len(filtered) - 1; i >= 0; i-- {
		m := filtered[i]
		chars := p.messageChars(m)

		if !overBudget && totalMsgs+1 <= p.opts.MaxMessages && totalChars+chars <= p.opts.MaxChars {
			selectedReverse = append(selectedReverse, m)
			totalMsgs++
			totalChars += chars
			continue
		}
		overBudget = true
		droppedReverse = append(droppedReverse, m)
	}

	selected := make([]*models.Message, len(selectedReverse))
	for i, m := range selectedReverse {
		selected[len(selectedReverse)-1-i] = m
	}

	if p.opts.IncludeSummary && summary != nil {
		out = append(out, summary)
	}
	for _, m := range selected {
		out = append(out, p.truncateToolResults(m))
		diag.Items = append(diag.Items, models.ContextPackItem{
			ID: itemHash(m.ID), Kind: classifyKind(m), Chars: p.messageChars(m),
			Included: true, Reason: models.ContextReasonIncluded,
		})
	}
	for _, m := range droppedReverse {
		diag.Items = append(diag.Items, models.ContextPackItem{
			ID: itemHash(m.ID), Kind: classifyKind(m), Chars: p.messageChars(m),
			Included: false, Reason: models.ContextReasonOverBudget,
		})
	}
	if incoming != nil {
		out = append(out, incoming)
	}

	diag.Included = len(selected)
	diag.UsedChars = totalChars
	diag.UsedMessages = totalMsgs
	diag.Dropped = len(droppedReverse)

	if p.estimator != nil {
		tokens := 0
		for _, m := range out {
			tokens += p.estimator.Count(m.Text())
		}
		diag.UsedTokens = tokens
	}

	return PackResult{Messages: out, Diagnostics: diag}
}

// classifyKind categorizes a message for diagnostics. Any message carrying
// tool_use or tool_result blocks is "tool", regardless of role, since a
// single assistant turn can mix text and tool_use blocks.
func classifyKind(m *models.Message) models.ContextItemKind {
	for _, b := range m.Blocks {
		if b.IsToolUse() || b.IsToolResult() {
			return models.ContextItemTool
		}
	}
	if m.Role == models.RoleSystem {
		return models.ContextItemSystem
	}
	return models.ContextItemHistory
}

// itemHash produces a short, stable identifier for diagnostics without
// leaking message content.
func itemHash(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:12]
}

// messageChars estimates the character count for a message.
func (p *Packer) messageChars(m *models.Message) int {
	if m == nil {
		return 0
	}
	chars := 0
	for _, b := range m.Blocks {
		chars += len(b.PlainText())
		chars += len(b.ToolInput)
	}
	return chars
}

// isSummaryMessage checks if a message is a summary marker.
func (p *Packer) isSummaryMessage(m *models.Message) bool {
	if m.Metadata == nil {
		return false
	}
	val, ok := m.Metadata[p.opts.SummaryMetadataKey]
	if !ok {
		return false
	}
	b, ok := val.(bool)
	return ok && b
}

// truncateToolResults returns a copy with truncated tool_result block content.
func (p *Packer) truncateToolResults(m *models.Message) *models.Message {
	needsTruncation := false
	for _, b := range m.Blocks {
		if b.IsToolResult() && len(b.ToolResultContent) > p.opts.MaxToolResultChars {
			needsTruncation = true
			break
		}
	}
	if !needsTruncation {
		return m
	}

	clone := *m
	clone.Blocks = make([]models.ContentBlock, len(m.Blocks))
	for i, b := range m.Blocks {
		if b.IsToolResult() && len(b.ToolResultContent) > p.opts.MaxToolResultChars {
			b.ToolResultContent = b.ToolResultContent[:p.opts.MaxToolResultChars] + "\n...[truncated]"
		}
		clone.Blocks[i] = b
	}
	return &clone
}
