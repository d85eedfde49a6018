package agent

import "github.com/haasonsaas/synapse-core/pkg/models"

// repairTranscript is the History Sanitizer's single-pass repair. It walks
// history once and:
//   - tracks tool_use IDs an assistant message introduced as "pending"
//   - drops tool_result blocks that don't pair to a pending tool_use (V1/V2
//     violations, truncated histories, or out-of-order edits)
//   - strips any tool_use block left pending when the next assistant turn
//     starts (or when history ends), since a tool_use with no matching
//     tool_result would otherwise be replayed to the provider unresolved
//   - drops a message entirely if repair leaves it with zero blocks
//
// pendingOrder preserves insertion order so a tool_result missing its
// ToolUseID (legacy or malformed input) pairs to the oldest unresolved call.
func repairTranscript(history []*models.Message) []*models.Message {
	if len(history) == 0 {
		return history
	}

	pending := make(map[string]struct{})
	pendingOrder := make([]string, 0)
	repaired := make([]*models.Message, 0, len(history))

	stripPending := func() {
		if len(repaired) == 0 || len(pendingOrder) == 0 {
			pending = make(map[string]struct{})
			pendingOrder = pendingOrder[:0]
			return
		}
		last := repaired[len(repaired)-1]
		kept := make([]models.ContentBlock, 0, len(last.Blocks))
		for _, b := range last.Blocks {
			if b.IsToolUse() {
				if _, stillPending := pending[b.ToolUseID]; stillPending {
					continue
				}
			}
			kept = append(kept, b)
		}
		if len(kept) == 0 {
			repaired = repaired[:len(repaired)-1]
		} else {
			copied := *last
			copied.Blocks = kept
			repaired[len(repaired)-1] = &copied
		}
		pending = make(map[string]struct{})
		pendingOrder = pendingOrder[:0]
	}

	for _, msg := range history {
		if msg == nil {
			continue
		}

		switch msg.Role {
		case models.RoleAssistant:
			stripPending()
			for _, b := range msg.Blocks {
				if b.IsToolUse() && b.ToolUseID != "" {
					pending[b.ToolUseID] = struct{}{}
					pendingOrder = append(pendingOrder, b.ToolUseID)
				}
			}
			repaired = append(repaired, msg)
		case models.RoleTool:
			fixed := make([]models.ContentBlock, 0, len(msg.Blocks))
			for _, b := range msg.Blocks {
				if !b.IsToolResult() {
					fixed = append(fixed, b)
					continue
				}
				res := b
				if res.ToolUseID == "" && len(pendingOrder) > 0 {
					res.ToolUseID = pendingOrder[0]
				}
				if res.ToolUseID == "" {
					continue
				}
				if _, ok := pending[res.ToolUseID]; ok {
					delete(pending, res.ToolUseID)
					pendingOrder = removeID(pendingOrder, res.ToolUseID)
					fixed = append(fixed, res)
				}
			}
			if len(fixed) == 0 {
				continue
			}
			copied := *msg
			copied.Blocks = fixed
			repaired = append(repaired, &copied)
		default:
			repaired = append(repaired, msg)
		}
	}

	stripPending()
	return repaired
}

func removeID(ids []string, target string) []string {
	for i, id := range ids {
		if id == target {
			copy(ids[i:], ids[i+1:])
			return ids[:len(ids)-1]
		}
	}
	return ids
}
