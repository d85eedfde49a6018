package agent

import (
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/synapse-core/pkg/models"
)

// ValidationError describes one malformed tool_use block found by the
// Message Validator.
type ValidationError struct {
	Index     int
	ToolUseID string
	ToolName  string
	Message   string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("tool_use %s (%s): %s", e.ToolUseID, e.ToolName, e.Message)
}

// ValidationResult is the outcome of validating an assistant message plan.
type ValidationResult struct {
	Valid  bool
	Errors []ValidationError
}

// ValidateAssistantBlocks checks every tool_use block in an about-to-be
// appended assistant message against the Message Validator's two rules:
// (V1) input must be a non-null JSON object (arrays allowed, strings and
// primitives rejected), and (V2) id must be unique within the message.
// Malformed plans are never rejected by crashing the loop; the caller uses
// Errors to synthesize is_error tool results instead.
func ValidateAssistantBlocks(blocks []models.ContentBlock) ValidationResult {
	result := ValidationResult{Valid: true}
	seen := make(map[string]bool, len(blocks))

	for i, b := range blocks {
		if !b.IsToolUse() {
			continue
		}

		if seen[b.ToolUseID] {
			result.Valid = false
			result.Errors = append(result.Errors, ValidationError{
				Index:     i,
				ToolUseID: b.ToolUseID,
				ToolName:  b.ToolName,
				Message:   "duplicate tool_use id within this turn",
			})
			continue
		}
		seen[b.ToolUseID] = true

		if !isStructuredInput(b.ToolInput) {
			result.Valid = false
			result.Errors = append(result.Errors, ValidationError{
				Index:     i,
				ToolUseID: b.ToolUseID,
				ToolName:  b.ToolName,
				Message:   "input must be a JSON object",
			})
		}
	}

	return result
}

// isStructuredInput reports whether raw decodes to a JSON object or array.
// Empty input is treated as an empty object (tools with no parameters
// commonly send no input at all); strings, numbers, booleans, and null are
// rejected.
func isStructuredInput(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch v.(type) {
	case map[string]any, []any:
		return true
	default:
		return false
	}
}

// SyntheticErrorResults converts ValidationErrors into is_error tool_result
// blocks so the Agent Loop can keep the dialogue self-consistent instead of
// crashing on a malformed plan. Tool calls that passed validation are left
// for the normal executor to handle and are not present in the result.
func SyntheticErrorResults(errs []ValidationError) []models.ContentBlock {
	out := make([]models.ContentBlock, 0, len(errs))
	for _, e := range errs {
		out = append(out, models.ToolResultBlock(e.ToolUseID, "invalid tool call: "+e.Message, true))
	}
	return out
}
