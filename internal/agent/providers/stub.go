package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/synapse-core/internal/agent"
	"github.com/haasonsaas/synapse-core/pkg/models"
)

// StubProvider is a deterministic, dependency-free agent.LLMProvider used by
// the synapse-core CLI demo and by tests that exercise the loop end to end
// without a real LLM transport. It echoes the last user message back with a
// fixed prefix and never requests a tool call, matching the "concrete LLM
// transport is out of scope" boundary: a real provider is a drop-in
// replacement since both satisfy the same interface.
type StubProvider struct {
	model string
}

// NewStubProvider creates a StubProvider that reports the given model name.
func NewStubProvider(model string) *StubProvider {
	if strings.TrimSpace(model) == "" {
		model = "stub-1"
	}
	return &StubProvider{model: model}
}

// Name implements agent.LLMProvider.
func (p *StubProvider) Name() string { return "stub" }

// SupportsTools implements agent.LLMProvider. The stub never emits tool_use
// blocks, so it reports no tool support.
func (p *StubProvider) SupportsTools() bool { return false }

// Models implements agent.LLMProvider.
func (p *StubProvider) Models() []agent.Model {
	return []agent.Model{{ID: p.model, Name: p.model, ContextSize: 32000}}
}

// Complete implements agent.LLMProvider by echoing the last user message.
func (p *StubProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if req == nil {
		return nil, fmt.Errorf("stub provider: nil request")
	}

	var lastUserText string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role != "user" {
			continue
		}
		for _, b := range req.Messages[i].Blocks {
			if b.Type == models.BlockText {
				lastUserText += b.Text
			}
		}
		break
	}

	reply := fmt.Sprintf("stub reply: %s", strings.TrimSpace(lastUserText))
	out := make(chan *agent.CompletionChunk, 2)
	go func() {
		defer close(out)
		select {
		case out <- &agent.CompletionChunk{Text: reply}:
		case <-ctx.Done():
			out <- &agent.CompletionChunk{Error: ctx.Err()}
			return
		}
		select {
		case out <- &agent.CompletionChunk{Done: true, InputTokens: len(lastUserText), OutputTokens: len(reply)}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
