package subagent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/synapse-core/internal/agent"
	"github.com/haasonsaas/synapse-core/internal/sessions"
	"github.com/haasonsaas/synapse-core/pkg/models"
)

// Spec describes one sub-agent to spawn.
type Spec struct {
	// Type selects the built-in tool filter (explore/general/skill) unless
	// Filter is set explicitly.
	Type Type

	// Filter overrides Type's default tool filter when non-nil.
	Filter *ToolFilter

	// SystemPrompt is the sub-agent's system prompt; it does not inherit
	// the parent's skill-search prefix (primary-agent only, see
	// agent.IsSubAgentFromContext).
	SystemPrompt string

	// Task is the initial user-role message handed to the sub-agent.
	Task string

	// Sink receives the sub-agent's own event stream. Nil discards events.
	Sink agent.EventSink

	// Loop overrides the sub-agent's loop configuration. Nil uses
	// MaxIterations 10, MaxTokens 4096 and a fresh FailureDetector with
	// default thresholds; no TodoReminder or TodoStore is set and nothing
	// is inherited from the parent loop. A non-nil Loop without a
	// FailureDetector gets a fresh one, so thresholds never interact with
	// the parent's.
	Loop *agent.LoopConfig
}

// Runtime runs a parent AgenticLoop's tools/provider and spawns isolated
// children from it: same LLMProvider, a tool set filtered down per Spec,
// and an event stream, failure detector, and exhaustion budget of their
// own.
type Runtime struct {
	provider agent.LLMProvider
	parent   *agent.ToolRegistry
	sessions sessions.Store
	runs     *Registry
}

// NewRuntime builds a sub-agent spawner sharing a parent's provider, tool
// registry, and session store.
func NewRuntime(provider agent.LLMProvider, parentTools *agent.ToolRegistry, store sessions.Store) *Runtime {
	return &Runtime{provider: provider, parent: parentTools, sessions: store}
}

// WithRunRegistry attaches a Registry that every Spawn call reports its
// lifecycle to (pending -> running -> terminal). Nil leaves runs untracked.
func (r *Runtime) WithRunRegistry(registry *Registry) *Runtime {
	r.runs = registry
	return r
}

// Filtered builds the tool registry a sub-agent of the given spec may see,
// applying the Filter rules over the parent's full registry.
func (r *Runtime) Filtered(spec Spec) *agent.ToolRegistry {
	filter := spec.Filter
	if filter == nil {
		f := DefaultFilter(spec.Type)
		filter = &f
	}

	out := agent.NewToolRegistry()
	for _, t := range r.parent.AsLLMTools() {
		if filter.Allows(t.Name()) {
			out.Register(t)
		}
	}
	return out
}

// Spawn creates a fresh session, builds a loop scoped to spec's filtered
// tools and independent event stream, and runs the task to completion.
// Context is marked via agent.WithSubAgent so the child loop skips
// primary-only behaviors (skill-search prefix, TodoReminder).
func (r *Runtime) Spawn(ctx context.Context, spec Spec) (<-chan *agent.ResponseChunk, error) {
	if spec.Task == "" {
		return nil, fmt.Errorf("subagent: task is required")
	}

	session := &models.Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Title:     fmt.Sprintf("subagent:%s", spec.Type),
	}
	if err := r.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("subagent: create session: %w", err)
	}

	runID := uuid.NewString()
	if r.runs != nil {
		parentID := ""
		if parent := agent.SessionFromContext(ctx); parent != nil {
			parentID = parent.ID
		}
		r.runs.Register(runID, parentID, session.ID, spec.Task, spec.Type, 0)
		_ = r.runs.Start(runID)
	}

	cfg := spec.Loop
	if cfg == nil {
		cfg = &agent.LoopConfig{
			MaxIterations:   10,
			MaxTokens:       4096,
			FailureDetector: agent.NewFailureDetector(agent.DefaultFailureDetectorConfig()),
		}
	} else if cfg.FailureDetector == nil {
		// Every sub-agent gets its own failure budget; it must never share
		// the parent's sliding window.
		cfg.FailureDetector = agent.NewFailureDetector(agent.DefaultFailureDetectorConfig())
	}

	loop := agent.NewAgenticLoop(r.provider, r.Filtered(spec), r.sessions, cfg)
	if spec.SystemPrompt != "" {
		loop.SetDefaultSystem(spec.SystemPrompt)
	}

	childCtx := agent.WithSubAgent(ctx)
	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      models.RoleUser,
		Blocks:    []models.ContentBlock{models.TextBlock(spec.Task)},
		CreatedAt: time.Now(),
	}

	chunks, err := loop.Run(childCtx, session, msg)
	if err != nil {
		if r.runs != nil {
			_ = r.runs.Complete(runID, &Outcome{Status: StatusError, Error: err.Error()})
		}
		return nil, err
	}

	// The channel Run returns is already this sub-agent's own, independent
	// event stream (nothing fans it into the parent's). When the caller
	// also wants the events on a sink (e.g. a shared PluginRegistry), or
	// the run is tracked in a Registry, fan them out here without
	// disturbing the channel the caller reads.
	if spec.Sink == nil && r.runs == nil {
		return chunks, nil
	}

	out := make(chan *agent.ResponseChunk, 32)
	go func() {
		defer close(out)
		var lastErr error
		var lastText string
		for c := range chunks {
			if c.Event != nil && spec.Sink != nil {
				spec.Sink.Emit(childCtx, *c.Event)
			}
			if c.Error != nil {
				lastErr = c.Error
			} else if c.Text != "" {
				lastText = c.Text
			}
			out <- c
		}
		if r.runs != nil {
			if lastErr != nil {
				_ = r.runs.Complete(runID, &Outcome{Status: StatusError, Error: lastErr.Error()})
			} else {
				_ = r.runs.Complete(runID, &Outcome{Status: StatusCompleted, Result: lastText})
			}
		}
	}()
	return out, nil
}
