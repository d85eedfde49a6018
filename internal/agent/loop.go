package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	agentctx "github.com/haasonsaas/synapse-core/internal/agent/context"
	"github.com/haasonsaas/synapse-core/internal/jobs"
	"github.com/haasonsaas/synapse-core/internal/sessions"
	"github.com/haasonsaas/synapse-core/internal/tools/policy"
	"github.com/haasonsaas/synapse-core/pkg/models"
)

// maxConcurrentJobs bounds the number of async tool jobs the loop will run
// in its own goroutines at once, independent of the executor's semaphore.
const maxConcurrentJobs = 10

// processBufferSize is the buffer depth of the channel Run streams chunks
// through.
const processBufferSize = 32

// LoopConfig configures the agentic loop behavior including iteration limits,
// token budgets, and tool execution settings.
type LoopConfig struct {
	// MaxIterations limits the number of tool use iterations
	// Default: 50
	MaxIterations int

	// MaxTokens is the default max tokens for LLM responses
	// Default: 4096
	MaxTokens int

	// MaxToolCalls limits the total tool calls per run (0 = unlimited)
	// Default: 0
	MaxToolCalls int

	// MaxWallTime limits total run duration (0 = no limit)
	// Default: 0
	MaxWallTime time.Duration

	// ExecutorConfig configures the parallel tool executor
	ExecutorConfig *ExecutorConfig

	// EnableBackpressure enables backpressure handling for slow tools
	// Default: true
	EnableBackpressure bool

	// StreamToolResults streams tool results as they complete
	// Default: true
	StreamToolResults bool

	// DisableToolEvents disables streaming ToolEvent chunks
	// Default: false
	DisableToolEvents bool

	// RequireApproval lists tool names/patterns that require approval.
	RequireApproval []string

	// ApprovalChecker evaluates approval policy for tool calls when set.
	ApprovalChecker *ApprovalChecker

	// ElevatedTools lists tool patterns eligible for elevated full bypass.
	ElevatedTools []string

	// AsyncTools lists tool names to execute asynchronously as jobs.
	AsyncTools []string

	// JobStore receives async tool job updates.
	JobStore jobs.Store

	// ToolResultGuard redacts tool results before persistence.
	ToolResultGuard ToolResultGuard

	// ToolEvents persists tool call/result events when set.
	ToolEvents ToolEventStore

	// SummarizeConfig enables rolling conversation summarization. When set,
	// the loop summarizes older history with the default LLM provider once
	// MaxMsgsBeforeSummary is exceeded, persists the summary, and feeds it
	// back to the model as part of the system prompt.
	SummarizeConfig *agentctx.SummarizationConfig

	// Compaction runs the Context Orchestrator's offload/compact tiers
	// before each run's first model call. Nil disables context management.
	Compaction *CompactionManager

	// TodoStore backs the TodoReminder strategy. Nil disables reminders.
	TodoStore *TodoStore

	// TodoReminder nudges the model to keep working through a pending
	// todo list instead of stopping early. Only consulted on the primary
	// agent context (see WithSubAgent). Nil disables reminders.
	TodoReminder *TodoReminder

	// FailureDetector stops the run after too many consecutive tool
	// execution failures within its sliding window. Nil disables this.
	FailureDetector *FailureDetector

	// StopHooks run once after a run completes normally (end_turn), each
	// able to append one more assistant message. Nil runs none.
	StopHooks *StopHookPipeline

	// SkillSearchPrefix, when non-empty, is prefixed onto the system
	// prompt for the primary agent only, pointing the model at available
	// skills before it plans tool calls.
	SkillSearchPrefix string
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxIterations:      50,
		MaxTokens:          4096,
		MaxToolCalls:       0,
		MaxWallTime:        0,
		ExecutorConfig:     DefaultExecutorConfig(),
		EnableBackpressure: true,
		StreamToolResults:  true,
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		return DefaultLoopConfig()
	}
	cfg := *config
	defaults := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.ExecutorConfig == nil {
		cfg.ExecutorConfig = defaults.ExecutorConfig
	}
	if cfg.MaxToolCalls < 0 {
		cfg.MaxToolCalls = 0
	}
	if cfg.MaxWallTime < 0 {
		cfg.MaxWallTime = 0
	}
	return &cfg
}

// AgenticLoop implements a multi-turn agentic conversation loop.
//
// The loop operates as a state machine:
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                                                              │
//	│   ┌─────────┐     ┌──────────┐     ┌───────────────────┐   │
//	│   │  Init   │────▶│  Stream  │────▶│  Execute Tools    │   │
//	│   └─────────┘     └──────────┘     └───────────────────┘   │
//	│                          │                    │             │
//	│                          │                    │             │
//	│                          ▼                    │             │
//	│                   ┌──────────┐                │             │
//	│                   │ Complete │◀───────────────┘             │
//	│                   └──────────┘     (no tools or max iter)   │
//	│                                                              │
//	│                   ┌──────────┐                               │
//	│                   │ Continue │◀───────────────┐              │
//	│                   └──────────┘     (has tool results)       │
//	│                          │                                   │
//	│                          └───────────▶ Stream                │
//	│                                                              │
//	└──────────────────────────────────────────────────────────────┘
type AgenticLoop struct {
	provider LLMProvider
	executor *Executor
	sessions sessions.Store
	config   *LoopConfig

	defaultModel  string
	defaultSystem string

	jobSem chan struct{}
}

// NewAgenticLoop creates a new agentic loop with the given provider, tool registry, and session store.
// If config is nil, DefaultLoopConfig is used.
func NewAgenticLoop(provider LLMProvider, registry *ToolRegistry, sessionStore sessions.Store, config *LoopConfig) *AgenticLoop {
	config = sanitizeLoopConfig(config)
	if registry == nil {
		registry = NewToolRegistry()
	}

	executor := NewExecutor(registry, config.ExecutorConfig)
	if !config.EnableBackpressure {
		executor.sem = nil
	}

	return &AgenticLoop{
		provider: provider,
		executor: executor,
		sessions: sessionStore,
		config:   config,
		jobSem:   make(chan struct{}, maxConcurrentJobs),
	}
}

// SetDefaultModel sets the default model used when requests do not specify one.
func (l *AgenticLoop) SetDefaultModel(model string) {
	l.defaultModel = model
}

// SetDefaultSystem sets the default system prompt used when requests do not specify one.
func (l *AgenticLoop) SetDefaultSystem(system string) {
	l.defaultSystem = system
}

// ConfigureTool sets per-tool configuration overrides for timeout, retry, and priority.
func (l *AgenticLoop) ConfigureTool(name string, config *ToolConfig) {
	l.executor.ConfigureTool(name, config)
}

// LoopState tracks the current state of an agentic loop execution including
// phase, iteration count, accumulated messages, and pending tool operations.
type LoopState struct {
	Phase           LoopPhase
	Iteration       int
	TotalToolCalls  int
	Messages        []CompletionMessage
	PendingTools    []models.ContentBlock
	ToolResults     []models.ContentBlock
	AccumulatedText string
	LastError       error
	AssistantMsgID  string

	// HistorySystemText is text pulled from system-role history messages,
	// packed into the completion request's System field instead of being
	// sent as a regular message.
	HistorySystemText string

	// Summary is the latest rolling summary message for the session, if
	// summarization is enabled and one exists.
	Summary *models.Message
}

// Run executes the agentic loop and streams results through a channel.
// The channel is closed when the loop completes or an error occurs.
func (l *AgenticLoop) Run(ctx context.Context, session *models.Session, msg *models.Message) (<-chan *ResponseChunk, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	if l.config == nil {
		return nil, errors.New("loop config is nil")
	}
	if session == nil {
		return nil, errors.New("session is nil")
	}
	if msg == nil {
		return nil, errors.New("message is nil")
	}
	if l.sessions == nil {
		return nil, errors.New("no session store configured")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if l.config.MaxWallTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, l.config.MaxWallTime)
	}
	runCtx = WithSession(runCtx, session)

	chunks := make(chan *ResponseChunk, processBufferSize)

	go func() {
		defer close(chunks)
		if cancel != nil {
			defer cancel()
		}

		state := &LoopState{
			Phase:     PhaseInit,
			Iteration: 0,
		}

		// Initialize: Load history and build initial messages
		if err := l.initializeState(runCtx, session, msg, state); err != nil {
			chunks <- &ResponseChunk{Error: &LoopError{
				Phase:     PhaseInit,
				Iteration: 0,
				Cause:     err,
			}}
			return
		}

		if err := l.persistInboundMessage(runCtx, session, msg); err != nil {
			chunks <- &ResponseChunk{Error: &LoopError{
				Phase:     PhaseInit,
				Iteration: 0,
				Cause:     err,
			}}
			return
		}

		// Main loop
		for state.Iteration < l.config.MaxIterations {
			select {
			case <-runCtx.Done():
				chunks <- &ResponseChunk{Error: &LoopError{
					Phase:     state.Phase,
					Iteration: state.Iteration,
					Cause:     runCtx.Err(),
				}}
				return
			default:
			}

			// Stream phase: Call LLM and collect response
			state.Phase = PhaseStream
			toolCalls, err := l.streamPhase(runCtx, state, chunks)
			if err != nil {
				chunks <- &ResponseChunk{Error: &LoopError{
					Phase:     PhaseStream,
					Iteration: state.Iteration,
					Cause:     err,
				}}
				return
			}

			if l.config.MaxToolCalls > 0 && state.TotalToolCalls+len(toolCalls) > l.config.MaxToolCalls {
				chunks <- &ResponseChunk{Error: &LoopError{
					Phase:     PhaseStream,
					Iteration: state.Iteration,
					Cause:     fmt.Errorf("tool calls exceed maximum of %d for run", l.config.MaxToolCalls),
				}}
				return
			}
			state.TotalToolCalls += len(toolCalls)

			// Message Validator: malformed tool_use blocks stay in the
			// assistant message (pairing, I3/I4, requires a result for
			// every tool_use issued) but never reach the executor. Each
			// gets a synthetic is_error tool_result instead of crashing
			// the run.
			validation := ValidateAssistantBlocks(toolCalls)
			syntheticResults := SyntheticErrorResults(validation.Errors)
			executableCalls := toolCalls
			if !validation.Valid {
				invalidIdx := make(map[int]bool, len(validation.Errors))
				for _, e := range validation.Errors {
					invalidIdx[e.Index] = true
				}
				executableCalls = make([]models.ContentBlock, 0, len(toolCalls))
				for i, tc := range toolCalls {
					if invalidIdx[i] {
						continue
					}
					executableCalls = append(executableCalls, tc)
				}
			}

			assistantMsgID, err := l.persistAssistantMessage(runCtx, session, state, toolCalls)
			if err != nil {
				chunks <- &ResponseChunk{Error: &LoopError{
					Phase:     PhaseStream,
					Iteration: state.Iteration,
					Cause:     err,
				}}
				return
			}
			state.AssistantMsgID = assistantMsgID

			l.persistToolCalls(runCtx, session, assistantMsgID, toolCalls)

			// If no valid tool calls were planned, check the TodoReminder
			// strategy before finishing: the primary agent gets nudged
			// back into the loop if it tried to stop with pending work.
			if len(executableCalls) == 0 && len(syntheticResults) == 0 {
				if l.config.TodoReminder != nil && !IsSubAgentFromContext(runCtx) {
					if reminder := l.config.TodoReminder.Check(session.ID); reminder.ShouldRemind {
						l.config.TodoReminder.Tick(session.ID)
						l.addAssistantMessage(state, toolCalls)
						reminderMsg := &models.Message{
							ID:        uuid.NewString(),
							SessionID: session.ID,
							Role:      models.RoleUser,
							Blocks:    []models.ContentBlock{models.TextBlock(reminder.Text)},
							CreatedAt: time.Now(),
						}
						if err := l.appendMessage(runCtx, session, reminderMsg); err != nil {
							chunks <- &ResponseChunk{Error: &LoopError{
								Phase:     PhaseStream,
								Iteration: state.Iteration,
								Cause:     err,
							}}
							return
						}
						state.Messages = append(state.Messages, CompletionMessage{
							Role:   string(models.RoleUser),
							Blocks: reminderMsg.Blocks,
						})
						state.AccumulatedText = ""
						state.Iteration++
						continue
					}
				}
				if l.config.TodoReminder != nil {
					l.config.TodoReminder.Tick(session.ID)
				}
				l.addAssistantMessage(state, toolCalls)
				state.AccumulatedText = ""
				state.Phase = PhaseComplete
				if l.config.StopHooks != nil {
					l.runStopHooks(runCtx, session, state, chunks)
				}
				return
			}
			if l.config.TodoReminder != nil {
				l.config.TodoReminder.Tick(session.ID)
			}

			// Execute tools phase
			state.Phase = PhaseExecuteTools
			state.PendingTools = executableCalls

			execResults, err := l.executeToolsPhase(runCtx, session, state, chunks)
			if err != nil {
				chunks <- &ResponseChunk{Error: &LoopError{
					Phase:     PhaseExecuteTools,
					Iteration: state.Iteration,
					Cause:     err,
				}}
				return
			}

			toolResults := mergeToolResults(toolCalls, executableCalls, execResults, syntheticResults)

			if l.config.FailureDetector != nil {
				categories := make([]models.FailureCategory, 0, len(toolResults))
				for _, r := range toolResults {
					categories = append(categories, ClassifyToolResult(r))
				}
				l.config.FailureDetector.RecordTurn(session.ID, categories)
				if l.config.FailureDetector.ShouldStop(session.ID) {
					if err := l.persistToolMessage(runCtx, session, toolCalls, toolResults); err != nil {
						chunks <- &ResponseChunk{Error: &LoopError{
							Phase:     PhaseExecuteTools,
							Iteration: state.Iteration,
							Cause:     err,
						}}
						return
					}
					chunks <- &ResponseChunk{Error: &LoopError{
						Phase:     PhaseExecuteTools,
						Iteration: state.Iteration,
						Cause:     ErrFailureThreshold,
						Message:   "Consecutive tool execution failures; stopping.",
					}}
					return
				}
			}

			if err := l.persistToolMessage(runCtx, session, toolCalls, toolResults); err != nil {
				chunks <- &ResponseChunk{Error: &LoopError{
					Phase:     PhaseExecuteTools,
					Iteration: state.Iteration,
					Cause:     err,
				}}
				return
			}

			// Continue phase: Add tool results to messages
			state.Phase = PhaseContinue
			l.continuePhase(state, toolCalls, toolResults)

			state.Iteration++
		}

		// Max iterations reached
		chunks <- &ResponseChunk{Error: &LoopError{
			Phase:     state.Phase,
			Iteration: state.Iteration,
			Cause:     ErrMaxIterations,
			Message:   fmt.Sprintf("Reached tool iteration limit (%d); stopping.", l.config.MaxIterations),
		}}
	}()

	return chunks, nil
}

// initializeState loads conversation history, runs rolling summarization if
// configured, and sets up initial state.
func (l *AgenticLoop) initializeState(ctx context.Context, session *models.Session, msg *models.Message, state *LoopState) error {
	history, err := l.sessions.GetHistory(ctx, session.ID, 50)
	if err != nil {
		return fmt.Errorf("failed to get history: %w", err)
	}

	history = repairTranscript(history)

	summary := agentctx.FindLatestSummary(history)
	if l.config.SummarizeConfig != nil {
		summarizer := agentctx.NewSummarizer(&llmSummaryProvider{provider: l.provider, model: l.defaultModel}, *l.config.SummarizeConfig)
		if summarizer.ShouldSummarize(history, summary) {
			newSummary, err := summarizer.Summarize(ctx, session.ID, history, summary)
			if err != nil {
				return fmt.Errorf("summarization failed: %w", err)
			}
			if newSummary != nil {
				if err := l.appendMessage(ctx, session, newSummary); err != nil {
					return fmt.Errorf("failed to persist summary: %w", err)
				}
				keep := l.config.SummarizeConfig.KeepRecentMessages
				if keep <= 0 {
					keep = 10
				}
				recent := filterSummaryMessages(agentctx.MessagesSinceSummary(history, summary))
				if len(recent) > keep {
					recent = recent[len(recent)-keep:]
				}
				history = recent
				summary = newSummary
			}
		}
	}
	if l.config.Compaction != nil {
		result, err := l.config.Compaction.Check(ctx, session.ID, history, msg, summary)
		if err != nil {
			return fmt.Errorf("context check: %w", err)
		}
		if result != nil && result.Action != nil {
			if result.History != nil {
				history = result.History
			}
			if result.Summary != nil {
				summary = result.Summary
			}
		}
	}
	state.Summary = summary

	// Build messages from history, pulling system-role turns out into
	// HistorySystemText instead of sending them as regular messages.
	state.Messages = make([]CompletionMessage, 0, len(history)+1)
	var systemTexts []string
	for _, m := range history {
		if m == nil || isSummaryMessage(m) {
			continue
		}
		if m.Role == models.RoleSystem {
			if text := m.Text(); text != "" {
				systemTexts = append(systemTexts, text)
			}
			continue
		}
		state.Messages = append(state.Messages, CompletionMessage{
			Role:   string(m.Role),
			Blocks: m.Blocks,
		})
	}
	state.HistorySystemText = strings.Join(systemTexts, "\n\n")

	// Add the new message
	role := msg.Role
	if role == "" {
		role = models.RoleUser
	}
	state.Messages = append(state.Messages, CompletionMessage{
		Role:   string(role),
		Blocks: msg.Blocks,
	})

	return nil
}

// isSummaryMessage reports whether m is a rolling-summary message persisted
// by the summarizer.
func isSummaryMessage(m *models.Message) bool {
	if m == nil || m.Metadata == nil {
		return false
	}
	v, ok := m.Metadata[agentctx.SummaryMetadataKey]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func filterSummaryMessages(msgs []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		if isSummaryMessage(m) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// llmSummaryProvider adapts the loop's LLMProvider into an
// agentctx.SummaryProvider, so rolling summarization reuses the same model
// backend as the main conversation instead of requiring a separate one.
type llmSummaryProvider struct {
	provider LLMProvider
	model    string
}

func (p *llmSummaryProvider) Summarize(ctx context.Context, messages []*models.Message, maxLength int) (string, error) {
	req := &CompletionRequest{
		Model:  p.model,
		System: "You summarize conversations concisely and factually, preserving key decisions, open tasks, and tool outcomes.",
		Messages: []CompletionMessage{{
			Role:   "user",
			Blocks: []models.ContentBlock{models.TextBlock(agentctx.BuildSummarizationPrompt(messages, maxLength))},
		}},
		MaxTokens: 1024,
	}

	ch, err := p.provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for chunk := range ch {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		sb.WriteString(chunk.Text)
	}
	return sb.String(), nil
}

// buildAssistantBlocks assembles the content blocks for an assistant turn:
// the accumulated text (if any) followed by the tool_use blocks it issued.
func buildAssistantBlocks(text string, toolCalls []models.ContentBlock) []models.ContentBlock {
	blocks := make([]models.ContentBlock, 0, len(toolCalls)+1)
	if text != "" {
		blocks = append(blocks, models.TextBlock(text))
	}
	blocks = append(blocks, toolCalls...)
	return blocks
}

// buildSystemPrompt combines the default system prompt with any system-role
// history text and rolling summary, in that order. The skill-search
// meta-instruction prefix is only added for the primary agent; sub-agents
// (marked via WithSubAgent) never see it, matching the teacher's tool
// filtering split between primary and sub-agent contexts.
func (l *AgenticLoop) buildSystemPrompt(ctx context.Context, state *LoopState) string {
	parts := make([]string, 0, 4)
	if l.config.SkillSearchPrefix != "" && !IsSubAgentFromContext(ctx) {
		parts = append(parts, l.config.SkillSearchPrefix)
	}
	if l.defaultSystem != "" {
		parts = append(parts, l.defaultSystem)
	}
	if state.HistorySystemText != "" {
		parts = append(parts, state.HistorySystemText)
	}
	if state.Summary != nil {
		if text := state.Summary.Text(); text != "" {
			parts = append(parts, "Previous conversation summary: "+text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// streamPhase streams from the LLM and collects any tool_use blocks.
func (l *AgenticLoop) streamPhase(ctx context.Context, state *LoopState, chunks chan<- *ResponseChunk) ([]models.ContentBlock, error) {
	tools := l.executor.registry.AsLLMTools()
	if resolver, toolPolicy, ok := toolPolicyFromContext(ctx); ok {
		tools = filterToolsByPolicy(resolver, toolPolicy, tools)
	}

	// Build completion request
	req := &CompletionRequest{
		Model:     l.defaultModel,
		System:    l.buildSystemPrompt(ctx, state),
		Messages:  state.Messages,
		Tools:     tools,
		MaxTokens: l.config.MaxTokens,
	}

	// Apply context overrides (replaces rather than merges, since it reflects
	// an explicit per-call intent)
	if system, ok := systemPromptFromContext(ctx); ok {
		req.System = system
	}
	if model, ok := modelFromContext(ctx); ok {
		req.Model = model
	}

	completion, err := l.provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	// Collect response
	var toolCalls []models.ContentBlock
	var textBuilder strings.Builder

	for chunk := range completion {
		if chunk.Error != nil {
			return nil, chunk.Error
		}

		if chunk.ThinkingStart {
			chunks <- &ResponseChunk{ThinkingStart: true}
		}
		if chunk.Thinking != "" {
			chunks <- &ResponseChunk{Thinking: chunk.Thinking}
		}
		if chunk.ThinkingEnd {
			chunks <- &ResponseChunk{ThinkingEnd: true}
		}

		if chunk.Text != "" {
			if textBuilder.Len()+len(chunk.Text) > MaxResponseTextSize {
				return nil, fmt.Errorf("response text exceeds maximum size of %d bytes", MaxResponseTextSize)
			}
			textBuilder.WriteString(chunk.Text)
			chunks <- &ResponseChunk{Text: chunk.Text}
		}

		if chunk.ToolUse != nil {
			if len(toolCalls) >= MaxToolCallsPerIteration {
				return nil, fmt.Errorf("tool calls exceed maximum of %d per iteration", MaxToolCallsPerIteration)
			}
			toolCalls = append(toolCalls, *chunk.ToolUse)
		}
	}

	// Store accumulated text for message history
	state.AccumulatedText = textBuilder.String()

	return toolCalls, nil
}

// executeToolsPhase executes pending tool_use blocks in parallel.
func (l *AgenticLoop) executeToolsPhase(ctx context.Context, session *models.Session, state *LoopState, chunks chan<- *ResponseChunk) ([]models.ContentBlock, error) {
	if len(state.PendingTools) == 0 {
		return nil, nil
	}

	resolver, toolPolicy, hasPolicy := toolPolicyFromContext(ctx)
	approvalChecker := l.config.ApprovalChecker
	elevatedMode := ElevatedFromContext(ctx)

	results := make([]models.ContentBlock, len(state.PendingTools))
	artifacts := make([][]Artifact, len(state.PendingTools))
	allowedCalls := make([]models.ContentBlock, 0, len(state.PendingTools))
	allowedToOriginal := make([]int, 0, len(state.PendingTools))

	for i := range state.PendingTools {
		tc := state.PendingTools[i]

		l.emitToolEvent(chunks, &models.ToolEvent{
			ToolCallID: tc.ToolUseID,
			ToolName:   tc.ToolName,
			Stage:      models.ToolEventRequested,
			Input:      tc.ToolInput,
		})

		if hasPolicy && !resolver.IsAllowed(toolPolicy, tc.ToolName) {
			res := models.ToolResultBlockCategorized(tc.ToolUseID, "tool not allowed: "+tc.ToolName, true, models.FailurePermissionDenied)
			results[i] = res
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID:   tc.ToolUseID,
				ToolName:     tc.ToolName,
				Stage:        models.ToolEventDenied,
				Error:        res.ToolResultContent,
				PolicyReason: "tool not allowed by policy",
				FinishedAt:   time.Now(),
			})
			l.persistToolResult(ctx, session, state.AssistantMsgID, tc, res, resolver)
			continue
		}

		if approvalChecker != nil {
			decision, reason := approvalChecker.Check(ctx, session.ID, tc)
			if decision == ApprovalPending && elevatedMode == ElevatedFull && matchesToolPatterns(l.config.ElevatedTools, tc.ToolName, resolver) {
				decision = ApprovalAllowed
				reason = "elevated full"
			}
			switch decision {
			case ApprovalDenied:
				res := models.ToolResultBlockCategorized(tc.ToolUseID, "tool denied by approval policy: "+reason, true, models.FailurePermissionDenied)
				results[i] = res
				l.emitToolEvent(chunks, &models.ToolEvent{
					ToolCallID:   tc.ToolUseID,
					ToolName:     tc.ToolName,
					Stage:        models.ToolEventDenied,
					Error:        res.ToolResultContent,
					PolicyReason: reason,
					FinishedAt:   time.Now(),
				})
				l.persistToolResult(ctx, session, state.AssistantMsgID, tc, res, resolver)
				continue
			case ApprovalPending:
				var approvalID string
				if req, err := approvalChecker.CreateApprovalRequest(ctx, session.ID, session.ID, tc, reason); err == nil && req != nil {
					approvalID = req.ID
				}
				content := "approval required for tool: " + tc.ToolName
				if approvalID != "" {
					content = fmt.Sprintf("%s (id: %s)", content, approvalID)
				}
				res := models.ToolResultBlockCategorized(tc.ToolUseID, content, true, models.FailurePermissionDenied)
				results[i] = res
				l.emitToolEvent(chunks, &models.ToolEvent{
					ToolCallID:   tc.ToolUseID,
					ToolName:     tc.ToolName,
					Stage:        models.ToolEventApprovalRequired,
					Error:        res.ToolResultContent,
					PolicyReason: reason,
					FinishedAt:   time.Now(),
				})
				l.persistToolResult(ctx, session, state.AssistantMsgID, tc, res, resolver)
				continue
			}
		} else if matchesToolPatterns(l.config.RequireApproval, tc.ToolName, resolver) {
			if elevatedMode == ElevatedFull && matchesToolPatterns(l.config.ElevatedTools, tc.ToolName, resolver) {
				// bypass
			} else {
				res := models.ToolResultBlockCategorized(tc.ToolUseID, "approval required for tool: "+tc.ToolName, true, models.FailurePermissionDenied)
				results[i] = res
				l.emitToolEvent(chunks, &models.ToolEvent{
					ToolCallID: tc.ToolUseID,
					ToolName:   tc.ToolName,
					Stage:      models.ToolEventApprovalRequired,
					Error:      res.ToolResultContent,
					FinishedAt: time.Now(),
				})
				l.persistToolResult(ctx, session, state.AssistantMsgID, tc, res, resolver)
				continue
			}
		}

		if l.isAsyncTool(tc.ToolName, resolver) && l.config.JobStore != nil {
			res := l.queueAsyncJob(tc)
			results[i] = res
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID: tc.ToolUseID,
				ToolName:   tc.ToolName,
				Stage:      models.ToolEventSucceeded,
				Output:     res.ToolResultContent,
				FinishedAt: time.Now(),
			})
			l.persistToolResult(ctx, session, state.AssistantMsgID, tc, res, resolver)
			continue
		}

		allowedCalls = append(allowedCalls, tc)
		allowedToOriginal = append(allowedToOriginal, i)
	}

	for _, idx := range allowedToOriginal {
		tc := state.PendingTools[idx]
		l.emitToolEvent(chunks, &models.ToolEvent{
			ToolCallID: tc.ToolUseID,
			ToolName:   tc.ToolName,
			Stage:      models.ToolEventStarted,
			StartedAt:  time.Now(),
		})
	}

	execResults := l.executor.ExecuteAll(ctx, allowedCalls)
	for i, r := range execResults {
		origIdx := allowedToOriginal[i]
		tc := state.PendingTools[origIdx]
		if r == nil {
			results[origIdx] = models.ToolResultBlock(tc.ToolUseID, "tool execution failed", true)
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID: tc.ToolUseID,
				ToolName:   tc.ToolName,
				Stage:      models.ToolEventFailed,
				Error:      results[origIdx].ToolResultContent,
				FinishedAt: time.Now(),
			})
		} else if r.Error != nil {
			results[origIdx] = models.ToolResultBlock(r.ToolCallID, r.Error.Error(), true)
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID: r.ToolCallID,
				ToolName:   tc.ToolName,
				Stage:      models.ToolEventFailed,
				Error:      results[origIdx].ToolResultContent,
				FinishedAt: time.Now(),
			})
		} else if r.Result != nil {
			results[origIdx] = models.ToolResultBlock(r.ToolCallID, r.Result.Content, r.Result.IsError)
			artifacts[origIdx] = r.Result.Artifacts
			stage := models.ToolEventSucceeded
			if r.Result.IsError {
				stage = models.ToolEventFailed
			}
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID: r.ToolCallID,
				ToolName:   tc.ToolName,
				Stage:      stage,
				Output:     r.Result.Content,
				FinishedAt: time.Now(),
			})
		}
		l.persistToolResult(ctx, session, state.AssistantMsgID, tc, results[origIdx], resolver)
	}

	for i := range results {
		if results[i].ToolUseID == "" && i < len(state.PendingTools) {
			results[i].ToolUseID = state.PendingTools[i].ToolUseID
			results[i].Type = models.BlockToolResult
		}
	}

	if l.config.StreamToolResults {
		for i := range results {
			chunk := &ResponseChunk{ToolResult: &results[i]}
			if len(artifacts[i]) > 0 {
				chunk.Artifacts = artifacts[i]
			}
			chunks <- chunk
		}
	}

	return results, nil
}

// mergeToolResults reassembles one tool_result per entry in the original
// (unfiltered) tool_use list, pulling executed results from execResults
// (aligned to executableCalls) and synthetic validation-error results by
// ToolUseID, preserving I3/I4 ordering.
func mergeToolResults(toolCalls, executableCalls, execResults, syntheticResults []models.ContentBlock) []models.ContentBlock {
	byID := make(map[string]models.ContentBlock, len(execResults)+len(syntheticResults))
	for i, tc := range executableCalls {
		if i < len(execResults) {
			byID[tc.ToolUseID] = execResults[i]
		}
	}
	for _, r := range syntheticResults {
		byID[r.ToolUseID] = r
	}

	out := make([]models.ContentBlock, 0, len(toolCalls))
	for _, tc := range toolCalls {
		if r, ok := byID[tc.ToolUseID]; ok {
			out = append(out, r)
		}
	}
	return out
}

// runStopHooks executes the configured stop-hook pipeline after a run ends
// normally, appending any resulting message to the session as an assistant
// message. Hook failures are already absorbed by the pipeline itself.
func (l *AgenticLoop) runStopHooks(ctx context.Context, session *models.Session, state *LoopState, chunks chan<- *ResponseChunk) {
	history, err := l.sessions.GetHistory(ctx, session.ID, 0)
	if err != nil {
		return
	}
	progress := func(text string) {
		chunks <- &ResponseChunk{Text: text}
	}
	appended := l.config.StopHooks.Run(ctx, session.ID, history, state.AccumulatedText, progress)
	for _, text := range appended {
		if text == "" {
			continue
		}
		msg := &models.Message{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Role:      models.RoleAssistant,
			Blocks:    []models.ContentBlock{models.TextBlock(text)},
			CreatedAt: time.Now(),
		}
		if err := l.appendMessage(ctx, session, msg); err != nil {
			continue
		}
		chunks <- &ResponseChunk{Text: text}
	}
}

// continuePhase adds the assistant message with tool_use blocks and the
// tool_result blocks to history.
func (l *AgenticLoop) continuePhase(state *LoopState, toolCalls []models.ContentBlock, toolResults []models.ContentBlock) {
	// Add assistant message with tool calls
	l.addAssistantMessage(state, toolCalls)

	// Add tool results message
	state.Messages = append(state.Messages, CompletionMessage{
		Role:   "tool",
		Blocks: toolResults,
	})

	// Clear accumulated state
	state.AccumulatedText = ""
	state.PendingTools = nil
	state.ToolResults = nil
}

func (l *AgenticLoop) addAssistantMessage(state *LoopState, toolCalls []models.ContentBlock) {
	state.Messages = append(state.Messages, CompletionMessage{
		Role:   "assistant",
		Blocks: buildAssistantBlocks(state.AccumulatedText, toolCalls),
	})
}

func (l *AgenticLoop) persistInboundMessage(ctx context.Context, session *models.Session, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is nil")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SessionID == "" {
		msg.SessionID = session.ID
	}
	if msg.Role == "" {
		msg.Role = models.RoleUser
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	return l.appendMessage(ctx, session, msg)
}

func (l *AgenticLoop) persistAssistantMessage(ctx context.Context, session *models.Session, state *LoopState, toolCalls []models.ContentBlock) (string, error) {
	assistantMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      models.RoleAssistant,
		Blocks:    buildAssistantBlocks(state.AccumulatedText, toolCalls),
		CreatedAt: time.Now(),
	}
	if err := l.appendMessage(ctx, session, assistantMsg); err != nil {
		return "", err
	}
	return assistantMsg.ID, nil
}

func (l *AgenticLoop) persistToolMessage(ctx context.Context, session *models.Session, toolCalls []models.ContentBlock, toolResults []models.ContentBlock) error {
	if len(toolResults) == 0 {
		return nil
	}
	resolver, _, _ := toolPolicyFromContext(ctx)
	persistResults := guardToolResults(l.config.ToolResultGuard, toolCalls, toolResults, resolver)
	toolMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      models.RoleTool,
		Blocks:    persistResults,
		CreatedAt: time.Now(),
	}
	return l.appendMessage(ctx, session, toolMsg)
}

func (l *AgenticLoop) appendMessage(ctx context.Context, session *models.Session, msg *models.Message) error {
	if msg == nil {
		return nil
	}
	if l.sessions == nil {
		return errors.New("no session store configured")
	}
	return l.sessions.AppendMessage(ctx, session.ID, msg)
}

func (l *AgenticLoop) emitToolEvent(chunks chan<- *ResponseChunk, event *models.ToolEvent) {
	if l.config.DisableToolEvents || event == nil {
		return
	}
	chunks <- &ResponseChunk{ToolEvent: event}
}

func (l *AgenticLoop) persistToolCalls(ctx context.Context, session *models.Session, assistantMsgID string, toolCalls []models.ContentBlock) {
	if l.config.ToolEvents == nil || session == nil {
		return
	}
	for i := range toolCalls {
		tc := toolCalls[i]
		_ = l.config.ToolEvents.AddToolCall(ctx, session.ID, assistantMsgID, &tc)
	}
}

func (l *AgenticLoop) persistToolResult(ctx context.Context, session *models.Session, assistantMsgID string, tc models.ContentBlock, res models.ContentBlock, resolver *policy.Resolver) {
	if l.config.ToolEvents == nil || session == nil {
		return
	}
	guarded := guardToolResult(l.config.ToolResultGuard, tc.ToolName, res, resolver)
	_ = l.config.ToolEvents.AddToolResult(ctx, session.ID, assistantMsgID, &tc, &guarded)
}

func (l *AgenticLoop) isAsyncTool(name string, resolver *policy.Resolver) bool {
	return matchesToolPatterns(l.config.AsyncTools, name, resolver)
}

func (l *AgenticLoop) queueAsyncJob(tc models.ContentBlock) models.ContentBlock {
	job := &jobs.Job{
		ID:         uuid.NewString(),
		ToolName:   tc.ToolName,
		ToolCallID: tc.ToolUseID,
		Status:     jobs.StatusQueued,
		CreatedAt:  time.Now(),
	}
	if l.config.JobStore != nil {
		_ = l.config.JobStore.Create(context.Background(), job)
	}

	payload, err := json.Marshal(map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	})
	var content string
	isError := false
	if err != nil {
		content = fmt.Sprintf("failed to encode job payload: %v", err)
		isError = true
	} else {
		content = string(payload)
	}
	res := models.ToolResultBlock(tc.ToolUseID, content, isError)

	if l.config.JobStore != nil {
		if l.jobSem == nil {
			go l.runToolJob(tc, job)
		} else {
			select {
			case l.jobSem <- struct{}{}:
				go func() {
					defer func() { <-l.jobSem }()
					l.runToolJob(tc, job)
				}()
			default:
				go l.runToolJob(tc, job)
			}
		}
	}

	return res
}

func (l *AgenticLoop) runToolJob(tc models.ContentBlock, job *jobs.Job) {
	if job == nil || l.config.JobStore == nil {
		return
	}
	ctx := context.Background()
	job.Status = jobs.StatusRunning
	job.StartedAt = time.Now()
	_ = l.config.JobStore.Update(ctx, job)

	execResult := l.executor.Execute(ctx, tc)
	if execResult.Error != nil {
		job.Status = jobs.StatusFailed
		job.Error = execResult.Error.Error()
		job.FinishedAt = time.Now()
		_ = l.config.JobStore.Update(ctx, job)
		return
	}

	if execResult.Result != nil {
		res := models.ToolResultBlock(tc.ToolUseID, execResult.Result.Content, execResult.Result.IsError)
		if res.IsError {
			job.Status = jobs.StatusFailed
			job.Error = res.ToolResultContent
		} else {
			job.Status = jobs.StatusSucceeded
			job.Result = &res
		}
	} else {
		job.Status = jobs.StatusFailed
		job.Error = "tool execution failed"
	}

	job.FinishedAt = time.Now()
	_ = l.config.JobStore.Update(ctx, job)
}

// AgenticRuntime wraps the AgenticLoop to provide a Runtime-compatible interface.
// This allows the loop to be used interchangeably with the standard Runtime.
type AgenticRuntime struct {
	loop *AgenticLoop
}

// NewAgenticRuntime creates a new agentic runtime wrapping an AgenticLoop.
func NewAgenticRuntime(provider LLMProvider, sessionStore sessions.Store, config *LoopConfig) *AgenticRuntime {
	registry := NewToolRegistry()
	loop := NewAgenticLoop(provider, registry, sessionStore, config)

	return &AgenticRuntime{
		loop: loop,
	}
}

// SetDefaultModel configures the fallback model used when not specified in requests.
func (r *AgenticRuntime) SetDefaultModel(model string) {
	r.loop.SetDefaultModel(model)
}

// SetSystemPrompt configures the fallback system prompt used when not specified in requests.
func (r *AgenticRuntime) SetSystemPrompt(system string) {
	r.loop.SetDefaultSystem(system)
}

// RegisterTool adds a tool to the runtime's tool registry.
func (r *AgenticRuntime) RegisterTool(tool Tool) {
	r.loop.executor.registry.Register(tool)
}

// ConfigureTool sets per-tool configuration for timeout, retry, and priority.
func (r *AgenticRuntime) ConfigureTool(name string, config *ToolConfig) {
	r.loop.ConfigureTool(name, config)
}

// Process handles an incoming message using the agentic loop and streams results.
func (r *AgenticRuntime) Process(ctx context.Context, session *models.Session, msg *models.Message) (<-chan *ResponseChunk, error) {
	return r.loop.Run(ctx, session, msg)
}

// ExecutorMetrics returns a snapshot of metrics from the tool executor.
func (r *AgenticRuntime) ExecutorMetrics() *ExecutorMetricsSnapshot {
	return r.loop.executor.Metrics()
}
