package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/synapse-core/pkg/models"
)

// defaultStopHookTimeout bounds a single stop hook invocation when the hook
// itself does not honor its context. 5 minutes, overridable via
// StopHookConfig.SkillSubagentTimeoutMs.
const defaultStopHookTimeout = 5 * time.Minute

// StopHookProgress reports incremental status from a running stop hook.
// Implementations typically forward this to the event bus.
type StopHookProgress func(text string)

// StopHookResult is what a stop hook returns on success.
type StopHookResult struct {
	// Message, if non-empty, is appended to the conversation as an
	// assistant message.
	Message string
	// Data is arbitrary structured output surfaced on the event bus
	// instead of the conversation.
	Data map[string]any
}

// StopHook runs once, after the Agent Loop ends normally, and may append
// one more message to the conversation.
type StopHook interface {
	Name() string
	Run(ctx context.Context, sessionID string, messages []*models.Message, finalResponse string, onProgress StopHookProgress) (*StopHookResult, error)
}

// StopHookFunc adapts a function to the StopHook interface.
type StopHookFunc struct {
	HookName string
	Fn       func(ctx context.Context, sessionID string, messages []*models.Message, finalResponse string, onProgress StopHookProgress) (*StopHookResult, error)
}

// Name implements StopHook.
func (f StopHookFunc) Name() string { return f.HookName }

// Run implements StopHook.
func (f StopHookFunc) Run(ctx context.Context, sessionID string, messages []*models.Message, finalResponse string, onProgress StopHookProgress) (*StopHookResult, error) {
	return f.Fn(ctx, sessionID, messages, finalResponse, onProgress)
}

// StopHookPipeline runs a registered, ordered set of post-run hooks when a
// loop run ends normally (end_turn, not aborted/error/max_iterations). Each
// hook's exception is logged, never propagated; a hook's timeout is
// enforced by a wrapping race against defaultStopHookTimeout unless the
// hook honors ctx itself.
type StopHookPipeline struct {
	hooks           []StopHook
	timeout         time.Duration
	maxContextChars int
	logger          *slog.Logger
	bus             *PluginRegistry
}

// NewStopHookPipeline creates an empty pipeline. bus may be nil; when set,
// each hook's Data is emitted on it as a text event payload.
func NewStopHookPipeline(bus *PluginRegistry, logger *slog.Logger) *StopHookPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &StopHookPipeline{
		timeout: defaultStopHookTimeout,
		logger:  logger.With("component", "stop_hooks"),
		bus:     bus,
	}
}

// WithTimeout overrides the default per-hook timeout.
func (p *StopHookPipeline) WithTimeout(d time.Duration) *StopHookPipeline {
	if d > 0 {
		p.timeout = d
	}
	return p
}

// WithMaxContextChars bounds how much of finalResponse is handed to each
// hook; content beyond this is truncated (keeping the tail, since that's
// the most recent context) before Run invokes any hook. n <= 0 disables
// truncation.
func (p *StopHookPipeline) WithMaxContextChars(n int) *StopHookPipeline {
	p.maxContextChars = n
	return p
}

// Register appends a hook to the pipeline. Hooks run in registration order.
func (p *StopHookPipeline) Register(h StopHook) {
	if h == nil {
		return
	}
	p.hooks = append(p.hooks, h)
}

// Len reports how many hooks are registered, for testability.
func (p *StopHookPipeline) Len() int {
	return len(p.hooks)
}

// Run executes every registered hook in order, returning the assistant
// messages produced (one per hook that returned a non-empty Message). Hook
// panics and errors are logged and do not stop the pipeline or propagate to
// the caller, matching the spec's "main answer is still returned" contract.
func (p *StopHookPipeline) Run(ctx context.Context, sessionID string, messages []*models.Message, finalResponse string, onProgress StopHookProgress) []string {
	finalResponse = p.truncateContext(finalResponse)
	var appended []string
	for _, h := range p.hooks {
		result, err := p.runOne(ctx, h, sessionID, messages, finalResponse, onProgress)
		if err != nil {
			p.logger.Warn("stop hook failed", "hook", h.Name(), "error", err)
			continue
		}
		if result == nil {
			continue
		}
		if result.Message != "" {
			appended = append(appended, result.Message)
		}
		if len(result.Data) > 0 && p.bus != nil {
			data, err := json.Marshal(result.Data)
			if err != nil {
				p.logger.Warn("stop hook data not encodable", "hook", h.Name(), "error", err)
				continue
			}
			p.bus.Emit(ctx, models.AgentEvent{
				Type: models.AgentEventRunFinished,
				Time: time.Now(),
				Text: &models.TextEventPayload{Text: string(data)},
			})
		}
	}
	return appended
}

func (p *StopHookPipeline) runOne(ctx context.Context, h StopHook, sessionID string, messages []*models.Message, finalResponse string, onProgress StopHookProgress) (result *StopHookResult, err error) {
	hookCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type outcome struct {
		result *StopHookResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: newStopHookPanicError(h.Name(), r)}
			}
		}()
		res, err := h.Run(hookCtx, sessionID, messages, finalResponse, onProgress)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-hookCtx.Done():
		return nil, hookCtx.Err()
	}
}

// truncateContext keeps the trailing maxContextChars characters of s, the
// most recent conversation context, when a cap is configured.
func (p *StopHookPipeline) truncateContext(s string) string {
	if p.maxContextChars <= 0 || len(s) <= p.maxContextChars {
		return s
	}
	return s[len(s)-p.maxContextChars:]
}

func newStopHookPanicError(name string, r any) error {
	return fmt.Errorf("stop hook %s panicked: %v", name, r)
}
