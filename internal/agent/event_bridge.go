package agent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/synapse-core/pkg/models"
)

// RunEvents relays a Run's ResponseChunk stream to sink, translating the
// lifecycle it already carries (ToolEvent chunks, terminal Error) into
// models.AgentEvent and forwarding every chunk unchanged on the returned
// channel. Callers that want metrics/tracing without giving up the raw
// stream wrap Run's result with this instead of reading chunks directly:
//
//	chunks, err := loop.Run(ctx, session, msg)
//	chunks = agent.RunEvents(ctx, runID, sink, chunks)
//
// RunEvents is the bridge between the loop's chunk-oriented streaming API
// and the event-oriented EventSink consumers (metrics, telemetry): the loop
// itself only ever populates ResponseChunk's text, thinking, ToolResult,
// ToolEvent, Artifacts and Error fields, never
// ResponseChunk.Event, so sinks would otherwise see nothing.
func RunEvents(ctx context.Context, runID string, sink EventSink, chunks <-chan *ResponseChunk) <-chan *ResponseChunk {
	out := make(chan *ResponseChunk, processBufferSize)
	if sink == nil {
		// No sink configured: still normalize to a forwarding goroutine so
		// callers have one code path regardless of whether events are wired.
		go func() {
			defer close(out)
			for c := range chunks {
				out <- c
			}
		}()
		return out
	}

	var seq uint64
	nextSeq := func() uint64 { return atomic.AddUint64(&seq, 1) }
	emit := func(e models.AgentEvent) {
		e.Version = 1
		e.RunID = runID
		e.Time = time.Now()
		e.Sequence = nextSeq()
		sink.Emit(ctx, e)
	}

	go func() {
		defer close(out)
		emit(models.AgentEvent{Type: models.AgentEventRunStarted})

		result := models.AgentEndSuccess
		for c := range chunks {
			switch {
			case c.ToolEvent != nil:
				emitToolEvent(emit, c.ToolEvent)
			case c.Error != nil:
				result = models.AgentEndError
				if ctx.Err() == context.Canceled {
					result = models.AgentEndCancelled
				}
			}
			out <- c
		}

		emit(models.AgentEvent{Type: models.AgentEventAgentEnd, AgentEnd: &models.AgentEndEventPayload{Result: result}})
	}()
	return out
}

func emitToolEvent(emit func(models.AgentEvent), te *models.ToolEvent) {
	switch te.Stage {
	case models.ToolEventStarted, models.ToolEventRequested:
		emit(models.AgentEvent{
			Type: models.AgentEventToolStarted,
			Tool: &models.ToolEventPayload{CallID: te.ToolCallID, Name: te.ToolName, ArgsJSON: te.Input},
		})
	case models.ToolEventSucceeded, models.ToolEventFailed, models.ToolEventDenied:
		elapsed := time.Duration(0)
		if !te.StartedAt.IsZero() && !te.FinishedAt.IsZero() {
			elapsed = te.FinishedAt.Sub(te.StartedAt)
		}
		emit(models.AgentEvent{
			Type: models.AgentEventToolFinished,
			Tool: &models.ToolEventPayload{
				CallID:     te.ToolCallID,
				Name:       te.ToolName,
				Success:    te.Stage == models.ToolEventSucceeded,
				ResultJSON: []byte(te.Output),
				Elapsed:    elapsed,
			},
		})
	}
}
