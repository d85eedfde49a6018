// Package telemetry wraps the agent loop's per-run and per-tool-call work
// in OpenTelemetry spans. The default TracerProvider is a no-op, so the
// core has no hard OTel dependency at runtime; a real OTLP exporter is
// opt-in via Setup.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/synapse-core/pkg/models"
)

const tracerName = "github.com/haasonsaas/synapse-core/internal/agent"

// Config configures the optional OTLP exporter. A zero-value Config keeps
// the global no-op tracer.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is the OTLP gRPC collector endpoint (e.g. "localhost:4317").
	// Empty disables export.
	Endpoint      string
	Insecure      bool
	SamplingRatio float64
}

// Setup installs a TracerProvider that exports to cfg.Endpoint over OTLP
// gRPC, and returns a shutdown function that must be called on exit. If
// cfg.Endpoint is empty, or the exporter cannot be created, it leaves the
// existing (no-op by default) global TracerProvider in place.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return noop, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return noop, fmt.Errorf("create otlp exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "synapse-core"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(name),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		res = resource.Default()
	}

	sampler := sdktrace.AlwaysSample()
	switch {
	case cfg.SamplingRatio <= 0:
		sampler = sdktrace.NeverSample()
	case cfg.SamplingRatio < 1:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRatio)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// Sink adapts the agent event stream into OpenTelemetry spans, one span per
// run and a child span per tool call, using whatever TracerProvider is
// globally installed (see Setup). It implements agent.EventSink.
type Sink struct {
	tracer trace.Tracer

	mu    sync.Mutex
	runs  map[string]trace.Span
	tools map[string]trace.Span
}

// NewSink builds a Sink from the process-global TracerProvider.
func NewSink() *Sink {
	return &Sink{
		tracer: otel.Tracer(tracerName),
		runs:   make(map[string]trace.Span),
		tools:  make(map[string]trace.Span),
	}
}

// Emit implements agent.EventSink.
func (s *Sink) Emit(ctx context.Context, e models.AgentEvent) {
	switch e.Type {
	case models.AgentEventRunStarted:
		_, span := s.tracer.Start(ctx, "agent.run")
		s.mu.Lock()
		s.runs[e.RunID] = span
		s.mu.Unlock()

	case models.AgentEventToolStarted:
		if e.Tool == nil {
			return
		}
		parent := ctx
		s.mu.Lock()
		if run, ok := s.runs[e.RunID]; ok {
			parent = trace.ContextWithSpan(ctx, run)
		}
		s.mu.Unlock()
		_, span := s.tracer.Start(parent, "agent.tool."+e.Tool.Name,
			trace.WithAttributes(attribute.String("tool.name", e.Tool.Name)))
		s.mu.Lock()
		s.tools[toolKey(e.RunID, e.Tool.CallID)] = span
		s.mu.Unlock()

	case models.AgentEventToolFinished:
		if e.Tool == nil {
			return
		}
		key := toolKey(e.RunID, e.Tool.CallID)
		s.mu.Lock()
		span, ok := s.tools[key]
		delete(s.tools, key)
		s.mu.Unlock()
		if ok {
			if !e.Tool.Success {
				span.RecordError(toolFailedError(e.Tool.Name))
			}
			span.End()
		}

	case models.AgentEventAgentEnd:
		s.mu.Lock()
		span, ok := s.runs[e.RunID]
		delete(s.runs, e.RunID)
		s.mu.Unlock()
		if ok {
			span.End()
		}
	}
}

func toolKey(runID, callID string) string { return runID + ":" + callID }

type toolFailedError string

func (e toolFailedError) Error() string { return "tool failed: " + string(e) }
