// Package metrics exposes Prometheus collectors for the agent loop, driven
// by the event stream rather than calls threaded through the loop itself.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/synapse-core/pkg/models"
)

// Registry bundles the collectors this package registers, so callers can
// attach them to an arbitrary *prometheus.Registry (or the default one).
type Registry struct {
	Iterations        prometheus.Counter
	ToolExecutions     *prometheus.CounterVec
	ToolDuration       *prometheus.HistogramVec
	ContextManagement *prometheus.CounterVec
	RunsFinished       *prometheus.CounterVec
}

// NewRegistry constructs the collector set and registers them on reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer for a process-wide one.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		Iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "synapse",
			Subsystem: "loop",
			Name:      "iterations_total",
			Help:      "Total agentic loop iterations started.",
		}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synapse",
			Subsystem: "tool",
			Name:      "executions_total",
			Help:      "Total tool executions, labeled by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "synapse",
			Subsystem: "tool",
			Name:      "duration_seconds",
			Help:      "Tool execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		ContextManagement: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synapse",
			Subsystem: "context",
			Name:      "management_events_total",
			Help:      "Context Orchestrator offload/compact events.",
		}, []string{"action"}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synapse",
			Subsystem: "loop",
			Name:      "runs_finished_total",
			Help:      "Agent runs finished, labeled by terminal result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		r.Iterations,
		r.ToolExecutions,
		r.ToolDuration,
		r.ContextManagement,
		r.RunsFinished,
	)
	return r
}

// Sink adapts a Registry into an agent.EventSink, translating the unified
// event stream into collector updates.
type Sink struct {
	reg *Registry
}

// NewSink wraps reg as an event sink.
func NewSink(reg *Registry) *Sink {
	return &Sink{reg: reg}
}

// Emit implements agent.EventSink.
func (s *Sink) Emit(_ context.Context, e models.AgentEvent) {
	if s.reg == nil {
		return
	}
	switch e.Type {
	case models.AgentEventIterStarted:
		s.reg.Iterations.Inc()
	case models.AgentEventToolFinished:
		if e.Tool == nil {
			return
		}
		outcome := "error"
		if e.Tool.Success {
			outcome = "success"
		}
		s.reg.ToolExecutions.WithLabelValues(e.Tool.Name, outcome).Inc()
		s.reg.ToolDuration.WithLabelValues(e.Tool.Name).Observe(e.Tool.Elapsed.Seconds())
	case models.AgentEventContextManagement:
		if e.ContextManage == nil {
			return
		}
		s.reg.ContextManagement.WithLabelValues(string(e.ContextManage.Action)).Inc()
	case models.AgentEventAgentEnd:
		if e.AgentEnd == nil {
			return
		}
		s.reg.RunsFinished.WithLabelValues(string(e.AgentEnd.Result)).Inc()
	}
}
