package agent

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/haasonsaas/synapse-core/pkg/models"
)

// Plugin is the minimal hook interface for observing the agent event stream.
// Implementations must be fast; long operations should be async or honor ctx.
type Plugin interface {
	// OnEvent is called for each agent event during processing.
	// Implementations should not block or panic.
	OnEvent(ctx context.Context, e models.AgentEvent)
}

// PluginFunc is an adapter to allow ordinary functions to be used as plugins.
type PluginFunc func(ctx context.Context, e models.AgentEvent)

// OnEvent calls the function.
func (f PluginFunc) OnEvent(ctx context.Context, e models.AgentEvent) {
	f(ctx, e)
}

// wildcardEventType subscribes a listener to every event type.
const wildcardEventType = models.AgentEventType("*")

type subscription struct {
	id     string
	typ    models.AgentEventType
	plugin Plugin
}

// PluginRegistry is the Event Bus: a multi-subscriber overlay on top of the
// single-consumer event stream. Many observers (metrics, cost tracker,
// renderer, stop hooks) can subscribe by event type or wildcard and
// deregister independently. A subscriber's panic never reaches siblings or
// the publisher.
type PluginRegistry struct {
	mu   sync.RWMutex
	subs []subscription
}

// NewPluginRegistry creates a new, empty event bus.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{}
}

// Use registers a plugin for every event type (wildcard) and returns its
// subscription id for later removal via Unregister.
func (r *PluginRegistry) Use(p Plugin) string {
	return r.Subscribe(wildcardEventType, p)
}

// Subscribe registers a plugin for a single event type. Pass "*" (or call
// Use) to receive every event.
func (r *PluginRegistry) Subscribe(typ models.AgentEventType, p Plugin) string {
	if p == nil {
		return ""
	}
	id := uuid.New().String()
	r.mu.Lock()
	r.subs = append(r.subs, subscription{id: id, typ: typ, plugin: p})
	r.mu.Unlock()
	return id
}

// Unregister removes a previously registered subscription by id. Returns
// false if the id was not found (already removed or never registered).
func (r *PluginRegistry) Unregister(id string) bool {
	if id == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.id == id {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Emit dispatches an event, by value, to every matching subscriber
// synchronously in subscription order. A subscriber's panic is recovered so
// it cannot halt delivery to the remaining subscribers or propagate to the
// publisher.
func (r *PluginRegistry) Emit(ctx context.Context, e models.AgentEvent) {
	r.mu.RLock()
	subs := make([]subscription, len(r.subs))
	copy(subs, r.subs)
	r.mu.RUnlock()

	for _, s := range subs {
		if s.typ != wildcardEventType && s.typ != e.Type {
			continue
		}
		dispatchToPlugin(ctx, s.plugin, e)
	}
}

func dispatchToPlugin(ctx context.Context, p Plugin, e models.AgentEvent) {
	defer func() {
		_ = recover()
	}()
	p.OnEvent(ctx, e)
}

// Count returns the number of registered subscriptions, for testability.
func (r *PluginRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Reset removes every subscription, for testability.
func (r *PluginRegistry) Reset() {
	r.mu.Lock()
	r.subs = nil
	r.mu.Unlock()
}

// Clear is an alias of Reset.
func (r *PluginRegistry) Clear() {
	r.Reset()
}
