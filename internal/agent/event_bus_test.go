package agent

import (
	"context"
	"sync"
	"testing"

	"github.com/haasonsaas/synapse-core/pkg/models"
)

func TestPluginRegistry_Use(t *testing.T) {
	registry := NewPluginRegistry()

	if registry.Count() != 0 {
		t.Errorf("new registry should have 0 plugins, got %d", registry.Count())
	}

	registry.Use(PluginFunc(func(ctx context.Context, e models.AgentEvent) {}))

	if registry.Count() != 1 {
		t.Errorf("expected 1 plugin, got %d", registry.Count())
	}

	registry.Use(PluginFunc(func(ctx context.Context, e models.AgentEvent) {}))

	if registry.Count() != 2 {
		t.Errorf("expected 2 plugins, got %d", registry.Count())
	}
}

func TestPluginRegistry_Use_Nil(t *testing.T) {
	registry := NewPluginRegistry()
	registry.Use(nil)

	if registry.Count() != 0 {
		t.Errorf("nil plugin should not be added, got %d plugins", registry.Count())
	}
}

func TestPluginRegistry_Emit(t *testing.T) {
	registry := NewPluginRegistry()

	var received []models.AgentEvent
	var mu sync.Mutex

	registry.Use(PluginFunc(func(ctx context.Context, e models.AgentEvent) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}))

	event := models.AgentEvent{
		Type:  models.AgentEventRunStarted,
		RunID: "test-run",
	}

	registry.Emit(context.Background(), event)

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].RunID != "test-run" {
		t.Errorf("RunID = %q, want %q", received[0].RunID, "test-run")
	}
}

func TestPluginRegistry_Emit_MultiplePlugins(t *testing.T) {
	registry := NewPluginRegistry()

	var order []int
	var mu sync.Mutex

	for i := 0; i < 3; i++ {
		idx := i
		registry.Use(PluginFunc(func(ctx context.Context, e models.AgentEvent) {
			mu.Lock()
			order = append(order, idx)
			mu.Unlock()
		}))
	}

	registry.Emit(context.Background(), models.AgentEvent{})

	mu.Lock()
	defer mu.Unlock()

	if len(order) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Errorf("order[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestPluginRegistry_Emit_PanicRecovery(t *testing.T) {
	registry := NewPluginRegistry()

	var called bool
	var mu sync.Mutex

	registry.Use(PluginFunc(func(ctx context.Context, e models.AgentEvent) {
		panic("test panic")
	}))

	registry.Use(PluginFunc(func(ctx context.Context, e models.AgentEvent) {
		mu.Lock()
		called = true
		mu.Unlock()
	}))

	registry.Emit(context.Background(), models.AgentEvent{})

	mu.Lock()
	defer mu.Unlock()

	if !called {
		t.Error("second plugin should be called even after first panics")
	}
}

func TestPluginRegistry_Clear(t *testing.T) {
	registry := NewPluginRegistry()

	registry.Use(PluginFunc(func(ctx context.Context, e models.AgentEvent) {}))
	registry.Use(PluginFunc(func(ctx context.Context, e models.AgentEvent) {}))

	if registry.Count() != 2 {
		t.Fatalf("expected 2 plugins before clear")
	}

	registry.Clear()

	if registry.Count() != 0 {
		t.Errorf("expected 0 plugins after clear, got %d", registry.Count())
	}
}

func TestPluginFunc(t *testing.T) {
	var called bool

	fn := PluginFunc(func(ctx context.Context, e models.AgentEvent) {
		called = true
	})

	fn.OnEvent(context.Background(), models.AgentEvent{})

	if !called {
		t.Error("PluginFunc should call the wrapped function")
	}
}

func TestPluginRegistry_SubscribeByType(t *testing.T) {
	registry := NewPluginRegistry()

	var runStarted, toolStarted int
	registry.Subscribe(models.AgentEventRunStarted, PluginFunc(func(ctx context.Context, e models.AgentEvent) {
		runStarted++
	}))
	registry.Subscribe(models.AgentEventToolStarted, PluginFunc(func(ctx context.Context, e models.AgentEvent) {
		toolStarted++
	}))

	registry.Emit(context.Background(), models.AgentEvent{Type: models.AgentEventRunStarted})
	registry.Emit(context.Background(), models.AgentEvent{Type: models.AgentEventToolStarted})
	registry.Emit(context.Background(), models.AgentEvent{Type: models.AgentEventRunFinished})

	if runStarted != 1 {
		t.Errorf("runStarted = %d, want 1", runStarted)
	}
	if toolStarted != 1 {
		t.Errorf("toolStarted = %d, want 1", toolStarted)
	}
}

func TestPluginRegistry_Unregister(t *testing.T) {
	registry := NewPluginRegistry()

	var calls int
	id := registry.Use(PluginFunc(func(ctx context.Context, e models.AgentEvent) {
		calls++
	}))

	registry.Emit(context.Background(), models.AgentEvent{})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	if !registry.Unregister(id) {
		t.Fatal("Unregister should report success for a known id")
	}
	if registry.Unregister(id) {
		t.Fatal("Unregister should report failure for an already-removed id")
	}

	registry.Emit(context.Background(), models.AgentEvent{})
	if calls != 1 {
		t.Errorf("calls = %d after unregister, want still 1", calls)
	}
}
