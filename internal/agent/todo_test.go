package agent

import (
	"testing"

	"github.com/haasonsaas/synapse-core/pkg/models"
)

func TestTodoStore_SetGet(t *testing.T) {
	store := NewTodoStore()

	if items := store.Get("s1"); len(items) != 0 {
		t.Fatalf("expected empty list for unknown session, got %d", len(items))
	}

	items := []models.TodoItem{
		{Content: "write tests", Status: models.TodoPending},
		{Content: "ship it", Status: models.TodoInProgress},
	}
	store.Set("s1", items)

	got := store.Get("s1")
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}

	// mutate the returned slice; store's copy must not change
	got[0].Status = models.TodoCompleted
	if store.Get("s1")[0].Status != models.TodoPending {
		t.Error("Get should return a defensive copy")
	}
}

func TestTodoStore_Pending(t *testing.T) {
	store := NewTodoStore()
	store.Set("s1", []models.TodoItem{
		{Content: "a", Status: models.TodoCompleted},
		{Content: "b", Status: models.TodoPending},
		{Content: "c", Status: models.TodoInProgress},
	})

	pending := store.Pending("s1")
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending items, got %d", len(pending))
	}
	if pending[0].Content != "b" || pending[1].Content != "c" {
		t.Errorf("unexpected pending order: %+v", pending)
	}
}

func TestTodoStore_OnWrite(t *testing.T) {
	store := NewTodoStore()

	var notified string
	store.OnWrite(func(sessionID string, items []models.TodoItem) {
		notified = sessionID
	})

	store.Set("s1", []models.TodoItem{{Content: "a", Status: models.TodoPending}})

	if notified != "s1" {
		t.Errorf("OnWrite callback was not invoked with session id, got %q", notified)
	}
}

func TestTodoReminder_NoPendingItems(t *testing.T) {
	store := NewTodoStore()
	reminder := NewTodoReminder(store, TodoReminderConfig{StaleThresholdTurns: 1})

	for i := 0; i < 5; i++ {
		reminder.Tick("s1")
	}

	if r := reminder.Check("s1"); r.ShouldRemind {
		t.Error("should not remind when there are no pending items")
	}
}

func TestTodoReminder_FiresAfterThreshold(t *testing.T) {
	store := NewTodoStore()
	store.Set("s1", []models.TodoItem{{Content: "finish", Status: models.TodoPending}})
	reminder := NewTodoReminder(store, TodoReminderConfig{StaleThresholdTurns: 3})

	reminder.Tick("s1")
	reminder.Tick("s1")
	if r := reminder.Check("s1"); r.ShouldRemind {
		t.Fatal("should not remind before reaching the stale threshold")
	}

	reminder.Tick("s1")
	r := reminder.Check("s1")
	if !r.ShouldRemind {
		t.Fatal("expected a reminder once the stale threshold is reached")
	}
	if r.Text == "" || r.Items[0].Content != "finish" {
		t.Errorf("unexpected reminder payload: %+v", r)
	}
}

func TestTodoReminder_ResetsOnWrite(t *testing.T) {
	store := NewTodoStore()
	store.Set("s1", []models.TodoItem{{Content: "finish", Status: models.TodoPending}})
	reminder := NewTodoReminder(store, TodoReminderConfig{StaleThresholdTurns: 2})

	reminder.Tick("s1")
	reminder.Tick("s1")
	if r := reminder.Check("s1"); !r.ShouldRemind {
		t.Fatal("expected reminder before the store write resets the counter")
	}

	// A fresh write resets the stale-turn counter.
	store.Set("s1", []models.TodoItem{
		{Content: "finish", Status: models.TodoInProgress},
	})
	if r := reminder.Check("s1"); r.ShouldRemind {
		t.Fatal("write should reset the stale-turn counter")
	}
}

func TestTodoReminder_DefaultConfig(t *testing.T) {
	cfg := DefaultTodoReminderConfig()
	if cfg.StaleThresholdTurns <= 0 {
		t.Errorf("default StaleThresholdTurns should be positive, got %d", cfg.StaleThresholdTurns)
	}
}
