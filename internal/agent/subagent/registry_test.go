package subagent

import (
	"context"
	"testing"
	"time"
)

func TestRegistry_RegisterStartComplete(t *testing.T) {
	r := NewRegistry(RegistryConfig{DefaultTimeoutMs: 1000})

	rec := r.Register("run1", "parent1", "child1", "explore the repo", TypeExplore, 0)
	if rec.TimeoutMs != 1000 {
		t.Errorf("expected default timeout to be applied, got %d", rec.TimeoutMs)
	}

	if err := r.Start("run1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.Get("run1").StartedAt.IsZero() {
		t.Error("expected StartedAt to be set")
	}

	if err := r.Complete("run1", &Outcome{Status: StatusCompleted, Result: "done"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !r.Get("run1").IsComplete() {
		t.Error("expected run to be complete")
	}
}

func TestRegistry_UnknownRun(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	if err := r.Start("missing"); err == nil {
		t.Error("expected an error starting an unknown run")
	}
	if r.Get("missing") != nil {
		t.Error("expected nil for an unknown run")
	}
}

func TestRegistry_Active(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	r.Register("run1", "p", "c1", "task a", TypeGeneral, 0)
	r.Register("run2", "p", "c2", "task b", TypeGeneral, 0)
	r.Complete("run2", &Outcome{Status: StatusCompleted})

	active := r.Active()
	if len(active) != 1 || active[0].RunID != "run1" {
		t.Errorf("expected only run1 active, got %+v", active)
	}
}

func TestRegistry_CheckTimeouts(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	r.Register("run1", "p", "c1", "slow task", TypeGeneral, 1)
	r.Start("run1")
	time.Sleep(5 * time.Millisecond)

	r.CheckTimeouts(context.Background())

	rec := r.Get("run1")
	if rec.Outcome == nil || rec.Outcome.Status != StatusTimeout {
		t.Fatalf("expected run to be marked timed out, got: %+v", rec)
	}
}

func TestRegistry_ParentCompletionDoesNotAffectChild(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	r.Register("child1", "parent1", "c1", "task", TypeGeneral, 0)
	r.Complete("child1", &Outcome{Status: StatusCompleted})

	// A parent's own completion is tracked by its own loop, not this
	// registry; nothing here should re-examine an already-finished child
	// when the parent session later exits.
	rec := r.Get("child1")
	if rec.Outcome.Status != StatusCompleted {
		t.Fatalf("expected the child's terminal outcome to be unaffected, got %+v", rec)
	}
}
