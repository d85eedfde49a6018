package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/synapse-core/pkg/models"
)

func TestReaperSweepEvictsIdleSessions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	stale := &models.Session{Title: "stale"}
	if err := store.Create(ctx, stale); err != nil {
		t.Fatalf("create stale session: %v", err)
	}

	reaper, err := NewReaper(store, ReaperConfig{
		Scope: ScopeConfig{Reset: ResetConfig{Mode: ResetModeIdle, IdleMinutes: 1}},
	})
	if err != nil {
		t.Fatalf("NewReaper() error = %v", err)
	}
	reaper.expiry.SetNowFunc(func() time.Time {
		return stale.UpdatedAt.Add(2 * time.Minute)
	})

	if err := reaper.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if _, err := store.Get(ctx, stale.ID); err == nil {
		t.Fatal("expected stale session to be evicted")
	}

	last, count := reaper.LastSweep()
	if last.IsZero() {
		t.Fatal("expected LastSweep to record a timestamp")
	}
	if count != 1 {
		t.Fatalf("expected 1 eviction, got %d", count)
	}
}

func TestReaperSweepSparesRecentlyActiveSessions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	fresh := &models.Session{Title: "fresh"}
	if err := store.Create(ctx, fresh); err != nil {
		t.Fatalf("create fresh session: %v", err)
	}

	reaper, err := NewReaper(store, ReaperConfig{
		Scope: ScopeConfig{Reset: ResetConfig{Mode: ResetModeIdle, IdleMinutes: 30}},
	})
	if err != nil {
		t.Fatalf("NewReaper() error = %v", err)
	}
	reaper.expiry.SetNowFunc(func() time.Time {
		return fresh.UpdatedAt.Add(time.Second)
	})

	if err := reaper.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if _, err := store.Get(ctx, fresh.ID); err != nil {
		t.Fatalf("expected fresh session to survive, got error: %v", err)
	}
}

func TestReaperSweepNoopWhenNeverMode(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	session := &models.Session{}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}

	reaper, err := NewReaper(store, ReaperConfig{})
	if err != nil {
		t.Fatalf("NewReaper() error = %v", err)
	}
	if err := reaper.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if _, err := store.Get(ctx, session.ID); err != nil {
		t.Fatalf("expected session to survive a never-mode sweep: %v", err)
	}
}

func TestNewReaperRequiresStore(t *testing.T) {
	if _, err := NewReaper(nil, ReaperConfig{}); err == nil {
		t.Fatal("expected error for nil store")
	}
}
