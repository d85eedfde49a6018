package sessions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/synapse-core/pkg/models"
)

func TestFileStoreSessionLifecycle(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	session := &models.Session{Cwd: "/tmp/work", Title: "initial"}

	if err := store.Create(context.Background(), session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if session.ID == "" {
		t.Fatalf("expected session id to be assigned")
	}

	loaded, err := store.Get(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if loaded.Cwd != session.Cwd {
		t.Fatalf("expected cwd %q, got %q", session.Cwd, loaded.Cwd)
	}

	loaded.Title = "updated"
	if err := store.Update(context.Background(), loaded); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if err := store.Delete(context.Background(), loaded.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(context.Background(), loaded.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, 0)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	session := &models.Session{Title: "durable"}
	if err := store.Create(context.Background(), session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	msg := &models.Message{Role: models.RoleUser, Blocks: []models.ContentBlock{models.TextBlock("hello")}}
	if err := store.AppendMessage(context.Background(), session.ID, msg); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, indexFileName)); err != nil {
		t.Fatalf("expected sessions.json to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, session.ID+".jsonl")); err != nil {
		t.Fatalf("expected %s.jsonl to exist: %v", session.ID, err)
	}

	reopened, err := NewFileStore(dir, 0)
	if err != nil {
		t.Fatalf("NewFileStore() reopen error = %v", err)
	}
	loaded, err := reopened.Get(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if loaded.Title != "durable" {
		t.Fatalf("expected title to survive reopen, got %q", loaded.Title)
	}

	history, err := reopened.GetHistory(context.Background(), session.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory() after reopen error = %v", err)
	}
	if len(history) != 1 || history[0].Blocks[0].PlainText() != "hello" {
		t.Fatalf("expected history to survive reopen, got %+v", history)
	}
}

func TestFileStore_CorruptHistoryLineSkipped(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, 0)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	session := &models.Session{}
	if err := store.Create(context.Background(), session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.AppendMessage(context.Background(), session.ID, &models.Message{
		Role: models.RoleUser, Blocks: []models.ContentBlock{models.TextBlock("good")},
	}); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	path := filepath.Join(dir, session.ID+".jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	corrupted := append(data, []byte("not json at all\n")...)
	if err := os.WriteFile(path, corrupted, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	history, err := store.GetHistory(context.Background(), session.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected corrupt line to be skipped, got %d messages", len(history))
	}
}

func TestFileStore_EvictsOldestBeyondMaxSessions(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 2)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	var ids []string
	for _, title := range []string{"first", "second", "third"} {
		s := &models.Session{Title: title}
		if err := store.Create(context.Background(), s); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		ids = append(ids, s.ID)
	}

	if _, err := store.Get(context.Background(), ids[0]); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected oldest session to be evicted, got err=%v", err)
	}
	if _, err := store.Get(context.Background(), ids[2]); err != nil {
		t.Fatalf("expected newest session to remain: %v", err)
	}

	list, err := store.List(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected index capped at 2, got %d", len(list))
	}
}

func TestFileStore_ReplaceHistory(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	session := &models.Session{}
	if err := store.Create(context.Background(), session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		store.AppendMessage(context.Background(), session.ID, &models.Message{Role: models.RoleUser})
	}

	replacement := []*models.Message{
		{Role: models.RoleUser, Blocks: []models.ContentBlock{models.TextBlock("compacted summary")}},
	}
	if err := store.ReplaceHistory(context.Background(), session.ID, replacement); err != nil {
		t.Fatalf("ReplaceHistory() error = %v", err)
	}

	history, err := store.GetHistory(context.Background(), session.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected history replaced with 1 message, got %d", len(history))
	}
}

func TestFileStore_AppendMessage_UnknownSession(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	err = store.AppendMessage(context.Background(), "missing", &models.Message{Role: models.RoleUser})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
