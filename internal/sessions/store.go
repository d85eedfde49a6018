// Package sessions persists session metadata and message history: an
// in-memory reference Store for tests and local runs, a JSONL-backed file
// Store for durability, and a SQL-backed Store for multi-process
// deployments.
package sessions

import (
	"context"

	"github.com/haasonsaas/synapse-core/pkg/models"
)

// MaxSessions is the default cap on FileStore's session index (the
// maxSessions argument of NewFileStore overrides it) and the default page
// size of the SQL stores' List when ListOptions.Limit is not positive.
// MemoryStore keeps no cap.
const MaxSessions = 100

// Store is the interface for session persistence.
type Store interface {
	// Create registers a new session. If session.ID is empty one is
	// generated.
	Create(ctx context.Context, session *models.Session) error

	// Get returns a session by ID.
	Get(ctx context.Context, id string) (*models.Session, error)

	// Update persists changes to session metadata (title, usage totals).
	Update(ctx context.Context, session *models.Session) error

	// Delete removes a session and its history.
	Delete(ctx context.Context, id string) error

	// List returns sessions ordered by most recently updated first.
	List(ctx context.Context, opts ListOptions) ([]*models.Session, error)

	// AppendMessage appends a message to the session's history and bumps
	// MessageCount/UpdatedAt on the session.
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error

	// GetHistory returns up to limit of the most recent messages for a
	// session, in chronological order. limit <= 0 means unbounded.
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)

	// ReplaceHistory atomically replaces a session's full message history,
	// used by sanitize/offload/compact rewrites.
	ReplaceHistory(ctx context.Context, sessionID string, msgs []*models.Message) error
}

// ListOptions configures session listing.
type ListOptions struct {
	Limit  int
	Offset int
}
