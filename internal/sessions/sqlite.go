package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/synapse-core/pkg/models"
)

// SQLiteStore implements Store against a local SQLite file, for
// single-process deployments that want durability without standing up a
// CockroachDB cluster. It mirrors CockroachStore's schema and semantics,
// adapted to SQLite's placeholder style and type affinities.
type SQLiteStore struct {
	db *sql.DB

	stmtCreateSession *sql.Stmt
	stmtGetSession    *sql.Stmt
	stmtUpdateSession *sql.Stmt
	stmtDeleteSession *sql.Stmt
	stmtListSessions  *sql.Stmt
	stmtAppendMessage *sql.Stmt
	stmtGetHistory    *sql.Stmt
	stmtDeleteHistory *sql.Stmt
}

// sqliteSchema is the DDL SQLiteStore expects, applied once at open time.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	cwd           TEXT NOT NULL DEFAULT '',
	title         TEXT NOT NULL DEFAULT '',
	message_count INTEGER NOT NULL DEFAULT 0,
	usage         TEXT NOT NULL DEFAULT '{}',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	blocks     TEXT NOT NULL,
	metadata   TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS messages_session_created_idx ON messages (session_id, created_at);
`

// NewSQLiteStore opens (and creates, if absent) a SQLite database at path
// and applies the schema. Use ":memory:" for an ephemeral in-process store
// that still exercises the SQL code path (useful for tests).
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sessions: sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sessions: open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// from concurrent writers inside one process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessions: apply schema: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessions: prepare statements: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	if s.stmtCreateSession, err = s.db.Prepare(`
		INSERT INTO sessions (id, cwd, title, message_count, usage, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	if s.stmtGetSession, err = s.db.Prepare(`
		SELECT id, cwd, title, message_count, usage, created_at, updated_at
		FROM sessions WHERE id = ?
	`); err != nil {
		return fmt.Errorf("get session: %w", err)
	}

	if s.stmtUpdateSession, err = s.db.Prepare(`
		UPDATE sessions SET cwd = ?, title = ?, message_count = ?, usage = ?, updated_at = ?
		WHERE id = ?
	`); err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	if s.stmtDeleteSession, err = s.db.Prepare(`DELETE FROM sessions WHERE id = ?`); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	if s.stmtListSessions, err = s.db.Prepare(`
		SELECT id, cwd, title, message_count, usage, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC LIMIT ? OFFSET ?
	`); err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	if s.stmtAppendMessage, err = s.db.Prepare(`
		INSERT INTO messages (id, session_id, role, blocks, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	if s.stmtGetHistory, err = s.db.Prepare(`
		SELECT id, session_id, role, blocks, metadata, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at DESC LIMIT ?
	`); err != nil {
		return fmt.Errorf("get history: %w", err)
	}

	if s.stmtDeleteHistory, err = s.db.Prepare(`DELETE FROM messages WHERE session_id = ?`); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}

	return nil
}

// Close releases prepared statements and the underlying connection.
func (s *SQLiteStore) Close() error {
	stmts := []*sql.Stmt{
		s.stmtCreateSession, s.stmtGetSession, s.stmtUpdateSession, s.stmtDeleteSession,
		s.stmtListSessions, s.stmtAppendMessage, s.stmtGetHistory, s.stmtDeleteHistory,
	}
	var errs []error
	for _, stmt := range stmts {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("sessions: close store: %v", errs)
	}
	return nil
}

// Create registers a new session, generating an ID if the caller left it blank.
func (s *SQLiteStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return fmt.Errorf("sessions: session is required")
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = session.CreatedAt

	usage, err := json.Marshal(session.Usage)
	if err != nil {
		return fmt.Errorf("sessions: marshal usage: %w", err)
	}

	if _, err := s.stmtCreateSession.ExecContext(ctx,
		session.ID, session.Cwd, session.Title, session.MessageCount, usage,
		session.CreatedAt, session.UpdatedAt,
	); err != nil {
		return fmt.Errorf("sessions: create session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Session, error) {
	session := &models.Session{}
	var usageJSON []byte
	err := s.stmtGetSession.QueryRowContext(ctx, id).Scan(
		&session.ID, &session.Cwd, &session.Title, &session.MessageCount, &usageJSON,
		&session.CreatedAt, &session.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: get session: %w", err)
	}
	if len(usageJSON) > 0 {
		if err := json.Unmarshal(usageJSON, &session.Usage); err != nil {
			return nil, fmt.Errorf("sessions: unmarshal usage: %w", err)
		}
	}
	return session, nil
}

// Update persists session metadata (title, cwd, usage totals).
func (s *SQLiteStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil {
		return fmt.Errorf("sessions: session is required")
	}
	usage, err := json.Marshal(session.Usage)
	if err != nil {
		return fmt.Errorf("sessions: marshal usage: %w", err)
	}
	session.UpdatedAt = time.Now()

	result, err := s.stmtUpdateSession.ExecContext(ctx,
		session.Cwd, session.Title, session.MessageCount, usage, session.UpdatedAt, session.ID,
	)
	if err != nil {
		return fmt.Errorf("sessions: update session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sessions: rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Delete removes a session and its full message history.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.stmtDeleteSession.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("sessions: delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sessions: rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	if _, err := s.stmtDeleteHistory.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("sessions: delete history: %w", err)
	}
	return nil
}

// List returns sessions most-recently-updated first.
func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = MaxSessions
	}
	rows, err := s.stmtListSessions.QueryContext(ctx, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("sessions: list sessions: %w", err)
	}
	defer rows.Close()

	out := []*models.Session{}
	for rows.Next() {
		session := &models.Session{}
		var usageJSON []byte
		if err := rows.Scan(
			&session.ID, &session.Cwd, &session.Title, &session.MessageCount, &usageJSON,
			&session.CreatedAt, &session.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("sessions: scan session: %w", err)
		}
		if len(usageJSON) > 0 {
			if err := json.Unmarshal(usageJSON, &session.Usage); err != nil {
				return nil, fmt.Errorf("sessions: unmarshal usage: %w", err)
			}
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

// AppendMessage inserts a message and bumps the session's counters.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("sessions: message is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	blocks, err := json.Marshal(msg.Blocks)
	if err != nil {
		return fmt.Errorf("sessions: marshal blocks: %w", err)
	}
	var metadata []byte
	if msg.Metadata != nil {
		if metadata, err = json.Marshal(msg.Metadata); err != nil {
			return fmt.Errorf("sessions: marshal metadata: %w", err)
		}
	}

	if _, err := s.stmtAppendMessage.ExecContext(ctx,
		msg.ID, sessionID, string(msg.Role), blocks, metadata, msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("sessions: append message: %w", err)
	}

	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	session.MessageCount++
	return s.Update(ctx, session)
}

// GetHistory returns up to limit of the most recent messages for a
// session, oldest first. limit <= 0 means unbounded.
func (s *SQLiteStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	effectiveLimit := limit
	if effectiveLimit <= 0 {
		effectiveLimit = 1 << 30
	}
	rows, err := s.stmtGetHistory.QueryContext(ctx, sessionID, effectiveLimit)
	if err != nil {
		return nil, fmt.Errorf("sessions: get history: %w", err)
	}
	defer rows.Close()

	var reversed []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var role string
		var blocksJSON, metadataJSON []byte
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &blocksJSON, &metadataJSON, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("sessions: scan message: %w", err)
		}
		msg.Role = models.Role(role)
		if err := json.Unmarshal(blocksJSON, &msg.Blocks); err != nil {
			return nil, fmt.Errorf("sessions: unmarshal blocks: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("sessions: unmarshal metadata: %w", err)
			}
		}
		reversed = append(reversed, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*models.Message, len(reversed))
	for i, msg := range reversed {
		out[len(reversed)-1-i] = msg
	}
	return out, nil
}

// ReplaceHistory atomically replaces a session's full message history.
func (s *SQLiteStore) ReplaceHistory(ctx context.Context, sessionID string, msgs []*models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sessions: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("sessions: clear history: %w", err)
	}

	for _, msg := range msgs {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		blocks, err := json.Marshal(msg.Blocks)
		if err != nil {
			return fmt.Errorf("sessions: marshal blocks: %w", err)
		}
		var metadata []byte
		if msg.Metadata != nil {
			if metadata, err = json.Marshal(msg.Metadata); err != nil {
				return fmt.Errorf("sessions: marshal metadata: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, role, blocks, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, msg.ID, sessionID, string(msg.Role), blocks, metadata, msg.CreatedAt); err != nil {
			return fmt.Errorf("sessions: insert message: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET message_count = ?, updated_at = ? WHERE id = ?`,
		len(msgs), time.Now(), sessionID); err != nil {
		return fmt.Errorf("sessions: update message count: %w", err)
	}

	return tx.Commit()
}
