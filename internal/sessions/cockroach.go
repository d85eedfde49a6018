package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/haasonsaas/synapse-core/pkg/models"
)

// CockroachStore implements Store against a CockroachDB (Postgres
// wire-compatible) cluster, for deployments that run more than one agent
// process against the same session state.
type CockroachStore struct {
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

// DB exposes the underlying connection pool for schema migration tooling.
func (s *CockroachStore) DB() *sql.DB {
	return s.db
}

// CockroachConfig holds connection parameters for CockroachStore.
type CockroachConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultCockroachConfig returns sensible local-development defaults.
func DefaultCockroachConfig() *CockroachConfig {
	return &CockroachConfig{
		Host:            "localhost",
		Port:            26257,
		User:            "root",
		Database:        "synapse_core",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Schema is the DDL CockroachStore expects. Callers run this once (or via
// migration tooling) before constructing a store against a fresh database.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            STRING PRIMARY KEY,
	cwd           STRING NOT NULL DEFAULT '',
	title         STRING NOT NULL DEFAULT '',
	message_count INT NOT NULL DEFAULT 0,
	usage         JSONB NOT NULL DEFAULT '{}',
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id         STRING PRIMARY KEY,
	session_id STRING NOT NULL,
	role       STRING NOT NULL,
	blocks     JSONB NOT NULL,
	metadata   JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	INDEX (session_id, created_at)
);
`

// NewCockroachStore opens a connection built from config fields.
func NewCockroachStore(config *CockroachConfig) (*CockroachStore, error) {
	if config == nil {
		config = DefaultCockroachConfig()
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		config.Host, config.Port, config.User, config.Password,
		config.Database, config.SSLMode, int(config.ConnectTimeout.Seconds()),
	)
	return newCockroachStoreWithDSN(dsn, config)
}

// NewCockroachStoreFromDSN opens a connection from a raw connection string.
func NewCockroachStoreFromDSN(dsn string, config *CockroachConfig) (*CockroachStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sessions: dsn is required")
	}
	if config == nil {
		config = DefaultCockroachConfig()
	}
	return newCockroachStoreWithDSN(dsn, config)
}

func newCockroachStoreWithDSN(dsn string, config *CockroachConfig) (*CockroachStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sessions: open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessions: ping database: %w", err)
	}

	store := &CockroachStore{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessions: prepare statements: %w", err)
	}
	return store, nil
}

func (s *CockroachStore) prepareStatements() error {
	var err error

	if s.stmtCreateSession, err = s.db.Prepare(`
		INSERT INTO sessions (id, cwd, title, message_count, usage, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	if s.stmtGetSession, err = s.db.Prepare(`
		SELECT id, cwd, title, message_count, usage, created_at, updated_at
		FROM sessions WHERE id = $1
	`); err != nil {
		return fmt.Errorf("get session: %w", err)
	}

	if s.stmtUpdateSession, err = s.db.Prepare(`
		UPDATE sessions SET cwd = $1, title = $2, message_count = $3, usage = $4, updated_at = $5
		WHERE id = $6
	`); err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	if s.stmtDeleteSession, err = s.db.Prepare(`DELETE FROM sessions WHERE id = $1`); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	if s.stmtListSessions, err = s.db.Prepare(`
		SELECT id, cwd, title, message_count, usage, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC LIMIT $1 OFFSET $2
	`); err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	if s.stmtAppendMessage, err = s.db.Prepare(`
		INSERT INTO messages (id, session_id, role, blocks, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	if s.stmtGetHistory, err = s.db.Prepare(`
		SELECT id, session_id, role, blocks, metadata, created_at
		FROM messages WHERE session_id = $1
		ORDER BY created_at DESC LIMIT $2
	`); err != nil {
		return fmt.Errorf("get history: %w", err)
	}

	if s.stmtDeleteHistory, err = s.db.Prepare(`DELETE FROM messages WHERE session_id = $1`); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}

	return nil
}

// Close releases prepared statements and the underlying connection pool.
func (s *CockroachStore) Close() error {
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
func (s *CockroachStore) Create(ctx context.Context, session *models.Session) error {
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
func (s *CockroachStore) Get(ctx context.Context, id string) (*models.Session, error) {
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
func (s *CockroachStore) Update(ctx context.Context, session *models.Session) error {
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
func (s *CockroachStore) Delete(ctx context.Context, id string) error {
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
func (s *CockroachStore) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
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
func (s *CockroachStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
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
func (s *CockroachStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
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

	// The query orders DESC (most recent first, to honor LIMIT); callers
	// expect chronological order.
	out := make([]*models.Message, len(reversed))
	for i, msg := range reversed {
		out[len(reversed)-1-i] = msg
	}
	return out, nil
}

// ReplaceHistory atomically replaces a session's full message history,
// used by sanitize/offload/compact rewrites.
func (s *CockroachStore) ReplaceHistory(ctx context.Context, sessionID string, msgs []*models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sessions: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = $1`, sessionID); err != nil {
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
			VALUES ($1, $2, $3, $4, $5, $6)
		`, msg.ID, sessionID, string(msg.Role), blocks, metadata, msg.CreatedAt); err != nil {
			return fmt.Errorf("sessions: insert message: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET message_count = $1, updated_at = $2 WHERE id = $3
	`, len(msgs), time.Now(), sessionID); err != nil {
		return fmt.Errorf("sessions: update message count: %w", err)
	}

	return tx.Commit()
}
