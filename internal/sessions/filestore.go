package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/synapse-core/pkg/models"
)

// indexFileName is the session index kept alongside the per-session history
// files, one directory per configured root.
const indexFileName = "sessions.json"

// FileStore persists sessions under a directory: an index file
// (sessions.json) holding session metadata, and one <id>.jsonl file per
// session holding its message history, one JSON-encoded message per line.
// It is the durable default for single-process deployments that don't want
// to stand up a SQL store; CockroachStore and SQLiteStore cover the
// multi-process and embedded-SQL cases respectively.
type FileStore struct {
	mu          sync.Mutex
	dir         string
	maxSessions int
	sessions    map[string]*models.Session
}

// NewFileStore opens (and creates, if absent) a file-backed store rooted at
// dir. maxSessions bounds the index; non-positive falls back to MaxSessions.
func NewFileStore(dir string, maxSessions int) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("sessions: file store directory is required")
	}
	if maxSessions <= 0 {
		maxSessions = MaxSessions
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fs := &FileStore{
		dir:         dir,
		maxSessions: maxSessions,
		sessions:    make(map[string]*models.Session),
	}
	if err := fs.loadIndex(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) indexPath() string {
	return filepath.Join(f.dir, indexFileName)
}

func (f *FileStore) historyPath(id string) string {
	return filepath.Join(f.dir, id+".jsonl")
}

func (f *FileStore) loadIndex() error {
	data, err := os.ReadFile(f.indexPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var list []*models.Session
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	for _, s := range list {
		f.sessions[s.ID] = s
	}
	return nil
}

// writeIndexLocked serializes the index newest-first by CreatedAt and
// writes it atomically. Callers must hold f.mu.
func (f *FileStore) writeIndexLocked() error {
	list := make([]*models.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(f.indexPath(), data)
}

// evictOldestLocked drops sessions past maxSessions, oldest first, removing
// their history files along with the index entry. Callers must hold f.mu.
func (f *FileStore) evictOldestLocked() {
	if len(f.sessions) <= f.maxSessions {
		return
	}
	list := make([]*models.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })

	excess := len(list) - f.maxSessions
	for _, s := range list[:excess] {
		delete(f.sessions, s.ID)
		_ = os.Remove(f.historyPath(s.ID))
	}
}

func (f *FileStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("sessions: session is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	clone := cloneSession(session)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	session.ID = clone.ID
	session.CreatedAt = clone.CreatedAt
	session.UpdatedAt = clone.UpdatedAt

	f.sessions[clone.ID] = clone
	f.evictOldestLocked()
	return f.writeIndexLocked()
}

func (f *FileStore) Get(ctx context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	session, ok := f.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(session), nil
}

func (f *FileStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("sessions: session is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.sessions[session.ID]
	if !ok {
		return ErrSessionNotFound
	}
	clone := cloneSession(session)
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now()
	f.sessions[clone.ID] = clone
	return f.writeIndexLocked()
}

func (f *FileStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(f.sessions, id)
	if err := f.writeIndexLocked(); err != nil {
		return err
	}
	if err := os.Remove(f.historyPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (f *FileStore) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*models.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })

	start := opts.Offset
	if start < 0 {
		start = 0
	}
	end := len(out)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	if start > len(out) {
		return []*models.Session{}, nil
	}
	return out[start:end], nil
}

func (f *FileStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("sessions: message is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	session, ok := f.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}

	history, err := f.readHistoryLocked(sessionID)
	if err != nil {
		return err
	}
	clone := msg.Clone()
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	history = append(history, clone)
	if len(history) > maxMessagesPerSession {
		history = history[len(history)-maxMessagesPerSession:]
	}
	if err := f.rewriteHistoryLocked(sessionID, history); err != nil {
		return err
	}

	session.MessageCount = len(history)
	session.UpdatedAt = time.Now()
	return f.writeIndexLocked()
}

func (f *FileStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	messages, err := f.readHistoryLocked(sessionID)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return []*models.Message{}, nil
	}
	start := 0
	if limit > 0 && len(messages) > limit {
		start = len(messages) - limit
	}
	return messages[start:], nil
}

func (f *FileStore) ReplaceHistory(ctx context.Context, sessionID string, msgs []*models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	session, ok := f.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	clones := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		clones = append(clones, msg.Clone())
	}
	if err := f.rewriteHistoryLocked(sessionID, clones); err != nil {
		return err
	}
	session.MessageCount = len(clones)
	session.UpdatedAt = time.Now()
	return f.writeIndexLocked()
}

// readHistoryLocked loads a session's jsonl file, skipping (and logging) any
// line that fails to decode instead of failing the whole read. A missing
// file is an empty history, not an error. Callers must hold f.mu.
func (f *FileStore) readHistoryLocked(sessionID string) ([]*models.Message, error) {
	data, err := os.ReadFile(f.historyPath(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []*models.Message
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			slog.Warn("sessions: skipping corrupt history line", "session_id", sessionID, "line", i+1, "error", err)
			continue
		}
		out = append(out, &msg)
	}
	return out, nil
}

// rewriteHistoryLocked replaces a session's jsonl file in full: write to a
// temp file in the same directory, fsync, then rename over the target, so a
// reader never observes a partially-written history. Callers must hold f.mu.
func (f *FileStore) rewriteHistoryLocked(sessionID string, msgs []*models.Message) error {
	var buf bytes.Buffer
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return atomicWriteFile(f.historyPath(sessionID), buf.Bytes())
}

// atomicWriteFile writes data to a temp file beside path, fsyncs it, then
// renames it over path so concurrent readers always see either the old or
// the new content, never a partial write.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
