package agent

import (
	"fmt"
	"strings"
	"sync"

	"github.com/haasonsaas/synapse-core/pkg/models"
)

// TodoStore is the process-wide holder of a session's todo list. Tool
// handlers own its mutations (a todo-write tool reads/replaces the list);
// the Agent Loop and the TodoReminder strategy only observe it.
type TodoStore struct {
	mu      sync.RWMutex
	bySess  map[string][]models.TodoItem
	onWrite func(sessionID string, items []models.TodoItem)
}

// NewTodoStore creates an empty, process-wide todo store.
func NewTodoStore() *TodoStore {
	return &TodoStore{bySess: make(map[string][]models.TodoItem)}
}

// Get returns a copy of the current todo list for a session.
func (s *TodoStore) Get(sessionID string) []models.TodoItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.bySess[sessionID]
	out := make([]models.TodoItem, len(items))
	copy(out, items)
	return out
}

// Set replaces the todo list for a session, notifying any registered
// change listener (the TodoReminder strategy uses this to reset its
// stale-turn counter).
func (s *TodoStore) Set(sessionID string, items []models.TodoItem) {
	s.mu.Lock()
	stored := make([]models.TodoItem, len(items))
	copy(stored, items)
	s.bySess[sessionID] = stored
	notify := s.onWrite
	s.mu.Unlock()

	if notify != nil {
		notify(sessionID, stored)
	}
}

// OnWrite registers a callback invoked synchronously after every Set.
func (s *TodoStore) OnWrite(fn func(sessionID string, items []models.TodoItem)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWrite = fn
}

// Pending returns the items that are not yet completed, preserving order.
func (s *TodoStore) Pending(sessionID string) []models.TodoItem {
	items := s.Get(sessionID)
	out := make([]models.TodoItem, 0, len(items))
	for _, it := range items {
		if it.Status != models.TodoCompleted {
			out = append(out, it)
		}
	}
	return out
}

// TodoReminderConfig configures the stale-turn heuristic.
type TodoReminderConfig struct {
	// StaleThresholdTurns is how many turns may pass without the todo
	// list changing, with pending work, before a reminder fires. Default: 3.
	StaleThresholdTurns int
}

// DefaultTodoReminderConfig returns sensible defaults.
func DefaultTodoReminderConfig() TodoReminderConfig {
	return TodoReminderConfig{StaleThresholdTurns: 3}
}

// TodoReminder prevents the model from abandoning an in-progress task
// list. It tracks turns since the todo store last changed and, once the
// model tries to stop with pending work outstanding, supplies reminder
// text for the Agent Loop to inject as a synthetic user message. It never
// forces the loop to continue on its own.
type TodoReminder struct {
	mu                    sync.Mutex
	config                TodoReminderConfig
	store                 *TodoStore
	turnsSinceLastUpdate  map[string]int
}

// NewTodoReminder creates a reminder strategy bound to a store. It
// subscribes to the store's write notifications to reset its per-session
// counters.
func NewTodoReminder(store *TodoStore, config TodoReminderConfig) *TodoReminder {
	if config.StaleThresholdTurns <= 0 {
		config.StaleThresholdTurns = DefaultTodoReminderConfig().StaleThresholdTurns
	}
	r := &TodoReminder{
		config:               config,
		store:                store,
		turnsSinceLastUpdate: make(map[string]int),
	}
	if store != nil {
		store.OnWrite(func(sessionID string, _ []models.TodoItem) {
			r.mu.Lock()
			r.turnsSinceLastUpdate[sessionID] = 0
			r.mu.Unlock()
		})
	}
	return r
}

// Tick increments the stale-turn counter for a session. The Agent Loop
// calls this once per turn (whether or not the turn produced tool calls).
func (r *TodoReminder) Tick(sessionID string) {
	r.mu.Lock()
	r.turnsSinceLastUpdate[sessionID]++
	r.mu.Unlock()
}

// Reminder is the outcome of a Check call.
type Reminder struct {
	ShouldRemind bool
	Text         string
	Items        []models.TodoItem
}

// reminderHeader is the literal text prefixed to reminder bodies.
const reminderHeader = "[System Reminder]"

// Check returns a reminder when the session has at least one non-completed
// todo item and the stale-turn counter has reached the threshold.
func (r *TodoReminder) Check(sessionID string) Reminder {
	if r.store == nil {
		return Reminder{}
	}
	pending := r.store.Pending(sessionID)
	if len(pending) == 0 {
		return Reminder{}
	}

	r.mu.Lock()
	turns := r.turnsSinceLastUpdate[sessionID]
	r.mu.Unlock()

	if turns < r.config.StaleThresholdTurns {
		return Reminder{}
	}

	var sb strings.Builder
	sb.WriteString(reminderHeader)
	sb.WriteString("\nYou have incomplete todo items. Continue working on them before stopping:\n")
	for _, item := range pending {
		sb.WriteString(fmt.Sprintf("- [%s] %s\n", item.Status, item.Content))
	}

	return Reminder{ShouldRemind: true, Text: sb.String(), Items: pending}
}
