package agent

import (
	"sync"

	"github.com/haasonsaas/synapse-core/pkg/models"
)

// FailureDetectorConfig configures the sliding-window failure detector.
type FailureDetectorConfig struct {
	// WindowSize is the length of the ring buffer. Default: 10.
	WindowSize int

	// Threshold is the number of countable failures within the window
	// that triggers a stop. Default: 3.
	Threshold int
}

// DefaultFailureDetectorConfig returns sensible defaults.
func DefaultFailureDetectorConfig() FailureDetectorConfig {
	return FailureDetectorConfig{WindowSize: 10, Threshold: 3}
}

// FailureDetector stops the loop when tool execution quality degrades. It
// holds a ring buffer of booleans (true = countable failure) per session
// and maintains a running count incrementally so ShouldStop is O(1).
// Non-countable failures (permission_denied, user_interrupt, ...) bypass
// the buffer entirely; the window only advances on turns that actually
// executed a tool call.
type FailureDetector struct {
	mu       sync.Mutex
	config   FailureDetectorConfig
	sessions map[string]*failureWindow
}

type failureWindow struct {
	buf     []bool
	pos     int
	size    int // number of valid entries so far, capped at len(buf)
	failures int
}

// NewFailureDetector creates a detector with the given config.
func NewFailureDetector(config FailureDetectorConfig) *FailureDetector {
	if config.WindowSize <= 0 {
		config.WindowSize = DefaultFailureDetectorConfig().WindowSize
	}
	if config.Threshold <= 0 {
		config.Threshold = DefaultFailureDetectorConfig().Threshold
	}
	return &FailureDetector{
		config:   config,
		sessions: make(map[string]*failureWindow),
	}
}

func (d *FailureDetector) windowFor(sessionID string) *failureWindow {
	w, ok := d.sessions[sessionID]
	if !ok {
		w = &failureWindow{buf: make([]bool, d.config.WindowSize)}
		d.sessions[sessionID] = w
	}
	return w
}

// RecordTurn updates the window for a session with the countable failures
// observed during one turn that executed at least one tool call.
// category classifies each tool_result's outcome: a FailureCountable entry
// pushes a failure slot and a FailureNone (success) entry pushes a
// "no failure" slot, so the window reflects call volume; any other
// (non-countable) failure bypasses the window.
func (d *FailureDetector) RecordTurn(sessionID string, categories []models.FailureCategory) {
	if len(categories) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	w := d.windowFor(sessionID)
	for _, cat := range categories {
		if cat != models.FailureCountable && cat != models.FailureNone {
			// Non-countable failure: bypass the buffer entirely.
			continue
		}
		w.push(cat.IsCountable())
	}
}

func (w *failureWindow) push(failed bool) {
	overwritten := w.buf[w.pos]
	if w.size == len(w.buf) && overwritten {
		w.failures--
	}
	w.buf[w.pos] = failed
	if failed {
		w.failures++
	}
	w.pos = (w.pos + 1) % len(w.buf)
	if w.size < len(w.buf) {
		w.size++
	}
}

// ShouldStop reports whether the session's countable-failure count within
// its window has reached the threshold.
func (d *FailureDetector) ShouldStop(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.sessions[sessionID]
	if !ok {
		return false
	}
	return w.failures >= d.config.Threshold
}

// FailureCount returns the current countable-failure count within the
// session's window, for diagnostics and tests.
func (d *FailureDetector) FailureCount(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.sessions[sessionID]
	if !ok {
		return 0
	}
	return w.failures
}

// Reset clears a session's window.
func (d *FailureDetector) Reset(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}

// ClassifyToolResult maps a tool_result block to a FailureCategory. A
// successful result is FailureNone. A failed result that already carries an
// explicit category (set at construction time, e.g. a policy or approval
// denial that never reached the tool) keeps that category; otherwise it
// defaults to FailureCountable, since the tool actually ran and failed.
func ClassifyToolResult(result models.ContentBlock) models.FailureCategory {
	if !result.IsError {
		return models.FailureNone
	}
	if result.FailureCategory != "" {
		return result.FailureCategory
	}
	return models.FailureCountable
}
