package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/synapse-core/pkg/models"
)

// ReaperConfig configures the background eviction job.
type ReaperConfig struct {
	// Schedule is a standard 5-field (or "@every 1m"-style) cron
	// expression controlling how often the reaper sweeps the store.
	// Defaults to "@every 5m".
	Schedule string

	// Scope decides, per conversation type, whether a session has expired.
	Scope ScopeConfig

	// ConvType is the conversation type passed to SessionExpiry.CheckExpiry
	// for every session swept, since the Store has no per-session type of
	// its own. Defaults to ConvTypeDM.
	ConvType string

	// BatchSize bounds how many sessions are listed per sweep page.
	// Defaults to 100.
	BatchSize int

	Logger *slog.Logger
}

// Reaper periodically evicts sessions that SessionExpiry considers expired.
// It is deliberately store-agnostic: it drives Store.List/Delete rather than
// assuming a particular backend, so it works unchanged against the memory
// Store or the Cockroach-backed one.
type Reaper struct {
	store  Store
	expiry *SessionExpiry
	cfg    ReaperConfig
	logger *slog.Logger
	cron   *cron.Cron

	mu       sync.Mutex
	entryID  cron.EntryID
	lastSwept time.Time
	lastCount int
}

// NewReaper builds a Reaper over store. Call Start to begin scheduling.
func NewReaper(store Store, cfg ReaperConfig) (*Reaper, error) {
	if store == nil {
		return nil, fmt.Errorf("reaper: store is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5m"
	}
	if cfg.ConvType == "" {
		cfg.ConvType = ConvTypeDM
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:  store,
		expiry: NewSessionExpiry(cfg.Scope),
		cfg:    cfg,
		logger: logger.With("component", "sessions.reaper"),
		cron:   cron.New(),
	}, nil
}

// Start schedules the sweep and begins running it in the background. It is
// safe to call Stop even if Start returns an error after partial setup.
func (r *Reaper) Start(ctx context.Context) error {
	id, err := r.cron.AddFunc(r.cfg.Schedule, func() {
		if err := r.Sweep(ctx); err != nil {
			r.logger.Warn("sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	r.mu.Lock()
	r.entryID = id
	r.mu.Unlock()
	r.cron.Start()
	r.logger.Info("reaper started", "schedule", r.cfg.Schedule)
	return nil
}

// Stop halts the schedule and waits for any in-flight sweep to finish.
func (r *Reaper) Stop() {
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
}

// Sweep lists sessions a page at a time and deletes every one the expiry
// policy considers stale, recording how many it evicted for LastSweep.
func (r *Reaper) Sweep(ctx context.Context) error {
	evicted := 0
	offset := 0
	for {
		page, err := r.store.List(ctx, ListOptions{Limit: r.cfg.BatchSize, Offset: offset})
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(page) == 0 {
			break
		}
		pageEvicted := 0
		for _, session := range page {
			if r.shouldEvict(session) {
				if err := r.store.Delete(ctx, session.ID); err != nil {
					r.logger.Warn("evict session failed", "session_id", session.ID, "error", err)
					continue
				}
				evicted++
				pageEvicted++
			}
		}
		if len(page) < r.cfg.BatchSize {
			break
		}
		offset += len(page) - pageEvicted
	}

	r.mu.Lock()
	r.lastSwept = time.Now()
	r.lastCount = evicted
	r.mu.Unlock()

	if evicted > 0 {
		r.logger.Info("reaper sweep complete", "evicted", evicted)
	}
	return nil
}

func (r *Reaper) shouldEvict(session *models.Session) bool {
	return r.expiry.CheckExpiry(session, r.cfg.ConvType)
}

// LastSweep reports when the reaper last ran and how many sessions it
// evicted, for doctor/status reporting.
func (r *Reaper) LastSweep() (time.Time, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSwept, r.lastCount
}
