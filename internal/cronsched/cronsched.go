// Package cronsched drives the periodic trigger spec.md §6 describes: a
// scheduler tick that calls the indexer's Engine.Run(ctx, false) on an
// interval, and, if the singleton ScheduleConfig row asks for it,
// signals the enrichment backend to start a pass. It never runs the
// enrichment backend itself (that stays external); it only publishes the
// request, mirroring internal/cron/service.go's job-dispatch-without-
// execution split between scheduling and running the agent.
package cronsched

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/flyingrobots/blacklight/internal/bus"
	"github.com/flyingrobots/blacklight/internal/indexer"
	. "github.com/flyingrobots/blacklight/internal/logging"
)

// Scheduler ticks the indexer on the interval recorded in schedule_config.
// One Scheduler wraps one indexer.Engine; it does not own the database
// connection's lifecycle, only a handle to read/update its own config row.
type Scheduler struct {
	db  *sql.DB
	idx *indexer.Engine

	mu      sync.Mutex
	running bool
	cr      *cronlib.Cron
}

// New constructs a Scheduler bound to idx's indexing engine.
func New(db *sql.DB, idx *indexer.Engine) *Scheduler {
	return &Scheduler{db: db, idx: idx}
}

// config mirrors the schedule_config singleton row.
type config struct {
	enabled               bool
	intervalMinutes       int
	runEnrichment         bool
	enrichmentConcurrency int
}

func (s *Scheduler) loadConfig(ctx context.Context) (config, error) {
	var c config
	var enabled, runEnrichment int
	err := s.db.QueryRowContext(ctx, `
		SELECT enabled, interval_minutes, run_enrichment, enrichment_concurrency
		FROM schedule_config WHERE id = 1
	`).Scan(&enabled, &c.intervalMinutes, &runEnrichment, &c.enrichmentConcurrency)
	if err != nil {
		return config{}, err
	}
	c.enabled = enabled != 0
	c.runEnrichment = runEnrichment != 0
	return c, nil
}

// Start reads the schedule_config row and, if enabled, begins ticking.
// Start is a no-op (returns nil, nothing scheduled) when the row has
// enabled=0 — the scheduler simply never fires, the same way a cron job
// with Enabled=false in the teacher never gets a NextRunTime.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("cronsched: already running")
	}

	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return fmt.Errorf("cronsched: load schedule_config: %w", err)
	}
	if !cfg.enabled {
		L_info("cronsched: disabled, not scheduling")
		return nil
	}
	if cfg.intervalMinutes <= 0 {
		cfg.intervalMinutes = 60
	}

	spec := fmt.Sprintf("@every %dm", cfg.intervalMinutes)
	interval := time.Duration(cfg.intervalMinutes) * time.Minute
	s.cr = cronlib.New()
	if _, err := s.cr.AddFunc(spec, func() { s.tick(ctx, cfg.runEnrichment, interval) }); err != nil {
		return fmt.Errorf("cronsched: invalid interval %q: %w", spec, err)
	}
	s.cr.Start()
	s.running = true
	L_info("cronsched: started", "intervalMinutes", cfg.intervalMinutes, "runEnrichment", cfg.runEnrichment)
	return nil
}

// Stop halts future ticks and waits for any in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	stopCtx := s.cr.Stop()
	<-stopCtx.Done()
	s.running = false
	L_info("cronsched: stopped")
}

// IsRunning reports whether the scheduler is currently ticking.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// tick runs one indexing pass and records the outcome in schedule_config.
// It never fails the scheduler itself: an indexing error is logged and the
// next tick still fires on schedule, matching spec.md §7's "logged and the
// specific operation is skipped" policy applied to the scheduler's own
// trigger rather than to a single file.
func (s *Scheduler) tick(ctx context.Context, runEnrichment bool, interval time.Duration) {
	started := time.Now()
	L_info("cronsched: tick firing")

	if err := s.idx.Run(ctx, false); err != nil {
		L_warn("cronsched: indexing pass failed", "error", err)
	}

	next := started.Add(interval)
	if _, err := s.db.ExecContext(ctx, `
		UPDATE schedule_config SET last_run_at = ?, next_run_at = ? WHERE id = 1
	`, started.Unix(), next.Unix()); err != nil {
		L_warn("cronsched: failed to record tick bookkeeping", "error", err)
	}

	if runEnrichment {
		bus.SendCommandAsyncWithSource(bus.ComponentEnrichment, bus.CmdStart, nil, bus.SourceScheduler, "")
		L_info("cronsched: enrichment start requested")
	}
}
