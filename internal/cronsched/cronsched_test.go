package cronsched

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/flyingrobots/blacklight/internal/bus"
	"github.com/flyingrobots/blacklight/internal/cas"
	"github.com/flyingrobots/blacklight/internal/config"
	"github.com/flyingrobots/blacklight/internal/contentstore"
	"github.com/flyingrobots/blacklight/internal/indexer"
	"github.com/flyingrobots/blacklight/internal/model"
	"github.com/flyingrobots/blacklight/internal/sqlitedb"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sqlitedb.Open(path, sqlitedb.Options{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestEngine(t *testing.T, db *sql.DB) *indexer.Engine {
	t.Helper()
	store := contentstore.New(db)
	casStore := cas.New(db, cas.Options{Mode: cas.ModeSimple, BackupDir: t.TempDir()})
	cfg, err := config.Resolve(config.Config{
		DBPath: filepath.Join(t.TempDir(), "ignored.db"),
		Sources: []config.SourceConfig{
			{Name: "src1", Path: t.TempDir(), Kind: model.SourceClaude, CASPrefix: "claude1"},
		},
	})
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	return indexer.New(db, casStore, store, cfg)
}

func TestStartNoopsWhenScheduleDisabled(t *testing.T) {
	db := openTestDB(t)
	sched := New(db, newTestEngine(t, db))

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sched.IsRunning() {
		t.Error("expected scheduler not running when schedule_config.enabled = 0")
	}
}

func TestStartTicksOnShortIntervalWhenEnabled(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Exec(`UPDATE schedule_config SET enabled = 1, interval_minutes = 1 WHERE id = 1`); err != nil {
		t.Fatalf("enable schedule: %v", err)
	}

	sched := New(db, newTestEngine(t, db))
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !sched.IsRunning() {
		t.Error("expected scheduler running once enabled")
	}
	sched.Stop()
	if sched.IsRunning() {
		t.Error("expected scheduler stopped after Stop()")
	}
}

func TestTickRecordsLastRunAndRequestsEnrichmentWhenConfigured(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Exec(`UPDATE schedule_config SET enabled = 1, interval_minutes = 5, run_enrichment = 1 WHERE id = 1`); err != nil {
		t.Fatalf("enable schedule: %v", err)
	}
	sched := New(db, newTestEngine(t, db))

	requested := make(chan struct{}, 1)
	bus.RegisterCommand(bus.ComponentEnrichment, bus.CmdStart, func(cmd bus.Command) bus.CommandResult {
		requested <- struct{}{}
		return bus.CommandResult{Success: true}
	})
	defer bus.UnregisterComponent(bus.ComponentEnrichment)

	sched.tick(context.Background(), true, 5*time.Minute)

	select {
	case <-requested:
	case <-time.After(2 * time.Second):
		t.Error("expected tick to request an enrichment start")
	}

	var lastRunAt sql.NullInt64
	if err := db.QueryRow(`SELECT last_run_at FROM schedule_config WHERE id = 1`).Scan(&lastRunAt); err != nil {
		t.Fatalf("query last_run_at: %v", err)
	}
	if !lastRunAt.Valid {
		t.Error("expected last_run_at to be recorded after tick")
	}
}
