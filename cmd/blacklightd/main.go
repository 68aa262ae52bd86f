// Command blacklightd wires the ingestion core together and drives it from
// a periodic scheduler tick. It is deliberately minimal: the HTTP/WebSocket
// transports spec.md §6 describes as collaborators live outside this
// module; this binary only constructs the core's components, registers
// bus command handlers for the control surface, and starts the scheduler.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/flyingrobots/blacklight/internal/bus"
	"github.com/flyingrobots/blacklight/internal/cas"
	"github.com/flyingrobots/blacklight/internal/config"
	"github.com/flyingrobots/blacklight/internal/contentstore"
	"github.com/flyingrobots/blacklight/internal/cronsched"
	"github.com/flyingrobots/blacklight/internal/indexer"
	. "github.com/flyingrobots/blacklight/internal/logging"
	"github.com/flyingrobots/blacklight/internal/migration"
	"github.com/flyingrobots/blacklight/internal/model"
	"github.com/flyingrobots/blacklight/internal/retrieval"
	"github.com/flyingrobots/blacklight/internal/sqlitedb"
)

// CLI is the flag surface this binary exposes. Everything else — source
// discovery, schedule enable/disable, backup mode — lives in the
// schedule_config/sources rows an external setup step writes, not in flags.
type CLI struct {
	Debug bool   `help:"Enable debug logging" short:"d"`
	DB    string `help:"Path to the SQLite database file" required:""`

	Sources []string `help:"source=path=kind triples, e.g. claude=/home/user/.claude=claude" name:"source"`

	BackupDir string `help:"Directory for simple-mode CAS backups" default:"./backups"`
}

func main() {
	cli := CLI{}
	kong.Parse(&cli,
		kong.Name("blacklightd"),
		kong.Description("Blacklight ingestion and retrieval core"),
		kong.UsageOnError(),
	)

	level := LevelInfo
	if cli.Debug {
		level = LevelDebug
	}
	Init(&Config{Level: level, ShowCaller: true})

	if err := run(cli); err != nil {
		L_fatal("blacklightd: fatal error", "error", err)
	}
}

func run(cli CLI) error {
	sources, err := parseSources(cli.Sources)
	if err != nil {
		return fmt.Errorf("parse sources: %w", err)
	}

	cfg, err := config.Resolve(config.Config{
		DBPath:    cli.DB,
		BackupDir: cli.BackupDir,
		Sources:   sources,
	})
	if err != nil {
		return fmt.Errorf("resolve config: %w", err)
	}

	db, err := sqlitedb.Open(cfg.DBPath, sqlitedb.Options{BusyTimeoutMS: cfg.BusyTimeoutMS})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	casStore := cas.New(db, cas.Options{
		Mode:      casMode(cfg.BackupMode),
		BackupDir: cfg.BackupDir,
	})
	store := contentstore.New(db)
	idx := indexer.New(db, casStore, store, cfg)
	mig := migration.New(db, casStore)
	retr := retrieval.New(db, casStore)

	registerCommandHandlers(idx, mig, retr)
	subscribeNotificationLog()

	sched := cronsched.New(db, idx)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	L_info("blacklightd: started", "db", cfg.DBPath, "sources", len(cfg.Sources))

	<-ctx.Done()
	L_info("blacklightd: shutting down")
	sched.Stop()
	return nil
}

// parseSources turns "name=path=kind" flag values into config.SourceConfig
// entries. Kind must be one of the model.SourceKind constants.
func parseSources(raw []string) ([]config.SourceConfig, error) {
	var out []config.SourceConfig
	for _, r := range raw {
		parts := splitTriple(r)
		if len(parts) != 3 {
			return nil, fmt.Errorf("source %q must be name=path=kind", r)
		}
		name, path, kind := parts[0], parts[1], parts[2]

		sk := model.SourceKind(kind)
		switch sk {
		case model.SourceClaude, model.SourceGemini, model.SourceCodex:
		default:
			return nil, fmt.Errorf("unknown source kind %q in %q", kind, r)
		}

		out = append(out, config.SourceConfig{
			Name:      name,
			Path:      filepath.Clean(path),
			Kind:      sk,
			CASPrefix: name,
		})
	}
	return out, nil
}

func splitTriple(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func casMode(m config.BackupMode) cas.Mode {
	if m == config.BackupModeGitCAS {
		return cas.ModeGitCAS
	}
	return cas.ModeSimple
}

// registerCommandHandlers wires the control-signal half of spec.md §6:
// every operation an external collaborator (HTTP handler, CLI subcommand,
// scheduler tick) can request is expressed as a bus.Command against one of
// these three components.
func registerCommandHandlers(idx *indexer.Engine, mig *migration.Engine, retr *retrieval.Store) {
	bus.RegisterCommand(bus.ComponentIndexer, bus.CmdStart, func(cmd bus.Command) bus.CommandResult {
		full, _ := cmd.Payload.(bool)
		if err := idx.Run(context.Background(), full); err != nil {
			return bus.CommandResult{Error: err, Message: err.Error()}
		}
		return bus.CommandResult{Success: true, Message: "indexing run completed"}
	})
	bus.RegisterCommand(bus.ComponentIndexer, bus.CmdPause, func(cmd bus.Command) bus.CommandResult {
		idx.Controller().Pause()
		return bus.CommandResult{Success: true, Message: "pause requested"}
	})
	bus.RegisterCommand(bus.ComponentIndexer, bus.CmdResume, func(cmd bus.Command) bus.CommandResult {
		idx.Controller().Resume()
		return bus.CommandResult{Success: true, Message: "resumed"}
	})
	bus.RegisterCommand(bus.ComponentIndexer, bus.CmdStop, func(cmd bus.Command) bus.CommandResult {
		idx.Controller().Stop()
		return bus.CommandResult{Success: true, Message: "stop requested"}
	})

	bus.RegisterCommand(bus.ComponentMigration, bus.CmdStart, func(cmd bus.Command) bus.CommandResult {
		if err := mig.Run(context.Background()); err != nil {
			return bus.CommandResult{Error: err, Message: err.Error()}
		}
		return bus.CommandResult{Success: true, Message: "migration run completed"}
	})
	bus.RegisterCommand(bus.ComponentMigration, bus.CmdPause, func(cmd bus.Command) bus.CommandResult {
		mig.Controller().Pause()
		return bus.CommandResult{Success: true, Message: "pause requested"}
	})
	bus.RegisterCommand(bus.ComponentMigration, bus.CmdResume, func(cmd bus.Command) bus.CommandResult {
		mig.Controller().Resume()
		return bus.CommandResult{Success: true, Message: "resumed"}
	})
	bus.RegisterCommand(bus.ComponentMigration, bus.CmdStop, func(cmd bus.Command) bus.CommandResult {
		mig.Controller().Stop()
		return bus.CommandResult{Success: true, Message: "stop requested"}
	})

	// The core never runs the enrichment backend itself; ComponentEnrichment
	// has no registered handler on purpose — an external backend registers
	// its own (or simply polls NeedsEnrichment) once it comes online.
	bus.RegisterCommand(bus.ComponentRetrieval, bus.CmdNeedsEnrichment, func(cmd bus.Command) bus.CommandResult {
		limit, _ := cmd.Payload.(int)
		sessions, err := retr.NeedsEnrichment(context.Background(), limit)
		if err != nil {
			return bus.CommandResult{Error: err, Message: err.Error()}
		}
		return bus.CommandResult{Success: true, Data: sessions}
	})
}

// subscribeNotificationLog mirrors spec.md §6's notification stream onto
// the process log, standing in for the HTTP/WebSocket subscriber this
// module doesn't implement.
func subscribeNotificationLog() {
	bus.SubscribeEvent(bus.TopicRunInfo, func(e bus.Event) { L_info("notification", "topic", e.Topic, "data", e.Data) })
	bus.SubscribeEvent(bus.TopicRunWarn, func(e bus.Event) { L_warn("notification", "topic", e.Topic, "data", e.Data) })
	bus.SubscribeEvent(bus.TopicRunError, func(e bus.Event) { L_error("notification", "topic", e.Topic, "data", e.Data) })
}
