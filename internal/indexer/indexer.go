// Package indexer orchestrates one end-to-end ingestion pass: scan the
// configured sources, dispatch each discovered file to its format parser,
// normalize the result, and land it durably through the batch writer. It
// drives its own internal/runtime.Controller instance through the full
// scan/sessions/conversations/tasks/facets/stats/plans/history/fingerprint/
// backup/done phase cycle, exactly the way internal/migration drives a
// separate Controller through its own four-phase cycle.
package indexer

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	. "github.com/flyingrobots/blacklight/internal/logging"

	"github.com/flyingrobots/blacklight/internal/cas"
	"github.com/flyingrobots/blacklight/internal/config"
	"github.com/flyingrobots/blacklight/internal/contentstore"
	"github.com/flyingrobots/blacklight/internal/discover"
	"github.com/flyingrobots/blacklight/internal/fingerprint"
	"github.com/flyingrobots/blacklight/internal/ingesterr"
	"github.com/flyingrobots/blacklight/internal/model"
	"github.com/flyingrobots/blacklight/internal/normalize"
	"github.com/flyingrobots/blacklight/internal/parser/aux"
	"github.com/flyingrobots/blacklight/internal/parser/claude"
	"github.com/flyingrobots/blacklight/internal/parser/codex"
	"github.com/flyingrobots/blacklight/internal/parser/gemini"
	"github.com/flyingrobots/blacklight/internal/runtime"
	"github.com/flyingrobots/blacklight/internal/scanner"
	"github.com/flyingrobots/blacklight/internal/writer"
)

// Engine owns one indexing run's collaborators and its own Controller slot.
type Engine struct {
	db    *sql.DB
	cfg   config.Config
	store *contentstore.Store
	cas   *cas.Store
	norm  *normalize.Normalizer
	wr    *writer.Writer

	controller *runtime.Controller

	// touchedSessions accumulates the IDs of sessions this run wrote to, so
	// the fingerprint and backup phases only revisit what actually changed.
	touchedSessions map[string]bool
}

// New constructs an Engine. cfg must already have passed config.Resolve.
func New(db *sql.DB, casStore *cas.Store, store *contentstore.Store, cfg config.Config) *Engine {
	return &Engine{
		db:    db,
		cfg:   cfg,
		store: store,
		cas:   casStore,
		norm:  normalize.New(store, cfg.DedupThresholdBytes, cfg.IndexThinkingBlocks),
		wr:    writer.New(db),
	}
}

// Controller exposes the run's lifecycle/progress state machine.
func (e *Engine) Controller() *runtime.Controller {
	if e.controller == nil {
		e.controller = runtime.NewController()
	}
	return e.controller
}

// Run executes one indexing pass. full forces every discovered file to be
// fully reparsed regardless of the scanner's unchanged/modified diff,
// matching the "start(full?)" control signal; a scheduler tick always
// passes full=false, relying on the scanner's manifest diff to do the
// minimal amount of work.
func (e *Engine) Run(ctx context.Context, full bool) error {
	if !e.Controller().Start() {
		return ingesterr.New(ingesterr.KindBusy, ingesterr.ErrBusy)
	}
	err := e.run(ctx, full)
	e.Controller().Finish(err)
	return err
}

func (e *Engine) run(ctx context.Context, full bool) error {
	e.touchedSessions = make(map[string]bool)
	ctrl := e.Controller()

	ctrl.SetPhase(runtime.PhaseScan)
	sc := scanner.New(e.db, e.sources(), e.cfg.SkipDirs)
	changes, err := sc.Scan(ctx)
	if err != nil {
		return err
	}
	if full {
		for i := range changes {
			if changes[i].Kind == model.ChangeUnchanged {
				changes[i].Kind = model.ChangeModified
				changes[i].Resume = false
				changes[i].Entry.ByteOffsetIndexed = 0
			}
		}
	}
	ctrl.AddFilesTotal(int64(countActionable(changes)))

	grouped := groupByKind(changes)

	ctrl.SetPhase(runtime.PhaseSessions)
	if mustStop := ctrl.CheckPoint(); mustStop {
		return ingesterr.New(ingesterr.KindCancelled, ingesterr.ErrCancelled)
	}
	if err := e.runManifestOnly(ctx, grouped[model.FileSessionIndex]); err != nil {
		return err
	}
	if err := e.runManifestOnly(ctx, grouped[model.FileDesktopLocal]); err != nil {
		return err
	}

	ctrl.SetPhase(runtime.PhaseConversations)
	for _, kind := range []model.FileKind{model.FileSessionJSONL, model.FileGeminiSession, model.FileCodexRollout} {
		for _, ch := range grouped[kind] {
			if mustStop := ctrl.CheckPoint(); mustStop {
				return ingesterr.New(ingesterr.KindCancelled, ingesterr.ErrCancelled)
			}
			if ch.Kind == model.ChangeUnchanged {
				continue
			}
			if err := e.runConversationFile(ctx, ch); err != nil {
				L_warn("indexer: file failed, skipping", "path", ch.Entry.Path, "error", err)
				continue
			}
		}
	}

	ctrl.SetPhase(runtime.PhaseTasks)
	for _, ch := range grouped[model.FileTasks] {
		if mustStop := ctrl.CheckPoint(); mustStop {
			return ingesterr.New(ingesterr.KindCancelled, ingesterr.ErrCancelled)
		}
		if ch.Kind == model.ChangeUnchanged {
			continue
		}
		if err := e.runTaskFile(ctx, ch); err != nil {
			L_warn("indexer: task file failed, skipping", "path", ch.Entry.Path, "error", err)
		}
	}

	ctrl.SetPhase(runtime.PhaseFacets)
	for _, ch := range grouped[model.FileFacet] {
		if mustStop := ctrl.CheckPoint(); mustStop {
			return ingesterr.New(ingesterr.KindCancelled, ingesterr.ErrCancelled)
		}
		if ch.Kind == model.ChangeUnchanged {
			continue
		}
		if err := e.runFacetFile(ctx, ch); err != nil {
			L_warn("indexer: facet file failed, skipping", "path", ch.Entry.Path, "error", err)
		}
	}

	ctrl.SetPhase(runtime.PhaseStats)
	for _, ch := range grouped[model.FileStats] {
		if mustStop := ctrl.CheckPoint(); mustStop {
			return ingesterr.New(ingesterr.KindCancelled, ingesterr.ErrCancelled)
		}
		if ch.Kind == model.ChangeUnchanged {
			continue
		}
		if err := e.runStatsFile(ctx, ch); err != nil {
			L_warn("indexer: stats file failed, skipping", "path", ch.Entry.Path, "error", err)
		}
	}

	ctrl.SetPhase(runtime.PhasePlans)
	for _, ch := range grouped[model.FilePlan] {
		if mustStop := ctrl.CheckPoint(); mustStop {
			return ingesterr.New(ingesterr.KindCancelled, ingesterr.ErrCancelled)
		}
		if ch.Kind == model.ChangeUnchanged {
			continue
		}
		if err := e.runPlanFile(ctx, ch); err != nil {
			L_warn("indexer: plan file failed, skipping", "path", ch.Entry.Path, "error", err)
		}
	}

	ctrl.SetPhase(runtime.PhaseHistory)
	for _, ch := range grouped[model.FileHistory] {
		if mustStop := ctrl.CheckPoint(); mustStop {
			return ingesterr.New(ingesterr.KindCancelled, ingesterr.ErrCancelled)
		}
		if ch.Kind == model.ChangeUnchanged {
			continue
		}
		if err := e.runHistoryFile(ctx, ch); err != nil {
			L_warn("indexer: history file failed, skipping", "path", ch.Entry.Path, "error", err)
		}
	}

	ctrl.SetPhase(runtime.PhaseFingerprint)
	if err := e.fingerprintTouchedSessions(ctx); err != nil {
		return err
	}

	ctrl.SetPhase(runtime.PhaseBackup)
	if err := e.backupTouchedSessions(ctx); err != nil {
		return err
	}

	return nil
}

func (e *Engine) sources() []model.Source {
	configured := make([]model.Source, 0, len(e.cfg.Sources))
	for _, sc := range e.cfg.Sources {
		configured = append(configured, model.Source{
			Name: sc.Name, Kind: sc.Kind, Root: sc.Path, CASPrefix: sc.CASPrefix,
		})
	}
	return discover.Sources(configured)
}

func groupByKind(changes []scanner.Change) map[model.FileKind][]scanner.Change {
	out := make(map[model.FileKind][]scanner.Change)
	for _, ch := range changes {
		out[ch.Entry.Kind] = append(out[ch.Entry.Kind], ch)
	}
	return out
}

func countActionable(changes []scanner.Change) int {
	n := 0
	for _, ch := range changes {
		if ch.Kind != model.ChangeUnchanged {
			n++
		}
	}
	return n
}

// runManifestOnly records the manifest row for files the indexer
// classifies but does not itself parse into conversation content (session
// index summaries and desktop-local caches): their presence and byte
// range is tracked so a future format extension can resume from here, but
// they contribute no Session/Message rows on their own.
func (e *Engine) runManifestOnly(ctx context.Context, changes []scanner.Change) error {
	for _, ch := range changes {
		if ch.Kind == model.ChangeUnchanged {
			continue
		}
		entry := ch.Entry
		entry.ByteOffsetIndexed = entry.Size
		if err := scanner.Commit(ctx, e.db, entry); err != nil {
			return err
		}
	}
	return nil
}

// sessionSlug derives sessions.project_slug from a project path: lowercase,
// path separators and anything not alphanumeric collapsed to a single '-'.
func sessionSlug(projectPath string) string {
	base := strings.ToLower(filepath.ToSlash(projectPath))
	var b strings.Builder
	prevDash := false
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func (e *Engine) runConversationFile(ctx context.Context, ch scanner.Change) error {
	switch ch.Entry.Kind {
	case model.FileSessionJSONL:
		p, err := claude.Open(ch.Entry.Path, ch.Entry.ByteOffsetIndexed)
		if err != nil {
			return err
		}
		defer p.Close()
		return e.runStreamingFile(ctx, ch, model.SourceClaude, p)
	case model.FileCodexRollout:
		p, err := codex.Open(ch.Entry.Path, ch.Entry.ByteOffsetIndexed)
		if err != nil {
			return err
		}
		defer p.Close()
		return e.runStreamingFile(ctx, ch, model.SourceCodex, p)
	case model.FileGeminiSession:
		return e.runGeminiFile(ctx, ch)
	default:
		return nil
	}
}

// streamParser is satisfied by internal/parser/claude.Parser and
// internal/parser/codex.Parser: a lazy, offset-resumable reader that
// yields one normalize.RawTurn per call until io.EOF.
type streamParser interface {
	Next() (normalize.RawTurn, normalize.SessionMeta, error)
	Offset() int64
}

// runStreamingFile drives a Claude- or Codex-shaped streaming parser to
// completion, normalizing each turn and flushing a writer.Batch every
// writer.BatchSize messages or at end of file. The controller is
// checkpointed between batches, never with a transaction open.
func (e *Engine) runStreamingFile(ctx context.Context, ch scanner.Change, kind model.SourceKind, p streamParser) error {
	sessionID := ""
	var meta normalize.SessionMeta
	batch := writer.Batch{SourceName: ch.Entry.SourceName, Path: ch.Entry.Path}
	messageCount := 0
	turnIndex := 0
	var firstTS, lastTS time.Time

	flush := func() error {
		if len(batch.Messages) == 0 {
			entry := ch.Entry
			entry.ByteOffsetIndexed = batch.Offset
			return scanner.Commit(ctx, e.db, entry)
		}
		if sessionID != "" {
			if lastTS.IsZero() {
				lastTS = time.Now()
			}
			batch.Sessions = []model.Session{{
				ID: sessionID, ProjectPath: meta.ProjectPath, ProjectSlug: sessionSlug(meta.ProjectPath),
				FirstPrompt: meta.FirstPrompt, Summary: meta.Summary, MessageCount: messageCount,
				CreatedAt: firstTS, ModifiedAt: lastTS, GitBranch: meta.GitBranch, AppVersion: meta.AppVersion,
				IsSidechain: meta.IsSidechain, SourceName: ch.Entry.SourceName, SourceKind: kind,
				SourceFile: ch.Entry.Path,
			}}
		}
		if err := e.wr.Commit(ctx, batch); err != nil {
			return err
		}
		entry := ch.Entry
		entry.ByteOffsetIndexed = batch.Offset
		if err := scanner.Commit(ctx, e.db, entry); err != nil {
			return err
		}
		if sessionID != "" {
			e.touchedSessions[sessionID] = true
		}
		batch = writer.Batch{SourceName: ch.Entry.SourceName, Path: ch.Entry.Path, Offset: batch.Offset}
		return nil
	}

	for {
		turn, turnMeta, err := p.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		meta.Merge(turnMeta)
		if sessionID == "" {
			sessionID = meta.ID
		}
		batch.Offset = p.Offset()

		if turn.Persisted {
			res, nerr := e.norm.Turn(ctx, sessionID, turnIndex, turn)
			turnIndex++
			if nerr != nil {
				L_warn("indexer: normalize failed, skipping turn", "path", ch.Entry.Path, "error", nerr)
			} else if res.Message != nil {
				messageCount++
				if firstTS.IsZero() || turn.Timestamp.Before(firstTS) {
					firstTS = turn.Timestamp
				}
				if turn.Timestamp.After(lastTS) {
					lastTS = turn.Timestamp
				}
				batch.Messages = append(batch.Messages, *res.Message)
				batch.Blocks = append(batch.Blocks, res.Blocks...)
				batch.ToolCalls = append(batch.ToolCalls, res.ToolCalls...)
				batch.FileRefs = append(batch.FileRefs, res.FileRefs...)
			}
		}

		if len(batch.Messages) >= writer.BatchSize {
			if err := flush(); err != nil {
				return err
			}
			if mustStop := e.Controller().CheckPoint(); mustStop {
				return ingesterr.New(ingesterr.KindCancelled, ingesterr.ErrCancelled)
			}
		}
	}

	if err := flush(); err != nil {
		return err
	}
	e.Controller().AddFilesDone(1)
	e.Controller().AddMessagesProcessed(int64(messageCount))
	return nil
}

// runGeminiFile parses one whole Gemini session document and writes it as
// a single batch; Gemini sessions are never resumed mid-file (see
// internal/parser/gemini's package doc).
func (e *Engine) runGeminiFile(ctx context.Context, ch scanner.Change) error {
	meta, turns, err := gemini.Parse(ch.Entry.Path)
	if err != nil {
		return err
	}
	return e.writeSession(ctx, ch, model.SourceGemini, meta, turns, ch.Entry.Size)
}

func (e *Engine) writeSession(
	ctx context.Context, ch scanner.Change, kind model.SourceKind,
	meta normalize.SessionMeta, turns []normalize.RawTurn, finalOffset int64,
) error {
	sessionID := meta.ID
	if sessionID == "" {
		return nil
	}
	batch := writer.Batch{}
	messageCount := 0
	var firstTS, lastTS time.Time

	for i, turn := range turns {
		res, err := e.norm.Turn(ctx, sessionID, i, turn)
		if err != nil {
			L_warn("indexer: normalize failed, skipping turn", "session", sessionID, "error", err)
			continue
		}
		if res.Message == nil {
			continue
		}
		messageCount++
		if firstTS.IsZero() || turn.Timestamp.Before(firstTS) {
			firstTS = turn.Timestamp
		}
		if turn.Timestamp.After(lastTS) {
			lastTS = turn.Timestamp
		}
		batch.Messages = append(batch.Messages, *res.Message)
		batch.Blocks = append(batch.Blocks, res.Blocks...)
		batch.ToolCalls = append(batch.ToolCalls, res.ToolCalls...)
		batch.FileRefs = append(batch.FileRefs, res.FileRefs...)
	}

	if lastTS.IsZero() {
		lastTS = time.Now()
	}
	batch.Sessions = []model.Session{{
		ID: sessionID, ProjectPath: meta.ProjectPath, ProjectSlug: sessionSlug(meta.ProjectPath),
		FirstPrompt: meta.FirstPrompt, Summary: meta.Summary, MessageCount: messageCount,
		CreatedAt: firstTS, ModifiedAt: lastTS, GitBranch: meta.GitBranch, AppVersion: meta.AppVersion,
		IsSidechain: meta.IsSidechain, SourceName: ch.Entry.SourceName, SourceKind: kind,
		SourceFile: ch.Entry.Path,
	}}

	if err := e.wr.Commit(ctx, batch); err != nil {
		return err
	}
	entry := ch.Entry
	entry.ByteOffsetIndexed = finalOffset
	if err := scanner.Commit(ctx, e.db, entry); err != nil {
		return err
	}
	e.Controller().AddFilesDone(1)
	e.Controller().AddMessagesProcessed(int64(messageCount))
	e.touchedSessions[sessionID] = true
	return nil
}

func (e *Engine) runTaskFile(ctx context.Context, ch scanner.Change) error {
	t, err := aux.ParseTask(ch.Entry.Path, ch.Entry.SourceName)
	if err != nil {
		return err
	}
	if err := aux.PersistTask(ctx, e.db, t); err != nil {
		return err
	}
	return e.commitManifest(ctx, ch)
}

func (e *Engine) runFacetFile(ctx context.Context, ch scanner.Change) error {
	f, err := aux.ParseFacet(ch.Entry.Path)
	if err != nil {
		return err
	}
	if err := aux.PersistFacet(ctx, e.db, f); err != nil {
		return err
	}
	return e.commitManifest(ctx, ch)
}

func (e *Engine) runStatsFile(ctx context.Context, ch scanner.Change) error {
	stats, err := aux.ParseStatsCache(ch.Entry.Path)
	if err != nil {
		return err
	}
	for _, s := range stats {
		if err := aux.PersistDailyStats(ctx, e.db, s); err != nil {
			return err
		}
	}
	return e.commitManifest(ctx, ch)
}

func (e *Engine) runPlanFile(ctx context.Context, ch scanner.Change) error {
	p, err := aux.ParsePlan(ctx, e.store, ch.Entry.Path)
	if err != nil {
		return err
	}
	if err := aux.PersistPlan(ctx, e.db, p); err != nil {
		return err
	}
	return e.commitManifest(ctx, ch)
}

func (e *Engine) runHistoryFile(ctx context.Context, ch scanner.Change) error {
	entries, err := aux.ParseHistory(ch.Entry.Path, ch.Entry.SourceName)
	if err != nil {
		return err
	}
	for _, h := range entries {
		if err := aux.PersistHistoryEntry(ctx, e.db, h); err != nil {
			return err
		}
	}
	return e.commitManifest(ctx, ch)
}

func (e *Engine) commitManifest(ctx context.Context, ch scanner.Change) error {
	entry := ch.Entry
	entry.ByteOffsetIndexed = entry.Size
	if err := scanner.Commit(ctx, e.db, entry); err != nil {
		return err
	}
	e.Controller().AddFilesDone(1)
	return nil
}

// fingerprintTouchedSessions recomputes the Merkle root for every session
// this run wrote a message to, the same canonical (timestamp, turn_index,
// id) re-sort internal/migration uses, so a session's fingerprint never
// depends on whether it was built fresh or backfilled by the migration
// engine.
func (e *Engine) fingerprintTouchedSessions(ctx context.Context) error {
	for sessionID := range e.touchedSessions {
		if mustStop := e.Controller().CheckPoint(); mustStop {
			return ingesterr.New(ingesterr.KindCancelled, ingesterr.ErrCancelled)
		}
		turns, err := e.loadTurnKeys(ctx, sessionID)
		if err != nil {
			return err
		}
		root := fingerprint.SessionMerkleRoot(turns)
		if _, err := e.db.ExecContext(ctx, `UPDATE sessions SET fingerprint = ? WHERE id = ?`, root, sessionID); err != nil {
			return ingesterr.New(ingesterr.KindConstraint, err)
		}
	}
	return nil
}

func (e *Engine) loadTurnKeys(ctx context.Context, sessionID string) ([]fingerprint.TurnKey, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, turn_index, timestamp, COALESCE(fingerprint, '') FROM messages WHERE session_id = ?
	`, sessionID)
	if err != nil {
		return nil, ingesterr.New(ingesterr.KindIO, err)
	}
	defer rows.Close()

	var turns []fingerprint.TurnKey
	for rows.Next() {
		var id, fp string
		var turnIndex int
		var ts int64
		if err := rows.Scan(&id, &turnIndex, &ts, &fp); err != nil {
			return nil, ingesterr.New(ingesterr.KindIO, err)
		}
		turns = append(turns, fingerprint.TurnKey{
			Timestamp: timestampKey(ts), TurnIndex: turnIndex, ID: id, Fingerprint: fp,
		})
	}
	return turns, rows.Err()
}

// timestampKey renders a millisecond unix timestamp as a fixed-width,
// zero-padded decimal string so lexical and chronological order agree,
// matching internal/migration's encoding for the same purpose.
func timestampKey(unixMilli int64) string {
	return fmt.Sprintf("%020d", unixMilli)
}

// backupTouchedSessions vaults every session this run wrote to, skipping
// ones already backed up, the same bulk-backup semantics internal/migration
// applies to the whole database at once.
func (e *Engine) backupTouchedSessions(ctx context.Context) error {
	for sessionID := range e.touchedSessions {
		if mustStop := e.Controller().CheckPoint(); mustStop {
			return ingesterr.New(ingesterr.KindCancelled, ingesterr.ErrCancelled)
		}
		var sourceFile, sourceName, casPrefix string
		err := e.db.QueryRowContext(ctx, `
			SELECT COALESCE(s.source_file, ''), s.source_name, src.cas_prefix
			FROM sessions s JOIN sources src ON src.name = s.source_name
			WHERE s.id = ?
		`, sessionID).Scan(&sourceFile, &sourceName, &casPrefix)
		if err == sql.ErrNoRows || sourceFile == "" {
			continue
		}
		if err != nil {
			return ingesterr.New(ingesterr.KindIO, err)
		}

		var alreadyBackedUp int
		if err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_backups WHERE session_id = ?`, sessionID).Scan(&alreadyBackedUp); err != nil {
			return ingesterr.New(ingesterr.KindIO, err)
		}
		if alreadyBackedUp > 0 {
			continue
		}

		if _, _, err := e.cas.Backup(ctx, sessionID, casPrefix, sourceFile); err != nil {
			L_warn("indexer: backup failed, skipping", "session", sessionID, "error", err)
			continue
		}
	}
	return nil
}
