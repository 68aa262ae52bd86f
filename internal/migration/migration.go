// Package migration retrofits an older index to the bit-perfect standard
// (spec.md §4.8): back up every session missing a CAS copy, then compute
// and write message, tool-call, and session fingerprints. It reuses
// internal/runtime.Controller for its own independent progress/lifecycle
// slot, exactly like the indexer.
package migration

import (
	"context"
	"database/sql"
	"time"

	. "github.com/flyingrobots/blacklight/internal/logging"

	"github.com/flyingrobots/blacklight/internal/cas"
	"github.com/flyingrobots/blacklight/internal/fingerprint"
	"github.com/flyingrobots/blacklight/internal/ingesterr"
	"github.com/flyingrobots/blacklight/internal/runtime"
)

// Engine drives the V3->V4 backfill.
type Engine struct {
	db         *sql.DB
	cas        *cas.Store
	controller *runtime.Controller
}

// New constructs a migration Engine with its own Controller instance.
func New(db *sql.DB, casStore *cas.Store) *Engine {
	return &Engine{db: db, cas: casStore, controller: runtime.NewController()}
}

// Controller exposes the engine's runtime state machine for status queries
// and pause/resume/stop control.
func (e *Engine) Controller() *runtime.Controller { return e.controller }

// Run executes the four migration phases in order, checking the
// controller's cooperative pause/cancel signal between each session it
// processes. Each phase is independently resumable: re-running Run after a
// partial run only touches the sessions/messages/tool_calls that still
// lack their target field.
func (e *Engine) Run(ctx context.Context) error {
	if !e.controller.Start() {
		return ingesterr.New(ingesterr.KindBusy, ingesterr.ErrBusy)
	}

	err := e.run(ctx)
	e.controller.Finish(err)
	return err
}

func (e *Engine) run(ctx context.Context) error {
	if err := e.bulkBackup(ctx); err != nil {
		return err
	}
	if e.controller.CheckPoint() {
		return nil
	}

	e.controller.SetPhase(runtime.PhaseFingerprint)
	if err := e.fingerprintMessages(ctx); err != nil {
		return err
	}
	if e.controller.CheckPoint() {
		return nil
	}

	if err := e.fingerprintToolCalls(ctx); err != nil {
		return err
	}
	if e.controller.CheckPoint() {
		return nil
	}

	return e.computeSessionRoots(ctx)
}

// bulkBackup copies every session's original source file into CAS if it
// has no session_backups row yet.
func (e *Engine) bulkBackup(ctx context.Context) error {
	e.controller.SetPhase(runtime.PhaseBackup)

	rows, err := e.db.QueryContext(ctx, `
		SELECT s.id, s.source_file, src.cas_prefix
		FROM sessions s
		JOIN sources src ON src.name = s.source_name
		LEFT JOIN session_backups sb ON sb.session_id = s.id
		WHERE sb.session_id IS NULL AND s.source_file IS NOT NULL AND s.source_file != ''
	`)
	if err != nil {
		return ingesterr.New(ingesterr.KindIO, err)
	}
	defer rows.Close()

	type pending struct{ sessionID, sourceFile, casPrefix string }
	var work []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.sessionID, &p.sourceFile, &p.casPrefix); err != nil {
			return ingesterr.New(ingesterr.KindIO, err)
		}
		work = append(work, p)
	}
	if err := rows.Err(); err != nil {
		return ingesterr.New(ingesterr.KindIO, err)
	}

	e.controller.AddTotalSessions(int64(len(work)))
	for _, p := range work {
		if e.controller.CheckPoint() {
			return nil
		}
		if _, _, err := e.cas.Backup(ctx, p.sessionID, p.casPrefix, p.sourceFile); err != nil {
			L_warn("migration: backup failed", "session", p.sessionID, "error", err)
			continue
		}
		e.controller.AddBackedUp(1)
	}
	return nil
}

// fingerprintMessages iterates messages missing a fingerprint in
// (session_id, timestamp, turn_index) order and computes/writes them.
func (e *Engine) fingerprintMessages(ctx context.Context) error {
	rows, err := e.db.QueryContext(ctx, `
		SELECT m.id, m.session_id, m.type, m.timestamp,
		       cb.block_index, cb.block_type, cb.content_hash, cb.tool_name, cb.tool_use_id, cb.tool_input_hash
		FROM messages m
		LEFT JOIN content_blocks cb ON cb.message_id = m.id
		WHERE m.fingerprint IS NULL OR m.fingerprint = ''
		ORDER BY m.session_id, m.timestamp, m.turn_index, cb.block_index
	`)
	if err != nil {
		return ingesterr.New(ingesterr.KindIO, err)
	}
	defer rows.Close()

	type blockRow struct {
		blockType, contentHash, toolName, toolUseID, toolInputHash sql.NullString
		blockIndex                                                 sql.NullInt64
	}
	type msgAgg struct {
		sessionID, msgType, timestamp string
		blocks                        []fingerprint.ContentBlockInput
	}
	order := []string{}
	agg := map[string]*msgAgg{}

	for rows.Next() {
		var id, sessionID, msgType string
		var tsMs int64
		var b blockRow
		if err := rows.Scan(&id, &sessionID, &msgType, &tsMs,
			&b.blockIndex, &b.blockType, &b.contentHash, &b.toolName, &b.toolUseID, &b.toolInputHash); err != nil {
			return ingesterr.New(ingesterr.KindIO, err)
		}
		a, ok := agg[id]
		if !ok {
			timestamp := time.UnixMilli(tsMs).UTC().Format(time.RFC3339Nano)
			a = &msgAgg{sessionID: sessionID, msgType: msgType, timestamp: timestamp}
			agg[id] = a
			order = append(order, id)
		}
		if b.blockType.Valid {
			a.blocks = append(a.blocks, fingerprint.ContentBlockInput{
				BlockType:     b.blockType.String,
				ContentHash:   b.contentHash.String,
				ToolName:      b.toolName.String,
				ToolUseID:     b.toolUseID.String,
				ToolInputHash: b.toolInputHash.String,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return ingesterr.New(ingesterr.KindIO, err)
	}

	for _, id := range order {
		if e.controller.CheckPoint() {
			return nil
		}
		a := agg[id]
		fp := fingerprint.TurnFingerprint(fingerprint.TurnInput{Type: a.msgType, Timestamp: a.timestamp, Blocks: a.blocks})
		if _, err := e.db.ExecContext(ctx, `UPDATE messages SET fingerprint = ? WHERE id = ?`, fp, id); err != nil {
			return ingesterr.New(ingesterr.KindIO, err)
		}
		e.controller.AddFingerprintsUpdated(1)
	}
	return nil
}

// fingerprintToolCalls computes and writes a ToolCallFingerprint for every
// tool_calls row that is both missing one and complete (tool_name,
// input_hash, and output_hash all present). A row still waiting on its
// other half is left alone; it gets fingerprinted once internal/writer
// observes the matching tool_use or tool_result.
func (e *Engine) fingerprintToolCalls(ctx context.Context) error {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, tool_name, input_hash, output_hash
		FROM tool_calls
		WHERE (fingerprint IS NULL OR fingerprint = '')
			AND tool_name != '' AND input_hash IS NOT NULL AND output_hash IS NOT NULL
	`)
	if err != nil {
		return ingesterr.New(ingesterr.KindIO, err)
	}
	defer rows.Close()

	type tc struct{ id, name, inHash, outHash string }
	var work []tc
	for rows.Next() {
		var t tc
		if err := rows.Scan(&t.id, &t.name, &t.inHash, &t.outHash); err != nil {
			return ingesterr.New(ingesterr.KindIO, err)
		}
		work = append(work, t)
	}
	if err := rows.Err(); err != nil {
		return ingesterr.New(ingesterr.KindIO, err)
	}

	for _, t := range work {
		if e.controller.CheckPoint() {
			return nil
		}
		fp := fingerprint.ToolCallFingerprint(fingerprint.ToolCallInput{ToolName: t.name, InputHash: t.inHash, OutputHash: t.outHash})
		if _, err := e.db.ExecContext(ctx, `UPDATE tool_calls SET fingerprint = ? WHERE id = ?`, fp, t.id); err != nil {
			return ingesterr.New(ingesterr.KindIO, err)
		}
		e.controller.AddFingerprintsUpdated(1)
	}
	return nil
}

// computeSessionRoots recomputes each session's Merkle root from its
// messages' turn fingerprints in canonical order.
func (e *Engine) computeSessionRoots(ctx context.Context) error {
	sessionRows, err := e.db.QueryContext(ctx, `SELECT id FROM sessions`)
	if err != nil {
		return ingesterr.New(ingesterr.KindIO, err)
	}
	var sessionIDs []string
	for sessionRows.Next() {
		var id string
		if err := sessionRows.Scan(&id); err != nil {
			sessionRows.Close()
			return ingesterr.New(ingesterr.KindIO, err)
		}
		sessionIDs = append(sessionIDs, id)
	}
	sessionRows.Close()
	if err := sessionRows.Err(); err != nil {
		return ingesterr.New(ingesterr.KindIO, err)
	}

	for _, sessionID := range sessionIDs {
		if e.controller.CheckPoint() {
			return nil
		}
		turns, err := e.loadTurnKeys(ctx, sessionID)
		if err != nil {
			return err
		}
		root := fingerprint.SessionMerkleRoot(turns)
		if _, err := e.db.ExecContext(ctx, `UPDATE sessions SET fingerprint = ? WHERE id = ?`, root, sessionID); err != nil {
			return ingesterr.New(ingesterr.KindIO, err)
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
	if err := rows.Err(); err != nil {
		return nil, ingesterr.New(ingesterr.KindIO, err)
	}
	return turns, nil
}

// timestampKey renders a millisecond unix timestamp as a fixed-width
// decimal string so lexical and chronological ordering agree, same
// invariant fingerprint.TurnKey documents for RFC3339Nano strings.
func timestampKey(unixMilli int64) string {
	const width = 20
	s := make([]byte, 0, width)
	digits := []byte{}
	n := unixMilli
	if n == 0 {
		digits = append(digits, '0')
	}
	for n > 0 {
		digits = append(digits, byte('0'+n%10))
		n /= 10
	}
	for i := len(digits) - 1; i >= 0; i-- {
		s = append(s, digits[i])
	}
	for len(s) < width {
		s = append([]byte{'0'}, s...)
	}
	return string(s)
}
