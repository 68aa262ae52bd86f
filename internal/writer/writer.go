// Package writer durably persists the records internal/normalize produces.
// It groups them into batches of ~500 messages written in a single
// transaction, replays a failed batch record-by-record so one bad record
// never loses its neighbors, and only advances a file's indexed_files
// offset after its batch has actually committed.
package writer

import (
	"context"
	"database/sql"
	"fmt"

	. "github.com/flyingrobots/blacklight/internal/logging"

	"github.com/flyingrobots/blacklight/internal/fingerprint"
	"github.com/flyingrobots/blacklight/internal/ingesterr"
	"github.com/flyingrobots/blacklight/internal/model"
)

// BatchSize is the target number of messages per transaction (spec: "~500
// messages (or end-of-file)").
const BatchSize = 500

// Batch is one unit of work for Commit: everything internal/normalize
// produced while parsing up to BatchSize messages, plus the file-offset
// bookmark to advance once it all durably lands.
type Batch struct {
	Sessions  []model.Session
	Messages  []model.Message
	Blocks    []model.ContentBlock
	ToolCalls []model.ToolCall
	FileRefs  []model.FileReference

	// Offset, when SourceName/Path are set, is applied to indexed_files
	// only after this batch's transaction commits.
	SourceName string
	Path       string
	Offset     int64
}

// Writer owns the *sql.DB handle used to persist batches.
type Writer struct {
	db *sql.DB
}

// New wraps db. Callers obtain db from internal/sqlitedb.Open.
func New(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// Commit writes b in one transaction. If the transaction fails, Commit
// falls back to replaying each record in its own transaction so a single
// malformed record doesn't cost the other ~499 (spec.md §4.6).
func (w *Writer) Commit(ctx context.Context, b Batch) error {
	if err := w.commitBatch(ctx, b); err == nil {
		return nil
	}

	L_warn("writer: batch failed, replaying record-by-record", "source", b.SourceName, "path", b.Path)
	return w.replayRecordByRecord(ctx, b)
}

func (w *Writer) commitBatch(ctx context.Context, b Batch) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return ingesterr.New(ingesterr.KindIO, err)
	}
	defer tx.Rollback()

	for _, s := range b.Sessions {
		if err := upsertSession(ctx, tx, s); err != nil {
			return err
		}
	}
	for _, m := range b.Messages {
		if err := insertMessage(ctx, tx, m); err != nil {
			return err
		}
	}
	for _, blk := range b.Blocks {
		if err := insertBlock(ctx, tx, blk); err != nil {
			return err
		}
	}
	for _, tc := range b.ToolCalls {
		if err := upsertToolCall(ctx, tx, tc); err != nil {
			return err
		}
	}
	for _, fr := range b.FileRefs {
		if err := insertFileRef(ctx, tx, fr); err != nil {
			return err
		}
	}
	if b.SourceName != "" && b.Path != "" {
		if err := advanceOffset(ctx, tx, b.SourceName, b.Path, b.Offset); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return ingesterr.New(ingesterr.KindIO, err)
	}
	return nil
}

// replayRecordByRecord writes every record of b in its own one-row
// transaction. Records whose insert fails are logged and skipped rather
// than aborting the whole batch; the file offset only advances once every
// other record in the batch has been attempted.
func (w *Writer) replayRecordByRecord(ctx context.Context, b Batch) error {
	for _, s := range b.Sessions {
		w.replayOne(ctx, func(tx *sql.Tx) error { return upsertSession(ctx, tx, s) }, "session", s.ID)
	}
	for _, m := range b.Messages {
		w.replayOne(ctx, func(tx *sql.Tx) error { return insertMessage(ctx, tx, m) }, "message", m.ID)
	}
	for _, blk := range b.Blocks {
		w.replayOne(ctx, func(tx *sql.Tx) error { return insertBlock(ctx, tx, blk) }, "block", fmt.Sprintf("%s:%d", blk.MessageID, blk.BlockIndex))
	}
	for _, tc := range b.ToolCalls {
		w.replayOne(ctx, func(tx *sql.Tx) error { return upsertToolCall(ctx, tx, tc) }, "tool_call", tc.ID)
	}
	for _, fr := range b.FileRefs {
		w.replayOne(ctx, func(tx *sql.Tx) error { return insertFileRef(ctx, tx, fr) }, "file_ref", fr.FilePath)
	}
	if b.SourceName != "" && b.Path != "" {
		w.replayOne(ctx, func(tx *sql.Tx) error {
			return advanceOffset(ctx, tx, b.SourceName, b.Path, b.Offset)
		}, "offset", b.Path)
	}
	return nil
}

func (w *Writer) replayOne(ctx context.Context, write func(*sql.Tx) error, kind, id string) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		L_error("writer: replay begin failed", "kind", kind, "id", id, "error", err)
		return
	}
	if err := write(tx); err != nil {
		tx.Rollback()
		L_error("writer: replay record dropped", "kind", kind, "id", id, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		L_error("writer: replay commit failed", "kind", kind, "id", id, "error", err)
	}
}

func upsertSession(ctx context.Context, tx *sql.Tx, s model.Session) error {
	var supersededAt interface{}
	if s.SupersededAt != nil {
		supersededAt = s.SupersededAt.Unix()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (
			id, project_path, project_slug, first_prompt, summary, message_count,
			created_at, modified_at, git_branch, app_version, is_sidechain,
			source_name, source_kind, fingerprint, source_file, superseded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_path = excluded.project_path,
			project_slug = excluded.project_slug,
			first_prompt = excluded.first_prompt,
			summary = excluded.summary,
			message_count = excluded.message_count,
			modified_at = excluded.modified_at,
			git_branch = excluded.git_branch,
			app_version = excluded.app_version,
			fingerprint = excluded.fingerprint,
			superseded_at = excluded.superseded_at
	`, s.ID, s.ProjectPath, s.ProjectSlug, s.FirstPrompt, s.Summary, s.MessageCount,
		s.CreatedAt.Unix(), s.ModifiedAt.Unix(), s.GitBranch, s.AppVersion, boolToInt(s.IsSidechain),
		s.SourceName, string(s.SourceKind), s.Fingerprint, s.SourceFile, supersededAt)
	if err != nil {
		return ingesterr.New(ingesterr.KindConstraint, fmt.Errorf("upsert session %s: %w", s.ID, err))
	}
	return nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, m model.Message) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (
			id, session_id, parent_id, type, timestamp, turn_index,
			model, stop_reason, duration_ms, fingerprint
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.SessionID, m.ParentID, string(m.Type), m.Timestamp.UnixMilli(), m.TurnIndex,
		m.Model, m.StopReason, m.DurationMs, m.Fingerprint)
	if err != nil {
		return ingesterr.New(ingesterr.KindConstraint, fmt.Errorf("insert message %s: %w", m.ID, err))
	}
	return nil
}

func insertBlock(ctx context.Context, tx *sql.Tx, b model.ContentBlock) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO content_blocks (
			message_id, block_index, block_type, content_hash, inline_content,
			tool_name, tool_use_id, tool_input_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, b.MessageID, b.BlockIndex, string(b.BlockType), nullIfEmpty(b.ContentHash), nullIfEmpty(b.InlineContent),
		nullIfEmpty(b.ToolName), nullIfEmpty(b.ToolUseID), nullIfEmpty(b.ToolInputHash))
	if err != nil {
		return ingesterr.New(ingesterr.KindConstraint, fmt.Errorf("insert block %s:%d: %w", b.MessageID, b.BlockIndex, err))
	}
	return nil
}

// upsertToolCall merges InputHash/OutputHash written at different times: a
// tool_use record supplies InputHash when the call starts, its matching
// tool_result supplies OutputHash later in the same session (possibly a
// different batch). Neither half knows at write time whether it's the one
// completing the pair, so normalize.go never sets Fingerprint on the row it
// hands us — it is computed here, after the merge, from whatever the
// COALESCE actually landed on. A row only gets a fingerprint once tool_name,
// input_hash, and output_hash have all been observed; a partial row is left
// with fingerprint NULL rather than a hash over incomplete data.
func upsertToolCall(ctx context.Context, tx *sql.Tx, tc model.ToolCall) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tool_calls (id, message_id, session_id, tool_name, input_hash, output_hash, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tool_name = CASE WHEN excluded.tool_name != '' THEN excluded.tool_name ELSE tool_calls.tool_name END,
			input_hash = COALESCE(excluded.input_hash, tool_calls.input_hash),
			output_hash = COALESCE(excluded.output_hash, tool_calls.output_hash)
	`, tc.ID, tc.MessageID, tc.SessionID, tc.ToolName, nullIfEmpty(tc.InputHash), nullIfEmpty(tc.OutputHash),
		tc.Timestamp.UnixMilli())
	if err != nil {
		return ingesterr.New(ingesterr.KindConstraint, fmt.Errorf("upsert tool_call %s: %w", tc.ID, err))
	}
	return stampToolCallFingerprint(ctx, tx, tc.ID)
}

// stampToolCallFingerprint reads back the merged row and, if it is now
// complete, computes and persists its fingerprint. Safe to call after every
// upsert: it is a no-op once the row already carries a fingerprint, since
// recomputing over the same triple yields the same hash.
func stampToolCallFingerprint(ctx context.Context, tx *sql.Tx, id string) error {
	var toolName string
	var inputHash, outputHash sql.NullString
	row := tx.QueryRowContext(ctx, `SELECT tool_name, input_hash, output_hash FROM tool_calls WHERE id = ?`, id)
	if err := row.Scan(&toolName, &inputHash, &outputHash); err != nil {
		return ingesterr.New(ingesterr.KindConstraint, fmt.Errorf("read back tool_call %s: %w", id, err))
	}
	if toolName == "" || !inputHash.Valid || !outputHash.Valid {
		return nil
	}

	fp := fingerprint.ToolCallFingerprint(fingerprint.ToolCallInput{
		ToolName:   toolName,
		InputHash:  inputHash.String,
		OutputHash: outputHash.String,
	})
	if _, err := tx.ExecContext(ctx, `UPDATE tool_calls SET fingerprint = ? WHERE id = ?`, fp, id); err != nil {
		return ingesterr.New(ingesterr.KindConstraint, fmt.Errorf("stamp fingerprint for tool_call %s: %w", id, err))
	}
	return nil
}

func insertFileRef(ctx context.Context, tx *sql.Tx, fr model.FileReference) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO file_references (file_path, content_hash, session_id, message_id, operation)
		VALUES (?, ?, ?, ?, ?)
	`, fr.FilePath, fr.ContentHash, fr.SessionID, fr.MessageID, string(fr.Operation))
	if err != nil {
		return ingesterr.New(ingesterr.KindConstraint, fmt.Errorf("insert file_ref %s: %w", fr.FilePath, err))
	}
	return nil
}

func advanceOffset(ctx context.Context, tx *sql.Tx, sourceName, path string, offset int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE indexed_files SET last_byte_offset = ? WHERE source_name = ? AND path = ?
	`, offset, sourceName, path)
	if err != nil {
		return ingesterr.New(ingesterr.KindIO, fmt.Errorf("advance offset %s/%s: %w", sourceName, path, err))
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
