// Package retrieval implements the read paths over the relational store
// and content store built by indexing: session listing and detail,
// message/tool/file views, raw replay via CAS, full-text search, and the
// coverage report. Indexing and retrieval never contend: retrieval issues
// plain read queries against the same SQLite handle, safe to run alongside
// a WAL-mode writer.
package retrieval

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/flyingrobots/blacklight/internal/cas"
	"github.com/flyingrobots/blacklight/internal/contentstore"
	"github.com/flyingrobots/blacklight/internal/ingesterr"
	"github.com/flyingrobots/blacklight/internal/model"
)

// Store answers read queries. It is stateless beyond its database handle
// and CAS store; callers construct one per process and share it across
// concurrent requests.
type Store struct {
	db    *sql.DB
	cas   *cas.Store
	store *contentstore.Store
}

// New constructs a retrieval Store.
func New(db *sql.DB, casStore *cas.Store) *Store {
	return &Store{db: db, cas: casStore, store: contentstore.New(db)}
}

// SessionFilter narrows a session listing.
type SessionFilter struct {
	Project string // matches sessions.project_slug, empty = any
	From    time.Time
	To      time.Time // zero = unbounded
}

// SessionSummary is one row of a session listing, joined with its
// enrichment and outcome facet if present.
type SessionSummary struct {
	model.Session
	Outcome        string
	EnrichmentTitle string
	EnrichmentSummary string
	Tags           []string
}

// ListSessions returns a page of sessions matching filter, sorted by
// modified_at descending, plus the total count across all pages (not just
// the returned page) so callers can render stable pagination.
func (s *Store) ListSessions(ctx context.Context, filter SessionFilter, limit, offset int) ([]SessionSummary, int, error) {
	if limit <= 0 {
		limit = 20
	}

	where := []string{"1=1"}
	args := []interface{}{}
	if filter.Project != "" {
		where = append(where, "s.project_slug = ?")
		args = append(args, filter.Project)
	}
	if !filter.From.IsZero() {
		where = append(where, "s.modified_at >= ?")
		args = append(args, filter.From.Unix())
	}
	if !filter.To.IsZero() {
		where = append(where, "s.modified_at <= ?")
		args = append(args, filter.To.Unix())
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM sessions s WHERE " + whereClause
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, ingesterr.New(ingesterr.KindIO, err)
	}

	selectArgs := append(append([]interface{}{}, args...), limit, offset)
	query := `
		SELECT s.id, s.project_path, s.project_slug, COALESCE(s.first_prompt, ''), COALESCE(s.summary, ''), s.message_count,
		       s.created_at, s.modified_at, COALESCE(s.git_branch, ''), COALESCE(s.app_version, ''), s.is_sidechain,
		       s.source_name, s.source_kind, COALESCE(s.fingerprint, ''), COALESCE(s.source_file, ''),
		       COALESCE(f.outcome, ''), COALESCE(e.title, ''), COALESCE(e.summary, '')
		FROM sessions s
		LEFT JOIN facets f ON f.session_id = s.id
		LEFT JOIN session_enrichments e ON e.session_id = s.id
		WHERE ` + whereClause + `
		ORDER BY s.modified_at DESC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, selectArgs...)
	if err != nil {
		return nil, 0, ingesterr.New(ingesterr.KindIO, err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sess SessionSummary
		var createdAt, modifiedAt int64
		var sourceKind string
		if err := rows.Scan(&sess.ID, &sess.ProjectPath, &sess.ProjectSlug, &sess.FirstPrompt, &sess.Summary,
			&sess.MessageCount, &createdAt, &modifiedAt, &sess.GitBranch, &sess.AppVersion, &sess.IsSidechain,
			&sess.SourceName, &sourceKind, &sess.Fingerprint, &sess.SourceFile,
			&sess.Outcome, &sess.EnrichmentTitle, &sess.EnrichmentSummary); err != nil {
			return nil, 0, ingesterr.New(ingesterr.KindIO, err)
		}
		sess.CreatedAt = time.Unix(createdAt, 0)
		sess.ModifiedAt = time.Unix(modifiedAt, 0)
		sess.SourceKind = model.SourceKind(sourceKind)

		tags, err := s.sessionTags(ctx, sess.ID)
		if err != nil {
			return nil, 0, err
		}
		sess.Tags = tags
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, ingesterr.New(ingesterr.KindIO, err)
	}
	return out, total, nil
}

func (s *Store) sessionTags(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag FROM session_tags WHERE session_id = ? ORDER BY confidence DESC`, sessionID)
	if err != nil {
		return nil, ingesterr.New(ingesterr.KindIO, err)
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, ingesterr.New(ingesterr.KindIO, err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// SessionDetail is a single session plus its resolved enrichment and facet.
type SessionDetail struct {
	Session    model.Session
	Enrichment *model.SessionEnrichment
	Tags       []string
	Facet      *model.Facet
}

// Session returns detail for one session, or ingesterr.KindNotFound if it
// does not exist.
func (s *Store) Session(ctx context.Context, sessionID string) (*SessionDetail, error) {
	var detail SessionDetail
	var createdAt, modifiedAt int64
	var sourceKind string
	var supersededAt sql.NullInt64
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_path, project_slug, COALESCE(first_prompt, ''), COALESCE(summary, ''), message_count,
		       created_at, modified_at, COALESCE(git_branch, ''), COALESCE(app_version, ''), is_sidechain,
		       source_name, source_kind, COALESCE(fingerprint, ''), COALESCE(source_file, ''), superseded_at
		FROM sessions WHERE id = ?
	`, sessionID)
	if err := row.Scan(&detail.Session.ID, &detail.Session.ProjectPath, &detail.Session.ProjectSlug,
		&detail.Session.FirstPrompt, &detail.Session.Summary, &detail.Session.MessageCount,
		&createdAt, &modifiedAt, &detail.Session.GitBranch, &detail.Session.AppVersion, &detail.Session.IsSidechain,
		&detail.Session.SourceName, &sourceKind, &detail.Session.Fingerprint, &detail.Session.SourceFile, &supersededAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ingesterr.New(ingesterr.KindNotFound, ingesterr.ErrNotFound)
		}
		return nil, ingesterr.New(ingesterr.KindIO, err)
	}
	detail.Session.CreatedAt = time.Unix(createdAt, 0)
	detail.Session.ModifiedAt = time.Unix(modifiedAt, 0)
	detail.Session.SourceKind = model.SourceKind(sourceKind)
	if supersededAt.Valid {
		t := time.Unix(supersededAt.Int64, 0)
		detail.Session.SupersededAt = &t
	}

	var enr model.SessionEnrichment
	var enrichedAt, reviewedAt sql.NullInt64
	var approval string
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(title, ''), COALESCE(summary, ''), enriched_at, COALESCE(model_used, ''), approval_status, reviewed_at
		FROM session_enrichments WHERE session_id = ?
	`, sessionID).Scan(&enr.Title, &enr.Summary, &enrichedAt, &enr.ModelUsed, &approval, &reviewedAt)
	switch {
	case err == sql.ErrNoRows:
		// no enrichment yet; detail.Enrichment stays nil
	case err != nil:
		return nil, ingesterr.New(ingesterr.KindIO, err)
	default:
		enr.SessionID = sessionID
		enr.ApprovalStatus = model.ApprovalStatus(approval)
		if enrichedAt.Valid {
			enr.EnrichedAt = time.Unix(enrichedAt.Int64, 0)
		}
		if reviewedAt.Valid {
			t := time.Unix(reviewedAt.Int64, 0)
			enr.ReviewedAt = &t
		}
		detail.Enrichment = &enr
	}

	tags, err := s.sessionTags(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	detail.Tags = tags

	var facet model.Facet
	var recordedAt int64
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(outcome, ''), COALESCE(friction, ''), helpfulness, recorded_at FROM facets WHERE session_id = ?
	`, sessionID).Scan(&facet.Outcome, &facet.Friction, &facet.Helpfulness, &recordedAt)
	switch {
	case err == sql.ErrNoRows:
		// no facet recorded
	case err != nil:
		return nil, ingesterr.New(ingesterr.KindIO, err)
	default:
		facet.SessionID = sessionID
		facet.RecordedAt = time.Unix(recordedAt, 0)
		detail.Facet = &facet
	}

	return &detail, nil
}

// ResolvedBlock is a ContentBlock with its hash resolved to the full
// payload text, never truncated.
type ResolvedBlock struct {
	model.ContentBlock
	Content string
}

// Messages returns every message of a session, ordered by
// (timestamp, turn_index), with each content block's hash resolved to
// inline text.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]model.Message, map[string][]ResolvedBlock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, COALESCE(parent_id, ''), type, timestamp, turn_index,
		       COALESCE(model, ''), COALESCE(stop_reason, ''), duration_ms, COALESCE(fingerprint, '')
		FROM messages WHERE session_id = ? ORDER BY timestamp, turn_index
	`, sessionID)
	if err != nil {
		return nil, nil, ingesterr.New(ingesterr.KindIO, err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		var m model.Message
		var ts int64
		var msgType string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.ParentID, &msgType, &ts, &m.TurnIndex, &m.Model, &m.StopReason, &m.DurationMs, &m.Fingerprint); err != nil {
			return nil, nil, ingesterr.New(ingesterr.KindIO, err)
		}
		m.Type = model.MessageType(msgType)
		m.Timestamp = time.UnixMilli(ts)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, ingesterr.New(ingesterr.KindIO, err)
	}

	blocks, err := s.blocksForSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return messages, blocks, nil
}

func (s *Store) blocksForSession(ctx context.Context, sessionID string) (map[string][]ResolvedBlock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cb.message_id, cb.block_index, cb.block_type, COALESCE(cb.content_hash, ''), COALESCE(cb.inline_content, ''),
		       COALESCE(cb.tool_name, ''), COALESCE(cb.tool_use_id, ''), COALESCE(cb.tool_input_hash, '')
		FROM content_blocks cb
		JOIN messages m ON m.id = cb.message_id
		WHERE m.session_id = ?
		ORDER BY cb.message_id, cb.block_index
	`, sessionID)
	if err != nil {
		return nil, ingesterr.New(ingesterr.KindIO, err)
	}
	defer rows.Close()

	out := map[string][]ResolvedBlock{}
	for rows.Next() {
		var b ResolvedBlock
		var blockType string
		if err := rows.Scan(&b.MessageID, &b.BlockIndex, &blockType, &b.ContentHash, &b.InlineContent,
			&b.ToolName, &b.ToolUseID, &b.ToolInputHash); err != nil {
			return nil, ingesterr.New(ingesterr.KindIO, err)
		}
		b.BlockType = model.BlockType(blockType)
		if b.InlineContent != "" {
			b.Content = b.InlineContent
		} else if b.ContentHash != "" {
			blob, err := s.store.Get(ctx, b.ContentHash)
			if err != nil {
				return nil, err
			}
			if blob != nil {
				b.Content = blob.Content
			}
		}
		out[b.MessageID] = append(out[b.MessageID], b)
	}
	if err := rows.Err(); err != nil {
		return nil, ingesterr.New(ingesterr.KindIO, err)
	}
	return out, nil
}

// ResolvedToolCall is a ToolCall with its input/output hashes resolved to
// full text.
type ResolvedToolCall struct {
	model.ToolCall
	Input  string
	Output string
}

// Tools returns every tool call in a session, with hashes resolved.
func (s *Store) Tools(ctx context.Context, sessionID string) ([]ResolvedToolCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, session_id, tool_name, COALESCE(input_hash, ''), COALESCE(output_hash, ''), timestamp, COALESCE(fingerprint, '')
		FROM tool_calls WHERE session_id = ? ORDER BY timestamp
	`, sessionID)
	if err != nil {
		return nil, ingesterr.New(ingesterr.KindIO, err)
	}
	defer rows.Close()

	var out []ResolvedToolCall
	for rows.Next() {
		var tc ResolvedToolCall
		var ts int64
		if err := rows.Scan(&tc.ID, &tc.MessageID, &tc.SessionID, &tc.ToolName, &tc.InputHash, &tc.OutputHash, &ts, &tc.Fingerprint); err != nil {
			return nil, ingesterr.New(ingesterr.KindIO, err)
		}
		tc.Timestamp = time.UnixMilli(ts)
		if tc.InputHash != "" {
			if blob, err := s.store.Get(ctx, tc.InputHash); err != nil {
				return nil, err
			} else if blob != nil {
				tc.Input = blob.Content
			}
		}
		if tc.OutputHash != "" {
			if blob, err := s.store.Get(ctx, tc.OutputHash); err != nil {
				return nil, err
			} else if blob != nil {
				tc.Output = blob.Content
			}
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// Files returns every file reference recorded for a session.
func (s *Store) Files(ctx context.Context, sessionID string) ([]model.FileReference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_path, content_hash, session_id, message_id, operation
		FROM file_references WHERE session_id = ? ORDER BY file_path
	`, sessionID)
	if err != nil {
		return nil, ingesterr.New(ingesterr.KindIO, err)
	}
	defer rows.Close()

	var out []model.FileReference
	for rows.Next() {
		var fr model.FileReference
		var op string
		if err := rows.Scan(&fr.FilePath, &fr.ContentHash, &fr.SessionID, &fr.MessageID, &op); err != nil {
			return nil, ingesterr.New(ingesterr.KindIO, err)
		}
		fr.Operation = model.FileOperation(op)
		out = append(out, fr)
	}
	return out, rows.Err()
}

// Raw returns a session's original source bytes, served strictly from CAS
// and never from the live source path (which may have since been edited
// or rotated).
func (s *Store) Raw(ctx context.Context, sessionID string) ([]byte, error) {
	return s.cas.FetchRaw(ctx, sessionID)
}

// Search delegates to the content store's BM25 full-text search.
func (s *Store) Search(ctx context.Context, query string, filters contentstore.SearchFilters, limit, offset int) ([]contentstore.SearchHit, int, error) {
	return s.store.Search(ctx, query, filters, limit, offset)
}

// NeedsEnrichment returns up to limit sessions that have no
// session_enrichments row yet, oldest-modified first, so an external
// enrichment backend can claim the longest-waiting sessions first. The core
// never generates titles/tags itself; this is the queue half of the
// contract spec.md describes, the other half being ApplyEnrichment.
func (s *Store) NeedsEnrichment(ctx context.Context, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.project_path, s.project_slug, COALESCE(s.first_prompt, ''), COALESCE(s.summary, ''),
		       s.message_count, s.created_at, s.modified_at, COALESCE(s.git_branch, ''), COALESCE(s.app_version, ''),
		       s.is_sidechain, s.source_name, s.source_kind, COALESCE(s.fingerprint, ''), COALESCE(s.source_file, '')
		FROM sessions s
		LEFT JOIN session_enrichments e ON e.session_id = s.id
		WHERE e.session_id IS NULL
		ORDER BY s.modified_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, ingesterr.New(ingesterr.KindIO, err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		var sess model.Session
		var createdAt, modifiedAt int64
		var sourceKind string
		if err := rows.Scan(&sess.ID, &sess.ProjectPath, &sess.ProjectSlug, &sess.FirstPrompt, &sess.Summary,
			&sess.MessageCount, &createdAt, &modifiedAt, &sess.GitBranch, &sess.AppVersion, &sess.IsSidechain,
			&sess.SourceName, &sourceKind, &sess.Fingerprint, &sess.SourceFile); err != nil {
			return nil, ingesterr.New(ingesterr.KindIO, err)
		}
		sess.CreatedAt = time.Unix(createdAt, 0)
		sess.ModifiedAt = time.Unix(modifiedAt, 0)
		sess.SourceKind = model.SourceKind(sourceKind)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ApplyEnrichment records an external backend's verdict for one session:
// the title/summary it produced and its tags, replacing any prior tag set.
// The approval status is whatever the backend (or a human reviewer) decided;
// the core itself never sets ApprovalApproved on its own.
func (s *Store) ApplyEnrichment(ctx context.Context, enr model.SessionEnrichment, tags []model.SessionTag) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ingesterr.New(ingesterr.KindIO, err)
	}
	defer tx.Rollback()

	var reviewedAt sql.NullInt64
	if enr.ReviewedAt != nil {
		reviewedAt = sql.NullInt64{Int64: enr.ReviewedAt.Unix(), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_enrichments (session_id, title, summary, enriched_at, model_used, approval_status, reviewed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			title = excluded.title, summary = excluded.summary, enriched_at = excluded.enriched_at,
			model_used = excluded.model_used, approval_status = excluded.approval_status, reviewed_at = excluded.reviewed_at
	`, enr.SessionID, enr.Title, enr.Summary, enr.EnrichedAt.Unix(), enr.ModelUsed, string(enr.ApprovalStatus), reviewedAt); err != nil {
		return ingesterr.New(ingesterr.KindConstraint, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_tags WHERE session_id = ?`, enr.SessionID); err != nil {
		return ingesterr.New(ingesterr.KindConstraint, err)
	}
	for _, t := range tags {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_tags (session_id, tag, confidence) VALUES (?, ?, ?)
		`, enr.SessionID, t.Tag, t.Confidence); err != nil {
			return ingesterr.New(ingesterr.KindConstraint, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ingesterr.New(ingesterr.KindIO, err)
	}
	return nil
}

// Coverage is the indexing-completeness report (spec.md §4.9).
type Coverage struct {
	SourceFiles          int64
	SourceBytes          int64
	IndexedFiles         int64
	IndexedBytes         int64
	BlobsStored          int64
	BlobsSearchable      int64
	TotalMessages        int64
	MessagesWithContent  int64
	SessionsWithOutcomes int64
	TotalSessions        int64
	ByFileKind           map[string]int64
}

// Coverage computes the global coverage report.
func (s *Store) Coverage(ctx context.Context) (*Coverage, error) {
	var c Coverage
	c.ByFileKind = map[string]int64{}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM indexed_files`).Scan(&c.SourceFiles, &c.SourceBytes); err != nil {
		return nil, ingesterr.New(ingesterr.KindIO, err)
	}
	c.IndexedFiles = c.SourceFiles
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(last_byte_offset), 0) FROM indexed_files`).Scan(&c.IndexedBytes); err != nil {
		return nil, ingesterr.New(ingesterr.KindIO, err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_store`).Scan(&c.BlobsStored); err != nil {
		return nil, ingesterr.New(ingesterr.KindIO, err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_fts`).Scan(&c.BlobsSearchable); err != nil {
		return nil, ingesterr.New(ingesterr.KindIO, err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&c.TotalMessages); err != nil {
		return nil, ingesterr.New(ingesterr.KindIO, err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT message_id) FROM content_blocks
		WHERE inline_content IS NOT NULL AND inline_content != '' OR content_hash IS NOT NULL AND content_hash != ''
	`).Scan(&c.MessagesWithContent); err != nil {
		return nil, ingesterr.New(ingesterr.KindIO, err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&c.TotalSessions); err != nil {
		return nil, ingesterr.New(ingesterr.KindIO, err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facets WHERE outcome IS NOT NULL AND outcome != ''`).Scan(&c.SessionsWithOutcomes); err != nil {
		return nil, ingesterr.New(ingesterr.KindIO, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM indexed_files GROUP BY kind`)
	if err != nil {
		return nil, ingesterr.New(ingesterr.KindIO, err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, ingesterr.New(ingesterr.KindIO, err)
		}
		c.ByFileKind[kind] = count
	}
	if err := rows.Err(); err != nil {
		return nil, ingesterr.New(ingesterr.KindIO, err)
	}

	return &c, nil
}
