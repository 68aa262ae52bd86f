// Package contentstore is the canonical store for deduplicated content
// blobs and the bridge to the FTS5 full-text index. Schema and triggers
// live in internal/sqlitedb; this package only issues statements against
// the content_store/content_fts/blob_references tables.
package contentstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	. "github.com/flyingrobots/blacklight/internal/logging"

	"github.com/flyingrobots/blacklight/internal/fingerprint"
	"github.com/flyingrobots/blacklight/internal/ingesterr"
	"github.com/flyingrobots/blacklight/internal/model"
)

// Store wraps a *sql.DB with content-addressed blob operations.
type Store struct {
	db *sql.DB
}

// New wraps db. Callers obtain db from internal/sqlitedb.Open.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Hash returns the BLAKE3 hex digest of content, the content address used
// everywhere in this store.
func Hash(content []byte) string { return fingerprint.Hash(content) }

// ShouldDedup reports whether content is large enough to be stored in the
// blob table rather than inline on its owning row.
func ShouldDedup(content []byte) bool { return fingerprint.ShouldDedup(content) }

// Put idempotently inserts a blob. inserted is true only when this call
// actually wrote a new row; a losing writer in a race observes
// inserted=false with no error, never a constraint violation.
func (s *Store) Put(ctx context.Context, hash, content string, size int, kind model.BlobKind) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO content_store (hash, content, size, kind)
		VALUES (?, ?, ?, ?)
	`, hash, content, size, string(kind))
	if err != nil {
		return false, ingesterr.New(ingesterr.KindIO, fmt.Errorf("put blob %s: %w", hash, err))
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// BlobRecord is one row to insert via PutBatch.
type BlobRecord struct {
	Hash    string
	Content string
	Size    int
	Kind    model.BlobKind
}

// PutBatch inserts every record in a single transaction: all-or-nothing.
// Returns the count of rows actually newly written (excludes INSERT OR
// IGNOREs that hit an existing hash).
func (s *Store) PutBatch(ctx context.Context, records []BlobRecord) (insertedCount int, err error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, ingesterr.New(ingesterr.KindIO, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO content_store (hash, content, size, kind)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return 0, ingesterr.New(ingesterr.KindIO, err)
	}
	defer stmt.Close()

	for _, r := range records {
		res, err := stmt.ExecContext(ctx, r.Hash, r.Content, r.Size, string(r.Kind))
		if err != nil {
			return 0, ingesterr.New(ingesterr.KindConstraint, fmt.Errorf("put_batch blob %s: %w", r.Hash, err))
		}
		rows, _ := res.RowsAffected()
		insertedCount += int(rows)
	}

	if err := tx.Commit(); err != nil {
		return 0, ingesterr.New(ingesterr.KindIO, err)
	}
	return insertedCount, nil
}

// Get fetches a blob by hash. Returns (nil, nil) when no such blob exists.
func (s *Store) Get(ctx context.Context, hash string) (*model.ContentBlob, error) {
	var blob model.ContentBlob
	var kind string
	err := s.db.QueryRowContext(ctx, `
		SELECT hash, content, size, kind FROM content_store WHERE hash = ?
	`, hash).Scan(&blob.Hash, &blob.Content, &blob.Size, &kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ingesterr.New(ingesterr.KindIO, err)
	}
	blob.Kind = model.BlobKind(kind)
	return &blob, nil
}

// AddReference links a blob to the message that consumes it. Idempotent on
// its composite key.
func (s *Store) AddReference(ctx context.Context, hash, messageID string, refCtx model.ReferenceContext) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO blob_references (hash, message_id, context)
		VALUES (?, ?, ?)
	`, hash, messageID, string(refCtx))
	if err != nil {
		return ingesterr.New(ingesterr.KindConstraint, fmt.Errorf("add_reference %s/%s: %w", hash, messageID, err))
	}
	return nil
}

// fts5MetaChars are characters that carry syntactic meaning inside an FTS5
// MATCH expression. Any of these in raw user text must be neutralized
// before it reaches content_fts, or the query becomes a syntax error.
const fts5MetaChars = `":^*()-`

// sanitizeForFTS quotes content so that colons, hyphens, and other
// FTS5-meaningful characters never produce a MATCH syntax error when the
// same text is later searched verbatim. content_fts itself stores the raw
// text (for snippet rendering); this only governs how literal text is
// phrased when used as a query.
func sanitizeForFTS(s string) string {
	if !strings.ContainsAny(s, fts5MetaChars) {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// IndexForSearch inserts content into the FTS index for hash exactly once.
// Kind gates eligibility: only text, tool_output, plan (and thinking, if
// configured) are ever indexed.
func (s *Store) IndexForSearch(ctx context.Context, hash string, kind model.BlobKind, content string, indexThinking bool) error {
	if !searchable(kind, indexThinking) {
		return nil
	}
	// content_fts is populated by the AFTER INSERT trigger on
	// content_store, so indexing happens as a side effect of Put/PutBatch.
	// This method exists for callers (e.g. migration) that need to index a
	// blob that was already written without going through Put.
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_fts WHERE hash = ?`, hash).Scan(&exists)
	if err != nil {
		return ingesterr.New(ingesterr.KindIO, err)
	}
	if exists > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO content_fts(rowid, content, hash, kind)
		SELECT rowid, content, hash, kind FROM content_store WHERE hash = ?
	`, hash)
	if err != nil {
		return ingesterr.New(ingesterr.KindIO, fmt.Errorf("index_for_search %s: %w", hash, err))
	}
	return nil
}

func searchable(kind model.BlobKind, indexThinking bool) bool {
	switch kind {
	case model.BlobText, model.BlobToolOutput, model.BlobPlan:
		return true
	case model.BlobThinking:
		return indexThinking
	default:
		return false
	}
}

// SearchFilters narrows a search by optional kind and project.
type SearchFilters struct {
	Kind    model.BlobKind // empty = any
	Project string         // empty = any; matches sessions.project_slug
}

// SearchHit is one ranked result, joined through blob_references back to
// its owning session and message.
type SearchHit struct {
	Hash           string
	Kind           model.BlobKind
	Snippet        string
	Rank           float64
	SessionID      string
	SessionSummary string
	MessageID      string
	MessageType    string
}

// Search performs BM25-ranked full-text search with optional kind/project
// filters and returns the page of hits plus the total match count.
func (s *Store) Search(ctx context.Context, query string, filters SearchFilters, limit, offset int) ([]SearchHit, int, error) {
	ftsQuery, err := buildFTSQuery(query)
	if err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 20
	}

	where := []string{"content_fts MATCH ?"}
	args := []interface{}{ftsQuery}

	if filters.Kind != "" {
		where = append(where, "content_fts.kind = ?")
		args = append(args, string(filters.Kind))
	}
	if filters.Project != "" {
		where = append(where, "s.project_slug = ?")
		args = append(args, filters.Project)
	}

	whereClause := strings.Join(where, " AND ")

	countQuery := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM content_fts
		JOIN blob_references br ON br.hash = content_fts.hash
		JOIN messages m ON m.id = br.message_id
		JOIN sessions s ON s.id = m.session_id
		WHERE %s
	`, whereClause)
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, ingesterr.New(ingesterr.KindIO, err)
	}

	selectArgs := append(append([]interface{}{}, args...), limit, offset)
	selectQuery := fmt.Sprintf(`
		SELECT content_fts.hash, content_fts.kind,
		       snippet(content_fts, 0, '[[', ']]', '...', 16) AS snippet,
		       bm25(content_fts) AS rank,
		       s.id, s.summary, m.id, m.type
		FROM content_fts
		JOIN blob_references br ON br.hash = content_fts.hash
		JOIN messages m ON m.id = br.message_id
		JOIN sessions s ON s.id = m.session_id
		WHERE %s
		ORDER BY rank
		LIMIT ? OFFSET ?
	`, whereClause)

	rows, err := s.db.QueryContext(ctx, selectQuery, selectArgs...)
	if err != nil {
		return nil, 0, ingesterr.New(ingesterr.KindIO, err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		var kind, msgType string
		if err := rows.Scan(&h.Hash, &kind, &h.Snippet, &h.Rank, &h.SessionID, &h.SessionSummary, &h.MessageID, &msgType); err != nil {
			return nil, 0, ingesterr.New(ingesterr.KindIO, err)
		}
		h.Kind = model.BlobKind(kind)
		h.MessageType = msgType
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, ingesterr.New(ingesterr.KindIO, err)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Rank < hits[j].Rank })
	return hits, total, nil
}

// buildFTSQuery turns raw user input into a safe FTS5 MATCH expression.
// Input containing FTS-meaningful punctuation is treated as a quoted
// phrase; otherwise each word becomes a prefix token query. An input that
// reduces to nothing searchable is a typed bad-query error, not a crash.
func buildFTSQuery(query string) (string, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return "", ingesterr.New(ingesterr.KindBadQuery, fmt.Errorf("%w: empty query", ingesterr.ErrBadQuery))
	}

	if strings.ContainsAny(trimmed, fts5MetaChars) {
		return sanitizeForFTS(trimmed), nil
	}

	words := strings.Fields(trimmed)
	parts := make([]string, 0, len(words))
	for _, w := range words {
		parts = append(parts, w+"*")
	}
	if len(parts) == 0 {
		return "", ingesterr.New(ingesterr.KindBadQuery, fmt.Errorf("%w: no searchable terms in %q", ingesterr.ErrBadQuery, query))
	}
	return strings.Join(parts, " "), nil
}
