package retrieval

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flyingrobots/blacklight/internal/cas"
	"github.com/flyingrobots/blacklight/internal/contentstore"
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

func newTestCAS(t *testing.T, db *sql.DB) *cas.Store {
	t.Helper()
	return cas.New(db, cas.Options{Mode: cas.ModeSimple, BackupDir: t.TempDir()})
}

func seedSession(t *testing.T, db *sql.DB, id, projectSlug string, modifiedAt time.Time) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO sources (name, kind, root, cas_prefix) VALUES ('src1', 'claude', '/tmp', 'src1') ON CONFLICT(name) DO NOTHING`); err != nil {
		t.Fatalf("seed source: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO sessions (id, project_path, project_slug, created_at, modified_at, source_name, source_kind)
		VALUES (?, ?, ?, ?, ?, 'src1', 'claude')
	`, id, "/"+projectSlug, projectSlug, modifiedAt.Unix(), modifiedAt.Unix()); err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func TestListSessionsFiltersByProjectAndReturnsTotal(t *testing.T) {
	db := openTestDB(t)
	seedSession(t, db, "s1", "proja", time.Now())
	seedSession(t, db, "s2", "projb", time.Now())

	store := New(db, newTestCAS(t, db))
	sessions, total, err := store.ListSessions(context.Background(), SessionFilter{Project: "proja"}, 10, 0)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if total != 1 || len(sessions) != 1 || sessions[0].ID != "s1" {
		t.Errorf("expected 1 filtered session s1, got total=%d sessions=%+v", total, sessions)
	}
}

func TestListSessionsPaginatesWithStableTotal(t *testing.T) {
	db := openTestDB(t)
	for i := 0; i < 5; i++ {
		seedSession(t, db, string(rune('a'+i)), "proj", time.Now().Add(time.Duration(i)*time.Minute))
	}

	store := New(db, newTestCAS(t, db))
	page1, total1, err := store.ListSessions(context.Background(), SessionFilter{}, 2, 0)
	if err != nil {
		t.Fatalf("page1: %v", err)
	}
	page2, total2, err := store.ListSessions(context.Background(), SessionFilter{}, 2, 2)
	if err != nil {
		t.Fatalf("page2: %v", err)
	}
	if total1 != 5 || total2 != 5 {
		t.Errorf("expected stable total 5 across pages, got %d and %d", total1, total2)
	}
	if len(page1) != 2 || len(page2) != 2 {
		t.Errorf("expected 2 results per page, got %d and %d", len(page1), len(page2))
	}
}

func TestSessionReturnsNotFoundForUnknownID(t *testing.T) {
	db := openTestDB(t)
	store := New(db, newTestCAS(t, db))
	if _, err := store.Session(context.Background(), "missing"); err == nil {
		t.Error("expected an error for an unknown session id")
	}
}

func TestSessionResolvesEnrichmentAndFacet(t *testing.T) {
	db := openTestDB(t)
	seedSession(t, db, "s1", "proj", time.Now())
	if _, err := db.Exec(`
		INSERT INTO session_enrichments (session_id, title, summary, approval_status)
		VALUES ('s1', 'a title', 'a summary', 'approved')
	`); err != nil {
		t.Fatalf("seed enrichment: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO session_tags (session_id, tag, confidence) VALUES ('s1', 'refactor', 0.9)`); err != nil {
		t.Fatalf("seed tag: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO facets (session_id, outcome, friction, helpfulness, recorded_at) VALUES ('s1', 'solved', 'low', 0.8, ?)
	`, time.Now().Unix()); err != nil {
		t.Fatalf("seed facet: %v", err)
	}

	store := New(db, newTestCAS(t, db))
	detail, err := store.Session(context.Background(), "s1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if detail.Enrichment == nil || detail.Enrichment.Title != "a title" {
		t.Errorf("expected resolved enrichment, got %+v", detail.Enrichment)
	}
	if len(detail.Tags) != 1 || detail.Tags[0] != "refactor" {
		t.Errorf("expected resolved tags, got %+v", detail.Tags)
	}
	if detail.Facet == nil || detail.Facet.Outcome != "solved" {
		t.Errorf("expected resolved facet, got %+v", detail.Facet)
	}
}

func TestMessagesResolvesInlineAndHashedBlocks(t *testing.T) {
	db := openTestDB(t)
	seedSession(t, db, "s1", "proj", time.Now())
	cs := contentstore.New(db)
	hash := contentstore.Hash([]byte("large stored content"))
	if _, err := cs.Put(context.Background(), hash, "large stored content", 20, "text"); err != nil {
		t.Fatalf("put blob: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO messages (id, session_id, type, timestamp, turn_index, duration_ms) VALUES ('m1', 's1', 'user', 1000, 0, 0)
	`); err != nil {
		t.Fatalf("seed message: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO content_blocks (message_id, block_index, block_type, inline_content) VALUES ('m1', 0, 'text', 'short text')
	`); err != nil {
		t.Fatalf("seed inline block: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO content_blocks (message_id, block_index, block_type, content_hash) VALUES ('m1', 1, 'text', ?)
	`, hash); err != nil {
		t.Fatalf("seed hashed block: %v", err)
	}

	store := New(db, newTestCAS(t, db))
	messages, blocks, err := store.Messages(context.Background(), "s1")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	msgBlocks := blocks["m1"]
	if len(msgBlocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(msgBlocks))
	}
	if msgBlocks[0].Content != "short text" {
		t.Errorf("expected inline content resolved, got %q", msgBlocks[0].Content)
	}
	if msgBlocks[1].Content != "large stored content" {
		t.Errorf("expected hashed content resolved, got %q", msgBlocks[1].Content)
	}
}

func TestToolsResolvesInputAndOutputHashes(t *testing.T) {
	db := openTestDB(t)
	seedSession(t, db, "s1", "proj", time.Now())
	cs := contentstore.New(db)
	inHash := contentstore.Hash([]byte("tool input payload"))
	outHash := contentstore.Hash([]byte("tool output payload"))
	if _, err := cs.Put(context.Background(), inHash, "tool input payload", 10, "tool_input"); err != nil {
		t.Fatalf("put input blob: %v", err)
	}
	if _, err := cs.Put(context.Background(), outHash, "tool output payload", 10, "tool_output"); err != nil {
		t.Fatalf("put output blob: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO messages (id, session_id, type, timestamp, turn_index, duration_ms) VALUES ('m1', 's1', 'assistant', 1000, 0, 0)
	`); err != nil {
		t.Fatalf("seed message: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO tool_calls (id, message_id, session_id, tool_name, input_hash, output_hash, timestamp)
		VALUES ('t1', 'm1', 's1', 'Read', ?, ?, 1000)
	`, inHash, outHash); err != nil {
		t.Fatalf("seed tool call: %v", err)
	}

	store := New(db, newTestCAS(t, db))
	tools, err := store.Tools(context.Background(), "s1")
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	if len(tools) != 1 || tools[0].Input != "tool input payload" || tools[0].Output != "tool output payload" {
		t.Errorf("expected resolved tool input/output, got %+v", tools)
	}
}

func TestFilesReturnsFileReferencesForSession(t *testing.T) {
	db := openTestDB(t)
	seedSession(t, db, "s1", "proj", time.Now())
	cs := contentstore.New(db)
	hash := contentstore.Hash([]byte("package a"))
	if _, err := cs.Put(context.Background(), hash, "package a", 9, "file"); err != nil {
		t.Fatalf("put blob: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO messages (id, session_id, type, timestamp, turn_index, duration_ms) VALUES ('m1', 's1', 'assistant', 1000, 0, 0)
	`); err != nil {
		t.Fatalf("seed message: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO file_references (file_path, content_hash, session_id, message_id, operation)
		VALUES ('/a.go', ?, 's1', 'm1', 'write')
	`, hash); err != nil {
		t.Fatalf("seed file ref: %v", err)
	}

	store := New(db, newTestCAS(t, db))
	files, err := store.Files(context.Background(), "s1")
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(files) != 1 || files[0].FilePath != "/a.go" || files[0].ContentHash != hash {
		t.Errorf("unexpected file references: %+v", files)
	}
}

func TestRawServesFromCASNotLivePath(t *testing.T) {
	db := openTestDB(t)
	srcPath := filepath.Join(t.TempDir(), "session.jsonl")
	if err := os.WriteFile(srcPath, []byte("original bytes"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	seedSession(t, db, "s1", "proj", time.Now())
	casStore := newTestCAS(t, db)
	if _, _, err := casStore.Backup(context.Background(), "s1", "src1", srcPath); err != nil {
		t.Fatalf("backup: %v", err)
	}

	// Mutate the live source after backup; Raw must still return the
	// originally-backed-up bytes.
	if err := os.WriteFile(srcPath, []byte("mutated bytes"), 0o644); err != nil {
		t.Fatalf("mutate source: %v", err)
	}

	store := New(db, casStore)
	raw, err := store.Raw(context.Background(), "s1")
	if err != nil {
		t.Fatalf("raw: %v", err)
	}
	if string(raw) != "original bytes" {
		t.Errorf("expected raw to serve the backed-up bytes, got %q", raw)
	}
}

func TestCoverageReportsCounts(t *testing.T) {
	db := openTestDB(t)
	seedSession(t, db, "s1", "proj", time.Now())
	if _, err := db.Exec(`
		INSERT INTO indexed_files (source_name, path, kind, mtime, size, last_byte_offset)
		VALUES ('src1', '/tmp/a.jsonl', 'session_jsonl', 0, 100, 100)
	`); err != nil {
		t.Fatalf("seed indexed file: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO messages (id, session_id, type, timestamp, turn_index, duration_ms) VALUES ('m1', 's1', 'user', 1000, 0, 0)
	`); err != nil {
		t.Fatalf("seed message: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO content_blocks (message_id, block_index, block_type, inline_content) VALUES ('m1', 0, 'text', 'hi')
	`); err != nil {
		t.Fatalf("seed block: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO facets (session_id, outcome, recorded_at) VALUES ('s1', 'solved', ?)
	`, time.Now().Unix()); err != nil {
		t.Fatalf("seed facet: %v", err)
	}

	store := New(db, newTestCAS(t, db))
	cov, err := store.Coverage(context.Background())
	if err != nil {
		t.Fatalf("coverage: %v", err)
	}
	if cov.SourceFiles != 1 || cov.IndexedBytes != 100 {
		t.Errorf("unexpected file coverage: %+v", cov)
	}
	if cov.TotalMessages != 1 || cov.MessagesWithContent != 1 {
		t.Errorf("unexpected message coverage: %+v", cov)
	}
	if cov.TotalSessions != 1 || cov.SessionsWithOutcomes != 1 {
		t.Errorf("unexpected session coverage: %+v", cov)
	}
	if cov.ByFileKind["session_jsonl"] != 1 {
		t.Errorf("expected file-kind breakdown, got %+v", cov.ByFileKind)
	}
}

func TestSearchDelegatesToContentStore(t *testing.T) {
	db := openTestDB(t)
	seedSession(t, db, "s1", "proj", time.Now())
	cs := contentstore.New(db)
	hash := contentstore.Hash([]byte("a needle in a haystack"))
	if _, err := cs.Put(context.Background(), hash, "a needle in a haystack", 22, "text"); err != nil {
		t.Fatalf("put blob: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO messages (id, session_id, type, timestamp, turn_index, duration_ms) VALUES ('m1', 's1', 'user', 1000, 0, 0)
	`); err != nil {
		t.Fatalf("seed message: %v", err)
	}
	if err := cs.AddReference(context.Background(), hash, "m1", "response_text"); err != nil {
		t.Fatalf("add reference: %v", err)
	}

	store := New(db, newTestCAS(t, db))
	hits, total, err := store.Search(context.Background(), "needle", contentstore.SearchFilters{}, 10, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 1 || len(hits) != 1 {
		t.Errorf("expected 1 search hit, got total=%d hits=%+v", total, hits)
	}
}

func TestNeedsEnrichmentReturnsOnlyUnenrichedSessionsOldestFirst(t *testing.T) {
	db := openTestDB(t)
	seedSession(t, db, "s1", "proj", time.Now().Add(-time.Hour))
	seedSession(t, db, "s2", "proj", time.Now())
	if _, err := db.Exec(`
		INSERT INTO session_enrichments (session_id, title, approval_status) VALUES ('s2', 'already done', 'approved')
	`); err != nil {
		t.Fatalf("seed enrichment: %v", err)
	}

	store := New(db, newTestCAS(t, db))
	queue, err := store.NeedsEnrichment(context.Background(), 10)
	if err != nil {
		t.Fatalf("needs enrichment: %v", err)
	}
	if len(queue) != 1 || queue[0].ID != "s1" {
		t.Errorf("expected only s1 queued, got %+v", queue)
	}
}

func TestApplyEnrichmentUpsertsTitleAndReplacesTags(t *testing.T) {
	db := openTestDB(t)
	seedSession(t, db, "s1", "proj", time.Now())
	store := New(db, newTestCAS(t, db))

	err := store.ApplyEnrichment(context.Background(), model.SessionEnrichment{
		SessionID:      "s1",
		Title:          "Debugging the parser",
		Summary:        "Fixed a panic in the JSONL scanner",
		EnrichedAt:     time.Now(),
		ModelUsed:      "claude-3",
		ApprovalStatus: model.ApprovalPendingReview,
	}, []model.SessionTag{{SessionID: "s1", Tag: "bugfix", Confidence: 0.9}})
	if err != nil {
		t.Fatalf("apply enrichment: %v", err)
	}

	detail, err := store.Session(context.Background(), "s1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if detail.Enrichment == nil || detail.Enrichment.Title != "Debugging the parser" {
		t.Fatalf("expected enrichment title persisted, got %+v", detail.Enrichment)
	}
	if len(detail.Tags) != 1 || detail.Tags[0] != "bugfix" {
		t.Errorf("expected tag 'bugfix', got %+v", detail.Tags)
	}

	// Re-applying with a different tag set replaces rather than accumulates.
	err = store.ApplyEnrichment(context.Background(), model.SessionEnrichment{
		SessionID:      "s1",
		Title:          "Debugging the parser",
		ApprovalStatus: model.ApprovalApproved,
		EnrichedAt:     time.Now(),
	}, []model.SessionTag{{SessionID: "s1", Tag: "parser", Confidence: 0.8}})
	if err != nil {
		t.Fatalf("re-apply enrichment: %v", err)
	}
	detail, err = store.Session(context.Background(), "s1")
	if err != nil {
		t.Fatalf("session after reapply: %v", err)
	}
	if len(detail.Tags) != 1 || detail.Tags[0] != "parser" {
		t.Errorf("expected tag set replaced with 'parser', got %+v", detail.Tags)
	}
	if detail.Enrichment.ApprovalStatus != model.ApprovalApproved {
		t.Errorf("expected approval status updated to approved, got %q", detail.Enrichment.ApprovalStatus)
	}

	queue, err := store.NeedsEnrichment(context.Background(), 10)
	if err != nil {
		t.Fatalf("needs enrichment after apply: %v", err)
	}
	if len(queue) != 0 {
		t.Errorf("expected s1 no longer queued after enrichment, got %+v", queue)
	}
}
