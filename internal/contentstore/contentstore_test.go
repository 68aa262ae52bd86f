package contentstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/flyingrobots/blacklight/internal/model"
	"github.com/flyingrobots/blacklight/internal/sqlitedb"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sqlitedb.Open(path, sqlitedb.Options{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func seedSessionAndMessage(t *testing.T, s *Store, sessionID, messageID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, project_slug, summary, created_at, modified_at, source_name, source_kind)
		VALUES (?, 'proj', 'a summary', 0, 0, 'src', 'claude')
	`, sessionID); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, type, timestamp, turn_index)
		VALUES (?, ?, 'assistant', 0, 0)
	`, messageID, sessionID); err != nil {
		t.Fatalf("seed message: %v", err)
	}
}

func TestPutIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	content := "hello world, this is a test payload of reasonable length"
	hash := Hash([]byte(content))

	inserted, err := s.Put(ctx, hash, content, len(content), model.BlobText)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !inserted {
		t.Fatal("expected first put to insert")
	}

	inserted, err = s.Put(ctx, hash, content, len(content), model.BlobText)
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if inserted {
		t.Fatal("expected second put to be a no-op")
	}
}

func TestDedupAcrossReferences(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	content := make([]byte, 2048)
	for i := range content {
		content[i] = byte('a' + i%26)
	}
	hash := Hash(content)

	if !ShouldDedup(content) {
		t.Fatal("2KB payload should dedup")
	}

	if _, err := s.Put(ctx, hash, string(content), len(content), model.BlobText); err != nil {
		t.Fatalf("put: %v", err)
	}

	seedSessionAndMessage(t, s, "session-1", "msg-1")
	seedSessionAndMessage(t, s, "session-2", "msg-2")

	if err := s.AddReference(ctx, hash, "msg-1", model.ContextResponseText); err != nil {
		t.Fatalf("add_reference msg-1: %v", err)
	}
	if err := s.AddReference(ctx, hash, "msg-2", model.ContextResponseText); err != nil {
		t.Fatalf("add_reference msg-2: %v", err)
	}

	var blobCount, refCount int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM content_store").Scan(&blobCount); err != nil {
		t.Fatalf("count blobs: %v", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM blob_references WHERE hash = ?", hash).Scan(&refCount); err != nil {
		t.Fatalf("count refs: %v", err)
	}
	if blobCount != 1 {
		t.Errorf("expected exactly 1 content_store row, got %d", blobCount)
	}
	if refCount != 2 {
		t.Errorf("expected exactly 2 blob_references rows, got %d", refCount)
	}
}

func TestSearchFindsDedupedContentFromBothSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	content := "the quick brown fox jumps over the lazy dog in a long repeated passage of text that exceeds the dedup threshold easily"
	hash := Hash([]byte(content))

	if _, err := s.Put(ctx, hash, content, len(content), model.BlobText); err != nil {
		t.Fatalf("put: %v", err)
	}

	seedSessionAndMessage(t, s, "session-1", "msg-1")
	seedSessionAndMessage(t, s, "session-2", "msg-2")
	if err := s.AddReference(ctx, hash, "msg-1", model.ContextResponseText); err != nil {
		t.Fatalf("ref 1: %v", err)
	}
	if err := s.AddReference(ctx, hash, "msg-2", model.ContextResponseText); err != nil {
		t.Fatalf("ref 2: %v", err)
	}

	hits, total, err := s.Search(ctx, "fox", SearchFilters{}, 10, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 2 {
		t.Errorf("expected 2 total hits across both sessions, got %d", total)
	}
	if len(hits) != 2 {
		t.Errorf("expected 2 returned hits, got %d", len(hits))
	}
	sessionIDs := map[string]bool{}
	for _, h := range hits {
		sessionIDs[h.SessionID] = true
	}
	if !sessionIDs["session-1"] || !sessionIDs["session-2"] {
		t.Errorf("expected hits from both sessions, got %v", sessionIDs)
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	s := openTestStore(t)
	if _, _, err := s.Search(context.Background(), "   ", SearchFilters{}, 10, 0); err == nil {
		t.Fatal("expected bad-query error for empty query")
	}
}

func TestSearchSanitizesMetaCharacters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	content := "error: task failed -- retry-count exceeded in pipeline stage"
	hash := Hash([]byte(content))
	if _, err := s.Put(ctx, hash, content, len(content), model.BlobText); err != nil {
		t.Fatalf("put: %v", err)
	}
	seedSessionAndMessage(t, s, "session-1", "msg-1")
	if err := s.AddReference(ctx, hash, "msg-1", model.ContextResponseText); err != nil {
		t.Fatalf("ref: %v", err)
	}

	if _, _, err := s.Search(ctx, "retry-count", SearchFilters{}, 10, 0); err != nil {
		t.Fatalf("expected query with hyphen to be sanitized, not error: %v", err)
	}
}
