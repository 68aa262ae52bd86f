package scanner

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

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

func TestClassifyClaude(t *testing.T) {
	cases := map[string]model.FileKind{
		"projects/foo/bar/sessions-index.json": model.FileSessionIndex,
		"projects/foo/bar/abc123.jsonl":         model.FileSessionJSONL,
		"tasks/2026/01/task1.json":              model.FileTasks,
		"usage-data/facets/daily/2026-01.json":  model.FileFacet,
		"stats-cache.json":                      model.FileStats,
		"plans/2026-01-roadmap.md":               model.FilePlan,
		"history.jsonl":                         model.FileHistory,
		"local_index.json":                      model.FileDesktopLocal,
		"random/unrelated/file.txt":              model.FileSkip,
	}
	for rel, want := range cases {
		got := classifyClaude(rel)
		if got != want {
			t.Errorf("classifyClaude(%q) = %q, want %q", rel, got, want)
		}
	}
}

func TestClassifyGemini(t *testing.T) {
	if got := classifyGemini("projects/foo/chats/session1.json"); got != model.FileGeminiSession {
		t.Errorf("expected gemini session, got %q", got)
	}
	if got := classifyGemini("tmp/session-123.json"); got != model.FileGeminiSession {
		t.Errorf("expected gemini session for tmp path, got %q", got)
	}
	if got := classifyGemini("other/file.json"); got != model.FileSkip {
		t.Errorf("expected skip, got %q", got)
	}
}

func TestClassifyCodex(t *testing.T) {
	if got := classifyCodex("sessions/2026-01/rollout-abc.jsonl"); got != model.FileCodexRollout {
		t.Errorf("expected codex rollout, got %q", got)
	}
	if got := classifyCodex("sessions/2026-01/other.jsonl"); got != model.FileSkip {
		t.Errorf("expected skip, got %q", got)
	}
}

func TestScanClassifiesNewFile(t *testing.T) {
	db := openTestDB(t)
	root := t.TempDir()

	projDir := filepath.Join(root, "projects", "myproj")
	if err := os.MkdirAll(projDir, 0750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	sessionPath := filepath.Join(projDir, "session1.jsonl")
	if err := os.WriteFile(sessionPath, []byte(`{"type":"user"}`+"\n"), 0640); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := New(db, []model.Source{{Name: "claude1", Kind: model.SourceClaude, Root: root}}, nil)
	changes, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	if changes[0].Kind != model.ChangeNew {
		t.Errorf("expected New, got %s", changes[0].Kind)
	}
	if changes[0].Entry.Kind != model.FileSessionJSONL {
		t.Errorf("expected session_jsonl, got %s", changes[0].Entry.Kind)
	}
}

func TestScanDetectsModifiedWithResume(t *testing.T) {
	db := openTestDB(t)
	root := t.TempDir()
	projDir := filepath.Join(root, "projects", "myproj")
	if err := os.MkdirAll(projDir, 0750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	sessionPath := filepath.Join(projDir, "session1.jsonl")
	initial := []byte(`{"type":"user"}` + "\n")
	if err := os.WriteFile(sessionPath, initial, 0640); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := New(db, []model.Source{{Name: "claude1", Kind: model.SourceClaude, Root: root}}, nil)
	ctx := context.Background()

	changes, err := s.Scan(ctx)
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}
	changes[0].Entry.ByteOffsetIndexed = int64(len(initial))
	if err := Commit(ctx, db, changes[0].Entry); err != nil {
		t.Fatalf("commit: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	appended := append(initial, []byte(`{"type":"assistant"}`+"\n")...)
	if err := os.WriteFile(sessionPath, appended, 0640); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := os.Chtimes(sessionPath, time.Now().Add(time.Second), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	changes, err = s.Scan(ctx)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	if changes[0].Kind != model.ChangeModified {
		t.Errorf("expected Modified, got %s", changes[0].Kind)
	}
	if !changes[0].Resume {
		t.Error("expected Resume=true for a grown file")
	}
	if changes[0].Entry.ByteOffsetIndexed != int64(len(initial)) {
		t.Errorf("expected resume offset %d, got %d", len(initial), changes[0].Entry.ByteOffsetIndexed)
	}
}

func TestScanDetectsShrunkFileAsFullReparse(t *testing.T) {
	db := openTestDB(t)
	root := t.TempDir()
	projDir := filepath.Join(root, "projects", "myproj")
	if err := os.MkdirAll(projDir, 0750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	sessionPath := filepath.Join(projDir, "session1.jsonl")
	big := []byte(`{"type":"user","message":"a long line of content here"}` + "\n")
	if err := os.WriteFile(sessionPath, big, 0640); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := New(db, []model.Source{{Name: "claude1", Kind: model.SourceClaude, Root: root}}, nil)
	ctx := context.Background()

	changes, err := s.Scan(ctx)
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}
	changes[0].Entry.ByteOffsetIndexed = int64(len(big))
	if err := Commit(ctx, db, changes[0].Entry); err != nil {
		t.Fatalf("commit: %v", err)
	}

	small := []byte(`{"type":"user"}` + "\n")
	if err := os.WriteFile(sessionPath, small, 0640); err != nil {
		t.Fatalf("rewrite smaller: %v", err)
	}

	changes, err = s.Scan(ctx)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if changes[0].Kind != model.ChangeModified {
		t.Errorf("expected Modified (rewrite), got %s", changes[0].Kind)
	}
	if changes[0].Resume {
		t.Error("expected Resume=false for a shrunk file (full reparse)")
	}
}
