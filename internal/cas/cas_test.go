package cas

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/flyingrobots/blacklight/internal/ingesterr"
	"github.com/flyingrobots/blacklight/internal/sqlitedb"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	db, err := sqlitedb.Open(dbPath, sqlitedb.Options{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	backupDir := filepath.Join(dir, "backups")
	matDir := filepath.Join(dir, "materialized")
	return New(db, Options{Mode: ModeSimple, BackupDir: backupDir, MaterializedDir: matDir}), dir
}

func TestBackupAndFetchRaw(t *testing.T) {
	s, dir := openTestStore(t)
	ctx := context.Background()

	srcPath := filepath.Join(dir, "session.jsonl")
	content := []byte(`{"type":"user","message":"hello"}`)
	if err := os.WriteFile(srcPath, content, 0640); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	hash, size, err := s.Backup(ctx, "session-1", "claude", srcPath)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if size != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), size)
	}

	// CAS master-record guarantee: delete the source, fetch must still work.
	if err := os.Remove(srcPath); err != nil {
		t.Fatalf("remove source: %v", err)
	}

	raw, err := s.FetchRaw(ctx, "session-1")
	if err != nil {
		t.Fatalf("fetch_raw after source deletion: %v", err)
	}
	if string(raw) != string(content) {
		t.Errorf("fetched bytes do not match original: got %q want %q", raw, content)
	}
	_ = hash
}

func TestBackupIdempotentOnSessionID(t *testing.T) {
	s, dir := openTestStore(t)
	ctx := context.Background()

	srcPath := filepath.Join(dir, "session.jsonl")
	if err := os.WriteFile(srcPath, []byte("data"), 0640); err != nil {
		t.Fatalf("write source: %v", err)
	}

	hash1, _, err := s.Backup(ctx, "session-1", "claude", srcPath)
	if err != nil {
		t.Fatalf("first backup: %v", err)
	}
	hash2, _, err := s.Backup(ctx, "session-1", "claude", srcPath)
	if err != nil {
		t.Fatalf("second backup: %v", err)
	}
	if hash1 != hash2 {
		t.Errorf("idempotent backup changed hash: %s != %s", hash1, hash2)
	}
}

func TestFetchRawWithoutBackupReturnsNotBackedUp(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.FetchRaw(context.Background(), "nonexistent-session")
	if err == nil {
		t.Fatal("expected error for session with no backup")
	}
	if !errors.Is(err, ingesterr.ErrNotBackedUp) {
		t.Errorf("expected ErrNotBackedUp, got %v", err)
	}
}

func TestMaterializeCachesLocally(t *testing.T) {
	s, dir := openTestStore(t)
	ctx := context.Background()

	srcPath := filepath.Join(dir, "session.jsonl")
	content := []byte("materialize me")
	if err := os.WriteFile(srcPath, content, 0640); err != nil {
		t.Fatalf("write source: %v", err)
	}

	if _, _, err := s.Backup(ctx, "session-1", "claude", srcPath); err != nil {
		t.Fatalf("backup: %v", err)
	}

	path, err := s.Materialize(ctx, "session-1")
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read materialized file: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("materialized content mismatch: got %q want %q", got, content)
	}
}
