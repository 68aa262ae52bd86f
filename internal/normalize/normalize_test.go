package normalize

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flyingrobots/blacklight/internal/contentstore"
	"github.com/flyingrobots/blacklight/internal/model"
	"github.com/flyingrobots/blacklight/internal/sqlitedb"
)

func openTestNormalizer(t *testing.T, threshold int) *Normalizer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sqlitedb.Open(path, sqlitedb.Options{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(contentstore.New(db), threshold, false)
}

func TestTurnInlinesSmallTextBlock(t *testing.T) {
	n := openTestNormalizer(t, 256)
	res, err := n.Turn(context.Background(), "s1", 0, RawTurn{
		Persisted: true, ID: "m1", Type: model.MessageUser,
		Blocks: []RawBlock{{Type: model.BlockText, Content: []byte("short text")}},
	})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if len(res.Blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(res.Blocks))
	}
	if res.Blocks[0].InlineContent != "short text" {
		t.Errorf("expected inlined content, got %+v", res.Blocks[0])
	}
	if res.Blocks[0].ContentHash != "" {
		t.Errorf("small content must not be hashed, got %q", res.Blocks[0].ContentHash)
	}
	if res.Message == nil || res.Message.ID != "m1" {
		t.Errorf("unexpected message: %+v", res.Message)
	}
	if res.Message.Fingerprint == "" {
		t.Error("expected a non-empty turn fingerprint")
	}
}

func TestTurnHashesLargeTextBlock(t *testing.T) {
	n := openTestNormalizer(t, 256)
	large := strings.Repeat("x", 512)
	res, err := n.Turn(context.Background(), "s1", 0, RawTurn{
		Persisted: true, ID: "m2", Type: model.MessageAssistant,
		Blocks: []RawBlock{{Type: model.BlockText, Content: []byte(large)}},
	})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if res.Blocks[0].ContentHash == "" {
		t.Error("expected large content to be hashed")
	}
	if res.Blocks[0].InlineContent != "" {
		t.Error("hashed content must not also be inlined")
	}
}

func TestTurnEmitsToolUseAndFileRef(t *testing.T) {
	n := openTestNormalizer(t, 256)
	res, err := n.Turn(context.Background(), "s1", 1, RawTurn{
		Persisted: true, ID: "m3", Type: model.MessageAssistant,
		Blocks:   []RawBlock{{Type: model.BlockToolUse, ToolName: "Write", ToolUseID: "t1", ToolInput: []byte(`{"file_path":"/a.go","content":"package a"}`)}},
		FileRefs: []RawFileRef{{FilePath: "/a.go", Operation: model.OpWrite, Content: []byte("package a")}},
	})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].ID != "t1" || res.ToolCalls[0].InputHash == "" {
		t.Errorf("unexpected tool calls: %+v", res.ToolCalls)
	}
	if len(res.FileRefs) != 1 || res.FileRefs[0].FilePath != "/a.go" || res.FileRefs[0].ContentHash == "" {
		t.Errorf("unexpected file refs: %+v", res.FileRefs)
	}
}

func TestUnpersistedTurnYieldsNoRecords(t *testing.T) {
	n := openTestNormalizer(t, 256)
	res, err := n.Turn(context.Background(), "s1", 2, RawTurn{Persisted: false})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if res.Message != nil {
		t.Errorf("expected no message for an unpersisted turn, got %+v", res.Message)
	}
}
