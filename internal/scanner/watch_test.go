package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flyingrobots/blacklight/internal/model"
)

func TestWatcherFiresOnNewSessionFile(t *testing.T) {
	root := t.TempDir()
	projDir := filepath.Join(root, "projects", "proj1")
	if err := os.MkdirAll(projDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	changed := make(chan struct{}, 8)
	sources := []model.Source{{Name: "src1", Kind: model.SourceClaude, Root: root}}
	w, err := NewWatcher(sources, defaultSkipDirs, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(projDir, "sess1.jsonl"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("expected onChange to fire after file write, timed out")
	}
}

func TestWatcherAddsNewlyCreatedSubdirectories(t *testing.T) {
	root := t.TempDir()
	projectsDir := filepath.Join(root, "projects")
	if err := os.MkdirAll(projectsDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	changed := make(chan struct{}, 8)
	sources := []model.Source{{Name: "src1", Kind: model.SourceClaude, Root: root}}
	w, err := NewWatcher(sources, defaultSkipDirs, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	newProjDir := filepath.Join(projectsDir, "proj2")
	if err := os.MkdirAll(newProjDir, 0o755); err != nil {
		t.Fatalf("mkdir new project: %v", err)
	}
	// Give the watch loop a moment to pick up and register the new directory
	// before a file appears inside it.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(newProjDir, "sess2.jsonl"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write file in new dir: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("expected onChange to fire for a file created in a newly-watched subdirectory")
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	root := t.TempDir()
	sources := []model.Source{{Name: "src1", Kind: model.SourceClaude, Root: root}}
	w, err := NewWatcher(sources, defaultSkipDirs, func() {})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	w.Start(context.Background())
	w.Stop()
	w.Stop() // must not panic or deadlock
}
