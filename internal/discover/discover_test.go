package discover

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/flyingrobots/blacklight/internal/model"
)

func TestSourcesSkipsConfiguredRoot(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	claudeDir := filepath.Join(home, ".claude")
	if err := os.MkdirAll(claudeDir, 0750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	configured := []model.Source{
		{Name: "my-claude", Kind: model.SourceClaude, Root: claudeDir, CASPrefix: "claude"},
	}
	result := Sources(configured)

	count := 0
	for _, s := range result {
		if s.Root == claudeDir {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected claudeDir to appear exactly once, got %d", count)
	}
}

func TestSourcesSkipsNonexistentRoots(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	// Nothing under home exists, so no default roots should be added.

	result := Sources(nil)
	if len(result) != 0 {
		t.Errorf("expected no auto-discovered sources when nothing exists, got %d", len(result))
	}
}
