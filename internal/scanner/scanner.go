// Package scanner walks configured source roots, classifies discovered
// files by path pattern, and diffs them against the indexed_files manifest
// to produce a resumable, deterministic work list for the parsers.
package scanner

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	. "github.com/flyingrobots/blacklight/internal/logging"

	"github.com/flyingrobots/blacklight/internal/ingesterr"
	"github.com/flyingrobots/blacklight/internal/model"
)

// defaultSkipDirs are directories never opened while walking a root,
// regardless of configuration.
var defaultSkipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"__pycache__":  true,
	".cache":       true,
}

// Scanner walks a fixed set of Sources and diffs what it finds against the
// indexed_files manifest persisted in the database.
type Scanner struct {
	db       *sql.DB
	sources  []model.Source
	skipDirs map[string]bool
}

// New constructs a Scanner over sources, with additional skip directory
// names layered onto the built-in defaults.
func New(db *sql.DB, sources []model.Source, extraSkipDirs []string) *Scanner {
	skip := make(map[string]bool, len(defaultSkipDirs)+len(extraSkipDirs))
	for k := range defaultSkipDirs {
		skip[k] = true
	}
	for _, d := range extraSkipDirs {
		skip[d] = true
	}
	return &Scanner{db: db, sources: sources, skipDirs: skip}
}

// Change is one diffed file: what the scanner found on disk for a Source,
// paired with the classification against the prior indexed_files row.
type Change struct {
	Entry  model.FileEntry
	Kind   model.ChangeKind
	Resume bool // true when Kind == Modified and parsing can resume mid-file
}

// Scan walks every configured source root, classifies each discovered
// file, and diffs it against the persisted manifest. Results are sorted by
// (kind, path) for a reproducible order across runs.
func (s *Scanner) Scan(ctx context.Context) ([]Change, error) {
	var changes []Change

	for _, src := range s.sources {
		found, err := s.walkSource(ctx, src)
		if err != nil {
			return nil, err
		}
		for _, entry := range found {
			change, err := s.diff(ctx, entry)
			if err != nil {
				return nil, err
			}
			changes = append(changes, change)
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		a, b := changes[i].Entry, changes[j].Entry
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Path < b.Path
	}) // sorted by (file kind, path) per the determinism contract

	return changes, nil
}

func (s *Scanner) walkSource(ctx context.Context, src model.Source) ([]model.FileEntry, error) {
	var entries []model.FileEntry

	err := filepath.WalkDir(src.Root, func(path string, d os.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			L_warn("scanner: walk error, skipping", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			if s.skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		kind := Classify(src.Kind, path, src.Root)
		if kind == model.FileSkip {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			L_warn("scanner: stat error, skipping", "path", path, "error", err)
			return nil
		}

		entries = append(entries, model.FileEntry{
			SourceName: src.Name,
			Path:       path,
			Kind:       kind,
			ModTime:    info.ModTime(),
			Size:       info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, ingesterr.New(ingesterr.KindIO, fmt.Errorf("walk source %s: %w", src.Name, err))
	}
	return entries, nil
}

// diff compares a freshly-discovered FileEntry against the persisted
// indexed_files row for the same (source_name, path).
func (s *Scanner) diff(ctx context.Context, entry model.FileEntry) (Change, error) {
	var prevMTime int64
	var prevSize, prevOffset int64
	err := s.db.QueryRowContext(ctx, `
		SELECT mtime, size, last_byte_offset FROM indexed_files
		WHERE source_name = ? AND path = ?
	`, entry.SourceName, entry.Path).Scan(&prevMTime, &prevSize, &prevOffset)

	if err == sql.ErrNoRows {
		return Change{Entry: entry, Kind: model.ChangeNew}, nil
	}
	if err != nil {
		return Change{}, ingesterr.New(ingesterr.KindIO, err)
	}

	switch {
	case entry.Size < prevSize:
		// File shrank: rotation or rewrite. Full reparse from offset 0; the
		// prior offset is discarded, never decremented in place.
		return Change{Entry: entry, Kind: model.ChangeModified, Resume: false}, nil
	case entry.Size > prevSize || entry.ModTime.Unix() > prevMTime:
		entry.ByteOffsetIndexed = prevOffset
		return Change{Entry: entry, Kind: model.ChangeModified, Resume: true}, nil
	default:
		return Change{Entry: entry, Kind: model.ChangeUnchanged}, nil
	}
}

// Classify maps a path under root to its FileKind for the given source
// kind, following the exhaustive pattern table. Unrecognized paths are
// FileSkip and must never be opened.
func Classify(kind model.SourceKind, path, root string) model.FileKind {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return model.FileSkip
	}
	rel = filepath.ToSlash(rel)

	switch kind {
	case model.SourceClaude:
		return classifyClaude(rel)
	case model.SourceGemini:
		return classifyGemini(rel)
	case model.SourceCodex:
		return classifyCodex(rel)
	default:
		return model.FileSkip
	}
}

func classifyClaude(rel string) model.FileKind {
	base := filepath.Base(rel)
	switch {
	case matchGlob(rel, "projects/**/sessions-index.json"):
		return model.FileSessionIndex
	case matchGlob(rel, "projects/**/*.jsonl"):
		return model.FileSessionJSONL
	case matchGlob(rel, "tasks/**/*.json"):
		return model.FileTasks
	case matchGlob(rel, "usage-data/facets/**/*.json"):
		return model.FileFacet
	case base == "stats-cache.json":
		return model.FileStats
	case matchGlob(rel, "plans/**/*.md"):
		return model.FilePlan
	case base == "history.jsonl":
		return model.FileHistory
	case strings.HasPrefix(base, "local_") && strings.HasSuffix(base, ".json"):
		return model.FileDesktopLocal
	default:
		return model.FileSkip
	}
}

func classifyGemini(rel string) model.FileKind {
	switch {
	case matchGlob(rel, "**/chats/**/*.json"):
		return model.FileGeminiSession
	case matchGlob(rel, "tmp/**/session-*.json"):
		return model.FileGeminiSession
	default:
		return model.FileSkip
	}
}

func classifyCodex(rel string) model.FileKind {
	if matchGlob(rel, "sessions/**/rollout-*.jsonl") {
		return model.FileCodexRollout
	}
	return model.FileSkip
}

// matchGlob implements the small set of "**"-capable glob patterns used by
// the classification tables above. "**" matches across path separators;
// every other segment is matched with filepath.Match semantics.
func matchGlob(rel, pattern string) bool {
	patternParts := strings.Split(pattern, "/")
	relParts := strings.Split(rel, "/")
	return matchParts(patternParts, relParts)
}

func matchParts(pattern, path []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}
	if pattern[0] == "**" {
		if matchParts(pattern[1:], path) {
			return true
		}
		if len(path) == 0 {
			return false
		}
		return matchParts(pattern, path[1:])
	}
	if len(path) == 0 {
		return false
	}
	ok, err := filepath.Match(pattern[0], path[0])
	if err != nil || !ok {
		return false
	}
	return matchParts(pattern[1:], path[1:])
}

// Commit persists the manifest row for entry after its batch has
// successfully committed. The scanner discipline requires this happen only
// after the corresponding write, so a mid-file crash always resumes from
// the last committed offset.
func Commit(ctx context.Context, db *sql.DB, entry model.FileEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO indexed_files (source_name, path, kind, mtime, size, last_byte_offset)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_name, path) DO UPDATE SET
			kind = excluded.kind,
			mtime = excluded.mtime,
			size = excluded.size,
			last_byte_offset = excluded.last_byte_offset
	`, entry.SourceName, entry.Path, string(entry.Kind), entry.ModTime.Unix(), entry.Size, entry.ByteOffsetIndexed)
	if err != nil {
		return ingesterr.New(ingesterr.KindConstraint, fmt.Errorf("commit indexed_files %s: %w", entry.Path, err))
	}
	return nil
}
