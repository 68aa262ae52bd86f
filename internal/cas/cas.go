// Package cas implements the backup content-addressable store: it vaults
// the raw bytes of every indexed session so raw replay and provenance
// verification survive even if the source directory is later modified or
// deleted. Two interchangeable backends are supported: simple (a
// file-per-hash layout under backup_dir) and gitcas (an external
// content-addressed git object database, invoked as a subprocess), with
// gitcas falling back to simple on repeated failure.
package cas

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	. "github.com/flyingrobots/blacklight/internal/logging"

	"github.com/flyingrobots/blacklight/internal/fingerprint"
	"github.com/flyingrobots/blacklight/internal/ingesterr"
)

// Mode selects which backend Backup uses.
type Mode string

const (
	ModeSimple Mode = "simple"
	ModeGitCAS Mode = "gitcas"
)

// Store vaults and retrieves raw session bytes by content hash.
type Store struct {
	db              *sql.DB
	mode            Mode
	backupDir       string
	materializedDir string
	gitBin          string
	maxRetries      int
	backoffBase     time.Duration
	backoffCap      time.Duration
}

// Options configures a Store.
type Options struct {
	Mode            Mode
	BackupDir       string
	MaterializedDir string
	// GitBin is the executable used for gitcas mode, defaulting to "git".
	// The gitcas convention used here is a bare object store: `git
	// hash-object -w --stdin` to write, `git cat-file -p <hash>` to read,
	// under a GIT_DIR rooted at BackupDir.
	GitBin     string
	MaxRetries int
}

// New constructs a Store. db is used only for the session_backups master
// record table.
func New(db *sql.DB, opts Options) *Store {
	if opts.GitBin == "" {
		opts.GitBin = "git"
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	return &Store{
		db:              db,
		mode:            opts.Mode,
		backupDir:       opts.BackupDir,
		materializedDir: opts.MaterializedDir,
		gitBin:          opts.GitBin,
		maxRetries:      opts.MaxRetries,
		backoffBase:     1 * time.Second,
		backoffCap:      60 * time.Second,
	}
}

// Backup vaults the bytes at originalPath for sessionID and records a
// session_backups row. Idempotent on sessionID: a second call for the same
// session is a no-op that returns the existing hash. Backup failure must
// never abort indexing of the session; callers log the returned error as a
// structured warning and proceed.
func (s *Store) Backup(ctx context.Context, sessionID, casPrefix, originalPath string) (contentHash string, size int64, err error) {
	if existing, _, existingSize, ok, err := s.existingBackup(ctx, sessionID); err != nil {
		return "", 0, err
	} else if ok {
		return existing, existingSize, nil
	}

	content, err := os.ReadFile(originalPath)
	if err != nil {
		return "", 0, ingesterr.New(ingesterr.KindIO, fmt.Errorf("read %s: %w", originalPath, err))
	}

	hash := fingerprint.Hash(content)

	if err := s.writeWithFallback(ctx, casPrefix, hash, content); err != nil {
		return "", 0, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO session_backups (session_id, content_hash, cas_prefix, original_path, file_size, backed_up_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, hash, casPrefix, originalPath, len(content), time.Now().Unix())
	if err != nil {
		return "", 0, ingesterr.New(ingesterr.KindConstraint, fmt.Errorf("record backup for %s: %w", sessionID, err))
	}

	return hash, int64(len(content)), nil
}

func (s *Store) existingBackup(ctx context.Context, sessionID string) (hash, casPrefix string, size int64, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT content_hash, cas_prefix, file_size FROM session_backups WHERE session_id = ?
	`, sessionID).Scan(&hash, &casPrefix, &size)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", 0, false, nil
	}
	if err != nil {
		return "", "", 0, false, ingesterr.New(ingesterr.KindIO, err)
	}
	return hash, casPrefix, size, true, nil
}

// blobFilename is the simple-mode on-disk name for a blob: "<cas_prefix>:<hash>".
func blobFilename(casPrefix, hash string) string {
	return casPrefix + ":" + hash
}

// writeWithFallback writes content under hash using the configured mode,
// retrying gitcas with bounded exponential backoff before falling back to
// simple mode, per-operation, without touching global configuration.
func (s *Store) writeWithFallback(ctx context.Context, casPrefix, hash string, content []byte) error {
	if s.mode != ModeGitCAS {
		return s.writeSimple(casPrefix, hash, content)
	}

	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt))) * s.backoffBase
			if delay > s.backoffCap {
				delay = s.backoffCap
			}
			select {
			case <-ctx.Done():
				return ingesterr.New(ingesterr.KindCancelled, ctx.Err())
			case <-time.After(delay):
			}
		}
		if err := s.writeGitCAS(ctx, hash, content); err != nil {
			lastErr = err
			L_warn("cas: gitcas write failed, will retry", "hash", hash, "attempt", attempt+1, "error", err)
			continue
		}
		return nil
	}

	L_warn("cas: gitcas exhausted retries, falling back to simple mode", "hash", hash, "error", lastErr)
	return s.writeSimple(casPrefix, hash, content)
}

func (s *Store) writeSimple(casPrefix, hash string, content []byte) error {
	if err := os.MkdirAll(s.backupDir, 0750); err != nil {
		return ingesterr.New(ingesterr.KindIO, fmt.Errorf("create backup dir: %w", err))
	}
	path := filepath.Join(s.backupDir, blobFilename(casPrefix, hash))
	if _, err := os.Stat(path); err == nil {
		return nil // already vaulted
	}
	if err := os.WriteFile(path, content, 0640); err != nil {
		return ingesterr.New(ingesterr.KindIO, fmt.Errorf("write simple backup %s: %w", hash, err))
	}
	return nil
}

func (s *Store) writeGitCAS(ctx context.Context, hash string, content []byte) error {
	cmd := exec.CommandContext(ctx, s.gitBin, "--git-dir="+s.backupDir, "hash-object", "-w", "--stdin")
	cmd.Stdin = bytes.NewReader(content)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return ingesterr.New(ingesterr.KindExternalTool, fmt.Errorf("git hash-object: %w: %s", err, stderr.String()))
	}
	return nil
}

// Materialize produces a readable local path for the blob backed up for
// sessionID, caching it under materialized_dir.
func (s *Store) Materialize(ctx context.Context, sessionID string) (string, error) {
	hash, casPrefix, _, ok, err := s.existingBackup(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ingesterr.New(ingesterr.KindNotBackedUp, fmt.Errorf("session %s: %w", sessionID, ingesterr.ErrNotBackedUp))
	}

	path := filepath.Join(s.materializedDir, hash)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	content, err := s.readBlob(ctx, casPrefix, hash)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.materializedDir, 0750); err != nil {
		return "", ingesterr.New(ingesterr.KindIO, fmt.Errorf("create materialized dir: %w", err))
	}
	if err := os.WriteFile(path, content, 0640); err != nil {
		return "", ingesterr.New(ingesterr.KindIO, fmt.Errorf("write materialized cache %s: %w", hash, err))
	}
	return path, nil
}

// FetchRaw serves the original bytes for sessionID strictly from CAS.
// Returns ingesterr.ErrNotBackedUp when session_backups has no row for
// this session.
func (s *Store) FetchRaw(ctx context.Context, sessionID string) ([]byte, error) {
	hash, casPrefix, _, ok, err := s.existingBackup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ingesterr.New(ingesterr.KindNotBackedUp, fmt.Errorf("session %s: %w", sessionID, ingesterr.ErrNotBackedUp))
	}
	return s.readBlob(ctx, casPrefix, hash)
}

func (s *Store) readBlob(ctx context.Context, casPrefix, hash string) ([]byte, error) {
	if s.mode == ModeGitCAS {
		if content, err := s.readGitCAS(ctx, hash); err == nil {
			return content, nil
		}
		L_warn("cas: gitcas read failed, falling back to simple mode", "hash", hash)
	}
	path := filepath.Join(s.backupDir, blobFilename(casPrefix, hash))
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, ingesterr.New(ingesterr.KindIO, fmt.Errorf("read blob %s: %w", hash, err))
	}
	return content, nil
}

func (s *Store) readGitCAS(ctx context.Context, hash string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.gitBin, "--git-dir="+s.backupDir, "cat-file", "-p", hash)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, ingesterr.New(ingesterr.KindExternalTool, fmt.Errorf("git cat-file: %w: %s", err, stderr.String()))
	}
	return stdout.Bytes(), nil
}
