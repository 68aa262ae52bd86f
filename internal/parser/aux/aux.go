// Package aux parses Claude Code's auxiliary artifacts: tasks, usage-data
// facets, the stats cache, markdown plans, and the history prompt log. None
// of these carry conversation turns, so each gets its own small parse
// function and its own table instead of flowing through internal/normalize.
// A missing file of any of these kinds is not an error; callers simply
// never call the corresponding Parse function for a file that isn't there.
package aux

import (
	"bufio"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"

	"github.com/flyingrobots/blacklight/internal/contentstore"
	"github.com/flyingrobots/blacklight/internal/ingesterr"
	"github.com/flyingrobots/blacklight/internal/model"
)

// ParseTask reads a single tasks/**/*.json file.
func ParseTask(path, sourceName string) (model.Task, error) {
	var raw struct {
		ID        string `json:"id"`
		Title     string `json:"title"`
		Status    string `json:"status"`
		CreatedAt string `json:"createdAt"`
		UpdatedAt string `json:"updatedAt"`
	}
	if err := readJSON(path, &raw); err != nil {
		return model.Task{}, err
	}
	if raw.ID == "" {
		raw.ID = filepath.Base(path)
	}
	return model.Task{
		ID:         raw.ID,
		SourceName: sourceName,
		Title:      raw.Title,
		Status:     orDefault(raw.Status, "open"),
		CreatedAt:  parseTimestamp(raw.CreatedAt),
		UpdatedAt:  parseTimestamp(raw.UpdatedAt),
	}, nil
}

// PersistTask upserts a Task row.
func PersistTask(ctx context.Context, db *sql.DB, t model.Task) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO tasks (id, source_name, title, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title, status = excluded.status, updated_at = excluded.updated_at
	`, t.ID, t.SourceName, t.Title, t.Status, t.CreatedAt.Unix(), t.UpdatedAt.Unix())
	if err != nil {
		return ingesterr.New(ingesterr.KindConstraint, err)
	}
	return nil
}

// ParseFacet reads a single usage-data/facets/**/*.json file.
func ParseFacet(path string) (model.Facet, error) {
	var raw struct {
		SessionID   string  `json:"sessionId"`
		Outcome     string  `json:"outcome"`
		Friction    string  `json:"friction"`
		Helpfulness float64 `json:"helpfulness"`
		RecordedAt  string  `json:"recordedAt"`
	}
	if err := readJSON(path, &raw); err != nil {
		return model.Facet{}, err
	}
	return model.Facet{
		SessionID:   raw.SessionID,
		Outcome:     raw.Outcome,
		Friction:    raw.Friction,
		Helpfulness: raw.Helpfulness,
		RecordedAt:  parseTimestamp(raw.RecordedAt),
	}, nil
}

// PersistFacet upserts a Facet row.
func PersistFacet(ctx context.Context, db *sql.DB, f model.Facet) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO facets (session_id, outcome, friction, helpfulness, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			outcome = excluded.outcome, friction = excluded.friction,
			helpfulness = excluded.helpfulness, recorded_at = excluded.recorded_at
	`, f.SessionID, f.Outcome, f.Friction, f.Helpfulness, f.RecordedAt.Unix())
	if err != nil {
		return ingesterr.New(ingesterr.KindConstraint, err)
	}
	return nil
}

// ParseStatsCache reads stats-cache.json, which holds a map of date to a
// map of model name to token counts.
func ParseStatsCache(path string) ([]model.DailyStats, error) {
	var raw map[string]map[string]struct {
		InputTokens  int64 `json:"inputTokens"`
		OutputTokens int64 `json:"outputTokens"`
	}
	if err := readJSON(path, &raw); err != nil {
		return nil, err
	}
	var out []model.DailyStats
	for date, models := range raw {
		for modelName, tok := range models {
			out = append(out, model.DailyStats{
				Date:         date,
				Model:        modelName,
				InputTokens:  tok.InputTokens,
				OutputTokens: tok.OutputTokens,
				TotalTokens:  tok.InputTokens + tok.OutputTokens,
			})
		}
	}
	return out, nil
}

// PersistDailyStats upserts one DailyStats row.
func PersistDailyStats(ctx context.Context, db *sql.DB, s model.DailyStats) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO stats_daily (date, model, input_tokens, output_tokens, total_tokens)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(date, model) DO UPDATE SET
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			total_tokens = excluded.total_tokens
	`, s.Date, s.Model, s.InputTokens, s.OutputTokens, s.TotalTokens)
	if err != nil {
		return ingesterr.New(ingesterr.KindConstraint, err)
	}
	return nil
}

// ParsePlan reads a plans/**/*.md file and stores its content as a
// deduplicated blob of kind BlobPlan. content_store's AFTER INSERT trigger
// indexes it into content_fts since BlobPlan is always searchable.
func ParsePlan(ctx context.Context, store *contentstore.Store, path string) (model.Plan, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return model.Plan{}, ingesterr.New(ingesterr.KindIO, err)
	}
	hash := contentstore.Hash(content)
	if _, err := store.Put(ctx, hash, string(content), len(content), model.BlobPlan); err != nil {
		return model.Plan{}, err
	}
	return model.Plan{Path: path, ContentHash: hash, RecordedAt: time.Now()}, nil
}

// PersistPlan upserts the plans row linking path to its blob hash.
func PersistPlan(ctx context.Context, db *sql.DB, p model.Plan) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO plans (path, content_hash, recorded_at)
		VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET content_hash = excluded.content_hash, recorded_at = excluded.recorded_at
	`, p.Path, p.ContentHash, p.RecordedAt.Unix())
	if err != nil {
		return ingesterr.New(ingesterr.KindConstraint, err)
	}
	return nil
}

// ParseHistory reads history.jsonl, one prompt record per line, with the
// same large-buffer bufio.Scanner as the session parsers. It always reads
// from the start of the file; it takes no resume offset.
func ParseHistory(path, sourceName string) ([]model.HistoryEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ingesterr.New(ingesterr.KindIO, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 10*1024*1024)
	scanner.Buffer(buf, 10*1024*1024)

	var entries []model.HistoryEntry
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw struct {
			ProjectPath string `json:"projectPath"`
			Prompt      string `json:"prompt"`
			Timestamp   string `json:"timestamp"`
		}
		if err := json.Unmarshal(line, &raw); err != nil {
			continue
		}
		entries = append(entries, model.HistoryEntry{
			SourceName:  sourceName,
			ProjectPath: raw.ProjectPath,
			Prompt:      raw.Prompt,
			OccurredAt:  parseTimestamp(raw.Timestamp),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, ingesterr.New(ingesterr.KindIO, err)
	}
	return entries, nil
}

// PersistHistoryEntry inserts one history entry. History is append-only, so
// no upsert key is needed.
func PersistHistoryEntry(ctx context.Context, db *sql.DB, h model.HistoryEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO history_entries (source_name, project_path, prompt, occurred_at)
		VALUES (?, ?, ?, ?)
	`, h.SourceName, h.ProjectPath, h.Prompt, h.OccurredAt.Unix())
	if err != nil {
		return ingesterr.New(ingesterr.KindConstraint, err)
	}
	return nil
}

func readJSON(path string, target interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return ingesterr.New(ingesterr.KindIO, err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return ingesterr.New(ingesterr.KindParse, err)
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}
