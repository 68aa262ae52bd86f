// Package claude parses Claude Code's JSONL session transcripts into
// normalize.RawTurn records. One JSON object per line; the line's "type"
// field selects how it is handled. The "progress" type is special-cased:
// its normalizedMessages payload (often multiple megabytes) is never
// declared in any decode target here, so goccy/go-json skips its bytes
// structurally without ever allocating a Go value for it.
package claude

import (
	"bufio"
	"io"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	. "github.com/flyingrobots/blacklight/internal/logging"

	"github.com/flyingrobots/blacklight/internal/ingesterr"
	"github.com/flyingrobots/blacklight/internal/model"
	"github.com/flyingrobots/blacklight/internal/normalize"
)

// maxLineSize bounds a single JSONL line, matching the buffer the teacher
// uses for its own session transcripts.
const maxLineSize = 10 * 1024 * 1024

// Parser is a lazy, restartable reader over one Claude JSONL file. Memory
// use is bounded by one line's bytes, never the whole file.
type Parser struct {
	file      *os.File
	scanner   *bufio.Scanner
	offset    int64
	turnIndex int
	path      string

	// pendingFileOps correlates a Read/Grep tool_use to its later
	// tool_result by tool_use_id, the same key internal/writer already
	// uses to merge a ToolCall's input and output halves. The path is
	// known at tool_use time; the content a FileReference hashes is only
	// known once the result comes back, possibly several lines later.
	pendingFileOps map[string]pendingFileOp
}

type pendingFileOp struct {
	path string
	op   model.FileOperation
}

// Open starts reading path from startOffset (0 for a fresh file, or a
// previously persisted FileEntry.ByteOffsetIndexed to resume mid-file).
func Open(path string, startOffset int64) (*Parser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ingesterr.NewAt(ingesterr.KindIO, path, startOffset, err)
	}
	if startOffset > 0 {
		if _, err := f.Seek(startOffset, io.SeekStart); err != nil {
			f.Close()
			return nil, ingesterr.NewAt(ingesterr.KindIO, path, startOffset, err)
		}
	}
	scanner := bufio.NewScanner(f)
	buf := make([]byte, maxLineSize)
	scanner.Buffer(buf, maxLineSize)
	return &Parser{
		file: f, scanner: scanner, offset: startOffset, path: path,
		pendingFileOps: make(map[string]pendingFileOp),
	}, nil
}

// Close releases the underlying file handle.
func (p *Parser) Close() error { return p.file.Close() }

// Offset returns the byte offset after the most recently returned line;
// callers persist this into indexed_files.last_byte_offset once the
// corresponding batch commits.
func (p *Parser) Offset() int64 { return p.offset }

// Next returns the next RawTurn plus whatever SessionMeta fields this line
// contributes. Malformed lines are logged with path and offset and skipped,
// never aborting the stream. Returns io.EOF once the file is exhausted.
func (p *Parser) Next() (normalize.RawTurn, normalize.SessionMeta, error) {
	for p.scanner.Scan() {
		line := p.scanner.Bytes()
		lineLen := int64(len(line)) + 1 // account for the newline byte
		startOffset := p.offset
		p.offset += lineLen

		if len(line) == 0 {
			continue
		}

		turn, meta, err := p.parseLine(line, p.turnIndex)
		if err != nil {
			L_warn("claude: skipping malformed record", "path", p.path, "offset", startOffset, "error", err)
			continue
		}
		p.turnIndex++
		return turn, meta, nil
	}
	if err := p.scanner.Err(); err != nil {
		return normalize.RawTurn{}, normalize.SessionMeta{}, ingesterr.NewAt(ingesterr.KindIO, p.path, p.offset, err)
	}
	return normalize.RawTurn{}, normalize.SessionMeta{}, io.EOF
}

// claudeLine is the superset of top-level fields this parser reads. It
// deliberately omits normalizedMessages: any JSON key not named here is
// skipped by the decoder without being materialized into a Go value,
// which is what makes "progress" records cheap regardless of their size.
type claudeLine struct {
	Type        string          `json:"type"`
	UUID        string          `json:"uuid"`
	ParentUUID  string          `json:"parentUuid"`
	Timestamp   string          `json:"timestamp"`
	SessionID   string          `json:"sessionId"`
	CWD         string          `json:"cwd"`
	GitBranch   string          `json:"gitBranch"`
	Version     string          `json:"version"`
	IsSidechain bool            `json:"isSidechain"`
	Message     json.RawMessage `json:"message"`
	Summary     string          `json:"summary"`
	Content     string          `json:"content"`
	DurationMs  int64           `json:"durationMs"`
	Subtype     string          `json:"subtype"`
}

type claudeMessageBody struct {
	Model      string          `json:"model"`
	StopReason string          `json:"stop_reason"`
	Content    json.RawMessage `json:"content"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

func (p *Parser) parseLine(line []byte, turnIndex int) (normalize.RawTurn, normalize.SessionMeta, error) {
	var rec claudeLine
	if err := json.Unmarshal(line, &rec); err != nil {
		return normalize.RawTurn{}, normalize.SessionMeta{}, err
	}

	ts := parseTimestamp(rec.Timestamp)
	meta := normalize.SessionMeta{
		ID:          rec.SessionID,
		ProjectPath: rec.CWD,
		GitBranch:   rec.GitBranch,
		AppVersion:  rec.Version,
		IsSidechain: rec.IsSidechain,
	}

	switch rec.Type {
	case "assistant":
		blocks, fileRefs, err := p.convertContent(rec.Message, true)
		if err != nil {
			return normalize.RawTurn{}, meta, err
		}
		var body claudeMessageBody
		_ = json.Unmarshal(rec.Message, &body)
		return normalize.RawTurn{
			Persisted: true, ID: rec.UUID, ParentID: rec.ParentUUID,
			Type: model.MessageAssistant, Timestamp: ts,
			Model: body.Model, StopReason: body.StopReason,
			Blocks: blocks, FileRefs: fileRefs,
		}, meta, nil

	case "user":
		blocks, fileRefs, err := p.convertContent(rec.Message, false)
		if err != nil {
			return normalize.RawTurn{}, meta, err
		}
		return normalize.RawTurn{
			Persisted: true, ID: rec.UUID, ParentID: rec.ParentUUID,
			Type: model.MessageUser, Timestamp: ts,
			Blocks: blocks, FileRefs: fileRefs,
		}, meta, nil

	case "system":
		turn := normalize.RawTurn{
			Persisted: true, ID: rec.UUID, ParentID: rec.ParentUUID,
			Type: model.MessageSystem, Timestamp: ts,
		}
		if rec.Subtype == "turn_duration" {
			turn.DurationMs = rec.DurationMs
		} else if rec.Content != "" {
			turn.Blocks = []normalize.RawBlock{{Type: model.BlockText, Content: []byte(rec.Content)}}
		}
		return turn, meta, nil

	case "summary":
		meta.Summary = rec.Summary
		turn := normalize.RawTurn{
			Persisted: true, ID: rec.UUID, ParentID: rec.ParentUUID,
			Type: model.MessageSummary, Timestamp: ts,
		}
		if rec.Summary != "" {
			turn.Blocks = []normalize.RawBlock{{Type: model.BlockText, Content: []byte(rec.Summary)}}
		}
		return turn, meta, nil

	case "file-history-snapshot":
		return normalize.RawTurn{
			Persisted: true, ID: rec.UUID, ParentID: rec.ParentUUID,
			Type: model.MessageFileHistorySnapshot, Timestamp: ts,
		}, meta, nil

	case "progress", "queue-operation":
		// MUST NOT persist a Message row; normalizedMessages was never
		// decoded above, so this case costs only the top-level field scan.
		return normalize.RawTurn{Persisted: false}, meta, nil

	default:
		// Unknown type: forward-compatible, ignored rather than an error.
		return normalize.RawTurn{Persisted: false}, meta, nil
	}
}

// convertContent decodes a message.content field (string or block array)
// into RawBlocks, applying the assistant/user-specific block kinds and
// extracting file references from tool_use inputs along the way. Read and
// Grep references complete later, when the matching tool_result arrives;
// see pendingFileOps.
func (p *Parser) convertContent(rawMessage json.RawMessage, isAssistant bool) ([]normalize.RawBlock, []normalize.RawFileRef, error) {
	if len(rawMessage) == 0 {
		return nil, nil, nil
	}
	var body claudeMessageBody
	if err := json.Unmarshal(rawMessage, &body); err != nil {
		return nil, nil, err
	}
	claudeBlocks, err := flexibleBlocks(body.Content)
	if err != nil {
		return nil, nil, err
	}

	blocks := make([]normalize.RawBlock, 0, len(claudeBlocks))
	var fileRefs []normalize.RawFileRef

	for _, cb := range claudeBlocks {
		switch cb.Type {
		case "text":
			blocks = append(blocks, normalize.RawBlock{Type: model.BlockText, Content: []byte(cb.Text)})
		case "thinking":
			blocks = append(blocks, normalize.RawBlock{Type: model.BlockThinking, Content: []byte(cb.Thinking)})
		case "tool_use":
			blocks = append(blocks, normalize.RawBlock{
				Type: model.BlockToolUse, ToolName: cb.Name, ToolUseID: cb.ToolUseID, ToolInput: cb.Input,
			})
			if ref, ok := extractFileRef(cb.Name, cb.Input); ok {
				fileRefs = append(fileRefs, ref)
			} else if pending, ok := pendingFileOpFor(cb.Name, cb.Input); ok {
				p.pendingFileOps[cb.ToolUseID] = pending
			}
		case "tool_result":
			resultBlocks, err := flexibleBlocks(cb.Content)
			if err != nil {
				return nil, nil, err
			}
			var text strings.Builder
			for _, rb := range resultBlocks {
				text.WriteString(rb.Text)
			}
			blocks = append(blocks, normalize.RawBlock{
				Type: model.BlockResult, ToolUseID: cb.ToolUseID, Content: []byte(text.String()),
			})
			if pending, ok := p.pendingFileOps[cb.ToolUseID]; ok {
				delete(p.pendingFileOps, cb.ToolUseID)
				fileRefs = append(fileRefs, normalize.RawFileRef{
					FilePath: pending.path, Operation: pending.op, Content: []byte(text.String()),
				})
			}
		}
	}
	return blocks, fileRefs, nil
}

// flexibleBlocks decodes a content field that may be either a plain string
// or an array of typed blocks; both forms are observed in the wild.
func flexibleBlocks(raw json.RawMessage) ([]claudeBlock, error) {
	trimmed := trimLeadingSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, err
		}
		return []claudeBlock{{Type: "text", Text: s}}, nil
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(trimmed, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

func trimLeadingSpace(raw json.RawMessage) json.RawMessage {
	i := 0
	for i < len(raw) && (raw[i] == ' ' || raw[i] == '\t' || raw[i] == '\n' || raw[i] == '\r') {
		i++
	}
	return raw[i:]
}

// toolFileInput is the subset of tool_use input fields that identify the
// file a Write/Edit/Read/Grep call touched and the bytes Write/Edit wrote
// there. Read and Grep only supply the path here; the content a
// FileReference hashes comes from the matching tool_result instead, see
// pendingFileOpFor.
type toolFileInput struct {
	FilePath  string `json:"file_path"`
	Path      string `json:"path"`
	Content   string `json:"content"`
	NewString string `json:"new_string"`
}

func extractFileRef(toolName string, input json.RawMessage) (normalize.RawFileRef, bool) {
	var op model.FileOperation
	switch toolName {
	case "Write":
		op = model.OpWrite
	case "Edit":
		op = model.OpEdit
	default:
		return normalize.RawFileRef{}, false
	}

	var parsed toolFileInput
	if err := json.Unmarshal(input, &parsed); err != nil {
		return normalize.RawFileRef{}, false
	}
	path := parsed.FilePath
	if path == "" {
		path = parsed.Path
	}
	if path == "" {
		return normalize.RawFileRef{}, false
	}
	content := parsed.Content
	if op == model.OpEdit {
		content = parsed.NewString
	}
	return normalize.RawFileRef{FilePath: path, Operation: op, Content: []byte(content)}, true
}

// pendingFileOpFor recognizes a Read or Grep tool_use and extracts the path
// it names, deferring content to whichever tool_result later reports the
// same tool_use_id.
func pendingFileOpFor(toolName string, input json.RawMessage) (pendingFileOp, bool) {
	var op model.FileOperation
	switch toolName {
	case "Read":
		op = model.OpRead
	case "Grep":
		op = model.OpGrepMatch
	default:
		return pendingFileOp{}, false
	}

	var parsed toolFileInput
	if err := json.Unmarshal(input, &parsed); err != nil {
		return pendingFileOp{}, false
	}
	path := parsed.FilePath
	if path == "" {
		path = parsed.Path
	}
	if path == "" {
		return pendingFileOp{}, false
	}
	return pendingFileOp{path: path, op: op}, true
}

// parseTimestamp accepts RFC3339(Nano); an unparsable value yields the zero
// time rather than aborting the line, since ordering still falls back to
// turn_index.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}
