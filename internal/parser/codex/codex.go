// Package codex parses Codex CLI's JSONL rollout files. The rollout record
// shape is Codex's own, but it maps to the same unified tuples as the
// Claude and Gemini parsers: one JSON object per line, streamed and
// resumable exactly like internal/parser/claude.
package codex

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

const maxLineSize = 10 * 1024 * 1024

// Parser streams a Codex rollout JSONL file, resumable from a byte offset.
type Parser struct {
	file      *os.File
	scanner   *bufio.Scanner
	offset    int64
	turnIndex int
	path      string

	// pendingFileOps correlates a shell function_call that reads or
	// greps a file to its function_call_output by call_id, the same
	// tool_use_id-keyed pattern internal/parser/claude uses: the path is
	// known at call time, the content only once the output line arrives.
	pendingFileOps map[string]pendingFileOp
}

type pendingFileOp struct {
	path string
	op   model.FileOperation
}

// Open starts reading path from startOffset.
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

// Offset returns the byte offset after the most recently returned line.
func (p *Parser) Offset() int64 { return p.offset }

// rolloutLine is a Codex rollout record. Response items carry a role and a
// content array analogous to Claude's; function calls mirror tool_use/
// tool_result.
type rolloutLine struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Timestamp string          `json:"timestamp"`
	SessionID string          `json:"session_id"`
	CWD       string          `json:"cwd"`
	Model     string          `json:"model"`
	Content   json.RawMessage `json:"content"`
	Name      string          `json:"name"`
	CallID    string          `json:"call_id"`
	Arguments json.RawMessage `json:"arguments"`
	Output    json.RawMessage `json:"output"`
}

type rolloutBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Next returns the next RawTurn and SessionMeta delta, or io.EOF at
// end-of-file. Malformed lines are logged and skipped.
func (p *Parser) Next() (normalize.RawTurn, normalize.SessionMeta, error) {
	for p.scanner.Scan() {
		line := p.scanner.Bytes()
		startOffset := p.offset
		p.offset += int64(len(line)) + 1
		if len(line) == 0 {
			continue
		}

		turn, meta, err := p.parseLine(line)
		if err != nil {
			L_warn("codex: skipping malformed record", "path", p.path, "offset", startOffset, "error", err)
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

func (p *Parser) parseLine(line []byte) (normalize.RawTurn, normalize.SessionMeta, error) {
	var rec rolloutLine
	if err := json.Unmarshal(line, &rec); err != nil {
		return normalize.RawTurn{}, normalize.SessionMeta{}, err
	}

	ts := parseTimestamp(rec.Timestamp)
	meta := normalize.SessionMeta{ID: rec.SessionID, ProjectPath: rec.CWD}

	switch rec.Type {
	case "message":
		turn := normalize.RawTurn{
			Persisted: true, ID: rec.ID, Type: messageType(rec.Role), Timestamp: ts, Model: rec.Model,
		}
		for _, text := range flexibleText(rec.Content) {
			turn.Blocks = append(turn.Blocks, normalize.RawBlock{Type: model.BlockText, Content: []byte(text)})
		}
		return turn, meta, nil

	case "reasoning":
		turn := normalize.RawTurn{Persisted: true, ID: rec.ID, Type: model.MessageAssistant, Timestamp: ts}
		for _, text := range flexibleText(rec.Content) {
			turn.Blocks = append(turn.Blocks, normalize.RawBlock{Type: model.BlockThinking, Content: []byte(text)})
		}
		return turn, meta, nil

	case "function_call":
		turn := normalize.RawTurn{
			Persisted: true, ID: rec.ID, Type: model.MessageAssistant, Timestamp: ts,
			Blocks: []normalize.RawBlock{{
				Type: model.BlockToolUse, ToolName: rec.Name, ToolUseID: rec.CallID, ToolInput: rec.Arguments,
			}},
		}
		if ref, ok := extractFileRef(rec.Name, rec.Arguments); ok {
			turn.FileRefs = []normalize.RawFileRef{ref}
		} else if pending, ok := shellFileOpFor(rec.Name, rec.Arguments); ok {
			p.pendingFileOps[rec.CallID] = pending
		}
		return turn, meta, nil

	case "function_call_output":
		output := flattenOutput(rec.Output)
		turn := normalize.RawTurn{
			Persisted: true, ID: rec.ID, Type: model.MessageUser, Timestamp: ts,
			Blocks: []normalize.RawBlock{{
				Type: model.BlockResult, ToolUseID: rec.CallID, Content: output,
			}},
		}
		if pending, ok := p.pendingFileOps[rec.CallID]; ok {
			delete(p.pendingFileOps, rec.CallID)
			turn.FileRefs = []normalize.RawFileRef{{FilePath: pending.path, Operation: pending.op, Content: output}}
		}
		return turn, meta, nil

	default:
		// Unknown/unhandled rollout item kinds are forward-compatible no-ops.
		return normalize.RawTurn{Persisted: false}, meta, nil
	}
}

// toolFileInput mirrors internal/parser/claude's toolFileInput: the subset
// of a file-writing tool call's arguments that name the path and the
// bytes written. Codex's apply_patch tool carries both under these names.
type toolFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func extractFileRef(toolName string, arguments json.RawMessage) (normalize.RawFileRef, bool) {
	if toolName != "apply_patch" {
		return normalize.RawFileRef{}, false
	}
	var parsed toolFileInput
	if err := json.Unmarshal(arguments, &parsed); err != nil || parsed.Path == "" {
		return normalize.RawFileRef{}, false
	}
	return normalize.RawFileRef{FilePath: parsed.Path, Operation: model.OpWrite, Content: []byte(parsed.Content)}, true
}

// shellArguments is the subset of a "shell" function_call's arguments this
// parser inspects. Codex's shell tool reports command as either argv
// (array of strings) or a single string; both forms are observed.
type shellArguments struct {
	Command json.RawMessage `json:"command"`
}

// readCommands and grepCommands name the argv[0] programs recognized as
// Read/Grep equivalents when Codex's shell tool runs them directly.
var (
	readCommands = map[string]bool{"cat": true, "head": true, "tail": true}
	grepCommands = map[string]bool{"grep": true, "rg": true, "ripgrep": true}
)

// shellFileOpFor recognizes a shell function_call that reads or searches a
// file and extracts the path it names. Commands that don't look like a
// plain file read or search (pipelines, flags-only invocations, multi-file
// globs) are left alone rather than guessed at.
func shellFileOpFor(toolName string, arguments json.RawMessage) (pendingFileOp, bool) {
	if toolName != "shell" {
		return pendingFileOp{}, false
	}
	var args shellArguments
	if err := json.Unmarshal(arguments, &args); err != nil {
		return pendingFileOp{}, false
	}
	argv := commandArgv(args.Command)
	if len(argv) < 2 {
		return pendingFileOp{}, false
	}

	var op model.FileOperation
	switch {
	case readCommands[argv[0]]:
		op = model.OpRead
	case grepCommands[argv[0]]:
		op = model.OpGrepMatch
	default:
		return pendingFileOp{}, false
	}

	for _, a := range argv[1:] {
		switch a {
		case "|", "||", "&&", ";", ">", ">>", "<":
			return pendingFileOp{}, false
		}
	}
	path := argv[len(argv)-1]
	if path == "" || path[0] == '-' || strings.ContainsAny(path, "*?[|;&<>") {
		return pendingFileOp{}, false
	}
	return pendingFileOp{path: path, op: op}, true
}

// commandArgv decodes a shell command field that may be a JSON array of
// argv strings or a single space-separated string.
func commandArgv(raw json.RawMessage) []string {
	trimmed := trimLeadingSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if json.Unmarshal(trimmed, &s) != nil {
			return nil
		}
		return strings.Fields(s)
	}
	var argv []string
	if json.Unmarshal(trimmed, &argv) != nil {
		return nil
	}
	return argv
}

func messageType(role string) model.MessageType {
	switch role {
	case "assistant":
		return model.MessageAssistant
	case "system":
		return model.MessageSystem
	default:
		return model.MessageUser
	}
}

func flexibleText(raw json.RawMessage) []string {
	trimmed := trimLeadingSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if json.Unmarshal(trimmed, &s) == nil && s != "" {
			return []string{s}
		}
		return nil
	}
	var blocks []rolloutBlock
	if json.Unmarshal(trimmed, &blocks) == nil {
		out := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Text != "" {
				out = append(out, b.Text)
			}
		}
		return out
	}
	return nil
}

func flattenOutput(raw json.RawMessage) []byte {
	trimmed := trimLeadingSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if json.Unmarshal(trimmed, &s) == nil {
			return []byte(s)
		}
	}
	return []byte(trimmed)
}

func trimLeadingSpace(raw json.RawMessage) json.RawMessage {
	i := 0
	for i < len(raw) && (raw[i] == ' ' || raw[i] == '\t' || raw[i] == '\n' || raw[i] == '\r') {
		i++
	}
	return raw[i:]
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
