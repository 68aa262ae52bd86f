// Package gemini parses Gemini CLI's standalone JSON session files into
// normalize.RawTurn records. Unlike Claude's JSONL transcripts, a Gemini
// session is one JSON document, so there is no mid-file byte offset to
// resume from: a "modified" Gemini file is always fully re-parsed, and
// upserts in the writer make that idempotent.
package gemini

import (
	"os"
	"time"

	json "github.com/goccy/go-json"

	"github.com/flyingrobots/blacklight/internal/ingesterr"
	"github.com/flyingrobots/blacklight/internal/model"
	"github.com/flyingrobots/blacklight/internal/normalize"
)

type sessionFile struct {
	SessionID   string       `json:"sessionId"`
	ProjectPath string       `json:"projectPath"`
	StartTime   string       `json:"startTime"`
	Messages    []sessionMsg `json:"messages"`
	Summary     string       `json:"summary"`
}

type sessionMsg struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Timestamp string          `json:"timestamp"`
	Content   json.RawMessage `json:"content"`
	Thoughts  json.RawMessage `json:"thoughts"`
	ToolCalls []toolCall      `json:"toolCalls"`
}

type toolCall struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input"`
	Output json.RawMessage `json:"output"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Parse reads the whole Gemini session file at path and returns its
// SessionMeta plus every message as a RawTurn, in file order.
func Parse(path string) (normalize.SessionMeta, []normalize.RawTurn, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return normalize.SessionMeta{}, nil, ingesterr.New(ingesterr.KindIO, err)
	}

	var sf sessionFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return normalize.SessionMeta{}, nil, ingesterr.New(ingesterr.KindParse, err)
	}

	meta := normalize.SessionMeta{
		ID:          sf.SessionID,
		ProjectPath: sf.ProjectPath,
		Summary:     sf.Summary,
	}

	turns := make([]normalize.RawTurn, 0, len(sf.Messages))
	for _, m := range sf.Messages {
		turns = append(turns, convertMessage(m))
	}
	return meta, turns, nil
}

func convertMessage(m sessionMsg) normalize.RawTurn {
	turn := normalize.RawTurn{
		Persisted: true,
		ID:        m.ID,
		Type:      messageType(m.Role),
		Timestamp: parseTimestamp(m.Timestamp),
	}

	for _, b := range flexibleText(m.Content) {
		turn.Blocks = append(turn.Blocks, normalize.RawBlock{Type: model.BlockText, Content: []byte(b)})
	}
	for _, th := range flexibleText(m.Thoughts) {
		turn.Blocks = append(turn.Blocks, normalize.RawBlock{Type: model.BlockThinking, Content: []byte(th)})
	}
	for _, tc := range m.ToolCalls {
		turn.Blocks = append(turn.Blocks, normalize.RawBlock{
			Type: model.BlockToolUse, ToolName: tc.Name, ToolUseID: tc.ID, ToolInput: tc.Input,
		})
		output := flattenOutput(tc.Output)
		if ref, ok := extractFileRef(tc.Name, tc.Input); ok {
			turn.FileRefs = append(turn.FileRefs, ref)
		} else if ref, ok := extractReadGrepFileRef(tc.Name, tc.Input, output); ok {
			turn.FileRefs = append(turn.FileRefs, ref)
		}
		if len(tc.Output) > 0 {
			turn.Blocks = append(turn.Blocks, normalize.RawBlock{
				Type: model.BlockResult, ToolUseID: tc.ID, Content: output,
			})
		}
	}
	return turn
}

// toolFileInput mirrors internal/parser/claude's toolFileInput: the
// subset of a file-writing tool's input that names the path and the bytes
// it wrote there. Gemini CLI's write/edit tools carry the same two field
// names Claude Code's do.
type toolFileInput struct {
	FilePath  string `json:"file_path"`
	Path      string `json:"path"`
	Content   string `json:"content"`
	NewString string `json:"new_string"`
}

func extractFileRef(toolName string, input json.RawMessage) (normalize.RawFileRef, bool) {
	var op model.FileOperation
	switch toolName {
	case "write_file", "WriteFile":
		op = model.OpWrite
	case "replace", "Replace", "edit_file", "EditFile":
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

// extractReadGrepFileRef recognizes Gemini CLI's read/search tools. Unlike
// Claude's and Codex's, a Gemini toolCall carries its Input and Output in
// the same record, so the FileReference can be built in one pass with no
// tool-call-id correlation needed.
func extractReadGrepFileRef(toolName string, input, output []byte) (normalize.RawFileRef, bool) {
	var op model.FileOperation
	switch toolName {
	case "read_file", "ReadFile":
		op = model.OpRead
	case "search_file_content", "SearchText", "grep":
		op = model.OpGrepMatch
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
	return normalize.RawFileRef{FilePath: path, Operation: op, Content: output}, true
}

func messageType(role string) model.MessageType {
	switch role {
	case "model", "assistant":
		return model.MessageAssistant
	case "system":
		return model.MessageSystem
	default:
		return model.MessageUser
	}
}

// flexibleText accepts content/thoughts as either a bare string, an array
// of strings, or an array of {"type","text"} blocks.
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
	if trimmed[0] != '[' {
		return nil
	}

	var strs []string
	if json.Unmarshal(trimmed, &strs) == nil {
		return strs
	}

	var blocks []contentBlock
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
