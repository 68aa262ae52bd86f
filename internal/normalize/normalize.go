// Package normalize turns the per-format intermediate shapes produced by
// internal/parser/* into the unified Session/Message/ContentBlock/ToolCall/
// FileReference tuples the writer persists. It is the one place that
// decides, per block, whether content is small enough to inline or must be
// hashed and stored in the content-addressed blob table.
package normalize

import (
	"context"
	"fmt"
	"time"

	"github.com/flyingrobots/blacklight/internal/contentstore"
	"github.com/flyingrobots/blacklight/internal/fingerprint"
	"github.com/flyingrobots/blacklight/internal/model"
)

// RawBlock is a parser's format-agnostic view of one content block before
// the dedup-threshold decision has been applied.
type RawBlock struct {
	Type      model.BlockType
	Content   []byte // for text/thinking: the inline/dedup-eligible payload
	ToolName  string // for tool_use/tool_result
	ToolUseID string // for tool_use/tool_result
	ToolInput []byte // for tool_use: raw bytes hashed unconditionally
}

// RawFileRef is a file-touching operation observed inside a turn, already
// resolved to a concrete path and operation kind by the parser. Content is
// the bytes that ended up at FilePath as a result of the operation; a
// FileReference's content_hash must resolve to an existing blob (spec
// invariant), so parsers only emit a RawFileRef once that content is known:
// for Write/Edit from the tool_use input itself, and for Read/Grep from the
// tool's output (the Claude and Codex parsers hold the path until the
// matching result arrives; a Gemini toolCall carries both in one record).
type RawFileRef struct {
	FilePath  string
	Operation model.FileOperation
	Content   []byte
}

// RawTurn is one parsed record from a source file, already classified by
// type. Persisted is false for record kinds that never produce a Message
// row (progress, queue-operation); such records still advance the caller's
// byte offset but contribute nothing else.
type RawTurn struct {
	Persisted  bool
	ID         string
	ParentID   string
	Type       model.MessageType
	Timestamp  time.Time
	Model      string
	StopReason string
	DurationMs int64
	Blocks     []RawBlock
	FileRefs   []RawFileRef
}

// SessionMeta accumulates session-level fields observed across a source
// file's turns. A parser updates the fields it has evidence for; zero
// values are left untouched by Merge.
type SessionMeta struct {
	ID          string
	ProjectPath string
	GitBranch   string
	AppVersion  string
	IsSidechain bool
	FirstPrompt string
	Summary     string
}

// Merge folds other's non-zero fields into m. Most fields keep the first
// value observed (e.g. FirstPrompt); Summary takes the latest non-empty
// value, and IsSidechain stays true once any record sets it.
func (m *SessionMeta) Merge(other SessionMeta) {
	if m.ID == "" {
		m.ID = other.ID
	}
	if m.ProjectPath == "" {
		m.ProjectPath = other.ProjectPath
	}
	if m.GitBranch == "" {
		m.GitBranch = other.GitBranch
	}
	if m.AppVersion == "" {
		m.AppVersion = other.AppVersion
	}
	if other.IsSidechain {
		m.IsSidechain = true
	}
	if m.FirstPrompt == "" && other.FirstPrompt != "" {
		m.FirstPrompt = other.FirstPrompt
	}
	if other.Summary != "" {
		m.Summary = other.Summary
	}
}

// Normalizer converts RawTurns into persisted records, writing dedup-eligible
// content into store as it goes.
type Normalizer struct {
	store         *contentstore.Store
	threshold     int
	indexThinking bool
}

// New constructs a Normalizer. threshold is the dedup cutoff in bytes
// (config.Config.DedupThresholdBytes); indexThinking mirrors
// config.Config.IndexThinkingBlocks.
func New(store *contentstore.Store, threshold int, indexThinking bool) *Normalizer {
	return &Normalizer{store: store, threshold: threshold, indexThinking: indexThinking}
}

// Result is everything one RawTurn normalizes into.
type Result struct {
	Message   *model.Message
	Blocks    []model.ContentBlock
	ToolCalls []model.ToolCall
	FileRefs  []model.FileReference
}

// Turn normalizes one RawTurn belonging to sessionID. turnIndex is the
// caller-assigned sequence number within the session (source file order).
func (n *Normalizer) Turn(ctx context.Context, sessionID string, turnIndex int, turn RawTurn) (*Result, error) {
	if !turn.Persisted {
		return &Result{}, nil
	}

	msg := &model.Message{
		ID:          turn.ID,
		SessionID:   sessionID,
		ParentID:    turn.ParentID,
		Type:        turn.Type,
		Timestamp:   turn.Timestamp,
		TurnIndex:   turnIndex,
		Model:       turn.Model,
		StopReason:  turn.StopReason,
		DurationMs:  turn.DurationMs,
	}

	blocks := make([]model.ContentBlock, 0, len(turn.Blocks))
	var toolCalls []model.ToolCall
	fingerprintBlocks := make([]fingerprint.ContentBlockInput, 0, len(turn.Blocks))

	for i, b := range turn.Blocks {
		block := model.ContentBlock{
			MessageID:  msg.ID,
			BlockIndex: i,
			BlockType:  b.Type,
			ToolName:   b.ToolName,
			ToolUseID:  b.ToolUseID,
		}

		switch b.Type {
		case model.BlockText, model.BlockThinking:
			if err := n.storeBlockContent(ctx, &block, b.Content); err != nil {
				return nil, err
			}
			if block.ContentHash != "" {
				if err := n.store.AddReference(ctx, block.ContentHash, msg.ID, referenceContextFor(b.Type)); err != nil {
					return nil, err
				}
			}

		case model.BlockToolUse:
			inputHash := fingerprint.Hash(b.ToolInput)
			block.ToolInputHash = inputHash
			if _, err := n.store.Put(ctx, inputHash, string(b.ToolInput), len(b.ToolInput), model.BlobToolInput); err != nil {
				return nil, err
			}
			toolCalls = append(toolCalls, model.ToolCall{
				ID:        b.ToolUseID,
				MessageID: msg.ID,
				SessionID: sessionID,
				ToolName:  b.ToolName,
				InputHash: inputHash,
				Timestamp: turn.Timestamp,
			})

		case model.BlockResult:
			outputHash := fingerprint.Hash(b.Content)
			block.ContentHash = outputHash
			if _, err := n.store.Put(ctx, outputHash, string(b.Content), len(b.Content), model.BlobToolOutput); err != nil {
				return nil, err
			}
			if err := n.store.IndexForSearch(ctx, outputHash, model.BlobToolOutput, string(b.Content), n.indexThinking); err != nil {
				return nil, err
			}
			if err := n.store.AddReference(ctx, outputHash, msg.ID, model.ContextToolOutput); err != nil {
				return nil, err
			}
			toolCalls = append(toolCalls, model.ToolCall{
				ID:         b.ToolUseID,
				MessageID:  msg.ID,
				SessionID:  sessionID,
				OutputHash: outputHash,
				Timestamp:  turn.Timestamp,
			})
		}

		blocks = append(blocks, block)
		fingerprintBlocks = append(fingerprintBlocks, fingerprint.ContentBlockInput{
			BlockType:     string(block.BlockType),
			ContentHash:   block.ContentHash,
			ToolName:      block.ToolName,
			ToolUseID:     block.ToolUseID,
			ToolInputHash: block.ToolInputHash,
		})
	}

	msg.Fingerprint = fingerprint.TurnFingerprint(fingerprint.TurnInput{
		Type:      string(turn.Type),
		Timestamp: turn.Timestamp.Format(time.RFC3339Nano),
		Blocks:    fingerprintBlocks,
	})

	// ToolCall.Fingerprint is deliberately left unset here: a single turn
	// only ever supplies one half of a tool call's (tool_name, input_hash,
	// output_hash) triple, and internal/writer is the one place that knows
	// once both halves have actually landed in the same row.

	fileRefs := make([]model.FileReference, 0, len(turn.FileRefs))
	for _, fr := range turn.FileRefs {
		hash := fingerprint.Hash(fr.Content)
		if _, err := n.store.Put(ctx, hash, string(fr.Content), len(fr.Content), model.BlobFile); err != nil {
			return nil, err
		}
		fileRefs = append(fileRefs, model.FileReference{
			FilePath:    fr.FilePath,
			ContentHash: hash,
			SessionID:   sessionID,
			MessageID:   msg.ID,
			Operation:   fr.Operation,
		})
	}

	return &Result{Message: msg, Blocks: blocks, ToolCalls: toolCalls, FileRefs: fileRefs}, nil
}

// storeBlockContent applies the dedup-threshold decision: small payloads are
// inlined on the ContentBlock row, large ones are hashed, stored once in
// content_store, and indexed for full-text search.
func (n *Normalizer) storeBlockContent(ctx context.Context, block *model.ContentBlock, content []byte) error {
	if len(content) == 0 {
		return nil
	}
	if !dedupEligible(content, n.threshold) {
		block.InlineContent = string(content)
		return nil
	}

	hash := fingerprint.Hash(content)
	block.ContentHash = hash
	kind := model.BlobText
	if block.BlockType == model.BlockThinking {
		kind = model.BlobThinking
	}
	if _, err := n.store.Put(ctx, hash, string(content), len(content), kind); err != nil {
		return fmt.Errorf("store block content: %w", err)
	}
	if err := n.store.IndexForSearch(ctx, hash, kind, string(content), n.indexThinking); err != nil {
		return fmt.Errorf("index block content: %w", err)
	}
	return nil
}

func dedupEligible(content []byte, threshold int) bool {
	if threshold <= 0 {
		threshold = 256
	}
	return len(content) >= threshold
}

func referenceContextFor(t model.BlockType) model.ReferenceContext {
	if t == model.BlockThinking {
		return model.ContextThinking
	}
	return model.ContextResponseText
}
