// Package model holds the shared entities of the ingestion data model:
// sources, discovered files, sessions, messages, content blocks, tool
// calls, deduplicated blobs, and the cross-reference tables that tie them
// together. Every other package in this module reads or writes these types;
// none of them owns a database connection directly.
package model

import "time"

// SourceKind identifies which agent produced a session.
type SourceKind string

const (
	SourceClaude SourceKind = "claude"
	SourceGemini SourceKind = "gemini"
	SourceCodex  SourceKind = "codex"
)

// Source is a logical ingestion origin: one configured root directory for
// one agent kind.
type Source struct {
	Name      string
	Kind      SourceKind
	Root      string
	CASPrefix string
}

// FileKind classifies a discovered file so the scanner and parsers know how
// to handle it.
type FileKind string

const (
	FileSessionJSONL   FileKind = "session_jsonl"
	FileSessionIndex   FileKind = "session_index"
	FileCodexRollout   FileKind = "codex_rollout"
	FileGeminiSession  FileKind = "gemini_session"
	FileTasks          FileKind = "tasks"
	FileFacet          FileKind = "facet"
	FileStats          FileKind = "stats"
	FilePlan           FileKind = "plan"
	FileHistory        FileKind = "history"
	FileDesktopLocal   FileKind = "desktop_local"
	FileSkip           FileKind = "skip"
)

// FileEntry is a discovered artifact under a Source, persisted as an
// indexed_files row so the scanner can diff subsequent runs against it.
type FileEntry struct {
	SourceName       string
	Path             string
	Kind             FileKind
	ModTime          time.Time
	Size             int64
	ByteOffsetIndexed int64
}

// ChangeKind classifies the scanner's diff of a FileEntry against the
// previously persisted indexed_files row.
type ChangeKind string

const (
	ChangeNew       ChangeKind = "new"
	ChangeModified  ChangeKind = "modified"
	ChangeUnchanged ChangeKind = "unchanged"
	ChangeDeleted   ChangeKind = "deleted"
)

// Session is a single conversation, normalized from any of the three source
// formats.
type Session struct {
	ID            string
	ProjectPath   string
	ProjectSlug   string
	FirstPrompt   string
	Summary       string
	MessageCount  int
	CreatedAt     time.Time
	ModifiedAt    time.Time
	GitBranch     string
	AppVersion    string
	IsSidechain   bool
	SourceName    string
	SourceKind    SourceKind
	Fingerprint   string
	SourceFile    string
	SupersededAt  *time.Time // set when a later-modified session claims this ID
}

// MessageType is the closed set of turn kinds a parser can emit.
type MessageType string

const (
	MessageUser                MessageType = "user"
	MessageAssistant           MessageType = "assistant"
	MessageSystem              MessageType = "system"
	MessageSummary             MessageType = "summary"
	MessageFileHistorySnapshot MessageType = "file-history-snapshot"
)

// Message is one turn within a Session.
type Message struct {
	ID          string
	SessionID   string
	ParentID    string
	Type        MessageType
	Timestamp   time.Time
	TurnIndex   int
	Model       string
	StopReason  string
	DurationMs  int64
	Fingerprint string
}

// BlockType is the closed set of content-block kinds inside a Message.
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockToolUse  BlockType = "tool_use"
	BlockResult   BlockType = "tool_result"
	BlockThinking BlockType = "thinking"
)

// ContentBlock is an ordered, typed payload inside a Message. ContentHash is
// empty when the payload was small enough to be stored inline instead of
// deduplicated (see internal/contentstore.ShouldDedup).
type ContentBlock struct {
	MessageID     string
	BlockIndex    int
	BlockType     BlockType
	ContentHash   string
	InlineContent string
	ToolName      string
	ToolUseID     string
	ToolInputHash string
}

// ToolCall is the denormalized view of a tool_use/tool_result pair, kept
// separately from ContentBlock so retrieval can query tool activity
// directly without re-walking every message's blocks.
type ToolCall struct {
	ID          string // = ToolUseID
	MessageID   string
	SessionID   string
	ToolName    string
	InputHash   string
	OutputHash  string
	Timestamp   time.Time
	Fingerprint string
}

// BlobKind classifies a ContentBlob for retrieval filtering and FTS
// eligibility.
type BlobKind string

const (
	BlobText       BlobKind = "text"
	BlobToolInput  BlobKind = "tool_input"
	BlobToolOutput BlobKind = "tool_output"
	BlobThinking   BlobKind = "thinking"
	BlobPlan       BlobKind = "plan"
	BlobFile       BlobKind = "file"
	BlobRaw        BlobKind = "raw"
)

// ContentBlob is a deduplicated, content-addressed payload shared by every
// message/file that references the same bytes.
type ContentBlob struct {
	Hash    string // BLAKE3 hex digest, 64 lowercase chars
	Content string
	Size    int
	Kind    BlobKind
}

// ReferenceContext says which role a blob played for the message that
// references it.
type ReferenceContext string

const (
	ContextResponseText ReferenceContext = "response_text"
	ContextToolInput     ReferenceContext = "tool_input"
	ContextToolOutput    ReferenceContext = "tool_output"
	ContextThinking      ReferenceContext = "thinking"
)

// BlobReference links a ContentBlob to every message that consumes it.
type BlobReference struct {
	Hash      string
	MessageID string
	Context   ReferenceContext
}

// FileOperation classifies how a session touched a file path.
type FileOperation string

const (
	OpRead      FileOperation = "read"
	OpWrite     FileOperation = "write"
	OpEdit      FileOperation = "edit"
	OpGrepMatch FileOperation = "grep_match"
)

// FileReference links a file path touched by a tool call to the content it
// held at that point.
type FileReference struct {
	FilePath    string
	ContentHash string
	SessionID   string
	MessageID   string
	Operation   FileOperation
}

// SessionBackup is the CAS master record: proof that a session's original
// source bytes were preserved.
type SessionBackup struct {
	SessionID    string
	ContentHash  string
	OriginalPath string
	FileSize     int64
	BackedUpAt   time.Time
}

// ApprovalStatus is the closed set of enrichment review states.
type ApprovalStatus string

const (
	ApprovalApproved      ApprovalStatus = "approved"
	ApprovalPendingReview  ApprovalStatus = "pending_review"
	ApprovalRejected       ApprovalStatus = "rejected"
)

// SessionEnrichment holds the AI-generated title/summary for a session. The
// core never generates this itself (see internal/retrieval's enrichment
// queue) - it only stores and serves the external backend's verdict.
type SessionEnrichment struct {
	SessionID      string
	Title          string
	Summary        string
	EnrichedAt     time.Time
	ModelUsed      string
	ApprovalStatus ApprovalStatus
	ReviewedAt     *time.Time
}

// SessionTag is a confidence-scored tag attached to a SessionEnrichment.
type SessionTag struct {
	SessionID  string
	Tag        string
	Confidence float64
}

// Task is a row from a Claude Code tasks/*.json artifact.
type Task struct {
	ID         string
	SourceName string
	Title      string
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Facet holds the outcome/friction/helpfulness signals Claude Code records
// about a session in usage-data/facets/*.json.
type Facet struct {
	SessionID   string
	Outcome     string
	Friction    string
	Helpfulness float64
	RecordedAt  time.Time
}

// DailyStats is one (date, model) row from a stats-cache.json token tally.
type DailyStats struct {
	Date         string
	Model        string
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

// HistoryEntry is one prompt from a source's history.jsonl prompt log.
type HistoryEntry struct {
	SourceName  string
	ProjectPath string
	Prompt      string
	OccurredAt  time.Time
}

// Plan is a markdown plan document, stored as a content_store blob of kind
// BlobPlan and indexed for search; this row tracks which plan file produced
// which blob.
type Plan struct {
	Path        string
	ContentHash string
	RecordedAt  time.Time
}

// ScheduleConfig is the singleton periodic-trigger configuration. The core
// does not run its own clock; an external scheduler (internal/cronsched in
// this module's own binary, or any other driver) reads this and, on each
// tick, runs the indexer and, when RunEnrichment is set, requests an
// enrichment pass.
type ScheduleConfig struct {
	Enabled                bool
	IntervalMinutes        int
	RunEnrichment          bool
	EnrichmentConcurrency  int
	UpdatedAt              time.Time
	LastRunAt              *time.Time
	NextRunAt              *time.Time
}
