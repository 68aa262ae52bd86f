// Package fingerprint computes the canonical, deterministic BLAKE3 hashes
// used for content addressing and for the per-turn/tool-call/session
// provenance chain. The same byte sequence always produces the same digest
// on any platform; callers never need to special-case endianness or map
// ordering because every multi-field hash goes through canonicalEncode
// first.
package fingerprint

import (
	"sort"
	"strconv"
	"strings"

	"lukechampine.com/blake3"
)

// Hash returns the lowercase hex BLAKE3 digest of b. This is the content
// address used throughout the content store and CAS.
func Hash(b []byte) string {
	sum := blake3.Sum256(b)
	return hexEncode(sum[:])
}

// ShouldDedup reports whether a payload is large enough to be stored in the
// content-addressed blob table rather than inline on its owning row.
func ShouldDedup(b []byte) bool {
	return len(b) >= 256
}

// field is one key/value pair in a canonical record; value is a plain string.
type field struct {
	key   string
	value string
	// present is false for optional fields that were not set; absent
	// fields are omitted entirely rather than encoded as empty strings,
	// so adding an unset optional field never changes existing hashes.
	present bool
}

// canonicalEncode renders fields as a stable, key-sorted, whitespace-free
// byte sequence: "key1=value1\x1ekey2=value2\x1e...". \x1e (the ASCII record
// separator) never appears in legitimate hex/text payloads we encode here,
// so the encoding is unambiguous without needing a full JSON-style escaper.
func canonicalEncode(fields []field) []byte {
	present := make([]field, 0, len(fields))
	for _, f := range fields {
		if f.present {
			present = append(present, f)
		}
	}
	sort.Slice(present, func(i, j int) bool { return present[i].key < present[j].key })

	var sb strings.Builder
	for i, f := range present {
		if i > 0 {
			sb.WriteByte(0x1e)
		}
		sb.WriteString(f.key)
		sb.WriteByte('=')
		sb.WriteString(f.value)
	}
	return []byte(sb.String())
}

func str(key, value string) field {
	return field{key: key, value: value, present: value != ""}
}

func strAlways(key, value string) field {
	return field{key: key, value: value, present: true}
}

// ContentBlockInput is the subset of internal/model.ContentBlock fed into a
// turn fingerprint, in declared order.
type ContentBlockInput struct {
	BlockType     string
	ContentHash   string
	ToolName      string
	ToolUseID     string
	ToolInputHash string
}

func (b ContentBlockInput) canonicalBytes(index int) []byte {
	prefix := strconv.Itoa(index) + "."
	return canonicalEncode([]field{
		strAlways(prefix+"block_type", b.BlockType),
		str(prefix+"content_hash", b.ContentHash),
		str(prefix+"tool_name", b.ToolName),
		str(prefix+"tool_use_id", b.ToolUseID),
		str(prefix+"tool_input_hash", b.ToolInputHash),
	})
}

// TurnInput is the canonical subset of a Message used to compute its turn
// fingerprint: type, timestamp, and content blocks in declared order.
type TurnInput struct {
	Type      string
	Timestamp string // RFC3339Nano, so lexical and chronological order agree
	Blocks    []ContentBlockInput
}

// TurnFingerprint computes BLAKE3 of (type, timestamp, content blocks in
// order). Blocks are NOT re-sorted: declared order within a message is part
// of the canonical form.
func TurnFingerprint(in TurnInput) string {
	var buf strings.Builder
	buf.Write(canonicalEncode([]field{
		strAlways("type", in.Type),
		strAlways("timestamp", in.Timestamp),
	}))
	for i, b := range in.Blocks {
		buf.WriteByte(0x1e)
		buf.Write(b.canonicalBytes(i))
	}
	return Hash([]byte(buf.String()))
}

// ToolCallInput is the canonical subset of a ToolCall used to compute its
// fingerprint.
type ToolCallInput struct {
	ToolName   string
	InputHash  string
	OutputHash string
}

// ToolCallFingerprint computes BLAKE3 of (tool_name, input_hash?, output_hash?).
func ToolCallFingerprint(in ToolCallInput) string {
	return Hash(canonicalEncode([]field{
		strAlways("tool_name", in.ToolName),
		str("input_hash", in.InputHash),
		str("output_hash", in.OutputHash),
	}))
}

// TurnKey identifies a message for the purpose of ordering turn
// fingerprints before computing the session Merkle root.
type TurnKey struct {
	Timestamp   string // any form whose lexical and chronological order agree
	TurnIndex   int
	ID          string
	Fingerprint string
}

// SessionMerkleRoot computes BLAKE3 of the concatenation of all turn
// fingerprints in ascending (timestamp, turn_index, id) order. The caller
// passes turns in whatever order it discovered them; this function owns
// the canonical sort so re-indexing in a different source order yields an
// identical root.
func SessionMerkleRoot(turns []TurnKey) string {
	sorted := make([]TurnKey, len(turns))
	copy(sorted, turns)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if a.TurnIndex != b.TurnIndex {
			return a.TurnIndex < b.TurnIndex
		}
		return a.ID < b.ID
	})

	var buf strings.Builder
	for _, t := range sorted {
		buf.WriteString(t.Fingerprint)
	}
	return Hash([]byte(buf.String()))
}

const hexDigits = "0123456789abcdef"

func hexEncode(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}
