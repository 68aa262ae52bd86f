package fingerprint

import "testing"

func TestShouldDedup(t *testing.T) {
	if ShouldDedup(make([]byte, 255)) {
		t.Error("255 bytes should not dedup")
	}
	if !ShouldDedup(make([]byte, 256)) {
		t.Error("256 bytes should dedup")
	}
}

func TestHashDeterministic(t *testing.T) {
	a := Hash([]byte("hello world"))
	b := Hash([]byte("hello world"))
	if a != b {
		t.Fatalf("hash not deterministic: %s != %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestTurnFingerprintOrderSensitive(t *testing.T) {
	blocks := []ContentBlockInput{
		{BlockType: "text", ContentHash: "abc"},
		{BlockType: "tool_use", ToolName: "Read", ToolUseID: "t1"},
	}
	fp1 := TurnFingerprint(TurnInput{Type: "assistant", Timestamp: "2026-01-01T00:00:00Z", Blocks: blocks})

	reversed := []ContentBlockInput{blocks[1], blocks[0]}
	fp2 := TurnFingerprint(TurnInput{Type: "assistant", Timestamp: "2026-01-01T00:00:00Z", Blocks: reversed})

	if fp1 == fp2 {
		t.Fatal("reordering content blocks within a turn must change its fingerprint")
	}
}

func TestToolCallFingerprintOptionalFields(t *testing.T) {
	withOutput := ToolCallFingerprint(ToolCallInput{ToolName: "Read", InputHash: "in1", OutputHash: "out1"})
	withoutOutput := ToolCallFingerprint(ToolCallInput{ToolName: "Read", InputHash: "in1"})
	if withOutput == withoutOutput {
		t.Fatal("adding output_hash must change the fingerprint")
	}
}

func TestSessionMerkleRootOrderIndependent(t *testing.T) {
	turns := []TurnKey{
		{Timestamp: "2026-01-01T00:00:01Z", TurnIndex: 1, ID: "b", Fingerprint: "fb"},
		{Timestamp: "2026-01-01T00:00:00Z", TurnIndex: 0, ID: "a", Fingerprint: "fa"},
		{Timestamp: "2026-01-01T00:00:02Z", TurnIndex: 2, ID: "c", Fingerprint: "fc"},
	}

	forward := SessionMerkleRoot(turns)

	reversed := make([]TurnKey, len(turns))
	for i, t2 := range turns {
		reversed[len(turns)-1-i] = t2
	}
	backward := SessionMerkleRoot(reversed)

	if forward != backward {
		t.Fatal("Merkle root must be independent of input slice order once canonically sorted")
	}
}

func TestSessionMerkleRootChangesOnContentChange(t *testing.T) {
	turns := []TurnKey{
		{Timestamp: "2026-01-01T00:00:00Z", TurnIndex: 0, ID: "a", Fingerprint: "fa"},
	}
	root1 := SessionMerkleRoot(turns)

	turns[0].Fingerprint = "fa-modified"
	root2 := SessionMerkleRoot(turns)

	if root1 == root2 {
		t.Fatal("changing a turn fingerprint must change the session Merkle root")
	}
}

func TestSessionMerkleRootTiesBrokenByTurnIndexThenID(t *testing.T) {
	sameTimestamp := []TurnKey{
		{Timestamp: "2026-01-01T00:00:00Z", TurnIndex: 1, ID: "z", Fingerprint: "f1"},
		{Timestamp: "2026-01-01T00:00:00Z", TurnIndex: 0, ID: "a", Fingerprint: "f0"},
	}
	got := SessionMerkleRoot(sameTimestamp)

	explicit := []TurnKey{sameTimestamp[1], sameTimestamp[0]}
	want := SessionMerkleRoot(explicit)

	if got != want || got != Hash([]byte("f0f1")) {
		t.Fatal("ties on timestamp must resolve by turn_index")
	}

	sameIndex := []TurnKey{
		{Timestamp: "2026-01-01T00:00:00Z", TurnIndex: 0, ID: "z", Fingerprint: "fz"},
		{Timestamp: "2026-01-01T00:00:00Z", TurnIndex: 0, ID: "a", Fingerprint: "fa"},
	}
	if SessionMerkleRoot(sameIndex) != Hash([]byte("fafz")) {
		t.Fatal("ties on timestamp and turn_index must resolve by id")
	}
}
