package progression

import (
	"errors"
	"testing"
)

func TestDecodeSnapshotEmptyPayloads(t *testing.T) {
	for _, raw := range []string{"", "  ", "null"} {
		state, err := decodeSnapshot("file", SlotPrimary, []byte(raw))
		if err != nil || state != nil {
			t.Fatalf("expected (nil, nil) for %q, got %+v, %v", raw, state, err)
		}
	}
}

func TestDecodeSnapshotRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"missing level": `{"xp": 10}`,
		"string level":  `{"level": "12"}`,
		"float level":   `{"level": 1.5}`,
		"bad stats":     `{"level": 3, "stats": {"strength": "lots"}}`,
		"not an object": `[1, 2, 3]`,
		"truncated":     `{"level": 3`,
	}
	for name, raw := range cases {
		_, err := decodeSnapshot("sqlite", "bak2", []byte(raw))
		var derr *DeserializationError
		if !errors.As(err, &derr) {
			t.Fatalf("%s: expected deserialization error, got %v", name, err)
		}
		if derr.Source != "sqlite" || derr.Slot != "bak2" {
			t.Fatalf("%s: expected source/slot to be recorded, got %s/%s", name, derr.Source, derr.Slot)
		}
	}
}

func TestDecodeSnapshotFillsDefaults(t *testing.T) {
	state, err := decodeSnapshot("file", SlotPrimary, []byte(`{"level": 4, "xp": 10, "totalXP": null, "rank": null}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.Rank != RankE {
		t.Fatalf("expected default rank, got %q", state.Rank)
	}
	if state.TotalXP != CumulativeXPForLevel(4)+10 {
		t.Fatalf("expected totalXP to be repaired, got %v", state.TotalXP)
	}
	if state.Activity.ChannelsVisited == nil || state.DailyQuests.Quests == nil {
		t.Fatalf("expected collections to be initialised")
	}
}

func TestDecodeSnapshotRebuildsMissingTotalXP(t *testing.T) {
	state, err := decodeSnapshot("legacy", SlotPrimary, []byte(`{"level": 1, "xp": 80}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.TotalXP != 80 {
		t.Fatalf("expected totalXP rebuilt from in-level xp, got %v", state.TotalXP)
	}
	if state.LooksFresh() {
		t.Fatalf("expected a record with xp not to look fresh")
	}
}

func TestEncodeSnapshotRoundTrip(t *testing.T) {
	original := progressAt(21, 8)
	original.Metadata = Metadata{LastSave: "2026-01-02T03:04:05Z", Version: SnapshotVersion}
	data, err := encodeSnapshot(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeSnapshot("file", SlotPrimary, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Level != 21 || decoded.Metadata.Version != SnapshotVersion || decoded.Metadata.LastSave != original.Metadata.LastSave {
		t.Fatalf("unexpected decode %+v", decoded)
	}
	if _, err := encodeSnapshot(nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for nil state, got %v", err)
	}
}
