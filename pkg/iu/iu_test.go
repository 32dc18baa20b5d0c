package iu

import "testing"

func TestNewAddStartsChain(t *testing.T) {
	u := NewAdd("asr", ASRToken, []byte("hel"), nil, "")
	if u.PreviousID != "" {
		t.Fatalf("expected no previous_id, got %q", u.PreviousID)
	}
	if u.UpdateType != Add {
		t.Fatalf("expected ADD, got %s", u.UpdateType)
	}
	if u.ID == "" {
		t.Fatal("expected non-empty ID")
	}
}

func TestIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NextID("asr")
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestRevisionChainsToParent(t *testing.T) {
	first := NewAdd("asr", ASRToken, []byte("hel"), nil, "")
	second := NewRevision("asr", ASRToken, first, []byte("hello"), nil)
	if second.PreviousID != first.ID {
		t.Fatalf("revision should point at parent, got %q want %q", second.PreviousID, first.ID)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := NewAdd("asr", ASRToken, []byte("hi"), map[string]any{"stability": 0.5}, "")
	clone := orig.Clone()
	clone.Payload[0] = 'X'
	clone.Metadata["stability"] = 0.9

	if orig.Payload[0] == 'X' {
		t.Fatal("mutating clone payload affected original")
	}
	if orig.Metadata["stability"] != 0.5 {
		t.Fatal("mutating clone metadata affected original")
	}
}

func TestRoundTripFields(t *testing.T) {
	orig := NewAdd("asr", ASRToken, []byte("hello"), map[string]any{"stability": 0.42}, "parent-1")
	wire, err := Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(wire)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != orig.ID || got.Producer != orig.Producer || got.Timestamp != orig.Timestamp ||
		got.PreviousID != orig.PreviousID || got.UpdateType != orig.UpdateType || got.DataType != orig.DataType {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, orig)
	}
	if string(got.Payload) != string(orig.Payload) {
		t.Fatalf("payload mismatch: got %q want %q", got.Payload, orig.Payload)
	}
	if got.Metadata["stability"] != orig.Metadata["stability"] {
		t.Fatalf("metadata mismatch: got %v want %v", got.Metadata, orig.Metadata)
	}
}
