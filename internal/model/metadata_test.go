package model

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestMetadata_DecodeKeepsExtraKeys(t *testing.T) {
	var m Metadata
	if err := json.Unmarshal([]byte(`{"xp_earned": 50, "chain": "base", "tx": 3}`), &m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.XPEarned != 50 {
		t.Errorf("expected xp 50, got %v", m.XPEarned)
	}
	if len(m.Extra) != 2 {
		t.Errorf("expected 2 extra keys, got %d", len(m.Extra))
	}
	if _, ok := m.Extra[XPEarnedKey]; ok {
		t.Error("xp_earned should not be duplicated into Extra")
	}
}

func TestMetadata_MissingXPRejected(t *testing.T) {
	var m Metadata
	err := json.Unmarshal([]byte(`{"chain": "base"}`), &m)
	if !errors.Is(err, ErrMissingXPEarned) {
		t.Errorf("expected ErrMissingXPEarned, got %v", err)
	}

	err = json.Unmarshal([]byte(`{"xp_earned": null}`), &m)
	if !errors.Is(err, ErrMissingXPEarned) {
		t.Errorf("expected ErrMissingXPEarned for null, got %v", err)
	}
}

func TestMetadata_WrongTypeRejected(t *testing.T) {
	tests := []string{
		`{"xp_earned": "100"}`,
		`{"xp_earned": true}`,
		`{"xp_earned": -5}`,
	}
	for _, in := range tests {
		var m Metadata
		err := json.Unmarshal([]byte(in), &m)
		if !errors.Is(err, ErrInvalidXPEarned) {
			t.Errorf("%s: expected ErrInvalidXPEarned, got %v", in, err)
		}
	}
}

func TestMetadata_EncodeIncludesXP(t *testing.T) {
	m := NewMetadata(12.5)
	m.Extra = map[string]json.RawMessage{"chain": json.RawMessage(`"sol"`)}

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["xp_earned"] != 12.5 || out["chain"] != "sol" {
		t.Errorf("unexpected encoding: %s", data)
	}
}

func TestEvent_Validate(t *testing.T) {
	ok := Event{UserID: "0xA", Source: SourceWeb3, ActionType: "stake", Metadata: NewMetadata(1)}
	if err := ok.Validate(); err != nil {
		t.Errorf("expected valid event, got %v", err)
	}

	bad := ok
	bad.Source = "web4"
	if err := bad.Validate(); err == nil {
		t.Error("expected error for unknown source")
	}

	bad = ok
	bad.ActionType = ""
	if err := bad.Validate(); err == nil {
		t.Error("expected error for empty action type")
	}
}
