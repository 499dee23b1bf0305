package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// XPEarnedKey is the required numeric metadata field carrying earned XP.
const XPEarnedKey = "xp_earned"

var (
	// ErrMissingXPEarned is returned when event metadata lacks xp_earned.
	ErrMissingXPEarned = errors.New("model: meta_data.xp_earned is required")

	// ErrInvalidXPEarned is returned when xp_earned is not a finite, non-negative number.
	ErrInvalidXPEarned = errors.New("model: meta_data.xp_earned must be a non-negative number")
)

// Metadata is the event's key/value payload. XPEarned is schema-checked on
// decode so feature extraction never reads a missing or mistyped field as zero;
// every other key is kept verbatim in Extra.
type Metadata struct {
	XPEarned float64
	Extra    map[string]json.RawMessage
}

// NewMetadata builds metadata carrying only the earned XP.
func NewMetadata(xpEarned float64) Metadata {
	return Metadata{XPEarned: xpEarned}
}

// Validate checks the earned-XP invariant.
func (m Metadata) Validate() error {
	if math.IsNaN(m.XPEarned) || math.IsInf(m.XPEarned, 0) || m.XPEarned < 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidXPEarned, m.XPEarned)
	}
	return nil
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Extra)+1)
	for k, v := range m.Extra {
		out[k] = v
	}
	xp, err := json.Marshal(m.XPEarned)
	if err != nil {
		return nil, err
	}
	out[XPEarnedKey] = xp
	return json.Marshal(out)
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("model: meta_data must be an object: %w", err)
	}
	xpRaw, ok := raw[XPEarnedKey]
	if !ok || bytes.Equal(bytes.TrimSpace(xpRaw), []byte("null")) {
		return ErrMissingXPEarned
	}
	var xp float64
	if err := json.Unmarshal(xpRaw, &xp); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidXPEarned, string(xpRaw))
	}
	delete(raw, XPEarnedKey)

	m.XPEarned = xp
	m.Extra = nil
	if len(raw) > 0 {
		m.Extra = raw
	}
	return m.Validate()
}

// Validate checks an event before it is recorded.
func (e *Event) Validate() error {
	if e.UserID == "" {
		return errors.New("model: user_id is required")
	}
	if e.Source != SourceWeb2 && e.Source != SourceWeb3 {
		return fmt.Errorf("model: source must be web2 or web3, got %q", e.Source)
	}
	if e.ActionType == "" {
		return errors.New("model: action_type is required")
	}
	return e.Metadata.Validate()
}
