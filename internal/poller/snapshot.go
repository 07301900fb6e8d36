package poller

import (
	"time"

	"github.com/nerrad567/gray-logic-siegenia/internal/siegenia"
)

// Snapshot is the merged view of one device at a point in time.
type Snapshot struct {
	DeviceID string `json:"device_id"`

	State  siegenia.Document `json:"state"`
	Params siegenia.Document `json:"params"`
	Info   siegenia.Document `json:"info"`

	// UpdatedAt is the time of the last successful refresh.
	UpdatedAt time.Time `json:"updated_at"`

	// Stale is set when the latest refresh failed; the data is from UpdatedAt.
	Stale bool   `json:"stale"`
	Err   string `json:"error,omitempty"`
}

// Valid reports whether the snapshot holds data from at least one refresh.
func (s Snapshot) Valid() bool {
	return !s.UpdatedAt.IsZero()
}

// Merged returns state, params and info merged into one document.
// On key collisions info wins over params, and params over state.
func (s Snapshot) Merged() siegenia.Document {
	out := make(siegenia.Document, len(s.State)+len(s.Params)+len(s.Info))
	for _, part := range []siegenia.Document{s.State, s.Params, s.Info} {
		for k, v := range part {
			out[k] = v
		}
	}
	return out
}

// Flatten returns the merged document keyed by dotted path.
func (s Snapshot) Flatten() map[string]any {
	return s.Merged().Flatten()
}

// SystemName returns the user-assigned device name, looked up in state,
// params and info in that order. It falls back to device_name.
func (s Snapshot) SystemName() string {
	for _, key := range []string{"systemname", "device_name"} {
		for _, part := range []siegenia.Document{s.State, s.Params, s.Info} {
			if name := part.String(key); name != "" {
				return name
			}
		}
	}
	return ""
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.State = s.State.Clone()
	out.Params = s.Params.Clone()
	out.Info = s.Info.Clone()
	return out
}

// Document returns the snapshot payload as a plain map for persistence.
func (s Snapshot) Document() map[string]any {
	return map[string]any{
		"state":  map[string]any(s.State),
		"params": map[string]any(s.Params),
		"info":   map[string]any(s.Info),
	}
}
