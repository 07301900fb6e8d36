package bridge

import (
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-siegenia/internal/poller"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		topicID string
		payload string
		wantID  string
		wantErr bool
	}{
		{"device from topic", "kitchen", `{"command":"reboot"}`, "kitchen", false},
		{"matching device", "kitchen", `{"device_id":"kitchen","command":"reboot"}`, "kitchen", false},
		{"device from payload only", "", `{"device_id":"kitchen","command":"reboot"}`, "kitchen", false},
		{"mismatch", "kitchen", `{"device_id":"lounge","command":"reboot"}`, "", true},
		{"no device", "", `{"command":"reboot"}`, "", true},
		{"no command", "kitchen", `{"id":"x"}`, "", true},
		{"not json", "kitchen", `reboot`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := parseCommand(tt.topicID, []byte(tt.payload))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCommand) {
					t.Errorf("error = %v, want ErrInvalidCommand", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if cmd.DeviceID != tt.wantID {
				t.Errorf("DeviceID = %q, want %q", cmd.DeviceID, tt.wantID)
			}
		})
	}
}

func TestNewStateMessageFillsEmptyDocuments(t *testing.T) {
	msg := newStateMessage(poller.Snapshot{DeviceID: "d", UpdatedAt: time.Now()})
	if msg.State == nil || msg.Params == nil || msg.Info == nil {
		t.Errorf("nil documents in %+v", msg)
	}
	if msg.Protocol != "siegenia" {
		t.Errorf("Protocol = %q", msg.Protocol)
	}
}
