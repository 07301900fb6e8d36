package bridge

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/nerrad567/gray-logic-siegenia/internal/device"
)

func TestHealthDetermineStatus(t *testing.T) {
	tests := []struct {
		name       string
		mqttUp     bool
		devices    []device.Status
		wantStatus HealthStatus
		wantReason string
	}{
		{"all good", true, []device.Status{{ID: "a", Connected: true}}, HealthHealthy, ""},
		{"mqtt down", false, []device.Status{{ID: "a", Connected: true}}, HealthDegraded, "MQTT disconnected"},
		{"device down", true, []device.Status{{ID: "a"}, {ID: "b", Connected: true, Stale: true}}, HealthDegraded, "a disconnected, b stale"},
		{"no devices", true, nil, HealthHealthy, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := NewMockMQTTClient()
			pub.setConnected(tt.mqttUp)
			h := NewHealthReporter(HealthReporterConfig{
				BridgeID:  "b",
				Publisher: pub,
				Devices:   func() []device.Status { return tt.devices },
			})
			msg := h.Current()
			if msg.Status != tt.wantStatus || msg.Reason != tt.wantReason {
				t.Errorf("status = %s (%q), want %s (%q)", msg.Status, msg.Reason, tt.wantStatus, tt.wantReason)
			}
			if msg.DevicesManaged != len(tt.devices) {
				t.Errorf("DevicesManaged = %d", msg.DevicesManaged)
			}
		})
	}
}

func TestHealthStopPublishesStopping(t *testing.T) {
	pub := NewMockMQTTClient()
	h := NewHealthReporter(HealthReporterConfig{BridgeID: "b", Version: "1.2.3", Publisher: pub})
	h.Stop()
	h.Stop()

	pubs := pub.publishedTo("graylogic/health/siegenia")
	if len(pubs) != 1 {
		t.Fatalf("publishes = %d, want 1", len(pubs))
	}
	var msg HealthMessage
	if err := json.Unmarshal(pubs[0].Payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Status != HealthStopping || msg.Version != "1.2.3" {
		t.Errorf("msg = %+v", msg)
	}
	if !strings.Contains(string(pubs[0].Payload), `"bridge":"b"`) {
		t.Errorf("payload = %s", pubs[0].Payload)
	}
}
