package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementSnapshot = "siegenia_snapshot"
	measurementCommand  = "siegenia_command"
)

// WriteSnapshot writes the telemetry fields of a flattened device snapshot
// (as produced by poller.Snapshot.Flatten) as one point. Only numeric and
// boolean values become fields; strings and arrays are skipped. It returns
// the number of fields written, zero when nothing was sent.
//
//	client.WriteSnapshot("living-room", snap.Flatten(), snap.UpdatedAt)
func (c *Client) WriteSnapshot(deviceID string, flat map[string]any, ts time.Time) int {
	if !c.IsConnected() {
		return 0
	}

	fields := TelemetryFields(flat)
	if len(fields) == 0 {
		return 0
	}
	if ts.IsZero() {
		ts = time.Now()
	}

	c.writePoint(write.NewPoint(
		measurementSnapshot,
		map[string]string{"device_id": deviceID},
		fields,
		ts,
	))
	return len(fields)
}

// WriteCommand records the outcome and latency of one bridge command.
func (c *Client) WriteCommand(deviceID, command string, duration time.Duration, success bool) {
	if !c.IsConnected() {
		return
	}

	c.writePoint(write.NewPoint(
		measurementCommand,
		map[string]string{
			"device_id": deviceID,
			"command":   command,
		},
		map[string]any{
			"duration_ms": float64(duration.Microseconds()) / 1000,
			"success":     success,
		},
		time.Now(),
	))
}

// TelemetryFields picks the values of flat that InfluxDB can store as
// fields. Integers are widened to float64 so a key never changes type
// between points.
func TelemetryFields(flat map[string]any) map[string]any {
	fields := make(map[string]any, len(flat))
	for key, v := range flat {
		switch value := v.(type) {
		case float64:
			fields[key] = value
		case float32:
			fields[key] = float64(value)
		case int:
			fields[key] = float64(value)
		case int64:
			fields[key] = float64(value)
		case bool:
			fields[key] = value
		}
	}
	return fields
}
