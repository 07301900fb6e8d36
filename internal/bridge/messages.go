package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-siegenia/internal/device"
	"github.com/nerrad567/gray-logic-siegenia/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-siegenia/internal/poller"
	"github.com/nerrad567/gray-logic-siegenia/internal/siegenia"
)

// CommandMessage is received on graylogic/command/siegenia/{device_id}.
type CommandMessage struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp,omitzero"`
	DeviceID   string         `json:"device_id,omitempty"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Source     string         `json:"source,omitempty"`
}

// AckStatus is the state of a command acknowledgement.
type AckStatus string

const (
	AckAccepted  AckStatus = "accepted"
	AckCompleted AckStatus = "completed"
	AckFailed    AckStatus = "failed"
	AckTimeout   AckStatus = "timeout"
)

// Error codes carried in failed acks.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeDeviceError       = "DEVICE_ERROR"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// AckMessage is published on graylogic/ack/siegenia/{device_id}.
type AckMessage struct {
	CommandID string            `json:"command_id"`
	Timestamp time.Time         `json:"timestamp"`
	DeviceID  string            `json:"device_id"`
	Command   string            `json:"command"`
	Status    AckStatus         `json:"status"`
	Protocol  string            `json:"protocol"`
	Result    siegenia.Document `json:"result,omitempty"`
	Error     *AckError         `json:"error,omitempty"`
}

// AckError describes a failed command.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StateMessage is published retained on graylogic/state/siegenia/{device_id}.
type StateMessage struct {
	DeviceID   string            `json:"device_id"`
	Timestamp  time.Time         `json:"timestamp"`
	UpdatedAt  time.Time         `json:"updated_at,omitzero"`
	Protocol   string            `json:"protocol"`
	SystemName string            `json:"system_name,omitempty"`
	State      siegenia.Document `json:"state"`
	Params     siegenia.Document `json:"params"`
	Info       siegenia.Document `json:"info"`
	Stale      bool              `json:"stale"`
	Error      string            `json:"error,omitempty"`
}

// EventMessage wraps a device push on graylogic/event/siegenia/{device_id}.
type EventMessage struct {
	DeviceID  string            `json:"device_id"`
	Timestamp time.Time         `json:"timestamp"`
	Protocol  string            `json:"protocol"`
	Payload   siegenia.Document `json:"payload"`
}

// HealthStatus is the bridge's operational status.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is published retained on graylogic/health/siegenia.
type HealthMessage struct {
	Bridge         string          `json:"bridge"`
	Timestamp      time.Time       `json:"timestamp"`
	Status         HealthStatus    `json:"status"`
	Version        string          `json:"version"`
	UptimeSeconds  int64           `json:"uptime_seconds"`
	DevicesManaged int             `json:"devices_managed"`
	Devices        []device.Status `json:"devices,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

// newStateMessage builds the retained state payload for snap.
func newStateMessage(snap poller.Snapshot) StateMessage {
	msg := StateMessage{
		DeviceID:   snap.DeviceID,
		Timestamp:  time.Now().UTC(),
		UpdatedAt:  snap.UpdatedAt,
		Protocol:   mqtt.Protocol,
		SystemName: snap.SystemName(),
		State:      snap.State,
		Params:     snap.Params,
		Info:       snap.Info,
		Stale:      snap.Stale,
		Error:      snap.Err,
	}
	for _, doc := range []*siegenia.Document{&msg.State, &msg.Params, &msg.Info} {
		if *doc == nil {
			*doc = siegenia.Document{}
		}
	}
	return msg
}

func newAck(cmd CommandMessage, deviceID string, status AckStatus) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  deviceID,
		Command:   cmd.Command,
		Status:    status,
		Protocol:  mqtt.Protocol,
	}
}

// parseCommand decodes payload and reconciles its device id with the one
// from the topic.
func parseCommand(topicDeviceID string, payload []byte) (CommandMessage, error) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	switch {
	case cmd.DeviceID == "":
		cmd.DeviceID = topicDeviceID
	case topicDeviceID != "" && cmd.DeviceID != topicDeviceID:
		return cmd, fmt.Errorf("%w: device_id %q does not match topic %q", ErrInvalidCommand, cmd.DeviceID, topicDeviceID)
	}
	if cmd.DeviceID == "" {
		return cmd, fmt.Errorf("%w: device_id is required", ErrInvalidCommand)
	}
	if cmd.Command == "" {
		return cmd, fmt.Errorf("%w: command is required", ErrInvalidCommand)
	}
	return cmd, nil
}

// classify maps an execution error to an ack status and error code.
func classify(err error) (AckStatus, string) {
	switch {
	case errors.Is(err, siegenia.ErrRequestTimeout):
		return AckTimeout, ErrCodeTimeout
	case errors.Is(err, device.ErrDeviceNotFound):
		return AckFailed, ErrCodeNotConfigured
	case errors.Is(err, device.ErrUnknownAction), errors.Is(err, ErrInvalidCommand):
		return AckFailed, ErrCodeInvalidCommand
	case errors.Is(err, siegenia.ErrDevice):
		return AckFailed, ErrCodeDeviceError
	case errors.Is(err, siegenia.ErrNotConnected),
		errors.Is(err, siegenia.ErrConnectionLost),
		errors.Is(err, siegenia.ErrTransport),
		errors.Is(err, siegenia.ErrClosed):
		return AckFailed, ErrCodeDeviceUnreachable
	default:
		return AckFailed, ErrCodeBridgeError
	}
}
