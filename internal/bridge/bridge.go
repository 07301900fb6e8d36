package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-siegenia/internal/audit"
	"github.com/nerrad567/gray-logic-siegenia/internal/device"
	"github.com/nerrad567/gray-logic-siegenia/internal/history"
	"github.com/nerrad567/gray-logic-siegenia/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-siegenia/internal/poller"
	"github.com/nerrad567/gray-logic-siegenia/internal/siegenia"
)

const (
	defaultCommandTimeout = 15 * time.Second
	qosAtLeastOnce        = 1

	// recordTimeout bounds one history insert.
	recordTimeout = 5 * time.Second

	// commandSource labels actions received over MQTT.
	commandSource = "mqtt"
)

// MQTTClient is the bus connection the bridge publishes and subscribes on.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// Devices resolves and drives the configured devices.
// *device.Registry satisfies it.
type Devices interface {
	Execute(ctx context.Context, id, action string, params siegenia.Document) (device.Result, error)
	Statuses() []device.Status
	Len() int
}

// Recorder persists snapshots. *history.Repository satisfies it.
type Recorder interface {
	RecordIfChanged(ctx context.Context, deviceID string, snapshot map[string]any, source string) (bool, error)
}

// Telemetry writes time-series points. *influxdb.Client satisfies it.
type Telemetry interface {
	WriteSnapshot(deviceID string, flat map[string]any, ts time.Time) int
	WriteCommand(deviceID, command string, duration time.Duration, success bool)
}

// Auditor records executed commands. *audit.SQLiteRepository satisfies it.
type Auditor interface {
	Create(ctx context.Context, entry *audit.Entry) error
}

// CommandObserver counts bridge commands. *metrics.Metrics satisfies it.
type CommandObserver interface {
	ObserveBridgeCommand(source, action string, err error)
}

// Logger defines the logging interface used by the bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options configures a Bridge. MQTT and Devices are required.
type Options struct {
	BridgeID       string
	Version        string
	MQTT           MQTTClient
	Devices        Devices
	History        Recorder
	Telemetry      Telemetry
	Audit          Auditor
	Metrics        CommandObserver
	HealthInterval time.Duration
	CommandTimeout time.Duration
	Logger         Logger
}

// Bridge translates between the devices and MQTT.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	opts   Options
	topics mqtt.Topics
	health *HealthReporter

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	// stopMu orders wg.Add in handleCommandMessage against Stop.
	stopMu  sync.Mutex
	stopped bool

	statesPublished atomic.Uint64
	eventsPublished atomic.Uint64
	commandsHandled atomic.Uint64
	commandsFailed  atomic.Uint64
	historyRecorded atomic.Uint64
}

// New creates a bridge. Call Start to subscribe and begin health reporting.
func New(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("%w: MQTT client", ErrMissingDependency)
	}
	if opts.Devices == nil {
		return nil, fmt.Errorf("%w: devices", ErrMissingDependency)
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.BridgeID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTT,
		Devices:   opts.Devices.Statuses,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}
	return b, nil
}

// Start subscribes to the command topics and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logWarn("failed to publish starting status", "error", err)
	}

	topic := b.topics.AllCommands()
	if err := b.opts.MQTT.Subscribe(topic, qosAtLeastOnce, b.handleCommandMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", topic)

	b.health.Start(ctx)
	b.logInfo("bridge started", "bridge_id", b.opts.BridgeID, "devices", b.opts.Devices.Len())
	return nil
}

// Stop cancels in-flight commands, waits for them and publishes a
// stopping health status. Safe to call more than once.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.stopMu.Lock()
		b.stopped = true
		b.stopMu.Unlock()

		b.cancel()
		b.wg.Wait()
		b.health.Stop()
		b.logInfo("bridge stopped")
	})
}

// Health returns the bridge's health reporter.
func (b *Bridge) Health() *HealthReporter {
	return b.health
}

// HandleSnapshot publishes snap and, for fresh snapshots, records history
// and telemetry. It is registered with poller.Coordinator.Subscribe.
func (b *Bridge) HandleSnapshot(snap poller.Snapshot) {
	payload, err := json.Marshal(newStateMessage(snap))
	if err != nil {
		b.logError("failed to marshal state", "device_id", snap.DeviceID, "error", err)
		return
	}
	if err := b.opts.MQTT.Publish(b.topics.State(snap.DeviceID), payload, qosAtLeastOnce, true); err != nil {
		b.logWarn("failed to publish state", "device_id", snap.DeviceID, "error", err)
	} else {
		b.statesPublished.Add(1)
	}

	if snap.Stale || !snap.Valid() {
		return
	}

	if b.opts.History != nil {
		ctx, cancel := context.WithTimeout(b.ctx, recordTimeout)
		recorded, err := b.opts.History.RecordIfChanged(ctx, snap.DeviceID, snap.Document(), history.SourcePoll)
		cancel()
		switch {
		case err != nil:
			b.logWarn("failed to record snapshot history", "device_id", snap.DeviceID, "error", err)
		case recorded:
			b.historyRecorded.Add(1)
		}
	}

	if b.opts.Telemetry != nil {
		b.opts.Telemetry.WriteSnapshot(snap.DeviceID, snap.Flatten(), snap.UpdatedAt)
	}
}

// HandlePush republishes a device push on the device's event topic.
func (b *Bridge) HandlePush(deviceID string, frame siegenia.Document) {
	payload, err := json.Marshal(EventMessage{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		Protocol:  mqtt.Protocol,
		Payload:   frame,
	})
	if err != nil {
		b.logError("failed to marshal event", "device_id", deviceID, "error", err)
		return
	}
	if err := b.opts.MQTT.Publish(b.topics.Event(deviceID), payload, qosAtLeastOnce, false); err != nil {
		b.logWarn("failed to publish event", "device_id", deviceID, "error", err)
		return
	}
	b.eventsPublished.Add(1)
}

// handleCommandMessage runs on the MQTT client's goroutine, so execution
// is handed to a tracked goroutine.
func (b *Bridge) handleCommandMessage(topic string, payload []byte) {
	topicDeviceID := deviceIDFromTopic(topic)

	cmd, err := parseCommand(topicDeviceID, payload)
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if err != nil {
		b.logWarn("rejected command", "topic", topic, "error", err)
		deviceID := topicDeviceID
		if deviceID == "" {
			deviceID = cmd.DeviceID
		}
		b.commandsFailed.Add(1)
		b.publishFailure(cmd, deviceID, err)
		b.observe(cmd.Command, err)
		return
	}

	b.stopMu.Lock()
	if b.stopped {
		b.stopMu.Unlock()
		b.publishFailure(cmd, cmd.DeviceID, siegenia.ErrClosed)
		return
	}
	b.wg.Add(1)
	b.stopMu.Unlock()

	go func() {
		defer b.wg.Done()
		b.executeCommand(cmd)
	}()
}

func (b *Bridge) executeCommand(cmd CommandMessage) {
	b.logInfo("received command", "command_id", cmd.ID, "device_id", cmd.DeviceID, "command", cmd.Command)
	b.publishAck(newAck(cmd, cmd.DeviceID, AckAccepted))

	ctx, cancel := context.WithTimeout(b.ctx, b.opts.CommandTimeout)
	defer cancel()

	start := time.Now()
	res, err := b.opts.Devices.Execute(ctx, cmd.DeviceID, cmd.Command, siegenia.Document(cmd.Parameters))
	elapsed := time.Since(start)

	b.observe(cmd.Command, err)
	b.audit(cmd, elapsed, err)
	if b.opts.Telemetry != nil {
		b.opts.Telemetry.WriteCommand(cmd.DeviceID, device.NormalizeAction(cmd.Command), elapsed, err == nil)
	}

	if err != nil {
		b.commandsFailed.Add(1)
		b.logWarn("command failed", "command_id", cmd.ID, "device_id", cmd.DeviceID, "command", cmd.Command, "error", err)
		b.publishFailure(cmd, cmd.DeviceID, err)
		return
	}

	b.commandsHandled.Add(1)
	ack := newAck(cmd, cmd.DeviceID, AckCompleted)
	ack.Result = res.Data
	b.publishAck(ack)
}

func (b *Bridge) observe(command string, err error) {
	if b.opts.Metrics != nil {
		b.opts.Metrics.ObserveBridgeCommand(commandSource, device.NormalizeAction(command), err)
	}
}

func (b *Bridge) audit(cmd CommandMessage, elapsed time.Duration, err error) {
	if b.opts.Audit == nil {
		return
	}
	entry := audit.NewEntry(cmd.DeviceID, device.NormalizeAction(cmd.Command), commandSource, cmd.Parameters, elapsed, err)
	entry.CommandID = cmd.ID

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if aerr := b.opts.Audit.Create(ctx, entry); aerr != nil {
		b.logWarn("failed to record command", "command_id", cmd.ID, "error", aerr)
	}
}

func (b *Bridge) publishFailure(cmd CommandMessage, deviceID string, err error) {
	status, code := classify(err)
	ack := newAck(cmd, deviceID, status)
	ack.Error = &AckError{Code: code, Message: err.Error()}
	b.publishAck(ack)
}

func (b *Bridge) publishAck(ack AckMessage) {
	if ack.DeviceID == "" {
		b.logWarn("dropping ack without device id", "command_id", ack.CommandID)
		return
	}
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", "command_id", ack.CommandID, "error", err)
		return
	}
	if err := b.opts.MQTT.Publish(b.topics.Ack(ack.DeviceID), payload, qosAtLeastOnce, false); err != nil {
		b.logWarn("failed to publish ack", "command_id", ack.CommandID, "status", ack.Status, "error", err)
	}
}

// deviceIDFromTopic returns the last segment of
// graylogic/command/siegenia/{device_id}.
func deviceIDFromTopic(topic string) string {
	prefix := mqtt.Topics{}.Command("")
	if !strings.HasPrefix(topic, prefix) {
		return ""
	}
	id := strings.TrimPrefix(topic, prefix)
	if strings.Contains(id, "/") {
		return ""
	}
	return id
}

// Stats holds bridge counters.
type Stats struct {
	StatesPublished uint64 `json:"states_published"`
	EventsPublished uint64 `json:"events_published"`
	CommandsHandled uint64 `json:"commands_handled"`
	CommandsFailed  uint64 `json:"commands_failed"`
	HistoryRecorded uint64 `json:"history_recorded"`
}

// Stats returns the bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		StatesPublished: b.statesPublished.Load(),
		EventsPublished: b.eventsPublished.Load(),
		CommandsHandled: b.commandsHandled.Load(),
		CommandsFailed:  b.commandsFailed.Load(),
		HistoryRecorded: b.historyRecorded.Load(),
	}
}

func (b *Bridge) logInfo(msg string, args ...any) {
	if b.opts.Logger != nil {
		b.opts.Logger.Info(msg, args...)
	}
}

func (b *Bridge) logWarn(msg string, args ...any) {
	if b.opts.Logger != nil {
		b.opts.Logger.Warn(msg, args...)
	}
}

func (b *Bridge) logError(msg string, args ...any) {
	if b.opts.Logger != nil {
		b.opts.Logger.Error(msg, args...)
	}
}
