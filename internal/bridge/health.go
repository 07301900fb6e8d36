package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-siegenia/internal/device"
	"github.com/nerrad567/gray-logic-siegenia/internal/infrastructure/mqtt"
)

const defaultHealthInterval = 30 * time.Second

// HealthPublisher is the part of the MQTT client used for health reports.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthReporterConfig configures a HealthReporter.
type HealthReporterConfig struct {
	BridgeID  string
	Version   string
	Interval  time.Duration
	Publisher HealthPublisher

	// Devices returns the current per-device status.
	Devices func() []device.Status
}

// HealthReporter publishes bridge health on a fixed interval.
type HealthReporter struct {
	cfg       HealthReporterConfig
	startTime time.Time
	topic     string

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter creates a reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	if cfg.Devices == nil {
		cfg.Devices = func() []device.Status { return nil }
	}
	return &HealthReporter{
		cfg:       cfg,
		startTime: time.Now(),
		topic:     mqtt.Topics{}.Health(),
		done:      make(chan struct{}),
	}
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// Start publishes immediately and then every interval until ctx is done or
// Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final stopping status.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
		//nolint:errcheck // best effort during shutdown
		h.publish(h.message(HealthStopping, "bridge stopping"))
	})
}

// PublishStarting publishes a starting status.
func (h *HealthReporter) PublishStarting() error {
	return h.publish(h.message(HealthStarting, "bridge starting"))
}

// PublishNow publishes the current status.
func (h *HealthReporter) PublishNow() error {
	return h.publish(h.Current())
}

// Current evaluates the bridge health without publishing it.
func (h *HealthReporter) Current() HealthMessage {
	status, reason := h.determineStatus()
	return h.message(status, reason)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logWarn("failed to publish initial health", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logWarn("failed to publish health", err)
			}
		}
	}
}

// determineStatus is healthy only when MQTT is up and every device is
// connected with a fresh snapshot.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}

	var problems []string
	for _, st := range h.cfg.Devices() {
		switch {
		case !st.Connected:
			problems = append(problems, st.ID+" disconnected")
		case st.Stale:
			problems = append(problems, st.ID+" stale")
		}
	}
	if len(problems) > 0 {
		return HealthDegraded, strings.Join(problems, ", ")
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) message(status HealthStatus, reason string) HealthMessage {
	devices := h.cfg.Devices()
	return HealthMessage{
		Bridge:         h.cfg.BridgeID,
		Timestamp:      time.Now().UTC(),
		Status:         status,
		Version:        h.cfg.Version,
		UptimeSeconds:  int64(time.Since(h.startTime).Seconds()),
		DevicesManaged: len(devices),
		Devices:        devices,
		Reason:         reason,
	}
}

func (h *HealthReporter) publish(msg HealthMessage) error {
	if h.cfg.Publisher == nil {
		return nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshalling health: %w", err)
	}
	return h.cfg.Publisher.Publish(h.topic, payload, qosAtLeastOnce, true)
}

func (h *HealthReporter) logWarn(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()
	if logger != nil {
		logger.Warn(msg, "error", err)
	}
}
