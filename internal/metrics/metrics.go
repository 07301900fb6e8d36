// Package metrics exposes the bridge's Prometheus collectors.
//
// The protocol client and the poller report through small observer
// interfaces; DeviceObserver adapts them to the collectors for one device
// so neither package depends on Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/gray-logic-siegenia/internal/siegenia"
)

const namespace = "siegenia"

// Result label values.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultTimeout = "timeout"
	ResultDevice  = "device_error"
)

// durationBuckets covers LAN round trips up to the default request timeout.
var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	reconnects      *prometheus.CounterVec
	pushes          *prometheus.CounterVec
	polls           *prometheus.CounterVec
	connected       *prometheus.GaugeVec
	bridgeCommands  *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
}

// New creates and registers all collectors, including the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Device commands by device, command and result.",
		}, []string{"device", "command", "result"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Device command round trip time.",
			Buckets:   durationBuckets,
		}, []string{"device", "command"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Device sessions re-established after the first connect.",
		}, []string{"device"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Unsolicited frames received from the device.",
		}, []string{"device"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_total",
			Help:      "Snapshot refreshes by device and result.",
		}, []string{"device", "result"}),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the device session is authenticated.",
		}, []string{"device"}),
		bridgeCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_commands_total",
			Help:      "Actions received over MQTT or HTTP by source, action and result.",
		}, []string{"source", "action", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route, method and status.",
		}, []string{"route", "method", "status"}),
	}

	m.registry.MustRegister(
		m.commands, m.commandDuration, m.reconnects, m.pushes,
		m.polls, m.connected, m.bridgeCommands, m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Device returns an observer bound to deviceID.
func (m *Metrics) Device(deviceID string) *DeviceObserver {
	m.connected.WithLabelValues(deviceID).Set(0)
	return &DeviceObserver{m: m, device: deviceID}
}

// ObserveBridgeCommand counts an action issued through source ("mqtt" or
// "http").
func (m *Metrics) ObserveBridgeCommand(source, action string, err error) {
	m.bridgeCommands.WithLabelValues(source, action, Result(err)).Inc()
}

// Middleware counts API requests by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		m.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
	})
}

// Result maps an error to a result label.
func Result(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, siegenia.ErrRequestTimeout):
		return ResultTimeout
	case errors.Is(err, siegenia.ErrDevice):
		return ResultDevice
	default:
		return ResultError
	}
}

// DeviceObserver records one device's client and poller events.
type DeviceObserver struct {
	m      *Metrics
	device string
}

// ObserveCommand implements siegenia.Observer.
func (o *DeviceObserver) ObserveCommand(command string, d time.Duration, err error) {
	o.m.commands.WithLabelValues(o.device, command, Result(err)).Inc()
	o.m.commandDuration.WithLabelValues(o.device, command).Observe(d.Seconds())
}

// ObserveReconnect implements siegenia.Observer.
func (o *DeviceObserver) ObserveReconnect() {
	o.m.reconnects.WithLabelValues(o.device).Inc()
}

// ObservePush implements siegenia.Observer.
func (o *DeviceObserver) ObservePush() {
	o.m.pushes.WithLabelValues(o.device).Inc()
}

// ObserveConnection implements siegenia.Observer.
func (o *DeviceObserver) ObserveConnection(connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	o.m.connected.WithLabelValues(o.device).Set(v)
}

// ObservePoll implements poller.Observer.
func (o *DeviceObserver) ObservePoll(err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	o.m.polls.WithLabelValues(o.device, result).Inc()
}

var _ siegenia.Observer = (*DeviceObserver)(nil)
