package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-siegenia/internal/siegenia"
)

const (
	// DefaultInterval is the polling period.
	DefaultInterval = 10 * time.Second

	// defaultRefreshTimeout bounds one refresh including its retry.
	defaultRefreshTimeout = 30 * time.Second
)

// Device is the subset of *siegenia.Client used by the coordinator.
type Device interface {
	GetDeviceState(ctx context.Context) (siegenia.Document, error)
	GetDeviceParams(ctx context.Context) (siegenia.Document, error)
	GetDevice(ctx context.Context) (siegenia.Document, error)
	Reconnect(ctx context.Context) error
}

// Logger defines the logging interface used by the coordinator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Observer is notified of each refresh outcome.
type Observer interface {
	ObservePoll(err error)
}

// Config configures a Coordinator.
type Config struct {
	DeviceID       string
	Interval       time.Duration
	RefreshTimeout time.Duration
}

// Coordinator polls one device and holds its latest snapshot.
type Coordinator struct {
	cfg    Config
	device Device

	current atomic.Pointer[Snapshot]

	// refreshMu serialises refreshes so snapshots are published in order.
	refreshMu sync.Mutex

	// trigger coalesces refresh requests.
	trigger chan struct{}

	listenersMu sync.RWMutex
	listeners   []func(Snapshot)

	logger   Logger
	observer Observer

	refreshes atomic.Uint64
	failures  atomic.Uint64
}

// New creates a coordinator for device.
func New(cfg Config, device Device) (*Coordinator, error) {
	if device == nil {
		return nil, ErrMissingDevice
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = defaultRefreshTimeout
	}

	c := &Coordinator{
		cfg:     cfg,
		device:  device,
		trigger: make(chan struct{}, 1),
	}
	c.current.Store(&Snapshot{DeviceID: cfg.DeviceID})
	return c, nil
}

// SetLogger sets the logger for the coordinator.
func (c *Coordinator) SetLogger(logger Logger) {
	c.logger = logger
}

// SetObserver sets the observer notified after each refresh.
func (c *Coordinator) SetObserver(observer Observer) {
	c.observer = observer
}

// Subscribe registers fn to receive every published snapshot.
// Listeners run on the refreshing goroutine and must not block for long.
func (c *Coordinator) Subscribe(fn func(Snapshot)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Snapshot returns a copy of the current snapshot.
func (c *Coordinator) Snapshot() Snapshot {
	return c.current.Load().Clone()
}

// Trigger requests a refresh without blocking. Requests made while one is
// already queued are coalesced.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run refreshes immediately, then on every interval tick and trigger,
// until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	c.refreshLogged(ctx)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshLogged(ctx)
		case <-c.trigger:
			c.refreshLogged(ctx)
		}
	}
}

func (c *Coordinator) refreshLogged(ctx context.Context) {
	if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
		c.logWarn("device refresh failed", "error", err)
	}
}

// Refresh fetches a new snapshot. When the failure points at the session
// (transport, lost connection, not connected, timeout) it reconnects the
// device and retries once; any other error, such as a device status, is
// not retried and leaves the session alone. On failure the previous data
// is kept, marked stale, and the error is returned along with it.
func (c *Coordinator) Refresh(ctx context.Context) (Snapshot, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RefreshTimeout)
	defer cancel()

	c.refreshes.Add(1)

	snap, err := c.fetch(ctx)
	if err != nil && ctx.Err() == nil && sessionFailed(err) {
		c.logDebug("refresh failed, reconnecting", "error", err)
		if rerr := c.device.Reconnect(ctx); rerr != nil {
			err = fmt.Errorf("reconnect: %w", rerr)
		} else {
			snap, err = c.fetch(ctx)
		}
	}

	if c.observer != nil {
		c.observer.ObservePoll(err)
	}

	if err != nil {
		c.failures.Add(1)
		stale := c.markStale(err)
		c.notify(stale)
		return stale, fmt.Errorf("%w: %s: %w", ErrRefreshFailed, c.cfg.DeviceID, err)
	}

	c.current.Store(&snap)
	c.notify(snap)
	return snap.Clone(), nil
}

// sessionFailed reports whether err means the session itself is unusable.
func sessionFailed(err error) bool {
	return errors.Is(err, siegenia.ErrTransport) ||
		errors.Is(err, siegenia.ErrConnectionLost) ||
		errors.Is(err, siegenia.ErrNotConnected) ||
		errors.Is(err, siegenia.ErrRequestTimeout)
}

// fetch reads the three device documents.
func (c *Coordinator) fetch(ctx context.Context) (Snapshot, error) {
	state, err := c.device.GetDeviceState(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("getDeviceState: %w", err)
	}
	params, err := c.device.GetDeviceParams(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("getDeviceParams: %w", err)
	}
	info, err := c.device.GetDevice(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("getDevice: %w", err)
	}

	return Snapshot{
		DeviceID:  c.cfg.DeviceID,
		State:     state,
		Params:    params,
		Info:      info,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// markStale publishes the previous data flagged with err.
func (c *Coordinator) markStale(err error) Snapshot {
	stale := *c.current.Load()
	stale.Stale = true
	stale.Err = err.Error()
	c.current.Store(&stale)
	return stale.Clone()
}

func (c *Coordinator) notify(snap Snapshot) {
	c.listenersMu.RLock()
	listeners := append([]func(Snapshot){}, c.listeners...)
	c.listenersMu.RUnlock()

	for _, fn := range listeners {
		c.safeNotify(fn, snap.Clone())
	}
}

func (c *Coordinator) safeNotify(fn func(Snapshot), snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			c.logError("panic in snapshot listener", "panic", r)
		}
	}()
	fn(snap)
}

// Stats holds coordinator counters.
type Stats struct {
	Refreshes uint64
	Failures  uint64
}

// Stats returns refresh counters.
func (c *Coordinator) Stats() Stats {
	return Stats{Refreshes: c.refreshes.Load(), Failures: c.failures.Load()}
}

func (c *Coordinator) logDebug(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, append(args, "device_id", c.cfg.DeviceID)...)
	}
}

func (c *Coordinator) logWarn(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, append(args, "device_id", c.cfg.DeviceID)...)
	}
}

func (c *Coordinator) logError(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Error(msg, append(args, "device_id", c.cfg.DeviceID)...)
	}
}

var _ Device = (*siegenia.Client)(nil)
