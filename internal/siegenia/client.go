package siegenia

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default client settings.
const (
	// DefaultHeartbeatInterval is the keepAlive period.
	DefaultHeartbeatInterval = 10 * time.Second

	// DefaultRequestTimeout bounds the wait for a correlated reply.
	DefaultRequestTimeout = 5 * time.Second

	// defaultConnectTimeout bounds dial plus login.
	defaultConnectTimeout = 15 * time.Second

	// pushQueueSize is the buffer between the receive loop and the push worker.
	pushQueueSize = 64

	// connectKey is the singleflight key for the handshake.
	connectKey = "connect"
)

// State is the lifecycle state of a Client.
type State int32

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Logger defines the logging interface used by the client.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Observer receives protocol events, typically for metrics.
// Implementations must be safe for concurrent use and must not block.
type Observer interface {
	ObserveCommand(command string, duration time.Duration, err error)
	ObserveReconnect()
	ObservePush()
	ObserveConnection(connected bool)
}

// Config holds the settings for one device connection.
type Config struct {
	Host string
	Port int

	// TLS selects wss://. Device certificates are not verified.
	TLS bool

	Username string
	Password string

	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	ConnectTimeout    time.Duration

	// Dialer overrides the default gorilla/websocket dialer.
	Dialer Dialer
}

// Endpoint returns the device endpoint for cfg.
func (cfg Config) Endpoint() Endpoint {
	return Endpoint{Host: cfg.Host, Port: cfg.Port, TLS: cfg.TLS}
}

// Stats holds client statistics.
type Stats struct {
	State             State
	CommandsSent      uint64
	ResponsesReceived uint64
	PushesReceived    uint64
	PushesDropped     uint64
	MalformedFrames   uint64
	Timeouts          uint64
	Connects          uint64
	Reconnects        uint64
	Pending           int
	LastActivity      time.Time
	ConnectedSince    time.Time
}

// Client is a connection to a single Siegenia device.
//
// A Client connects lazily on the first command, or explicitly via Connect.
// It must be closed with Close to release its goroutines.
type Client struct {
	cfg        Config
	endpoint   Endpoint
	dialer     Dialer
	correlator *correlator

	connectGroup singleflight.Group

	// lifetime is cancelled by Close and bounds every handshake.
	lifetime       context.Context
	cancelLifetime context.CancelFunc
	done           *closeOnce
	stopOnce       sync.Once
	wg             sync.WaitGroup

	mu             sync.RWMutex
	state          State
	session        Session
	cancelSession  context.CancelFunc
	token          string
	connectedSince time.Time

	pushQueue chan Document

	callbackMu    sync.RWMutex
	onPush        func(Document)
	onStateChange func(State)
	observer      Observer

	loggerMu sync.RWMutex
	logger   Logger

	commandsSent      atomic.Uint64
	responsesReceived atomic.Uint64
	pushesReceived    atomic.Uint64
	pushesDropped     atomic.Uint64
	malformedFrames   atomic.Uint64
	timeouts          atomic.Uint64
	connects          atomic.Uint64
	reconnects        atomic.Uint64
	lastActivity      atomic.Int64
}

// New creates a client for one device. It does not connect.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, cfg.Port)
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = WebSocketDialer{}
	}

	lifetime, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:            cfg,
		endpoint:       cfg.Endpoint(),
		dialer:         dialer,
		correlator:     newCorrelator(),
		lifetime:       lifetime,
		cancelLifetime: cancel,
		done:           newCloseOnce(),
		pushQueue:      make(chan Document, pushQueueSize),
	}

	c.wg.Add(1)
	go c.pushWorker()

	return c, nil
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	defer c.loggerMu.Unlock()
	c.logger = logger
}

// SetObserver sets the observer notified of protocol events.
func (c *Client) SetObserver(observer Observer) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.observer = observer
}

// SetOnPush sets the callback for unsolicited frames.
// The callback runs on the push worker goroutine, one frame at a time.
func (c *Client) SetOnPush(fn func(Document)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onPush = fn
}

// SetOnStateChange sets the callback invoked on lifecycle transitions.
// It is called synchronously and must not call back into the client.
func (c *Client) SetOnStateChange(fn func(State)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onStateChange = fn
}

// Endpoint returns the device endpoint.
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connected reports whether the client has an authenticated session.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateReady && c.session != nil
}

// Token returns the session token from the last successful login.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Stats returns a snapshot of client statistics.
func (c *Client) Stats() Stats {
	c.mu.RLock()
	state := c.state
	since := c.connectedSince
	c.mu.RUnlock()

	var last time.Time
	if ns := c.lastActivity.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}

	return Stats{
		State:             state,
		CommandsSent:      c.commandsSent.Load(),
		ResponsesReceived: c.responsesReceived.Load(),
		PushesReceived:    c.pushesReceived.Load(),
		PushesDropped:     c.pushesDropped.Load(),
		MalformedFrames:   c.malformedFrames.Load(),
		Timeouts:          c.timeouts.Load(),
		Connects:          c.connects.Load(),
		Reconnects:        c.reconnects.Load(),
		Pending:           c.correlator.size(),
		LastActivity:      last,
		ConnectedSince:    since,
	}
}

// Connect establishes an authenticated session if there is none.
//
// Concurrent callers share one handshake and observe the same outcome.
// Cancelling ctx abandons the wait but not the shared handshake, which is
// bounded by the client's connect timeout.
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if c.Connected() {
		return nil
	}

	result := c.connectGroup.DoChan(connectKey, func() (any, error) {
		if c.Connected() {
			return nil, nil
		}
		return nil, c.establish()
	})

	select {
	case r := <-result:
		return r.Err
	case <-ctx.Done():
		return fmt.Errorf("connect: %w", ctx.Err())
	}
}

// Reconnect tears down the current session, if any, and connects again.
func (c *Client) Reconnect(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.reconnect(ctx, c.currentSession())
}

// reconnect replaces failed. If failed was already replaced by another
// caller, the new session is reused.
func (c *Client) reconnect(ctx context.Context, failed Session) error {
	if failed != nil {
		_ = c.teardown(failed, ErrConnectionLost)
	}
	return c.Connect(ctx)
}

// Close shuts the client down. Outstanding requests fail with
// ErrConnectionLost and later commands fail with ErrClosed.
func (c *Client) Close() error {
	var err error
	c.stopOnce.Do(func() {
		c.setState(StateClosing)
		c.done.Close()
		c.cancelLifetime()

		if session := c.currentSession(); session != nil {
			err = c.teardown(session, ErrClosed)
		}
		c.correlator.failAll(ErrConnectionLost)

		c.wg.Wait()
		c.setState(StateDisconnected)
		c.logInfo("siegenia client closed", "url", c.endpoint.URL())
	})
	return err
}

// Send issues a named command and returns the response data.
func (c *Client) Send(ctx context.Context, command string, params Document) (any, error) {
	return c.sendCommand(ctx, newCommand(command), params)
}

// SendCommand issues a full command object, e.g. one carrying extra
// top-level fields besides "command".
func (c *Client) SendCommand(ctx context.Context, command, params Document) (any, error) {
	if commandName(command) == "<unnamed>" {
		return nil, fmt.Errorf("%w: command object without command field", ErrInvalidConfig)
	}
	return c.sendCommand(ctx, command, params)
}

func (c *Client) sendCommand(ctx context.Context, command, params Document) (any, error) {
	name := commandName(command)
	start := time.Now()
	data, err := c.doSend(ctx, name, command, params)
	c.observeCommand(name, time.Since(start), err)
	return data, err
}

func (c *Client) doSend(ctx context.Context, name string, command, params Document) (any, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	if !c.Connected() {
		if err := c.Connect(ctx); err != nil {
			if errors.Is(err, ErrClosed) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s: %w", ErrNotConnected, name, err)
		}
	}

	id := c.correlator.allocateID()
	frame, err := encodeRequest(id, command, params)
	if err != nil {
		return nil, err
	}

	session := c.currentSession()
	pending, err := c.submit(ctx, session, id, name, frame)
	if err != nil {
		if !errors.Is(err, ErrTransport) {
			return nil, err
		}

		c.logWarn("send failed, reconnecting", "command", name, "id", id, "error", err)
		if rerr := c.reconnect(ctx, session); rerr != nil {
			if errors.Is(rerr, ErrClosed) {
				return nil, rerr
			}
			return nil, fmt.Errorf("%w: %s: %w", ErrNotConnected, name, rerr)
		}

		pending, err = c.submit(ctx, c.currentSession(), id, name, frame)
		if err != nil {
			return nil, err
		}
	}

	return c.await(ctx, pending)
}

// submit registers id and writes frame on session.
// On write failure the registration is discarded.
func (c *Client) submit(ctx context.Context, session Session, id int64, name string, frame []byte) (*pendingRequest, error) {
	pending, err := c.correlator.register(id, name)
	if err != nil {
		return nil, err
	}
	if err := c.write(ctx, session, frame); err != nil {
		c.correlator.discard(id)
		return nil, err
	}
	return pending, nil
}

func (c *Client) write(ctx context.Context, session Session, frame []byte) error {
	if session == nil {
		return fmt.Errorf("%w: no active session", ErrTransport)
	}
	if err := session.WriteFrame(ctx, frame); err != nil {
		if errors.Is(err, ErrTransport) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	c.commandsSent.Add(1)
	return nil
}

// await blocks until pending resolves, the request timeout elapses or ctx
// is done. Timeouts only abandon the local wait.
func (c *Client) await(ctx context.Context, pending *pendingRequest) (any, error) {
	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case r := <-pending.done:
		if r.err != nil {
			return nil, r.err
		}
		if r.status != StatusOK {
			return nil, &DeviceError{Command: pending.command, Status: r.status}
		}
		return r.data, nil

	case <-timer.C:
		c.correlator.discard(pending.id)
		c.timeouts.Add(1)
		return nil, fmt.Errorf("%w: %s (id %d) after %s",
			ErrRequestTimeout, pending.command, pending.id, c.cfg.RequestTimeout)

	case <-ctx.Done():
		c.correlator.discard(pending.id)
		return nil, fmt.Errorf("%s (id %d): %w", pending.command, pending.id, ctx.Err())
	}
}

// exchange sends one command on a specific session without connecting or
// retrying. Used for login and heartbeats.
func (c *Client) exchange(ctx context.Context, session Session, command, params Document) (any, error) {
	name := commandName(command)
	start := time.Now()

	id := c.correlator.allocateID()
	frame, err := encodeRequest(id, command, params)
	if err != nil {
		return nil, err
	}
	pending, err := c.submit(ctx, session, id, name, frame)
	if err != nil {
		c.observeCommand(name, time.Since(start), err)
		return nil, err
	}
	data, err := c.await(ctx, pending)
	c.observeCommand(name, time.Since(start), err)
	return data, err
}

// establish dials, starts the receive loop, logs in and starts the
// heartbeat. It runs inside the connect singleflight.
func (c *Client) establish() error {
	ctx, cancel := context.WithTimeout(c.lifetime, c.cfg.ConnectTimeout)
	defer cancel()

	if stale := c.currentSession(); stale != nil {
		_ = c.teardown(stale, ErrConnectionLost)
	}

	c.setState(StateConnecting)
	c.logDebug("connecting to device", "url", c.endpoint.URL())

	session, err := c.dialer.Dial(ctx, c.endpoint)
	if err != nil {
		c.setState(StateDisconnected)
		if !errors.Is(err, ErrTransport) {
			err = fmt.Errorf("%w: %w", ErrTransport, err)
		}
		c.logWarn("device connection failed", "url", c.endpoint.URL(), "error", err)
		return err
	}

	sessionCtx, cancelSession := context.WithCancel(c.lifetime)

	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		cancelSession()
		_ = session.Close()
		return ErrClosed
	}
	c.session = session
	c.cancelSession = cancelSession
	c.state = StateAuthenticating
	c.wg.Add(1)
	c.mu.Unlock()

	c.notifyState(StateAuthenticating)
	go c.receiveLoop(sessionCtx, session)

	if err := c.login(ctx, session); err != nil {
		_ = c.teardown(session, err)
		c.logWarn("device login failed", "url", c.endpoint.URL(), "error", err)
		return fmt.Errorf("login: %w", err)
	}

	c.mu.Lock()
	if c.session != session || c.isClosed() {
		c.mu.Unlock()
		return fmt.Errorf("%w: session ended during login", ErrConnectionLost)
	}
	c.state = StateReady
	c.connectedSince = time.Now()
	c.wg.Add(1)
	c.mu.Unlock()

	go c.heartbeatLoop(sessionCtx, session)

	if c.connects.Add(1) > 1 {
		c.reconnects.Add(1)
		if obs := c.getObserver(); obs != nil {
			obs.ObserveReconnect()
		}
	}
	c.notifyState(StateReady)
	if obs := c.getObserver(); obs != nil {
		obs.ObserveConnection(true)
	}

	c.logInfo("connected to device", "url", c.endpoint.URL())
	return nil
}

// login authenticates session. The returned token is kept for Token().
func (c *Client) login(ctx context.Context, session Session) error {
	data, err := c.exchange(ctx, session, loginCommand(c.cfg.Username, c.cfg.Password), nil)
	if err != nil {
		return err
	}

	token := AsDocument(data).String("token")
	if token == "" {
		c.logDebug("login response carried no token")
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return nil
}

// teardown closes session if it is still the active one, fails every
// pending request and moves to Disconnected. It is a no-op for a session
// that was already replaced.
func (c *Client) teardown(session Session, cause error) error {
	c.mu.Lock()
	if session == nil || c.session != session {
		c.mu.Unlock()
		return nil
	}
	wasReady := c.state == StateReady
	cancel := c.cancelSession
	c.session = nil
	c.cancelSession = nil
	c.token = ""
	c.connectedSince = time.Time{}
	closing := c.state == StateClosing
	if !closing {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := session.Close()
	failed := c.correlator.failAll(ErrConnectionLost)

	if !closing {
		c.notifyState(StateDisconnected)
	}
	if wasReady {
		if obs := c.getObserver(); obs != nil {
			obs.ObserveConnection(false)
		}
	}

	c.logDebug("session closed", "cause", cause, "failed_requests", failed)
	if err != nil {
		return fmt.Errorf("%w: closing session: %w", ErrTransport, err)
	}
	return nil
}

// receiveLoop reads frames until the session ends.
func (c *Client) receiveLoop(ctx context.Context, session Session) {
	defer c.wg.Done()

	for {
		raw, err := session.ReadFrame()
		if err != nil {
			if ctx.Err() == nil {
				c.logWarn("device connection lost", "url", c.endpoint.URL(), "error", err)
			}
			_ = c.teardown(session, err)
			return
		}
		c.handleFrame(raw)
	}
}

// handleFrame routes one inbound frame to its waiter or to the push queue.
func (c *Client) handleFrame(raw []byte) {
	c.lastActivity.Store(time.Now().UnixNano())

	frame, err := decodeFrame(raw)
	if err != nil {
		c.malformedFrames.Add(1)
		c.logWarn("dropping malformed frame", "error", err, "bytes", len(raw))
		return
	}

	if c.correlator.dispatch(frame) {
		c.responsesReceived.Add(1)
		return
	}

	if id, ok := frameID(frame); ok {
		c.logDebug("unmatched response forwarded as push", "id", id, "status", frame.String(keyStatus))
	}
	c.enqueuePush(frame)
}

// enqueuePush hands frame to the push worker without blocking.
func (c *Client) enqueuePush(frame Document) {
	c.pushesReceived.Add(1)
	if obs := c.getObserver(); obs != nil {
		obs.ObservePush()
	}

	select {
	case c.pushQueue <- frame:
	default:
		c.pushesDropped.Add(1)
		c.logWarn("push queue full, dropping notification", "queue_size", pushQueueSize)
	}
}

// pushWorker delivers push frames to the callback in arrival order.
func (c *Client) pushWorker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done.Done():
			return
		case frame := <-c.pushQueue:
			c.invokePush(frame)
		}
	}
}

// invokePush runs the push callback with panic recovery.
func (c *Client) invokePush(frame Document) {
	c.callbackMu.RLock()
	fn := c.onPush
	c.callbackMu.RUnlock()

	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logError("panic in push callback", "panic", r)
		}
	}()
	fn(frame)
}

func (c *Client) currentSession() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed {
		c.notifyState(s)
	}
}

func (c *Client) notifyState(s State) {
	c.callbackMu.RLock()
	fn := c.onStateChange
	c.callbackMu.RUnlock()

	if fn != nil {
		fn(s)
	}
}

func (c *Client) getObserver() Observer {
	c.callbackMu.RLock()
	defer c.callbackMu.RUnlock()
	return c.observer
}

func (c *Client) observeCommand(name string, d time.Duration, err error) {
	if obs := c.getObserver(); obs != nil {
		obs.ObserveCommand(name, d, err)
	}
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) logDebug(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Debug(msg, args...)
	}
}

func (c *Client) logInfo(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Info(msg, args...)
	}
}

func (c *Client) logWarn(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Warn(msg, args...)
	}
}

func (c *Client) logError(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Error(msg, args...)
	}
}
