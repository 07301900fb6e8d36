package siegenia

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

var errSocketDropped = errors.New("socket dropped")

// deviceFunc plays the device side: it is called for every written request.
type deviceFunc func(s *fakeSession, req Document)

// fakeSession is an in-memory Session driven by a deviceFunc.
type fakeSession struct {
	handler deviceFunc
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu         sync.Mutex
	requests   []Document
	failWrites int
}

func newFakeSession(handler deviceFunc) *fakeSession {
	return &fakeSession{
		handler: handler,
		inbound: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

func (s *fakeSession) WriteFrame(_ context.Context, frame []byte) error {
	select {
	case <-s.closed:
		return errSocketDropped
	default:
	}

	s.mu.Lock()
	if s.failWrites > 0 {
		s.failWrites--
		s.mu.Unlock()
		return errSocketDropped
	}
	var req Document
	if err := json.Unmarshal(frame, &req); err != nil {
		s.mu.Unlock()
		return err
	}
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if s.handler != nil {
		s.handler(s, req)
	}
	return nil
}

func (s *fakeSession) ReadFrame() ([]byte, error) {
	select {
	case frame := <-s.inbound:
		return frame, nil
	case <-s.closed:
		return nil, errSocketDropped
	}
}

func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// drop simulates the device closing the socket.
func (s *fakeSession) drop() {
	_ = s.Close()
}

func (s *fakeSession) failNextWrites(n int) {
	s.mu.Lock()
	s.failWrites = n
	s.mu.Unlock()
}

func (s *fakeSession) sendRaw(raw string) {
	s.inbound <- []byte(raw)
}

func (s *fakeSession) send(frame map[string]any) {
	data, err := json.Marshal(frame)
	if err != nil {
		panic(err)
	}
	s.inbound <- data
}

func (s *fakeSession) reply(id int64, status string, data any) {
	frame := map[string]any{"id": id, "status": status}
	if data != nil {
		frame["data"] = data
	}
	s.send(frame)
}

func (s *fakeSession) commandRequests(command string) []Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Document
	for _, r := range s.requests {
		if r.String("command") == command {
			out = append(out, r)
		}
	}
	return out
}

func (s *fakeSession) allRequests() []Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Document(nil), s.requests...)
}

// fakeDialer hands out fakeSessions.
type fakeDialer struct {
	handler deviceFunc

	mu       sync.Mutex
	dials    int
	dialErr  error
	delay    time.Duration
	sessions []*fakeSession
}

func (d *fakeDialer) Dial(ctx context.Context, _ Endpoint) (Session, error) {
	d.mu.Lock()
	d.dials++
	err := d.dialErr
	delay := d.delay
	handler := d.handler
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s := newFakeSession(handler)
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) session(i int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 {
		i = len(d.sessions) + i
	}
	if i < 0 || i >= len(d.sessions) {
		return nil
	}
	return d.sessions[i]
}

func (d *fakeDialer) setHandler(handler deviceFunc) {
	d.mu.Lock()
	d.handler = handler
	d.mu.Unlock()
}

func (d *fakeDialer) setDialErr(err error) {
	d.mu.Lock()
	d.dialErr = err
	d.mu.Unlock()
}

// standardDevice answers login and keepAlive, and any command in
// responses with status ok. Other commands are left unanswered.
func standardDevice(responses map[string]any) deviceFunc {
	return func(s *fakeSession, req Document) {
		id, _ := frameID(req)
		switch cmd := req.String("command"); cmd {
		case CommandLogin:
			s.reply(id, StatusOK, map[string]any{"token": "session-token"})
		case CommandKeepAlive:
			s.reply(id, StatusOK, nil)
		default:
			if data, ok := responses[cmd]; ok {
				s.reply(id, StatusOK, data)
			}
		}
	}
}

func newTestClient(t *testing.T, dialer *fakeDialer, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		Host:              "device.local",
		Username:          "admin",
		Password:          "secret",
		HeartbeatInterval: time.Hour,
		RequestTimeout:    time.Second,
		Dialer:            dialer,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recordingObserver counts Observer events.
type recordingObserver struct {
	mu         sync.Mutex
	commands   map[string]int
	failures   int
	reconnects int
	pushes     int
	connected  []bool
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{commands: make(map[string]int)}
}

func (o *recordingObserver) ObserveCommand(command string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.commands[command]++
	if err != nil {
		o.failures++
	}
}

func (o *recordingObserver) ObserveReconnect() {
	o.mu.Lock()
	o.reconnects++
	o.mu.Unlock()
}

func (o *recordingObserver) ObservePush() {
	o.mu.Lock()
	o.pushes++
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveConnection(connected bool) {
	o.mu.Lock()
	o.connected = append(o.connected, connected)
	o.mu.Unlock()
}
