package poller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-siegenia/internal/siegenia"
)

var errSessionClosed = errors.New("session closed")

// scriptedSession answers like a device that rejects getDeviceParams and
// holds setDeviceParams replies until release is called.
type scriptedSession struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu   sync.Mutex
	held []float64
}

func newScriptedSession() *scriptedSession {
	return &scriptedSession{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (s *scriptedSession) WriteFrame(_ context.Context, frame []byte) error {
	select {
	case <-s.closed:
		return errSessionClosed
	default:
	}

	var req map[string]any
	if err := json.Unmarshal(frame, &req); err != nil {
		return err
	}
	id, _ := req["id"].(float64)

	switch req["command"] {
	case siegenia.CommandLogin:
		s.reply(id, siegenia.StatusOK, map[string]any{"token": "session-token"})
	case siegenia.CommandGetDeviceParams:
		s.reply(id, "not_supported", nil)
	case siegenia.CommandSetDeviceParams:
		s.mu.Lock()
		s.held = append(s.held, id)
		s.mu.Unlock()
	default:
		s.reply(id, siegenia.StatusOK, map[string]any{})
	}
	return nil
}

func (s *scriptedSession) ReadFrame() ([]byte, error) {
	select {
	case frame := <-s.inbound:
		return frame, nil
	case <-s.closed:
		return nil, errSessionClosed
	}
}

func (s *scriptedSession) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *scriptedSession) reply(id float64, status string, data any) {
	frame := map[string]any{"id": id, "status": status}
	if data != nil {
		frame["data"] = data
	}
	raw, _ := json.Marshal(frame)
	s.inbound <- raw
}

func (s *scriptedSession) heldCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

func (s *scriptedSession) release() {
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.mu.Unlock()
	for _, id := range held {
		s.reply(id, siegenia.StatusOK, map[string]any{})
	}
}

type scriptedDialer struct {
	mu       sync.Mutex
	sessions []*scriptedSession
}

func (d *scriptedDialer) Dial(context.Context, siegenia.Endpoint) (siegenia.Session, error) {
	s := newScriptedSession()
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

func (d *scriptedDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *scriptedDialer) first() *scriptedSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[0]
}

// A device status error during refresh must not tear down a healthy session
// or fail commands that are in flight on it.
func TestRefreshDeviceErrorKeepsSession(t *testing.T) {
	dialer := &scriptedDialer{}
	client, err := siegenia.New(siegenia.Config{
		Host:              "device.local",
		Username:          "admin",
		Password:          "secret",
		HeartbeatInterval: time.Hour,
		RequestTimeout:    2 * time.Second,
		Dialer:            dialer,
	})
	if err != nil {
		t.Fatalf("siegenia.New() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	setErr := make(chan error, 1)
	go func() {
		_, err := client.SetDeviceParams(ctx, siegenia.Document{"fanlevel": 1})
		setErr <- err
	}()

	session := dialer.first()
	deadline := time.Now().Add(2 * time.Second)
	for session.heldCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("setDeviceParams never reached the device")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c := newTestCoordinator(t, client)
	snap, err := c.Refresh(ctx)
	if !errors.Is(err, ErrRefreshFailed) || !errors.Is(err, siegenia.ErrDevice) {
		t.Fatalf("Refresh() error = %v, want refresh failure wrapping the device error", err)
	}
	if !snap.Stale {
		t.Error("snapshot not marked stale")
	}
	if n := dialer.dials(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}

	session.release()
	select {
	case err := <-setErr:
		if err != nil {
			t.Errorf("in-flight SetDeviceParams error = %v, want success", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight SetDeviceParams never completed")
	}
	if !client.Connected() {
		t.Error("client disconnected after device error")
	}
}
