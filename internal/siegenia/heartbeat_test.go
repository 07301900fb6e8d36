package siegenia

import (
	"context"
	"testing"
	"time"
)

func TestHeartbeatSendsKeepAlive(t *testing.T) {
	dialer := &fakeDialer{handler: standardDevice(nil)}
	c := newTestClient(t, dialer, func(cfg *Config) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	s := dialer.session(0)
	waitFor(t, "keepAlive requests", func() bool {
		return len(s.commandRequests(CommandKeepAlive)) >= 2
	})

	req := s.commandRequests(CommandKeepAlive)[0]
	if v, ok := req.Map("params").Bool("extend_session"); !ok || !v {
		t.Errorf("keepAlive params = %v, want extend_session=true", req["params"])
	}
}

func TestHeartbeatStartsAfterLogin(t *testing.T) {
	dialer := &fakeDialer{handler: standardDevice(nil)}
	c := newTestClient(t, dialer, func(cfg *Config) {
		cfg.HeartbeatInterval = 10 * time.Millisecond
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	s := dialer.session(0)
	waitFor(t, "keepAlive", func() bool { return len(s.commandRequests(CommandKeepAlive)) > 0 })
	reqs := s.allRequests()
	if reqs[0].String("command") != CommandLogin {
		t.Errorf("first request = %q, want login", reqs[0].String("command"))
	}
}

func TestHeartbeatFailuresAreNotFatal(t *testing.T) {
	dialer := &fakeDialer{handler: func(s *fakeSession, req Document) {
		if req.String("command") == CommandKeepAlive {
			id, _ := frameID(req)
			s.reply(id, "session_expired", nil)
			return
		}
		standardDevice(nil)(s, req)
	}}
	c := newTestClient(t, dialer, func(cfg *Config) {
		cfg.HeartbeatInterval = 15 * time.Millisecond
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	s := dialer.session(0)
	waitFor(t, "repeated keepAlive", func() bool {
		return len(s.commandRequests(CommandKeepAlive)) >= 3
	})
	if !c.Connected() {
		t.Error("heartbeat failure disconnected the client")
	}
	if dialer.dialCount() != 1 {
		t.Errorf("dials = %d, heartbeat must not reconnect", dialer.dialCount())
	}
}

func TestHeartbeatStopsOnClose(t *testing.T) {
	dialer := &fakeDialer{handler: standardDevice(nil)}
	c := newTestClient(t, dialer, func(cfg *Config) {
		cfg.HeartbeatInterval = 10 * time.Millisecond
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	s := dialer.session(0)
	waitFor(t, "keepAlive", func() bool { return len(s.commandRequests(CommandKeepAlive)) > 0 })

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	before := len(s.commandRequests(CommandKeepAlive))
	time.Sleep(50 * time.Millisecond)
	if after := len(s.commandRequests(CommandKeepAlive)); after != before {
		t.Errorf("keepAlive sent after Close: %d -> %d", before, after)
	}
}
