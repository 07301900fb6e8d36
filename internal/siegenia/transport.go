package siegenia

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Default transport settings.
const (
	// DefaultPort is the HTTPS port the device listens on.
	DefaultPort = 443

	// websocketPath is the fixed endpoint path on the device.
	websocketPath = "/WebSocket"

	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second

	// maxFrameSize bounds a single inbound frame.
	maxFrameSize = 1 << 20
)

// Endpoint addresses one device.
type Endpoint struct {
	Host string
	Port int
	TLS  bool
}

func (e Endpoint) scheme() string {
	if e.TLS {
		return "wss"
	}
	return "ws"
}

func (e Endpoint) hostPort() string {
	port := e.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(port))
}

// URL returns the WebSocket URL, e.g. wss://192.168.1.50:443/WebSocket.
func (e Endpoint) URL() string {
	return e.scheme() + "://" + e.hostPort() + websocketPath
}

// Origin returns the Origin header value the device expects.
func (e Endpoint) Origin() string {
	return e.scheme() + "://" + e.hostPort()
}

// Session is one open duplex channel to a device.
//
// Implementations must allow WriteFrame and Close to be called from any
// goroutine. ReadFrame is called from a single receive goroutine.
type Session interface {
	// WriteFrame sends one text frame.
	WriteFrame(ctx context.Context, frame []byte) error

	// ReadFrame blocks until the next text frame. Any error means the
	// stream has ended and the session is unusable.
	ReadFrame() ([]byte, error)

	// Close tears the session down. It is safe to call more than once.
	Close() error
}

// Dialer opens sessions. WebSocketDialer is the production implementation.
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint) (Session, error)
}

// WebSocketDialer dials devices with gorilla/websocket.
type WebSocketDialer struct {
	// HandshakeTimeout bounds the TCP, TLS and upgrade handshake.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
}

// Dial opens a session to endpoint.
//
// With TLS enabled the device certificate is NOT verified: controllers use
// self-signed certificates that cannot be chained to a trusted root.
func (d WebSocketDialer) Dial(ctx context.Context, endpoint Endpoint) (Session, error) {
	handshakeTimeout := d.HandshakeTimeout
	if handshakeTimeout == 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = defaultWriteTimeout
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	if endpoint.TLS {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // self-signed device certificates
			MinVersion:         tls.VersionTLS12,
		}
	}

	header := http.Header{}
	header.Set("Origin", endpoint.Origin())

	conn, resp, err := dialer.DialContext(ctx, endpoint.URL(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck // handshake response body
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %w", ErrTransport, endpoint.URL(), err)
	}
	conn.SetReadLimit(maxFrameSize)

	return newWSSession(conn, writeTimeout), nil
}

// wsSession adapts a gorilla connection to Session.
type wsSession struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	// gorilla permits one concurrent writer.
	writeMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newWSSession(conn *websocket.Conn, writeTimeout time.Duration) *wsSession {
	return &wsSession{conn: conn, writeTimeout: writeTimeout}
}

func (s *wsSession) WriteFrame(ctx context.Context, frame []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: session closed", ErrTransport)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: setting write deadline: %w", ErrTransport, err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: writing frame: %w", ErrTransport, err)
	}
	return nil
}

func (s *wsSession) ReadFrame() ([]byte, error) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: reading frame: %w", ErrTransport, err)
		}
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		// WriteControl may run concurrently with WriteMessage.
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

var _ Dialer = WebSocketDialer{}
var _ Session = (*wsSession)(nil)
