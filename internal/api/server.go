package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-siegenia/internal/audit"
	"github.com/nerrad567/gray-logic-siegenia/internal/bridge"
	"github.com/nerrad567/gray-logic-siegenia/internal/device"
	"github.com/nerrad567/gray-logic-siegenia/internal/history"
	"github.com/nerrad567/gray-logic-siegenia/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-siegenia/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-siegenia/internal/metrics"
	"github.com/nerrad567/gray-logic-siegenia/internal/poller"
	"github.com/nerrad567/gray-logic-siegenia/internal/siegenia"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// defaultCommandTimeout bounds params writes and actions issued over HTTP.
const defaultCommandTimeout = 15 * time.Second

// HistoryReader lists recorded snapshots.
type HistoryReader interface {
	List(ctx context.Context, deviceID string, limit int) ([]history.Entry, error)
}

// AuditStore records and lists executed commands.
type AuditStore interface {
	Create(ctx context.Context, entry *audit.Entry) error
	List(ctx context.Context, filter audit.Filter) (*audit.ListResult, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Registry *device.Registry

	// Optional.
	History        HistoryReader
	Audit          AuditStore
	Metrics        *metrics.Metrics
	Health         func() bridge.HealthMessage
	CommandTimeout time.Duration
	Version        string
}

// Server is the HTTP API server.
//
// The feed exists from New onwards so snapshot listeners can be wired
// before Start.
type Server struct {
	cfg            config.APIConfig
	wsCfg          config.WebSocketConfig
	logger         *logging.Logger
	registry       *device.Registry
	history        HistoryReader
	audit          AuditStore
	metrics        *metrics.Metrics
	health         func() bridge.HealthMessage
	commandTimeout time.Duration
	version        string
	started        time.Time

	feed     *Feed
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.CommandTimeout <= 0 {
		deps.CommandTimeout = defaultCommandTimeout
	}

	return &Server{
		cfg:            deps.Config,
		wsCfg:          deps.WS,
		logger:         deps.Logger,
		registry:       deps.Registry,
		history:        deps.History,
		audit:          deps.Audit,
		metrics:        deps.Metrics,
		health:         deps.Health,
		commandTimeout: deps.CommandTimeout,
		version:        deps.Version,
		started:        time.Now(),
		feed:           NewFeed(deps.WS, deps.Logger),
	}, nil
}

// SetHealth replaces the health source. Call before Start.
func (s *Server) SetHealth(fn func() bridge.HealthMessage) {
	s.health = fn
}

// Feed returns the WebSocket event feed.
func (s *Server) Feed() *Feed {
	return s.feed
}

// BroadcastSnapshot publishes snap to the feed as a device.snapshot event.
func (s *Server) BroadcastSnapshot(snap poller.Snapshot) {
	s.feed.Publish(EventSnapshot, snap.DeviceID, snap)
}

// BroadcastPush publishes an unsolicited device frame as a device.push event.
func (s *Server) BroadcastPush(deviceID string, frame siegenia.Document) {
	s.feed.Publish(EventPush, deviceID, frame)
}

// Start binds the listener and serves requests in a background goroutine.
// The listener is bound synchronously so a busy port is reported here.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.feed.Run(srvCtx)

	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	s.logger.Info("API server listening", "address", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down", "feed_dropped", s.feed.Dropped())
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
