package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-siegenia/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-siegenia/internal/infrastructure/logging"
)

// Feed frame types.
const (
	FeedSubscribe   = "subscribe"
	FeedUnsubscribe = "unsubscribe"
	FeedPing        = "ping"
	FeedPong        = "pong"
	FeedEvent       = "event"
	FeedAck         = "ack"
	FeedError       = "error"
)

// Feed event names.
const (
	EventSnapshot = "device.snapshot"
	EventPush     = "device.push"
)

// FeedAllDevices in a subscribe request follows every device again.
const FeedAllDevices = "*"

const (
	feedQueueSize       = 64
	defaultFeedPing     = 30 * time.Second
	defaultFeedPongWait = 10 * time.Second
)

// FeedMessage is a frame sent to a feed subscriber.
type FeedMessage struct {
	Type     string    `json:"type"`
	Ref      string    `json:"ref,omitempty"`
	Event    string    `json:"event,omitempty"`
	DeviceID string    `json:"device_id,omitempty"`
	Seq      uint64    `json:"seq,omitempty"`
	Time     time.Time `json:"time"`
	Data     any       `json:"data,omitempty"`
}

// feedRequest is a frame received from a subscriber.
type feedRequest struct {
	Type    string   `json:"type"`
	Ref     string   `json:"ref"`
	Devices []string `json:"devices"`
}

// Feed fans device events out to WebSocket subscribers. A new subscriber
// follows every device until it subscribes to specific ids.
type Feed struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}

	seq     atomic.Uint64
	dropped atomic.Uint64
}

type subscriber struct {
	conn  *websocket.Conn
	queue chan []byte

	mu      sync.Mutex
	all     bool
	devices map[string]struct{}
}

// NewFeed creates an empty feed.
func NewFeed(cfg config.WebSocketConfig, logger *logging.Logger) *Feed {
	return &Feed{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every subscriber.
func (f *Feed) Run(ctx context.Context) {
	<-ctx.Done()

	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		close(sub.queue)
		delete(f.subs, sub)
	}
}

// Publish queues an event for every subscriber following deviceID.
// Subscribers with a full queue miss the event.
func (f *Feed) Publish(event, deviceID string, data any) {
	frame, err := json.Marshal(FeedMessage{
		Type:     FeedEvent,
		Event:    event,
		DeviceID: deviceID,
		Seq:      f.seq.Add(1),
		Time:     time.Now().UTC(),
		Data:     data,
	})
	if err != nil {
		f.logger.Error("encoding feed event", "event", event, "device_id", deviceID, "error", err)
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for sub := range f.subs {
		if sub.follows(deviceID) {
			f.enqueue(sub, frame)
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Dropped returns the number of frames not delivered to slow subscribers.
func (f *Feed) Dropped() uint64 {
	return f.dropped.Load()
}

func (f *Feed) add(sub *subscriber) {
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	n := len(f.subs)
	f.mu.Unlock()
	f.logger.Debug("feed subscriber connected", "subscribers", n)
}

// remove unregisters sub. The queue is closed at most once, by whichever
// of remove and Run gets there first.
func (f *Feed) remove(sub *subscriber) {
	f.mu.Lock()
	if _, ok := f.subs[sub]; ok {
		delete(f.subs, sub)
		close(sub.queue)
	}
	n := len(f.subs)
	f.mu.Unlock()
	f.logger.Debug("feed subscriber disconnected", "subscribers", n)
}

// enqueue must be called with f.mu held.
func (f *Feed) enqueue(sub *subscriber, frame []byte) {
	select {
	case sub.queue <- frame:
	default:
		f.dropped.Add(1)
	}
}

// reply sends a control frame to sub if it is still registered.
func (f *Feed) reply(sub *subscriber, msg FeedMessage) {
	msg.Time = time.Now().UTC()
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if _, ok := f.subs[sub]; ok {
		f.enqueue(sub, frame)
	}
}

// newSubscriber returns a subscriber following every device.
func newSubscriber(conn *websocket.Conn, queueSize int) *subscriber {
	return &subscriber{
		conn:    conn,
		queue:   make(chan []byte, queueSize),
		all:     true,
		devices: make(map[string]struct{}),
	}
}

func (sub *subscriber) follows(deviceID string) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.all {
		return true
	}
	_, ok := sub.devices[deviceID]
	return ok
}

// update adds or removes device ids and returns the explicit ids now
// followed, sorted, and whether every device is followed. The first
// subscribe to specific ids leaves all-devices mode; unsubscribing the
// last id follows nothing.
func (sub *subscriber) update(ids []string, follow bool) ([]string, bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for _, id := range ids {
		switch {
		case follow && id == FeedAllDevices:
			sub.all = true
			clear(sub.devices)
		case follow:
			sub.all = false
			sub.devices[id] = struct{}{}
		default:
			delete(sub.devices, id)
		}
	}
	if sub.all {
		return []string{}, true
	}
	out := make([]string, 0, len(sub.devices))
	for id := range sub.devices {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, false
}

// handleWebSocket upgrades the request and attaches it to the feed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.isAllowedOrigin(origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := newSubscriber(conn, feedQueueSize)
	s.feed.add(sub)

	go s.feed.writeLoop(sub)
	go s.feed.readLoop(sub)
}

// timing returns the ping interval and pong wait, applying defaults.
func (f *Feed) timing() (ping, pongWait time.Duration) {
	ping = time.Duration(f.cfg.PingInterval) * time.Second
	pongWait = time.Duration(f.cfg.PongTimeout) * time.Second
	if ping <= 0 {
		ping = defaultFeedPing
	}
	if pongWait <= 0 {
		pongWait = defaultFeedPongWait
	}
	return ping, pongWait
}

func (f *Feed) readLoop(sub *subscriber) {
	defer func() {
		f.remove(sub)
		sub.conn.Close()
	}()

	if f.cfg.MaxMessageSize > 0 {
		sub.conn.SetReadLimit(int64(f.cfg.MaxMessageSize))
	}
	ping, pongWait := f.timing()
	extend := func() error {
		return sub.conn.SetReadDeadline(time.Now().Add(ping + pongWait))
	}
	_ = extend()
	sub.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, raw, err := sub.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.logger.Warn("feed read failed", "error", err)
			}
			return
		}
		_ = extend()
		f.handleRequest(sub, raw)
	}
}

func (f *Feed) writeLoop(sub *subscriber) {
	ping, pongWait := f.timing()
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		var (
			msgType = websocket.PingMessage
			payload []byte
		)
		select {
		case frame, ok := <-sub.queue:
			if !ok {
				_ = sub.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(pongWait))
				return
			}
			msgType, payload = websocket.TextMessage, frame
		case <-ticker.C:
		}

		_ = sub.conn.SetWriteDeadline(time.Now().Add(pongWait))
		if err := sub.conn.WriteMessage(msgType, payload); err != nil {
			return
		}
	}
}

func (f *Feed) handleRequest(sub *subscriber, raw []byte) {
	var req feedRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		f.reply(sub, FeedMessage{Type: FeedError, Data: map[string]string{"message": "invalid JSON message"}})
		return
	}

	switch req.Type {
	case FeedSubscribe, FeedUnsubscribe:
		if len(req.Devices) == 0 {
			f.reply(sub, FeedMessage{Type: FeedError, Ref: req.Ref, Data: map[string]string{"message": "devices is required"}})
			return
		}
		following, all := sub.update(req.Devices, req.Type == FeedSubscribe)
		f.reply(sub, FeedMessage{Type: FeedAck, Ref: req.Ref, Data: map[string]any{"devices": following, "all": all}})
	case FeedPing:
		f.reply(sub, FeedMessage{Type: FeedPong, Ref: req.Ref})
	default:
		f.reply(sub, FeedMessage{Type: FeedError, Ref: req.Ref, Data: map[string]string{"message": "unknown message type: " + req.Type}})
	}
}
