package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ============================================================================
// State feed over websocket
// ============================================================================
// FeedHub owns the subscriber set inside Run; nothing else touches it.
// Subscribers each get a bounded queue drained by their own write loop. A
// subscriber whose queue is full when a frame arrives is evicted.
//
// A new subscriber's first frame is always state_init. The snapshot is taken
// through the router's event channel before the subscriber joins the hub.
// ============================================================================

// envelope is the wire format for state events (websocket and MQTT).
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

const (
	defaultSubscriberQueue = 32
	defaultHubFrameQueue   = 128

	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second

	// Subscribers never send anything meaningful.
	maxInboundFrame = 512

	snapshotTimeout = time.Second
)

// FeedHubConfig sizes the hub queues. Zero values use the defaults.
type FeedHubConfig struct {
	SubscriberQueue int
	FrameQueue      int
}

// FeedHub fans pre-serialized frames out to websocket subscribers.
type FeedHub struct {
	logger   *slog.Logger
	queueLen int

	frames chan []byte
	joins  chan *feedSubscriber
	leaves chan *feedSubscriber

	subscribers atomic.Int32
}

func NewFeedHub(logger *slog.Logger, cfg FeedHubConfig) *FeedHub {
	if cfg.SubscriberQueue <= 0 {
		cfg.SubscriberQueue = defaultSubscriberQueue
	}
	if cfg.FrameQueue <= 0 {
		cfg.FrameQueue = defaultHubFrameQueue
	}
	return &FeedHub{
		logger:   logger,
		queueLen: cfg.SubscriberQueue,
		frames:   make(chan []byte, cfg.FrameQueue),
		joins:    make(chan *feedSubscriber, 16),
		leaves:   make(chan *feedSubscriber, 16),
	}
}

// Run serves joins, leaves and frames until ctx is canceled, then shuts every
// subscriber down.
func (h *FeedHub) Run(ctx context.Context) error {
	subs := make(map[*feedSubscriber]struct{})
	defer func() {
		for s := range subs {
			s.shutdown()
		}
		h.subscribers.Store(0)
		h.logger.Debug("state feed hub stopped", "dropped_subscribers", len(subs))
	}()

	drop := func(s *feedSubscriber, reason string) {
		if _, ok := subs[s]; !ok {
			return
		}
		delete(subs, s)
		s.shutdown()
		h.logger.Info("state feed subscriber left", "subscriber", s.id, "remote_addr", s.remote, "reason", reason, "subscribers", len(subs))
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case s := <-h.joins:
			subs[s] = struct{}{}
			h.logger.Info("state feed subscriber joined", "subscriber", s.id, "remote_addr", s.remote, "subscribers", len(subs))

		case s := <-h.leaves:
			drop(s, "disconnected")

		case frame := <-h.frames:
			for s := range subs {
				if !s.offer(frame) {
					drop(s, "slow_subscriber")
				}
			}
		}
		h.subscribers.Store(int32(len(subs)))
	}
}

// Subscribers returns the subscriber count as of the last hub iteration.
func (h *FeedHub) Subscribers() int {
	return int(h.subscribers.Load())
}

// Deliver implements BroadcastSink. It never blocks; a full hub queue drops
// the frame.
func (h *FeedHub) Deliver(eventType string, frame []byte) {
	select {
	case h.frames <- frame:
	default:
		h.logger.Warn("state feed queue full, dropping frame", "type", eventType, "bytes", len(frame))
	}
}

// feedSubscriber is one websocket connection on the state feed.
type feedSubscriber struct {
	id     string
	remote string
	conn   *websocket.Conn
	logger *slog.Logger

	queue chan []byte

	done     chan struct{}
	doneOnce sync.Once
}

func newFeedSubscriber(conn *websocket.Conn, remote string, queueLen int, logger *slog.Logger) *feedSubscriber {
	return &feedSubscriber{
		id:     uuid.NewString(),
		remote: remote,
		conn:   conn,
		logger: logger,
		queue:  make(chan []byte, queueLen),
		done:   make(chan struct{}),
	}
}

// offer queues a frame without blocking and reports whether it fit.
func (s *feedSubscriber) offer(frame []byte) bool {
	select {
	case s.queue <- frame:
		return true
	default:
		return false
	}
}

// shutdown tells the write loop to say goodbye and close the connection.
func (s *feedSubscriber) shutdown() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *feedSubscriber) writeLoop() {
	keepalive := time.NewTicker(pingPeriod)
	defer keepalive.Stop()
	defer s.conn.Close()

	for {
		var err error
		select {
		case <-s.done:
			bye := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
			_ = s.conn.WriteControl(websocket.CloseMessage, bye, time.Now().Add(writeWait))
			return

		case frame := <-s.queue:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err = s.conn.WriteMessage(websocket.TextMessage, frame)

		case <-keepalive.C:
			err = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		}
		if err != nil {
			s.logExit("write", err)
			return
		}
	}
}

// readLoop only services control frames; any read error ends the
// subscription.
func (s *feedSubscriber) readLoop(leaves chan<- *feedSubscriber) {
	s.conn.SetReadLimit(maxInboundFrame)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			s.logExit("read", err)
			select {
			case leaves <- s:
			case <-s.done:
			}
			return
		}
	}
}

func (s *feedSubscriber) logExit(loop string, err error) {
	var ce *websocket.CloseError
	switch {
	case errors.Is(err, websocket.ErrCloseSent), errors.Is(err, net.ErrClosed):
		return
	case errors.As(err, &ce):
		s.logger.Debug("state feed "+loop+" loop closed by peer", "subscriber", s.id, "code", ce.Code, "reason", ce.Text)
	default:
		s.logger.Debug("state feed "+loop+" loop exiting", "subscriber", s.id, "error", err)
	}
}

// StateServer is the websocket endpoint of the state feed.
type StateServer struct {
	logger *slog.Logger
	hub    *FeedHub

	// Snapshot requests for state_init go to the router. Nil skips state_init.
	events chan<- Event
}

func NewStateServer(logger *slog.Logger, hub *FeedHub, events chan<- Event) *StateServer {
	return &StateServer{logger: logger, hub: hub, events: events}
}

var upgrader = websocket.Upgrader{
	// The feed is read-only and usually consumed from a local overlay page.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *StateServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("state feed upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	sub := newFeedSubscriber(conn, r.RemoteAddr, s.hub.queueLen, s.logger)

	if frame, err := s.stateInit(r.Context()); err != nil {
		s.logger.Warn("state feed snapshot unavailable", "subscriber", sub.id, "error", err)
	} else if frame != nil {
		sub.offer(frame)
	}

	select {
	case s.hub.joins <- sub:
	case <-r.Context().Done():
		_ = conn.Close()
		return
	}

	go sub.writeLoop()
	go sub.readLoop(s.hub.leaves)
}

// stateInit builds the state_init frame from a fresh router snapshot.
func (s *StateServer) stateInit(ctx context.Context) ([]byte, error) {
	if s.events == nil {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	snap, err := requestSnapshot(ctx, s.events)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return json.Marshal(envelope{Type: feedStateInit, Ts: &now, Data: snap})
}

// requestSnapshot round-trips a RequestStateSnapshot through the router.
func requestSnapshot(ctx context.Context, events chan<- Event) (StateSnapshot, error) {
	reply := make(chan StateSnapshot, 1)
	if !sendEvent(ctx, events, stamp(RequestStateSnapshot{Reply: reply})) {
		return StateSnapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	}
}
