package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/codelia/codelia/pkg/models"
)

const (
	// catchupLimit caps how many logged events a catch-up replays. Past
	// that the client is told to reload via the REST surface.
	catchupLimit = 200

	// listenTimeout bounds the synchronous LISTEN issued for a channel's
	// first subscriber, so a stalled connection cannot wedge the client's
	// read loop.
	listenTimeout = 10 * time.Second

	defaultWriteTimeout = 10 * time.Second
)

// CatchupSource reads the durable event log for catch-up replays. Both
// scheduler backends satisfy it.
type CatchupSource interface {
	ListEventsAfter(ctx context.Context, runID string, afterSeq int64, limit int) ([]*models.RunEvent, error)
}

// ChannelListener is the Postgres LISTEN surface the manager drives as
// subscribers come and go. Nil on the in-memory backend, where Broadcast is
// fed directly.
type ChannelListener interface {
	Listen(ctx context.Context, channel string) error
	Unlisten(ctx context.Context, channel string) error
}

// ConnectionManager tracks WebSocket connections and their channel
// subscriptions, fans broadcasts out to subscribers, and serves catch-up
// replays from the event log.
type ConnectionManager struct {
	source       CatchupSource
	writeTimeout time.Duration
	logger       *slog.Logger

	mu          sync.RWMutex
	connections map[string]*wsConn

	channelMu sync.RWMutex
	channels  map[string]map[string]bool

	listenerMu sync.RWMutex
	listener   ChannelListener
}

// wsConn is one client connection. subscriptions is only touched by the
// goroutine running HandleConnection, so it needs no lock.
type wsConn struct {
	id            string
	conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager builds a manager that replays history from source.
// A non-positive writeTimeout selects the default.
func NewConnectionManager(source CatchupSource, writeTimeout time.Duration, logger *slog.Logger) *ConnectionManager {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionManager{
		source:       source,
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "connection_manager"),
		connections:  make(map[string]*wsConn),
		channels:     make(map[string]map[string]bool),
	}
}

// SetListener attaches the Postgres LISTEN driver. Called once at startup;
// never called on the in-memory backend.
func (m *ConnectionManager) SetListener(l ChannelListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// HandleConnection owns one upgraded WebSocket until it closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &wsConn{
		id:            uuid.NewString(),
		conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.id,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("Invalid client message", "connection_id", c.id, "error", err)
			continue
		}
		m.handleMessage(ctx, c, &msg)
	}
}

// Broadcast delivers a payload to every local subscriber of a channel.
func (m *ConnectionManager) Broadcast(channel string, payload []byte) {
	m.channelMu.RLock()
	subs := m.channels[channel]
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	m.channelMu.RUnlock()
	if len(ids) == 0 {
		return
	}

	// Snapshot pointers first so slow writes never hold the registry lock.
	m.mu.RLock()
	conns := make([]*wsConn, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if err := m.send(c, payload); err != nil {
			m.logger.Warn("Broadcast send failed", "connection_id", c.id, "error", err)
		}
	}
}

// BroadcastRunEvent encodes and delivers one run event to the run's channel
// subscribers. The in-memory scheduler's notifier hook calls this.
func (m *ConnectionManager) BroadcastRunEvent(ev *models.RunEvent) {
	payload, err := EncodeRunEvent(ev)
	if err != nil {
		m.logger.Error("Failed to encode run event", "run_id", ev.RunID, "error", err)
		return
	}
	m.Broadcast(RunChannel(ev.RunID), payload)
}

// ActiveConnections returns the number of connected clients.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount is polled by tests.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel])
}

func (m *ConnectionManager) handleMessage(ctx context.Context, c *wsConn, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		if err := m.subscribe(c, msg.Channel); err != nil {
			m.sendJSON(c, map[string]string{
				"type":    "subscription.error",
				"channel": msg.Channel,
				"message": "failed to subscribe to channel",
			})
			return
		}
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})
		// Replay history before relying on pushes so late subscribers
		// miss nothing.
		m.catchup(ctx, c, msg.Channel, lastSeqOf(msg))

	case "unsubscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Channel)

	case "catchup":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for catchup"})
			return
		}
		m.catchup(ctx, c, msg.Channel, lastSeqOf(msg))

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

func lastSeqOf(msg *ClientMessage) int64 {
	if msg.LastSeq != nil {
		return *msg.LastSeq
	}
	return -1
}

// subscribe registers the connection and, for a channel's first subscriber,
// issues LISTEN synchronously. Finishing LISTEN before the catch-up replay
// starts closes the window where an event could slip between the two.
func (m *ConnectionManager) subscribe(c *wsConn, channel string) error {
	m.channelMu.Lock()
	needsListen := false
	if _, exists := m.channels[channel]; !exists {
		m.channels[channel] = make(map[string]bool)
		needsListen = true
	}
	m.channels[channel][c.id] = true
	m.channelMu.Unlock()

	if needsListen {
		m.listenerMu.RLock()
		l := m.listener
		m.listenerMu.RUnlock()
		if l != nil {
			listenCtx, cancel := context.WithTimeout(context.Background(), listenTimeout)
			defer cancel()
			if err := l.Listen(listenCtx, channel); err != nil {
				m.logger.Error("LISTEN failed", "channel", channel, "error", err)
				m.dropFailedChannel(c, channel)
				return fmt.Errorf("listen on channel %s: %w", channel, err)
			}
		}
	}

	c.subscriptions[channel] = true
	return nil
}

// dropFailedChannel unwinds every registration for a channel whose LISTEN
// failed. Connections that piggybacked on the pending channel entry believed
// they were subscribed; they get an explicit subscription.error so they can
// re-subscribe or fall back to polling.
func (m *ConnectionManager) dropFailedChannel(triggering *wsConn, channel string) {
	m.channelMu.Lock()
	var affected []string
	for id := range m.channels[channel] {
		if id != triggering.id {
			affected = append(affected, id)
		}
	}
	delete(m.channels, channel)
	m.channelMu.Unlock()

	if len(affected) == 0 {
		return
	}

	m.mu.RLock()
	conns := make([]*wsConn, 0, len(affected))
	for _, id := range affected {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		m.sendJSON(c, map[string]string{
			"type":    "subscription.error",
			"channel": channel,
			"message": "channel listen failed; subscription removed",
		})
	}
}

// unsubscribe removes the registration and, when the last subscriber leaves,
// UNLISTENs in the background. The goroutine re-checks the registry first so
// a rapid unsubscribe/resubscribe cycle cannot drop an active LISTEN.
func (m *ConnectionManager) unsubscribe(c *wsConn, channel string) {
	m.channelMu.Lock()
	if subs, exists := m.channels[channel]; exists {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(m.channels, channel)
			m.listenerMu.RLock()
			l := m.listener
			m.listenerMu.RUnlock()
			if l != nil {
				go func() {
					m.channelMu.RLock()
					_, resubscribed := m.channels[channel]
					m.channelMu.RUnlock()
					if resubscribed {
						return
					}
					if err := l.Unlisten(context.Background(), channel); err != nil {
						m.logger.Error("UNLISTEN failed", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	m.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

// catchup replays logged events with seq past lastSeq. Only per-run channels
// have history; the global channel is push-only.
func (m *ConnectionManager) catchup(ctx context.Context, c *wsConn, channel string, lastSeq int64) {
	runID, ok := RunIDFromChannel(channel)
	if !ok || m.source == nil {
		return
	}

	evs, err := m.source.ListEventsAfter(ctx, runID, lastSeq, catchupLimit+1)
	if err != nil {
		m.logger.Error("Catch-up query failed", "run_id", runID, "error", err)
		return
	}
	hasMore := len(evs) > catchupLimit
	if hasMore {
		evs = evs[:catchupLimit]
	}

	for _, ev := range evs {
		payload, err := EncodeRunEvent(ev)
		if err != nil {
			continue
		}
		if err := m.send(c, payload); err != nil {
			m.logger.Warn("Catch-up send failed", "connection_id", c.id, "error", err)
			return
		}
	}

	if hasMore {
		m.sendJSON(c, map[string]any{
			"type":     "catchup.overflow",
			"channel":  channel,
			"has_more": true,
		})
	}
}

func (m *ConnectionManager) register(c *wsConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.id] = c
}

func (m *ConnectionManager) unregister(c *wsConn) {
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}

	m.mu.Lock()
	delete(m.connections, c.id)
	m.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendJSON(c *wsConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("Failed to marshal message", "connection_id", c.id, "error", err)
		return
	}
	if err := m.send(c, data); err != nil {
		m.logger.Warn("Failed to send message", "connection_id", c.id, "error", err)
	}
}

func (m *ConnectionManager) send(c *wsConn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}
