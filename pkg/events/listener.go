package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	// notifyWaitSlice bounds each WaitForNotification call so the receive
	// loop periodically drains pending LISTEN/UNLISTEN commands.
	notifyWaitSlice = 100 * time.Millisecond

	reconnectBackoffStart = time.Second
	reconnectBackoffMax   = 30 * time.Second
)

// listenCmd is a LISTEN/UNLISTEN statement executed by the receive loop,
// the only goroutine allowed to touch the pgx connection.
type listenCmd struct {
	sql    string
	result chan error
}

// Listener holds one dedicated Postgres connection in LISTEN mode and
// routes notifications to a sink (the ConnectionManager). LISTEN and
// UNLISTEN requests are serialized through the receive loop because pgx
// connections cannot interleave Exec with WaitForNotification.
type Listener struct {
	connString string
	sink       func(channel string, payload []byte)
	logger     *slog.Logger

	connMu sync.Mutex
	conn   *pgx.Conn

	channelsMu sync.RWMutex
	channels   map[string]bool

	cmdCh   chan listenCmd
	running atomic.Bool

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewListener builds a listener that delivers notifications to sink.
func NewListener(connString string, sink func(channel string, payload []byte), logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		connString: connString,
		sink:       sink,
		logger:     logger.With("component", "notify_listener"),
		channels:   make(map[string]bool),
		cmdCh:      make(chan listenCmd, 16),
	}
}

// Start opens the dedicated connection and begins receiving.
func (l *Listener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("failed to open LISTEN connection: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	l.running.Store(true)

	loopCtx, cancel := context.WithCancel(context.Background())
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	l.logger.Info("Notify listener started")
	return nil
}

// Listen subscribes the connection to a channel. Idempotent.
func (l *Listener) Listen(ctx context.Context, channel string) error {
	l.channelsMu.RLock()
	active := l.channels[channel]
	l.channelsMu.RUnlock()
	if active {
		return nil
	}
	if !l.running.Load() {
		return fmt.Errorf("listener not started")
	}

	if err := l.exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("LISTEN %s: %w", channel, err)
	}
	l.channelsMu.Lock()
	l.channels[channel] = true
	l.channelsMu.Unlock()
	return nil
}

// Unlisten unsubscribes the connection from a channel. Idempotent.
func (l *Listener) Unlisten(ctx context.Context, channel string) error {
	l.channelsMu.RLock()
	active := l.channels[channel]
	l.channelsMu.RUnlock()
	if !active || !l.running.Load() {
		return nil
	}

	if err := l.exec(ctx, "UNLISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("UNLISTEN %s: %w", channel, err)
	}
	l.channelsMu.Lock()
	delete(l.channels, channel)
	l.channelsMu.Unlock()
	return nil
}

// exec routes one statement through the receive loop and waits for it.
func (l *Listener) exec(ctx context.Context, stmt string) error {
	cmd := listenCmd{sql: stmt, result: make(chan error, 1)}
	select {
	case l.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts down the receive loop, then closes the connection.
func (l *Listener) Stop(ctx context.Context) {
	l.running.Store(false)
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
	l.logger.Info("Notify listener stopped")
}

func (l *Listener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.drainCommands(ctx)

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()
		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, notifyWaitSlice)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			l.logger.Error("Notification receive failed", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.sink(notification.Channel, []byte(notification.Payload))
	}
}

func (l *Listener) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-l.cmdCh:
			l.connMu.Lock()
			conn := l.conn
			l.connMu.Unlock()
			if conn == nil {
				cmd.result <- fmt.Errorf("listener connection lost")
				continue
			}
			_, err := conn.Exec(ctx, cmd.sql)
			cmd.result <- err
		default:
			return
		}
	}
}

// reconnect replaces a broken connection and re-issues LISTEN for every
// active channel.
func (l *Listener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	backoff := reconnectBackoffStart
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			l.logger.Error("Listener reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, reconnectBackoffMax)
			continue
		}
		l.conn = conn

		l.channelsMu.RLock()
		for ch := range l.channels {
			if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
				l.logger.Error("Re-LISTEN failed", "channel", ch, "error", err)
			}
		}
		l.channelsMu.RUnlock()

		l.logger.Info("Notify listener reconnected")
		return
	}
}
