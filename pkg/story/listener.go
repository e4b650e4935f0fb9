package story

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// PublishChannel is the Postgres NOTIFY channel the external publishing
// tool pings after installing a new pack file. The payload is the
// story id (informational; the registry reloads the whole directory).
const PublishChannel = "story_pack_events"

// Listener holds a dedicated LISTEN connection and reloads the registry
// whenever a publication event arrives. SQLite deployments run without
// one; their pack cache lives for the process lifetime.
type Listener struct {
	connString string
	registry   *Registry

	connMu sync.Mutex
	conn   *pgx.Conn

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewListener creates a listener bound to the given registry.
func NewListener(connString string, registry *Registry) *Listener {
	return &Listener{connString: connString, registry: registry}
}

// Start establishes the dedicated connection, issues LISTEN and begins
// the receive loop.
func (l *Listener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("connect for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{PublishChannel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("LISTEN %s: %w", PublishChannel, err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("Story pack listener started", "channel", PublishChannel)
	return nil
}

// receiveLoop is the sole goroutine touching the pgx connection.
func (l *Listener) receiveLoop(ctx context.Context) {
	for {
		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		if conn == nil {
			if !l.reconnect(ctx) {
				return
			}
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Story pack NOTIFY receive error", "error", err)
			l.dropConn(ctx)
			continue
		}

		slog.Info("Story pack publication event", "story_id", notification.Payload)
		if err := l.registry.Reload(); err != nil {
			// Keep serving the previous cache; the publisher can re-ping.
			slog.Error("Story registry reload failed", "error", err)
		}
	}
}

func (l *Listener) dropConn(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}

// reconnect re-establishes the LISTEN connection with exponential
// backoff. Returns false when the context is cancelled.
func (l *Listener) reconnect(ctx context.Context) bool {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			slog.Error("Story pack LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{PublishChannel}.Sanitize()); err != nil {
			slog.Error("Re-LISTEN failed", "error", err)
			_ = conn.Close(ctx)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		l.connMu.Lock()
		l.conn = conn
		l.connMu.Unlock()

		slog.Info("Story pack listener reconnected")
		return true
	}
}

// Stop signals the receive loop to exit, waits for it, then closes the
// connection.
func (l *Listener) Stop(ctx context.Context) {
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}
	l.dropConn(ctx)
}
