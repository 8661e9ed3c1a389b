package ws

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/thiesgerken/carapace/internal/domain/channel"
)

// conn is one live WebSocket connection scoped to a single session. It
// implements channel.Channel: writes are serialised with a mutex
// (gorilla allows one concurrent writer), and the connection context is
// cancelled on disconnect so approval waits and agent turns unwind.
type conn struct {
	ws        *websocket.Conn
	sessionID string
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	turnMu     sync.Mutex
	turnActive bool
}

// Compile-time check that conn implements channel.Channel.
var _ channel.Channel = (*conn)(nil)

func newConn(ws *websocket.Conn, sessionID string, logger *slog.Logger) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		ws:        ws,
		sessionID: sessionID,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Send implements channel.Sender.
func (c *conn) Send(ctx context.Context, env channel.ServerEnvelope) error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(env)
}

// send is the fire-and-forget variant used by the read loop.
func (c *conn) send(env channel.ServerEnvelope) {
	if err := c.Send(c.ctx, env); err != nil {
		c.logger.Debug("channel send failed", "session_id", c.sessionID, "error", err)
	}
}

// Close implements channel.Channel.
func (c *conn) Close() error {
	c.cancel()
	return c.ws.Close()
}

func (c *conn) close() {
	_ = c.Close()
}

// beginTurn claims the connection's single agent-turn slot.
func (c *conn) beginTurn() bool {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	if c.turnActive {
		return false
	}
	c.turnActive = true
	return true
}

func (c *conn) endTurn() {
	c.turnMu.Lock()
	c.turnActive = false
	c.turnMu.Unlock()
}
