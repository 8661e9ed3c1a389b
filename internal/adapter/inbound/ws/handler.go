// Package ws is the WebSocket data-plane adapter: one authenticated
// connection per session, carrying chat, slash commands, and approval
// round trips. The connection implements the channel abstraction the
// approval gate sends on.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/thiesgerken/carapace/internal/auth"
	"github.com/thiesgerken/carapace/internal/domain/approval"
	"github.com/thiesgerken/carapace/internal/domain/channel"
	"github.com/thiesgerken/carapace/internal/domain/session"
	"github.com/thiesgerken/carapace/internal/service"
)

// Handler upgrades /chat/{id} requests and runs the per-connection loop.
type Handler struct {
	manager   *session.Manager
	agent     *service.AgentService
	commands  *service.CommandService
	approvals *approval.Gate
	token     string
	active    func(delta int) // active-channel gauge hook, may be nil
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// NewHandler builds the WebSocket handler.
func NewHandler(manager *session.Manager, agent *service.AgentService,
	commands *service.CommandService, approvals *approval.Gate,
	token string, active func(delta int), logger *slog.Logger) *Handler {
	return &Handler{
		manager:   manager,
		agent:     agent,
		commands:  commands,
		approvals: approvals,
		token:     token,
		active:    active,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The bearer token authenticates the connection; cross-origin
			// browser clients present it explicitly.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP authenticates and upgrades one chat connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authenticate(r) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	sessionID := r.PathValue("id")
	st, err := h.manager.Peek(sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if st.Retired {
		http.Error(w, "session retired", http.StatusGone)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if err := h.manager.Touch(sessionID); err != nil {
		h.logger.Warn("session touch failed", "session_id", sessionID, "error", err)
	}

	c := newConn(ws, sessionID, h.logger)
	if h.active != nil {
		h.active(1)
		defer h.active(-1)
	}
	h.logger.Info("channel connected", "session_id", sessionID)
	h.serve(c)
	h.logger.Info("channel disconnected", "session_id", sessionID)
}

// authenticate accepts the token from the ?token query parameter or the
// Authorization header.
func (h *Handler) authenticate(r *http.Request) bool {
	if t := r.URL.Query().Get("token"); t != "" && auth.Verify(h.token, t) {
		return true
	}
	header := r.Header.Get("Authorization")
	if t, ok := strings.CutPrefix(header, "Bearer "); ok && auth.Verify(h.token, t) {
		return true
	}
	return false
}

// serve runs the connection's read loop until disconnect. Approval
// responses resolve pending waits directly; commands run in their own
// goroutine so they can take the session lock without stalling the read
// loop; chat messages start at most one agent turn at a time.
func (h *Handler) serve(c *conn) {
	defer c.close()

	var turnWG sync.WaitGroup
	defer turnWG.Wait()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			// Disconnect cancels the in-flight turn and any approval wait.
			c.cancel()
			return
		}

		env, err := channel.ParseClientMessage(data)
		if err != nil {
			c.send(channel.NewError(err.Error()))
			continue
		}

		switch {
		case env.Approval != nil:
			// Late or unmatched responses are discarded by the gate.
			h.approvals.Resolve(env.Approval.ToolCallID, env.Approval.Approved)

		case env.Command != nil:
			line := "/" + env.Command.Name
			if len(env.Command.Args) > 0 {
				line += " " + strings.Join(env.Command.Args, " ")
			}
			h.runCommand(c, line)

		case env.Message != nil:
			content := strings.TrimSpace(env.Message.Content)
			if content == "" {
				continue
			}
			if strings.HasPrefix(content, "/") {
				h.runCommand(c, content)
				continue
			}
			if !c.beginTurn() {
				c.send(channel.NewError("an agent turn is already in flight for this session"))
				continue
			}
			turnWG.Add(1)
			go func() {
				defer turnWG.Done()
				defer c.endTurn()
				h.runTurn(c, content)
			}()
		}
	}
}

// runCommand executes a slash command off the read loop. Mutating
// commands acquire the session lock themselves and therefore queue
// behind an in-flight turn.
func (h *Handler) runCommand(c *conn, line string) {
	go func() {
		env := h.commands.Execute(c.ctx, c.sessionID, line)
		c.send(env)
	}()
}

// runTurn opens the session under its exclusive lock and runs one agent
// turn. The lock is held across the whole turn including approval waits.
func (h *Handler) runTurn(c *conn, content string) {
	handle, err := h.manager.Open(c.ctx, c.sessionID)
	if err != nil {
		if errors.Is(err, session.ErrGone) {
			c.send(channel.NewError("session gone"))
		} else if !errors.Is(err, context.Canceled) {
			c.send(channel.NewError(err.Error()))
		}
		return
	}
	defer handle.Close()

	if err := h.agent.RunTurn(c.ctx, handle, c, content); err != nil {
		h.logger.Warn("agent turn failed", "session_id", c.sessionID, "error", err)
	}
}
