// Package approval serialises human consent into the agent loop: a
// needs_approval decision becomes a request/response round trip over the
// session's channel, correlated by tool_call_id.
package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/thiesgerken/carapace/internal/domain/operation"
)

// DefaultTimeout is how long a pending approval waits before it is
// treated as cancelled.
const DefaultTimeout = 10 * time.Minute

// Result is the outcome of one approval round trip.
type Result string

const (
	ResultApproved  Result = "approved"
	ResultDenied    Result = "denied"
	ResultCancelled Result = "cancelled"
)

// Request carries everything the user needs to decide on one operation.
type Request struct {
	ToolCallID     string                   `json:"tool_call_id"`
	SessionID      string                   `json:"session_id"`
	Tool           string                   `json:"tool"`
	Args           map[string]any           `json:"args"`
	Classification operation.Classification `json:"classification"`
	TriggeredRules []string                 `json:"triggered_rules"`
	Descriptions   []string                 `json:"descriptions"`
	CreatedAt      time.Time                `json:"created_at"`
}

// pending is one in-flight approval. The result channel is buffered so
// Resolve never blocks on a waiter that already gave up.
type pending struct {
	req    Request
	result chan bool
}

// Gate tracks pending approvals and blocks callers until a matching
// response arrives, the wait is cancelled, or the timeout elapses. At most
// one response is honoured per tool_call_id; late or unmatched responses
// are discarded.
type Gate struct {
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*pending
	order   []string // FIFO of pending ids per arrival, for Oldest
}

// NewGate creates a Gate. A timeout of zero uses DefaultTimeout.
func NewGate(timeout time.Duration, logger *slog.Logger) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]*pending),
	}
}

// Await registers the request and blocks until it is resolved, the
// context is cancelled (client disconnect), the session is torn down
// (sessionGone closed), or the timeout elapses. Disconnect, teardown and
// timeout all return ResultCancelled.
func (g *Gate) Await(ctx context.Context, sessionGone <-chan struct{}, req Request) Result {
	p := &pending{req: req, result: make(chan bool, 1)}

	g.mu.Lock()
	g.pending[req.ToolCallID] = p
	g.order = append(g.order, req.ToolCallID)
	g.mu.Unlock()

	defer g.remove(req.ToolCallID)

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case approved := <-p.result:
		if approved {
			return ResultApproved
		}
		return ResultDenied
	case <-timer.C:
		g.logger.Info("approval timed out",
			"tool_call_id", req.ToolCallID, "tool", req.Tool, "timeout", g.timeout)
		return ResultCancelled
	case <-sessionGone:
		g.logger.Info("approval cancelled: session gone",
			"tool_call_id", req.ToolCallID, "tool", req.Tool)
		return ResultCancelled
	case <-ctx.Done():
		g.logger.Info("approval cancelled: channel closed",
			"tool_call_id", req.ToolCallID, "tool", req.Tool)
		return ResultCancelled
	}
}

// Resolve delivers a user response for the given tool_call_id. Returns
// false when no matching approval is pending (late or unmatched responses
// are discarded).
func (g *Gate) Resolve(toolCallID string, approved bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.pending[toolCallID]
	if !ok {
		g.logger.Debug("discarding unmatched approval response", "tool_call_id", toolCallID)
		return false
	}
	delete(g.pending, toolCallID)
	g.removeOrderLocked(toolCallID)

	select {
	case p.result <- approved:
	default:
	}
	return true
}

// Oldest returns the oldest pending request for the session, if any. The
// /approve and /deny commands resolve it when the user omits an id.
func (g *Gate) Oldest(sessionID string) (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.order {
		if p, ok := g.pending[id]; ok && p.req.SessionID == sessionID {
			return p.req, true
		}
	}
	return Request{}, false
}

// PendingCount returns the number of in-flight approvals across sessions.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gate) remove(toolCallID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, toolCallID)
	g.removeOrderLocked(toolCallID)
}

func (g *Gate) removeOrderLocked(toolCallID string) {
	for i, id := range g.order {
		if id == toolCallID {
			g.order = append(g.order[:i], g.order[i+1:]...)
			return
		}
	}
}
