package approval

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testRequest(id, sessionID string) Request {
	return Request{
		ToolCallID: id,
		SessionID:  sessionID,
		Tool:       "write_file",
		Args:       map[string]any{"path": "/a"},
	}
}

func awaitAsync(g *Gate, ctx context.Context, gone <-chan struct{}, req Request) <-chan Result {
	out := make(chan Result, 1)
	go func() { out <- g.Await(ctx, gone, req) }()
	return out
}

// waitPending blocks until the request is registered so Resolve cannot
// race ahead of Await.
func waitPending(t *testing.T, g *Gate) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for g.PendingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never became pending")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestGateApprove(t *testing.T) {
	g := NewGate(time.Minute, testLogger())
	res := awaitAsync(g, context.Background(), nil, testRequest("tc-1", "s-1"))
	waitPending(t, g)

	if !g.Resolve("tc-1", true) {
		t.Fatal("Resolve() = false, want true")
	}
	if got := <-res; got != ResultApproved {
		t.Errorf("Await() = %q, want %q", got, ResultApproved)
	}
}

func TestGateDeny(t *testing.T) {
	g := NewGate(time.Minute, testLogger())
	res := awaitAsync(g, context.Background(), nil, testRequest("tc-1", "s-1"))
	waitPending(t, g)

	g.Resolve("tc-1", false)
	if got := <-res; got != ResultDenied {
		t.Errorf("Await() = %q, want %q", got, ResultDenied)
	}
}

func TestGateTimeout(t *testing.T) {
	g := NewGate(20*time.Millisecond, testLogger())
	if got := g.Await(context.Background(), nil, testRequest("tc-1", "s-1")); got != ResultCancelled {
		t.Errorf("Await() = %q, want %q", got, ResultCancelled)
	}
}

func TestGateContextCancel(t *testing.T) {
	g := NewGate(time.Minute, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	res := awaitAsync(g, ctx, nil, testRequest("tc-1", "s-1"))
	waitPending(t, g)

	cancel()
	if got := <-res; got != ResultCancelled {
		t.Errorf("Await() = %q, want %q", got, ResultCancelled)
	}
}

func TestGateSessionGone(t *testing.T) {
	g := NewGate(time.Minute, testLogger())
	gone := make(chan struct{})
	res := awaitAsync(g, context.Background(), gone, testRequest("tc-1", "s-1"))
	waitPending(t, g)

	close(gone)
	if got := <-res; got != ResultCancelled {
		t.Errorf("Await() = %q, want %q", got, ResultCancelled)
	}
}

func TestGateDiscardsUnmatchedResponses(t *testing.T) {
	g := NewGate(time.Minute, testLogger())
	if g.Resolve("never-registered", true) {
		t.Error("Resolve() on unknown id = true, want false")
	}
}

func TestGateAtMostOneResolutionPerID(t *testing.T) {
	g := NewGate(time.Minute, testLogger())
	res := awaitAsync(g, context.Background(), nil, testRequest("tc-1", "s-1"))
	waitPending(t, g)

	if !g.Resolve("tc-1", true) {
		t.Fatal("first Resolve() = false")
	}
	if g.Resolve("tc-1", false) {
		t.Error("second Resolve() = true, want false (late response discarded)")
	}
	if got := <-res; got != ResultApproved {
		t.Errorf("Await() = %q, want %q", got, ResultApproved)
	}
}

func TestGateOldestIsPerSession(t *testing.T) {
	g := NewGate(time.Minute, testLogger())
	res1 := awaitAsync(g, context.Background(), nil, testRequest("tc-1", "s-1"))
	waitPending(t, g)
	res2 := awaitAsync(g, context.Background(), nil, testRequest("tc-2", "s-2"))
	for g.PendingCount() < 2 {
		time.Sleep(time.Millisecond)
	}

	req, ok := g.Oldest("s-2")
	if !ok || req.ToolCallID != "tc-2" {
		t.Errorf("Oldest(s-2) = %+v, %v; want tc-2", req, ok)
	}
	if _, ok := g.Oldest("s-3"); ok {
		t.Error("Oldest(s-3) = ok, want none")
	}

	g.Resolve("tc-1", true)
	g.Resolve("tc-2", false)
	<-res1
	<-res2
}

func TestGateDefaultTimeout(t *testing.T) {
	g := NewGate(0, testLogger())
	if g.timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", g.timeout, DefaultTimeout)
	}
}
