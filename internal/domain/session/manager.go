package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Caches holds the in-memory rule-engine caches of one session. They are
// a performance layer over the persisted state: activation results are
// cached per (rule id, activation-context hash) and applicability results
// per (rule id, operation signature). Decision entries are dropped
// whenever the activated or disabled rule sets change.
type Caches struct {
	Activation map[string]bool
	Decision   map[string]bool
}

func newCaches() *Caches {
	return &Caches{
		Activation: make(map[string]bool),
		Decision:   make(map[string]bool),
	}
}

// InvalidateDecisions drops all cached applicability results.
func (c *Caches) InvalidateDecisions() {
	c.Decision = make(map[string]bool)
}

// entry is the in-memory bookkeeping for one session: its exclusive lock,
// its lifecycle signal, and its engine caches.
type entry struct {
	sem      chan struct{} // capacity 1; holding the token = holding the lock
	done     chan struct{} // closed on delete or reset
	doneOnce sync.Once
	caches   *Caches
}

func (e *entry) closeDone() {
	e.doneOnce.Do(func() { close(e.done) })
}

// Manager owns the session_id -> session mapping, the per-session
// exclusive lock, and persistence through a Store. Inter-session work is
// fully parallel; within a session, agent turns are serialised.
type Manager struct {
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewManager creates a Manager over the given store.
func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:   store,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

func (m *Manager) entryFor(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		e = &entry{
			sem:    make(chan struct{}, 1),
			done:   make(chan struct{}),
			caches: newCaches(),
		}
		m.entries[id] = e
	}
	return e
}

// Create allocates a fresh session, persists its empty state, and returns
// the new state. No history file is written; the first append creates it,
// and until then the session's history reads as empty.
func (m *Manager) Create(channelType, channelRef string) (*State, error) {
	now := time.Now().UTC()
	st := &State{
		SessionID:           uuid.NewString(),
		ChannelType:         channelType,
		ChannelRef:          channelRef,
		ActivatedRules:      []string{},
		DisabledRules:       []string{},
		ApprovedCredentials: []string{},
		ApprovedOperations:  []string{},
		CreatedAt:           now,
		LastActive:          now,
	}
	if err := m.store.SaveState(st); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.logger.Info("session created", "session_id", st.SessionID, "channel_type", channelType)
	return st, nil
}

// Open acquires the session's exclusive lock and loads its state. The
// returned handle must be closed on every exit path; Close releases the
// lock. Open fails with ErrGone when the session was deleted or retired,
// and with ctx.Err() when the caller gives up waiting for the lock.
//
// The lock is not recursive: a caller already holding a handle must pass
// it down rather than reopen the session.
func (m *Manager) Open(ctx context.Context, id string) (*Handle, error) {
	e := m.entryFor(id)

	select {
	case e.sem <- struct{}{}:
	case <-e.done:
		return nil, ErrGone
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Re-check after acquisition: delete may have won the race.
	select {
	case <-e.done:
		<-e.sem
		return nil, ErrGone
	default:
	}

	st, err := m.store.LoadState(id)
	if err != nil {
		<-e.sem
		return nil, err
	}
	if st.Retired {
		<-e.sem
		return nil, fmt.Errorf("%w: session retired by reset", ErrGone)
	}

	return &Handle{m: m, e: e, State: st}, nil
}

// List returns lock-free metadata for all sessions. It need not be
// transactional with concurrent mutations.
func (m *Manager) List() ([]Info, error) {
	return m.store.List()
}

// History reads a session's full ordered history without taking the lock.
func (m *Manager) History(id string) ([]HistoryEntry, error) {
	if _, err := m.store.LoadState(id); err != nil {
		return nil, err
	}
	return m.store.LoadHistory(id)
}

// Peek loads a session's state without acquiring the lock or touching
// last_active. The caller must not mutate the result.
func (m *Manager) Peek(id string) (*State, error) {
	return m.store.LoadState(id)
}

// teardown cancels in-flight work on a session and waits for the lock.
// Closing done first lets an approval wait or agent turn unwind promptly;
// the turn releases the lock once it observes cancellation at its next
// suspension point. The caller must release the returned entry's sem.
func (m *Manager) teardown(ctx context.Context, id string) (*entry, error) {
	e := m.entryFor(id)
	e.closeDone()
	select {
	case e.sem <- struct{}{}:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Delete removes a session's on-disk state. In-flight operations on the
// session observe cancellation through the handle's Done channel; the
// on-disk removal happens only after they have unwound.
func (m *Manager) Delete(id string) error {
	if _, err := m.store.LoadState(id); err != nil {
		return err
	}

	e, err := m.teardown(context.Background(), id)
	if err != nil {
		return err
	}
	defer func() { <-e.sem }()

	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()

	if err := m.store.Delete(id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	m.logger.Info("session deleted", "session_id", id)
	return nil
}

// Reset retires a session and allocates a fresh one bound to the same
// channel. The old session is kept on disk for audit; any in-flight work
// on it observes cancellation. Reset never mutates the security state of
// the old session beyond the retirement marker.
func (m *Manager) Reset(ctx context.Context, id string) (*State, error) {
	old, err := m.store.LoadState(id)
	if err != nil {
		return nil, err
	}
	if old.Retired {
		return nil, fmt.Errorf("%w: session already retired", ErrGone)
	}

	e, err := m.teardown(ctx, id)
	if err != nil {
		return nil, err
	}
	defer func() { <-e.sem }()

	// Reload under the lock: the cancelled turn may have persisted.
	old, err = m.store.LoadState(id)
	if err != nil {
		return nil, err
	}

	fresh, err := m.Create(old.ChannelType, old.ChannelRef)
	if err != nil {
		return nil, err
	}

	old.Retired = true
	old.RetiredTo = fresh.SessionID
	if err := m.store.SaveState(old); err != nil {
		return nil, fmt.Errorf("retire session: %w", err)
	}

	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()

	m.logger.Info("session reset", "old", id, "new", fresh.SessionID)
	return fresh, nil
}

// Touch updates a session's last_active timestamp.
func (m *Manager) Touch(id string) error {
	st, err := m.store.LoadState(id)
	if err != nil {
		return err
	}
	st.LastActive = time.Now().UTC()
	return m.store.SaveState(st)
}

// StartRetentionSweep launches a janitor goroutine that deletes sessions
// whose last_active is older than maxAge. It stops when ctx is cancelled.
func (m *Manager) StartRetentionSweep(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(maxAge)
			}
		}
	}()
}

func (m *Manager) sweep(maxAge time.Duration) {
	infos, err := m.store.List()
	if err != nil {
		m.logger.Warn("retention sweep: list failed", "error", err)
		return
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	for _, info := range infos {
		if info.LastActive.After(cutoff) {
			continue
		}
		if err := m.Delete(info.SessionID); err != nil {
			m.logger.Warn("retention sweep: delete failed",
				"session_id", info.SessionID, "error", err)
			continue
		}
		m.logger.Info("retention sweep: session expired",
			"session_id", info.SessionID, "last_active", info.LastActive)
	}
}

// Handle is a scoped acquisition of one session's exclusive lock together
// with its loaded state and engine caches.
type Handle struct {
	m *Manager
	e *entry
	// State is the session state; mutations are persisted with Persist.
	State *State

	closed bool
}

// Caches returns the session's in-memory rule-engine caches.
func (h *Handle) Caches() *Caches {
	return h.e.caches
}

// Done is closed when the session is deleted or reset; waiters (approval
// gate, agent turn) treat it as cancellation.
func (h *Handle) Done() <-chan struct{} {
	return h.e.done
}

// AppendHistory appends one entry and flushes it to stable storage. This
// must happen before any state change the entry motivated.
func (h *Handle) AppendHistory(e HistoryEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return h.m.store.AppendHistory(h.State.SessionID, e)
}

// History reads the full ordered history of the held session.
func (h *Handle) History() ([]HistoryEntry, error) {
	return h.m.store.LoadHistory(h.State.SessionID)
}

// Persist rewrites the state document, bumping last_active.
func (h *Handle) Persist() error {
	h.State.LastActive = time.Now().UTC()
	return h.m.store.SaveState(h.State)
}

// Close releases the session lock; calls after the first are no-ops. It
// is the caller's responsibility to call it on all exit paths.
func (h *Handle) Close() {
	if h.closed {
		return
	}
	h.closed = true
	select {
	case <-h.e.sem:
	default:
		// Lock already released via delete/reset teardown.
	}
}
