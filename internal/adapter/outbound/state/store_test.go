package state

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/thiesgerken/carapace/internal/domain/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

func testState(id string) *session.State {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return &session.State{
		SessionID:           id,
		ChannelType:         "web",
		ActivatedRules:      []string{"no-write-after-web"},
		DisabledRules:       []string{"noisy-rule"},
		ApprovedCredentials: []string{"github"},
		ApprovedOperations:  []string{"00ff00ff00ff00ff"},
		CreatedAt:           now,
		LastActive:          now,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	want := testState("s-1")
	if err := s.SaveState(want); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}

	got, err := s.LoadState("s-1")
	if err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch:\ngot  %+v\nwant %+v", got, want)
	}
}

func TestLoadMissingSession(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LoadState("nope"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("LoadState() error = %v, want ErrNotFound", err)
	}
}

func TestStateFilePermissions(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveState(testState("s-1")); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(s.root, "s-1", stateFile))
	if err != nil {
		t.Fatal(err)
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		t.Errorf("state file mode = %04o, want 0600", mode)
	}
}

func TestHistoryOrderPreserved(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveState(testState("s-1")); err != nil {
		t.Fatal(err)
	}

	kinds := []session.EntryKind{
		session.EntryUserMessage,
		session.EntryToolCall,
		session.EntryClassification,
		session.EntryApprovalRequest,
		session.EntryApprovalResponse,
		session.EntryAssistantMessage,
	}
	for i, k := range kinds {
		e := session.HistoryEntry{Kind: k, At: time.Now().UTC(), Content: string(rune('a' + i))}
		if err := s.AppendHistory("s-1", e); err != nil {
			t.Fatalf("AppendHistory(%d) error = %v", i, err)
		}
	}

	entries, err := s.LoadHistory("s-1")
	if err != nil {
		t.Fatalf("LoadHistory() error = %v", err)
	}
	if len(entries) != len(kinds) {
		t.Fatalf("len = %d, want %d", len(entries), len(kinds))
	}
	for i, e := range entries {
		if e.Kind != kinds[i] {
			t.Errorf("entry %d kind = %q, want %q", i, e.Kind, kinds[i])
		}
	}
}

func TestCrashBetweenHistoryAppendAndStateRewrite(t *testing.T) {
	s := newTestStore(t)
	before := testState("s-1")
	if err := s.SaveState(before); err != nil {
		t.Fatal(err)
	}

	// The orchestrator appends history first, then rewrites state. A crash
	// between the two leaves the entry on disk and the old state intact.
	if err := s.AppendHistory("s-1", session.HistoryEntry{
		Kind: session.EntryToolCall, At: time.Now().UTC(), Tool: "write_file",
	}); err != nil {
		t.Fatal(err)
	}
	// Crash: the state rewrite never happens.

	reloaded, err := s.LoadState("s-1")
	if err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	if !reflect.DeepEqual(reloaded, before) {
		t.Errorf("state after crash = %+v, want pre-operation state", reloaded)
	}
	entries, err := s.LoadHistory("s-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Tool != "write_file" {
		t.Errorf("history after crash = %+v, want the appended entry", entries)
	}
}

func TestLoadHistorySkipsTruncatedTrailingLine(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveState(testState("s-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendHistory("s-1", session.HistoryEntry{Kind: session.EntryUserMessage, Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-append: a partial JSON line at the end.
	path := filepath.Join(s.root, "s-1", historyFile)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(f, `{"kind":"tool_call","at":`); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	entries, err := s.LoadHistory("s-1")
	if err != nil {
		t.Fatalf("LoadHistory() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "hi" {
		t.Errorf("entries = %+v, want the one intact entry", entries)
	}
}

func TestAtomicRewriteLeavesNoTempFile(t *testing.T) {
	s := newTestStore(t)
	st := testState("s-1")
	for i := 0; i < 5; i++ {
		st.ApprovedOperations = append(st.ApprovedOperations, string(rune('a'+i)))
		if err := s.SaveState(st); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := os.Stat(filepath.Join(s.root, "s-1", stateFile+".tmp")); !os.IsNotExist(err) {
		t.Error("temp file left behind after save")
	}
}

func TestListSortsByLastActive(t *testing.T) {
	s := newTestStore(t)
	older := testState("s-old")
	older.LastActive = older.LastActive.Add(-time.Hour)
	newer := testState("s-new")
	for _, st := range []*session.State{older, newer} {
		if err := s.SaveState(st); err != nil {
			t.Fatal(err)
		}
	}

	infos, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(infos) != 2 || infos[0].SessionID != "s-new" || infos[1].SessionID != "s-old" {
		t.Errorf("List() = %+v, want s-new first", infos)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveState(testState("s-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("s-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.LoadState("s-1"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("LoadState() after Delete() error = %v, want ErrNotFound", err)
	}
	if err := s.Delete("s-1"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}
