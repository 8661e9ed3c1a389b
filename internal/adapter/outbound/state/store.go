// Package state persists sessions to a directory tree: one directory per
// session holding an atomically rewritten state.json and an append-only
// history.jsonl. State writes use write-tmp-fsync-rename under a flock
// (cross-process) and a mutex (in-process); history appends are fsynced
// before returning so that every entry precedes any state change it
// motivated, even across a crash.
package state

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/thiesgerken/carapace/internal/domain/session"
)

const (
	stateFile   = "state.json"
	historyFile = "history.jsonl"
)

// Store implements session.Store on the local filesystem.
type Store struct {
	root   string // <dataDir>/sessions
	mu     sync.Mutex
	logger *slog.Logger
}

// Compile-time check that Store implements session.Store.
var _ session.Store = (*Store)(nil)

// NewStore creates a Store rooted at <dataDir>/sessions, creating the
// directory with restricted permissions.
func NewStore(dataDir string, logger *slog.Logger) (*Store, error) {
	root := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("create sessions directory: %w", err)
	}
	return &Store{root: root, logger: logger}, nil
}

func (s *Store) sessionDir(id string) string {
	return filepath.Join(s.root, id)
}

// SaveState rewrites the session's state document atomically.
//
// The write sequence is:
//  1. Acquire in-process mutex
//  2. Acquire flock on state.json.lock
//  3. Marshal state as indented JSON
//  4. Write to state.json.tmp with 0600 permissions
//  5. Fsync the temp file
//  6. Rename state.json.tmp -> state.json
func (s *Store) SaveState(st *session.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.sessionDir(st.SessionID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	path := filepath.Join(dir, stateFile)
	lockFile, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	if err := s.writeAtomic(path, data); err != nil {
		return err
	}

	s.logger.Debug("state saved", "session_id", st.SessionID)
	return nil
}

// writeAtomic writes data to a temp file, fsyncs it, and renames it over
// the target path. On any error the temp file is cleaned up.
func (s *Store) writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// LoadState reads and parses a session's state document. Warns when the
// file has permissions more open than 0600.
func (s *Store) LoadState(id string) (*session.State, error) {
	path := filepath.Join(s.sessionDir(id), stateFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(path); statErr == nil {
			if mode := info.Mode().Perm(); mode&0077 != 0 {
				s.logger.Warn("state file has too-open permissions, should be 0600",
					"path", path, "current_mode", fmt.Sprintf("%04o", mode))
			}
		}
	}

	var st session.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return &st, nil
}

// AppendHistory appends one JSONL record and fsyncs before returning.
func (s *Store) AppendHistory(id string, e session.HistoryEntry) error {
	dir := s.sessionDir(id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, historyFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	defer func() { _ = f.Close() }()

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append history entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync history file: %w", err)
	}
	return nil
}

// LoadHistory reads the full ordered history. Truncated trailing lines
// (crash mid-append) are skipped; everything before them is preserved.
func (s *Store) LoadHistory(id string) ([]session.HistoryEntry, error) {
	f, err := os.Open(filepath.Join(s.sessionDir(id), historyFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []session.HistoryEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e session.HistoryEntry
		if err := json.Unmarshal(line, &e); err != nil {
			s.logger.Warn("skipping corrupt history line", "session_id", id, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan history file: %w", err)
	}
	return entries, nil
}

// List returns metadata for every session directory holding a readable
// state document, most recently active first.
func (s *Store) List() ([]session.Info, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var infos []session.Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		st, err := s.LoadState(e.Name())
		if err != nil {
			continue
		}
		infos = append(infos, session.Info{
			SessionID:   st.SessionID,
			ChannelType: st.ChannelType,
			ChannelRef:  st.ChannelRef,
			Retired:     st.Retired,
			CreatedAt:   st.CreatedAt,
			LastActive:  st.LastActive,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastActive.After(infos[j].LastActive)
	})
	return infos, nil
}

// Delete removes a session's directory entirely.
func (s *Store) Delete(id string) error {
	dir := s.sessionDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return session.ErrNotFound
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove session directory: %w", err)
	}
	return nil
}
