// Package audit persists one JSON Lines record per gate decision, in
// daily files with retention cleanup. The audit trail is advisory: a
// failed write is logged and never blocks the security pipeline.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// Record is one gate decision as written to the audit log.
type Record struct {
	Time           time.Time `json:"time"`
	SessionID      string    `json:"session_id"`
	Tool           string    `json:"tool"`
	OperationType  string    `json:"operation_type"`
	Signature      string    `json:"signature"`
	Decision       string    `json:"decision"`
	TriggeredRules []string  `json:"triggered_rules,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

// auditFilePattern matches decision log filenames: decisions-YYYY-MM-DD.log
var auditFilePattern = regexp.MustCompile(`^decisions-(\d{4}-\d{2}-\d{2})\.log$`)

// FileStore writes decision records to <dir>/decisions-YYYY-MM-DD.log.
type FileStore struct {
	dir           string
	retentionDays int
	logger        *slog.Logger

	mu          sync.Mutex
	currentDate string
	currentFile *os.File
}

// NewFileStore creates the audit directory and runs an initial retention
// cleanup. retentionDays <= 0 defaults to 90.
func NewFileStore(dir string, retentionDays int, logger *slog.Logger) (*FileStore, error) {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	s := &FileStore{dir: dir, retentionDays: retentionDays, logger: logger}
	s.cleanup()
	return s, nil
}

// Append writes one record to the daily file of the record's time (now
// when unset), switching files whenever that date changes.
func (s *FileStore) Append(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	date := rec.Time.Format("2006-01-02")
	if s.currentFile == nil || date != s.currentDate {
		if s.currentFile != nil {
			_ = s.currentFile.Close()
		}
		path := filepath.Join(s.dir, "decisions-"+date+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			s.logger.Warn("audit open failed, dropping record", "error", err)
			s.currentFile = nil
			return
		}
		s.currentFile = f
		s.currentDate = date
		s.cleanup()
	}

	line, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("audit marshal failed, dropping record", "error", err)
		return
	}
	line = append(line, '\n')
	if _, err := s.currentFile.Write(line); err != nil {
		s.logger.Warn("audit write failed, dropping record", "error", err)
	}
}

// Close closes the current file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentFile == nil {
		return nil
	}
	err := s.currentFile.Close()
	s.currentFile = nil
	return err
}

// cleanup removes decision files older than the retention window. The
// file currently open for appending is never removed.
// Caller holds s.mu or is the constructor.
func (s *FileStore) cleanup() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays).Format("2006-01-02")
	for _, e := range entries {
		m := auditFilePattern.FindStringSubmatch(e.Name())
		if m == nil || m[1] >= cutoff || m[1] == s.currentDate {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			s.logger.Warn("audit retention cleanup failed", "file", e.Name(), "error", err)
		} else {
			s.logger.Info("audit file expired", "file", e.Name())
		}
	}
}
