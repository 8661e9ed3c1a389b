package rule

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// ErrNoRuleFile is returned by Load when the rule file does not exist.
var ErrNoRuleFile = errors.New("rule file not found")

// rulesFile mirrors the on-disk rules.yaml document.
type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// Load parses and validates a rules.yaml file and returns an immutable Set.
// Loading is atomic: on any validation error nothing is published and the
// returned error names the offending rule.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoRuleFile, path)
		}
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates a rules document from raw YAML bytes.
func Parse(data []byte) (*Set, error) {
	var doc rulesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rule file: %w", err)
	}

	seen := make(map[string]bool, len(doc.Rules))
	for i := range doc.Rules {
		r := &doc.Rules[i]
		if strings.TrimSpace(r.ID) == "" {
			return nil, fmt.Errorf("rule %d: id must not be empty", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rule %q: duplicate id", r.ID)
		}
		seen[r.ID] = true
		if strings.TrimSpace(r.Trigger) == "" {
			return nil, fmt.Errorf("rule %q: trigger must not be empty", r.ID)
		}
		if r.Mode == "" {
			r.Mode = ModeApprove
		}
		if !r.Mode.IsValid() {
			return nil, fmt.Errorf("rule %q: mode must be %q or %q, got %q",
				r.ID, ModeApprove, ModeBlock, r.Mode)
		}
	}

	return NewSet(doc.Rules), nil
}

// Marshal serialises a Set back to YAML in file order. Parse(Marshal(s))
// yields an identical set.
func Marshal(s *Set) ([]byte, error) {
	return yaml.Marshal(rulesFile{Rules: s.All()})
}

// Store holds the current rule-set snapshot for the process. The snapshot
// pointer is swapped atomically on reload; a failed reload keeps the
// running set.
type Store struct {
	path     string
	snapshot atomic.Pointer[Set]
	logger   *slog.Logger
}

// NewStore loads the rule file at path and returns a Store publishing it.
// A missing file publishes an empty set (every operation allowed).
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger}
	set, err := Load(path)
	if err != nil {
		if !errors.Is(err, ErrNoRuleFile) {
			return nil, err
		}
		logger.Warn("no rule file found, starting with empty rule set", "path", path)
		set = NewSet(nil)
	}
	s.snapshot.Store(set)
	return s, nil
}

// Current returns the currently published rule set.
func (s *Store) Current() *Set {
	return s.snapshot.Load()
}

// Reload re-reads the rule file and swaps the snapshot. On error the
// previously published set stays in place and the error is returned.
func (s *Store) Reload() error {
	set, err := Load(s.path)
	if err != nil {
		s.logger.Error("rule reload failed, keeping running set", "path", s.path, "error", err)
		return err
	}
	s.snapshot.Store(set)
	s.logger.Info("rules reloaded", "path", s.path, "count", set.Len())
	return nil
}
