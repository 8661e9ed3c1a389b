// Package rule contains the plain-English security rule model and the
// immutable rule-set snapshot published to the engine.
package rule

import "strings"

// Mode determines what happens when a rule applies to an operation.
type Mode string

const (
	// ModeApprove gates the operation behind a user approval round trip.
	ModeApprove Mode = "approve"
	// ModeBlock rejects the operation outright, without asking the user.
	ModeBlock Mode = "block"
)

// IsValid returns true if the mode is a known valid mode.
func (m Mode) IsValid() bool {
	return m == ModeApprove || m == ModeBlock
}

// TriggerAlways is the literal trigger value for rules that are in force
// from session creation.
const TriggerAlways = "always"

// Rule is a single plain-English security constraint. Rules are immutable
// after load.
type Rule struct {
	// ID is the stable, unique identifier for this rule.
	ID string `yaml:"id"`
	// Trigger is either the literal "always" or a natural-language condition
	// evaluated against the session's history-derived context.
	Trigger string `yaml:"trigger"`
	// Effect describes, in natural language, which operations the rule restricts.
	Effect string `yaml:"effect"`
	// Mode is what an applicable rule does: approve (gate) or block.
	Mode Mode `yaml:"mode"`
	// Description is the human-readable text shown in approval prompts.
	Description string `yaml:"description"`
}

// IsAlways reports whether the rule is in force from session creation.
func (r *Rule) IsAlways() bool {
	return strings.EqualFold(strings.TrimSpace(r.Trigger), TriggerAlways)
}

// Status describes a rule's standing within one session, as reported by
// the /rules command.
type Status string

const (
	StatusAlwaysOn  Status = "always-on"
	StatusActivated Status = "activated"
	StatusInactive  Status = "inactive"
	StatusDisabled  Status = "disabled"
)

// Set is an immutable, ordered collection of rules. Order is file order
// and is the tiebreak used by the engine when reporting applicable rules.
type Set struct {
	rules []Rule
	byID  map[string]int
}

// NewSet builds a Set from an ordered rule slice. The caller must have
// validated the rules already (unique ids, valid modes).
func NewSet(rules []Rule) *Set {
	byID := make(map[string]int, len(rules))
	for i, r := range rules {
		byID[r.ID] = i
	}
	return &Set{rules: rules, byID: byID}
}

// All returns the rules in file order. Callers must not mutate the slice.
func (s *Set) All() []Rule {
	return s.rules
}

// Get returns the rule with the given id, or nil if unknown.
func (s *Set) Get(id string) *Rule {
	i, ok := s.byID[id]
	if !ok {
		return nil
	}
	return &s.rules[i]
}

// Has reports whether a rule with the given id exists.
func (s *Set) Has(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// Len returns the number of rules.
func (s *Set) Len() int {
	return len(s.rules)
}
