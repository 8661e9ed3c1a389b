// Package session owns the per-session security state, the append-only
// history, and the per-session exclusive lock that serialises agent turns.
package session

import (
	"errors"
	"time"

	"github.com/thiesgerken/carapace/internal/domain/operation"
)

// ErrNotFound is returned when a session does not exist on disk.
var ErrNotFound = errors.New("session not found")

// ErrGone is returned when an operation targets a deleted or reset session.
var ErrGone = errors.New("session gone")

// State is the persisted, mutable security state of one session. It is
// only mutated while the session's exclusive lock is held.
type State struct {
	// SessionID is the opaque unique identifier.
	SessionID string `json:"session_id"`
	// ChannelType describes how to reach the user ("web", "cli").
	ChannelType string `json:"channel_type"`
	// ChannelRef is a channel-specific address (room id, client name).
	ChannelRef string `json:"channel_ref,omitempty"`
	// ActivatedRules holds the ids of rules whose trigger has fired at
	// least once in this session. Monotonic: ids are only added, never
	// removed. A reset creates a fresh session instead of clearing it.
	ActivatedRules []string `json:"activated_rules"`
	// DisabledRules holds the ids the user has explicitly disabled here.
	DisabledRules []string `json:"disabled_rules"`
	// ApprovedCredentials holds credential names approved in this session.
	ApprovedCredentials []string `json:"approved_credentials"`
	// ApprovedOperations holds operation signatures already approved in
	// this session, for caching approvals of repeated identical operations.
	ApprovedOperations []string `json:"approved_operations"`
	// Retired is set when the session was replaced by a reset. Retired
	// sessions are kept on disk for audit and refuse new turns.
	Retired bool `json:"retired,omitempty"`
	// RetiredTo is the id of the successor session after a reset.
	RetiredTo string `json:"retired_to,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// IsActivated reports whether the rule id has been activated.
func (s *State) IsActivated(ruleID string) bool {
	return contains(s.ActivatedRules, ruleID)
}

// Activate records a rule activation. Returns true if the id was new.
func (s *State) Activate(ruleID string) bool {
	if contains(s.ActivatedRules, ruleID) {
		return false
	}
	s.ActivatedRules = append(s.ActivatedRules, ruleID)
	return true
}

// IsDisabled reports whether the rule id is disabled for this session.
func (s *State) IsDisabled(ruleID string) bool {
	return contains(s.DisabledRules, ruleID)
}

// Disable marks a rule disabled. Returns true if it was not disabled before.
func (s *State) Disable(ruleID string) bool {
	if contains(s.DisabledRules, ruleID) {
		return false
	}
	s.DisabledRules = append(s.DisabledRules, ruleID)
	return true
}

// Enable clears a disable. Returns true if the rule was disabled before.
func (s *State) Enable(ruleID string) bool {
	for i, id := range s.DisabledRules {
		if id == ruleID {
			s.DisabledRules = append(s.DisabledRules[:i], s.DisabledRules[i+1:]...)
			return true
		}
	}
	return false
}

// IsOperationApproved reports whether the signature was approved here.
func (s *State) IsOperationApproved(sig string) bool {
	return contains(s.ApprovedOperations, sig)
}

// ApproveOperation records an approved operation signature.
func (s *State) ApproveOperation(sig string) {
	if !contains(s.ApprovedOperations, sig) {
		s.ApprovedOperations = append(s.ApprovedOperations, sig)
	}
}

// ApproveCredential records an approved credential name.
func (s *State) ApproveCredential(name string) {
	if !contains(s.ApprovedCredentials, name) {
		s.ApprovedCredentials = append(s.ApprovedCredentials, name)
	}
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// Info is the lock-free listing view of a session.
type Info struct {
	SessionID   string    `json:"session_id"`
	ChannelType string    `json:"channel_type"`
	ChannelRef  string    `json:"channel_ref,omitempty"`
	Retired     bool      `json:"retired,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`
}

// EntryKind discriminates history entries.
type EntryKind string

const (
	EntryUserMessage      EntryKind = "user_message"
	EntryAssistantMessage EntryKind = "assistant_message"
	EntryToolCall         EntryKind = "tool_call"
	EntryClassification   EntryKind = "classification"
	EntryApprovalRequest  EntryKind = "approval_request"
	EntryApprovalResponse EntryKind = "approval_response"
	EntryError            EntryKind = "error"
)

// HistoryEntry is one record of the append-only session history. The
// persisted order of entries equals the order the orchestrator produced
// them; entries are flushed before any state change they motivated.
type HistoryEntry struct {
	Kind EntryKind `json:"kind"`
	At   time.Time `json:"at"`
	// Content carries message text for user/assistant/error entries.
	Content string `json:"content,omitempty"`
	// Tool and Args are set for tool_call and approval entries.
	Tool string         `json:"tool,omitempty"`
	Args map[string]any `json:"args,omitempty"`
	// Classification is set for classification entries.
	Classification *operation.Classification `json:"classification,omitempty"`
	// ToolCallID correlates approval requests with responses.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// Approved is set on approval_response entries.
	Approved *bool `json:"approved,omitempty"`
	// TriggeredRules names the rules behind an approval request or block.
	TriggeredRules []string `json:"triggered_rules,omitempty"`
}

// Store is the persistence port for sessions. The file-backed
// implementation lives in internal/adapter/outbound/state.
type Store interface {
	// SaveState rewrites the session's state document atomically.
	SaveState(st *State) error
	// LoadState reads a session's state document.
	// Returns ErrNotFound if the session does not exist.
	LoadState(id string) (*State, error)
	// AppendHistory appends one entry to the session's history log and
	// flushes it to stable storage before returning.
	AppendHistory(id string, e HistoryEntry) error
	// LoadHistory reads the full ordered history of a session.
	LoadHistory(id string) ([]HistoryEntry, error)
	// List returns lock-free metadata for all sessions on disk.
	List() ([]Info, error)
	// Delete removes a session's on-disk state entirely.
	Delete(id string) error
}
