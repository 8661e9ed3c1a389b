package service

import (
	"fmt"
	"strings"

	"github.com/thiesgerken/carapace/internal/domain/session"
)

// SummarizeHistory renders the last max history entries as a compact,
// deterministic text block for trigger evaluation. Classification entries
// are folded into their tool calls; the rendering never includes raw file
// contents beyond the stored argument maps.
func SummarizeHistory(entries []session.HistoryEntry, max int) string {
	if len(entries) > max {
		entries = entries[len(entries)-max:]
	}
	var b strings.Builder
	for _, e := range entries {
		switch e.Kind {
		case session.EntryUserMessage:
			fmt.Fprintf(&b, "user: %s\n", truncate(e.Content, 200))
		case session.EntryAssistantMessage:
			fmt.Fprintf(&b, "assistant: %s\n", truncate(e.Content, 200))
		case session.EntryToolCall:
			fmt.Fprintf(&b, "tool_call: %s\n", e.Tool)
		case session.EntryClassification:
			if e.Classification != nil {
				fmt.Fprintf(&b, "  classified: %s (%s)\n",
					e.Classification.OperationType,
					strings.Join(e.Classification.Categories, ", "))
			}
		case session.EntryApprovalRequest:
			fmt.Fprintf(&b, "approval_requested: %s\n", e.Tool)
		case session.EntryApprovalResponse:
			outcome := "denied"
			if e.Approved != nil && *e.Approved {
				outcome = "approved"
			}
			fmt.Fprintf(&b, "approval_%s: %s\n", outcome, e.Tool)
		case session.EntryError:
			fmt.Fprintf(&b, "error: %s\n", truncate(e.Content, 120))
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// HistoryMessage is the control-plane view of one history entry.
type HistoryMessage struct {
	Role    string         `json:"role"`
	Content string         `json:"content"`
	Tool    string         `json:"tool,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
}

// HistoryView maps raw history entries to the roles the control plane
// exposes: user, assistant, tool_call, and command (approvals, errors).
// Classification entries are internal and omitted.
func HistoryView(entries []session.HistoryEntry) []HistoryMessage {
	out := make([]HistoryMessage, 0, len(entries))
	for _, e := range entries {
		switch e.Kind {
		case session.EntryUserMessage:
			out = append(out, HistoryMessage{Role: "user", Content: e.Content})
		case session.EntryAssistantMessage:
			out = append(out, HistoryMessage{Role: "assistant", Content: e.Content})
		case session.EntryToolCall:
			out = append(out, HistoryMessage{Role: "tool_call", Tool: e.Tool, Args: e.Args})
		case session.EntryApprovalRequest:
			out = append(out, HistoryMessage{
				Role: "command", Tool: e.Tool,
				Content: fmt.Sprintf("approval requested for %s", e.Tool),
			})
		case session.EntryApprovalResponse:
			outcome := "denied"
			if e.Approved != nil && *e.Approved {
				outcome = "approved"
			}
			out = append(out, HistoryMessage{
				Role: "command", Tool: e.Tool,
				Content: fmt.Sprintf("%s %s", e.Tool, outcome),
			})
		case session.EntryError:
			out = append(out, HistoryMessage{Role: "command", Content: e.Content})
		}
	}
	return out
}
