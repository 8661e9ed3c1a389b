package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/thiesgerken/carapace/internal/domain/approval"
	"github.com/thiesgerken/carapace/internal/domain/channel"
	"github.com/thiesgerken/carapace/internal/domain/memory"
	"github.com/thiesgerken/carapace/internal/domain/rule"
	"github.com/thiesgerken/carapace/internal/domain/session"
	"github.com/thiesgerken/carapace/internal/domain/skill"
)

// CommandService handles slash commands parsed from chat messages and
// explicit command envelopes. Mutating commands take the session lock
// themselves; the WebSocket adapter only dispatches commands while no
// agent turn is in flight on the connection.
type CommandService struct {
	manager   *session.Manager
	rules     *rule.Store
	approvals *approval.Gate
	skills    *skill.Registry
	memories  *memory.Store
	logger    *slog.Logger
}

// NewCommandService wires the command handler.
func NewCommandService(manager *session.Manager, rules *rule.Store, approvals *approval.Gate,
	skills *skill.Registry, memories *memory.Store, logger *slog.Logger) *CommandService {
	return &CommandService{
		manager:   manager,
		rules:     rules,
		approvals: approvals,
		skills:    skills,
		memories:  memories,
		logger:    logger,
	}
}

// helpEntry documents one command for /help.
type helpEntry struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

var helpEntries = []helpEntry{
	{"/rules", "List all rules and their status"},
	{"/disable <id>", "Disable a rule for this session"},
	{"/enable <id>", "Re-enable a disabled rule"},
	{"/approve [tool_call_id]", "Approve the pending operation"},
	{"/deny [tool_call_id]", "Deny the pending operation"},
	{"/session", "Show current session state"},
	{"/reset", "Start a fresh session; the old one is retired"},
	{"/skills", "List available skills"},
	{"/memory", "List memory files"},
	{"/help", "Show this help"},
}

// ruleStatus is one row of the /rules listing.
type ruleStatus struct {
	ID      string `json:"id"`
	Trigger string `json:"trigger"`
	Mode    string `json:"mode"`
	Status  string `json:"status"`
}

// Execute runs one slash command for the given session and returns the
// envelope to send back. An unrecognised command yields an error
// envelope.
func (c *CommandService) Execute(ctx context.Context, sessionID, line string) channel.ServerEnvelope {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 2)
	cmd := strings.ToLower(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}

	switch cmd {
	case "/help":
		return channel.NewCommandResult("help", map[string]any{"commands": helpEntries})
	case "/rules":
		return c.listRules(sessionID)
	case "/disable":
		return c.setRuleDisabled(ctx, sessionID, arg, true)
	case "/enable":
		return c.setRuleDisabled(ctx, sessionID, arg, false)
	case "/session":
		return c.showSession(sessionID)
	case "/reset":
		return c.reset(ctx, sessionID)
	case "/approve":
		return c.resolveApproval(sessionID, arg, true)
	case "/deny":
		return c.resolveApproval(sessionID, arg, false)
	case "/skills":
		return c.listSkills()
	case "/memory":
		return c.listMemory()
	default:
		return channel.NewError(fmt.Sprintf("Unknown command: %s", cmd))
	}
}

func (c *CommandService) listRules(sessionID string) channel.ServerEnvelope {
	st, err := c.manager.Peek(sessionID)
	if err != nil {
		return channel.NewError(err.Error())
	}
	rules := c.rules.Current().All()
	rows := make([]ruleStatus, 0, len(rules))
	for _, r := range rules {
		var status rule.Status
		switch {
		case st.IsDisabled(r.ID):
			status = rule.StatusDisabled
		case st.IsActivated(r.ID):
			status = rule.StatusActivated
		case r.IsAlways():
			status = rule.StatusAlwaysOn
		default:
			status = rule.StatusInactive
		}
		rows = append(rows, ruleStatus{
			ID:      r.ID,
			Trigger: truncate(r.Trigger, 50),
			Mode:    string(r.Mode),
			Status:  string(status),
		})
	}
	return channel.NewCommandResult("rules", rows)
}

func (c *CommandService) setRuleDisabled(ctx context.Context, sessionID, ruleID string, disable bool) channel.ServerEnvelope {
	verb := "enable"
	if disable {
		verb = "disable"
	}
	if ruleID == "" {
		return channel.NewCommandResult(verb, map[string]any{
			"error": fmt.Sprintf("Usage: /%s <rule-id>", verb),
		})
	}
	if !c.rules.Current().Has(ruleID) {
		return channel.NewCommandResult(verb, map[string]any{
			"error": fmt.Sprintf("Unknown rule: %s", ruleID),
		})
	}

	h, err := c.manager.Open(ctx, sessionID)
	if err != nil {
		return channel.NewError(err.Error())
	}
	defer h.Close()

	var changed bool
	if disable {
		changed = h.State.Disable(ruleID)
	} else {
		changed = h.State.Enable(ruleID)
	}
	if changed {
		// A different rule population invalidates cached applicability.
		h.Caches().InvalidateDecisions()
		if err := h.Persist(); err != nil {
			return channel.NewError(err.Error())
		}
	}

	msg := fmt.Sprintf("Rule '%s' re-enabled", ruleID)
	if disable {
		msg = fmt.Sprintf("Rule '%s' disabled", ruleID)
	}
	return channel.NewCommandResult(verb, map[string]any{"rule_id": ruleID, "message": msg})
}

func (c *CommandService) showSession(sessionID string) channel.ServerEnvelope {
	st, err := c.manager.Peek(sessionID)
	if err != nil {
		return channel.NewError(err.Error())
	}
	return channel.NewCommandResult("session", map[string]any{
		"session_id":           st.SessionID,
		"channel_type":         st.ChannelType,
		"activated_rules":      st.ActivatedRules,
		"disabled_rules":       st.DisabledRules,
		"approved_credentials": st.ApprovedCredentials,
		"approved_operations":  len(st.ApprovedOperations),
	})
}

func (c *CommandService) reset(ctx context.Context, sessionID string) channel.ServerEnvelope {
	fresh, err := c.manager.Reset(ctx, sessionID)
	if err != nil {
		return channel.NewError(err.Error())
	}
	return channel.NewCommandResult("reset", map[string]any{
		"old_session_id": sessionID,
		"new_session_id": fresh.SessionID,
		"message":        "Session reset. Reconnect with the new session id.",
	})
}

func (c *CommandService) resolveApproval(sessionID, toolCallID string, approved bool) channel.ServerEnvelope {
	verb := "deny"
	if approved {
		verb = "approve"
	}
	if toolCallID == "" {
		req, ok := c.approvals.Oldest(sessionID)
		if !ok {
			return channel.NewCommandResult(verb, map[string]any{"error": "No pending approval"})
		}
		toolCallID = req.ToolCallID
	}
	if !c.approvals.Resolve(toolCallID, approved) {
		return channel.NewCommandResult(verb, map[string]any{
			"error": fmt.Sprintf("No pending approval with id %s", toolCallID),
		})
	}
	return channel.NewCommandResult(verb, map[string]any{"tool_call_id": toolCallID, "approved": approved})
}

func (c *CommandService) listSkills() channel.ServerEnvelope {
	catalog, err := c.skills.Scan()
	if err != nil {
		return channel.NewError(err.Error())
	}
	return channel.NewCommandResult("skills", catalog)
}

func (c *CommandService) listMemory() channel.ServerEnvelope {
	files, err := c.memories.List()
	if err != nil {
		return channel.NewError(err.Error())
	}
	return channel.NewCommandResult("memory", files)
}
