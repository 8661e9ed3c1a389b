// Package service contains application services: the security gate
// orchestrator, the slash-command handler, and the agent turn runner.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/thiesgerken/carapace/internal/adapter/outbound/audit"
	"github.com/thiesgerken/carapace/internal/domain/approval"
	"github.com/thiesgerken/carapace/internal/domain/channel"
	"github.com/thiesgerken/carapace/internal/domain/operation"
	"github.com/thiesgerken/carapace/internal/domain/rule"
	"github.com/thiesgerken/carapace/internal/domain/security"
	"github.com/thiesgerken/carapace/internal/domain/session"
)

// GateStatus is the orchestrator's verdict on one tool invocation.
type GateStatus string

const (
	// GateAllow lets the tool call proceed.
	GateAllow GateStatus = "allow"
	// GateDeny means the user (or a cancellation) refused the operation;
	// the agent receives the reason as a tool error string.
	GateDeny GateStatus = "deny"
	// GateBlock means a block-mode rule rejected the operation without
	// asking the user.
	GateBlock GateStatus = "block"
)

// GateResult is what the agent's tool-dispatch path receives.
type GateResult struct {
	Status         GateStatus
	Reason         string
	Classification operation.Classification
	TriggeredRules []string
	Descriptions   []string
}

// Classifier is the operation-classification port the orchestrator calls.
type Classifier interface {
	Classify(ctx context.Context, tool string, args map[string]any, hint string) operation.Classification
}

// GateMetrics records pipeline outcomes. Implemented by the HTTP
// adapter's prometheus metrics; nil-safe no-op via noopMetrics.
type GateMetrics interface {
	RecordDecision(decision string)
	RecordApproval(result string)
	SetPendingApprovals(n int)
}

type noopMetrics struct{}

func (noopMetrics) RecordDecision(string)   {}
func (noopMetrics) RecordApproval(string)  {}
func (noopMetrics) SetPendingApprovals(int) {}

// GateService is the single entry point the agent loop calls for every
// tool invocation. It composes classifier, rule engine and approval gate,
// updates session state, and returns a GateResult. The caller must hold
// the session's exclusive lock (the handle) for the whole call.
type GateService struct {
	classifier Classifier
	engine     *security.Engine
	rules      *rule.Store
	approvals  *approval.Gate
	auditLog   *audit.FileStore
	metrics    GateMetrics
	logger     *slog.Logger
}

// NewGateService wires the orchestrator. auditLog and metrics may be nil.
func NewGateService(classifier Classifier, engine *security.Engine, rules *rule.Store,
	approvals *approval.Gate, auditLog *audit.FileStore, metrics GateMetrics,
	logger *slog.Logger) *GateService {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &GateService{
		classifier: classifier,
		engine:     engine,
		rules:      rules,
		approvals:  approvals,
		auditLog:   auditLog,
		metrics:    metrics,
		logger:     logger,
	}
}

// Gate runs the security pipeline for one tool invocation. All history
// appends are flushed before the matching state rewrite; a needs_approval
// decision blocks until the user answers on the session's channel, the
// channel disconnects (ctx), the session is torn down, or the approval
// timeout elapses.
func (s *GateService) Gate(ctx context.Context, h *session.Handle, ch channel.Sender,
	tool string, args map[string]any, hint string) GateResult {

	if err := h.AppendHistory(session.HistoryEntry{
		Kind: session.EntryToolCall, Tool: tool, Args: args,
	}); err != nil {
		return s.persistFailure(h, ch, err)
	}

	cls := s.classifier.Classify(ctx, tool, args, hint)
	if err := h.AppendHistory(session.HistoryEntry{
		Kind: session.EntryClassification, Tool: tool, Classification: &cls,
	}); err != nil {
		return s.persistFailure(h, ch, err)
	}

	sig, err := operation.Signature(tool, args, cls)
	if err != nil {
		// An unhashable invocation can never reuse a cached approval.
		s.logger.Warn("operation signature failed", "tool", tool, "error", err)
		sig = ""
	}

	entries, err := h.History()
	if err != nil {
		s.logger.Warn("history read failed, evaluating triggers without summary", "error", err)
	}
	actx := security.ActivationContext{
		HistorySummary: SummarizeHistory(entries, 40),
		ActivatedRules: append([]string(nil), h.State.ActivatedRules...),
		Classification: cls,
	}

	dec := s.engine.Evaluate(ctx, s.rules.Current(), h.State, h.Caches(), actx, cls, tool, args, sig)

	// Activation is part of the session's security state; persist it even
	// when the decision is allow.
	if err := h.Persist(); err != nil {
		return s.persistFailure(h, ch, err)
	}

	s.recordAudit(h.State.SessionID, tool, cls, sig, dec)
	s.metrics.RecordDecision(string(dec.Decision))
	s.sendToolCallInfo(ctx, ch, tool, args, cls, dec)

	switch dec.Decision {
	case security.DecisionBlock:
		_ = h.AppendHistory(session.HistoryEntry{
			Kind:           session.EntryError,
			Tool:           tool,
			Content:        dec.Reason,
			TriggeredRules: dec.TriggeredRuleIDs,
		})
		return GateResult{
			Status: GateBlock, Reason: dec.Reason,
			Classification: cls,
			TriggeredRules: dec.TriggeredRuleIDs, Descriptions: dec.Descriptions,
		}

	case security.DecisionNeedsApproval:
		return s.awaitApproval(ctx, h, ch, tool, args, cls, sig, dec)

	default:
		return GateResult{Status: GateAllow, Classification: cls,
			TriggeredRules: dec.TriggeredRuleIDs, Descriptions: dec.Descriptions}
	}
}

// awaitApproval runs the user round trip for a needs_approval decision.
func (s *GateService) awaitApproval(ctx context.Context, h *session.Handle, ch channel.Sender,
	tool string, args map[string]any, cls operation.Classification, sig string,
	dec security.GateDecision) GateResult {

	req := approval.Request{
		ToolCallID:     uuid.NewString(),
		SessionID:      h.State.SessionID,
		Tool:           tool,
		Args:           args,
		Classification: cls,
		TriggeredRules: dec.TriggeredRuleIDs,
		Descriptions:   dec.Descriptions,
	}

	if err := h.AppendHistory(session.HistoryEntry{
		Kind:           session.EntryApprovalRequest,
		Tool:           tool,
		Args:           args,
		ToolCallID:     req.ToolCallID,
		TriggeredRules: dec.TriggeredRuleIDs,
	}); err != nil {
		return s.persistFailure(h, ch, err)
	}

	if err := ch.Send(ctx, channel.NewApprovalRequest(
		req.ToolCallID, tool, args, cls, dec.TriggeredRuleIDs, dec.Descriptions)); err != nil {
		s.logger.Warn("approval request send failed", "tool_call_id", req.ToolCallID, "error", err)
		s.metrics.RecordApproval(string(approval.ResultCancelled))
		return GateResult{Status: GateDeny, Reason: "approval could not be delivered",
			Classification: cls, TriggeredRules: dec.TriggeredRuleIDs, Descriptions: dec.Descriptions}
	}

	s.metrics.SetPendingApprovals(s.approvals.PendingCount() + 1)
	result := s.approvals.Await(ctx, h.Done(), req)
	s.metrics.SetPendingApprovals(s.approvals.PendingCount())
	s.metrics.RecordApproval(string(result))

	approved := result == approval.ResultApproved
	_ = h.AppendHistory(session.HistoryEntry{
		Kind:       session.EntryApprovalResponse,
		Tool:       tool,
		ToolCallID: req.ToolCallID,
		Approved:   &approved,
	})

	switch result {
	case approval.ResultApproved:
		if sig != "" {
			h.State.ApproveOperation(sig)
		}
		if err := h.Persist(); err != nil {
			return s.persistFailure(h, ch, err)
		}
		return GateResult{Status: GateAllow, Classification: cls,
			TriggeredRules: dec.TriggeredRuleIDs, Descriptions: dec.Descriptions}
	case approval.ResultDenied:
		return GateResult{Status: GateDeny, Reason: "User denied this operation.",
			Classification: cls, TriggeredRules: dec.TriggeredRuleIDs, Descriptions: dec.Descriptions}
	default:
		return GateResult{Status: GateDeny, Reason: "Approval cancelled.",
			Classification: cls, TriggeredRules: dec.TriggeredRuleIDs, Descriptions: dec.Descriptions}
	}
}

// persistFailure aborts the turn on a disk error: an error history entry
// is attempted, the client is told, and the operation is denied.
func (s *GateService) persistFailure(h *session.Handle, ch channel.Sender, err error) GateResult {
	s.logger.Error("persistence error, aborting operation", "session", h.State.SessionID, "error", err)
	_ = h.AppendHistory(session.HistoryEntry{
		Kind: session.EntryError, Content: "persistence error: " + err.Error(),
	})
	if ch != nil {
		_ = ch.Send(context.Background(), channel.NewError("persistence error, operation aborted"))
	}
	return GateResult{Status: GateDeny, Reason: "internal persistence error"}
}

func (s *GateService) recordAudit(sessionID, tool string, cls operation.Classification,
	sig string, dec security.GateDecision) {
	if s.auditLog == nil {
		return
	}
	s.auditLog.Append(audit.Record{
		SessionID:      sessionID,
		Tool:           tool,
		OperationType:  string(cls.OperationType),
		Signature:      sig,
		Decision:       string(dec.Decision),
		TriggeredRules: dec.TriggeredRuleIDs,
		Reason:         dec.Reason,
	})
}

// sendToolCallInfo announces the gated call on the channel, with a detail
// line mirroring what a terminal client prints.
func (s *GateService) sendToolCallInfo(ctx context.Context, ch channel.Sender,
	tool string, args map[string]any, cls operation.Classification, dec security.GateDecision) {
	if ch == nil {
		return
	}
	detail := fmt.Sprintf("[%s]", cls.OperationType)
	if len(cls.Categories) > 0 {
		detail += fmt.Sprintf(" (%s)", strings.Join(cls.Categories, ", "))
	}
	if len(dec.TriggeredRuleIDs) > 0 {
		detail += " rules: " + strings.Join(dec.TriggeredRuleIDs, ", ")
	}
	switch dec.Decision {
	case security.DecisionNeedsApproval:
		detail += " -> approval required"
	case security.DecisionBlock:
		detail += " -> blocked"
	}
	if err := ch.Send(ctx, channel.NewToolCallInfo(tool, args, detail)); err != nil {
		s.logger.Debug("tool call info send failed", "error", err)
	}
}
