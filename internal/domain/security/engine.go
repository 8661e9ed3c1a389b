// Package security implements the rule engine: trigger activation over the
// session's derived context, applicability of in-force rules to the
// current operation, and the aggregated gate decision.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/thiesgerken/carapace/internal/domain/operation"
	"github.com/thiesgerken/carapace/internal/domain/rule"
	"github.com/thiesgerken/carapace/internal/domain/session"
)

// Decision is the aggregated outcome for one operation.
type Decision string

const (
	DecisionAllow         Decision = "allow"
	DecisionNeedsApproval Decision = "needs_approval"
	DecisionBlock         Decision = "block"
)

// GateDecision is the engine's verdict on one tool invocation.
type GateDecision struct {
	Decision Decision
	// TriggeredRuleIDs are the applicable rules, in rule-file order.
	TriggeredRuleIDs []string
	// Descriptions are the human-readable texts of the applicable rules,
	// formatted "[id] description", aligned with TriggeredRuleIDs.
	Descriptions []string
	// NewlyActivated are the rule ids whose trigger fired during this pass.
	NewlyActivated []string
	// Reason is a short explanation for block and needs_approval outcomes.
	Reason string
}

// ActivationContext is the history-derived context a trigger condition is
// evaluated against. It covers the session history up to and including the
// pending operation's classification.
type ActivationContext struct {
	// HistorySummary is a compact rendering of the session history.
	HistorySummary string
	// ActivatedRules are the ids already activated before this pass.
	ActivatedRules []string
	// Classification is the pending operation's classification.
	Classification operation.Classification
}

// Hash returns a deterministic key component for the activation cache.
func (a ActivationContext) Hash() string {
	activated := append([]string(nil), a.ActivatedRules...)
	sort.Strings(activated)
	cats := append([]string(nil), a.Classification.Categories...)
	sort.Strings(cats)

	var b strings.Builder
	b.WriteString(a.HistorySummary)
	b.WriteByte(0)
	b.WriteString(strings.Join(activated, ","))
	b.WriteByte(0)
	b.WriteString(string(a.Classification.OperationType))
	b.WriteByte(0)
	b.WriteString(strings.Join(cats, ","))
	return fmt.Sprintf("%016x", xxhash.Sum64String(b.String()))
}

// Evaluator answers the two natural-language questions the engine asks the
// auxiliary model: has a trigger condition become true, and does a rule's
// effect restrict this operation. The LLM-backed implementation lives in
// internal/adapter/outbound/llm.
type Evaluator interface {
	// CheckTrigger reports whether the rule's trigger condition is
	// satisfied by the session context.
	CheckTrigger(ctx context.Context, r rule.Rule, actx ActivationContext) (bool, error)
	// CheckEffect reports whether the rule's effect applies to the
	// current operation.
	CheckEffect(ctx context.Context, r rule.Rule, cls operation.Classification,
		tool string, args map[string]any) (bool, error)
}

// Engine computes gate decisions. It is stateless; all per-session state
// lives in the session.State and session.Caches the caller holds under
// the session lock.
type Engine struct {
	eval   Evaluator
	logger *slog.Logger
}

// NewEngine creates an Engine over the given evaluator.
func NewEngine(eval Evaluator, logger *slog.Logger) *Engine {
	return &Engine{eval: eval, logger: logger}
}

// Evaluate runs the full pipeline for one operation: trigger activation,
// the approved-operation shortcut, the applicability pass, and
// aggregation. It mutates st.ActivatedRules (monotonically) and the
// caches; the caller must hold the session's exclusive lock and persist
// the state afterwards.
//
// Failure semantics are asymmetric on purpose: an evaluator error during
// activation counts as "trigger not satisfied" (no new restrictions from
// uncertainty), while an error during applicability of an in-force rule
// counts as "applies, approve mode" (errors never weaken an established
// restriction).
func (e *Engine) Evaluate(ctx context.Context, rules *rule.Set, st *session.State,
	caches *session.Caches, actx ActivationContext, cls operation.Classification,
	tool string, args map[string]any, opSignature string) GateDecision {

	var out GateDecision

	// Pass 1: trigger activation. Runs for every dormant non-always rule,
	// including disabled ones: disabling suspends enforcement, not the
	// record of what has happened in the session.
	ctxHash := actx.Hash()
	for _, r := range rules.All() {
		if r.IsAlways() || st.IsActivated(r.ID) {
			continue
		}
		key := r.ID + "/" + ctxHash
		satisfied, cached := caches.Activation[key]
		if !cached {
			var err error
			satisfied, err = e.eval.CheckTrigger(ctx, r, actx)
			if err != nil {
				e.logger.Warn("trigger evaluation failed, treating as not satisfied",
					"rule", r.ID, "error", err)
				continue
			}
			caches.Activation[key] = satisfied
		}
		if satisfied && st.Activate(r.ID) {
			out.NewlyActivated = append(out.NewlyActivated, r.ID)
			caches.InvalidateDecisions()
			e.logger.Info("rule activated", "rule", r.ID, "session", st.SessionID)
		}
	}

	// Approved-operation shortcut: a previously approved signature skips
	// the approve-mode applicability pass entirely. Block-mode rules are
	// still consulted; a block is never waived by an earlier approval.
	if st.IsOperationApproved(opSignature) {
		for _, r := range rules.All() {
			if r.Mode != rule.ModeBlock || !e.inForce(&r, st) {
				continue
			}
			applies, mode := e.effectAppliesWithMode(ctx, r, caches, cls, tool, args, opSignature)
			if applies && mode == rule.ModeBlock {
				out.TriggeredRuleIDs = append(out.TriggeredRuleIDs, r.ID)
				out.Descriptions = append(out.Descriptions, describeRule(&r))
			}
		}
		if len(out.TriggeredRuleIDs) > 0 {
			out.Decision = DecisionBlock
			out.Reason = blockReason(out.TriggeredRuleIDs)
			return out
		}
		out.Decision = DecisionAllow
		out.Reason = "operation previously approved in this session"
		return out
	}

	// Pass 2: applicability of in-force rules, in file order. Newly
	// activated rules participate in the same pass that activated them.
	var sawBlock, sawApprove bool
	for _, r := range rules.All() {
		if !e.inForce(&r, st) {
			continue
		}
		applies, mode := e.effectAppliesWithMode(ctx, r, caches, cls, tool, args, opSignature)
		if !applies {
			continue
		}
		out.TriggeredRuleIDs = append(out.TriggeredRuleIDs, r.ID)
		out.Descriptions = append(out.Descriptions, describeRule(&r))
		switch mode {
		case rule.ModeBlock:
			sawBlock = true
		case rule.ModeApprove:
			sawApprove = true
		}
	}

	// Aggregation: blocks dominate approvals; approvals dominate allow.
	switch {
	case sawBlock:
		out.Decision = DecisionBlock
		out.Reason = blockReason(out.TriggeredRuleIDs)
	case sawApprove:
		out.Decision = DecisionNeedsApproval
		out.Reason = fmt.Sprintf("approval required by rule(s): %s",
			strings.Join(out.TriggeredRuleIDs, ", "))
	default:
		out.Decision = DecisionAllow
	}
	return out
}

// inForce reports whether a rule is enforced right now: always-on or
// activated, and not disabled.
func (e *Engine) inForce(r *rule.Rule, st *session.State) bool {
	if st.IsDisabled(r.ID) {
		return false
	}
	return r.IsAlways() || st.IsActivated(r.ID)
}

// effectAppliesWithMode returns whether the rule applies and the mode to
// enforce it with. An evaluator error yields (true, approve): the rule is
// treated as applying, but never escalates to a block on uncertainty.
func (e *Engine) effectAppliesWithMode(ctx context.Context, r rule.Rule, caches *session.Caches,
	cls operation.Classification, tool string, args map[string]any, sig string) (bool, rule.Mode) {

	key := r.ID + "/" + sig
	if applies, ok := caches.Decision[key]; ok {
		return applies, r.Mode
	}
	applies, err := e.eval.CheckEffect(ctx, r, cls, tool, args)
	if err != nil {
		e.logger.Warn("effect evaluation failed, requiring approval",
			"rule", r.ID, "error", err)
		return true, rule.ModeApprove
	}
	caches.Decision[key] = applies
	return applies, r.Mode
}

func describeRule(r *rule.Rule) string {
	return fmt.Sprintf("[%s] %s", r.ID, strings.TrimSpace(r.Description))
}

func blockReason(ids []string) string {
	return fmt.Sprintf("blocked by rule(s): %s", strings.Join(ids, ", "))
}
