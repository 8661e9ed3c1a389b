package security

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/thiesgerken/carapace/internal/domain/operation"
	"github.com/thiesgerken/carapace/internal/domain/rule"
	"github.com/thiesgerken/carapace/internal/domain/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedEvaluator answers trigger and effect questions from fixed maps
// and counts calls, standing in for the auxiliary model.
type scriptedEvaluator struct {
	triggers     map[string]bool  // rule id -> trigger satisfied
	effects      map[string]bool  // rule id -> effect applies
	triggerErrs  map[string]error // rule id -> trigger evaluation error
	effectErrs   map[string]error // rule id -> effect evaluation error
	triggerCalls int
	effectCalls  int
}

func (s *scriptedEvaluator) CheckTrigger(_ context.Context, r rule.Rule, _ ActivationContext) (bool, error) {
	s.triggerCalls++
	if err := s.triggerErrs[r.ID]; err != nil {
		return false, err
	}
	return s.triggers[r.ID], nil
}

func (s *scriptedEvaluator) CheckEffect(_ context.Context, r rule.Rule, _ operation.Classification,
	_ string, _ map[string]any) (bool, error) {
	s.effectCalls++
	if err := s.effectErrs[r.ID]; err != nil {
		return false, err
	}
	return s.effects[r.ID], nil
}

func webWriteRules() *rule.Set {
	return rule.NewSet([]rule.Rule{
		{
			ID:          "no-write-after-web",
			Trigger:     "agent has read from the internet",
			Effect:      "block writes without approval",
			Mode:        rule.ModeApprove,
			Description: "Writes need approval after web reads.",
		},
	})
}

func newSessionState() *session.State {
	return &session.State{SessionID: "s-1"}
}

func newCaches() *session.Caches {
	return &session.Caches{
		Activation: make(map[string]bool),
		Decision:   make(map[string]bool),
	}
}

func evaluate(e *Engine, rules *rule.Set, st *session.State, caches *session.Caches,
	cls operation.Classification, sig string) GateDecision {
	actx := ActivationContext{
		HistorySummary: "test history",
		ActivatedRules: append([]string(nil), st.ActivatedRules...),
		Classification: cls,
	}
	return e.Evaluate(context.Background(), rules, st, caches, actx, cls,
		"tool", map[string]any{"k": "v"}, sig)
}

func TestEngineWebThenWrite(t *testing.T) {
	eval := &scriptedEvaluator{
		triggers: map[string]bool{"no-write-after-web": false},
		effects:  map[string]bool{"no-write-after-web": false},
	}
	e := NewEngine(eval, testLogger())
	rules := webWriteRules()
	st := newSessionState()
	caches := newCaches()

	// A local read before any web access: rule dormant, operation allowed.
	dec := evaluate(e, rules, st, caches, operation.Classification{OperationType: operation.TypeReadLocal}, "sig-read")
	if dec.Decision != DecisionAllow {
		t.Fatalf("decision = %q, want allow", dec.Decision)
	}
	if len(st.ActivatedRules) != 0 {
		t.Fatalf("activated = %v, want none", st.ActivatedRules)
	}

	// The web fetch satisfies the trigger; the rule activates but the
	// fetch itself is not a write, so it is still allowed.
	eval.triggers["no-write-after-web"] = true
	dec = evaluate(e, rules, st, caches, operation.Classification{OperationType: operation.TypeReadExternal}, "sig-fetch")
	if dec.Decision != DecisionAllow {
		t.Fatalf("decision = %q, want allow", dec.Decision)
	}
	if !reflect.DeepEqual(dec.NewlyActivated, []string{"no-write-after-web"}) {
		t.Fatalf("NewlyActivated = %v", dec.NewlyActivated)
	}
	if !st.IsActivated("no-write-after-web") {
		t.Fatal("rule not recorded in activated_rules")
	}

	// The subsequent write is caught by the now-active rule.
	eval.effects["no-write-after-web"] = true
	dec = evaluate(e, rules, st, caches, operation.Classification{OperationType: operation.TypeWriteLocal}, "sig-write")
	if dec.Decision != DecisionNeedsApproval {
		t.Fatalf("decision = %q, want needs_approval", dec.Decision)
	}
	if !reflect.DeepEqual(dec.TriggeredRuleIDs, []string{"no-write-after-web"}) {
		t.Errorf("TriggeredRuleIDs = %v", dec.TriggeredRuleIDs)
	}
	if len(dec.Descriptions) != 1 || dec.Descriptions[0] != "[no-write-after-web] Writes need approval after web reads." {
		t.Errorf("Descriptions = %v", dec.Descriptions)
	}
}

func TestEngineNewlyActivatedRuleAppliesSamePass(t *testing.T) {
	// The very operation that activates the rule is also restricted by it:
	// the user sees the full consequence immediately.
	eval := &scriptedEvaluator{
		triggers: map[string]bool{"no-write-after-web": true},
		effects:  map[string]bool{"no-write-after-web": true},
	}
	e := NewEngine(eval, testLogger())
	st := newSessionState()

	dec := evaluate(e, webWriteRules(), st, newCaches(),
		operation.Classification{OperationType: operation.TypeWriteExternal}, "sig-1")
	if dec.Decision != DecisionNeedsApproval {
		t.Errorf("decision = %q, want needs_approval", dec.Decision)
	}
}

func TestEngineAlwaysRule(t *testing.T) {
	rules := rule.NewSet([]rule.Rule{{
		ID:          "skill-modification",
		Trigger:     "always",
		Effect:      "writes under skills/ need approval",
		Mode:        rule.ModeApprove,
		Description: "Skill changes need approval.",
	}})
	eval := &scriptedEvaluator{effects: map[string]bool{"skill-modification": true}}
	e := NewEngine(eval, testLogger())
	st := newSessionState()

	dec := evaluate(e, rules, st, newCaches(),
		operation.Classification{OperationType: operation.TypeSkillModify}, "sig-1")
	if dec.Decision != DecisionNeedsApproval {
		t.Errorf("decision = %q, want needs_approval", dec.Decision)
	}
	// Always-rules are in force without appearing in activated_rules.
	if len(st.ActivatedRules) != 0 {
		t.Errorf("activated = %v, want none", st.ActivatedRules)
	}
	if eval.triggerCalls != 0 {
		t.Errorf("triggerCalls = %d, want 0 for always rules", eval.triggerCalls)
	}
}

func TestEngineBlockOverridesApprove(t *testing.T) {
	rules := rule.NewSet([]rule.Rule{
		{ID: "ask-first", Trigger: "always", Effect: "e1", Mode: rule.ModeApprove, Description: "d1"},
		{ID: "never", Trigger: "always", Effect: "e2", Mode: rule.ModeBlock, Description: "d2"},
	})
	eval := &scriptedEvaluator{effects: map[string]bool{"ask-first": true, "never": true}}
	e := NewEngine(eval, testLogger())

	dec := evaluate(e, rules, newSessionState(), newCaches(),
		operation.Classification{OperationType: operation.TypeWriteExternal}, "sig-1")
	if dec.Decision != DecisionBlock {
		t.Fatalf("decision = %q, want block", dec.Decision)
	}
	// Both applicable rules are reported, in file order.
	if !reflect.DeepEqual(dec.TriggeredRuleIDs, []string{"ask-first", "never"}) {
		t.Errorf("TriggeredRuleIDs = %v", dec.TriggeredRuleIDs)
	}
}

func TestEngineDisabledRuleStillActivates(t *testing.T) {
	eval := &scriptedEvaluator{
		triggers: map[string]bool{"no-write-after-web": true},
		effects:  map[string]bool{"no-write-after-web": true},
	}
	e := NewEngine(eval, testLogger())
	st := newSessionState()
	st.Disable("no-write-after-web")

	dec := evaluate(e, webWriteRules(), st, newCaches(),
		operation.Classification{OperationType: operation.TypeWriteLocal}, "sig-1")

	// Disabling suspends enforcement, not activation bookkeeping.
	if dec.Decision != DecisionAllow {
		t.Errorf("decision = %q, want allow", dec.Decision)
	}
	if !st.IsActivated("no-write-after-web") {
		t.Error("disabled rule did not activate")
	}

	// Re-enabling brings the already-activated rule back into force.
	st.Enable("no-write-after-web")
	dec = evaluate(e, webWriteRules(), st, newCaches(),
		operation.Classification{OperationType: operation.TypeWriteLocal}, "sig-2")
	if dec.Decision != DecisionNeedsApproval {
		t.Errorf("decision after enable = %q, want needs_approval", dec.Decision)
	}
}

func TestEngineApprovedOperationShortcut(t *testing.T) {
	eval := &scriptedEvaluator{
		triggers: map[string]bool{"no-write-after-web": true},
		effects:  map[string]bool{"no-write-after-web": true},
	}
	e := NewEngine(eval, testLogger())
	st := newSessionState()
	st.Activate("no-write-after-web")
	st.ApproveOperation("sig-approved")

	dec := evaluate(e, webWriteRules(), st, newCaches(),
		operation.Classification{OperationType: operation.TypeWriteLocal}, "sig-approved")
	if dec.Decision != DecisionAllow {
		t.Errorf("decision = %q, want allow for approved signature", dec.Decision)
	}
	// The approve-mode rule was not consulted.
	if eval.effectCalls != 0 {
		t.Errorf("effectCalls = %d, want 0", eval.effectCalls)
	}
}

func TestEngineApprovedOperationStillBlocked(t *testing.T) {
	rules := rule.NewSet([]rule.Rule{
		{ID: "never", Trigger: "always", Effect: "e", Mode: rule.ModeBlock, Description: "d"},
	})
	eval := &scriptedEvaluator{effects: map[string]bool{"never": true}}
	e := NewEngine(eval, testLogger())
	st := newSessionState()
	st.ApproveOperation("sig-1")

	dec := evaluate(e, rules, st, newCaches(),
		operation.Classification{OperationType: operation.TypeWriteExternal}, "sig-1")
	if dec.Decision != DecisionBlock {
		t.Errorf("decision = %q, want block (approval never waives a block)", dec.Decision)
	}
}

func TestEngineCaching(t *testing.T) {
	eval := &scriptedEvaluator{
		triggers: map[string]bool{"no-write-after-web": false},
		effects:  map[string]bool{"no-write-after-web": false},
	}
	e := NewEngine(eval, testLogger())
	st := newSessionState()
	caches := newCaches()
	cls := operation.Classification{OperationType: operation.TypeReadLocal}

	evaluate(e, webWriteRules(), st, caches, cls, "sig-1")
	first := eval.triggerCalls
	// Identical context: the activation answer comes from the cache.
	evaluate(e, webWriteRules(), st, caches, cls, "sig-1")
	if eval.triggerCalls != first {
		t.Errorf("triggerCalls = %d, want %d (cached)", eval.triggerCalls, first)
	}

	st.Activate("no-write-after-web")
	eval.effects["no-write-after-web"] = true
	evaluate(e, webWriteRules(), st, caches, cls, "sig-1")
	effectCallsAfterFirst := eval.effectCalls
	// Same (rule, signature): the applicability answer is cached.
	evaluate(e, webWriteRules(), st, caches, cls, "sig-1")
	if eval.effectCalls != effectCallsAfterFirst {
		t.Errorf("effectCalls = %d, want %d (cached)", eval.effectCalls, effectCallsAfterFirst)
	}
}

func TestEngineTriggerErrorFailsOpen(t *testing.T) {
	eval := &scriptedEvaluator{
		triggerErrs: map[string]error{"no-write-after-web": errors.New("model down")},
	}
	e := NewEngine(eval, testLogger())
	st := newSessionState()
	caches := newCaches()

	dec := evaluate(e, webWriteRules(), st, caches,
		operation.Classification{OperationType: operation.TypeWriteLocal}, "sig-1")
	if dec.Decision != DecisionAllow {
		t.Errorf("decision = %q, want allow (activation fails open)", dec.Decision)
	}
	if len(st.ActivatedRules) != 0 {
		t.Error("errored trigger must not activate the rule")
	}
	// Errors are not cached: a later healthy evaluation can still activate.
	if _, ok := caches.Activation["no-write-after-web/"+activationHash(st, "sig-1")]; ok {
		t.Error("error result was cached")
	}
}

// activationHash mirrors the cache key construction for the error test.
func activationHash(st *session.State, _ string) string {
	actx := ActivationContext{
		HistorySummary: "test history",
		ActivatedRules: append([]string(nil), st.ActivatedRules...),
		Classification: operation.Classification{OperationType: operation.TypeWriteLocal},
	}
	return actx.Hash()
}

func TestEngineEffectErrorFailsClosed(t *testing.T) {
	rules := rule.NewSet([]rule.Rule{
		{ID: "hard-block", Trigger: "always", Effect: "e", Mode: rule.ModeBlock, Description: "d"},
	})
	eval := &scriptedEvaluator{
		effectErrs: map[string]error{"hard-block": errors.New("model down")},
	}
	e := NewEngine(eval, testLogger())

	dec := evaluate(e, rules, newSessionState(), newCaches(),
		operation.Classification{OperationType: operation.TypeWriteLocal}, "sig-1")
	// An errored in-force rule applies with approve mode: enforcement is
	// preserved without escalating uncertainty to a block.
	if dec.Decision != DecisionNeedsApproval {
		t.Errorf("decision = %q, want needs_approval (enforcement fails closed)", dec.Decision)
	}
}

func TestEngineEmptyRuleSetAllowsEverything(t *testing.T) {
	e := NewEngine(&scriptedEvaluator{}, testLogger())
	dec := evaluate(e, rule.NewSet(nil), newSessionState(), newCaches(),
		operation.Classification{OperationType: operation.TypeExecute}, "sig-1")
	if dec.Decision != DecisionAllow {
		t.Errorf("decision = %q, want allow", dec.Decision)
	}
}

func TestActivationContextHashIsStable(t *testing.T) {
	a := ActivationContext{
		HistorySummary: "h",
		ActivatedRules: []string{"b", "a"},
		Classification: operation.Classification{OperationType: operation.TypeExecute, Categories: []string{"y", "x"}},
	}
	b := ActivationContext{
		HistorySummary: "h",
		ActivatedRules: []string{"a", "b"},
		Classification: operation.Classification{OperationType: operation.TypeExecute, Categories: []string{"x", "y"}},
	}
	if a.Hash() != b.Hash() {
		t.Error("hash depends on set ordering")
	}
	c := a
	c.HistorySummary = "different"
	if a.Hash() == c.Hash() {
		t.Error("hash ignores history")
	}
}
