package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/thiesgerken/carapace/internal/domain/operation"
	"github.com/thiesgerken/carapace/internal/domain/rule"
	"github.com/thiesgerken/carapace/internal/domain/security"
	"github.com/thiesgerken/carapace/internal/domain/usage"
)

const evaluatorInstructions = `You are a security rule evaluator. You will be given:
1. A rule with a trigger condition and an effect description
2. The current session context (history summary and activated rules)
3. An operation classification

Answer true if the condition holds, false otherwise. Be precise. For example, if a ` +
	`rule says 'block all write operations' and the operation is a read, answer false. ` +
	`If the rule says 'block outbound communication' and the operation is writing a ` +
	`local file, answer false.`

// answerSchema constrains evaluator responses to a single boolean.
var answerSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"answer": {Type: genai.TypeBoolean},
	},
	Required: []string{"answer"},
}

// Evaluator answers the engine's trigger and effect questions with one
// auxiliary-model call each. Errors propagate to the engine, which
// applies its asymmetric failure semantics.
type Evaluator struct {
	client  Client
	model   string
	tracker *usage.Tracker
	logger  *slog.Logger
}

// Compile-time check that Evaluator implements security.Evaluator.
var _ security.Evaluator = (*Evaluator)(nil)

// NewEvaluator creates an Evaluator using the given model id.
func NewEvaluator(client Client, model string, tracker *usage.Tracker, logger *slog.Logger) *Evaluator {
	return &Evaluator{client: client, model: model, tracker: tracker, logger: logger}
}

// CheckTrigger asks whether the rule's trigger condition has become true
// given the session context and the pending operation.
func (e *Evaluator) CheckTrigger(ctx context.Context, r rule.Rule, actx security.ActivationContext) (bool, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Rule trigger: %q\n", r.Trigger)
	fmt.Fprintf(&b, "Current operation: %s (categories: %s, description: %s)\n",
		actx.Classification.OperationType,
		strings.Join(actx.Classification.Categories, ", "),
		actx.Classification.Description)
	fmt.Fprintf(&b, "Already activated rules: %s\n", strings.Join(actx.ActivatedRules, ", "))
	if actx.HistorySummary != "" {
		fmt.Fprintf(&b, "Session history:\n%s\n", actx.HistorySummary)
	}
	b.WriteString("\nHas this trigger condition become true based on the session and the " +
		"current operation? Answer true if this operation causes the trigger to be met " +
		"(e.g., if the trigger is 'the agent has read content from the internet' and the " +
		"operation is read_external, then true). Answer false otherwise.")

	return e.ask(ctx, b.String())
}

// CheckEffect asks whether the rule's effect restricts the current
// operation.
func (e *Evaluator) CheckEffect(ctx context.Context, r rule.Rule, cls operation.Classification,
	tool string, args map[string]any) (bool, error) {

	argsJSON, err := json.Marshal(args)
	if err != nil {
		argsJSON = []byte("{}")
	}
	argsStr := string(argsJSON)
	if len(argsStr) > argsBudget {
		argsStr = argsStr[:argsBudget] + "..."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Rule effect: %q\n", r.Effect)
	fmt.Fprintf(&b, "Operation type: %s\n", cls.OperationType)
	fmt.Fprintf(&b, "Operation categories: %s\n", strings.Join(cls.Categories, ", "))
	fmt.Fprintf(&b, "Operation description: %s\n", cls.Description)
	fmt.Fprintf(&b, "Tool: %s\n", tool)
	fmt.Fprintf(&b, "Arguments: %s\n", argsStr)
	b.WriteString("\nDoes this rule's effect restrict/gate this specific operation? " +
		"Answer true if the operation falls under what the rule restricts. " +
		"Answer false if the operation is not restricted by this rule.")

	return e.ask(ctx, b.String())
}

func (e *Evaluator) ask(ctx context.Context, prompt string) (bool, error) {
	raw, u, err := e.client.GenerateJSON(ctx, e.model, evaluatorInstructions, prompt, answerSchema)
	if err != nil {
		return false, err
	}
	e.tracker.Record(e.model, "rules", usage.Sample{
		InputTokens:     u.InputTokens,
		OutputTokens:    u.OutputTokens,
		CacheReadTokens: u.CacheReadTokens,
	})

	var out struct {
		Answer bool `json:"answer"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, fmt.Errorf("parse evaluator answer: %w", err)
	}
	return out.Answer, nil
}
