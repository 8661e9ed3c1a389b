package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/thiesgerken/carapace/internal/domain/operation"
	"github.com/thiesgerken/carapace/internal/domain/usage"
)

// argsBudget caps how many characters of serialised arguments are sent to
// the classifier.
const argsBudget = 2000

const classifierInstructions = `You are a security classifier for an AI agent system. ` +
	`Given a tool name, its arguments, and optional context, classify the operation.

Operation types:
- read_local: reading files, listing directories, read-only shell commands
- write_local: writing/modifying local files
- read_external: reading from the internet, APIs, external services
- write_external: sending emails, posting to APIs, outbound communication
- read_sensitive: reading personal data (finances, health, documents)
- write_sensitive: modifying personal/sensitive data
- execute: running arbitrary code or commands that modify state
- credential_access: fetching or using credentials/secrets
- memory_read: reading agent memory files
- memory_write: writing/modifying agent memory files
- skill_modify: creating, editing, or deleting skill files

Categories are free-form tags like: finance, email, documents, web, skills, shell, memory, health.

Be precise. A shell command like 'ls' or 'cat' is read_local. A shell command like ` +
	`'rm' or 'curl -X POST' is execute or write_external. Reading a file in memory/ is ` +
	`memory_read. Writing to memory/ is memory_write.`

// classificationSchema constrains the model's response to the
// Classification shape.
var classificationSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"operation_type": {
			Type: genai.TypeString,
			Enum: operationTypeNames(),
		},
		"categories": {
			Type:  genai.TypeArray,
			Items: &genai.Schema{Type: genai.TypeString},
		},
		"description": {Type: genai.TypeString},
		"confidence":  {Type: genai.TypeNumber},
	},
	Required: []string{"operation_type", "confidence"},
}

func operationTypeNames() []string {
	names := make([]string, len(operation.AllTypes))
	for i, t := range operation.AllTypes {
		names[i] = string(t)
	}
	return names
}

// Classifier turns one tool invocation into an OperationClassification
// with a single auxiliary-model call.
type Classifier struct {
	client  Client
	model   string
	tracker *usage.Tracker
	logger  *slog.Logger
}

// NewClassifier creates a Classifier using the given model id.
func NewClassifier(client Client, model string, tracker *usage.Tracker, logger *slog.Logger) *Classifier {
	return &Classifier{client: client, model: model, tracker: tracker, logger: logger}
}

// Classify classifies one tool invocation. hint is an optional prior from
// the tool's manifest; the model may override it. A model or parse
// failure yields the conservative default and is logged, never raised:
// unclassified operations are the likeliest to be caught by broad rules.
func (c *Classifier) Classify(ctx context.Context, tool string, args map[string]any, hint string) operation.Classification {
	prompt := c.buildPrompt(tool, args, hint)

	raw, u, err := c.client.GenerateJSON(ctx, c.model, classifierInstructions, prompt, classificationSchema)
	if err != nil {
		c.logger.Warn("classifier model unavailable, using conservative default",
			"tool", tool, "error", err)
		return operation.Conservative()
	}
	c.tracker.Record(c.model, "classifier", usage.Sample{
		InputTokens:     u.InputTokens,
		OutputTokens:    u.OutputTokens,
		CacheReadTokens: u.CacheReadTokens,
	})

	var cls operation.Classification
	if err := json.Unmarshal(raw, &cls); err != nil || !cls.OperationType.IsValid() {
		c.logger.Warn("classifier returned unparseable output, using conservative default",
			"tool", tool, "error", err)
		return operation.Conservative()
	}
	if cls.Confidence < 0 {
		cls.Confidence = 0
	}
	if cls.Confidence > 1 {
		cls.Confidence = 1
	}
	return cls
}

func (c *Classifier) buildPrompt(tool string, args map[string]any, hint string) string {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		argsJSON = []byte(fmt.Sprintf("%v", args))
	}
	argsStr := string(argsJSON)
	if len(argsStr) > argsBudget {
		argsStr = argsStr[:argsBudget] + "..."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Tool: %s\n", tool)
	fmt.Fprintf(&b, "Arguments: %s\n", argsStr)
	if hint != "" {
		fmt.Fprintf(&b, "Context: %s\n", hint)
	}
	return b.String()
}
