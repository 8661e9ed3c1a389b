// Package llm wraps the auxiliary model behind small interfaces: a thin
// SDK client, the operation classifier, and the rule evaluator. All
// post-processing is deterministic; model non-determinism stays inside
// the SDK call.
package llm

import (
	"context"
	"fmt"
	"os"

	"google.golang.org/genai"
)

// Usage carries token counts for one model invocation.
type Usage struct {
	InputTokens     int
	OutputTokens    int
	CacheReadTokens int
}

// ChatResponse is the distilled result of one chat call.
type ChatResponse struct {
	Text          string
	FunctionCalls []*genai.FunctionCall
	Usage         Usage
}

// Client is the transport to the auxiliary model. The interface exposes
// SDK types directly; it exists so tests can script model answers.
type Client interface {
	// GenerateJSON requests a response constrained to the given schema
	// and returns the raw JSON bytes.
	GenerateJSON(ctx context.Context, model, system, prompt string, schema *genai.Schema) ([]byte, Usage, error)
	// Chat runs one conversational call with optional tool declarations.
	Chat(ctx context.Context, model, system string, contents []*genai.Content,
		tools []*genai.FunctionDeclaration) (*ChatResponse, error)
}

// GoogleClient implements Client on the official genai SDK.
type GoogleClient struct {
	client *genai.Client
}

// NewGoogleClient creates a GoogleClient. The API key comes from
// CARAPACE_LLM_API_KEY, falling back to the SDK's own environment lookup.
func NewGoogleClient(ctx context.Context) (*GoogleClient, error) {
	cfg := &genai.ClientConfig{Backend: genai.BackendGeminiAPI}
	if key := os.Getenv("CARAPACE_LLM_API_KEY"); key != "" {
		cfg.APIKey = key
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GoogleClient{client: client}, nil
}

// GenerateJSON calls the model with a response schema and returns the
// JSON text verbatim.
func (c *GoogleClient) GenerateJSON(ctx context.Context, model, system, prompt string,
	schema *genai.Schema) ([]byte, Usage, error) {

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   schema,
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, genai.Text(prompt), config)
	if err != nil {
		return nil, Usage{}, fmt.Errorf("generate content: %w", err)
	}
	return []byte(resp.Text()), usageFrom(resp), nil
}

// Chat runs one model call over the given contents.
func (c *GoogleClient) Chat(ctx context.Context, model, system string,
	contents []*genai.Content, tools []*genai.FunctionDeclaration) (*ChatResponse, error) {

	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if len(tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: tools}}
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	return &ChatResponse{
		Text:          resp.Text(),
		FunctionCalls: resp.FunctionCalls(),
		Usage:         usageFrom(resp),
	}, nil
}

func usageFrom(resp *genai.GenerateContentResponse) Usage {
	if resp == nil || resp.UsageMetadata == nil {
		return Usage{}
	}
	return Usage{
		InputTokens:     int(resp.UsageMetadata.PromptTokenCount),
		OutputTokens:    int(resp.UsageMetadata.CandidatesTokenCount),
		CacheReadTokens: int(resp.UsageMetadata.CachedContentTokenCount),
	}
}
