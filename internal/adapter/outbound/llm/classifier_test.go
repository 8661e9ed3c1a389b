package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/thiesgerken/carapace/internal/domain/operation"
	"github.com/thiesgerken/carapace/internal/domain/usage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedClient returns canned JSON responses, standing in for the SDK.
type scriptedClient struct {
	json       string
	err        error
	lastPrompt string
}

func (c *scriptedClient) GenerateJSON(_ context.Context, _, _, prompt string, _ *genai.Schema) ([]byte, Usage, error) {
	c.lastPrompt = prompt
	if c.err != nil {
		return nil, Usage{}, c.err
	}
	return []byte(c.json), Usage{InputTokens: 10, OutputTokens: 5}, nil
}

func (c *scriptedClient) Chat(_ context.Context, _, _ string, _ []*genai.Content,
	_ []*genai.FunctionDeclaration) (*ChatResponse, error) {
	return nil, errors.New("not used")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		err      error
		wantType operation.Type
		wantConf float64
	}{
		{
			name:     "well-formed response",
			json:     `{"operation_type":"read_external","categories":["web"],"description":"fetches a page","confidence":0.9}`,
			wantType: operation.TypeReadExternal,
			wantConf: 0.9,
		},
		{
			name:     "model unreachable falls back conservatively",
			err:      errors.New("connection refused"),
			wantType: operation.TypeExecute,
			wantConf: 0,
		},
		{
			name:     "unparseable output falls back conservatively",
			json:     `not json at all`,
			wantType: operation.TypeExecute,
			wantConf: 0,
		},
		{
			name:     "unknown operation type falls back conservatively",
			json:     `{"operation_type":"teleport","confidence":1}`,
			wantType: operation.TypeExecute,
			wantConf: 0,
		},
		{
			name:     "confidence above one is clamped",
			json:     `{"operation_type":"read_local","confidence":3.5}`,
			wantType: operation.TypeReadLocal,
			wantConf: 1,
		},
		{
			name:     "negative confidence is clamped",
			json:     `{"operation_type":"read_local","confidence":-1}`,
			wantType: operation.TypeReadLocal,
			wantConf: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &scriptedClient{json: tt.json, err: tt.err}
			c := NewClassifier(client, "test-model", usage.NewTracker(), testLogger())

			cls := c.Classify(context.Background(), "fetch", map[string]any{"url": "https://x"}, "")
			if cls.OperationType != tt.wantType {
				t.Errorf("OperationType = %q, want %q", cls.OperationType, tt.wantType)
			}
			if cls.Confidence != tt.wantConf {
				t.Errorf("Confidence = %v, want %v", cls.Confidence, tt.wantConf)
			}
		})
	}
}

func TestClassifyPromptContents(t *testing.T) {
	client := &scriptedClient{json: `{"operation_type":"read_local","confidence":1}`}
	c := NewClassifier(client, "test-model", usage.NewTracker(), testLogger())

	c.Classify(context.Background(), "read", map[string]any{"path": "notes.md"}, "reads a workspace file")
	for _, want := range []string{"Tool: read", "notes.md", "Context: reads a workspace file"} {
		if !strings.Contains(client.lastPrompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, client.lastPrompt)
		}
	}
}

func TestClassifyTruncatesHugeArgs(t *testing.T) {
	client := &scriptedClient{json: `{"operation_type":"write_local","confidence":1}`}
	c := NewClassifier(client, "test-model", usage.NewTracker(), testLogger())

	c.Classify(context.Background(), "write",
		map[string]any{"content": strings.Repeat("x", 10*argsBudget)}, "")
	if len(client.lastPrompt) > 2*argsBudget {
		t.Errorf("prompt length = %d, want truncated near %d", len(client.lastPrompt), argsBudget)
	}
}

func TestClassifyRecordsUsage(t *testing.T) {
	tracker := usage.NewTracker()
	client := &scriptedClient{json: `{"operation_type":"read_local","confidence":1}`}
	c := NewClassifier(client, "test-model", tracker, testLogger())

	c.Classify(context.Background(), "read", nil, "")
	in, out := tracker.Totals()
	if in != 10 || out != 5 {
		t.Errorf("Totals() = (%d, %d), want (10, 5)", in, out)
	}
}
