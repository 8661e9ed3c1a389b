package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/thiesgerken/carapace/internal/domain/operation"
	"github.com/thiesgerken/carapace/internal/domain/rule"
	"github.com/thiesgerken/carapace/internal/domain/security"
	"github.com/thiesgerken/carapace/internal/domain/usage"
)

func testRule() rule.Rule {
	return rule.Rule{
		ID:      "no-write-after-web",
		Trigger: "agent has read from the internet",
		Effect:  "block writes without approval",
		Mode:    rule.ModeApprove,
	}
}

func TestCheckTrigger(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		err     error
		want    bool
		wantErr bool
	}{
		{name: "true answer", json: `{"answer":true}`, want: true},
		{name: "false answer", json: `{"answer":false}`, want: false},
		{name: "transport error propagates", err: errors.New("timeout"), wantErr: true},
		{name: "malformed answer propagates", json: `yes`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &scriptedClient{json: tt.json, err: tt.err}
			e := NewEvaluator(client, "test-model", usage.NewTracker(), testLogger())

			got, err := e.CheckTrigger(context.Background(), testRule(), security.ActivationContext{
				HistorySummary: "user: fetch something\ntool_call: fetch",
				ActivatedRules: []string{"other-rule"},
				Classification: operation.Classification{OperationType: operation.TypeReadExternal},
			})
			if tt.wantErr {
				if err == nil {
					t.Fatal("CheckTrigger() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("CheckTrigger() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("CheckTrigger() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckTriggerPromptContents(t *testing.T) {
	client := &scriptedClient{json: `{"answer":true}`}
	e := NewEvaluator(client, "test-model", usage.NewTracker(), testLogger())

	_, err := e.CheckTrigger(context.Background(), testRule(), security.ActivationContext{
		HistorySummary: "tool_call: fetch",
		ActivatedRules: []string{"rule-x"},
		Classification: operation.Classification{
			OperationType: operation.TypeReadExternal,
			Categories:    []string{"web"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`Rule trigger: "agent has read from the internet"`,
		"read_external",
		"rule-x",
		"tool_call: fetch",
	} {
		if !strings.Contains(client.lastPrompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, client.lastPrompt)
		}
	}
}

func TestCheckEffectPromptContents(t *testing.T) {
	client := &scriptedClient{json: `{"answer":false}`}
	e := NewEvaluator(client, "test-model", usage.NewTracker(), testLogger())

	got, err := e.CheckEffect(context.Background(), testRule(),
		operation.Classification{OperationType: operation.TypeWriteLocal, Description: "writes a file"},
		"write_file", map[string]any{"path": "/a"})
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Error("CheckEffect() = true, want false")
	}
	for _, want := range []string{
		`Rule effect: "block writes without approval"`,
		"write_local",
		"Tool: write_file",
		`"path":"/a"`,
	} {
		if !strings.Contains(client.lastPrompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, client.lastPrompt)
		}
	}
}
