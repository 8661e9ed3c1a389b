package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/thiesgerken/carapace/internal/adapter/outbound/llm"
	"github.com/thiesgerken/carapace/internal/domain/channel"
	"github.com/thiesgerken/carapace/internal/domain/credential"
	"github.com/thiesgerken/carapace/internal/domain/memory"
	"github.com/thiesgerken/carapace/internal/domain/session"
	"github.com/thiesgerken/carapace/internal/domain/skill"
	"github.com/thiesgerken/carapace/internal/domain/usage"
)

// maxToolRounds bounds how many model/tool round trips one turn may take.
const maxToolRounds = 16

// defaultExecTimeout bounds shell commands without an explicit timeout.
const defaultExecTimeout = 30 * time.Second

// fetchBodyLimit caps how much of a fetched response is returned.
const fetchBodyLimit = 100 * 1024

// AgentService runs one serialized agent turn per session: it drives the
// conversation model with declared tools, dispatches every tool call
// through the security gate, and loops tool results back until the model
// produces text. The agent loop itself is a collaborator of the core; the
// gate is authoritative.
type AgentService struct {
	client   llm.Client
	model    string
	gate     *GateService
	skills   *skill.Registry
	memories *memory.Store
	creds    credential.Broker
	tracker  *usage.Tracker
	dataDir  string
	logger   *slog.Logger

	httpClient *http.Client
}

// NewAgentService wires the agent runner.
func NewAgentService(client llm.Client, model string, gate *GateService,
	skills *skill.Registry, memories *memory.Store, creds credential.Broker,
	tracker *usage.Tracker, dataDir string, logger *slog.Logger) *AgentService {
	return &AgentService{
		client:     client,
		model:      model,
		gate:       gate,
		skills:     skills,
		memories:   memories,
		creds:      creds,
		tracker:    tracker,
		dataDir:    dataDir,
		logger:     logger,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// RunTurn executes one agent turn under the session lock the caller
// holds. The final assistant text is sent as a done envelope; errors are
// reported on the channel and returned.
func (a *AgentService) RunTurn(ctx context.Context, h *session.Handle, ch channel.Sender, userInput string) error {
	if err := h.AppendHistory(session.HistoryEntry{
		Kind: session.EntryUserMessage, Content: userInput,
	}); err != nil {
		return fmt.Errorf("append user message: %w", err)
	}

	entries, err := h.History()
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	contents := buildContents(entries)
	system := a.buildSystemPrompt(h.State)

	for round := 0; round < maxToolRounds; round++ {
		select {
		case <-h.Done():
			return session.ErrGone
		default:
		}

		resp, err := a.client.Chat(ctx, a.model, system, contents, toolDeclarations)
		if err != nil {
			_ = h.AppendHistory(session.HistoryEntry{
				Kind: session.EntryError, Content: "agent model error: " + err.Error(),
			})
			_ = ch.Send(ctx, channel.NewError("agent model error: "+err.Error()))
			return fmt.Errorf("agent model call: %w", err)
		}
		a.tracker.Record(a.model, "agent", usage.Sample{
			InputTokens:     resp.Usage.InputTokens,
			OutputTokens:    resp.Usage.OutputTokens,
			CacheReadTokens: resp.Usage.CacheReadTokens,
		})

		if len(resp.FunctionCalls) == 0 {
			if err := h.AppendHistory(session.HistoryEntry{
				Kind: session.EntryAssistantMessage, Content: resp.Text,
			}); err != nil {
				return fmt.Errorf("append assistant message: %w", err)
			}
			if err := h.Persist(); err != nil {
				return fmt.Errorf("persist session: %w", err)
			}
			return ch.Send(ctx, channel.NewDone(resp.Text))
		}

		// Echo the model's tool requests, then answer each of them.
		modelParts := make([]*genai.Part, 0, len(resp.FunctionCalls))
		responseParts := make([]*genai.Part, 0, len(resp.FunctionCalls))
		for _, fc := range resp.FunctionCalls {
			modelParts = append(modelParts, &genai.Part{FunctionCall: fc})

			output := a.dispatchTool(ctx, h, ch, fc.Name, fc.Args)
			responseParts = append(responseParts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     fc.Name,
					Response: map[string]any{"output": output},
				},
			})
		}
		contents = append(contents,
			&genai.Content{Role: "model", Parts: modelParts},
			&genai.Content{Role: "function", Parts: responseParts},
		)
	}

	_ = ch.Send(ctx, channel.NewError("agent stopped: too many tool rounds"))
	return fmt.Errorf("agent turn exceeded %d tool rounds", maxToolRounds)
}

// dispatchTool gates one tool call and executes it when allowed. Denials
// and blocks become tool error strings so the model can plan an
// alternative.
func (a *AgentService) dispatchTool(ctx context.Context, h *session.Handle, ch channel.Sender,
	name string, args map[string]any) string {

	spec, ok := toolSpecs[name]
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", name)
	}

	if spec.gated {
		res := a.gate.Gate(ctx, h, ch, name, args, spec.hint)
		switch res.Status {
		case GateDeny:
			return "Error: " + res.Reason
		case GateBlock:
			return "Error: operation blocked: " + res.Reason
		}
	}

	out, err := spec.run(a, ctx, h, args)
	if err != nil {
		return "Error: " + err.Error()
	}
	return out
}

// toolSpec describes one agent tool: its classifier hint, whether it is
// gated, and its implementation.
type toolSpec struct {
	hint  string
	gated bool
	run   func(a *AgentService, ctx context.Context, h *session.Handle, args map[string]any) (string, error)
}

var toolSpecs = map[string]toolSpec{
	"read": {
		hint:  "reads a file or lists a directory inside the agent workspace",
		gated: true,
		run:   (*AgentService).toolRead,
	},
	"write": {
		hint:  "writes a file inside the agent workspace",
		gated: true,
		run:   (*AgentService).toolWrite,
	},
	"edit": {
		hint:  "replaces text within an existing workspace file",
		gated: true,
		run:   (*AgentService).toolEdit,
	},
	"exec": {
		hint:  "runs a shell command in the agent workspace",
		gated: true,
		run:   (*AgentService).toolExec,
	},
	"fetch": {
		hint:  "performs an HTTP GET against an external URL",
		gated: true,
		run:   (*AgentService).toolFetch,
	},
	"read_memory": {
		hint:  "reads or searches agent memory files",
		gated: false,
		run:   (*AgentService).toolReadMemory,
	},
	"write_memory": {
		hint:  "writes an agent memory file",
		gated: true,
		run:   (*AgentService).toolWriteMemory,
	},
	"list_skills": {
		hint:  "lists available skills",
		gated: false,
		run:   (*AgentService).toolListSkills,
	},
	"activate_skill": {
		hint:  "loads full skill instructions into the agent context",
		gated: true,
		run:   (*AgentService).toolActivateSkill,
	},
	"get_credential": {
		hint:  "fetches a credential from the broker",
		gated: true,
		run:   (*AgentService).toolGetCredential,
	},
}

// toolDeclarations advertises the tools to the model.
var toolDeclarations = []*genai.FunctionDeclaration{
	{
		Name:        "read",
		Description: "Read a file from the data directory, or list a directory.",
		Parameters: &genai.Schema{Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{"path": {Type: genai.TypeString}},
			Required:   []string{"path"}},
	},
	{
		Name:        "write",
		Description: "Write content to a file in the data directory, creating parents as needed.",
		Parameters: &genai.Schema{Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"path":    {Type: genai.TypeString},
				"content": {Type: genai.TypeString}},
			Required: []string{"path", "content"}},
	},
	{
		Name:        "edit",
		Description: "Edit a file by replacing old_string (which must appear exactly once) with new_string.",
		Parameters: &genai.Schema{Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"path":       {Type: genai.TypeString},
				"old_string": {Type: genai.TypeString},
				"new_string": {Type: genai.TypeString}},
			Required: []string{"path", "old_string", "new_string"}},
	},
	{
		Name:        "exec",
		Description: "Run a shell command in the data directory and return its output.",
		Parameters: &genai.Schema{Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"command": {Type: genai.TypeString},
				"timeout": {Type: genai.TypeInteger}},
			Required: []string{"command"}},
	},
	{
		Name:        "fetch",
		Description: "Fetch a URL over HTTP GET and return the response body.",
		Parameters: &genai.Schema{Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{"url": {Type: genai.TypeString}},
			Required:   []string{"url"}},
	},
	{
		Name:        "read_memory",
		Description: "Read a memory file (file_path), search memory (query), or list memory files (no args).",
		Parameters: &genai.Schema{Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"file_path": {Type: genai.TypeString},
				"query":     {Type: genai.TypeString}}},
	},
	{
		Name:        "write_memory",
		Description: "Write or update a memory file.",
		Parameters: &genai.Schema{Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"file_path": {Type: genai.TypeString},
				"content":   {Type: genai.TypeString}},
			Required: []string{"file_path", "content"}},
	},
	{
		Name:        "list_skills",
		Description: "List all available skills (names and descriptions).",
		Parameters:  &genai.Schema{Type: genai.TypeObject},
	},
	{
		Name:        "activate_skill",
		Description: "Load the full instructions for a skill. Call this before using a skill.",
		Parameters: &genai.Schema{Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{"skill_name": {Type: genai.TypeString}},
			Required:   []string{"skill_name"}},
	},
	{
		Name:        "get_credential",
		Description: "Fetch a named credential from the credential broker.",
		Parameters: &genai.Schema{Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{"name": {Type: genai.TypeString}},
			Required:   []string{"name"}},
	},
}

// buildContents converts persisted history into model contents. Tool
// internals (classifications, approvals) stay out of the conversation;
// the model sees user and assistant text.
func buildContents(entries []session.HistoryEntry) []*genai.Content {
	var contents []*genai.Content
	for _, e := range entries {
		switch e.Kind {
		case session.EntryUserMessage:
			contents = append(contents, &genai.Content{
				Role: "user", Parts: []*genai.Part{{Text: e.Content}},
			})
		case session.EntryAssistantMessage:
			contents = append(contents, &genai.Content{
				Role: "model", Parts: []*genai.Part{{Text: e.Content}},
			})
		}
	}
	return contents
}

// buildSystemPrompt assembles the system prompt from the workspace prompt
// files, the skill catalog, and the session's rule state.
func (a *AgentService) buildSystemPrompt(st *session.State) string {
	var parts []string
	for _, name := range []string{"AGENTS.md", "SOUL.md", "USER.md"} {
		if data, err := os.ReadFile(filepath.Join(a.dataDir, name)); err == nil {
			parts = append(parts, strings.TrimSpace(string(data)))
		}
	}

	if catalog, err := a.skills.Scan(); err == nil && len(catalog) > 0 {
		var b strings.Builder
		b.WriteString("# Available Skills\n\n")
		for _, s := range catalog {
			fmt.Fprintf(&b, "- **%s**: %s\n", s.Name, s.Description)
		}
		b.WriteString("\nUse `activate_skill` to load full instructions before using a skill.")
		parts = append(parts, b.String())
	}

	parts = append(parts, fmt.Sprintf(
		"# Session Info\nSession ID: %s\nActivated rules: %s\nDisabled rules: %s",
		st.SessionID,
		orNone(st.ActivatedRules),
		orNone(st.DisabledRules),
	))
	return strings.Join(parts, "\n\n---\n\n")
}

func orNone(xs []string) string {
	if len(xs) == 0 {
		return "(none)"
	}
	return strings.Join(xs, ", ")
}

// resolvePath confines a relative path to the data directory.
func (a *AgentService) resolvePath(rel string) (string, error) {
	abs, err := filepath.Abs(filepath.Join(a.dataDir, rel))
	if err != nil {
		return "", err
	}
	root, err := filepath.Abs(a.dataDir)
	if err != nil {
		return "", err
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes data directory: %s", rel)
	}
	return abs, nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func (a *AgentService) toolRead(ctx context.Context, h *session.Handle, args map[string]any) (string, error) {
	path, err := a.resolvePath(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("File not found: %s", stringArg(args, "path")), nil
		}
		return "", err
	}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return "", err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			suffix := ""
			if e.IsDir() {
				suffix = "/"
			}
			names = append(names, "  "+e.Name()+suffix)
		}
		sort.Strings(names)
		return fmt.Sprintf("Directory listing of %s/:\n%s",
			stringArg(args, "path"), strings.Join(names, "\n")), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (a *AgentService) toolWrite(ctx context.Context, h *session.Handle, args map[string]any) (string, error) {
	rel := stringArg(args, "path")
	path, err := a.resolvePath(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(stringArg(args, "content")), 0600); err != nil {
		return "", err
	}
	return "Written to " + rel, nil
}

func (a *AgentService) toolEdit(ctx context.Context, h *session.Handle, args map[string]any) (string, error) {
	rel := stringArg(args, "path")
	path, err := a.resolvePath(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("File not found: %s", rel), nil
		}
		return "", err
	}
	original := string(data)
	oldStr := stringArg(args, "old_string")
	switch count := strings.Count(original, oldStr); {
	case oldStr == "":
		return "Error: old_string must not be empty", nil
	case count == 0:
		return fmt.Sprintf("Error: old_string not found in %s", rel), nil
	case count > 1:
		return fmt.Sprintf("Error: old_string appears %d times in %s (must be unique)", count, rel), nil
	}
	updated := strings.Replace(original, oldStr, stringArg(args, "new_string"), 1)
	if err := os.WriteFile(path, []byte(updated), 0600); err != nil {
		return "", err
	}
	return "Edited " + rel, nil
}

func (a *AgentService) toolExec(ctx context.Context, h *session.Handle, args map[string]any) (string, error) {
	command := stringArg(args, "command")
	timeout := defaultExecTimeout
	if v, ok := args["timeout"].(float64); ok && v > 0 {
		timeout = time.Duration(v) * time.Second
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "bash", "-c", command)
	cmd.Dir = a.dataDir
	out, err := cmd.CombinedOutput()
	if execCtx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("Error: command timed out (%s)", timeout), nil
	}
	result := string(out)
	if err != nil {
		result += fmt.Sprintf("\n[exit error: %v]", err)
	}
	if strings.TrimSpace(result) == "" {
		result = "(no output)"
	}
	return result, nil
}

func (a *AgentService) toolFetch(ctx context.Context, h *session.Handle, args map[string]any) (string, error) {
	url := stringArg(args, "url")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyLimit))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, string(body)), nil
}

func (a *AgentService) toolReadMemory(ctx context.Context, h *session.Handle, args map[string]any) (string, error) {
	if path := stringArg(args, "file_path"); path != "" {
		content, ok := a.memories.Read(path)
		if !ok {
			return "Memory file not found: " + path, nil
		}
		return content, nil
	}
	if query := stringArg(args, "query"); query != "" {
		matches, err := a.memories.Search(query)
		if err != nil {
			return "", err
		}
		if len(matches) == 0 {
			return fmt.Sprintf("No memory matches for %q", query), nil
		}
		var b strings.Builder
		b.WriteString("Memory search results:\n")
		for _, m := range matches {
			fmt.Fprintf(&b, "- %s: %s\n", m.File, m.Matches)
		}
		return b.String(), nil
	}
	files, err := a.memories.List()
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "No memory files.", nil
	}
	return "Memory files:\n- " + strings.Join(files, "\n- "), nil
}

func (a *AgentService) toolWriteMemory(ctx context.Context, h *session.Handle, args map[string]any) (string, error) {
	path := stringArg(args, "file_path")
	if err := a.memories.Write(path, stringArg(args, "content")); err != nil {
		return "", err
	}
	return "Written to memory/" + path, nil
}

func (a *AgentService) toolListSkills(ctx context.Context, h *session.Handle, args map[string]any) (string, error) {
	catalog, err := a.skills.Scan()
	if err != nil {
		return "", err
	}
	if len(catalog) == 0 {
		return "No skills available.", nil
	}
	var b strings.Builder
	b.WriteString("Available skills:\n")
	for _, s := range catalog {
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
	}
	return b.String(), nil
}

func (a *AgentService) toolActivateSkill(ctx context.Context, h *session.Handle, args map[string]any) (string, error) {
	name := stringArg(args, "skill_name")
	instructions, ok := a.skills.Instructions(name)
	if !ok {
		return fmt.Sprintf("Skill %q not found.", name), nil
	}
	return fmt.Sprintf("Skill %q activated. Instructions:\n\n%s", name, instructions), nil
}

func (a *AgentService) toolGetCredential(ctx context.Context, h *session.Handle, args map[string]any) (string, error) {
	name := stringArg(args, "name")
	value, err := a.creds.Get(name)
	if err != nil {
		return "", err
	}
	// The gate already approved this access; remember the name so the
	// session state reflects which credentials were used.
	h.State.ApproveCredential(name)
	if err := h.Persist(); err != nil {
		return "", err
	}
	return value, nil
}
