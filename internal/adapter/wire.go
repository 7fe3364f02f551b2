package adapter

import (
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/crewmux/crewmux/internal/state"
)

// Wire field names for the downstream start/reply operations.
const (
	fieldPrompt           = "prompt"
	fieldModel            = "model"
	fieldApprovalPolicy   = "approval_policy"
	fieldSandbox          = "sandbox"
	fieldCwd              = "cwd"
	fieldBaseInstructions = "base_instructions"
	fieldConfig           = "config"
	fieldReasoningEffort  = "reasoning_effort"
	fieldSearch           = "search"
	fieldMCPServers       = "mcp_servers"
	fieldContinuation     = "continuation"
	fieldContent          = "content"
)

// startArgs builds the arguments for the downstream "start" operation.
func startArgs(agent state.Agent, prompt, baseInstructions, commsURL string) map[string]any {
	args := map[string]any{
		fieldPrompt:         prompt,
		fieldModel:          agent.Model,
		fieldApprovalPolicy: string(agent.Approval),
		fieldSandbox:        string(agent.Sandbox),
		fieldCwd:            agent.WorkDir,
		fieldConfig: map[string]any{
			fieldReasoningEffort: string(agent.Reasoning),
			fieldSearch:          true,
			fieldMCPServers: map[string]any{
				"crew": map[string]any{"url": commsURL},
			},
		},
	}
	if baseInstructions != "" {
		args[fieldBaseInstructions] = baseInstructions
	}
	return args
}

// replyArgs builds the arguments for the downstream "reply" operation.
func replyArgs(prompt, continuation string) map[string]any {
	return map[string]any{
		fieldPrompt:       prompt,
		fieldContinuation: continuation,
	}
}

// parseResult extracts the produced content and continuation handle from a
// downstream tool result. Content is tolerated either as a structured field
// or as a sequence of text fragments concatenated with newlines.
func parseResult(res *mcp.CallToolResult) (content, continuation string) {
	if sc, ok := res.StructuredContent.(map[string]any); ok {
		if v, ok := sc[fieldContent].(string); ok {
			content = v
		}
		if v, ok := sc[fieldContinuation].(string); ok {
			continuation = v
		}
	}
	if content == "" {
		content = joinTextContent(res.Content)
	}
	return content, continuation
}

// joinTextContent concatenates the text fragments of a tool result.
func joinTextContent(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		if tc, ok := item.(mcp.TextContent); ok && tc.Text != "" {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// isContinuationInvalid recognizes downstream errors that mean the
// continuation handle no longer resolves, so it must be forgotten and the
// next call starts a fresh thread. Recognition is a substring heuristic on
// the error message; the downstream protocol carries no dedicated code.
func isContinuationInvalid(msg string) bool {
	lower := strings.ToLower(msg)
	if !strings.Contains(lower, "thread") && !strings.Contains(lower, "conversation") {
		return false
	}
	return strings.Contains(lower, "not found") || strings.Contains(lower, "missing")
}
