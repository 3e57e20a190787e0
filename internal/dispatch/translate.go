package dispatch

import (
	"encoding/json"

	"github.com/claw-compactor/claude-code-proxy/pkg/models"
)

// anthropicMessage is one entry in the native Anthropic messages array.
type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// toAnthropicMessages splits OpenAI-shaped chat messages into the native
// Anthropic shape: system prompt pulled out separately, tool calls become
// assistant tool_use blocks, tool results become user tool_result blocks,
// and consecutive same-role messages are merged since the native API
// requires strict alternation.
func toAnthropicMessages(messages []models.ChatMessage) (system string, out []anthropicMessage) {
	var systemParts []string
	var merged []anthropicMessage

	appendBlock := func(role string, block anthropicContent) {
		if len(merged) > 0 && merged[len(merged)-1].Role == role {
			last := &merged[len(merged)-1]
			last.Content = append(last.Content, block)
			return
		}
		merged = append(merged, anthropicMessage{Role: role, Content: []anthropicContent{block}})
	}

	for _, m := range messages {
		switch m.Role {
		case "system":
			systemParts = append(systemParts, m.Content)
		case "tool":
			appendBlock("user", anthropicContent{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content})
		case "assistant":
			if m.Content != "" {
				appendBlock("assistant", anthropicContent{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				appendBlock("assistant", anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: json.RawMessage(tc.Function.Arguments),
				})
			}
		default: // "user"
			appendBlock("user", anthropicContent{Type: "text", Text: m.Content})
		}
	}

	for _, s := range systemParts {
		if s != "" {
			if system != "" {
				system += "\n\n"
			}
			system += s
		}
	}
	return system, merged
}

// toAnthropicTools converts OpenAI function-tool definitions to the native
// {name, description, input_schema} shape.
func toAnthropicTools(tools []models.ToolDef) []anthropicTool {
	out := make([]anthropicTool, 0, len(tools))
	for _, t := range tools {
		if t.Type != "function" {
			continue
		}
		out = append(out, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return out
}

// toAnthropicToolChoice maps OpenAI's polymorphic tool_choice to the native
// {type, name?} shape.
func toAnthropicToolChoice(raw any) *anthropicToolChoice {
	switch v := raw.(type) {
	case string:
		switch v {
		case "auto":
			return &anthropicToolChoice{Type: "auto"}
		case "none":
			return &anthropicToolChoice{Type: "none"}
		case "required":
			return &anthropicToolChoice{Type: "any"}
		}
		return nil
	case map[string]any:
		if fn, ok := v["function"].(map[string]any); ok {
			if name, ok := fn["name"].(string); ok {
				return &anthropicToolChoice{Type: "tool", Name: name}
			}
		}
		return nil
	default:
		return nil
	}
}

// mapStopReason translates a native Anthropic stop_reason to the
// OpenAI-compatible finish_reason vocabulary.
func mapStopReason(stopReason string) string {
	switch stopReason {
	case "tool_use":
		return "tool_calls"
	case "end_turn":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}
