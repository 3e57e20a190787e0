package dispatch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/claw-compactor/claude-code-proxy/pkg/models"
)

const anthropicAPIVersion = "2023-06-01"

type anthropicRequest struct {
	Model       string                `json:"model"`
	System      string                `json:"system,omitempty"`
	Messages    []anthropicMessage    `json:"messages"`
	Tools       []anthropicTool       `json:"tools,omitempty"`
	ToolChoice  *anthropicToolChoice  `json:"tool_choice,omitempty"`
	MaxTokens   int                   `json:"max_tokens"`
	Stream      bool                  `json:"stream"`
}

type anthropicSSEEvent struct {
	Type         string          `json:"type"`
	Message      *anthropicUsageMessage `json:"message,omitempty"`
	Index        int             `json:"index"`
	ContentBlock *anthropicContent      `json:"content_block,omitempty"`
	Delta        *anthropicEventDelta   `json:"delta,omitempty"`
	Usage        *anthropicUsage        `json:"usage,omitempty"`
}

type anthropicUsageMessage struct {
	Usage anthropicUsage `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type anthropicEventDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
	StopReason  string `json:"stop_reason"`
}

// serveDirectAPI handles tool-bearing requests over the native Anthropic
// messages API using a credential from the direct-API token pool, bypassing
// the CLI workers entirely.
func (e *Engine) serveDirectAPI(w http.ResponseWriter, r *http.Request, rc requestCtx) {
	cred := e.nextTokenCredential()
	system, messages := toAnthropicMessages(rc.raw.Messages)
	body := anthropicRequest{
		Model:      string(rc.model),
		System:     system,
		Messages:   messages,
		Tools:      toAnthropicTools(rc.raw.Tools),
		ToolChoice: toAnthropicToolChoice(rc.raw.ToolChoice),
		MaxTokens:  rc.raw.MaxTokens,
		Stream:     rc.stream,
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = 4096
	}

	payload, err := json.Marshal(body)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode request", "internal_error")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, "https://api.anthropic.com/v1/messages", bytes.NewReader(payload))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to build upstream request", "internal_error")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("anthropic-beta", "tools-2024-05-16")
	if cred.Kind == models.CredentialMetered {
		req.Header.Set("x-api-key", cred.Credential)
	} else {
		req.Header.Set("Authorization", "Bearer "+cred.Credential)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "upstream request failed", "upstream_error")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		writeJSONError(w, resp.StatusCode, "upstream returned an error", "upstream_error")
		return
	}

	if rc.stream {
		e.relayDirectAPIStream(w, rc, resp)
		return
	}
	e.relayDirectAPISync(w, rc, resp)
}

func (e *Engine) relayDirectAPIStream(w http.ResponseWriter, rc requestCtx, resp *http.Response) {
	sw, ok := newSSEWriter(w, rc.id, string(rc.model))
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported", "internal_error")
		return
	}

	toolCallIndex := -1
	var toolArgsBuf strings.Builder
	var toolID, toolName string

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev anthropicSSEEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				toolCallIndex++
				toolID = ev.ContentBlock.ID
				toolName = ev.ContentBlock.Name
				toolArgsBuf.Reset()
				sw.WriteDelta(models.Delta{ToolCalls: []models.ToolCall{{
					Index: toolCallIndex,
					ID:    toolID,
					Type:  "function",
					Function: models.ToolCallFunc{Name: toolName},
				}}}, nil)
			}
		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				sw.WriteDelta(models.Delta{Content: ev.Delta.Text}, nil)
			case "input_json_delta":
				toolArgsBuf.WriteString(ev.Delta.PartialJSON)
				sw.WriteDelta(models.Delta{ToolCalls: []models.ToolCall{{
					Index:    toolCallIndex,
					Function: models.ToolCallFunc{Arguments: ev.Delta.PartialJSON},
				}}}, nil)
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				reason := mapStopReason(ev.Delta.StopReason)
				sw.Finish(reason)
				return
			}
		}
	}
	sw.Finish("stop")
}

func (e *Engine) relayDirectAPISync(w http.ResponseWriter, rc requestCtx, resp *http.Response) {
	var native struct {
		Content    []anthropicContent `json:"content"`
		StopReason string             `json:"stop_reason"`
		Usage      anthropicUsage     `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&native); err != nil {
		writeJSONError(w, http.StatusBadGateway, "failed to decode upstream response", "upstream_error")
		return
	}

	var text strings.Builder
	var toolCalls []models.ToolCall
	for i, block := range native.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			toolCalls = append(toolCalls, models.ToolCall{
				Index: i,
				ID:    block.ID,
				Type:  "function",
				Function: models.ToolCallFunc{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}

	resp2 := models.ChatCompletionResponse{
		ID:      rc.id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   string(rc.model),
		Choices: []models.ChatChoiceFull{{
			Index: 0,
			Message: models.ChatMessage{
				Role:      "assistant",
				Content:   text.String(),
				ToolCalls: toolCalls,
			},
			FinishReason: mapStopReason(native.StopReason),
		}},
		Usage: models.Usage{
			PromptTokens:     native.Usage.InputTokens,
			CompletionTokens: native.Usage.OutputTokens,
			TotalTokens:      native.Usage.InputTokens + native.Usage.OutputTokens,
		},
	}
	writeJSON(w, http.StatusOK, resp2)
}
