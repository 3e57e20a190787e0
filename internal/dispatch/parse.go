package dispatch

import "encoding/json"

// workerEvent is the line-delimited JSON shape a CLI worker emits on stdout.
// Only the fields the engine interprets are declared; everything else is
// ignored.
type workerEvent struct {
	Type         string          `json:"type"`
	StreamEvent  *innerEvent     `json:"event"`
	Content      []contentBlock  `json:"content"`
	Result       string          `json:"result"`
	Usage        *usagePayload   `json:"usage"`
	ContentBlock *contentBlock   `json:"delta"`
}

type innerEvent struct {
	Type         string        `json:"type"`
	Delta        *deltaPayload `json:"delta"`
	MessageDelta *messageDelta `json:"message_delta"`
}

type deltaPayload struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Partial bool   `json:"partial"`
}

type messageDelta struct {
	Usage *usagePayload `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type usagePayload struct {
	InputTokens              int64 `json:"input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
}

// parsedChunk is what one worker line resolves to, for the streaming engine
// to act on.
type parsedChunk struct {
	text         string
	hasText      bool
	inputTokens  int64
	outputTokens int64
	hasUsage     bool
}

// parseWorkerLine interprets one line of worker stdout per the documented
// event kinds, returning whether a text delta and/or usage update resulted.
// deltaAlreadySent lets the "assistant"/"result" forms defer to an earlier
// stream_event delta that already carried the same content.
func parseWorkerLine(line string, deltaAlreadySent bool) (parsedChunk, bool) {
	var e workerEvent
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		return parsedChunk{}, false
	}

	var out parsedChunk

	switch e.Type {
	case "stream_event":
		if e.StreamEvent == nil {
			return parsedChunk{}, false
		}
		if e.StreamEvent.Type == "content_block_delta" && e.StreamEvent.Delta != nil {
			out.text = e.StreamEvent.Delta.Text
			out.hasText = out.text != ""
		}
		if e.StreamEvent.MessageDelta != nil && e.StreamEvent.MessageDelta.Usage != nil {
			applyUsage(&out, e.StreamEvent.MessageDelta.Usage)
		}
	case "assistant":
		if !deltaAlreadySent {
			for _, c := range e.Content {
				if c.Type == "text" && c.Text != "" {
					out.text += c.Text
				}
			}
			out.hasText = out.text != ""
		}
	case "content_block_delta":
		if e.ContentBlock != nil && e.ContentBlock.Type == "text_delta" {
			out.text = e.ContentBlock.Text
			out.hasText = out.text != ""
		}
	case "result":
		if !deltaAlreadySent && e.Result != "" {
			out.text = e.Result
			out.hasText = true
		}
	}

	if e.Usage != nil {
		applyUsage(&out, e.Usage)
	}

	if !out.hasText && !out.hasUsage {
		return parsedChunk{}, false
	}
	return out, true
}

func applyUsage(out *parsedChunk, u *usagePayload) {
	out.inputTokens = u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
	out.outputTokens = u.OutputTokens
	out.hasUsage = true
}
