package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStreamEventDelta(t *testing.T) {
	line := `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"hello"}}}`
	out, ok := parseWorkerLine(line, false)
	assert.True(t, ok)
	assert.Equal(t, "hello", out.text)
	assert.True(t, out.hasText)
}

func TestParseMessageDeltaUsage(t *testing.T) {
	line := `{"type":"stream_event","event":{"type":"message_delta","message_delta":{"usage":{"input_tokens":10,"output_tokens":5}}}}`
	out, ok := parseWorkerLine(line, false)
	assert.True(t, ok)
	assert.True(t, out.hasUsage)
	assert.Equal(t, int64(10), out.inputTokens)
	assert.Equal(t, int64(5), out.outputTokens)
}

func TestParseAssistantDeferredWhenDeltaAlreadySent(t *testing.T) {
	line := `{"type":"assistant","content":[{"type":"text","text":"hi"}]}`
	_, ok := parseWorkerLine(line, true)
	assert.False(t, ok, "assistant text must not duplicate content already sent via delta path")
}

func TestParseResultForwardedOnlyWithoutPriorContent(t *testing.T) {
	line := `{"type":"result","result":"done"}`
	out, ok := parseWorkerLine(line, false)
	assert.True(t, ok)
	assert.Equal(t, "done", out.text)

	_, ok = parseWorkerLine(line, true)
	assert.False(t, ok)
}

func TestParseInvalidJSONIgnored(t *testing.T) {
	_, ok := parseWorkerLine("not json", false)
	assert.False(t, ok)
}

func TestParseUsageOnAnyEvent(t *testing.T) {
	line := `{"type":"result","result":"","usage":{"input_tokens":3,"output_tokens":4}}`
	out, ok := parseWorkerLine(line, false)
	assert.True(t, ok)
	assert.True(t, out.hasUsage)
	assert.False(t, out.hasText)
}
