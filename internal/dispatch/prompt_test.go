package dispatch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/claw-compactor/claude-code-proxy/pkg/models"
)

func TestExtractPromptSeparatesSystem(t *testing.T) {
	system, prompt := extractPrompt([]models.ChatMessage{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hello"},
	}, 1000)
	assert.Equal(t, "be terse", system)
	assert.Equal(t, "User: hello", prompt)
}

func TestExtractPromptFitsUnderBudget(t *testing.T) {
	_, prompt := extractPrompt([]models.ChatMessage{
		{Role: "user", Content: "a"},
		{Role: "assistant", Content: "b"},
		{Role: "user", Content: "c"},
	}, 1000)
	assert.Equal(t, "User: a\n\nAssistant: b\n\nUser: c", prompt)
}

func TestExtractPromptTruncatesFromFrontKeepingLastTurn(t *testing.T) {
	var msgs []models.ChatMessage
	for i := 0; i < 20; i++ {
		msgs = append(msgs, models.ChatMessage{Role: "user", Content: strings.Repeat("x", 50)})
	}
	msgs = append(msgs, models.ChatMessage{Role: "user", Content: "final turn"})

	_, prompt := extractPrompt(msgs, 200)
	assert.Contains(t, prompt, "final turn", "the last turn must always survive truncation")
	assert.Contains(t, prompt, truncationSentinel)
	assert.LessOrEqual(t, len(prompt), 200+len(truncationSentinel)+4)
}

func TestExtractPromptEmptyWhenNoNonSystemTurns(t *testing.T) {
	system, prompt := extractPrompt([]models.ChatMessage{
		{Role: "system", Content: "only system"},
	}, 1000)
	assert.Equal(t, "only system", system)
	assert.Equal(t, "", prompt)
}

func TestAssemblePayloadWithSystemPrompt(t *testing.T) {
	payload := assemblePayload("be terse", "hi")
	assert.Equal(t, "[System Instructions]\nbe terse\n\n[User Request]\nhi", payload)
}

func TestAssemblePayloadWithoutSystemPrompt(t *testing.T) {
	assert.Equal(t, "hi", assemblePayload("", "hi"))
}

func TestEstimateTokensCapsAt5000(t *testing.T) {
	assert.Equal(t, 1, estimateTokens(1))
	assert.Equal(t, 25, estimateTokens(100))
	assert.Equal(t, 5000, estimateTokens(1_000_000))
}
