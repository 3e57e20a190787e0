package dispatch

import (
	"strings"

	"github.com/claw-compactor/claude-code-proxy/pkg/models"
)

const truncationSentinel = "[... earlier conversation truncated ...]"

// extractPrompt renders a message history into the worker's plain-text
// input payload, truncating from the front (oldest first) to fit
// maxPromptChars while always retaining the final user turn.
func extractPrompt(messages []models.ChatMessage, maxPromptChars int) (systemPrompt, prompt string) {
	var system []string
	var turns []string

	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		default:
			turns = append(turns, formatTurn(m))
		}
	}
	systemPrompt = strings.Join(system, "\n\n")

	if len(turns) == 0 {
		return systemPrompt, ""
	}

	joined := strings.Join(turns, "\n\n")
	if len(joined) <= maxPromptChars {
		return systemPrompt, joined
	}

	last := turns[len(turns)-1]
	kept := []string{last}
	total := len(last)
	dropped := false
	for i := len(turns) - 2; i >= 0; i-- {
		candidate := turns[i]
		if total+len(candidate)+2 > maxPromptChars {
			dropped = true
			break
		}
		kept = append([]string{candidate}, kept...)
		total += len(candidate) + 2
	}
	if dropped {
		kept = append([]string{truncationSentinel}, kept...)
	}
	return systemPrompt, strings.Join(kept, "\n\n")
}

func formatTurn(m models.ChatMessage) string {
	role := strings.ToUpper(m.Role[:1]) + m.Role[1:]
	return role + ": " + m.Content
}

// assemblePayload builds the exact bytes written to a worker's stdin.
func assemblePayload(systemPrompt, prompt string) string {
	if systemPrompt == "" {
		return prompt
	}
	return "[System Instructions]\n" + systemPrompt + "\n\n[User Request]\n" + prompt
}

// estimateTokens caps the character-based token estimate used for rate
// limiting: over-estimating dense text (code, JSON) would otherwise starve
// the limiter, and the upstream enforces the real ceiling regardless.
func estimateTokens(promptChars int) int {
	est := (promptChars + 3) / 4
	if est > 5000 {
		est = 5000
	}
	return est
}
