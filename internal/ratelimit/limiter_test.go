package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/claw-compactor/claude-code-proxy/pkg/models"
)

func TestRequestsExceeded(t *testing.T) {
	l := New(map[models.ModelFamily]Limit{
		models.ModelOpus: {RequestsPerMin: 1, TokensPerMin: 1_000_000},
	}, nil)

	res := l.Check(models.ModelOpus, 100)
	assert.True(t, res.OK)
	l.Record(models.ModelOpus, 100)

	res = l.Check(models.ModelOpus, 100)
	assert.False(t, res.OK)
	assert.Equal(t, "requests_exceeded", res.Reason)
	assert.True(t, res.WaitMs > 0)
}

func TestEmptyWindowCarveOut(t *testing.T) {
	l := New(map[models.ModelFamily]Limit{
		models.ModelHaiku: {RequestsPerMin: 100, TokensPerMin: 10},
	}, nil)

	res := l.Check(models.ModelHaiku, 5000)
	assert.True(t, res.OK, "an empty window must admit even an oversized single request")
}

func TestTokensExceededAfterRecord(t *testing.T) {
	l := New(map[models.ModelFamily]Limit{
		models.ModelSonnet: {RequestsPerMin: 100, TokensPerMin: 150},
	}, nil)

	l.Record(models.ModelSonnet, 100)
	res := l.Check(models.ModelSonnet, 100)
	assert.False(t, res.OK)
	assert.Equal(t, "tokens_exceeded", res.Reason)
}

func TestWindowExpiry(t *testing.T) {
	l := New(map[models.ModelFamily]Limit{
		models.ModelOpus: {RequestsPerMin: 1, TokensPerMin: 1_000_000},
	}, nil)
	l.events[models.ModelOpus] = []event{{at: time.Now().Add(-61 * time.Second), estTokens: 100}}

	res := l.Check(models.ModelOpus, 100)
	assert.True(t, res.OK, "events older than the 60s window must be invisible")
}

func TestUnknownModelPassesThrough(t *testing.T) {
	l := New(map[models.ModelFamily]Limit{}, nil)
	res := l.Check(models.ModelFamily("unknown"), 999999)
	assert.True(t, res.OK)
}
