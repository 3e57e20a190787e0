package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyRateLimited(t *testing.T) {
	c := New()
	assert.Equal(t, KindRateLimited, c.Classify("Error: You've hit your limit for this billing period", 1, 40))
}

func TestClassifySafetyRefusal(t *testing.T) {
	c := New()
	assert.Equal(t, KindSafetyRefusal, c.Classify("I cannot help with that request.", 0, 30))
}

func TestClassifyTerminatedNotRetryable(t *testing.T) {
	c := New()
	assert.Equal(t, KindTerminated, c.Classify("", 143, 0))
}

func TestClassifyTransientExitCode(t *testing.T) {
	c := New()
	assert.Equal(t, KindTransient, c.Classify("generic failure", 1, 0))
}

func TestClassifyOK(t *testing.T) {
	c := New()
	assert.Equal(t, KindOK, c.Classify("all good", 0, 500))
}

func TestClassifyCustomRules(t *testing.T) {
	c, err := NewWithRules([]RuleSource{
		{KindRateLimited, `containsAny(output_lc, "quota exceeded")`},
		{KindOK, `exit_code == 0`},
	})
	assert.NoError(t, err)
	assert.Equal(t, KindRateLimited, c.Classify("Quota Exceeded for today", 1, 10))
}
