package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildEnvIncludesOnlyWhitelistedLookups(t *testing.T) {
	lookup := func(k string) (string, bool) {
		switch k {
		case "PATH":
			return "/usr/bin", true
		case "SECRET_TOKEN":
			return "leaked", true
		default:
			return "", false
		}
	}
	env := buildEnv(lookup, "", nil)
	assert.Contains(t, env, "PATH=/usr/bin")
	for _, kv := range env {
		assert.NotContains(t, kv, "leaked")
	}
}

func TestBuildEnvSetsNeutralizingFlags(t *testing.T) {
	env := buildEnv(func(string) (string, bool) { return "", false }, "", nil)
	assert.Contains(t, env, "CI=true")
	assert.Contains(t, env, "CLAUDE_CODE_NESTED_SESSION=0")
}

func TestBuildEnvSetsCredential(t *testing.T) {
	env := buildEnv(func(string) (string, bool) { return "", false }, "sk-ant-test", nil)
	assert.Contains(t, env, "ANTHROPIC_API_KEY=sk-ant-test")
}

func TestBuildEnvOmitsCredentialWhenEmpty(t *testing.T) {
	env := buildEnv(func(string) (string, bool) { return "", false }, "", nil)
	for _, kv := range env {
		assert.NotContains(t, kv, "ANTHROPIC_API_KEY")
	}
}

func TestBuildEnvAppliesOverrides(t *testing.T) {
	env := buildEnv(func(string) (string, bool) { return "", false }, "", map[string]string{"FOO": "bar"})
	assert.Contains(t, env, "FOO=bar")
}
