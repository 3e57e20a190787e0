package dispatch

import "fmt"

// envWhitelist is the explicit allow-list of environment variables a worker
// process is launched with. Everything else is stripped: a worker that
// inherits its parent's session markers will refuse to run, believing it is
// nested inside another live session.
var envWhitelist = []string{
	"PATH", "HOME", "LANG", "LC_ALL", "TERM", "TMPDIR", "USER", "SHELL",
}

// buildEnv constructs the child process environment: whitelisted values
// pulled from lookup, plus the neutralizing flags and the worker's own
// credential, on top of the caller-supplied overrides.
func buildEnv(lookup func(string) (string, bool), credential string, overrides map[string]string) []string {
	env := make([]string, 0, len(envWhitelist)+len(overrides)+8)
	for _, k := range envWhitelist {
		if v, ok := lookup(k); ok {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	// Neutralizing flags: non-interactive, no telemetry, no color/keychain
	// prompts, and an explicit marker that this is not a nested session.
	env = append(env,
		"CI=true",
		"NO_COLOR=1",
		"TERM=dumb",
		"DISABLE_TELEMETRY=1",
		"CLAUDE_CODE_NESTED_SESSION=0",
	)

	if credential != "" {
		env = append(env, "ANTHROPIC_API_KEY="+credential)
	}

	for k, v := range overrides {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	return env
}
