// Package classify turns a worker's terminal output and exit code into a
// dispatch-relevant verdict: rate-limited, transient-retryable, a safety
// refusal, or plain success. Each verdict is backed by a small expr-lang
// program over a fixed environment (output text, exit code, bytes sent),
// so the phrase lists and exit-code ranges can be reconfigured without a
// rebuild.
package classify

import (
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Kind is the classification outcome for one worker attempt.
type Kind string

const (
	KindOK             Kind = "ok"
	KindRateLimited    Kind = "rate_limited"
	KindTransient      Kind = "transient"
	KindSafetyRefusal  Kind = "safety_refusal"
	KindTerminated     Kind = "terminated"
)

// Env is the fixed evaluation environment every classification program sees.
type Env struct {
	Output     string `expr:"output"`
	ExitCode   int    `expr:"exit_code"`
	BytesSent  int    `expr:"bytes_sent"`
	OutputLC   string `expr:"output_lc"`
}

// Rule is one named, compiled expr-lang predicate. Rules are evaluated in
// order; the first match wins.
type Rule struct {
	Kind    Kind
	Program *vm.Program
}

// Classifier evaluates a request's terminal state against an ordered rule set.
type Classifier struct {
	rules []Rule
}

// containsAny is exposed to expr programs as a helper function.
func containsAny(s string, phrases ...string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// RuleSource is one named expr-lang predicate source, the configuration
// shape NewWithRules accepts.
type RuleSource struct {
	Kind Kind
	Expr string
}

// DefaultRules is the literal expr-lang source for the built-in rule set,
// expressed over Env so the default behavior is itself just configuration —
// an operator can override any of these via NewWithRules.
var DefaultRules = []RuleSource{
	{KindTerminated, `exit_code == 143`},
	{KindRateLimited, `containsAny(output_lc, "rate limit", "429", "too many requests", "overloaded", "you've hit your limit")`},
	{KindSafetyRefusal, `bytes_sent < 2048 && containsAny(output_lc, "i cannot", "i can't", "not authorized", "safety concern")`},
	{KindTransient, `exit_code == 1 || exit_code == 2 || containsAny(output_lc, "econnreset", "econnrefused", "epipe", "503", "529", "too many")`},
	{KindOK, `exit_code == 0`},
}

// New compiles the default classification rules. It panics if they fail to
// compile, which can only be a programming error since the sources are
// compile-time constants; NewWithRules returns an error instead for
// caller-supplied rules.
func New() *Classifier {
	c, err := NewWithRules(DefaultRules)
	if err != nil {
		// The built-in rule set is a constant; a compile failure here would
		// be a programming error, not a runtime condition.
		panic(err)
	}
	return c
}

// NewWithRules compiles a caller-supplied ordered rule set, for operators
// who want to tune the phrase lists without a rebuild.
func NewWithRules(sources []RuleSource) (*Classifier, error) {
	env := Env{}
	opts := []expr.Option{
		expr.Env(env),
		expr.Function("containsAny", func(params ...any) (any, error) {
			s := params[0].(string)
			phrases := make([]string, 0, len(params)-1)
			for _, p := range params[1:] {
				phrases = append(phrases, p.(string))
			}
			return containsAny(s, phrases...), nil
		}),
	}

	rules := make([]Rule, 0, len(sources))
	for _, s := range sources {
		program, err := expr.Compile(s.Expr, opts...)
		if err != nil {
			return nil, err
		}
		rules = append(rules, Rule{Kind: s.Kind, Program: program})
	}
	return &Classifier{rules: rules}, nil
}

// Classify evaluates output/exitCode/bytesSent against the rule set in
// order and returns the first matching Kind, defaulting to KindOK.
func (c *Classifier) Classify(output string, exitCode int, bytesSent int) Kind {
	env := Env{
		Output:    output,
		ExitCode:  exitCode,
		BytesSent: bytesSent,
		OutputLC:  strings.ToLower(output),
	}
	for _, rule := range c.rules {
		out, err := expr.Run(rule.Program, env)
		if err != nil {
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			return rule.Kind
		}
	}
	return KindOK
}
