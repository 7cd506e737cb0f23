package policy

import (
	"context"
	"regexp"

	"github.com/intentforge/core/pkg/contracts"
)

// patternRule matches a set of compiled patterns against content and emits
// one violation per matching pattern.
type patternRule struct {
	id          string
	severity    contracts.Severity
	description string
	patterns    []*regexp.Regexp
}

func (r *patternRule) RuleID() string { return r.id }

func (r *patternRule) Check(_ context.Context, content string, _ Context) []contracts.Violation {
	var out []contracts.Violation
	for _, p := range r.patterns {
		if m := p.FindString(content); m != "" {
			out = append(out, contracts.Violation{
				RuleID:      r.id,
				Severity:    r.severity,
				Description: r.description,
				Match:       m,
			})
		}
	}
	return out
}

func mustPatterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

// DefaultPreRules screens raw intents before generation.
func DefaultPreRules() []Rule {
	return []Rule{
		&patternRule{
			id:          "pre.destructive_intent",
			severity:    contracts.SeverityCritical,
			description: "intent requests destructive system action",
			patterns: mustPatterns(
				`(?i)delete\s+all\s+(files|data|records|tables)`,
				`(?i)rm\s+-rf\s+/`,
				`(?i)(wipe|format|destroy)\s+(the\s+)?(disk|drive|system|database)`,
				`(?i)drop\s+(table|database)\s`,
			),
		},
		&patternRule{
			id:          "pre.prompt_injection",
			severity:    contracts.SeverityCritical,
			description: "intent contains prompt-injection phrasing",
			patterns: mustPatterns(
				`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`,
				`(?i)disregard\s+(your|the)\s+(rules|instructions|system\s+prompt)`,
				`(?i)you\s+are\s+now\s+(in\s+)?(developer|dan|jailbreak)\s*mode`,
			),
		},
		&patternRule{
			id:          "pre.pii",
			severity:    contracts.SeverityWarning,
			description: "intent contains personally identifiable information",
			patterns: mustPatterns(
				`\b\d{3}-\d{2}-\d{4}\b`, // US SSN shape
				`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
			),
		},
		&patternRule{
			id:          "pre.secrets",
			severity:    contracts.SeverityError,
			description: "intent contains credential material",
			patterns: mustPatterns(
				`AKIA[0-9A-Z]{16}`,
				`(?i)(api[_-]?key|secret[_-]?key|password)\s*[:=]\s*['"][^'"]{8,}['"]`,
				`-----BEGIN (RSA |EC |OPENSSH )?PRIVATE KEY-----`,
			),
		},
	}
}

// DefaultPostRules screens generated code before selection.
func DefaultPostRules() []Rule {
	return []Rule{
		&patternRule{
			id:          "post.dynamic_eval",
			severity:    contracts.SeverityCritical,
			description: "generated code uses dynamic evaluation",
			patterns: mustPatterns(
				`\beval\s*\(`,
				`\bexec\s*\(`,
				`__import__\s*\(`,
			),
		},
		&patternRule{
			id:          "post.shell_exec",
			severity:    contracts.SeverityCritical,
			description: "generated code shells out with injectable input",
			patterns: mustPatterns(
				`os\.system\s*\(`,
				`subprocess\.(call|run|Popen)\s*\([^)]*shell\s*=\s*True`,
				`commands\.getoutput\s*\(`,
			),
		},
		&patternRule{
			id:          "post.hardcoded_credentials",
			severity:    contracts.SeverityError,
			description: "generated code embeds credentials",
			patterns: mustPatterns(
				`(?i)(password|passwd|secret|api[_-]?key|token)\s*=\s*['"][^'"]{6,}['"]`,
				`AKIA[0-9A-Z]{16}`,
			),
		},
		&patternRule{
			id:          "post.unsafe_deserialization",
			severity:    contracts.SeverityError,
			description: "generated code deserializes untrusted input unsafely",
			patterns: mustPatterns(
				`pickle\.loads?\s*\(`,
				`yaml\.load\s*\([^)]*\)`,
			),
		},
	}
}
