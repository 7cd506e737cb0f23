package verify

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/intentforge/core/pkg/contracts"
	"github.com/intentforge/core/pkg/policy"
)

// DefaultTier1 is the standard static verifier set.
func DefaultTier1(gate *policy.Gate) []Verifier {
	return []Verifier{
		&SyntaxVerifier{parser: NewParser()},
		&TypeHintVerifier{},
		&LintVerifier{},
		&PolicyVerifier{gate: gate},
	}
}

// SyntaxVerifier re-confirms the Tier 0 parse under the full static budget.
type SyntaxVerifier struct {
	parser *Parser
}

func (v *SyntaxVerifier) Name() string { return "syntax" }

func (v *SyntaxVerifier) Verify(ctx context.Context, in Input) contracts.VerifierResult {
	start := time.Now()
	parse := v.parser.Parse(in.Code, in.Language)
	r := contracts.VerifierResult{
		Name:       v.Name(),
		Passed:     true,
		Confidence: 1,
		DurationMs: time.Since(start).Milliseconds(),
	}
	for _, e := range parse.Errors {
		if e.Severity == "warning" {
			r.Warnings = append(r.Warnings, e.String())
			continue
		}
		r.Errors = append(r.Errors, e.String())
	}
	if len(r.Errors) > 0 {
		r.Passed = false
		r.Confidence = parse.Confidence()
	}
	return r
}

var (
	defSignatureRe = regexp.MustCompile(`(?m)^\s*def\s+\w+\(([^)]*)\)(\s*->\s*\S+)?\s*:`)
	bareExceptRe   = regexp.MustCompile(`(?m)^\s*except\s*:`)
	wildImportRe   = regexp.MustCompile(`(?m)^\s*from\s+\S+\s+import\s+\*`)
	globalStmtRe   = regexp.MustCompile(`(?m)^\s*global\s+\w`)
	printDebugRe   = regexp.MustCompile(`(?m)^\s*print\(`)
	mutableDefault = regexp.MustCompile(`def\s+\w+\([^)]*=\s*(\[\]|\{\})`)
)

// TypeHintVerifier is a heuristic type check: it rewards annotated
// signatures and flags untyped public functions. Confidence degrades with
// the fraction of unannotated definitions, never failing outright.
type TypeHintVerifier struct{}

func (v *TypeHintVerifier) Name() string { return "type_hints" }

func (v *TypeHintVerifier) Verify(ctx context.Context, in Input) contracts.VerifierResult {
	start := time.Now()
	r := contracts.VerifierResult{
		Name:       v.Name(),
		Passed:     true,
		Confidence: 1,
	}
	defs := defSignatureRe.FindAllStringSubmatch(in.Code, -1)
	if len(defs) == 0 {
		r.DurationMs = time.Since(start).Milliseconds()
		return r
	}
	annotated := 0
	for _, d := range defs {
		params, returns := d[1], d[2]
		if returns != "" || strings.Contains(params, ":") || strings.TrimSpace(params) == "" || strings.TrimSpace(params) == "self" {
			annotated++
			continue
		}
		r.Warnings = append(r.Warnings, "function signature lacks type annotations")
	}
	ratio := float64(annotated) / float64(len(defs))
	r.Confidence = 0.6 + 0.4*ratio
	r.DurationMs = time.Since(start).Milliseconds()
	return r
}

// LintVerifier flags common smells: bare except, wildcard imports, mutable
// default arguments, global statements. Smells cost confidence; only a pile
// of them fails the verifier.
type LintVerifier struct{}

func (v *LintVerifier) Name() string { return "lint" }

func (v *LintVerifier) Verify(ctx context.Context, in Input) contracts.VerifierResult {
	start := time.Now()
	r := contracts.VerifierResult{
		Name:       v.Name(),
		Passed:     true,
		Confidence: 1,
	}
	checks := []struct {
		re   *regexp.Regexp
		note string
	}{
		{bareExceptRe, "bare except clause"},
		{wildImportRe, "wildcard import"},
		{mutableDefault, "mutable default argument"},
		{globalStmtRe, "global statement"},
		{printDebugRe, "print call in library code"},
	}
	smells := 0
	for _, c := range checks {
		if n := len(c.re.FindAllStringIndex(in.Code, -1)); n > 0 {
			smells += n
			r.Warnings = append(r.Warnings, fmt.Sprintf("%s (%d)", c.note, n))
		}
	}
	r.Confidence = 1 - 0.1*float64(smells)
	if r.Confidence < 0.3 {
		r.Confidence = 0.3
	}
	if smells >= 6 {
		r.Passed = false
	}
	r.DurationMs = time.Since(start).Milliseconds()
	return r
}

// PolicyVerifier runs the post-generation policy gate as a static check so
// policy violations surface inside the verification verdict too.
type PolicyVerifier struct {
	gate *policy.Gate
}

func (v *PolicyVerifier) Name() string { return "policy" }

func (v *PolicyVerifier) Verify(ctx context.Context, in Input) contracts.VerifierResult {
	start := time.Now()
	r := contracts.VerifierResult{
		Name:       v.Name(),
		Passed:     true,
		Confidence: 1,
	}
	if v.gate == nil {
		r.DurationMs = time.Since(start).Milliseconds()
		return r
	}
	decision := v.gate.CheckCode(ctx, in.Code, policy.Context{Language: in.Language})
	for _, viol := range decision.Violations {
		msg := fmt.Sprintf("%s: %s", viol.RuleID, viol.Description)
		switch viol.Severity {
		case contracts.SeverityCritical, contracts.SeverityError:
			r.Errors = append(r.Errors, msg)
		default:
			r.Warnings = append(r.Warnings, msg)
		}
	}
	if decision.Blocked() {
		r.Passed = false
		r.Confidence = 0
	} else if len(r.Errors) > 0 {
		r.Confidence = 0.5
	} else if len(r.Warnings) > 0 {
		r.Confidence = 0.8
	}
	r.DurationMs = time.Since(start).Milliseconds()
	return r
}
