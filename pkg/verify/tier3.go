package verify

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/intentforge/core/pkg/contracts"
)

// DefaultTier3 is the standard deep verifier set.
func DefaultTier3() []Verifier {
	sat, err := NewContractSATVerifier()
	if err != nil {
		// Env construction only fails on programming error; fall back to
		// scanner-only deep checks.
		return []Verifier{&SecurityScanVerifier{}}
	}
	return []Verifier{sat, &SecurityScanVerifier{}}
}

// ContractSATVerifier checks contract expressions for satisfiability: each
// expression compiles as CEL over a dynamic variable map and is evaluated
// across a grid of candidate assignments. An expression no assignment can
// satisfy is UNSAT and fails the tier; uncompilable expressions are reported
// as malformed.
type ContractSATVerifier struct {
	env *cel.Env
}

func NewContractSATVerifier() (*ContractSATVerifier, error) {
	env, err := cel.NewEnv(
		cel.Variable("vars", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("contract sat: build env: %w", err)
	}
	return &ContractSATVerifier{env: env}, nil
}

func (v *ContractSATVerifier) Name() string { return "contract_sat" }

// satProbeValues are the assignment grid per free identifier.
var satProbeValues = []any{int64(-1), int64(0), int64(1), int64(2), int64(100), true, false, "", "x"}

func (v *ContractSATVerifier) Verify(ctx context.Context, in Input) contracts.VerifierResult {
	start := time.Now()
	r := contracts.VerifierResult{
		Name:       v.Name(),
		Passed:     true,
		Confidence: 1,
	}
	if len(in.Contracts) == 0 {
		r.Warnings = append(r.Warnings, "no contracts to check")
		r.DurationMs = time.Since(start).Milliseconds()
		return r
	}

	for _, c := range in.Contracts {
		expr := rewriteIdentifiers(c.Expression)
		ast, issues := v.env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			r.Passed = false
			r.Confidence = 0
			r.Errors = append(r.Errors, fmt.Sprintf("contract %q does not compile: %v", c.Expression, issues.Err()))
			continue
		}
		prg, err := v.env.Program(ast)
		if err != nil {
			r.Passed = false
			r.Confidence = 0
			r.Errors = append(r.Errors, fmt.Sprintf("contract %q: %v", c.Expression, err))
			continue
		}
		if !v.satisfiable(ctx, prg, identifiers(c.Expression)) {
			r.Passed = false
			r.Confidence = 0
			r.Errors = append(r.Errors, fmt.Sprintf("contract %q is unsatisfiable", c.Expression))
		}
	}
	r.DurationMs = time.Since(start).Milliseconds()
	return r
}

// satisfiable searches the probe grid for an assignment making the
// expression true. Grid search is exponential in the identifier count, so
// expressions with many free variables are sampled diagonally instead.
func (v *ContractSATVerifier) satisfiable(ctx context.Context, prg cel.Program, idents []string) bool {
	if len(idents) == 0 {
		return evalTrue(prg, map[string]any{})
	}
	if len(idents) > 3 {
		for _, val := range satProbeValues {
			vars := make(map[string]any, len(idents))
			for _, id := range idents {
				vars[id] = val
			}
			if evalTrue(prg, vars) {
				return true
			}
		}
		return false
	}

	assignment := make([]int, len(idents))
	for {
		if ctx.Err() != nil {
			return false
		}
		vars := make(map[string]any, len(idents))
		for i, id := range idents {
			vars[id] = satProbeValues[assignment[i]]
		}
		if evalTrue(prg, vars) {
			return true
		}
		i := 0
		for ; i < len(assignment); i++ {
			assignment[i]++
			if assignment[i] < len(satProbeValues) {
				break
			}
			assignment[i] = 0
		}
		if i == len(assignment) {
			return false
		}
	}
}

func evalTrue(prg cel.Program, vars map[string]any) bool {
	out, _, err := prg.Eval(map[string]any{"vars": vars})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// rewriteIdentifiers maps free identifiers x into vars["x"] lookups so one
// CEL environment serves arbitrary contract vocabularies. Python-style
// boolean keywords are normalized to CEL operators first.
func rewriteIdentifiers(expr string) string {
	return identifierRe.ReplaceAllStringFunc(expr, func(id string) string {
		if repl, ok := booleanKeywords[id]; ok {
			return repl
		}
		if celKeywords[id] {
			return id
		}
		return fmt.Sprintf("vars[%q]", id)
	})
}

var booleanKeywords = map[string]string{
	"and": "&&", "or": "||", "not": "!",
	"True": "true", "False": "false", "None": "null",
}

var celKeywords = map[string]bool{
	"true": true, "false": true, "null": true, "in": true,
	"size": true, "has": true, "matches": true, "vars": true,
}

func identifiers(expr string) []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range identifierRe.FindAllString(expr, -1) {
		if _, ok := booleanKeywords[id]; ok {
			continue
		}
		if celKeywords[id] || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// securityFinding pairs a pattern with a severity classification.
type securityFinding struct {
	re       *regexp.Regexp
	severity string
	note     string
}

var securityFindings = []securityFinding{
	{regexp.MustCompile(`(?i)\beval\s*\(`), "high", "dynamic eval"},
	{regexp.MustCompile(`(?i)\bexec\s*\(`), "high", "dynamic exec"},
	{regexp.MustCompile(`__import__\s*\(`), "high", "dynamic import"},
	{regexp.MustCompile(`pickle\.loads?\s*\(`), "high", "pickle deserialization of untrusted data"},
	{regexp.MustCompile(`subprocess\.[A-Za-z_]+\([^)]*shell\s*=\s*True`), "high", "shell subprocess"},
	{regexp.MustCompile(`os\.system\s*\(`), "high", "shell command execution"},
	{regexp.MustCompile(`yaml\.load\s*\((?:[^)]*)?\)`), "medium", "unsafe yaml load"},
	{regexp.MustCompile(`(?i)(password|secret|api_?key|token)\s*=\s*["'][^"']{8,}["']`), "medium", "hard-coded credential"},
	{regexp.MustCompile(`random\.(random|randint|choice)\s*\(`), "low", "non-cryptographic randomness"},
	{regexp.MustCompile(`(?m)^\s*assert\s`), "low", "assert used for runtime validation"},
}

// SecurityScanVerifier pattern-scans the candidate; any high-severity
// finding fails the verifier.
type SecurityScanVerifier struct{}

func (v *SecurityScanVerifier) Name() string { return "security_scan" }

func (v *SecurityScanVerifier) Verify(ctx context.Context, in Input) contracts.VerifierResult {
	start := time.Now()
	r := contracts.VerifierResult{
		Name:       v.Name(),
		Passed:     true,
		Confidence: 1,
	}
	for _, f := range securityFindings {
		n := len(f.re.FindAllStringIndex(in.Code, -1))
		if n == 0 {
			continue
		}
		msg := fmt.Sprintf("%s finding: %s (%d)", f.severity, f.note, n)
		switch f.severity {
		case "high":
			r.Passed = false
			r.Errors = append(r.Errors, msg)
			r.Confidence = 0
		case "medium":
			r.Warnings = append(r.Warnings, msg)
			if r.Confidence > 0.6 {
				r.Confidence = 0.6
			}
		default:
			r.Warnings = append(r.Warnings, msg)
			if r.Confidence > 0.9 {
				r.Confidence = 0.9
			}
		}
	}
	r.DurationMs = time.Since(start).Milliseconds()
	return r
}
