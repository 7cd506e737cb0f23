package verify

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/intentforge/core/pkg/contracts"
	"github.com/intentforge/core/pkg/router"
	"github.com/intentforge/core/pkg/sandbox"
)

// DefaultTier2 is the standard dynamic verifier set. chat may be nil, in
// which case generated-tests verification is skipped.
func DefaultTier2(sb sandbox.Sandbox, chat ChatFunc, testModel string) []Verifier {
	vs := []Verifier{
		&SandboxVerifier{sandbox: sb},
		&ContractSanityVerifier{},
	}
	if chat != nil {
		vs = append(vs, &GeneratedTestsVerifier{sandbox: sb, chat: chat, model: testModel})
	}
	return vs
}

// ChatFunc abstracts the router for test synthesis.
type ChatFunc func(ctx context.Context, req router.ChatRequest) (*router.ChatResponse, error)

// SandboxVerifier executes the candidate in isolation and scores the run.
type SandboxVerifier struct {
	sandbox sandbox.Sandbox
	config  sandbox.Config
}

func NewSandboxVerifier(sb sandbox.Sandbox, cfg sandbox.Config) *SandboxVerifier {
	return &SandboxVerifier{sandbox: sb, config: cfg}
}

func (v *SandboxVerifier) Name() string { return "sandbox_execution" }

func (v *SandboxVerifier) Verify(ctx context.Context, in Input) contracts.VerifierResult {
	start := time.Now()
	cfg := v.config
	if cfg.TimeoutMs == 0 {
		cfg = sandbox.DefaultConfig()
	}
	r := contracts.VerifierResult{Name: v.Name()}
	res, err := v.sandbox.Execute(ctx, in.Code, in.Language, cfg, "")
	r.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		r.Errors = append(r.Errors, fmt.Sprintf("sandbox: %v", err))
		return r
	}
	switch res.Status {
	case sandbox.StatusSuccess:
		r.Passed = true
		r.Confidence = 1
	case sandbox.StatusTimeout:
		r.Errors = append(r.Errors, "execution timed out")
	case sandbox.StatusMemoryLimit:
		r.Errors = append(r.Errors, "memory limit exceeded")
	case sandbox.StatusCompileError:
		r.Errors = append(r.Errors, fmt.Sprintf("compile error: %s", res.ErrorMessage))
	default:
		msg := res.ErrorMessage
		if msg == "" {
			msg = strings.TrimSpace(res.Stderr)
		}
		r.Errors = append(r.Errors, fmt.Sprintf("runtime error: %s", msg))
		r.Confidence = 0.2
	}
	return r
}

var identifierRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// contractKeywords are expression builtins that need not appear in code.
var contractKeywords = map[string]bool{
	"and": true, "or": true, "not": true, "true": true, "false": true,
	"True": true, "False": true, "None": true, "null": true, "in": true,
	"len": true, "abs": true, "min": true, "max": true, "result": true,
	"old": true, "return_value": true,
}

// ContractSanityVerifier checks that identifiers referenced by contract
// expressions actually appear in the candidate code.
type ContractSanityVerifier struct{}

func (v *ContractSanityVerifier) Name() string { return "contract_sanity" }

func (v *ContractSanityVerifier) Verify(ctx context.Context, in Input) contracts.VerifierResult {
	start := time.Now()
	r := contracts.VerifierResult{
		Name:       v.Name(),
		Passed:     true,
		Confidence: 1,
	}
	missing := 0
	for _, c := range in.Contracts {
		for _, ident := range identifierRe.FindAllString(c.Expression, -1) {
			if contractKeywords[ident] {
				continue
			}
			if !strings.Contains(in.Code, ident) {
				missing++
				r.Errors = append(r.Errors, fmt.Sprintf("contract %q references identifier %q absent from code", c.Expression, ident))
			}
		}
	}
	if missing > 0 {
		r.Passed = false
		r.Confidence = 0.3
	}
	r.DurationMs = time.Since(start).Milliseconds()
	return r
}

// GeneratedTestsVerifier asks a model for pytest-style unit tests against
// the candidate, then runs code+tests in the sandbox and scores by the
// pass ratio.
type GeneratedTestsVerifier struct {
	sandbox sandbox.Sandbox
	chat    ChatFunc
	model   string
}

func (v *GeneratedTestsVerifier) Name() string { return "generated_tests" }

const testSynthesisPrompt = `Write unit tests for the following %s code.
Use plain assert statements inside functions named test_*, then call every
test function at module end and print "N passed" with the count. Output only
code, no prose, no markdown fences.

%s`

func (v *GeneratedTestsVerifier) Verify(ctx context.Context, in Input) contracts.VerifierResult {
	start := time.Now()
	r := contracts.VerifierResult{Name: v.Name()}

	resp, err := v.chat(ctx, router.ChatRequest{
		Model: v.model,
		Messages: []router.Message{
			{Role: "system", Content: "You are a test engineer. Output only runnable code."},
			{Role: "user", Content: fmt.Sprintf(testSynthesisPrompt, in.Language, in.Code)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		// Synthesis failure is a limitation, not a candidate defect.
		r.Passed = true
		r.Confidence = 0.5
		r.Warnings = append(r.Warnings, fmt.Sprintf("test synthesis unavailable: %v", err))
		r.DurationMs = time.Since(start).Milliseconds()
		return r
	}
	testCode := stripCodeFences(resp.Content)

	res, err := v.sandbox.Execute(ctx, in.Code, in.Language, sandbox.DefaultConfig(), testCode)
	r.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		r.Errors = append(r.Errors, fmt.Sprintf("sandbox: %v", err))
		return r
	}
	total := res.TestsPassed + res.TestsFailed
	switch {
	case res.Status != sandbox.StatusSuccess:
		r.Errors = append(r.Errors, fmt.Sprintf("test run %s: %s", res.Status, res.ErrorMessage))
		r.Confidence = 0.1
	case total == 0:
		r.Passed = true
		r.Confidence = 0.5
		r.Warnings = append(r.Warnings, "no test results parsed from output")
	default:
		ratio := float64(res.TestsPassed) / float64(total)
		r.Passed = res.TestsFailed == 0
		r.Confidence = ratio
		if res.TestsFailed > 0 {
			r.Errors = append(r.Errors, fmt.Sprintf("%d of %d generated tests failed", res.TestsFailed, total))
		}
	}
	return r
}

// stripCodeFences removes markdown fences models add despite instructions.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "```") {
			continue
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}
