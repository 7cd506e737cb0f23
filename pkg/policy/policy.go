// Package policy implements the fail-closed generation policy gate.
//
// Two phases: pre-generation rules screen the raw intent before any model is
// called; post-generation rules screen produced code before it can be
// selected. A critical violation in either phase blocks the attempt.
package policy

import (
	"context"

	"github.com/intentforge/core/pkg/contracts"
)

// Context carries audit fields into rule checks.
type Context struct {
	AggregateID string
	ActorID     string
	Language    string
}

// Rule is the polymorphic check capability. RuleID must be stable: it is
// recorded on violations for audit.
type Rule interface {
	RuleID() string
	Check(ctx context.Context, content string, pctx Context) []contracts.Violation
}

// Decision is the outcome of a gate phase.
type Decision struct {
	Allowed    bool                  `json:"allowed"`
	Violations []contracts.Violation `json:"violations,omitempty"`
}

// Blocked reports whether the decision carries a critical violation.
func (d Decision) Blocked() bool { return !d.Allowed }

// Gate evaluates rule sets for both phases.
type Gate struct {
	preRules  []Rule
	postRules []Rule
}

// NewGate builds a gate with the default rule sets.
func NewGate() *Gate {
	return &Gate{
		preRules:  DefaultPreRules(),
		postRules: DefaultPostRules(),
	}
}

// NewGateWithRules builds a gate from explicit rule sets (tests substitute
// fakes here).
func NewGateWithRules(pre, post []Rule) *Gate {
	return &Gate{preRules: pre, postRules: post}
}

// CheckIntent runs the pre-generation phase on the raw intent.
func (g *Gate) CheckIntent(ctx context.Context, intent string, pctx Context) Decision {
	return runRules(ctx, g.preRules, intent, pctx)
}

// CheckCode runs the post-generation phase on generated code.
func (g *Gate) CheckCode(ctx context.Context, code string, pctx Context) Decision {
	return runRules(ctx, g.postRules, code, pctx)
}

func runRules(ctx context.Context, rules []Rule, content string, pctx Context) Decision {
	d := Decision{Allowed: true}
	for _, rule := range rules {
		violations := rule.Check(ctx, content, pctx)
		d.Violations = append(d.Violations, violations...)
		for _, v := range violations {
			if v.Severity == contracts.SeverityCritical {
				d.Allowed = false
			}
		}
	}
	return d
}
