package contracts

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every component surfaces failures through one of these
// kinds so callers can branch with errors.Is / errors.As instead of string
// matching.

// ErrConcurrencyConflict is returned by Append when expected_version does not
// match the aggregate's current max sequence. Recoverable: reload and retry.
var ErrConcurrencyConflict = errors.New("concurrency conflict: expected version mismatch")

// ConcurrencyConflictError wraps ErrConcurrencyConflict with the observed versions.
type ConcurrencyConflictError struct {
	AggregateID string
	Expected    int64
	Actual      int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s: expected version %d, current %d", e.AggregateID, e.Expected, e.Actual)
}

func (e *ConcurrencyConflictError) Unwrap() error { return ErrConcurrencyConflict }

// ValidationError reports a malformed payload or contract expression.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// Severity classifies policy violations.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Violation is one policy rule hit, pre- or post-generation.
type Violation struct {
	RuleID      string   `json:"rule_id"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Match       string   `json:"match,omitempty"`
}

// PolicyViolationError blocks a generation attempt. Terminal for the attempt.
type PolicyViolationError struct {
	Phase      string // "pre" or "post"
	Violations []Violation
}

func (e *PolicyViolationError) Error() string {
	worst := SeverityInfo
	rule := ""
	for _, v := range e.Violations {
		if severityRank(v.Severity) >= severityRank(worst) {
			worst = v.Severity
			rule = v.RuleID
		}
	}
	return fmt.Sprintf("policy violation (%s-generation): %d violation(s), worst %s (%s)", e.Phase, len(e.Violations), worst, rule)
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// BudgetExceededError terminates a generation attempt over budget.
type BudgetExceededError struct {
	Scope             string // "session" or "request"
	LimitMicroUSD     int64
	RequestedMicroUSD int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded (%s): estimated %s over limit %s",
		e.Scope, FormatMicroUSD(e.RequestedMicroUSD), FormatMicroUSD(e.LimitMicroUSD))
}

// ProviderError is a transport or upstream model failure, subject to one
// router fallback before it propagates.
type ProviderError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed (status %d): %v", e.Provider, e.StatusCode, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// CryptoError is a signature or hash failure. Terminal, never silent.
type CryptoError struct {
	Op     string
	Reason string
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto %s: %s", e.Op, e.Reason)
}

// ConfigError is a fatal startup misconfiguration.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

// ProjectionError wraps a handler failure; the bus NAKs and retries it up to
// max_deliver before parking.
type ProjectionError struct {
	Handler string
	Err     error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("projection handler %s: %v", e.Handler, e.Err)
}

func (e *ProjectionError) Unwrap() error { return e.Err }
