// Package sandbox runs untrusted generated code under isolation for
// verification. Two backends exist: a subprocess runner for python and a
// WASI runtime for wasm modules. Neither grants network or filesystem
// access unless the config opts in.
package sandbox

import (
	"context"
	"regexp"
	"strconv"
	"time"
)

// ExecStatus classifies how a run ended.
type ExecStatus string

const (
	StatusSuccess      ExecStatus = "success"
	StatusError        ExecStatus = "error"
	StatusTimeout      ExecStatus = "timeout"
	StatusMemoryLimit  ExecStatus = "memory_limit"
	StatusCompileError ExecStatus = "compile_error"
)

// Config bounds one execution.
type Config struct {
	TimeoutMs       int64 `json:"timeout_ms"`
	MemoryLimitMB   int64 `json:"memory_limit_mb"`
	AllowNetwork    bool  `json:"allow_network"`
	AllowFilesystem bool  `json:"allow_filesystem"`
}

// DefaultConfig is the verification default: 30 s wall clock, 128 MiB.
func DefaultConfig() Config {
	return Config{TimeoutMs: 30_000, MemoryLimitMB: 128}
}

func (c Config) timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// ExecutionResult is the full outcome of one sandboxed run.
type ExecutionResult struct {
	Status          ExecStatus `json:"status"`
	Stdout          string     `json:"stdout"`
	Stderr          string     `json:"stderr"`
	ExitCode        int        `json:"exit_code"`
	ExecutionTimeMs int64      `json:"execution_time_ms"`
	MemoryUsedMB    int64      `json:"memory_used_mb"`
	TestsPassed     int        `json:"tests_passed"`
	TestsFailed     int        `json:"tests_failed"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ErrorLine       int        `json:"error_line,omitempty"`
	ErrorType       string     `json:"error_type,omitempty"`
}

// Sandbox executes code with optional appended test code.
type Sandbox interface {
	// Execute runs code under config. testCode, when non-empty, is appended
	// to the program before execution so the run covers both.
	Execute(ctx context.Context, code, language string, cfg Config, testCode string) (*ExecutionResult, error)
	Languages() []string
}

var (
	pytestSummaryRe = regexp.MustCompile(`(?m)(\d+) passed(?:.*?(\d+) failed)?`)
	pytestFailedRe  = regexp.MustCompile(`(?m)(\d+) failed`)
	pyTracebackRe   = regexp.MustCompile(`(?m)File "[^"]*", line (\d+)`)
	pyErrorTypeRe   = regexp.MustCompile(`(?m)^(\w+(?:Error|Exception|Warning)): ?(.*)$`)
)

// parseTestCounts extracts pytest-style pass/fail counts from output.
func parseTestCounts(out string) (passed, failed int) {
	if m := pytestSummaryRe.FindStringSubmatch(out); m != nil {
		passed, _ = strconv.Atoi(m[1])
	}
	if m := pytestFailedRe.FindStringSubmatch(out); m != nil {
		failed, _ = strconv.Atoi(m[1])
	}
	return passed, failed
}

// parsePythonError pulls the error type, message, and last traceback line
// from stderr.
func parsePythonError(stderr string) (msg string, line int, errType string) {
	if ms := pyTracebackRe.FindAllStringSubmatch(stderr, -1); len(ms) > 0 {
		line, _ = strconv.Atoi(ms[len(ms)-1][1])
	}
	if m := pyErrorTypeRe.FindStringSubmatch(stderr); m != nil {
		errType = m[1]
		msg = m[2]
	}
	return msg, line, errType
}
