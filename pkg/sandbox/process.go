package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ProcessSandbox runs python in a subprocess with a scratch working
// directory, a stripped environment, and a wall-clock deadline. Isolation is
// best effort at the process level; it is meant for verification workloads,
// not hostile multi-tenant code.
type ProcessSandbox struct {
	pythonPath string
	workRoot   string
}

// ProcessOption configures a ProcessSandbox.
type ProcessOption func(*ProcessSandbox)

// WithPythonPath overrides the interpreter binary.
func WithPythonPath(path string) ProcessOption {
	return func(s *ProcessSandbox) { s.pythonPath = path }
}

// WithWorkRoot sets the parent directory for per-run scratch dirs.
func WithWorkRoot(dir string) ProcessOption {
	return func(s *ProcessSandbox) { s.workRoot = dir }
}

func NewProcessSandbox(opts ...ProcessOption) *ProcessSandbox {
	s := &ProcessSandbox{
		pythonPath: "python3",
		workRoot:   os.TempDir(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ProcessSandbox) Languages() []string { return []string{"python"} }

func (s *ProcessSandbox) Execute(ctx context.Context, code, language string, cfg Config, testCode string) (*ExecutionResult, error) {
	if language != "python" {
		return nil, fmt.Errorf("process sandbox: unsupported language %q", language)
	}

	dir, err := os.MkdirTemp(s.workRoot, "forge-run-")
	if err != nil {
		return nil, fmt.Errorf("process sandbox: scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	program := code
	if testCode != "" {
		program = code + "\n\n" + testCode
	}
	script := filepath.Join(dir, "main.py")
	if err := os.WriteFile(script, []byte(program), 0o600); err != nil {
		return nil, fmt.Errorf("process sandbox: write script: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.pythonPath, "-I", script)
	cmd.Dir = dir
	cmd.Env = s.environment(cfg, dir)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	res := &ExecutionResult{
		Status:          StatusSuccess,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
	res.TestsPassed, res.TestsFailed = parseTestCounts(res.Stdout + "\n" + res.Stderr)

	if runErr != nil {
		res.Status = StatusError
		var exitErr *exec.ExitError
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			res.Status = StatusTimeout
			res.ErrorMessage = fmt.Sprintf("wall clock limit %s exceeded", cfg.timeout())
		case errors.As(runErr, &exitErr):
			res.ExitCode = exitErr.ExitCode()
			res.ErrorMessage, res.ErrorLine, res.ErrorType = parsePythonError(res.Stderr)
			if res.ErrorType == "SyntaxError" || res.ErrorType == "IndentationError" {
				res.Status = StatusCompileError
			}
			if res.ErrorType == "MemoryError" || strings.Contains(res.Stderr, "MemoryError") {
				res.Status = StatusMemoryLimit
			}
		default:
			return nil, fmt.Errorf("process sandbox: run: %w", runErr)
		}
	}
	return res, nil
}

// environment builds a minimal env for the child. Network access cannot be
// blocked at the env level, so deny-network runs additionally unset proxy
// variables and rely on the memory/time limits to contain damage.
func (s *ProcessSandbox) environment(cfg Config, dir string) []string {
	env := []string{
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONUNBUFFERED=1",
	}
	if path := os.Getenv("PATH"); path != "" {
		env = append(env, "PATH="+path)
	}
	if cfg.MemoryLimitMB > 0 {
		// Consumed by an optional sitecustomize resource.setrlimit shim.
		env = append(env, fmt.Sprintf("FORGE_MEMORY_LIMIT_MB=%d", cfg.MemoryLimitMB))
	}
	return env
}
