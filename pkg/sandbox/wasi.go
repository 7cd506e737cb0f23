package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WasiSandbox executes WebAssembly modules under wazero with deny-by-default
// capabilities: no filesystem mounts, no network, no host environment. The
// "code" input is the compiled wasm binary, base64-encoded.
type WasiSandbox struct {
	runtime wazero.Runtime
}

func NewWasiSandbox(ctx context.Context) *WasiSandbox {
	r := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)
	return &WasiSandbox{runtime: r}
}

func (s *WasiSandbox) Languages() []string { return []string{"wasm"} }

func (s *WasiSandbox) Execute(ctx context.Context, code, language string, cfg Config, testCode string) (*ExecutionResult, error) {
	if language != "wasm" {
		return nil, fmt.Errorf("wasi sandbox: unsupported language %q", language)
	}
	wasmBytes, err := base64.StdEncoding.DecodeString(code)
	if err != nil {
		return nil, fmt.Errorf("wasi sandbox: decode module: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()

	compiled, err := s.runtime.CompileModule(runCtx, wasmBytes)
	if err != nil {
		return &ExecutionResult{
			Status:       StatusCompileError,
			ErrorMessage: err.Error(),
			ErrorType:    "CompileError",
		}, nil
	}
	defer func() { _ = compiled.Close(context.Background()) }()

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("forge-sandbox").
		WithStdin(bytes.NewReader([]byte(testCode))).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithStartFunctions("_start")

	start := time.Now()
	mod, runErr := s.runtime.InstantiateModule(runCtx, compiled, modCfg)
	elapsed := time.Since(start)
	if mod != nil {
		defer func() { _ = mod.Close(context.Background()) }()
	}

	res := &ExecutionResult{
		Status:          StatusSuccess,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
	res.TestsPassed, res.TestsFailed = parseTestCounts(res.Stdout)

	if runErr != nil {
		var exitErr *sys.ExitError
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			res.Status = StatusTimeout
			res.ErrorMessage = fmt.Sprintf("wall clock limit %s exceeded", cfg.timeout())
		case errors.As(runErr, &exitErr):
			res.ExitCode = int(exitErr.ExitCode())
			if exitErr.ExitCode() != 0 {
				res.Status = StatusError
				res.ErrorMessage = fmt.Sprintf("module exited with code %d", exitErr.ExitCode())
			}
		default:
			res.Status = StatusError
			res.ErrorMessage = runErr.Error()
			res.ErrorType = "TrapError"
		}
	}
	return res, nil
}

// Close releases the wazero runtime.
func (s *WasiSandbox) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.runtime.Close(ctx)
}
