package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/agoraos/agora/pkg/fault"
)

// OutputMaxBytes caps stdout+stderr from one WASM execution.
const OutputMaxBytes = 1024 * 1024

// wasm returns the lazily-created runtime: most deployments run CEL-only
// artifacts and never pay for it.
func (e *Executor) wasm(ctx context.Context) (wazero.Runtime, error) {
	e.wasmOnce.Do(func() {
		cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
		if e.limits.MemoryLimitBytes > 0 {
			pages := uint32(e.limits.MemoryLimitBytes / 65536) // 64KB per page
			if pages == 0 {
				pages = 1
			}
			cfg = cfg.WithMemoryLimitPages(pages)
		}
		rt := wazero.NewRuntimeWithConfig(ctx, cfg)
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			_ = rt.Close(ctx)
			e.wasmErr = fmt.Errorf("wasm: instantiate wasi: %w", err)
			return
		}
		e.wasmRT = rt
	})
	return e.wasmRT, e.wasmErr
}

// Close releases the WASM runtime, if one was created.
func (e *Executor) Close(ctx context.Context) error {
	if e.wasmRT == nil {
		return nil
	}
	return e.wasmRT.Close(ctx)
}

// RunWASM executes a compiled WASI command module under the wall-clock
// timeout and memory-page limit. The method name arrives as argv[1] and the
// call input on stdin; the result is the module's stdout.
//
// wazero's default module configuration is deterministic: clocks read a fixed
// origin and the random source is seeded, so identical module + input yields
// identical output unless the module opts into host entropy we never grant.
func (e *Executor) RunWASM(ctx context.Context, module []byte, method string, input []byte) (Result, error) {
	rt, err := e.wasm(ctx)
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.limits.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithArgs("artifact", method)

	start := time.Now()
	compiled, err := rt.CompileModule(ctx, module)
	if err != nil {
		f := fault.New(fault.ExecutionError, "wasm module does not compile: %v", err)
		f.Cause = err
		return Result{Measurement: Measurement{CPUTime: time.Since(start)}}, f
	}
	defer func() { _ = compiled.Close(ctx) }()

	mod, err := rt.InstantiateModule(ctx, compiled, modCfg)
	res := Result{Measurement: Measurement{
		CPUTime:      time.Since(start),
		BytesWritten: int64(stdout.Len() + stderr.Len()),
	}}
	if mod != nil {
		if mem := mod.Memory(); mem != nil {
			res.Measurement.PeakMemoryBytes = int64(mem.Size())
		}
		defer func() { _ = mod.Close(ctx) }()
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res, fault.New(fault.ExecutionTimeout, "execution exceeded time limit %s", e.limits.Timeout)
		}
		f := fault.New(fault.ExecutionError, "wasm execution failed: %v", err)
		f.Cause = err
		return res, f
	}

	if stdout.Len()+stderr.Len() > OutputMaxBytes {
		return res, fault.New(fault.ExecutionError, "wasm output exceeds %d bytes", OutputMaxBytes)
	}
	if stderr.Len() > 0 {
		return res, fault.New(fault.ExecutionError, "wasm wrote to stderr: %s", stderr.String())
	}

	res.Value = stdout.String()
	return res, nil
}
