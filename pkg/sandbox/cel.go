package sandbox

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/agoraos/agora/pkg/fault"
)

// Executor runs CEL and WASM artifact code under the configured limits.
type Executor struct {
	limits Limits

	wasmOnce sync.Once
	wasmRT   wazero.Runtime
	wasmErr  error
}

// New creates an executor.
func New(limits Limits) *Executor {
	return &Executor{limits: limits}
}

// Limits returns the configured execution limits.
func (e *Executor) Limits() Limits { return e.limits }

// Program is a compiled CEL program bound to a capability set. Contract-mode
// programs are safe for concurrent reuse and may be cached by content hash.
type Program struct {
	prg    cel.Program
	limits Limits
	sink   *capError
}

// capError records the last structured fault raised inside a capability
// binding, so it survives CEL's string-typed error propagation.
type capError struct {
	err error
}

func (c *capError) set(err error) ref.Val {
	c.err = err
	return types.NewErr("%s", err.Error())
}

// CompileContract compiles contract-authorization code against the read-only
// surface. The evaluation context is exactly {caller, action, target,
// creator, method, args} — nothing else.
func (e *Executor) CompileContract(src string, reader StateReader) (*Program, error) {
	opts := []cel.EnvOption{
		cel.Variable("caller", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("target", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("creator", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
	}
	opts = append(opts, readerFunctions(reader, nil)...)
	return e.compile(ModeContract, src, opts)
}

// CompileService compiles executable-artifact code against the full surface:
// the read-only accessor plus the kernel-action invoker. Service programs
// are bound to one call's invoker and must not be cached.
func (e *Executor) CompileService(src string, caps Capabilities) (*Program, error) {
	sink := &capError{}
	opts := []cel.EnvOption{
		cel.Variable("self", cel.StringType),
		cel.Variable("caller", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
	}
	opts = append(opts, readerFunctions(caps.Reader, sink)...)
	opts = append(opts, invokerFunctions(caps.Invoker, sink)...)
	p, err := e.compile(ModeService, src, opts)
	if err != nil {
		return nil, err
	}
	p.sink = sink
	return p, nil
}

func (e *Executor) compile(mode Mode, src string, opts []cel.EnvOption) (*Program, error) {
	env, err := cel.NewEnv(opts...)
	if err != nil {
		// Environment construction failures are kernel bugs, not user faults.
		panic(fmt.Sprintf("sandbox: cel environment: %v", err))
	}
	ast, iss := env.Compile(src)
	if iss != nil && iss.Err() != nil {
		if strings.Contains(iss.Err().Error(), "undeclared reference") {
			return nil, surfaceFault(mode, iss.Err())
		}
		f := fault.New(fault.ExecutionError, "code does not compile: %v", iss.Err())
		f.Cause = iss.Err()
		return nil, f
	}
	prg, err := env.Program(ast,
		cel.EvalOptions(cel.OptTrackCost),
		cel.CostLimit(e.limits.CostLimit),
		cel.InterruptCheckFrequency(128),
	)
	if err != nil {
		f := fault.New(fault.ExecutionError, "program construction failed: %v", err)
		f.Cause = err
		return nil, f
	}
	return &Program{prg: prg, limits: e.limits}, nil
}

// Eval runs the program under the wall-clock timeout. A timed-out call fails
// with ExecutionTimeout; the measurement up to the abort is still reported
// and remains chargeable.
func (p *Program) Eval(ctx context.Context, globals map[string]any) (Result, error) {
	if p.sink != nil {
		p.sink.err = nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.limits.Timeout)
	defer cancel()

	start := time.Now()
	out, details, err := p.prg.ContextEval(ctx, globals)
	res := Result{Measurement: Measurement{CPUTime: time.Since(start)}}
	if details != nil {
		if cost := details.ActualCost(); cost != nil {
			res.Measurement.CostUnits = *cost
		}
	}
	if err != nil {
		return res, p.classify(ctx, err)
	}

	native, convErr := toNative(out)
	if convErr != nil {
		f := fault.New(fault.ExecutionError, "code produced an unusable value: %v", convErr)
		f.Cause = convErr
		return res, f
	}
	res.Value = native
	return res, nil
}

func (p *Program) classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fault.New(fault.ExecutionTimeout, "execution exceeded time limit %s", p.limits.Timeout)
	}
	// A structured fault raised by a capability binding wins over CEL's
	// stringified rendering of it.
	if p.sink != nil && p.sink.err != nil {
		return p.sink.err
	}
	if strings.Contains(err.Error(), "cost limit exceeded") {
		f := fault.New(fault.ExecutionError, "execution exceeded cost limit %d", p.limits.CostLimit)
		f.Cause = err
		return f
	}
	f := fault.New(fault.ExecutionError, "execution failed: %v", err)
	f.Cause = err
	return f
}

func readerFunctions(reader StateReader, sink *capError) []cel.EnvOption {
	return []cel.EnvOption{
		cel.Function("balance",
			cel.Overload("balance_string_string", []*cel.Type{cel.StringType, cel.StringType}, cel.IntType,
				cel.BinaryBinding(func(principal, resource ref.Val) ref.Val {
					return types.Int(reader.Balance(argString(principal), argString(resource)))
				}))),
		cel.Function("owner",
			cel.Overload("owner_string", []*cel.Type{cel.StringType}, cel.StringType,
				cel.UnaryBinding(func(id ref.Val) ref.Val {
					owner, err := reader.Owner(argString(id))
					if err != nil {
						return capFail(sink, err)
					}
					return types.String(owner)
				}))),
		cel.Function("exists",
			cel.Overload("exists_string", []*cel.Type{cel.StringType}, cel.BoolType,
				cel.UnaryBinding(func(id ref.Val) ref.Val {
					return types.Bool(reader.Exists(argString(id)))
				}))),
		cel.Function("metadata",
			cel.Overload("metadata_string_string", []*cel.Type{cel.StringType, cel.StringType}, cel.DynType,
				cel.BinaryBinding(func(id, key ref.Val) ref.Val {
					v, err := reader.Metadata(argString(id), argString(key))
					if err != nil {
						return capFail(sink, err)
					}
					return types.DefaultTypeAdapter.NativeToValue(v)
				}))),
	}
}

func invokerFunctions(invoker ActionInvoker, sink *capError) []cel.EnvOption {
	return []cel.EnvOption{
		cel.Function("write",
			cel.Overload("write_string_string", []*cel.Type{cel.StringType, cel.StringType}, cel.BoolType,
				cel.BinaryBinding(func(target, content ref.Val) ref.Val {
					if err := invoker.Write(argString(target), argString(content)); err != nil {
						return capFail(sink, err)
					}
					return types.True
				}))),
		cel.Function("transfer",
			cel.Overload("transfer_string_string_int",
				[]*cel.Type{cel.StringType, cel.StringType, cel.IntType}, cel.BoolType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					amount, ok := args[2].Value().(int64)
					if !ok {
						return capFail(sink, fault.New(fault.InvalidArgument, "transfer amount must be an integer"))
					}
					if err := invoker.Transfer(argString(args[0]), argString(args[1]), amount); err != nil {
						return capFail(sink, err)
					}
					return types.True
				}))),
		cel.Function("invoke",
			cel.Overload("invoke_string_string_map",
				[]*cel.Type{cel.StringType, cel.StringType, cel.MapType(cel.StringType, cel.DynType)}, cel.DynType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					callArgs, err := toStringMap(args[2])
					if err != nil {
						return capFail(sink, fault.New(fault.InvalidArgument, "invoke args must be a map: %v", err))
					}
					out, err := invoker.Invoke(argString(args[0]), argString(args[1]), callArgs)
					if err != nil {
						return capFail(sink, err)
					}
					return types.DefaultTypeAdapter.NativeToValue(out)
				}))),
	}
}

func capFail(sink *capError, err error) ref.Val {
	if sink != nil {
		return sink.set(err)
	}
	return types.NewErr("%s", err.Error())
}

func argString(v ref.Val) string {
	s, _ := v.Value().(string)
	return s
}

func toStringMap(v ref.Val) (map[string]any, error) {
	native, err := v.ConvertToNative(reflect.TypeOf(map[string]any{}))
	if err != nil {
		return nil, err
	}
	m, ok := native.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected native type %T", native)
	}
	norm, err := normalize(m)
	if err != nil {
		return nil, err
	}
	return norm.(map[string]any), nil
}

func toNative(out ref.Val) (any, error) {
	switch out.(type) {
	case traits.Mapper:
		return toStringMap(out)
	case traits.Lister:
		native, err := out.ConvertToNative(reflect.TypeOf([]any{}))
		if err != nil {
			return nil, err
		}
		return normalize(native)
	default:
		return out.Value(), nil
	}
}

// normalize rewrites nested maps to map[string]any. cel-go converts only the
// top level to the requested type; values below it arrive as map[any]any.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for key, val := range t {
			norm, err := normalize(val)
			if err != nil {
				return nil, err
			}
			t[key] = norm
		}
		return t, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for key, val := range t {
			s, ok := key.(string)
			if !ok {
				return nil, fmt.Errorf("map key %v (%T) is not a string", key, key)
			}
			norm, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[s] = norm
		}
		return out, nil
	case []any:
		for i, val := range t {
			norm, err := normalize(val)
			if err != nil {
				return nil, err
			}
			t[i] = norm
		}
		return t, nil
	default:
		return v, nil
	}
}
