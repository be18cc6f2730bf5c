// Package sandbox executes artifact-authored code with no ambient capability
// beyond what is explicitly injected, under a wall-clock timeout and with
// resource measurement. Two backends exist: a deterministic CEL evaluator for
// contract and service expressions, and a wazero-based WASM runner for
// artifacts that ship compiled modules.
package sandbox

import (
	"sort"
	"strings"
	"time"

	"github.com/agoraos/agora/pkg/fault"
)

// Mode selects which capability surface the executed code sees.
type Mode string

const (
	// ModeContract is the authorization surface: read-only kernel state plus
	// the fixed evaluation context. No kernel actions.
	ModeContract Mode = "contract"
	// ModeService adds the kernel-action invoker for executable artifacts.
	ModeService Mode = "service"
)

// StateReader is the minimal read-only kernel-state accessor injected into
// sandboxed code.
type StateReader interface {
	// Balance returns a principal's balance for a resource.
	Balance(principal, resource string) int64
	// Owner returns an artifact's owner, or an error for unknown artifacts.
	Owner(id string) (string, error)
	// Exists reports whether a live (non-tombstoned) artifact exists.
	Exists(id string) bool
	// Metadata returns one metadata value of an artifact.
	Metadata(id, key string) (any, error)
}

// ActionInvoker is the minimal kernel-action surface injected into service
// code. Every call re-enters the full permission pipeline with the executing
// artifact as the immediate caller.
type ActionInvoker interface {
	Write(target, content string) error
	Transfer(to, resource string, amount int64) error
	Invoke(target, method string, args map[string]any) (any, error)
}

// Capabilities is the complete injected surface. Invoker is nil in
// ModeContract.
type Capabilities struct {
	Reader  StateReader
	Invoker ActionInvoker
}

// Limits bounds one execution.
type Limits struct {
	Timeout          time.Duration
	CostLimit        uint64
	MemoryLimitBytes int64
}

// Measurement reports resources consumed by one execution, including
// executions aborted by timeout: cost measured up to the abort remains real.
type Measurement struct {
	CPUTime         time.Duration `json:"cpu_time"`
	CostUnits       uint64        `json:"cost_units"`
	PeakMemoryBytes int64         `json:"peak_memory_bytes"`
	BytesWritten    int64         `json:"bytes_written"`
}

// Result is the outcome of one sandboxed execution.
type Result struct {
	Value       any
	Measurement Measurement
}

// capability surface documentation, used to make unknown-reference faults
// actionable. Order is stable for reproducible messages.
var (
	contractSurface = []string{
		"caller", "action", "target", "creator", "method", "args",
		"balance(principal, resource)", "owner(id)", "exists(id)", "metadata(id, key)",
	}
	serviceSurface = []string{
		"self", "caller", "method", "args",
		"balance(principal, resource)", "owner(id)", "exists(id)", "metadata(id, key)",
		"write(target, content)", "transfer(to, resource, amount)", "invoke(target, method, args)",
	}
)

// surfaceFault turns a compile failure over an unknown identifier into an
// actionable fault naming the available capability surface, clearly
// distinguished from an internal kernel fault.
func surfaceFault(mode Mode, err error) *fault.Fault {
	surface := contractSurface
	if mode == ModeService {
		surface = serviceSurface
	}
	names := make([]string, len(surface))
	copy(names, surface)
	sort.Strings(names)
	f := fault.New(fault.ExecutionError,
		"code references an undefined capability; available surface: %s", strings.Join(names, ", "))
	f.Cause = err
	return f
}
