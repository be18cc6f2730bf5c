// Package kernel is the permission checker and dispatcher: every kernel
// action (read, write, edit, invoke, delete) enters here, is authorized by
// the target's governing contract, settled against the resource manager, and
// only then applied to the artifact store. The kernel is logically
// single-writer: one accepted action, nested invokes included, executes as
// one atomic unit under one lock, and a failure partway rolls back fully.
package kernel

import (
	"log/slog"
	"sync"

	"github.com/agoraos/agora/pkg/artifact"
	"github.com/agoraos/agora/pkg/config"
	"github.com/agoraos/agora/pkg/contract"
	"github.com/agoraos/agora/pkg/event"
	"github.com/agoraos/agora/pkg/fault"
	"github.com/agoraos/agora/pkg/resource"
	"github.com/agoraos/agora/pkg/sandbox"
	"github.com/agoraos/agora/pkg/telemetry"
)

// Kernel wires the store, resource manager, contract engine, and sandbox
// behind the five-verb action surface.
type Kernel struct {
	mu      sync.Mutex
	cfg     config.Config
	store   *artifact.Store
	res     *resource.Manager
	exec    *sandbox.Executor
	engine  *contract.Engine
	bus     *event.Bus
	logger  *slog.Logger
	metrics *telemetry.Metrics
	natives map[string]NativeHandler
}

// New assembles a kernel from a validated configuration.
func New(cfg config.Config, logger *slog.Logger) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	bus := event.NewBus(cfg.EventBufferSize)
	store := artifact.NewStore()
	res := resource.NewManager(bus)
	exec := sandbox.New(sandbox.Limits{
		Timeout:          cfg.SandboxTimeout,
		CostLimit:        cfg.SandboxCostLimit,
		MemoryLimitBytes: cfg.SandboxMemoryLimitBytes,
	})

	k := &Kernel{
		cfg:     cfg,
		store:   store,
		res:     res,
		exec:    exec,
		bus:     bus,
		logger:  logger.With("component", "kernel"),
		natives: make(map[string]NativeHandler),
	}
	k.engine = contract.NewEngine(store, exec, k.reader(), cfg, logger)
	if err := k.bootstrap(); err != nil {
		return nil, err
	}
	return k, nil
}

// KernelPrincipal is the well-known principal owning built-in artifacts.
const KernelPrincipal = "kernel"

// bootstrap seeds the well-known artifacts every economy starts with. They
// are ordinary artifacts: built-in services route through the same dispatch
// path as anything user-created.
func (k *Kernel) bootstrap() error {
	seeds := []artifact.Artifact{
		{
			ID: KernelPrincipal, Type: "agent", Owner: KernelPrincipal, Creator: KernelPrincipal,
			HasStanding: true,
		},
		{
			ID: k.cfg.FreewareContractID, Type: "contract", Owner: KernelPrincipal, Creator: KernelPrincipal,
			Executable: true, Content: "true",
			Metadata: map[string]any{"description": "always-allow, zero-cost contract"},
		},
	}
	for _, seed := range seeds {
		if err := k.store.Create(seed); err != nil {
			return err
		}
	}
	return nil
}

// SetMetrics attaches an optional metrics sink.
func (k *Kernel) SetMetrics(m *telemetry.Metrics) { k.metrics = m }

// Config returns the kernel configuration.
func (k *Kernel) Config() config.Config { return k.cfg }

// Bus returns the event bus.
func (k *Kernel) Bus() *event.Bus { return k.bus }

// Resources returns the resource manager. Callers outside the dispatch path
// must treat it as read-only; mutation belongs to accepted actions.
func (k *Kernel) Resources() *resource.Manager { return k.res }

// Store returns the artifact store, for checkpointing.
func (k *Kernel) Store() *artifact.Store { return k.store }

// CreatePrincipal registers a new principal artifact with standing and seeds
// its initial scrip balance. Principal IDs are kernel-assigned trusted
// strings; there is no cryptographic identity. The principal artifact keeps
// the null contract: only the agent itself may act on its own record.
func (k *Kernel) CreatePrincipal(id string, initialScrip int64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	err := k.store.Create(artifact.Artifact{
		ID: id, Type: "agent", Owner: id, Creator: id,
		HasStanding: true, HasLoop: true,
	})
	if err != nil {
		return err
	}
	if initialScrip > 0 {
		if err := k.res.Mint(id, k.cfg.ScripResource, initialScrip); err != nil {
			return err
		}
	}
	return nil
}

// reader builds the minimal read-only state accessor injected into sandboxed
// code: balances and artifact metadata, nothing else.
func (k *Kernel) reader() sandbox.StateReader {
	return &stateReader{k: k}
}

type stateReader struct{ k *Kernel }

func (r *stateReader) Balance(principal, res string) int64 {
	return r.k.res.GetBalance(principal, res)
}

func (r *stateReader) Owner(id string) (string, error) {
	a, err := r.k.store.Get(id)
	if err != nil {
		return "", err
	}
	return a.Owner, nil
}

func (r *stateReader) Exists(id string) bool {
	_, err := r.k.store.Get(id)
	return err == nil
}

func (r *stateReader) Metadata(id, key string) (any, error) {
	a, err := r.k.store.Get(id)
	if err != nil {
		return nil, err
	}
	v, ok := a.Metadata[key]
	if !ok {
		return nil, fault.New(fault.NotFound, "artifact %q has no metadata key %q", id, key)
	}
	return v, nil
}

// txn journals undo steps for one accepted action. Rollback runs them in
// reverse. Undo steps operate on state this action just produced and must
// not fail; a failing undo is a kernel invariant violation.
type txn struct {
	undo []func()
}

func (t *txn) add(f func()) { t.undo = append(t.undo, f) }

func (t *txn) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// callCtx threads the immediate caller and the explicit call depth through
// the dispatch pipeline. The caller is re-derived at every invocation
// boundary — it is never an ambient identity spanning a chain.
type callCtx struct {
	caller string
	depth  int
	tx     *txn
}

// transferTx performs a journaled transfer.
func (k *Kernel) transferTx(t *txn, from, to, res string, amount int64) error {
	if amount == 0 {
		return nil
	}
	if err := k.res.Transfer(from, to, res, amount); err != nil {
		return err
	}
	t.add(func() {
		if err := k.res.Transfer(to, from, res, amount); err != nil {
			panic("kernel: rollback transfer failed: " + err.Error())
		}
	})
	return nil
}

// mintTx performs a journaled mint.
func (k *Kernel) mintTx(t *txn, to, res string, amount int64) error {
	if amount == 0 {
		return nil
	}
	if err := k.res.Mint(to, res, amount); err != nil {
		return err
	}
	t.add(func() {
		if err := k.res.Spend(to, res, amount); err != nil {
			panic("kernel: rollback mint failed: " + err.Error())
		}
	})
	return nil
}

// allocateTx performs a journaled quota allocation.
func (k *Kernel) allocateTx(t *txn, principal, res string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	if err := k.res.Allocate(principal, res, amount); err != nil {
		return err
	}
	t.add(func() { _ = k.res.Release(principal, res, amount) })
	return nil
}

// releaseTx performs a journaled quota release.
func (k *Kernel) releaseTx(t *txn, principal, res string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	if err := k.res.Release(principal, res, amount); err != nil {
		return err
	}
	t.add(func() { _ = k.res.Allocate(principal, res, amount) })
	return nil
}

// settle collects the contract-granted price and applies contract-declared
// updates, all journaled. A payment that cannot be collected aborts the
// action with no partial effect. A price owed to oneself — the usual case
// when an owner acts on their own priced artifact — moves nothing and
// charges nothing.
func (k *Kernel) settle(t *txn, perm contract.Result) (int64, error) {
	price := perm.Price
	if price > 0 {
		if perm.Payer == perm.Recipient {
			price = 0
		} else if err := k.transferTx(t, perm.Payer, perm.Recipient, k.cfg.ScripResource, price); err != nil {
			return 0, err
		}
	}
	for _, upd := range perm.Updates {
		if upd.From == upd.To {
			continue
		}
		if err := k.transferTx(t, upd.From, upd.To, upd.Resource, upd.Amount); err != nil {
			return 0, err
		}
	}
	return price, nil
}

// chargeEval bills measured sandbox consumption against the principal's
// compute budget. Charges are metered, not journaled: cost measured up to an
// abort remains charged even when the action rolls back.
func (k *Kernel) chargeEval(principal string, meas sandbox.Measurement) {
	if ms := meas.CPUTime.Milliseconds(); ms > 0 {
		k.res.Charge(principal, k.cfg.ComputeResource, ms)
	}
}
