package kernel

import (
	"context"

	"github.com/agoraos/agora/pkg/artifact"
	"github.com/agoraos/agora/pkg/event"
	"github.com/agoraos/agora/pkg/fault"
)

// Call is one invocation of a native service, as its handler sees it.
type Call struct {
	// Caller is the immediate caller of this invocation.
	Caller string
	Method string
	Args   map[string]any
}

// NativeHandler implements a built-in service artifact in Go. It runs inside
// the invoking action: everything it does through the Tx commits or rolls
// back with that action.
type NativeHandler func(ctx context.Context, tx *Tx, call Call) (any, error)

// RegisterNative routes invocations of the artifact with the given ID to a
// Go handler instead of the sandbox. The artifact itself must still exist
// and be executable: natives are addressed, governed, and priced exactly
// like sandboxed services.
func (k *Kernel) RegisterNative(id string, h NativeHandler) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.natives[id] = h
}

// Tx is the journaled kernel surface handed to a native handler. Its
// identity is the native artifact, and every mutation is undone if the
// enclosing action fails.
type Tx struct {
	k  *Kernel
	cc callCtx
}

// Self returns the ID of the native artifact this transaction acts as.
func (tx *Tx) Self() string { return tx.cc.caller }

// Balance reads a principal's balance.
func (tx *Tx) Balance(principal, resource string) int64 {
	return tx.k.res.GetBalance(principal, resource)
}

// Owner returns an artifact's current owner.
func (tx *Tx) Owner(id string) (string, error) {
	a, err := tx.k.store.Get(id)
	if err != nil {
		return "", err
	}
	return a.Owner, nil
}

// Transfer moves resources between principals, journaled.
func (tx *Tx) Transfer(from, to, resource string, amount int64) error {
	return tx.k.transferTx(tx.cc.tx, from, to, resource, amount)
}

// Mint credits newly created units, journaled.
func (tx *Tx) Mint(to, resource string, amount int64) error {
	return tx.k.mintTx(tx.cc.tx, to, resource, amount)
}

// SetOwner reassigns an artifact's owner, journaled. The type, content, and
// contract are untouched.
func (tx *Tx) SetOwner(id, owner string) error {
	prev, err := tx.k.store.Get(id)
	if err != nil {
		return err
	}
	if owner == "" {
		return fault.New(fault.InvalidArgument, "owner must not be empty")
	}
	next := prev
	next.Owner = owner
	if err := tx.k.store.Update(next); err != nil {
		return err
	}
	tx.cc.tx.add(func() { tx.k.store.Reinstate(prev) })
	return nil
}

// Invoke re-enters the dispatcher with the native artifact as the immediate
// caller, one level deeper, inside the same transaction.
func (tx *Tx) Invoke(ctx context.Context, target, method string, args map[string]any) (any, error) {
	next := callCtx{caller: tx.cc.caller, depth: tx.cc.depth + 1, tx: tx.cc.tx}
	value, _, err := tx.k.invokeLocked(ctx, next, target, method, args)
	return value, err
}

// OnRollback registers an undo step for handler-private state, run only if
// the enclosing action fails.
func (tx *Tx) OnRollback(f func()) { tx.cc.tx.add(f) }

// Emit appends an event record inside the action. Rolled-back actions still
// leave their emitted records in the audit log; consumers treat the final
// action event as the commit marker.
func (tx *Tx) Emit(rec event.Record) { tx.k.bus.Emit(rec) }

// ListArtifacts returns matching artifacts in insertion order. Listing is a
// query, not a kernel action: it is ungoverned and unpriced, and returns
// only records, never content-gated reads.
func (k *Kernel) ListArtifacts(f artifact.Filter) []artifact.Artifact {
	var out []artifact.Artifact
	for a := range k.store.List(f) {
		// Queries never expose content; that is what governed reads are for.
		a.Content = ""
		out = append(out, a)
	}
	return out
}

// GetInterface returns the declared method schemas of an artifact, or
// NotFound if the artifact has none.
func (k *Kernel) GetInterface(id string) (*artifact.Interface, error) {
	a, err := k.store.Get(id)
	if err != nil {
		return nil, err
	}
	if a.Interface == nil {
		return nil, fault.New(fault.NotFound, "artifact %q declares no interface", id)
	}
	return a.Interface, nil
}

// Balances returns all balances held by a principal.
func (k *Kernel) Balances(principal string) map[string]int64 {
	return k.res.Balances(principal)
}
