package kernel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/agoraos/agora/pkg/artifact"
	"github.com/agoraos/agora/pkg/contract"
	"github.com/agoraos/agora/pkg/event"
	"github.com/agoraos/agora/pkg/fault"
	"github.com/agoraos/agora/pkg/sandbox"
)

// ActionResult is the uniform outcome of one kernel action. Failures cross
// the kernel boundary as results, never as panics: ErrorKind carries the
// structured fault taxonomy and ErrorMessage the actionable detail.
type ActionResult struct {
	Success      bool       `json:"success"`
	ErrorKind    fault.Kind `json:"error_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`

	// CostCharged is the contract-granted price collected for the action.
	// Metered sandbox consumption is charged separately and not reported here.
	CostCharged int64 `json:"cost_charged"`

	Value any `json:"value,omitempty"`
}

// WriteRequest describes a write action: a create when the ID is unclaimed,
// a full content replacement when it names an existing artifact.
type WriteRequest struct {
	ID         string
	Type       string
	Content    string
	Executable bool
	HasLoop    bool
	Contract   string
	Interface  *artifact.Interface
	Metadata   map[string]any
}

// Read returns a copy of the target artifact, gated and priced by its
// governing contract. Every read is authorized and charged anew: access
// granted once does not persist.
func (k *Kernel) Read(ctx context.Context, caller, target string) ActionResult {
	k.mu.Lock()
	defer k.mu.Unlock()
	t := &txn{}
	value, price, err := k.readLocked(ctx, callCtx{caller: caller, depth: 1, tx: t}, target)
	return k.finish(ctx, t, event.KindRead, caller, target, value, price, err)
}

// Write creates or replaces an artifact.
func (k *Kernel) Write(ctx context.Context, caller string, req WriteRequest) ActionResult {
	k.mu.Lock()
	defer k.mu.Unlock()
	t := &txn{}
	price, err := k.writeLocked(ctx, callCtx{caller: caller, depth: 1, tx: t}, req)
	return k.finish(ctx, t, event.KindWrite, caller, req.ID, nil, price, err)
}

// Edit replaces exactly one occurrence of oldText in the target's content.
// Zero or multiple occurrences fail the whole action with AmbiguousEdit and
// no partial application.
func (k *Kernel) Edit(ctx context.Context, caller, target, oldText, newText string) ActionResult {
	k.mu.Lock()
	defer k.mu.Unlock()
	t := &txn{}
	price, err := k.editLocked(ctx, callCtx{caller: caller, depth: 1, tx: t}, target, oldText, newText)
	return k.finish(ctx, t, event.KindEdit, caller, target, nil, price, err)
}

// Invoke executes the target artifact's code. The nested action tree it
// spawns commits or rolls back with this call as one unit; metered sandbox
// consumption stays charged either way.
func (k *Kernel) Invoke(ctx context.Context, caller, target, method string, args map[string]any) ActionResult {
	k.mu.Lock()
	defer k.mu.Unlock()
	t := &txn{}
	value, price, err := k.invokeLocked(ctx, callCtx{caller: caller, depth: 1, tx: t}, target, method, args)
	return k.finish(ctx, t, event.KindInvoke, caller, target, value, price, err)
}

// Delete tombstones the target. Its ID is never reused and its ownership
// history stays in the store.
func (k *Kernel) Delete(ctx context.Context, caller, target string) ActionResult {
	k.mu.Lock()
	defer k.mu.Unlock()
	t := &txn{}
	price, err := k.deleteLocked(ctx, callCtx{caller: caller, depth: 1, tx: t}, target)
	return k.finish(ctx, t, event.KindDelete, caller, target, nil, price, err)
}

// finish converts the internal (value, price, error) outcome into an
// ActionResult, rolling back the journal on failure and emitting the audit
// event and metrics on success.
func (k *Kernel) finish(ctx context.Context, t *txn, kind event.Kind, caller, target string, value any, price int64, err error) ActionResult {
	verb := string(kind)
	if err != nil {
		t.rollback()
		k.metrics.RecordAction(ctx, verb, false)
		if fault.IsKind(err, fault.PermissionDenied) {
			k.metrics.RecordDenial(ctx, verb)
		}
		return ActionResult{
			Success:      false,
			ErrorKind:    fault.KindOf(err),
			ErrorMessage: err.Error(),
		}
	}
	k.bus.Emit(event.Record{
		Kind:      kind,
		Principal: caller,
		Target:    target,
		Deltas:    map[string]int64{k.cfg.ScripResource: -price},
	})
	k.metrics.RecordAction(ctx, verb, true)
	return ActionResult{Success: true, CostCharged: price, Value: value}
}

// authorize runs the governing-contract check for one action and settles the
// grant. The contract's own evaluation cost is metered against the caller
// whether or not the action goes on to commit.
func (k *Kernel) authorize(ctx context.Context, cc callCtx, action string, target artifact.Artifact, method string, args map[string]any) (int64, error) {
	perm, err := k.engine.Check(ctx, contract.Request{
		Caller: cc.caller,
		Action: action,
		Target: target,
		Method: method,
		Args:   args,
	})
	k.chargeEval(cc.caller, perm.Measurement)
	if err != nil {
		return 0, err
	}
	return k.settle(cc.tx, perm)
}

func (k *Kernel) readLocked(ctx context.Context, cc callCtx, target string) (any, int64, error) {
	a, err := k.store.Get(target)
	if err != nil {
		return nil, 0, err
	}
	price, err := k.authorize(ctx, cc, "read", a, "", nil)
	if err != nil {
		return nil, 0, err
	}
	return a, price, nil
}

func (k *Kernel) writeLocked(ctx context.Context, cc callCtx, req WriteRequest) (int64, error) {
	prev, getErr := k.store.Get(req.ID)
	if getErr != nil {
		return k.createLocked(cc, req)
	}

	price, err := k.authorize(ctx, cc, "write", prev, "", map[string]any{"content": req.Content})
	if err != nil {
		return 0, err
	}

	next := prev
	next.Content = req.Content
	next.Executable = req.Executable
	next.HasLoop = req.HasLoop
	next.Contract = req.Contract
	next.Interface = req.Interface
	next.Metadata = req.Metadata
	if req.Type != "" {
		next.Type = req.Type // store rejects an actual change
	}
	if err := k.adjustStorage(cc.tx, prev.Owner, len(prev.Content), len(req.Content)); err != nil {
		return 0, err
	}
	if err := k.store.Update(next); err != nil {
		return 0, err
	}
	cc.tx.add(func() { k.store.Reinstate(prev) })
	return price, nil
}

// createLocked claims a fresh ID. Creation is ungoverned — there is no
// artifact yet to carry a contract — but the creator's storage quota gates it.
func (k *Kernel) createLocked(cc callCtx, req WriteRequest) (int64, error) {
	if req.Type == "" {
		req.Type = "data"
	}
	if err := k.allocateTx(cc.tx, cc.caller, k.cfg.StorageResource, int64(len(req.Content))); err != nil {
		return 0, err
	}
	err := k.store.Create(artifact.Artifact{
		ID:         req.ID,
		Type:       req.Type,
		Owner:      cc.caller,
		Creator:    cc.caller,
		Content:    req.Content,
		Executable: req.Executable,
		HasLoop:    req.HasLoop,
		Contract:   req.Contract,
		Interface:  req.Interface,
		Metadata:   req.Metadata,
	})
	if err != nil {
		return 0, err
	}
	cc.tx.add(func() { k.store.Expunge(req.ID) })
	return 0, nil
}

func (k *Kernel) editLocked(ctx context.Context, cc callCtx, target, oldText, newText string) (int64, error) {
	prev, err := k.store.Get(target)
	if err != nil {
		return 0, err
	}
	price, err := k.authorize(ctx, cc, "edit", prev, "", map[string]any{"old": oldText, "new": newText})
	if err != nil {
		return 0, err
	}
	if oldText == "" {
		return 0, fault.New(fault.InvalidArgument, "edit needs a non-empty text to replace")
	}
	n := strings.Count(prev.Content, oldText)
	if n != 1 {
		return 0, fault.New(fault.AmbiguousEdit,
			"edit of %q matches %d occurrences; exactly one is required", target, n)
	}

	next := prev
	next.Content = strings.Replace(prev.Content, oldText, newText, 1)
	if err := k.adjustStorage(cc.tx, prev.Owner, len(prev.Content), len(next.Content)); err != nil {
		return 0, err
	}
	if err := k.store.Update(next); err != nil {
		return 0, err
	}
	cc.tx.add(func() { k.store.Reinstate(prev) })
	return price, nil
}

func (k *Kernel) deleteLocked(ctx context.Context, cc callCtx, target string) (int64, error) {
	prev, err := k.store.Get(target)
	if err != nil {
		return 0, err
	}
	price, err := k.authorize(ctx, cc, "delete", prev, "", nil)
	if err != nil {
		return 0, err
	}
	if err := k.store.Delete(target); err != nil {
		return 0, err
	}
	cc.tx.add(func() { k.store.Reinstate(prev) })
	if err := k.releaseTx(cc.tx, prev.Owner, k.cfg.StorageResource, int64(len(prev.Content))); err != nil {
		return 0, err
	}
	return price, nil
}

func (k *Kernel) invokeLocked(ctx context.Context, cc callCtx, target, method string, args map[string]any) (any, int64, error) {
	if cc.depth > k.cfg.MaxCallDepth {
		return nil, 0, fault.New(fault.QuotaExceeded,
			"invoke chain depth %d exceeds limit %d", cc.depth, k.cfg.MaxCallDepth)
	}
	a, err := k.store.Get(target)
	if err != nil {
		return nil, 0, err
	}
	if !a.Executable {
		return nil, 0, fault.New(fault.InvalidArgument, "artifact %q is not executable", target)
	}
	if a.Interface != nil {
		if err := a.Interface.ValidateArgs(method, args); err != nil {
			return nil, 0, err
		}
	}
	price, err := k.authorize(ctx, cc, "invoke", a, method, args)
	if err != nil {
		return nil, 0, err
	}

	value, err := k.execute(ctx, cc, a, method, args)
	if err != nil {
		return nil, 0, err
	}
	return value, price, nil
}

// execute dispatches the invocation body: a registered native handler, a
// WASM module, or a CEL service expression. Inside the body, the executing
// artifact is the immediate caller of everything it does.
func (k *Kernel) execute(ctx context.Context, cc callCtx, a artifact.Artifact, method string, args map[string]any) (any, error) {
	if h, ok := k.natives[a.ID]; ok {
		return k.runNative(ctx, h, a.ID, callCtx{caller: a.ID, depth: cc.depth, tx: cc.tx}, Call{
			Caller: cc.caller,
			Method: method,
			Args:   args,
		})
	}

	if a.Type == "wasm" {
		return k.executeWASM(ctx, a, method, args)
	}

	program, err := k.exec.CompileService(a.Content, sandbox.Capabilities{
		Reader: k.reader(),
		Invoker: &boundInvoker{
			k:   k,
			ctx: ctx,
			cc:  callCtx{caller: a.ID, depth: cc.depth, tx: cc.tx},
		},
	})
	if err != nil {
		return nil, err
	}
	res, err := program.Eval(ctx, map[string]any{
		"self":   a.ID,
		"caller": cc.caller,
		"method": method,
		"args":   nonNilArgs(args),
	})
	k.chargeEval(a.Owner, res.Measurement)
	k.metrics.RecordSandbox(ctx, "cel", res.Measurement.CPUTime)
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// runNative isolates a native handler: a panic inside one surfaces as an
// ExecutionError result, and the enclosing action rolls back as if the
// handler had returned the fault itself.
func (k *Kernel) runNative(ctx context.Context, h NativeHandler, id string, cc callCtx, call Call) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("native service panicked",
				"artifact", id, "method", call.Method, "panic", r)
			value = nil
			err = fault.New(fault.ExecutionError, "service %q failed on %q: %v", id, call.Method, r)
		}
	}()
	return h(ctx, &Tx{k: k, cc: cc}, call)
}

// executeWASM runs an artifact whose content is a base64-encoded WASI command
// module. The call arrives as argv and JSON on stdin; JSON on stdout is the
// result, non-JSON stdout passes through as a string.
func (k *Kernel) executeWASM(ctx context.Context, a artifact.Artifact, method string, args map[string]any) (any, error) {
	module, err := base64.StdEncoding.DecodeString(a.Content)
	if err != nil {
		return nil, fault.New(fault.ExecutionError, "artifact %q content is not base64 wasm: %v", a.ID, err)
	}
	input, err := json.Marshal(nonNilArgs(args))
	if err != nil {
		return nil, fault.New(fault.InvalidArgument, "invoke args are not serializable: %v", err)
	}
	res, err := k.exec.RunWASM(ctx, module, method, input)
	k.chargeEval(a.Owner, res.Measurement)
	k.metrics.RecordSandbox(ctx, "wasm", res.Measurement.CPUTime)
	if err != nil {
		return nil, err
	}
	out, _ := res.Value.(string)
	var decoded any
	if json.Unmarshal([]byte(out), &decoded) == nil {
		return decoded, nil
	}
	return out, nil
}

// adjustStorage moves the owner's storage allocation from the old content
// size to the new one, journaled.
func (k *Kernel) adjustStorage(t *txn, owner string, oldLen, newLen int) error {
	delta := int64(newLen) - int64(oldLen)
	switch {
	case delta > 0:
		return k.allocateTx(t, owner, k.cfg.StorageResource, delta)
	case delta < 0:
		return k.releaseTx(t, owner, k.cfg.StorageResource, -delta)
	}
	return nil
}

func nonNilArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}

// boundInvoker is the kernel-action surface handed to one executing service.
// Its identity is fixed to the executing artifact: nested actions see that
// artifact as their immediate caller, never the original external caller.
type boundInvoker struct {
	k   *Kernel
	ctx context.Context
	cc  callCtx
}

func (b *boundInvoker) Write(target, content string) error {
	_, err := b.k.writeLocked(b.ctx, b.cc, WriteRequest{ID: target, Content: content})
	return err
}

func (b *boundInvoker) Transfer(to, resource string, amount int64) error {
	if amount < 0 {
		return fault.New(fault.InvalidArgument, "transfer amount must not be negative, got %d", amount)
	}
	return b.k.transferTx(b.cc.tx, b.cc.caller, to, resource, amount)
}

func (b *boundInvoker) Invoke(target, method string, args map[string]any) (any, error) {
	next := callCtx{caller: b.cc.caller, depth: b.cc.depth + 1, tx: b.cc.tx}
	value, _, err := b.k.invokeLocked(b.ctx, next, target, method, args)
	return value, err
}
