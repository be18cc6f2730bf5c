package kernel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoraos/agora/pkg/artifact"
	"github.com/agoraos/agora/pkg/config"
	"github.com/agoraos/agora/pkg/fault"
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	k, err := New(config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return k
}

func mustSucceed(t *testing.T, res ActionResult) ActionResult {
	t.Helper()
	require.True(t, res.Success, "action failed: %s: %s", res.ErrorKind, res.ErrorMessage)
	return res
}

func TestWriteThenReadByCreator(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	require.NoError(t, k.CreatePrincipal("alice", 0))

	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{ID: "doc", Content: "hello"}))

	res := mustSucceed(t, k.Read(ctx, "alice", "doc"))
	got, ok := res.Value.(artifact.Artifact)
	require.True(t, ok)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, "alice", got.Creator)
	assert.Equal(t, int64(0), res.CostCharged)
}

func TestNullContractIsCreatorOnly(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	require.NoError(t, k.CreatePrincipal("alice", 0))
	require.NoError(t, k.CreatePrincipal("bob", 100))
	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{ID: "doc", Content: "secret", Executable: true}))

	checks := []ActionResult{
		k.Read(ctx, "bob", "doc"),
		k.Write(ctx, "bob", WriteRequest{ID: "doc", Content: "overwritten"}),
		k.Edit(ctx, "bob", "doc", "secret", "public"),
		k.Invoke(ctx, "bob", "doc", "run", nil),
		k.Delete(ctx, "bob", "doc"),
	}
	for _, res := range checks {
		assert.False(t, res.Success)
		assert.Equal(t, fault.PermissionDenied, res.ErrorKind)
	}

	// The denials left no trace on the artifact.
	res := mustSucceed(t, k.Read(ctx, "alice", "doc"))
	assert.Equal(t, "secret", res.Value.(artifact.Artifact).Content)
}

func TestFreewareContractAllowsAnyone(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	require.NoError(t, k.CreatePrincipal("alice", 0))
	require.NoError(t, k.CreatePrincipal("bob", 0))
	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{
		ID: "doc", Content: "open", Contract: k.cfg.FreewareContractID,
	}))

	res := mustSucceed(t, k.Read(ctx, "bob", "doc"))
	assert.Equal(t, "open", res.Value.(artifact.Artifact).Content)
	assert.Equal(t, int64(0), res.CostCharged)
}

func TestPricedReadChargesEveryTime(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	require.NoError(t, k.CreatePrincipal("alice", 0))
	require.NoError(t, k.CreatePrincipal("bob", 100))
	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{
		ID: "pricer", Type: "contract", Executable: true,
		Content: `{'allow': true, 'price': 5}`,
	}))
	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{ID: "doc", Content: "paywalled", Contract: "pricer"}))

	// Access does not persist: each read is authorized and charged anew.
	for i := 0; i < 3; i++ {
		res := mustSucceed(t, k.Read(ctx, "bob", "doc"))
		assert.Equal(t, int64(5), res.CostCharged)
	}
	assert.Equal(t, int64(85), k.Balances("bob")[k.cfg.ScripResource])
	assert.Equal(t, int64(15), k.Balances("alice")[k.cfg.ScripResource])
}

func TestContractDeclaredUpdatesSettleWithTheAction(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	require.NoError(t, k.CreatePrincipal("alice", 0))
	require.NoError(t, k.CreatePrincipal("bob", 100))
	require.NoError(t, k.CreatePrincipal("treasury", 0))
	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{
		ID: "tariff", Type: "contract", Executable: true,
		Content: `{
			'allow': true,
			'price': 5,
			'updates': [{'from': caller, 'to': 'treasury', 'resource': 'scrip', 'amount': 2}]
		}`,
	}))
	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{ID: "doc", Content: "taxed", Contract: "tariff"}))

	res := mustSucceed(t, k.Read(ctx, "bob", "doc"))
	assert.Equal(t, int64(5), res.CostCharged)
	assert.Equal(t, int64(93), k.Balances("bob")[k.cfg.ScripResource])
	assert.Equal(t, int64(5), k.Balances("alice")[k.cfg.ScripResource])
	assert.Equal(t, int64(2), k.Balances("treasury")[k.cfg.ScripResource])
}

func TestOwnerPaysNoPriceToThemselves(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	require.NoError(t, k.CreatePrincipal("alice", 50))
	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{
		ID: "pricer", Type: "contract", Executable: true,
		Content: `{'allow': true, 'price': 5}`,
	}))
	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{ID: "doc", Content: "mine", Contract: "pricer"}))

	res := mustSucceed(t, k.Read(ctx, "alice", "doc"))
	assert.Equal(t, int64(0), res.CostCharged)
	assert.Equal(t, int64(50), k.Balances("alice")[k.cfg.ScripResource])
}

func TestPaymentFailureAbortsWholeAction(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	require.NoError(t, k.CreatePrincipal("alice", 0))
	require.NoError(t, k.CreatePrincipal("bob", 3))
	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{
		ID: "pricer", Type: "contract", Executable: true,
		Content: `{'allow': true, 'price': 5}`,
	}))
	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{ID: "doc", Content: "before", Contract: "pricer"}))

	res := k.Edit(ctx, "bob", "doc", "before", "after")
	require.False(t, res.Success)
	assert.Equal(t, fault.InsufficientBalance, res.ErrorKind)
	assert.Contains(t, res.ErrorMessage, "have=3")
	assert.Contains(t, res.ErrorMessage, "need=5")

	// No partial state: content and both balances are untouched.
	read := mustSucceed(t, k.Read(ctx, "alice", "doc"))
	assert.Equal(t, "before", read.Value.(artifact.Artifact).Content)
	assert.Equal(t, int64(3), k.Balances("bob")[k.cfg.ScripResource])
	assert.Equal(t, int64(0), k.Balances("alice")[k.cfg.ScripResource])
}

func TestEditRequiresExactlyOneOccurrence(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	require.NoError(t, k.CreatePrincipal("alice", 0))
	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{ID: "doc", Content: "one two two"}))

	res := k.Edit(ctx, "alice", "doc", "two", "three")
	require.False(t, res.Success)
	assert.Equal(t, fault.AmbiguousEdit, res.ErrorKind)
	assert.Contains(t, res.ErrorMessage, "2 occurrences")

	res = k.Edit(ctx, "alice", "doc", "missing", "x")
	require.False(t, res.Success)
	assert.Equal(t, fault.AmbiguousEdit, res.ErrorKind)
	assert.Contains(t, res.ErrorMessage, "0 occurrences")

	mustSucceed(t, k.Edit(ctx, "alice", "doc", "one", "1"))
	read := mustSucceed(t, k.Read(ctx, "alice", "doc"))
	assert.Equal(t, "1 two two", read.Value.(artifact.Artifact).Content)
}

func TestTypeIsImmutableThroughWrite(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	require.NoError(t, k.CreatePrincipal("alice", 0))
	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{ID: "doc", Type: "data", Content: "v1"}))

	res := k.Write(ctx, "alice", WriteRequest{ID: "doc", Type: "contract", Content: "v2"})
	require.False(t, res.Success)
	assert.Equal(t, fault.TypeChanged, res.ErrorKind)

	read := mustSucceed(t, k.Read(ctx, "alice", "doc"))
	assert.Equal(t, "v1", read.Value.(artifact.Artifact).Content)
}

func TestDeletedIDIsNeverReused(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	require.NoError(t, k.CreatePrincipal("alice", 0))
	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{ID: "doc", Content: "v1"}))
	mustSucceed(t, k.Delete(ctx, "alice", "doc"))

	res := k.Read(ctx, "alice", "doc")
	require.False(t, res.Success)
	assert.Equal(t, fault.NotFound, res.ErrorKind)

	res = k.Write(ctx, "alice", WriteRequest{ID: "doc", Content: "v2"})
	require.False(t, res.Success)
	assert.Equal(t, fault.DuplicateID, res.ErrorKind)
}

func TestImmediateCallerIsTheExecutingArtifact(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	require.NoError(t, k.CreatePrincipal("alice", 0))

	// gate admits only svc-b; echo reports who called it.
	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{
		ID: "gate", Type: "contract", Executable: true, Content: `caller == 'svc-b'`,
	}))
	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{
		ID: "echo", Executable: true, Contract: "gate", Content: `caller`,
	}))
	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{
		ID: "svc-b", Executable: true, Contract: k.cfg.FreewareContractID,
		Content: `invoke('echo', 'whoami', {})`,
	}))

	// alice -> svc-b -> echo: echo sees svc-b, not alice.
	res := mustSucceed(t, k.Invoke(ctx, "alice", "svc-b", "run", nil))
	assert.Equal(t, "svc-b", res.Value)

	// alice -> echo directly is denied: authority does not flow through chains.
	direct := k.Invoke(ctx, "alice", "echo", "whoami", nil)
	require.False(t, direct.Success)
	assert.Equal(t, fault.PermissionDenied, direct.ErrorKind)
}

func TestInvokeDepthIsBounded(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	require.NoError(t, k.CreatePrincipal("alice", 0))
	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{
		ID: "loop", Executable: true, Contract: k.cfg.FreewareContractID,
		Content: `invoke('loop', 'go', {})`,
	}))

	res := k.Invoke(ctx, "alice", "loop", "go", nil)
	require.False(t, res.Success)
	assert.Equal(t, fault.QuotaExceeded, res.ErrorKind)
	assert.Contains(t, res.ErrorMessage, "depth")
}

func TestFailedNestedActionRollsBackEverything(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	require.NoError(t, k.CreatePrincipal("alice", 0))
	require.NoError(t, k.CreatePrincipal("carol", 0))
	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{
		ID: "svc", Executable: true, Contract: k.cfg.FreewareContractID,
		Content: `[transfer('carol', 'scrip', 5), invoke('missing', 'm', {})]`,
	}))
	require.NoError(t, k.res.Mint("svc", k.cfg.ScripResource, 10))

	res := k.Invoke(ctx, "alice", "svc", "run", nil)
	require.False(t, res.Success)
	assert.Equal(t, fault.NotFound, res.ErrorKind)

	// The transfer that preceded the failure was undone with it.
	assert.Equal(t, int64(10), k.Balances("svc")[k.cfg.ScripResource])
	assert.Equal(t, int64(0), k.Balances("carol")[k.cfg.ScripResource])
}

func TestServiceTransferMovesScrip(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	require.NoError(t, k.CreatePrincipal("alice", 0))
	require.NoError(t, k.CreatePrincipal("carol", 0))
	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{
		ID: "payer", Executable: true, Contract: k.cfg.FreewareContractID,
		Content: `transfer('carol', 'scrip', 5)`,
	}))
	require.NoError(t, k.res.Mint("payer", k.cfg.ScripResource, 10))

	mustSucceed(t, k.Invoke(ctx, "alice", "payer", "pay", nil))
	assert.Equal(t, int64(5), k.Balances("payer")[k.cfg.ScripResource])
	assert.Equal(t, int64(5), k.Balances("carol")[k.cfg.ScripResource])
}

func TestStorageQuotaGatesCreation(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	require.NoError(t, k.CreatePrincipal("alice", 0))
	k.res.SetQuota("alice", k.cfg.StorageResource, 10)

	res := k.Write(ctx, "alice", WriteRequest{ID: "big", Content: "a content well over ten bytes"})
	require.False(t, res.Success)
	assert.Equal(t, fault.QuotaExceeded, res.ErrorKind)

	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{ID: "small", Content: "tiny"}))
	assert.Equal(t, int64(4), k.res.Allocated("alice", k.cfg.StorageResource))

	// Deletion returns the allocation.
	mustSucceed(t, k.Delete(ctx, "alice", "small"))
	assert.Equal(t, int64(0), k.res.Allocated("alice", k.cfg.StorageResource))
}

func TestInterfaceSchemaRejectsBadArgs(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	require.NoError(t, k.CreatePrincipal("alice", 0))
	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{
		ID: "svc", Executable: true, Contract: k.cfg.FreewareContractID,
		Content: `args.n`,
		Interface: &artifact.Interface{Methods: []artifact.Method{{
			Name:        "double",
			InputSchema: json.RawMessage(`{"type":"object","required":["n"],"properties":{"n":{"type":"integer"}}}`),
		}}},
	}))

	res := k.Invoke(ctx, "alice", "svc", "double", map[string]any{"n": "not a number"})
	require.False(t, res.Success)
	assert.Equal(t, fault.InvalidArgument, res.ErrorKind)

	res = k.Invoke(ctx, "alice", "svc", "undeclared", nil)
	require.False(t, res.Success)
	assert.Equal(t, fault.InvalidArgument, res.ErrorKind)

	ok := mustSucceed(t, k.Invoke(ctx, "alice", "svc", "double", map[string]any{"n": 21}))
	assert.Equal(t, int64(21), ok.Value)
}

func TestNativeHandlerRunsInsideTheAction(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	require.NoError(t, k.CreatePrincipal("alice", 10))
	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{
		ID: "bank", Executable: true, Contract: k.cfg.FreewareContractID,
	}))
	k.RegisterNative("bank", func(ctx context.Context, tx *Tx, call Call) (any, error) {
		if err := tx.Transfer(call.Caller, tx.Self(), "scrip", 5); err != nil {
			return nil, err
		}
		if fail, _ := call.Args["fail"].(bool); fail {
			return nil, fault.New(fault.ExecutionError, "handler aborted")
		}
		return tx.Balance(tx.Self(), "scrip"), nil
	})

	res := mustSucceed(t, k.Invoke(ctx, "alice", "bank", "deposit", nil))
	assert.Equal(t, int64(5), res.Value)

	// A failing handler takes its journaled transfer down with it.
	res = k.Invoke(ctx, "alice", "bank", "deposit", map[string]any{"fail": true})
	require.False(t, res.Success)
	assert.Equal(t, int64(5), k.Balances("alice")[k.cfg.ScripResource])
	assert.Equal(t, int64(5), k.Balances("bank")[k.cfg.ScripResource])
}

func TestPanickingNativeHandlerFailsTheAction(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	require.NoError(t, k.CreatePrincipal("alice", 10))
	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{
		ID: "flaky", Executable: true, Contract: k.cfg.FreewareContractID,
	}))
	k.RegisterNative("flaky", func(ctx context.Context, tx *Tx, call Call) (any, error) {
		if err := tx.Transfer(call.Caller, tx.Self(), "scrip", 5); err != nil {
			return nil, err
		}
		panic("boom")
	})

	res := k.Invoke(ctx, "alice", "flaky", "run", nil)
	require.False(t, res.Success)
	assert.Equal(t, fault.ExecutionError, res.ErrorKind)
	assert.Contains(t, res.ErrorMessage, "boom")

	// The panic rolled the journaled transfer back with the action.
	assert.Equal(t, int64(10), k.Balances("alice")[k.cfg.ScripResource])
	assert.Equal(t, int64(0), k.Balances("flaky")[k.cfg.ScripResource])
}

func TestPrincipalArtifactsAreSelfSovereign(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	require.NoError(t, k.CreatePrincipal("alice", 0))
	require.NoError(t, k.CreatePrincipal("bob", 0))

	res := k.Delete(ctx, "bob", "alice")
	require.False(t, res.Success)
	assert.Equal(t, fault.PermissionDenied, res.ErrorKind)

	res = k.Write(ctx, "bob", WriteRequest{ID: "alice", Content: "hijacked"})
	require.False(t, res.Success)
	assert.Equal(t, fault.PermissionDenied, res.ErrorKind)

	// The agent still governs its own record.
	mustSucceed(t, k.Read(ctx, "alice", "alice"))
}

func TestListArtifactsNeverExposesContent(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	require.NoError(t, k.CreatePrincipal("alice", 0))
	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{ID: "doc", Content: "private"}))

	listed := k.ListArtifacts(artifact.Filter{Owner: "alice"})
	require.NotEmpty(t, listed)
	for _, a := range listed {
		assert.Empty(t, a.Content)
	}
}

func TestActionsEmitAuditEvents(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	require.NoError(t, k.CreatePrincipal("alice", 0))
	before := k.Bus().Audit().Length()

	mustSucceed(t, k.Write(ctx, "alice", WriteRequest{ID: "doc", Content: "x"}))
	mustSucceed(t, k.Read(ctx, "alice", "doc"))
	mustSucceed(t, k.Delete(ctx, "alice", "doc"))

	require.Greater(t, k.Bus().Audit().Length(), before)
	ok, reason := k.Bus().Audit().Verify()
	require.True(t, ok, reason)
}
