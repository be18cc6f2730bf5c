package contract_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoraos/agora/pkg/artifact"
	"github.com/agoraos/agora/pkg/config"
	"github.com/agoraos/agora/pkg/contract"
	"github.com/agoraos/agora/pkg/fault"
	"github.com/agoraos/agora/pkg/sandbox"
)

type nullReader struct{}

func (nullReader) Balance(string, string) int64  { return 0 }
func (nullReader) Owner(string) (string, error)  { return "", fault.New(fault.NotFound, "no") }
func (nullReader) Exists(string) bool            { return false }
func (nullReader) Metadata(string, string) (any, error) {
	return nil, fault.New(fault.NotFound, "no")
}

// warnCounter counts warn-level records for the dangling-fallback tests.
type warnCounter struct {
	mu    sync.Mutex
	warns int
}

func (h *warnCounter) Enabled(context.Context, slog.Level) bool { return true }
func (h *warnCounter) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r.Level == slog.LevelWarn {
		h.warns++
	}
	return nil
}
func (h *warnCounter) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *warnCounter) WithGroup(string) slog.Handler      { return h }

func (h *warnCounter) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.warns
}

func newEngine(t *testing.T) (*contract.Engine, *artifact.Store, *warnCounter) {
	t.Helper()
	cfg := config.Default()
	store := artifact.NewStore()
	exec := sandbox.New(sandbox.Limits{
		Timeout:   cfg.SandboxTimeout,
		CostLimit: cfg.SandboxCostLimit,
	})
	counter := &warnCounter{}
	engine := contract.NewEngine(store, exec, nullReader{}, cfg, slog.New(counter))
	return engine, store, counter
}

func target(owner string, contractID string) artifact.Artifact {
	return artifact.Artifact{
		ID: "doc/1", Type: "document", Owner: owner, Creator: owner, Contract: contractID,
	}
}

func TestNullContractCreatorOnly(t *testing.T) {
	engine, _, _ := newEngine(t)
	tgt := target("agent/a", "")

	for _, action := range []string{"read", "write", "invoke", "delete"} {
		res, err := engine.Check(context.Background(), contract.Request{
			Caller: "agent/a", Action: action, Target: tgt,
		})
		require.NoError(t, err, action)
		assert.Equal(t, int64(0), res.Price)

		_, err = engine.Check(context.Background(), contract.Request{
			Caller: "agent/b", Action: action, Target: tgt,
		})
		assert.True(t, fault.IsKind(err, fault.PermissionDenied), action)
	}
}

func TestBoolContract(t *testing.T) {
	engine, store, _ := newEngine(t)
	require.NoError(t, store.Create(artifact.Artifact{
		ID: "contract/friends", Type: "contract", Owner: "agent/a", Creator: "agent/a",
		Executable: true, Content: `caller == "agent/b" || caller == creator`,
	}))
	tgt := target("agent/a", "contract/friends")

	_, err := engine.Check(context.Background(), contract.Request{Caller: "agent/b", Action: "read", Target: tgt})
	require.NoError(t, err)

	_, err = engine.Check(context.Background(), contract.Request{Caller: "agent/c", Action: "read", Target: tgt})
	assert.True(t, fault.IsKind(err, fault.PermissionDenied))
}

func TestPricedContract(t *testing.T) {
	engine, store, _ := newEngine(t)
	require.NoError(t, store.Create(artifact.Artifact{
		ID: "contract/paywall", Type: "contract", Owner: "agent/a", Creator: "agent/a",
		Executable: true,
		Content: `{
			"allow": action == "read",
			"price": 7,
			"recipient": target.owner,
			"updates": [{"from": caller, "to": "treasury", "resource": "scrip", "amount": 1}]
		}`,
	}))
	tgt := target("agent/a", "contract/paywall")

	res, err := engine.Check(context.Background(), contract.Request{Caller: "agent/b", Action: "read", Target: tgt})
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Price)
	assert.Equal(t, "agent/b", res.Payer)
	assert.Equal(t, "agent/a", res.Recipient)
	require.Len(t, res.Updates, 1)
	assert.Equal(t, contract.Update{From: "agent/b", To: "treasury", Resource: "scrip", Amount: 1}, res.Updates[0])

	_, err = engine.Check(context.Background(), contract.Request{Caller: "agent/b", Action: "delete", Target: tgt})
	assert.True(t, fault.IsKind(err, fault.PermissionDenied))
}

func TestDanglingContractFallbackWarnsOncePerCall(t *testing.T) {
	engine, _, counter := newEngine(t)
	tgt := target("agent/a", "contract/deleted")

	_, err := engine.Check(context.Background(), contract.Request{Caller: "agent/b", Action: "read", Target: tgt})
	require.NoError(t, err, "default fallback is freeware: allow at zero cost")
	assert.Equal(t, 1, counter.count())

	_, err = engine.Check(context.Background(), contract.Request{Caller: "agent/b", Action: "read", Target: tgt})
	require.NoError(t, err)
	assert.Equal(t, 2, counter.count())
}

func TestDanglingFallbackCreatorOnly(t *testing.T) {
	cfg := config.Default()
	cfg.DanglingContractFallback = config.DanglingCreatorOnly
	store := artifact.NewStore()
	exec := sandbox.New(sandbox.Limits{Timeout: cfg.SandboxTimeout, CostLimit: cfg.SandboxCostLimit})
	engine := contract.NewEngine(store, exec, nullReader{}, cfg, slog.New(&warnCounter{}))

	tgt := target("agent/a", "contract/deleted")
	_, err := engine.Check(context.Background(), contract.Request{Caller: "agent/a", Action: "write", Target: tgt})
	require.NoError(t, err)
	_, err = engine.Check(context.Background(), contract.Request{Caller: "agent/b", Action: "write", Target: tgt})
	assert.True(t, fault.IsKind(err, fault.PermissionDenied))
}

func TestErroringContractFailsClosed(t *testing.T) {
	engine, store, _ := newEngine(t)
	require.NoError(t, store.Create(artifact.Artifact{
		ID: "contract/broken", Type: "contract", Owner: "agent/a", Creator: "agent/a",
		Executable: true, Content: `1 / 0 == 1`,
	}))
	_, err := engine.Check(context.Background(), contract.Request{
		Caller: "agent/a", Action: "read", Target: target("agent/a", "contract/broken"),
	})
	assert.True(t, fault.IsKind(err, fault.ExecutionError))
}

func TestNonDecisionOutputFailsClosed(t *testing.T) {
	engine, store, _ := newEngine(t)
	require.NoError(t, store.Create(artifact.Artifact{
		ID: "contract/odd", Type: "contract", Owner: "agent/a", Creator: "agent/a",
		Executable: true, Content: `42`,
	}))
	_, err := engine.Check(context.Background(), contract.Request{
		Caller: "agent/a", Action: "read", Target: target("agent/a", "contract/odd"),
	})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.ExecutionError))
	assert.Contains(t, err.Error(), "allow")
}

func TestFreewareFastPathMatchesFullEvaluation(t *testing.T) {
	engine, store, _ := newEngine(t)
	cfg := config.Default()

	// The freeware contract's real code, evaluated the slow way via a clone
	// artifact that is not registered as the fast-path ID.
	require.NoError(t, store.Create(artifact.Artifact{
		ID: "contract/freeware-clone", Type: "contract", Owner: "kernel", Creator: "kernel",
		Executable: true, Content: `true`,
	}))

	fast := target("agent/a", cfg.FreewareContractID)
	slow := target("agent/a", "contract/freeware-clone")

	fastRes, err := engine.Check(context.Background(), contract.Request{Caller: "agent/b", Action: "read", Target: fast})
	require.NoError(t, err)
	slowRes, err := engine.Check(context.Background(), contract.Request{Caller: "agent/b", Action: "read", Target: slow})
	require.NoError(t, err)

	// Identical observable decision: same price, payer, recipient, updates.
	fastRes.Measurement = sandbox.Measurement{}
	slowRes.Measurement = sandbox.Measurement{}
	assert.Equal(t, slowRes, fastRes)
}

func TestContractRecompiledOnContentChange(t *testing.T) {
	engine, store, _ := newEngine(t)
	require.NoError(t, store.Create(artifact.Artifact{
		ID: "contract/mutable", Type: "contract", Owner: "agent/a", Creator: "agent/a",
		Executable: true, Content: `true`,
	}))
	tgt := target("agent/a", "contract/mutable")

	_, err := engine.Check(context.Background(), contract.Request{Caller: "agent/b", Action: "read", Target: tgt})
	require.NoError(t, err)

	got, err := store.Get("contract/mutable")
	require.NoError(t, err)
	got.Content = `false`
	require.NoError(t, store.Update(got))

	_, err = engine.Check(context.Background(), contract.Request{Caller: "agent/b", Action: "read", Target: tgt})
	assert.True(t, fault.IsKind(err, fault.PermissionDenied))
}
