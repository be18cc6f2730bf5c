package economy

import (
	"context"

	"github.com/agoraos/agora/pkg/artifact"
	"github.com/agoraos/agora/pkg/fault"
	"github.com/agoraos/agora/pkg/kernel"
)

// LedgerArtifactID is the well-known ID of the ledger query service.
const LedgerArtifactID = "ledger"

// serviceGateContractID governs the built-in services: every invokable
// method is open to everyone except the periodic maintenance entry points,
// and only the kernel principal may mutate or delete the service artifacts
// themselves.
const serviceGateContractID = "contract/service-gate"

const serviceGateSource = `action == 'invoke'
	? (!(method in ['resolve', 'sweep']) || caller == 'kernel')
	: caller == 'kernel'`

// Install seeds the market and escrow service artifacts and routes their
// invocations to the native handlers. Both are ordinary executable
// artifacts: governed by a contract and reached through normal dispatch.
func Install(ctx context.Context, k *kernel.Kernel, market *Market, escrow *Escrow) error {
	seeds := []kernel.WriteRequest{
		{
			ID:         serviceGateContractID,
			Type:       "contract",
			Executable: true,
			Content:    serviceGateSource,
		},
		{
			ID:         MarketArtifactID,
			Type:       "service",
			Executable: true,
			Contract:   serviceGateContractID,
			Interface: &artifact.Interface{Methods: []artifact.Method{
				{Name: "list", Description: "offer a caller-owned artifact for sale this round"},
				{Name: "bid", Description: "place a sealed bid; the winner pays the second-highest price"},
				{Name: "resolve", Description: "close the round and settle every contested listing"},
				{Name: "status", Description: "current round and open listings"},
			}},
		},
		{
			ID:         LedgerArtifactID,
			Type:       "service",
			Executable: true,
			Contract:   serviceGateContractID,
			Interface: &artifact.Interface{Methods: []artifact.Method{
				{Name: "balance", Description: "one principal's balance for one resource"},
				{Name: "head", Description: "audit-chain head hash and length"},
				{Name: "verify", Description: "recompute and check the whole audit chain"},
			}},
		},
		{
			ID:         EscrowArtifactID,
			Type:       "service",
			Executable: true,
			Contract:   serviceGateContractID,
			Interface: &artifact.Interface{Methods: []artifact.Method{
				{Name: "create", Description: "open a deal and deposit the offered amount"},
				{Name: "accept", Description: "pay the asking amount and receive the deposit atomically"},
				{Name: "approve", Description: "record an approver's sign-off"},
				{Name: "cancel", Description: "refund the deposit to the creator"},
				{Name: "sweep", Description: "expire timed-out deals and refund their deposits"},
				{Name: "status", Description: "one deal's lifecycle state"},
			}},
		},
	}
	for _, seed := range seeds {
		res := k.Write(ctx, kernel.KernelPrincipal, seed)
		if !res.Success {
			return fault.New(res.ErrorKind, "install %s: %s", seed.ID, res.ErrorMessage)
		}
	}
	k.RegisterNative(MarketArtifactID, market.Handler())
	k.RegisterNative(EscrowArtifactID, escrow.Handler())
	k.RegisterNative(LedgerArtifactID, ledgerHandler(k))
	return nil
}

// ledgerHandler serves balance and audit-chain queries through the normal
// dispatch path, so sandboxed services can reach them with invoke().
func ledgerHandler(k *kernel.Kernel) kernel.NativeHandler {
	return func(ctx context.Context, tx *kernel.Tx, call kernel.Call) (any, error) {
		switch call.Method {
		case "balance":
			principal, _ := call.Args["principal"].(string)
			resource, _ := call.Args["resource"].(string)
			if principal == "" || resource == "" {
				return nil, fault.New(fault.InvalidArgument, "balance needs principal and resource")
			}
			return tx.Balance(principal, resource), nil
		case "head":
			audit := k.Bus().Audit()
			return map[string]any{"head": audit.Head(), "length": int64(audit.Length())}, nil
		case "verify":
			ok, reason := k.Bus().Audit().Verify()
			if !ok {
				return nil, fault.New(fault.ExecutionError, "audit chain broken: %s", reason)
			}
			return map[string]any{"ok": true}, nil
		default:
			return nil, fault.New(fault.InvalidArgument,
				"ledger has no method %q; available: balance, head, verify", call.Method)
		}
	}
}
