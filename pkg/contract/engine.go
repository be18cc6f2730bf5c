// Package contract evaluates access-control contracts: code artifacts whose
// evaluation grants, denies, and prices kernel actions on other artifacts.
// The engine decides; it never mutates. Settlement and mutation happen in the
// dispatcher after an allow.
package contract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/agoraos/agora/pkg/artifact"
	"github.com/agoraos/agora/pkg/config"
	"github.com/agoraos/agora/pkg/fault"
	"github.com/agoraos/agora/pkg/sandbox"
)

// Request is one authorization question: may caller perform action on target?
type Request struct {
	Caller string
	Action string
	Target artifact.Artifact
	Method string
	Args   map[string]any
}

// Update is a contract-declared state change, applied atomically by the
// dispatcher after settlement.
type Update struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Resource string `json:"resource"`
	Amount   int64  `json:"amount"`
}

// Result is a grant. Denials and failures are faults, never Results.
type Result struct {
	// Price in scrip, paid by Payer to Recipient before the action commits.
	Price     int64
	Payer     string
	Recipient string
	Updates   []Update

	// Measurement of the contract evaluation itself, for charging.
	Measurement sandbox.Measurement
}

// Engine resolves and evaluates governing contracts.
type Engine struct {
	mu     sync.Mutex
	store  *artifact.Store
	exec   *sandbox.Executor
	reader sandbox.StateReader
	cfg    config.Config
	logger *slog.Logger
	cache  map[string]*cachedProgram
}

type cachedProgram struct {
	contentHash string
	program     *sandbox.Program
}

// NewEngine creates a contract engine.
func NewEngine(store *artifact.Store, exec *sandbox.Executor, reader sandbox.StateReader, cfg config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		exec:   exec,
		reader: reader,
		cfg:    cfg,
		logger: logger.With("component", "contract"),
		cache:  make(map[string]*cachedProgram),
	}
}

// Check authorizes one kernel action. A nil error means allowed, with the
// price and pending updates in the Result. Denials are PermissionDenied
// faults; contract code failures are ExecutionError faults that fail closed.
func (e *Engine) Check(ctx context.Context, req Request) (Result, error) {
	contractID := req.Target.Contract

	switch {
	case contractID == "":
		return e.creatorOnly(req)
	case contractID == e.cfg.FreewareContractID:
		// Kernel-optimized freeware path: allow at zero cost without entering
		// the sandbox. Observable behavior matches evaluating the freeware
		// contract's actual code; the differential test holds it to that.
		return Result{Payer: req.Caller, Recipient: req.Target.Owner}, nil
	}

	governing, err := e.store.Get(contractID)
	if err != nil {
		// Dangling reference: the governing contract was deleted or never
		// existed. Apply the configured fallback, never a silent verdict.
		e.logger.Warn("governing contract is dangling, applying fallback",
			"target", req.Target.ID,
			"contract", contractID,
			"fallback", string(e.cfg.DanglingContractFallback),
		)
		if e.cfg.DanglingContractFallback == config.DanglingCreatorOnly {
			return e.creatorOnly(req)
		}
		return Result{Payer: req.Caller, Recipient: req.Target.Owner}, nil
	}

	program, err := e.program(governing)
	if err != nil {
		return Result{}, err
	}

	res, err := program.Eval(ctx, contractGlobals(req))
	if err != nil {
		// Fails closed: an erroring contract authorizes nothing.
		e.logger.Warn("contract evaluation failed",
			"target", req.Target.ID, "contract", contractID, "error", err)
		return Result{}, err
	}
	return e.interpret(req, contractID, res)
}

// creatorOnly is the null-contract default: the creator may do anything at
// zero cost, everyone else nothing.
func (e *Engine) creatorOnly(req Request) (Result, error) {
	if req.Caller != req.Target.Creator {
		return Result{}, fault.Denied(req.Target.ID,
			"artifact %q has no governing contract: only its creator %q may %s",
			req.Target.ID, req.Target.Creator, req.Action)
	}
	return Result{Payer: req.Caller, Recipient: req.Target.Owner}, nil
}

// program returns the compiled contract, recompiling when content changed.
func (e *Engine) program(governing artifact.Artifact) (*sandbox.Program, error) {
	sum := sha256.Sum256([]byte(governing.Content))
	hash := hex.EncodeToString(sum[:])

	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.cache[governing.ID]; ok && cached.contentHash == hash {
		return cached.program, nil
	}
	program, err := e.exec.CompileContract(governing.Content, e.reader)
	if err != nil {
		return nil, err
	}
	e.cache[governing.ID] = &cachedProgram{contentHash: hash, program: program}
	return program, nil
}

func (e *Engine) interpret(req Request, contractID string, res sandbox.Result) (Result, error) {
	switch v := res.Value.(type) {
	case bool:
		if !v {
			return Result{}, fault.Denied(req.Target.ID,
				"contract %q denied %s on %q for caller %q", contractID, req.Action, req.Target.ID, req.Caller)
		}
		return Result{Payer: req.Caller, Recipient: req.Target.Owner, Measurement: res.Measurement}, nil

	case map[string]any:
		allow, _ := v["allow"].(bool)
		if !allow {
			msg := "contract denied the action"
			if reason, ok := v["reason"].(string); ok && reason != "" {
				msg = reason
			}
			f := fault.Denied(req.Target.ID, "contract %q: %s", contractID, msg)
			return Result{}, f
		}
		out := Result{Payer: req.Caller, Recipient: req.Target.Owner, Measurement: res.Measurement}
		if price, ok := v["price"]; ok {
			p, ok := price.(int64)
			if !ok || p < 0 {
				return Result{}, fault.New(fault.ExecutionError,
					"contract %q declared an invalid price %v", contractID, price)
			}
			out.Price = p
		}
		if payer, ok := v["payer"].(string); ok && payer != "" {
			out.Payer = payer
		}
		if recipient, ok := v["recipient"].(string); ok && recipient != "" {
			out.Recipient = recipient
		}
		updates, err := parseUpdates(contractID, v["updates"])
		if err != nil {
			return Result{}, err
		}
		out.Updates = updates
		return out, nil

	default:
		return Result{}, fault.New(fault.ExecutionError,
			"contract %q produced %T; expected bool or map with an \"allow\" key", contractID, res.Value)
	}
}

func parseUpdates(contractID string, raw any) ([]Update, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fault.New(fault.ExecutionError,
			"contract %q declared non-list updates %T", contractID, raw)
	}
	out := make([]Update, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fault.New(fault.ExecutionError,
				"contract %q declared a non-map update %T", contractID, item)
		}
		upd := Update{}
		upd.From, _ = m["from"].(string)
		upd.To, _ = m["to"].(string)
		upd.Resource, _ = m["resource"].(string)
		amount, ok := m["amount"].(int64)
		if !ok || amount < 0 || upd.Resource == "" {
			return nil, fault.New(fault.ExecutionError,
				"contract %q declared an invalid update %v", contractID, m)
		}
		upd.Amount = amount
		out = append(out, upd)
	}
	return out, nil
}

func contractGlobals(req Request) map[string]any {
	target := map[string]any{
		"id":           req.Target.ID,
		"type":         req.Target.Type,
		"owner":        req.Target.Owner,
		"creator":      req.Target.Creator,
		"executable":   req.Target.Executable,
		"has_standing": req.Target.HasStanding,
		"has_loop":     req.Target.HasLoop,
	}
	args := req.Args
	if args == nil {
		args = map[string]any{}
	}
	return map[string]any{
		"caller":  req.Caller,
		"action":  req.Action,
		"target":  target,
		"creator": req.Target.Creator,
		"method":  req.Method,
		"args":    args,
	}
}
