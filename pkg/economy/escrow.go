package economy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agoraos/agora/pkg/config"
	"github.com/agoraos/agora/pkg/event"
	"github.com/agoraos/agora/pkg/fault"
	"github.com/agoraos/agora/pkg/kernel"
)

// EscrowArtifactID is the well-known ID of the escrow service artifact.
const EscrowArtifactID = "escrow"

// DealStatus is an escrow deal's lifecycle state.
type DealStatus string

const (
	DealOpen      DealStatus = "open"
	DealReleased  DealStatus = "released"
	DealCancelled DealStatus = "cancelled"
	DealExpired   DealStatus = "expired"
)

// Deal is one escrowed exchange: the creator deposits the offered amount up
// front; the counterparty's payment and the deposit release as one atomic
// compound on acceptance.
type Deal struct {
	ID           string `json:"id"`
	Creator      string `json:"creator"`
	Counterparty string `json:"counterparty"`

	OfferResource string `json:"offer_resource"`
	OfferAmount   int64  `json:"offer_amount"`
	AskResource   string `json:"ask_resource"`
	AskAmount     int64  `json:"ask_amount"`

	// Approvers that must sign off before the counterparty may accept.
	// Empty means acceptance alone releases the deal.
	Approvers []string        `json:"approvers,omitempty"`
	Approved  map[string]bool `json:"approved,omitempty"`

	Status    DealStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at,omitempty"`
}

// EscrowState is the checkpointable escrow state.
type EscrowState struct {
	Deals []Deal `json:"deals"`
}

// Escrow holds deposits for pending exchanges. Funds sit on the escrow
// artifact's own account between deposit and release, so conservation holds
// at every instant.
type Escrow struct {
	mu    sync.Mutex
	cfg   config.Config
	clock func() time.Time
	deals map[string]*Deal
}

// NewEscrow creates an empty escrow agent.
func NewEscrow(cfg config.Config) *Escrow {
	return &Escrow{cfg: cfg, clock: time.Now, deals: make(map[string]*Deal)}
}

// WithClock overrides the clock for tests.
func (e *Escrow) WithClock(clock func() time.Time) *Escrow {
	e.clock = clock
	return e
}

// Handler returns the native service entry point.
func (e *Escrow) Handler() kernel.NativeHandler {
	return func(ctx context.Context, tx *kernel.Tx, call kernel.Call) (any, error) {
		switch call.Method {
		case "create":
			return e.create(tx, call)
		case "accept":
			return e.accept(tx, call)
		case "approve":
			return e.approve(tx, call)
		case "cancel":
			return e.cancel(tx, call)
		case "sweep":
			return e.sweep(tx)
		case "status":
			return e.status(call)
		default:
			return nil, fault.New(fault.InvalidArgument,
				"escrow has no method %q; available: create, accept, approve, cancel, sweep, status", call.Method)
		}
	}
}

// create opens a deal and takes the creator's deposit.
func (e *Escrow) create(tx *kernel.Tx, call kernel.Call) (any, error) {
	deal := &Deal{
		ID:            uuid.NewString(),
		Creator:       call.Caller,
		Counterparty:  stringArg(call.Args["counterparty"]),
		OfferResource: stringArg(call.Args["offer_resource"]),
		OfferAmount:   intArg(call.Args["offer_amount"]),
		AskResource:   stringArg(call.Args["ask_resource"]),
		AskAmount:     intArg(call.Args["ask_amount"]),
		Status:        DealOpen,
		CreatedAt:     e.clock(),
	}
	if deal.Counterparty == "" || deal.OfferResource == "" || deal.AskResource == "" {
		return nil, fault.New(fault.InvalidArgument,
			"create needs counterparty, offer_resource, offer_amount, ask_resource, ask_amount")
	}
	if deal.OfferAmount <= 0 || deal.AskAmount < 0 {
		return nil, fault.New(fault.InvalidArgument, "deal amounts must be positive")
	}
	if deal.Counterparty == deal.Creator {
		return nil, fault.New(fault.InvalidArgument, "deal counterparty must differ from the creator")
	}
	if ttl := intArg(call.Args["ttl_seconds"]); ttl > 0 {
		deal.ExpiresAt = deal.CreatedAt.Add(time.Duration(ttl) * time.Second)
	}
	if raw, ok := call.Args["approvers"].([]any); ok {
		deal.Approved = make(map[string]bool)
		for _, a := range raw {
			if s, ok := a.(string); ok && s != "" {
				deal.Approvers = append(deal.Approvers, s)
			}
		}
	}

	// Deposit first: a deal only exists once its offer is actually held.
	if err := tx.Transfer(deal.Creator, tx.Self(), deal.OfferResource, deal.OfferAmount); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.deals[deal.ID] = deal
	e.mu.Unlock()
	tx.OnRollback(func() {
		e.mu.Lock()
		delete(e.deals, deal.ID)
		e.mu.Unlock()
	})
	return map[string]any{"deal": deal.ID}, nil
}

// accept releases the deal: the counterparty pays the asking amount to the
// creator and receives the deposit, as one atomic compound.
func (e *Escrow) accept(tx *kernel.Tx, call kernel.Call) (any, error) {
	deal, unlock, err := e.openDeal(tx, call)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if call.Caller != deal.Counterparty {
		return nil, fault.Denied(deal.ID, "only counterparty %q may accept deal %q", deal.Counterparty, deal.ID)
	}
	for _, approver := range deal.Approvers {
		if !deal.Approved[approver] {
			return nil, fault.Denied(deal.ID, "deal %q still awaits approval from %q", deal.ID, approver)
		}
	}

	if deal.AskAmount > 0 {
		if err := tx.Transfer(deal.Counterparty, deal.Creator, deal.AskResource, deal.AskAmount); err != nil {
			return nil, err
		}
	}
	if err := tx.Transfer(tx.Self(), deal.Counterparty, deal.OfferResource, deal.OfferAmount); err != nil {
		return nil, err
	}
	e.setStatus(tx, deal, DealReleased)

	tx.Emit(event.Record{
		Kind:      event.KindEscrowRelease,
		Principal: deal.Counterparty,
		Target:    deal.ID,
		Detail:    map[string]any{"creator": deal.Creator, "offer": deal.OfferAmount, "ask": deal.AskAmount},
	})
	return map[string]any{"deal": deal.ID, "status": string(DealReleased)}, nil
}

// approve records one approver's sign-off.
func (e *Escrow) approve(tx *kernel.Tx, call kernel.Call) (any, error) {
	deal, unlock, err := e.openDeal(tx, call)
	if err != nil {
		return nil, err
	}
	defer unlock()

	found := false
	for _, approver := range deal.Approvers {
		if approver == call.Caller {
			found = true
			break
		}
	}
	if !found {
		return nil, fault.Denied(deal.ID, "%q is not an approver of deal %q", call.Caller, deal.ID)
	}
	if !deal.Approved[call.Caller] {
		deal.Approved[call.Caller] = true
		caller := call.Caller
		tx.OnRollback(func() {
			e.mu.Lock()
			if d, ok := e.deals[deal.ID]; ok {
				delete(d.Approved, caller)
			}
			e.mu.Unlock()
		})
	}
	return map[string]any{"deal": deal.ID, "approved": true}, nil
}

// cancel refunds the deposit to the creator.
func (e *Escrow) cancel(tx *kernel.Tx, call kernel.Call) (any, error) {
	deal, unlock, err := e.openDeal(tx, call)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if call.Caller != deal.Creator {
		return nil, fault.Denied(deal.ID, "only creator %q may cancel deal %q", deal.Creator, deal.ID)
	}
	if err := tx.Transfer(tx.Self(), deal.Creator, deal.OfferResource, deal.OfferAmount); err != nil {
		return nil, err
	}
	e.setStatus(tx, deal, DealCancelled)
	return map[string]any{"deal": deal.ID, "status": string(DealCancelled)}, nil
}

// sweep expires timed-out deals and refunds their deposits.
func (e *Escrow) sweep(tx *kernel.Tx) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()

	ids := make([]string, 0, len(e.deals))
	for id := range e.deals {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	expired := make([]any, 0)
	for _, id := range ids {
		deal := e.deals[id]
		if deal.Status != DealOpen || deal.ExpiresAt.IsZero() || now.Before(deal.ExpiresAt) {
			continue
		}
		if err := tx.Transfer(tx.Self(), deal.Creator, deal.OfferResource, deal.OfferAmount); err != nil {
			return nil, err
		}
		e.setStatus(tx, deal, DealExpired)
		expired = append(expired, deal.ID)
	}
	return map[string]any{"expired": expired}, nil
}

func (e *Escrow) status(call kernel.Call) (any, error) {
	id := stringArg(call.Args["deal"])
	e.mu.Lock()
	defer e.mu.Unlock()
	deal, ok := e.deals[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "deal %q not found", id)
	}
	return map[string]any{
		"deal":    deal.ID,
		"status":  string(deal.Status),
		"creator": deal.Creator,
	}, nil
}

// openDeal fetches a live deal and returns it with e.mu held.
func (e *Escrow) openDeal(tx *kernel.Tx, call kernel.Call) (*Deal, func(), error) {
	id := stringArg(call.Args["deal"])
	e.mu.Lock()
	deal, ok := e.deals[id]
	if !ok {
		e.mu.Unlock()
		return nil, nil, fault.New(fault.NotFound, "deal %q not found", id)
	}
	if deal.Status != DealOpen {
		status := deal.Status
		e.mu.Unlock()
		return nil, nil, fault.New(fault.InvalidArgument, "deal %q is %s, not open", id, status)
	}
	if !deal.ExpiresAt.IsZero() && e.clock().After(deal.ExpiresAt) {
		e.mu.Unlock()
		return nil, nil, fault.New(fault.InvalidArgument, "deal %q expired at %s", id, deal.ExpiresAt.Format(time.RFC3339))
	}
	return deal, func() { e.mu.Unlock() }, nil
}

// setStatus transitions a deal, journaled. Requires e.mu held.
func (e *Escrow) setStatus(tx *kernel.Tx, deal *Deal, status DealStatus) {
	prev := deal.Status
	deal.Status = status
	tx.OnRollback(func() {
		e.mu.Lock()
		if d, ok := e.deals[deal.ID]; ok {
			d.Status = prev
		}
		e.mu.Unlock()
	})
}

// Export dumps the checkpointable escrow state.
func (e *Escrow) Export() EscrowState {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.deals))
	for id := range e.deals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	st := EscrowState{}
	for _, id := range ids {
		st.Deals = append(st.Deals, *e.deals[id])
	}
	return st
}

// Import replaces the escrow state from a checkpoint.
func (e *Escrow) Import(st EscrowState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deals = make(map[string]*Deal, len(st.Deals))
	for i := range st.Deals {
		deal := st.Deals[i]
		// An all-empty Approved map is dropped by serialization; approve
		// writes into it, so it must come back as a map, not nil.
		if len(deal.Approvers) > 0 && deal.Approved == nil {
			deal.Approved = make(map[string]bool)
		}
		e.deals[deal.ID] = &deal
	}
}

func stringArg(v any) string {
	s, _ := v.(string)
	return s
}
