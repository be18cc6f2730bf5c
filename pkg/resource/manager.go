package resource

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agoraos/agora/pkg/event"
	"github.com/agoraos/agora/pkg/fault"
)

// Manager owns all principal balances, quotas, and rate buckets. It emits a
// resource-change event on every successful mutation. Accounts persist
// indefinitely for audit, even after a principal goes inactive.
type Manager struct {
	mu        sync.Mutex
	defs      map[string]Definition
	balances  map[string]map[string]int64
	allocated map[string]map[string]int64
	quotas    map[string]map[string]int64
	limiters  map[string]*rate.Limiter
	bus       *event.Bus
	clock     func() time.Time
}

// NewManager creates a manager emitting events on bus.
func NewManager(bus *event.Bus) *Manager {
	return &Manager{
		defs:      make(map[string]Definition),
		balances:  make(map[string]map[string]int64),
		allocated: make(map[string]map[string]int64),
		quotas:    make(map[string]map[string]int64),
		limiters:  make(map[string]*rate.Limiter),
		bus:       bus,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for tests. It also steers the token buckets.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Define registers a resource definition.
func (m *Manager) Define(def Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[def.Name] = def
}

// GetBalance returns the current balance. An account that was never credited
// reads as zero.
func (m *Manager) GetBalance(principal, resource string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[principal][resource]
}

// Balances returns a copy of all balances held by principal.
func (m *Manager) Balances(principal string) map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.balances[principal]))
	for k, v := range m.balances[principal] {
		out[k] = v
	}
	return out
}

// Mint credits newly created units to principal. This is the only operation
// allowed to break conservation; it is flagged as a mint event.
func (m *Manager) Mint(principal, resource string, amount int64) error {
	if amount < 0 {
		return fault.New(fault.InvalidArgument, "mint amount must not be negative, got %d", amount)
	}
	m.mu.Lock()
	m.credit(principal, resource, amount)
	balance := m.balances[principal][resource]
	m.mu.Unlock()

	m.emit(event.KindMint, principal, resource, amount, map[string]int64{resource: balance})
	return nil
}

// Spend debits a depletable or currency balance. Fails InsufficientBalance
// with the concrete have/need amounts; the balance is untouched on failure.
func (m *Manager) Spend(principal, resource string, amount int64) error {
	if amount < 0 {
		return fault.New(fault.InvalidArgument, "spend amount must not be negative, got %d", amount)
	}
	m.mu.Lock()
	have := m.balances[principal][resource]
	if have < amount {
		m.mu.Unlock()
		return fault.Insufficient(resource, have, amount)
	}
	if m.balances[principal] == nil {
		m.balances[principal] = make(map[string]int64)
	}
	m.balances[principal][resource] = have - amount
	balance := have - amount
	m.mu.Unlock()

	m.emit(event.KindResourceChange, principal, resource, -amount, map[string]int64{resource: balance})
	return nil
}

// Charge debits up to amount from a metered budget, clamping at zero, and
// returns what was actually debited. Metered charging records measured
// consumption (sandbox CPU time, bytes written) after the fact; unlike Spend
// it never gates the action that already happened.
func (m *Manager) Charge(principal, resource string, amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	m.mu.Lock()
	have := m.balances[principal][resource]
	debit := amount
	if debit > have {
		debit = have
	}
	if m.balances[principal] == nil {
		m.balances[principal] = make(map[string]int64)
	}
	m.balances[principal][resource] = have - debit
	balance := have - debit
	m.mu.Unlock()

	if debit > 0 {
		m.emit(event.KindResourceChange, principal, resource, -debit, map[string]int64{resource: balance})
	}
	return debit
}

// SetQuota configures principal's quota limit for an allocatable resource.
// A limit of zero removes the quota, returning the resource to unlimited.
func (m *Manager) SetQuota(principal, resource string, limit int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quotas[principal] == nil {
		m.quotas[principal] = make(map[string]int64)
	}
	if limit <= 0 {
		delete(m.quotas[principal], resource)
		return
	}
	m.quotas[principal][resource] = limit
}

// Allocate consumes quota slots. An unconfigured or zero quota is unlimited.
func (m *Manager) Allocate(principal, resource string, amount int64) error {
	if amount < 0 {
		return fault.New(fault.InvalidArgument, "allocate amount must not be negative, got %d", amount)
	}
	m.mu.Lock()
	used := m.allocated[principal][resource]
	limit, limited := m.quotas[principal][resource]
	if limited && limit > 0 && used+amount > limit {
		m.mu.Unlock()
		return fault.OverQuota(resource, limit-used, amount)
	}
	if m.allocated[principal] == nil {
		m.allocated[principal] = make(map[string]int64)
	}
	m.allocated[principal][resource] = used + amount
	m.mu.Unlock()

	m.emit(event.KindResourceChange, principal, resource, amount, map[string]int64{resource: used + amount})
	return nil
}

// Release returns quota slots. Releasing more than allocated clamps to zero.
func (m *Manager) Release(principal, resource string, amount int64) error {
	if amount < 0 {
		return fault.New(fault.InvalidArgument, "release amount must not be negative, got %d", amount)
	}
	m.mu.Lock()
	used := m.allocated[principal][resource]
	remaining := used - amount
	if remaining < 0 {
		remaining = 0
	}
	if m.allocated[principal] == nil {
		m.allocated[principal] = make(map[string]int64)
	}
	m.allocated[principal][resource] = remaining
	m.mu.Unlock()

	m.emit(event.KindResourceChange, principal, resource, remaining-used, map[string]int64{resource: remaining})
	return nil
}

// Allocated reports current quota usage.
func (m *Manager) Allocated(principal, resource string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocated[principal][resource]
}

// ConsumeRate takes n tokens from principal's bucket for a renewable
// resource. Fails RateLimited with a concrete retry-after; a denied call
// consumes nothing. An undefined or zero-rate resource is unlimited.
func (m *Manager) ConsumeRate(principal, resource string, n int64) error {
	if n < 0 {
		return fault.New(fault.InvalidArgument, "rate amount must not be negative, got %d", n)
	}
	m.mu.Lock()
	def, ok := m.defs[resource]
	if !ok || def.Kind != Renewable || def.RatePerSecond <= 0 {
		m.mu.Unlock()
		return nil
	}
	lim := m.limiterLocked(principal, def)
	now := m.clock()
	m.mu.Unlock()

	res := lim.ReserveN(now, int(n))
	if !res.OK() {
		// Request exceeds the bucket's burst and can never be satisfied.
		return fault.Limited(resource, rate.InfDuration)
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return fault.Limited(resource, delay)
	}
	m.emit(event.KindResourceChange, principal, resource, -n, nil)
	return nil
}

// Transfer moves amount of resource from one principal to another as one
// atomic compound: either both sides change or neither does.
func (m *Manager) Transfer(from, to, resource string, amount int64) error {
	if amount < 0 {
		return fault.New(fault.InvalidArgument, "transfer amount must not be negative, got %d", amount)
	}
	if from == to {
		return fault.New(fault.InvalidArgument, "transfer from %q to itself", from)
	}
	m.mu.Lock()
	have := m.balances[from][resource]
	if have < amount {
		m.mu.Unlock()
		return fault.Insufficient(resource, have, amount)
	}
	if m.balances[from] == nil {
		m.balances[from] = make(map[string]int64)
	}
	m.balances[from][resource] = have - amount
	m.credit(to, resource, amount)
	fromBalance := m.balances[from][resource]
	toBalance := m.balances[to][resource]
	m.mu.Unlock()

	m.emit(event.KindTransfer, from, resource, -amount, map[string]int64{resource: fromBalance})
	m.emit(event.KindTransfer, to, resource, amount, map[string]int64{resource: toBalance})
	return nil
}

// Export dumps the checkpointable accounting state.
func (m *Manager) Export() Accounts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Accounts{
		Balances:  copyNested(m.balances),
		Allocated: copyNested(m.allocated),
		Quotas:    copyNested(m.quotas),
	}
}

// Import replaces all accounting state. Rate buckets are rebuilt lazily.
func (m *Manager) Import(acc Accounts) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = copyNested(acc.Balances)
	m.allocated = copyNested(acc.Allocated)
	m.quotas = copyNested(acc.Quotas)
	m.limiters = make(map[string]*rate.Limiter)
}

// credit requires m.mu held.
func (m *Manager) credit(principal, resource string, amount int64) {
	if m.balances[principal] == nil {
		m.balances[principal] = make(map[string]int64)
	}
	m.balances[principal][resource] += amount
}

// limiterLocked requires m.mu held.
func (m *Manager) limiterLocked(principal string, def Definition) *rate.Limiter {
	key := principal + "\x00" + def.Name
	lim, ok := m.limiters[key]
	if !ok {
		burst := def.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(def.RatePerSecond), int(burst))
		m.limiters[key] = lim
	}
	return lim
}

func (m *Manager) emit(kind event.Kind, principal, resource string, delta int64, balances map[string]int64) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(event.Record{
		Kind:      kind,
		Principal: principal,
		Deltas:    map[string]int64{resource: delta},
		Balances:  balances,
	})
}

func copyNested(in map[string]map[string]int64) map[string]map[string]int64 {
	out := make(map[string]map[string]int64, len(in))
	for k, inner := range in {
		cp := make(map[string]int64, len(inner))
		for ik, iv := range inner {
			cp[ik] = iv
		}
		out[k] = cp
	}
	return out
}
