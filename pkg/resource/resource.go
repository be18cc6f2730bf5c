// Package resource is the single source of truth for scarce-resource
// accounting: depletable budgets, allocatable quotas, renewable rate limits,
// and the scrip currency used for in-economy pricing. Balances never go
// negative; every debit is check-then-commit under one lock.
package resource

// Kind classifies how a resource is accounted.
type Kind string

const (
	// Depletable balances are spent and never auto-replenished (budgets).
	Depletable Kind = "depletable"
	// Allocatable balances are quota slots: allocate, then release (storage).
	Allocatable Kind = "allocatable"
	// Renewable balances refill over time as a token bucket (call rates).
	Renewable Kind = "renewable"
	// Currency balances move between principals by transfer (scrip).
	Currency Kind = "currency"
)

// Definition declares a resource and, for renewable resources, its refill
// behavior. A resource that is never defined is treated as unlimited:
// scarcity is opt-in, never an accidental full block.
type Definition struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	// RatePerSecond and Burst configure renewable token buckets. A zero rate
	// on a renewable resource means unlimited.
	RatePerSecond float64 `json:"rate_per_second,omitempty"`
	Burst         int64   `json:"burst,omitempty"`
}

// Accounts is the checkpointable accounting state: per-principal balances,
// allocations, and quota limits. Renewable bucket fill levels are transient
// and rebuilt from definitions on restore.
type Accounts struct {
	Balances  map[string]map[string]int64 `json:"balances"`
	Allocated map[string]map[string]int64 `json:"allocated"`
	Quotas    map[string]map[string]int64 `json:"quotas"`
}
