// Package artifact implements the canonical artifact store: the sole owner of
// every artifact record. It is pure data plus accessors — every "may this
// caller do this?" decision happens upstream in the dispatcher.
package artifact

import (
	"time"
)

// Artifact is the unit of state in the economy.
type Artifact struct {
	ID      string `json:"id"`
	Type    string `json:"type"` // immutable after creation
	Owner   string `json:"owner"`
	Creator string `json:"creator"`
	Content string `json:"content"`

	Executable  bool `json:"executable"`
	HasStanding bool `json:"has_standing"`
	HasLoop     bool `json:"has_loop"`

	// Contract references the governing contract artifact. Empty means the
	// creator-only default applies.
	Contract string `json:"contract,omitempty"`

	// Interface declares the artifact's invokable surface. Discoverable
	// without executing the artifact.
	Interface *Interface `json:"interface,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	Tombstone bool      `json:"tombstone"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsPrincipal reports whether the artifact has standing to hold balances and
// act as a caller.
func (a *Artifact) IsPrincipal() bool { return a.HasStanding }

// clone returns a deep-enough copy so callers can never mutate store state.
func (a *Artifact) clone() Artifact {
	out := *a
	if a.Metadata != nil {
		out.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	if a.Interface != nil {
		iface := a.Interface.clone()
		out.Interface = &iface
	}
	return out
}

// Filter selects artifacts for List. Nil fields match everything.
type Filter struct {
	Type        string
	Owner       string
	HasStanding *bool
	HasLoop     *bool

	// IncludeTombstoned also yields soft-deleted records, for audit walks.
	IncludeTombstoned bool
}

func (f Filter) matches(a *Artifact) bool {
	if a.Tombstone && !f.IncludeTombstoned {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.Owner != "" && a.Owner != f.Owner {
		return false
	}
	if f.HasStanding != nil && a.HasStanding != *f.HasStanding {
		return false
	}
	if f.HasLoop != nil && a.HasLoop != *f.HasLoop {
		return false
	}
	return true
}
