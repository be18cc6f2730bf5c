package artifact

import (
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/agoraos/agora/pkg/fault"
)

// Store is the in-memory artifact map plus insertion order. Reads are safe
// against concurrent mutation: records are only appended or tombstoned, never
// destructively rewritten mid-transaction.
type Store struct {
	mu    sync.RWMutex
	byID  map[string]*Artifact
	order []string
	clock func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		byID:  make(map[string]*Artifact),
		clock: time.Now,
	}
}

// WithClock overrides the clock for tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Create inserts a new record. IDs are never reused: a tombstoned ID still
// counts as taken.
func (s *Store) Create(a Artifact) error {
	if a.ID == "" {
		return fault.New(fault.InvalidArgument, "artifact id must not be empty")
	}
	if a.Interface != nil {
		if err := a.Interface.Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[a.ID]; exists {
		return fault.New(fault.DuplicateID, "artifact %q already exists", a.ID)
	}
	now := s.clock()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.Tombstone = false
	stored := a.clone()
	s.byID[a.ID] = &stored
	s.order = append(s.order, a.ID)
	return nil
}

// Get returns a copy of the record, or NotFound for absent or tombstoned IDs.
func (s *Store) Get(id string) (Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok || a.Tombstone {
		return Artifact{}, fault.New(fault.NotFound, "artifact %q not found", id)
	}
	return a.clone(), nil
}

// Update replaces a record's mutable fields. Type is immutable: any attempt
// to change it fails with TypeChanged. Creator and CreatedAt are preserved
// from the stored record. Ownership changes are atomic under the store lock.
func (s *Store) Update(a Artifact) error {
	if a.Interface != nil {
		if err := a.Interface.Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[a.ID]
	if !ok || cur.Tombstone {
		return fault.New(fault.NotFound, "artifact %q not found", a.ID)
	}
	if a.Type != cur.Type {
		return fault.New(fault.TypeChanged, "artifact %q type is immutable (%q -> %q)", a.ID, cur.Type, a.Type)
	}
	a.Creator = cur.Creator
	a.CreatedAt = cur.CreatedAt
	a.UpdatedAt = s.clock()
	a.Tombstone = false
	stored := a.clone()
	s.byID[a.ID] = &stored
	return nil
}

// Delete tombstones a record. The ID and ownership history are preserved; the
// ID is never reused.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[id]
	if !ok || cur.Tombstone {
		return fault.New(fault.NotFound, "artifact %q not found", id)
	}
	cur.Tombstone = true
	cur.UpdatedAt = s.clock()
	return nil
}

// Reinstate restores an exact prior record, timestamps and tombstone flag
// included. It exists solely so the dispatcher can roll back a failed action;
// it must never be used as a general mutation path.
func (s *Store) Reinstate(rec Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[rec.ID]; !ok {
		panic(fmt.Sprintf("artifact: reinstate of unknown id %q", rec.ID))
	}
	stored := rec.clone()
	s.byID[rec.ID] = &stored
}

// Expunge removes a record created within a failed, not-yet-committed action.
// Rolling back an uncommitted create is the one case where an ID becomes
// reusable: the creation never happened.
func (s *Store) Expunge(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		panic(fmt.Sprintf("artifact: expunge of unknown id %q", id))
	}
	delete(s.byID, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// List yields matching artifacts lazily in insertion order.
func (s *Store) List(f Filter) iter.Seq[Artifact] {
	return func(yield func(Artifact) bool) {
		s.mu.RLock()
		order := make([]string, len(s.order))
		copy(order, s.order)
		s.mu.RUnlock()

		for _, id := range order {
			s.mu.RLock()
			a, ok := s.byID[id]
			var out Artifact
			if ok && f.matches(a) {
				out = a.clone()
			} else {
				ok = false
			}
			s.mu.RUnlock()
			if ok && !yield(out) {
				return
			}
		}
	}
}

// Len counts live (non-tombstoned) records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.byID {
		if !a.Tombstone {
			n++
		}
	}
	return n
}

// Export returns every record, tombstoned included, in insertion order.
// Checkpointing depends on this being a faithful, copy-safe dump.
func (s *Store) Export() []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Artifact, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].clone())
	}
	return out
}

// Import replaces the entire store contents with the given records, keeping
// their order, timestamps, and tombstones exactly as given.
func (s *Store) Import(records []Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := make(map[string]*Artifact, len(records))
	order := make([]string, 0, len(records))
	for i := range records {
		rec := records[i].clone()
		if rec.ID == "" {
			return fault.New(fault.InvalidArgument, "import record %d has empty id", i)
		}
		if _, dup := byID[rec.ID]; dup {
			return fault.New(fault.DuplicateID, "import record %q duplicated", rec.ID)
		}
		byID[rec.ID] = &rec
		order = append(order, rec.ID)
	}
	s.byID = byID
	s.order = order
	return nil
}
