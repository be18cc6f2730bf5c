// Package event is the kernel's append-only event surface. One Record is
// emitted per state-changing operation; the external observability layer
// consumes them from the Bus. Emission never blocks the kernel: a slow
// consumer costs dropped records, counted but never queued synchronously.
package event

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the state change an event describes.
type Kind string

const (
	KindRead           Kind = "read"
	KindWrite          Kind = "write"
	KindEdit           Kind = "edit"
	KindInvoke         Kind = "invoke"
	KindDelete         Kind = "delete"
	KindResourceChange Kind = "resource_change"
	KindTransfer       Kind = "transfer"
	KindMint           Kind = "mint"
	KindAuctionResolve Kind = "auction_resolve"
	KindEscrowRelease  Kind = "escrow_release"
	KindCheckpoint     Kind = "checkpoint"
)

// Record is one append-only event.
type Record struct {
	ID        string           `json:"id"`
	Seq       uint64           `json:"seq"`
	Kind      Kind             `json:"kind"`
	Principal string           `json:"principal"`
	Target    string           `json:"target,omitempty"`
	Deltas    map[string]int64 `json:"deltas,omitempty"`
	Balances  map[string]int64 `json:"balances,omitempty"`
	Detail    map[string]any   `json:"detail,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Bus fans records out to a single buffered channel consumer.
type Bus struct {
	mu      sync.Mutex
	seq     uint64
	ch      chan Record
	dropped atomic.Uint64
	clock   func() time.Time
	audit   *AuditLog
}

// NewBus creates a bus with the given buffer capacity.
func NewBus(capacity int) *Bus {
	return &Bus{
		ch:    make(chan Record, capacity),
		clock: time.Now,
		audit: NewAuditLog(),
	}
}

// WithClock overrides the clock for tests.
func (b *Bus) WithClock(clock func() time.Time) *Bus {
	b.clock = clock
	return b
}

// Emit appends a record. It never blocks: if the consumer buffer is full the
// record still reaches the audit log, and the drop counter is incremented.
func (b *Bus) Emit(rec Record) Record {
	b.mu.Lock()
	b.seq++
	rec.Seq = b.seq
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = b.clock()
	}
	b.audit.append(rec)
	b.mu.Unlock()

	select {
	case b.ch <- rec:
	default:
		b.dropped.Add(1)
	}
	return rec
}

// Records returns the consumer channel.
func (b *Bus) Records() <-chan Record { return b.ch }

// Dropped reports how many records overflowed the consumer buffer.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Audit exposes the hash-chained log of everything ever emitted.
func (b *Bus) Audit() *AuditLog { return b.audit }
