package event_test

import (
	"testing"
	"time"

	"github.com/agoraos/agora/pkg/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitAssignsSequenceAndTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus := event.NewBus(8).WithClock(func() time.Time { return now })

	r1 := bus.Emit(event.Record{Kind: event.KindWrite, Principal: "agent/a"})
	r2 := bus.Emit(event.Record{Kind: event.KindRead, Principal: "agent/b"})

	assert.Equal(t, uint64(1), r1.Seq)
	assert.Equal(t, uint64(2), r2.Seq)
	assert.Equal(t, now, r1.Timestamp)
	assert.NotEmpty(t, r1.ID)
}

func TestEmitNeverBlocksSlowConsumer(t *testing.T) {
	bus := event.NewBus(2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			bus.Emit(event.Record{Kind: event.KindResourceChange, Principal: "agent/a"})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("emit blocked on a full consumer buffer")
	}

	// Only the buffer capacity is deliverable; the rest were dropped but all
	// 100 reached the lossless audit log.
	assert.Equal(t, uint64(98), bus.Dropped())
	assert.Equal(t, 100, bus.Audit().Length())
}

func TestAuditChainVerifies(t *testing.T) {
	bus := event.NewBus(4)
	for i := 0; i < 10; i++ {
		bus.Emit(event.Record{Kind: event.KindTransfer, Principal: "agent/a", Target: "agent/b",
			Deltas: map[string]int64{"scrip": -5}})
	}
	ok, msg := bus.Audit().Verify()
	require.True(t, ok, msg)

	entries := bus.Audit().Entries()
	require.Len(t, entries, 10)
	assert.Equal(t, "genesis", entries[0].PrevHash)
	assert.Equal(t, entries[8].ContentHash, entries[9].PrevHash)
	assert.Equal(t, entries[9].ContentHash, bus.Audit().Head())
}

func TestRecordsDeliveredInOrder(t *testing.T) {
	bus := event.NewBus(16)
	bus.Emit(event.Record{Kind: event.KindWrite, Principal: "agent/a", Target: "doc/1"})
	bus.Emit(event.Record{Kind: event.KindDelete, Principal: "agent/a", Target: "doc/1"})

	first := <-bus.Records()
	second := <-bus.Records()
	assert.Equal(t, event.KindWrite, first.Kind)
	assert.Equal(t, event.KindDelete, second.Kind)
	assert.Less(t, first.Seq, second.Seq)
}
