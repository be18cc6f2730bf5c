package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
)

// AuditEntry is an immutable, hash-chained wrapper around an emitted Record.
type AuditEntry struct {
	Record      Record `json:"record"`
	ContentHash string `json:"content_hash"`
	PrevHash    string `json:"prev_hash"`
}

// AuditLog is an append-only, hash-chained log of every emitted event. Unlike
// the bus channel it is lossless; it backs the kernel's audit trail.
type AuditLog struct {
	mu       sync.RWMutex
	entries  []AuditEntry
	headHash string
}

// NewAuditLog creates an empty log.
func NewAuditLog() *AuditLog {
	return &AuditLog{headHash: "genesis"}
}

func (l *AuditLog) append(rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := AuditEntry{
		Record:      rec,
		ContentHash: chainHash(rec, l.headHash),
		PrevHash:    l.headHash,
	}
	l.entries = append(l.entries, entry)
	l.headHash = entry.ContentHash
}

// Head returns the current head hash.
func (l *AuditLog) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Length returns the number of entries.
func (l *AuditLog) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns a copy of all entries.
func (l *AuditLog) Entries() []AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Verify walks the chain and recomputes every hash.
func (l *AuditLog) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := "genesis"
	for i, entry := range l.entries {
		if entry.PrevHash != prev {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", i+1, prev, entry.PrevHash)
		}
		if computed := chainHash(entry.Record, entry.PrevHash); computed != entry.ContentHash {
			return false, fmt.Sprintf("hash mismatch at entry %d", i+1)
		}
		prev = entry.ContentHash
	}
	return true, "chain verified"
}

func chainHash(rec Record, prevHash string) string {
	hashInput := struct {
		Record   Record `json:"record"`
		PrevHash string `json:"prev"`
	}{rec, prevHash}
	raw, err := json.Marshal(hashInput)
	if err != nil {
		// Records are built from plain maps and scalars; a marshal failure
		// means kernel bookkeeping is corrupt.
		panic(fmt.Sprintf("event: audit entry not marshalable: %v", err))
	}
	h := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(h[:])
}
