// Package checkpoint captures and restores the full economy state: every
// artifact record, all resource accounts, and the market and escrow books.
// Snapshots carry a semantic version and a canonical-JSON integrity hash, so
// a restore can refuse both incompatible and corrupted state.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"

	"github.com/agoraos/agora/pkg/artifact"
	"github.com/agoraos/agora/pkg/economy"
	"github.com/agoraos/agora/pkg/event"
	"github.com/agoraos/agora/pkg/kernel"
	"github.com/agoraos/agora/pkg/resource"
)

// Version is the snapshot format version. Restores accept any snapshot with
// the same major version.
const Version = "1.0.0"

// Snapshot is one complete, self-verifying state capture.
type Snapshot struct {
	Version   string    `json:"version"`
	TakenAt   time.Time `json:"taken_at"`

	Artifacts []artifact.Artifact `json:"artifacts"`
	Accounts  resource.Accounts   `json:"accounts"`
	Market    economy.MarketState `json:"market"`
	Escrow    economy.EscrowState `json:"escrow"`

	// AuditHead pins the audit-chain head at capture time.
	AuditHead string `json:"audit_head"`

	// Integrity is the sha256 of the snapshot's canonical JSON, computed with
	// this field empty.
	Integrity string `json:"integrity,omitempty"`
}

// Capture takes a snapshot of the kernel and economy state and seals it.
func Capture(k *kernel.Kernel, market *economy.Market, escrow *economy.Escrow) (Snapshot, error) {
	snap := Snapshot{
		Version:   Version,
		TakenAt:   time.Now().UTC(),
		Artifacts: k.Store().Export(),
		Accounts:  k.Resources().Export(),
		Market:    market.Export(),
		Escrow:    escrow.Export(),
		AuditHead: k.Bus().Audit().Head(),
	}
	sum, err := snap.digest()
	if err != nil {
		return Snapshot{}, err
	}
	snap.Integrity = sum

	k.Bus().Emit(event.Record{
		Kind:      event.KindCheckpoint,
		Principal: kernel.KernelPrincipal,
		Detail:    map[string]any{"integrity": sum, "artifacts": len(snap.Artifacts)},
	})
	return snap, nil
}

// Restore verifies and loads a snapshot into the kernel and economy.
func Restore(k *kernel.Kernel, market *economy.Market, escrow *economy.Escrow, snap Snapshot) error {
	if err := snap.Verify(); err != nil {
		return err
	}
	if err := k.Store().Import(snap.Artifacts); err != nil {
		return fmt.Errorf("checkpoint: restore artifacts: %w", err)
	}
	k.Resources().Import(snap.Accounts)
	market.Import(snap.Market)
	escrow.Import(snap.Escrow)
	return nil
}

// Verify checks the version compatibility and the integrity seal.
func (s Snapshot) Verify() error {
	have, err := semver.NewVersion(s.Version)
	if err != nil {
		return fmt.Errorf("checkpoint: bad snapshot version %q: %w", s.Version, err)
	}
	want := semver.MustParse(Version)
	if have.Major() != want.Major() {
		return fmt.Errorf("checkpoint: snapshot format v%d is incompatible with v%d", have.Major(), want.Major())
	}
	if s.Integrity == "" {
		return fmt.Errorf("checkpoint: snapshot carries no integrity seal")
	}
	unsealed := s
	unsealed.Integrity = ""
	sum, err := unsealed.digest()
	if err != nil {
		return err
	}
	if sum != s.Integrity {
		return fmt.Errorf("checkpoint: integrity mismatch: sealed %s, computed %s", s.Integrity, sum)
	}
	return nil
}

// digest hashes the snapshot's canonical (RFC 8785) JSON form, so the seal is
// independent of map ordering and encoder whitespace.
func (s Snapshot) digest() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("checkpoint: marshal snapshot: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("checkpoint: canonicalize snapshot: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
