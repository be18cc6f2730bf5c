// Package config holds the explicit, validated kernel configuration. Every
// option has exactly one documented effect; there are no silent code-level
// defaults — Default() is the single place defaults are written down.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LateBidPolicy decides the fate of a bid that arrives after its target round
// has closed.
type LateBidPolicy string

const (
	// LateBidRollover moves the bid into the next open round.
	LateBidRollover LateBidPolicy = "rollover"
	// LateBidReject refuses the bid with an InvalidArgument fault.
	LateBidReject LateBidPolicy = "reject"
)

// DanglingPolicy selects the contract applied when an artifact's governing
// contract reference points at a tombstoned or missing artifact.
type DanglingPolicy string

const (
	// DanglingFreeware applies the freeware contract: allow at zero cost.
	DanglingFreeware DanglingPolicy = "freeware"
	// DanglingCreatorOnly applies the null-contract creator-only default.
	DanglingCreatorOnly DanglingPolicy = "creator-only"
)

// Config is the kernel configuration.
type Config struct {
	// ScripResource names the currency resource used for contract pricing.
	ScripResource string `yaml:"scrip_resource"`

	// StorageResource names the allocatable quota resource charged per
	// content byte held in the artifact store.
	StorageResource string `yaml:"storage_resource"`

	// ComputeResource names the depletable budget metered against sandbox
	// CPU time, in milliseconds.
	ComputeResource string `yaml:"compute_resource"`

	// FreewareContractID designates the always-allow zero-cost contract the
	// dispatcher may evaluate without entering the sandbox.
	FreewareContractID string `yaml:"freeware_contract_id"`

	// DanglingContractFallback is applied when a governing contract reference
	// is dangling. Never an unconditional silent allow or deny: the applied
	// fallback is a real contract policy and the event is warn-logged.
	DanglingContractFallback DanglingPolicy `yaml:"dangling_contract_fallback"`

	// MaxCallDepth bounds recursive invoke chains. Depth 1 is a direct call.
	MaxCallDepth int `yaml:"max_call_depth"`

	// SandboxTimeout is the wall-clock limit for one sandboxed execution.
	SandboxTimeout time.Duration `yaml:"sandbox_timeout"`

	// SandboxCostLimit bounds CEL evaluation cost units per execution.
	SandboxCostLimit uint64 `yaml:"sandbox_cost_limit"`

	// SandboxMemoryLimitBytes caps WASM linear memory per execution.
	SandboxMemoryLimitBytes int64 `yaml:"sandbox_memory_limit_bytes"`

	// AuctionPeriod is the fixed interval between mint auction resolutions.
	AuctionPeriod time.Duration `yaml:"auction_period"`

	// AuctionMinBid is the reserve price; bids below it are rejected and a
	// sole bidder pays it.
	AuctionMinBid int64 `yaml:"auction_min_bid"`

	// LateBids selects rollover or rejection of bids that miss their round.
	LateBids LateBidPolicy `yaml:"late_bids"`

	// EventBufferSize is the capacity of the non-blocking event bus. When the
	// consumer lags, overflowing records are counted and dropped, never
	// queued synchronously.
	EventBufferSize int `yaml:"event_buffer_size"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		ScripResource:            "scrip",
		StorageResource:          "storage",
		ComputeResource:          "compute_ms",
		FreewareContractID:       "contract/freeware",
		DanglingContractFallback: DanglingFreeware,
		MaxCallDepth:             8,
		SandboxTimeout:           2 * time.Second,
		SandboxCostLimit:         1_000_000,
		SandboxMemoryLimitBytes:  64 * 1024 * 1024,
		AuctionPeriod:            time.Minute,
		AuctionMinBid:            1,
		LateBids:                 LateBidRollover,
		EventBufferSize:          4096,
	}
}

// Load reads a YAML config file and merges it over Default().
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations with no sensible interpretation.
func (c Config) Validate() error {
	if c.ScripResource == "" {
		return fmt.Errorf("config: scrip_resource must not be empty")
	}
	if c.StorageResource == "" {
		return fmt.Errorf("config: storage_resource must not be empty")
	}
	if c.ComputeResource == "" {
		return fmt.Errorf("config: compute_resource must not be empty")
	}
	if c.MaxCallDepth < 1 {
		return fmt.Errorf("config: max_call_depth must be >= 1, got %d", c.MaxCallDepth)
	}
	if c.SandboxTimeout <= 0 {
		return fmt.Errorf("config: sandbox_timeout must be positive, got %s", c.SandboxTimeout)
	}
	if c.AuctionPeriod <= 0 {
		return fmt.Errorf("config: auction_period must be positive, got %s", c.AuctionPeriod)
	}
	if c.AuctionMinBid < 0 {
		return fmt.Errorf("config: auction_min_bid must not be negative, got %d", c.AuctionMinBid)
	}
	switch c.LateBids {
	case LateBidRollover, LateBidReject:
	default:
		return fmt.Errorf("config: late_bids must be %q or %q, got %q", LateBidRollover, LateBidReject, c.LateBids)
	}
	switch c.DanglingContractFallback {
	case DanglingFreeware, DanglingCreatorOnly:
	default:
		return fmt.Errorf("config: dangling_contract_fallback must be %q or %q, got %q",
			DanglingFreeware, DanglingCreatorOnly, c.DanglingContractFallback)
	}
	if c.EventBufferSize < 1 {
		return fmt.Errorf("config: event_buffer_size must be >= 1, got %d", c.EventBufferSize)
	}
	return nil
}
