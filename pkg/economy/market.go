// Package economy implements the built-in market services: a periodic
// second-price auction for artifact sales and an escrow agent for multi-step
// trades. Both are native service artifacts — addressed, governed, and priced
// through the same dispatch path as any sandboxed service, with all their
// settlement journaled into the invoking action.
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

// MarketArtifactID is the well-known ID of the auction service artifact.
const MarketArtifactID = "market"

// Bid is one sealed bid on a listed artifact.
type Bid struct {
	ID       string    `json:"id"`
	Bidder   string    `json:"bidder"`
	Artifact string    `json:"artifact"`
	Amount   int64     `json:"amount"`
	Round    uint64    `json:"round"`
	At       time.Time `json:"at"`
}

// Listing is one artifact offered for sale.
type Listing struct {
	Artifact string    `json:"artifact"`
	Seller   string    `json:"seller"`
	Round    uint64    `json:"round"`
	ListedAt time.Time `json:"listed_at"`
}

// MarketState is the checkpointable auction state.
type MarketState struct {
	Round       uint64    `json:"round"`
	RoundCloses time.Time `json:"round_closes"`
	Listings    []Listing `json:"listings"`
	Bids        []Bid     `json:"bids"`
}

// Market runs sealed-bid second-price auction rounds on a fixed period.
// Bids are sealed until resolution; the winner pays the second-highest bid,
// or the reserve when bidding alone.
type Market struct {
	mu    sync.Mutex
	cfg   config.Config
	clock func() time.Time

	round       uint64
	roundCloses time.Time
	listings    map[string]*Listing
	bids        map[string][]Bid // by artifact
}

// NewMarket creates a market with round 1 opening now.
func NewMarket(cfg config.Config) *Market {
	m := &Market{
		cfg:      cfg,
		clock:    time.Now,
		round:    1,
		listings: make(map[string]*Listing),
		bids:     make(map[string][]Bid),
	}
	m.roundCloses = m.clock().Add(cfg.AuctionPeriod)
	return m
}

// WithClock overrides the clock for tests.
func (m *Market) WithClock(clock func() time.Time) *Market {
	m.clock = clock
	m.roundCloses = clock().Add(m.cfg.AuctionPeriod)
	return m
}

// Handler returns the native service entry point.
func (m *Market) Handler() kernel.NativeHandler {
	return func(ctx context.Context, tx *kernel.Tx, call kernel.Call) (any, error) {
		switch call.Method {
		case "list":
			return m.list(tx, call)
		case "bid":
			return m.bid(tx, call)
		case "resolve":
			return m.resolve(tx)
		case "status":
			return m.status(), nil
		default:
			return nil, fault.New(fault.InvalidArgument,
				"market has no method %q; available: list, bid, resolve, status", call.Method)
		}
	}
}

// list offers a caller-owned artifact for sale in the current round.
func (m *Market) list(tx *kernel.Tx, call kernel.Call) (any, error) {
	id, _ := call.Args["artifact"].(string)
	if id == "" {
		return nil, fault.New(fault.InvalidArgument, "list needs an artifact id")
	}
	owner, err := tx.Owner(id)
	if err != nil {
		return nil, err
	}
	if owner != call.Caller {
		return nil, fault.Denied(id, "only the owner %q may list %q for sale", owner, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.listings[id]; dup {
		return nil, fault.New(fault.DuplicateID, "artifact %q is already listed", id)
	}
	lst := &Listing{Artifact: id, Seller: call.Caller, Round: m.round, ListedAt: m.clock()}
	m.listings[id] = lst
	tx.OnRollback(func() {
		m.mu.Lock()
		delete(m.listings, id)
		m.mu.Unlock()
	})
	return map[string]any{"artifact": id, "round": int64(lst.Round)}, nil
}

// bid places a sealed bid on a listed artifact. The bid amount is not
// reserved: solvency is checked at resolution, when payment actually moves.
func (m *Market) bid(tx *kernel.Tx, call kernel.Call) (any, error) {
	id, _ := call.Args["artifact"].(string)
	amount := intArg(call.Args["amount"])
	if id == "" {
		return nil, fault.New(fault.InvalidArgument, "bid needs an artifact id")
	}
	if amount < m.cfg.AuctionMinBid {
		return nil, fault.New(fault.InvalidArgument,
			"bid of %d is below the reserve %d", amount, m.cfg.AuctionMinBid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	lst, ok := m.listings[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "artifact %q is not listed for sale", id)
	}
	if lst.Seller == call.Caller {
		return nil, fault.New(fault.InvalidArgument, "seller %q may not bid on its own listing", call.Caller)
	}

	round := m.round
	if now := m.clock(); now.After(m.roundCloses) {
		// The round closed but has not been resolved yet.
		if m.cfg.LateBids == config.LateBidReject {
			return nil, fault.New(fault.InvalidArgument,
				"round %d closed at %s; bid again next round", m.round, m.roundCloses.Format(time.RFC3339))
		}
		round = m.round + 1
	}

	b := Bid{
		ID:       uuid.NewString(),
		Bidder:   call.Caller,
		Artifact: id,
		Amount:   amount,
		Round:    round,
		At:       m.clock(),
	}
	m.bids[id] = append(m.bids[id], b)
	tx.OnRollback(func() {
		m.mu.Lock()
		m.dropBid(id, b.ID)
		m.mu.Unlock()
	})
	return map[string]any{"bid": b.ID, "round": int64(round)}, nil
}

// resolve closes the current round: every listing with bids settles at the
// second price, everything else rolls into the next round.
func (m *Market) resolve(tx *kernel.Tx) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resolved := make([]map[string]any, 0)
	ids := make([]string, 0, len(m.listings))
	for id := range m.listings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		lst := m.listings[id]
		contenders := make([]Bid, 0)
		var carried []Bid
		for _, b := range m.bids[id] {
			if b.Round <= m.round {
				contenders = append(contenders, b)
			} else {
				carried = append(carried, b)
			}
		}
		if len(contenders) == 0 {
			continue
		}
		sortBids(contenders)

		outcome, err := m.settleListing(tx, lst, contenders)
		if err != nil {
			return nil, err
		}
		prevBids := m.bids[id]
		if outcome == nil {
			// Every bidder was insolvent; the listing stays for the next
			// round and the failed bids are discarded.
			m.bids[id] = carried
			tx.OnRollback(func() {
				m.mu.Lock()
				m.bids[id] = prevBids
				m.mu.Unlock()
			})
			continue
		}

		prevListing := *lst
		delete(m.listings, id)
		// Bids carried into the next round have nothing to buy once the
		// listing settles; they are dropped rather than left orphaned.
		delete(m.bids, id)
		tx.OnRollback(func() {
			m.mu.Lock()
			cp := prevListing
			m.listings[cp.Artifact] = &cp
			m.bids[cp.Artifact] = prevBids
			m.mu.Unlock()
		})

		tx.Emit(event.Record{
			Kind:      event.KindAuctionResolve,
			Principal: outcome["winner"].(string),
			Target:    id,
			Detail:    map[string]any{"price": outcome["price"], "seller": lst.Seller, "round": int64(m.round)},
		})
		resolved = append(resolved, outcome)
	}

	prevRound, prevCloses := m.round, m.roundCloses
	m.round++
	m.roundCloses = m.roundCloses.Add(m.cfg.AuctionPeriod)
	tx.OnRollback(func() {
		m.mu.Lock()
		m.round, m.roundCloses = prevRound, prevCloses
		m.mu.Unlock()
	})

	return map[string]any{"round": int64(prevRound), "resolved": toAnySlice(resolved)}, nil
}

// settleListing pays the seller and reassigns ownership. The winner pays the
// second-highest bid, or the reserve when bidding alone. An insolvent winner
// is skipped and the next bidder wins at the price below theirs.
func (m *Market) settleListing(tx *kernel.Tx, lst *Listing, ranked []Bid) (map[string]any, error) {
	for i, winner := range ranked {
		price := m.cfg.AuctionMinBid
		if i+1 < len(ranked) {
			price = ranked[i+1].Amount
		}
		err := tx.Transfer(winner.Bidder, lst.Seller, m.cfg.ScripResource, price)
		if fault.IsKind(err, fault.InsufficientBalance) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := tx.SetOwner(lst.Artifact, winner.Bidder); err != nil {
			return nil, err
		}
		return map[string]any{
			"artifact": lst.Artifact,
			"winner":   winner.Bidder,
			"price":    price,
		}, nil
	}
	return nil, nil
}

func (m *Market) status() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	listed := make([]any, 0, len(m.listings))
	ids := make([]string, 0, len(m.listings))
	for id := range m.listings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		listed = append(listed, map[string]any{
			"artifact": id,
			"seller":   m.listings[id].Seller,
			"bids":     int64(len(m.bids[id])),
		})
	}
	return map[string]any{
		"round":        int64(m.round),
		"round_closes": m.roundCloses.Format(time.RFC3339),
		"listings":     listed,
	}
}

// Export dumps the checkpointable market state.
func (m *Market) Export() MarketState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := MarketState{Round: m.round, RoundCloses: m.roundCloses}
	ids := make([]string, 0, len(m.listings))
	for id := range m.listings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		st.Listings = append(st.Listings, *m.listings[id])
		st.Bids = append(st.Bids, m.bids[id]...)
	}
	return st
}

// Import replaces the market state from a checkpoint.
func (m *Market) Import(st MarketState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.round = st.Round
	m.roundCloses = st.RoundCloses
	m.listings = make(map[string]*Listing, len(st.Listings))
	m.bids = make(map[string][]Bid)
	for i := range st.Listings {
		lst := st.Listings[i]
		m.listings[lst.Artifact] = &lst
	}
	for _, b := range st.Bids {
		m.bids[b.Artifact] = append(m.bids[b.Artifact], b)
	}
}

// dropBid requires m.mu held.
func (m *Market) dropBid(artifact, bidID string) {
	bids := m.bids[artifact]
	for i, b := range bids {
		if b.ID == bidID {
			m.bids[artifact] = append(bids[:i], bids[i+1:]...)
			return
		}
	}
}

// sortBids ranks highest amount first; ties go to the earlier bid, then the
// smaller bid ID, so resolution order never depends on map iteration.
func sortBids(bids []Bid) {
	sort.SliceStable(bids, func(i, j int) bool {
		if bids[i].Amount != bids[j].Amount {
			return bids[i].Amount > bids[j].Amount
		}
		if !bids[i].At.Equal(bids[j].At) {
			return bids[i].At.Before(bids[j].At)
		}
		return bids[i].ID < bids[j].ID
	})
}

func intArg(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toAnySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i := range in {
		out[i] = in[i]
	}
	return out
}
