package state

import "HabitLedger/internal/ledger"

// FeedForAsset maps a staked token to its oracle feed. Stablecoins are
// valued one-to-one against the dollar and need no feed.
func FeedForAsset(assetID ledger.AssetID) (string, bool) {
	name, ok := ledger.GetAssetName(assetID)
	if !ok || name == ledger.AssetStable {
		return "", false
	}
	return name + "-USD", true
}

// PriceState is the latest accepted quote for one feed.
type PriceState struct {
	Price     int64 // 8 decimal places
	Sequence  int64
	Timestamp int64 // microseconds
}

// PriceBook holds the most recent price per oracle feed. Stake
// valuation reads from here; it never calls out to the oracle itself.
type PriceBook struct {
	feeds map[string]*PriceState
}

func NewPriceBook() *PriceBook {
	return &PriceBook{
		feeds: make(map[string]*PriceState),
	}
}

// UpdatePrice records a quote for a feed. Returns false if the update
// is stale (per-feed sequence did not advance). Stale quotes are
// ignored without error; the feed keeps its current value.
func (pb *PriceBook) UpdatePrice(feed string, price int64, sequence int64, timestamp int64) bool {
	current, exists := pb.feeds[feed]
	if exists && sequence <= current.Sequence {
		return false
	}

	pb.feeds[feed] = &PriceState{
		Price:     price,
		Sequence:  sequence,
		Timestamp: timestamp,
	}
	return true
}

// LatestPrice returns the current quote for a feed, or false if the
// feed has never reported. Callers treat a missing or non-positive
// price as an oracle failure.
func (pb *PriceBook) LatestPrice(feed string) (int64, bool) {
	state, exists := pb.feeds[feed]
	if !exists {
		return 0, false
	}
	return state.Price, true
}

// GetPrice returns the full price state for a feed, or nil
func (pb *PriceBook) GetPrice(feed string) *PriceState {
	return pb.feeds[feed]
}

// GetAllPrices returns all feed states (for snapshots)
func (pb *PriceBook) GetAllPrices() map[string]*PriceState {
	result := make(map[string]*PriceState, len(pb.feeds))
	for feed, state := range pb.feeds {
		copied := *state
		result[feed] = &copied
	}
	return result
}

// RestorePrice directly sets a feed state (used for snapshot restore)
func (pb *PriceBook) RestorePrice(feed string, state *PriceState) {
	copied := *state
	pb.feeds[feed] = &copied
}
