package auction

import "time"

// Winner is the leading bid of a finished auction, held by the resolving actor
type Winner struct {
	AuctionID string `json:"auction_id"`
	Bid       Bid    `json:"bid"`
}

// ResolveWinner returns the winning bid when the auction has ended and actorID
// holds the top bid. An ended auction with no bids is unsold and has no winner.
func ResolveWinner(snap Snapshot, actorID string, now time.Time) *Winner {
	if actorID == "" || !snap.Ended(now) {
		return nil
	}

	leader, ok := snap.Leader()
	if !ok || leader.BidderID != actorID {
		return nil
	}

	return &Winner{AuctionID: snap.AuctionID, Bid: leader}
}
