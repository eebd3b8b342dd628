package auction

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TopBidsWindow is how many ranked bids a snapshot keeps for display
const TopBidsWindow = 3

// Status mirrors the server-side auction status. The client never transitions it on its own.
type Status string

const (
	StatusPending  Status = "pendiente"
	StatusActive   Status = "activa"
	StatusFinished Status = "finalizada"
)

// ParseStatus normalizes the status strings the backend has been seen to send
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "pendiente", "pending":
		return StatusPending
	case "activa", "active", "en curso", "open":
		return StatusActive
	case "finalizada", "finished", "expired", "cerrada", "closed", "vendida", "sold":
		return StatusFinished
	default:
		return Status(raw)
	}
}

// IsTerminal reports whether the auction can no longer accept bids
func (s Status) IsTerminal() bool {
	return ParseStatus(string(s)) == StatusFinished
}

// UnmarshalText lets JSON payloads carry any of the known spellings
func (s *Status) UnmarshalText(text []byte) error {
	*s = ParseStatus(string(text))
	return nil
}

// Bid is an immutable bid value, either ranked in a snapshot or submitted speculatively
type Bid struct {
	BidderID   string          `json:"userId"`
	BidderName string          `json:"userName,omitempty"`
	Amount     decimal.Decimal `json:"bidAmount"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Snapshot is the client's local copy of one auction's state
type Snapshot struct {
	AuctionID     string          `json:"auction_id"`
	StartingPrice decimal.Decimal `json:"starting_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	TopBids       []Bid           `json:"top_bids"`
	EndTime       *time.Time      `json:"end_time,omitempty"`
	Status        Status          `json:"status"`

	// Pending is the optimistic bid announced by this client and not yet
	// reconciled by an authoritative bidUpdate.
	Pending *Bid `json:"pending,omitempty"`

	BidVersion  int64 `json:"bid_version,omitempty"`
	TimeVersion int64 `json:"time_version,omitempty"`
}

// Leader returns the highest bid, if any
func (s Snapshot) Leader() (Bid, bool) {
	if len(s.TopBids) == 0 {
		return Bid{}, false
	}
	return s.TopBids[0], true
}

// Ended reports whether the auction is over, either by server status or by end time
func (s Snapshot) Ended(now time.Time) bool {
	if s.Status.IsTerminal() {
		return true
	}
	return s.EndTime != nil && !now.Before(*s.EndTime)
}

// MinimumBase is the price a new bid has to beat
func (s Snapshot) MinimumBase() decimal.Decimal {
	if s.CurrentPrice.IsPositive() {
		return s.CurrentPrice
	}
	return s.StartingPrice
}

func (s Snapshot) clone() Snapshot {
	out := s
	if s.TopBids != nil {
		out.TopBids = append([]Bid(nil), s.TopBids...)
	}
	if s.EndTime != nil {
		end := *s.EndTime
		out.EndTime = &end
	}
	if s.Pending != nil {
		pending := *s.Pending
		out.Pending = &pending
	}
	return out
}

// rankBids orders bids by amount descending and trims them to the display window
func rankBids(bids []Bid) []Bid {
	ranked := make([]Bid, len(bids))
	copy(ranked, bids)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Amount.GreaterThan(ranked[j].Amount)
	})
	if len(ranked) > TopBidsWindow {
		ranked = ranked[:TopBidsWindow]
	}
	return ranked
}

// BidUpdate is the payload of a pushed bidUpdate event
type BidUpdate struct {
	AuctionID    string          `json:"productId"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	TopBids      []Bid           `json:"topBids"`
	Version      int64           `json:"version,omitempty"`
}

// TimeUpdate is the payload of a pushed auctionTimeUpdate event
type TimeUpdate struct {
	AuctionID string    `json:"productId"`
	EndTime   time.Time `json:"auctionEndTime"`
	Status    Status    `json:"status"`
	Version   int64     `json:"version,omitempty"`
}
