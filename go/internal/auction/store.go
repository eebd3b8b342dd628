package auction

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Fetcher loads an authoritative snapshot over the request/response API
type Fetcher interface {
	FetchAuction(ctx context.Context, auctionID string) (*Snapshot, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context, auctionID string) (*Snapshot, error)

func (f FetcherFunc) FetchAuction(ctx context.Context, auctionID string) (*Snapshot, error) {
	return f(ctx, auctionID)
}

// Store holds the local snapshot of one auction and reconciles pushed events
// with REST snapshots.
//
// Push events and REST results are merged per field group: the bid group
// (current price, top bids) and the time group (end time, status). A REST
// result never overwrites a group that received a push event after the fetch
// started. Events carrying a version are applied only when newer than the last
// applied version for their group; unversioned events are last-write-wins.
type Store struct {
	auctionID string
	fetcher   Fetcher

	mu     sync.RWMutex
	snap   *Snapshot
	closed bool

	// bumped on every applied push event, per field group
	bidSeq  uint64
	timeSeq uint64
}

// NewStore creates an empty store for one auction
func NewStore(auctionID string, fetcher Fetcher) *Store {
	return &Store{
		auctionID: auctionID,
		fetcher:   fetcher,
	}
}

// AuctionID returns the id this store tracks
func (s *Store) AuctionID() string {
	return s.auctionID
}

// Initialize performs the first REST load of the snapshot
func (s *Store) Initialize(ctx context.Context) (Snapshot, error) {
	return s.load(ctx, "initialize")
}

// Refresh re-fetches the snapshot and merges it with anything pushed in the meantime
func (s *Store) Refresh(ctx context.Context) (Snapshot, error) {
	return s.load(ctx, "refresh")
}

func (s *Store) load(ctx context.Context, reason string) (Snapshot, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return Snapshot{}, ErrStoreClosed
	}
	bidSeq, timeSeq := s.bidSeq, s.timeSeq
	s.mu.RUnlock()

	fetched, err := s.fetcher.FetchAuction(ctx, s.auctionID)
	if err != nil {
		return Snapshot{}, &FetchError{AuctionID: s.auctionID, Err: err}
	}
	if fetched == nil || fetched.AuctionID != s.auctionID {
		return Snapshot{}, &FetchError{AuctionID: s.auctionID, Err: ErrMalformedAuction}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The caller went away while the request was in flight
	if s.closed {
		log.Debug().Str("auction_id", s.auctionID).Str("reason", reason).Msg("discarding fetch result for closed store")
		return Snapshot{}, ErrStoreClosed
	}

	next := s.mergeLocked(*fetched, bidSeq, timeSeq)

	log.Debug().
		Str("auction_id", s.auctionID).
		Str("reason", reason).
		Str("current_price", next.CurrentPrice.String()).
		Int("top_bids", len(next.TopBids)).
		Msg("auction snapshot loaded")

	return next.clone(), nil
}

// Seed installs a snapshot obtained without a fetch, such as a listing entry.
// Field groups already set by push events are kept.
func (s *Store) Seed(snap Snapshot) error {
	if snap.AuctionID != s.auctionID {
		return &FetchError{AuctionID: s.auctionID, Err: ErrMalformedAuction}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	next := s.mergeLocked(snap, 0, 0)
	log.Debug().
		Str("auction_id", s.auctionID).
		Str("current_price", next.CurrentPrice.String()).
		Msg("auction snapshot seeded")
	return nil
}

// mergeLocked installs fetched as the snapshot. A field group whose push
// sequence moved past the given one keeps its pushed values. Callers hold s.mu.
func (s *Store) mergeLocked(fetched Snapshot, bidSeq, timeSeq uint64) Snapshot {
	next := fetched.clone()
	next.TopBids = rankBids(next.TopBids)

	if s.snap != nil {
		next.Pending = s.snap.Pending
		if s.bidSeq != bidSeq {
			next.CurrentPrice = s.snap.CurrentPrice
			next.TopBids = s.snap.TopBids
			next.BidVersion = s.snap.BidVersion
			log.Debug().Str("auction_id", s.auctionID).Msg("keeping pushed bids over stale fetch")
		}
		if s.timeSeq != timeSeq {
			next.EndTime = s.snap.EndTime
			next.Status = s.snap.Status
			next.TimeVersion = s.snap.TimeVersion
			log.Debug().Str("auction_id", s.auctionID).Msg("keeping pushed end time over stale fetch")
		}
		if next.BidVersion < s.snap.BidVersion {
			next.BidVersion = s.snap.BidVersion
		}
		if next.TimeVersion < s.snap.TimeVersion {
			next.TimeVersion = s.snap.TimeVersion
		}
	}
	s.snap = &next
	return next
}

// ApplyBidUpdate replaces the current price and top bids when the event belongs
// to this auction. It reports whether the event was applied.
func (s *Store) ApplyBidUpdate(ev BidUpdate) bool {
	if ev.AuctionID != s.auctionID {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	snap := s.ensureLocked()
	if ev.Version > 0 && ev.Version <= snap.BidVersion {
		log.Debug().
			Str("auction_id", s.auctionID).
			Int64("version", ev.Version).
			Int64("applied_version", snap.BidVersion).
			Msg("ignoring stale bid update")
		return false
	}

	snap.CurrentPrice = ev.CurrentPrice
	snap.TopBids = rankBids(ev.TopBids)
	if ev.Version > 0 {
		snap.BidVersion = ev.Version
	}
	if leader, ok := snap.Leader(); ok && !leader.Amount.Equal(snap.CurrentPrice) {
		log.Warn().
			Str("auction_id", s.auctionID).
			Str("current_price", snap.CurrentPrice.String()).
			Str("leader_amount", leader.Amount.String()).
			Msg("bid update leader does not match current price")
	}

	if snap.Pending != nil {
		confirmed := false
		for _, b := range snap.TopBids {
			if b.BidderID == snap.Pending.BidderID && b.Amount.Equal(snap.Pending.Amount) {
				confirmed = true
				break
			}
		}
		log.Debug().
			Str("auction_id", s.auctionID).
			Str("amount", snap.Pending.Amount.String()).
			Bool("confirmed", confirmed).
			Msg("pending bid reconciled")
		snap.Pending = nil
	}

	s.bidSeq++
	return true
}

// ApplyTimeUpdate updates the end time and status when the event belongs to this auction.
// A new end time re-opens an auction the countdown already considered expired.
func (s *Store) ApplyTimeUpdate(ev TimeUpdate) bool {
	if ev.AuctionID != s.auctionID {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	snap := s.ensureLocked()
	if ev.Version > 0 && ev.Version <= snap.TimeVersion {
		log.Debug().
			Str("auction_id", s.auctionID).
			Int64("version", ev.Version).
			Msg("ignoring stale time update")
		return false
	}

	if !ev.EndTime.IsZero() {
		end := ev.EndTime
		snap.EndTime = &end
	}
	if ev.Status != "" {
		snap.Status = ev.Status
	}
	if ev.Version > 0 {
		snap.TimeVersion = ev.Version
	}

	s.timeSeq++
	return true
}

// SetPending records the optimistic bid announced by this client
func (s *Store) SetPending(b Bid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	pending := b
	s.ensureLocked().Pending = &pending
}

// Snapshot returns a copy of the current state. The bool is false until
// anything has been loaded or pushed.
func (s *Store) Snapshot() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap == nil {
		return Snapshot{}, false
	}
	return s.snap.clone(), true
}

// Close stops the store from accepting further results
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Closed reports whether Close has been called
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// ensureLocked returns the snapshot, creating a partial one when a push event
// arrives before the first fetch completes. Callers hold s.mu.
func (s *Store) ensureLocked() *Snapshot {
	if s.snap == nil {
		s.snap = &Snapshot{AuctionID: s.auctionID, Status: StatusPending}
	}
	return s.snap
}
