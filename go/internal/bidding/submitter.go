package bidding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/winningbid/go/clients"
	"github.com/mcdev12/winningbid/go/clients/winningbid_client"
	"github.com/mcdev12/winningbid/go/internal/auction"
	"github.com/mcdev12/winningbid/go/internal/channel"
	"github.com/mcdev12/winningbid/go/internal/session"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Actor is the user placing a bid
type Actor struct {
	ID   string
	Name string
}

// Authenticated reports whether the actor identifies a signed-in user
func (a Actor) Authenticated() bool {
	return a.ID != ""
}

// ActorFromSession builds the actor for the signed-in user, or an anonymous actor
func ActorFromSession(s *session.Session, name string) Actor {
	if s == nil || !s.Authenticated() {
		return Actor{}
	}
	return Actor{ID: s.UserID(), Name: name}
}

// Placer sends the authoritative bid request
type Placer interface {
	PlaceBid(ctx context.Context, req winningbid_client.PlaceBidRequest) error
}

// Announcer broadcasts the optimistic bid to other connected clients
type Announcer interface {
	Emit(env channel.Envelope) error
}

// Stores looks up the live store for an auction
type Stores interface {
	Store(auctionID string) (*auction.Store, bool)
}

// Config tunes local validation and rate limiting
type Config struct {
	Cooldown      time.Duration
	MaxMultiplier decimal.Decimal
}

// DefaultConfig returns the 3 second cooldown and the 4x ceiling
func DefaultConfig() Config {
	return Config{
		Cooldown:      DefaultCooldown,
		MaxMultiplier: DefaultMaxMultiplier,
	}
}

// Receipt describes a bid the server accepted
type Receipt struct {
	AuctionID     string      `json:"auction_id"`
	Bid           auction.Bid `json:"bid"`
	CooldownUntil time.Time   `json:"cooldown_until"`
}

// Submitter validates, rate-limits and submits bids
type Submitter struct {
	stores    Stores
	placer    Placer
	announcer Announcer
	cooldown  *Cooldown
	clock     clockwork.Clock
	config    Config
}

// NewSubmitter creates a submitter. announcer may be nil to skip the optimistic
// broadcast; a nil clock uses the real clock.
func NewSubmitter(stores Stores, placer Placer, announcer Announcer, config Config, clock clockwork.Clock) *Submitter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if !config.MaxMultiplier.IsPositive() {
		config.MaxMultiplier = DefaultMaxMultiplier
	}
	return &Submitter{
		stores:    stores,
		placer:    placer,
		announcer: announcer,
		cooldown:  NewCooldown(config.Cooldown, clock),
		clock:     clock,
		config:    config,
	}
}

// Cooldown exposes the submitter's rate limiter
func (s *Submitter) Cooldown() *Cooldown {
	return s.cooldown
}

// SubmitBid checks, in order, authentication, the cooldown, that the auction is
// loaded, and the amount bounds. Local failures never reach the network and do
// not engage the cooldown, so a corrected amount can be resubmitted at once;
// only failures after the bid is sent leave the cooldown engaged.
// Once the checks pass the cooldown engages, the bid is
// recorded as pending on the store, announced best-effort over the live
// channel, and sent to the server. The snapshot's price only changes when the
// next authoritative bidUpdate arrives.
func (s *Submitter) SubmitBid(ctx context.Context, auctionID string, amount decimal.Decimal, actor Actor) (*Receipt, error) {
	if !actor.Authenticated() {
		return nil, ErrAuthRequired
	}
	if remaining := s.cooldown.Remaining(actor.ID); remaining > 0 {
		return nil, fmt.Errorf("%w: retry in %s", ErrRateLimited, remaining.Round(time.Millisecond))
	}

	store, ok := s.stores.Store(auctionID)
	if !ok {
		return nil, auction.ErrNotLoaded
	}
	snap, ok := store.Snapshot()
	if !ok {
		return nil, auction.ErrNotLoaded
	}
	if err := ValidateAmount(snap, amount, s.config.MaxMultiplier); err != nil {
		log.Debug().
			Err(err).
			Str("auction_id", auctionID).
			Str("amount", amount.String()).
			Msg("bid failed local validation")
		return nil, err
	}

	if remaining, engaged := s.cooldown.TryEngage(actor.ID); !engaged {
		return nil, fmt.Errorf("%w: retry in %s", ErrRateLimited, remaining.Round(time.Millisecond))
	}

	bid := auction.Bid{
		BidderID:   actor.ID,
		BidderName: actor.Name,
		Amount:     amount,
		Timestamp:  s.clock.Now().UTC(),
	}
	store.SetPending(bid)
	s.announce(auctionID, bid)

	err := s.placer.PlaceBid(ctx, winningbid_client.PlaceBidRequest{
		ProductID: auctionID,
		UserID:    actor.ID,
		BidAmount: amount,
		Timestamp: bid.Timestamp,
	})
	if err != nil {
		err = classify(auctionID, amount, err)
		log.Warn().
			Err(err).
			Str("auction_id", auctionID).
			Str("user_id", actor.ID).
			Str("amount", amount.String()).
			Msg("bid submission failed")
		return nil, err
	}

	log.Info().
		Str("auction_id", auctionID).
		Str("user_id", actor.ID).
		Str("amount", amount.String()).
		Msg("bid submitted")

	return &Receipt{
		AuctionID:     auctionID,
		Bid:           bid,
		CooldownUntil: s.cooldown.Until(actor.ID),
	}, nil
}

func (s *Submitter) announce(auctionID string, bid auction.Bid) {
	if s.announcer == nil {
		return
	}
	env, err := channel.NewEnvelope(channel.CommandNewBid, auctionID, channel.BidAnnouncement{
		AuctionID: auctionID,
		Bid:       bid,
	})
	if err == nil {
		err = s.announcer.Emit(env)
	}
	if err != nil {
		log.Warn().Err(err).Str("auction_id", auctionID).Msg("optimistic bid announcement not sent")
	}
}

// classify maps a transport failure onto the bidding error taxonomy
func classify(auctionID string, amount decimal.Decimal, err error) error {
	var apiErr *clients.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("submit bid: %w", err)
	}

	switch {
	case apiErr.Unauthorized():
		return fmt.Errorf("%w: %v", ErrAuthRequired, apiErr)
	case apiErr.StatusCode >= http.StatusBadRequest && apiErr.StatusCode < http.StatusInternalServerError:
		return &BidRejectedError{
			AuctionID:  auctionID,
			Amount:     amount,
			Message:    apiErr.Message,
			StatusCode: apiErr.StatusCode,
		}
	default:
		return fmt.Errorf("submit bid: %w", err)
	}
}
