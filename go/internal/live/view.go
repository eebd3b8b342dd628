package live

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/winningbid/go/internal/auction"
	"github.com/rs/zerolog/log"
)

// DefaultTickInterval is how often the countdown is recomputed
const DefaultTickInterval = time.Second

// ViewState is what a screen renders for one auction
type ViewState struct {
	AuctionID string            `json:"auction_id"`
	Snapshot  auction.Snapshot  `json:"snapshot"`
	Loaded    bool              `json:"loaded"`
	Countdown auction.Remaining `json:"countdown"`
	Expired   bool              `json:"expired"`
	Winner    *auction.Winner   `json:"winner,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ViewOptions configures a View
type ViewOptions struct {
	Interval time.Duration
	Clock    clockwork.Clock
}

// View is one screen context watching an auction. It holds a registry reference
// from Open until Close and publishes a new ViewState on every tick and every
// applied event.
type View struct {
	registry  *Registry
	auctionID string
	actorID   string
	clock     clockwork.Clock
	interval  time.Duration

	countdown auction.Countdown
	expired   bool

	mu      sync.RWMutex
	current ViewState

	updates   chan ViewState
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Open acquires the auction and starts ticking. If the auction cannot be
// loaded, nothing is held and the error is returned.
func Open(ctx context.Context, registry *Registry, auctionID, actorID string, opts ViewOptions) (*View, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultTickInterval
	}

	if _, err := registry.Acquire(ctx, auctionID); err != nil {
		return nil, err
	}

	v := &View{
		registry:  registry,
		auctionID: auctionID,
		actorID:   actorID,
		clock:     opts.Clock,
		interval:  opts.Interval,
		updates:   make(chan ViewState, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	watch, unwatch := registry.Watch(auctionID)
	v.refresh()

	go v.run(watch, unwatch)
	return v, nil
}

// Updates delivers the latest state. Slow readers only ever miss intermediate states.
func (v *View) Updates() <-chan ViewState {
	return v.updates
}

// Current returns the most recently computed state
func (v *View) Current() ViewState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// AuctionID returns the watched auction
func (v *View) AuctionID() string {
	return v.auctionID
}

// Close stops ticking and releases the auction. It is safe to call more than once.
func (v *View) Close() {
	v.closeOnce.Do(func() {
		close(v.stop)
		<-v.done
		v.registry.Release(v.auctionID)
	})
}

func (v *View) run(watch <-chan struct{}, unwatch func()) {
	ticker := v.clock.NewTicker(v.interval)
	defer func() {
		ticker.Stop()
		unwatch()
		close(v.updates)
		close(v.done)
	}()

	for {
		select {
		case <-v.stop:
			return
		case <-ticker.Chan():
			v.refresh()
		case _, ok := <-watch:
			if !ok {
				// released elsewhere, keep ticking the last snapshot
				watch = nil
				continue
			}
			v.refresh()
		}
	}
}

// refresh recomputes the state from the store and publishes it
func (v *View) refresh() {
	now := v.clock.Now()
	snap, loaded := v.registry.Snapshot(v.auctionID)

	var endTime *time.Time
	if loaded {
		endTime = snap.EndTime
	}
	remaining, tripped := v.countdown.Observe(endTime, now)
	expired := v.countdown.Expired() || (loaded && snap.Status.IsTerminal())
	if expired {
		remaining = auction.Remaining{Expired: true}
	}

	state := ViewState{
		AuctionID: v.auctionID,
		Snapshot:  snap,
		Loaded:    loaded,
		Countdown: remaining,
		Expired:   expired,
		UpdatedAt: now,
	}

	if expired {
		state.Winner = auction.ResolveWinner(snap, v.actorID, now)
		if tripped || !v.expired {
			ev := log.Info().Str("auction_id", v.auctionID)
			if state.Winner != nil {
				ev = ev.Str("winning_bid", state.Winner.Bid.Amount.String())
			}
			ev.Bool("won", state.Winner != nil).Msg("auction ended")
		}
	} else if v.expired {
		log.Info().Str("auction_id", v.auctionID).Msg("auction reopened")
	}
	v.expired = expired

	v.mu.Lock()
	v.current = state
	v.mu.Unlock()

	select {
	case v.updates <- state:
	default:
		// replace the unread state with the newer one
		select {
		case <-v.updates:
		default:
		}
		select {
		case v.updates <- state:
		default:
		}
	}
}
