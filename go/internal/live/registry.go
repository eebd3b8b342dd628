package live

import (
	"context"
	"sync"
	"time"

	"github.com/mcdev12/winningbid/go/internal/auction"
	"github.com/mcdev12/winningbid/go/internal/channel"
	"github.com/rs/zerolog/log"
)

// Channel is the subset of the channel manager the registry needs
type Channel interface {
	Hold()
	Release()
	Join(room string) error
	Leave(room string) error
	On(eventType channel.EventType, handler channel.Handler) func()
	OnReconnect(hook func()) func()
}

// RefreshTimeout bounds each reconciliation fetch after a reconnect
const RefreshTimeout = 15 * time.Second

type entry struct {
	store *auction.Store
	refs  int

	ready chan struct{}
	err   error

	watchers map[int]chan struct{}
}

// Registry funnels every subscriber of an auction through one shared store.
// Stores are reference counted: the first Acquire holds the channel, joins the
// auction room and loads the snapshot; the last Release leaves the room, lets
// go of the channel and closes the store.
type Registry struct {
	fetcher auction.Fetcher
	channel Channel

	mu      sync.Mutex
	entries map[string]*entry
	nextID  int
	closed  bool

	unsubscribe []func()
	ctx         context.Context
	cancel      context.CancelFunc
	refreshing  sync.WaitGroup
}

// NewRegistry creates a registry and routes the channel's auction events into it
func NewRegistry(fetcher auction.Fetcher, ch Channel) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		fetcher: fetcher,
		channel: ch,
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}

	r.unsubscribe = append(r.unsubscribe,
		ch.On(channel.EventTypeBidUpdate, r.handleEvent),
		ch.On(channel.EventTypeTimeUpdate, r.handleEvent),
		ch.OnReconnect(r.refreshAll),
	)
	return r
}

// Acquire returns the shared store for an auction, loading it on first use.
// On error no reference is held.
func (r *Registry) Acquire(ctx context.Context, auctionID string) (*auction.Store, error) {
	return r.acquire(ctx, auctionID, func(ctx context.Context, store *auction.Store) error {
		_, err := store.Initialize(ctx)
		return err
	})
}

// AcquireSeeded is Acquire for callers that already hold a listing snapshot.
// A store created here starts from seed instead of a fetch; an auction already
// held keeps its store. Reconnects still reconcile it with a full fetch.
func (r *Registry) AcquireSeeded(ctx context.Context, auctionID string, seed *auction.Snapshot) (*auction.Store, error) {
	if seed == nil {
		return r.Acquire(ctx, auctionID)
	}
	return r.acquire(ctx, auctionID, func(ctx context.Context, store *auction.Store) error {
		return store.Seed(*seed)
	})
}

func (r *Registry) acquire(ctx context.Context, auctionID string, init func(ctx context.Context, store *auction.Store) error) (*auction.Store, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, auction.ErrStoreClosed
	}
	if e, ok := r.entries[auctionID]; ok {
		e.refs++
		r.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			r.release(auctionID, e)
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.store, nil
	}

	e := &entry{
		store:    auction.NewStore(auctionID, r.fetcher),
		refs:     1,
		ready:    make(chan struct{}),
		watchers: make(map[int]chan struct{}),
	}
	r.entries[auctionID] = e
	r.mu.Unlock()

	// Join before the load so pushes racing the REST call are not lost
	r.channel.Hold()
	if err := r.channel.Join(auctionID); err != nil {
		log.Warn().Err(err).Str("auction_id", auctionID).Msg("joined auction without live updates")
	}

	if err := init(ctx, e.store); err != nil {
		log.Error().Err(err).Str("auction_id", auctionID).Msg("failed to load auction")

		r.mu.Lock()
		e.err = err
		if r.entries[auctionID] == e {
			delete(r.entries, auctionID)
		}
		r.mu.Unlock()
		close(e.ready)

		e.store.Close()
		r.unsubscribeRoom(auctionID)
		return nil, err
	}

	close(e.ready)
	r.notify(e)

	log.Info().Str("auction_id", auctionID).Msg("auction subscribed")
	return e.store, nil
}

func (r *Registry) unsubscribeRoom(auctionID string) {
	if err := r.channel.Leave(auctionID); err != nil {
		log.Warn().Err(err).Str("auction_id", auctionID).Msg("failed to leave auction room")
	}
	r.channel.Release()
}

// Release drops one reference taken by Acquire
func (r *Registry) Release(auctionID string) {
	r.mu.Lock()
	e := r.entries[auctionID]
	r.mu.Unlock()
	if e == nil {
		return
	}
	r.release(auctionID, e)
}

func (r *Registry) release(auctionID string, e *entry) {
	r.mu.Lock()
	if e.refs == 0 {
		r.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}
	if r.entries[auctionID] == e {
		delete(r.entries, auctionID)
	}
	watchers := e.watchers
	e.watchers = nil
	r.mu.Unlock()

	for _, w := range watchers {
		close(w)
	}
	e.store.Close()
	r.unsubscribeRoom(auctionID)

	log.Info().Str("auction_id", auctionID).Msg("auction unsubscribed")
}

// Store returns the shared store for an auction that is currently held
func (r *Registry) Store(auctionID string) (*auction.Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[auctionID]
	if !ok {
		return nil, false
	}
	return e.store, true
}

// Snapshot returns the current snapshot of a held auction
func (r *Registry) Snapshot(auctionID string) (auction.Snapshot, bool) {
	store, ok := r.Store(auctionID)
	if !ok {
		return auction.Snapshot{}, false
	}
	return store.Snapshot()
}

// Watch returns a channel signaled after every change applied to the auction's
// store. It is closed when the auction is released for the last time.
func (r *Registry) Watch(auctionID string) (<-chan struct{}, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan struct{}, 1)
	e, ok := r.entries[auctionID]
	if !ok || e.watchers == nil {
		close(ch)
		return ch, func() {}
	}

	r.nextID++
	id := r.nextID
	e.watchers[id] = ch

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := e.watchers[id]; ok {
			delete(e.watchers, id)
			close(ch)
		}
	}
}

// Held returns the ids of all auctions with at least one reference
func (r *Registry) Held() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.refs
	}
	return out
}

// Close stops routing events and closes every store
func (r *Registry) Close() {
	for _, unsubscribe := range r.unsubscribe {
		unsubscribe()
	}
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.refreshing.Wait()

	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for id, e := range entries {
		r.mu.Lock()
		e.refs = 1
		r.mu.Unlock()
		r.release(id, e)
	}
}

func (r *Registry) handleEvent(env channel.Envelope) {
	payload, err := channel.ParseEventPayload(env)
	if err != nil {
		log.Warn().
			Err(err).
			Str("event_type", string(env.Type)).
			Str("room", env.Room).
			Msg("dropping malformed auction event")
		return
	}

	var auctionID string
	switch ev := payload.(type) {
	case auction.BidUpdate:
		auctionID = ev.AuctionID
	case auction.TimeUpdate:
		auctionID = ev.AuctionID
	default:
		return
	}

	r.mu.Lock()
	e := r.entries[auctionID]
	r.mu.Unlock()
	if e == nil {
		log.Debug().Str("auction_id", auctionID).Msg("event for auction not held")
		return
	}

	var applied bool
	switch ev := payload.(type) {
	case auction.BidUpdate:
		applied = e.store.ApplyBidUpdate(ev)
	case auction.TimeUpdate:
		applied = e.store.ApplyTimeUpdate(ev)
	}
	if applied {
		r.notify(e)
	}
}

// refreshAll reconciles every held store once after a reconnect, replacing polling
func (r *Registry) refreshAll() {
	r.mu.Lock()
	if r.closed || len(r.entries) == 0 {
		r.mu.Unlock()
		return
	}
	held := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		held = append(held, e)
	}
	// Add under mu so it cannot race Close's Wait
	r.refreshing.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.refreshing.Done()
		for _, e := range held {
			select {
			case <-e.ready:
			case <-r.ctx.Done():
				return
			}
			if e.err != nil {
				continue
			}

			ctx, cancel := context.WithTimeout(r.ctx, RefreshTimeout)
			_, err := e.store.Refresh(ctx)
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("auction_id", e.store.AuctionID()).Msg("reconnect refresh failed")
				continue
			}
			r.notify(e)
		}
		log.Info().Int("auctions", len(held)).Msg("auctions reconciled after reconnect")
	}()
}

func (r *Registry) notify(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range e.watchers {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}
