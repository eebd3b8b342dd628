package live

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/winningbid/go/internal/auction"
	"github.com/mcdev12/winningbid/go/internal/channel"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu       sync.Mutex
	handlers map[channel.EventType][]channel.Handler
	hooks    []func()
	joins    []string
	leaves   []string
	holds    int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[channel.EventType][]channel.Handler)}
}

func (c *fakeChannel) Hold() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holds++
}

func (c *fakeChannel) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holds--
}

func (c *fakeChannel) held() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holds
}

func (c *fakeChannel) Join(room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joins = append(c.joins, room)
	return nil
}

func (c *fakeChannel) Leave(room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaves = append(c.leaves, room)
	return nil
}

func (c *fakeChannel) On(eventType channel.EventType, handler channel.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], handler)
	return func() {}
}

func (c *fakeChannel) OnReconnect(hook func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
	return func() {}
}

func (c *fakeChannel) push(t *testing.T, eventType channel.EventType, room string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	c.mu.Lock()
	handlers := append([]channel.Handler(nil), c.handlers[eventType]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(channel.Envelope{Type: eventType, Room: room, Data: data})
	}
}

func (c *fakeChannel) reconnect() {
	c.mu.Lock()
	hooks := append([]func(){}, c.hooks...)
	c.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}

func (c *fakeChannel) rooms() ([]string, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.joins...), append([]string(nil), c.leaves...)
}

type fakeFetcher struct {
	calls int32
	fetch func(id string) (*auction.Snapshot, error)
}

func (f *fakeFetcher) FetchAuction(ctx context.Context, id string) (*auction.Snapshot, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.fetch(id)
}

func (f *fakeFetcher) count() int {
	return int(atomic.LoadInt32(&f.calls))
}

func snapshotAt(price int64, end time.Time, bids ...auction.Bid) func(id string) (*auction.Snapshot, error) {
	return func(id string) (*auction.Snapshot, error) {
		return &auction.Snapshot{
			AuctionID:     id,
			StartingPrice: decimal.NewFromInt(100),
			CurrentPrice:  decimal.NewFromInt(price),
			TopBids:       bids,
			EndTime:       &end,
			Status:        auction.StatusActive,
		}, nil
	}
}

func TestRegistrySharesStore(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{fetch: snapshotAt(100, time.Now().Add(time.Hour))}
	r := NewRegistry(fetcher, ch)
	ctx := context.Background()

	first, err := r.Acquire(ctx, "p1")
	require.NoError(t, err)
	second, err := r.Acquire(ctx, "p1")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, fetcher.count())
	assert.Equal(t, map[string]int{"p1": 2}, r.Held())

	r.Release("p1")
	assert.False(t, first.Closed())
	_, leaves := ch.rooms()
	assert.Empty(t, leaves)

	r.Release("p1")
	assert.True(t, first.Closed())
	joins, leaves := ch.rooms()
	assert.Equal(t, []string{"p1"}, joins)
	assert.Equal(t, []string{"p1"}, leaves)
	assert.Empty(t, r.Held())
}

func TestRegistryInitFailureHoldsNothing(t *testing.T) {
	ch := newFakeChannel()
	boom := errors.New("503 service unavailable")
	r := NewRegistry(&fakeFetcher{fetch: func(string) (*auction.Snapshot, error) { return nil, boom }}, ch)

	_, err := r.Acquire(context.Background(), "p1")

	var fetchErr *auction.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, r.Held())
	_, leaves := ch.rooms()
	assert.Equal(t, []string{"p1"}, leaves, "room joined during setup is left on failure")
	assert.Zero(t, ch.held(), "channel reference taken during setup is returned on failure")
}

func TestRegistryHoldsChannelPerAuction(t *testing.T) {
	ch := newFakeChannel()
	r := NewRegistry(&fakeFetcher{fetch: snapshotAt(100, time.Now().Add(time.Hour))}, ch)
	ctx := context.Background()

	_, err := r.Acquire(ctx, "p1")
	require.NoError(t, err)
	_, err = r.Acquire(ctx, "p1")
	require.NoError(t, err)
	_, err = r.Acquire(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, 2, ch.held(), "one channel reference per held auction")

	r.Release("p1")
	assert.Equal(t, 2, ch.held())
	r.Release("p1")
	assert.Equal(t, 1, ch.held())

	r.Close()
	assert.Zero(t, ch.held())
}

func TestAcquireSeededSkipsFetch(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{fetch: snapshotAt(100, time.Now().Add(time.Hour))}
	r := NewRegistry(fetcher, ch)
	defer r.Close()
	ctx := context.Background()

	end := time.Now().Add(30 * time.Minute)
	seed := &auction.Snapshot{
		AuctionID:     "p1",
		StartingPrice: decimal.NewFromInt(100),
		CurrentPrice:  decimal.NewFromInt(120),
		EndTime:       &end,
		Status:        auction.StatusActive,
	}

	store, err := r.AcquireSeeded(ctx, "p1", seed)
	require.NoError(t, err)
	assert.Zero(t, fetcher.count())
	snap, ok := store.Snapshot()
	require.True(t, ok)
	assert.True(t, snap.CurrentPrice.Equal(decimal.NewFromInt(120)))

	// a held auction keeps its store and ignores the second seed
	stale := *seed
	stale.CurrentPrice = decimal.NewFromInt(101)
	again, err := r.AcquireSeeded(ctx, "p1", &stale)
	require.NoError(t, err)
	assert.Same(t, store, again)
	snap, _ = again.Snapshot()
	assert.True(t, snap.CurrentPrice.Equal(decimal.NewFromInt(120)))

	_, err = r.AcquireSeeded(ctx, "p2", seed)
	assert.Error(t, err, "seed for another auction is rejected")
	_, held := r.Held()["p2"]
	assert.False(t, held)
}

func TestRegistryReconnectDuringClose(t *testing.T) {
	ch := newFakeChannel()
	r := NewRegistry(&fakeFetcher{fetch: snapshotAt(100, time.Now().Add(time.Hour))}, ch)
	_, err := r.Acquire(context.Background(), "p1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			ch.reconnect()
		}
	}()
	go func() {
		defer wg.Done()
		r.Close()
	}()
	wg.Wait()

	assert.Empty(t, r.Held())
	_, err = r.Acquire(context.Background(), "p1")
	assert.ErrorIs(t, err, auction.ErrStoreClosed)
}

func TestRegistryRoutesEventsByAuction(t *testing.T) {
	ch := newFakeChannel()
	r := NewRegistry(&fakeFetcher{fetch: snapshotAt(100, time.Now().Add(time.Hour))}, ch)
	ctx := context.Background()

	_, err := r.Acquire(ctx, "p1")
	require.NoError(t, err)
	_, err = r.Acquire(ctx, "p2")
	require.NoError(t, err)

	ch.push(t, channel.EventTypeBidUpdate, "p2", auction.BidUpdate{
		AuctionID:    "p2",
		CurrentPrice: decimal.NewFromInt(180),
		TopBids:      []auction.Bid{{BidderID: "u9", Amount: decimal.NewFromInt(180)}},
	})

	a, _ := r.Snapshot("p1")
	b, _ := r.Snapshot("p2")
	assert.True(t, a.CurrentPrice.Equal(decimal.NewFromInt(100)), "p1 untouched by p2's event")
	assert.True(t, b.CurrentPrice.Equal(decimal.NewFromInt(180)))

	// events for auctions nobody holds are ignored
	ch.push(t, channel.EventTypeBidUpdate, "p3", auction.BidUpdate{AuctionID: "p3", CurrentPrice: decimal.NewFromInt(1)})
	_, held := r.Snapshot("p3")
	assert.False(t, held)
}

func TestRegistryRefreshesOnReconnect(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{fetch: snapshotAt(100, time.Now().Add(time.Hour))}
	r := NewRegistry(fetcher, ch)
	defer r.Close()

	watch := func() <-chan struct{} {
		_, err := r.Acquire(context.Background(), "p1")
		require.NoError(t, err)
		w, _ := r.Watch("p1")
		return w
	}()

	fetcher.fetch = snapshotAt(250, time.Now().Add(time.Hour))
	ch.reconnect()

	select {
	case <-watch:
	case <-time.After(2 * time.Second):
		t.Fatal("no change signaled after reconnect")
	}
	assert.Equal(t, 2, fetcher.count())
	snap, _ := r.Snapshot("p1")
	assert.True(t, snap.CurrentPrice.Equal(decimal.NewFromInt(250)))
}

func waitFor(t *testing.T, v *View, cond func(ViewState) bool) ViewState {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case state, ok := <-v.Updates():
			require.True(t, ok, "view closed")
			if cond(state) {
				return state
			}
		case <-timeout:
			t.Fatalf("condition not reached, last state %+v", v.Current())
		}
	}
}

func TestViewExpiryWinnerAndExtension(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClock()
	start := clock.Now()
	leader := auction.Bid{BidderID: "u1", Amount: decimal.NewFromInt(150)}
	ch := newFakeChannel()
	r := NewRegistry(&fakeFetcher{fetch: snapshotAt(150, start.Add(2*time.Second), leader)}, ch)

	v, err := Open(ctx, r, "p1", "u1", ViewOptions{Interval: time.Second, Clock: clock})
	require.NoError(t, err)
	defer v.Close()

	initial := v.Current()
	assert.True(t, initial.Loaded)
	assert.False(t, initial.Expired)
	assert.Equal(t, int64(2), initial.Countdown.Seconds)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(2 * time.Second)

	ended := waitFor(t, v, func(s ViewState) bool { return s.Expired })
	require.NotNil(t, ended.Winner)
	assert.Equal(t, "u1", ended.Winner.Bid.BidderID)

	extended := clock.Now().Add(time.Hour)
	ch.push(t, channel.EventTypeTimeUpdate, "p1", auction.TimeUpdate{
		AuctionID: "p1",
		EndTime:   extended,
		Status:    auction.StatusActive,
	})

	reopened := waitFor(t, v, func(s ViewState) bool { return !s.Expired })
	assert.Nil(t, reopened.Winner)
	assert.Equal(t, int64(1), reopened.Countdown.Hours)
}

func TestViewNoWinnerForOtherActor(t *testing.T) {
	clock := clockwork.NewFakeClock()
	leader := auction.Bid{BidderID: "u1", Amount: decimal.NewFromInt(150)}
	r := NewRegistry(&fakeFetcher{fetch: snapshotAt(150, clock.Now().Add(-time.Second), leader)}, newFakeChannel())

	v, err := Open(context.Background(), r, "p1", "u2", ViewOptions{Clock: clock})
	require.NoError(t, err)
	defer v.Close()

	state := v.Current()
	assert.True(t, state.Expired)
	assert.Nil(t, state.Winner)
}

func TestViewUnsoldAuction(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewRegistry(&fakeFetcher{fetch: snapshotAt(100, clock.Now().Add(-time.Second))}, newFakeChannel())

	v, err := Open(context.Background(), r, "p1", "u1", ViewOptions{Clock: clock})
	require.NoError(t, err)
	defer v.Close()

	assert.True(t, v.Current().Expired)
	assert.Nil(t, v.Current().Winner)
}

func TestViewCloseReleases(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ch := newFakeChannel()
	r := NewRegistry(&fakeFetcher{fetch: snapshotAt(100, clock.Now().Add(time.Hour))}, ch)

	v, err := Open(context.Background(), r, "p1", "u1", ViewOptions{Clock: clock})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"p1": 1}, r.Held())

	v.Close()
	v.Close()
	assert.Empty(t, r.Held())

	for range v.Updates() {
	}
	_, leaves := ch.rooms()
	assert.Equal(t, []string{"p1"}, leaves)
}

func TestOpenFailureHoldsNothing(t *testing.T) {
	r := NewRegistry(&fakeFetcher{fetch: func(string) (*auction.Snapshot, error) {
		return nil, errors.New("timeout")
	}}, newFakeChannel())

	_, err := Open(context.Background(), r, "p1", "u1", ViewOptions{Clock: clockwork.NewFakeClock()})
	assert.Error(t, err)
	assert.Empty(t, r.Held())
}
