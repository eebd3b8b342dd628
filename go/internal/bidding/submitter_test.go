package bidding

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/winningbid/go/clients"
	"github.com/mcdev12/winningbid/go/clients/winningbid_client"
	"github.com/mcdev12/winningbid/go/internal/auction"
	"github.com/mcdev12/winningbid/go/internal/channel"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeMap map[string]*auction.Store

func (m storeMap) Store(id string) (*auction.Store, bool) {
	s, ok := m[id]
	return s, ok
}

type fakePlacer struct {
	mu       sync.Mutex
	requests []winningbid_client.PlaceBidRequest
	err      error
}

func (p *fakePlacer) PlaceBid(ctx context.Context, req winningbid_client.PlaceBidRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return p.err
}

func (p *fakePlacer) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type fakeAnnouncer struct {
	envs []channel.Envelope
	err  error
}

func (a *fakeAnnouncer) Emit(env channel.Envelope) error {
	a.envs = append(a.envs, env)
	return a.err
}

func loadedStore(t *testing.T, id string, starting, current int64) *auction.Store {
	t.Helper()
	end := time.Now().Add(time.Hour)
	store := auction.NewStore(id, auction.FetcherFunc(func(ctx context.Context, auctionID string) (*auction.Snapshot, error) {
		return &auction.Snapshot{
			AuctionID:     auctionID,
			StartingPrice: decimal.NewFromInt(starting),
			CurrentPrice:  decimal.NewFromInt(current),
			EndTime:       &end,
			Status:        auction.StatusActive,
		}, nil
	}))
	_, err := store.Initialize(context.Background())
	require.NoError(t, err)
	return store
}

func newTestSubmitter(t *testing.T, clock clockwork.Clock) (*Submitter, *fakePlacer, *fakeAnnouncer, *auction.Store) {
	t.Helper()
	store := loadedStore(t, "p1", 100, 100)
	placer := &fakePlacer{}
	announcer := &fakeAnnouncer{}
	s := NewSubmitter(storeMap{"p1": store}, placer, announcer, DefaultConfig(), clock)
	return s, placer, announcer, store
}

var ana = Actor{ID: "u1", Name: "Ana"}

func TestBidBounds(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		wantErr error
	}{
		{"equal to current price", "100", ErrBidTooLow},
		{"below current price", "50", ErrBidTooLow},
		{"zero", "0", ErrBidTooLow},
		{"just above current price", "100.01", nil},
		{"at the ceiling", "400", nil},
		{"just above the ceiling", "400.01", ErrBidTooHigh},
		{"runaway bid", "500", ErrBidTooHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, placer, _, _ := newTestSubmitter(t, clockwork.NewFakeClock())

			_, err := s.SubmitBid(context.Background(), "p1", decimal.RequireFromString(tt.amount), ana)
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, 1, placer.calls())
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 0, placer.calls(), "local validation never reaches the network")
			assert.False(t, s.Cooldown().Active(ana.ID))
		})
	}
}

func TestBoundsFallBackToStartingPrice(t *testing.T) {
	snap := auction.Snapshot{StartingPrice: decimal.NewFromInt(100)}

	b := BoundsFor(snap, DefaultMaxMultiplier)
	assert.True(t, b.Min.Equal(decimal.NewFromInt(100)))
	assert.True(t, b.Max.Equal(decimal.NewFromInt(400)))

	free := auction.Snapshot{}
	assert.NoError(t, ValidateAmount(free, decimal.NewFromInt(1_000_000), DefaultMaxMultiplier), "no ceiling without a base price")
	assert.ErrorIs(t, ValidateAmount(free, decimal.Zero, DefaultMaxMultiplier), ErrBidTooLow)
}

func TestAuthRequired(t *testing.T) {
	s, placer, _, _ := newTestSubmitter(t, clockwork.NewFakeClock())

	_, err := s.SubmitBid(context.Background(), "p1", decimal.NewFromInt(150), Actor{})
	assert.ErrorIs(t, err, ErrAuthRequired)
	assert.Equal(t, 0, placer.calls())
}

func TestCooldownGating(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s, placer, _, _ := newTestSubmitter(t, clock)
	ctx := context.Background()

	_, err := s.SubmitBid(ctx, "p1", decimal.NewFromInt(150), ana)
	require.NoError(t, err)

	clock.Advance(2999 * time.Millisecond)
	_, err = s.SubmitBid(ctx, "p1", decimal.NewFromInt(1), ana)
	assert.ErrorIs(t, err, ErrRateLimited, "cooldown wins over amount validation")

	_, err = s.SubmitBid(ctx, "p1", decimal.NewFromInt(160), Actor{ID: "u2"})
	assert.NoError(t, err, "cooldown is per actor")

	clock.Advance(time.Millisecond)
	_, err = s.SubmitBid(ctx, "p1", decimal.NewFromInt(170), ana)
	assert.NoError(t, err)
	assert.Equal(t, 3, placer.calls())
}

func TestCorrectedBidAfterLocalFailure(t *testing.T) {
	s, placer, _, _ := newTestSubmitter(t, clockwork.NewFakeClock())
	ctx := context.Background()

	_, err := s.SubmitBid(ctx, "p1", decimal.NewFromInt(900), ana)
	require.ErrorIs(t, err, ErrBidTooHigh)

	_, err = s.SubmitBid(ctx, "p1", decimal.NewFromInt(150), ana)
	require.NoError(t, err, "an out of bounds amount does not start the cooldown")
	assert.Equal(t, 1, placer.calls())
	assert.True(t, s.Cooldown().Active(ana.ID))
}

func TestRejectedBidKeepsCooldownAndPrice(t *testing.T) {
	s, placer, _, store := newTestSubmitter(t, clockwork.NewFakeClock())
	placer.err = &clients.APIError{StatusCode: http.StatusBadRequest, Message: "La puja debe ser mayor a la actual"}

	_, err := s.SubmitBid(context.Background(), "p1", decimal.NewFromInt(150), ana)

	var rejected *BidRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "La puja debe ser mayor a la actual", rejected.Message)
	assert.Equal(t, "p1", rejected.AuctionID)
	assert.True(t, rejected.Amount.Equal(decimal.NewFromInt(150)))

	assert.True(t, s.Cooldown().Active(ana.ID))
	_, err = s.SubmitBid(context.Background(), "p1", decimal.NewFromInt(150), ana)
	assert.ErrorIs(t, err, ErrRateLimited)

	snap, _ := store.Snapshot()
	assert.True(t, snap.CurrentPrice.Equal(decimal.NewFromInt(100)))
}

func TestServerFailureClassification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantAuth   bool
		wantReject bool
	}{
		{"unauthorized", &clients.APIError{StatusCode: http.StatusUnauthorized, Message: "session expired"}, true, false},
		{"conflict", &clients.APIError{StatusCode: http.StatusConflict}, false, true},
		{"server error", &clients.APIError{StatusCode: http.StatusBadGateway}, false, false},
		{"network", errors.New("dial tcp: connection refused"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, placer, _, _ := newTestSubmitter(t, clockwork.NewFakeClock())
			placer.err = tt.err

			_, err := s.SubmitBid(context.Background(), "p1", decimal.NewFromInt(150), ana)
			require.Error(t, err)

			var rejected *BidRejectedError
			assert.Equal(t, tt.wantAuth, errors.Is(err, ErrAuthRequired))
			assert.Equal(t, tt.wantReject, errors.As(err, &rejected))
			assert.True(t, s.Cooldown().Active(ana.ID), "every failure leaves the cooldown engaged")
		})
	}
}

func TestOptimisticBidThenConfirmation(t *testing.T) {
	s, placer, announcer, store := newTestSubmitter(t, clockwork.NewFakeClock())

	receipt, err := s.SubmitBid(context.Background(), "p1", decimal.NewFromInt(150), ana)
	require.NoError(t, err)
	assert.Equal(t, "u1", receipt.Bid.BidderID)
	assert.False(t, receipt.CooldownUntil.IsZero())

	require.Len(t, placer.requests, 1)
	assert.Equal(t, "p1", placer.requests[0].ProductID)
	assert.Equal(t, "u1", placer.requests[0].UserID)

	require.Len(t, announcer.envs, 1)
	assert.Equal(t, channel.CommandNewBid, announcer.envs[0].Type)
	assert.Equal(t, "p1", announcer.envs[0].Room)

	snap, _ := store.Snapshot()
	require.NotNil(t, snap.Pending)
	assert.True(t, snap.CurrentPrice.Equal(decimal.NewFromInt(100)), "price waits for the push")

	applied := store.ApplyBidUpdate(auction.BidUpdate{
		AuctionID:    "p1",
		CurrentPrice: decimal.NewFromInt(150),
		TopBids:      []auction.Bid{{BidderID: "u1", Amount: decimal.NewFromInt(150)}},
	})
	require.True(t, applied)

	snap, _ = store.Snapshot()
	assert.True(t, snap.CurrentPrice.Equal(decimal.NewFromInt(150)))
	assert.Nil(t, snap.Pending)
}

func TestAnnouncementFailureDoesNotFailBid(t *testing.T) {
	s, placer, announcer, _ := newTestSubmitter(t, clockwork.NewFakeClock())
	announcer.err = &channel.ChannelError{Op: "emit", Err: channel.ErrNotConnected}

	_, err := s.SubmitBid(context.Background(), "p1", decimal.NewFromInt(150), ana)
	assert.NoError(t, err)
	assert.Equal(t, 1, placer.calls())
}

func TestUnknownAuction(t *testing.T) {
	s, _, _, _ := newTestSubmitter(t, clockwork.NewFakeClock())

	_, err := s.SubmitBid(context.Background(), "p2", decimal.NewFromInt(150), ana)
	assert.ErrorIs(t, err, auction.ErrNotLoaded)

	empty := auction.NewStore("p3", nil)
	s.stores = storeMap{"p3": empty}
	_, err = s.SubmitBid(context.Background(), "p3", decimal.NewFromInt(150), ana)
	assert.ErrorIs(t, err, auction.ErrNotLoaded)
}

func TestCooldownWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewCooldown(0, clock)

	assert.False(t, c.Active("u1"))
	wait, ok := c.TryEngage("u1")
	require.True(t, ok)
	assert.Equal(t, DefaultCooldown, wait)

	clock.Advance(time.Second)
	wait, ok = c.TryEngage("u1")
	assert.False(t, ok)
	assert.Equal(t, 2*time.Second, wait)

	clock.Advance(2 * time.Second)
	assert.False(t, c.Active("u1"))
	assert.True(t, c.Until("u1").IsZero())
}
