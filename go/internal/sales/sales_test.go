package sales

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/winningbid/go/clients/winningbid_client"
	"github.com/mcdev12/winningbid/go/internal/auction"
	"github.com/mcdev12/winningbid/go/internal/channel"
	"github.com/mcdev12/winningbid/go/internal/live"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	products []winningbid_client.Product
	sales    []winningbid_client.Sale
	salesErr error
	sellers  []string
}

func (s *fakeSource) ListUserProducts(ctx context.Context) ([]winningbid_client.Product, error) {
	return s.products, nil
}

func (s *fakeSource) GetSales(ctx context.Context, sellerID string) ([]winningbid_client.Sale, error) {
	s.sellers = append(s.sellers, sellerID)
	return s.sales, s.salesErr
}

type fakeChannel struct {
	mu       sync.Mutex
	handlers map[channel.EventType][]channel.Handler
	rooms    map[string]int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		handlers: make(map[channel.EventType][]channel.Handler),
		rooms:    make(map[string]int),
	}
}

func (c *fakeChannel) Hold() {}
func (c *fakeChannel) Release() {}

func (c *fakeChannel) Join(room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room]++
	return nil
}

func (c *fakeChannel) Leave(room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room]--
	if c.rooms[room] == 0 {
		delete(c.rooms, room)
	}
	return nil
}

func (c *fakeChannel) On(eventType channel.EventType, handler channel.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], handler)
	return func() {}
}

func (c *fakeChannel) OnReconnect(hook func()) func() {
	return func() {}
}

func (c *fakeChannel) joined() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.rooms))
	for room, n := range c.rooms {
		out[room] = n
	}
	return out
}

func (c *fakeChannel) push(t *testing.T, eventType channel.EventType, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	c.mu.Lock()
	handlers := append([]channel.Handler(nil), c.handlers[eventType]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(channel.Envelope{Type: eventType, Data: data})
	}
}

type noFetch struct{}

func (noFetch) FetchAuction(ctx context.Context, id string) (*auction.Snapshot, error) {
	return nil, errors.New("unexpected fetch")
}

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func listing(id string, start, current int64, end time.Time) winningbid_client.Product {
	return winningbid_client.Product{
		ID:             id,
		Name:           "item " + id,
		Type:           winningbid_client.ProductTypeAuction,
		StartingPrice:  decimal.NewFromInt(start),
		CurrentPrice:   decimal.NewFromInt(current),
		AuctionEndTime: &end,
	}
}

func sellerFixture() *fakeSource {
	fixed := winningbid_client.Product{ID: "p4", Name: "lamp", Type: "venta", StartingPrice: decimal.NewFromInt(40)}
	return &fakeSource{
		products: []winningbid_client.Product{
			listing("p1", 100, 100, now.Add(time.Hour)),
			listing("p2", 100, 250, now.Add(-time.Hour)),
			listing("p3", 100, 100, now.Add(-time.Minute)),
			fixed,
		},
		sales: []winningbid_client.Sale{{
			ProductID: "p2",
			Price:     decimal.NewFromInt(250),
			Winner:    &winningbid_client.SaleWinner{UserID: "u1", UserName: "Ana", BidAmount: decimal.NewFromInt(250)},
		}},
	}
}

func byID(items []Item) map[string]Item {
	out := make(map[string]Item, len(items))
	for _, item := range items {
		out[item.Product.ID] = item
	}
	return out
}

func TestDashboardLiveSales(t *testing.T) {
	ch := newFakeChannel()
	registry := live.NewRegistry(noFetch{}, ch)
	defer registry.Close()
	source := sellerFixture()

	d := New(source, registry, ch, "s1", clockwork.NewFakeClockAt(now))
	require.NoError(t, d.Load(context.Background()))

	assert.Equal(t, []string{"s1"}, source.sellers)
	assert.Equal(t, map[string]int{"s1": 1, "p1": 1, "p2": 1, "p3": 1}, ch.joined())

	ch.push(t, channel.EventTypeBidUpdate, auction.BidUpdate{
		AuctionID:    "p1",
		CurrentPrice: decimal.NewFromInt(130),
		TopBids:      []auction.Bid{{BidderID: "u7", Amount: decimal.NewFromInt(130)}},
	})
	ch.push(t, channel.EventTypeBidUpdate, auction.BidUpdate{
		AuctionID:    "p3",
		CurrentPrice: decimal.NewFromInt(180),
		TopBids:      []auction.Bid{{BidderID: "u5", BidderName: "Luis", Amount: decimal.NewFromInt(180)}},
	})

	items := byID(d.Items())
	require.Len(t, items, 4)

	p1 := items["p1"]
	assert.True(t, p1.Live)
	assert.False(t, p1.Ended)
	assert.Nil(t, p1.Winner, "no winner while the auction runs")
	assert.Equal(t, int64(1), p1.Countdown.Hours)
	assert.True(t, p1.Product.CurrentPrice.Equal(decimal.NewFromInt(130)))

	p2 := items["p2"]
	assert.True(t, p2.Ended)
	require.NotNil(t, p2.Winner)
	assert.Equal(t, "Ana", p2.Winner.UserName, "recorded sale names the winner")

	p3 := items["p3"]
	assert.True(t, p3.Ended)
	require.NotNil(t, p3.Winner)
	assert.Equal(t, "u5", p3.Winner.UserID, "leading bid wins when no sale is recorded")
	assert.True(t, p3.Winner.BidAmount.Equal(decimal.NewFromInt(180)))

	p4 := items["p4"]
	assert.False(t, p4.Live)
	assert.False(t, p4.Ended)

	// 130 live + 250 sale + 180 live + 40 starting
	assert.True(t, d.TotalEarnings().Equal(decimal.NewFromInt(600)), "total %s", d.TotalEarnings())

	select {
	case <-d.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("changes not signaled")
	}

	d.Close()
	assert.Empty(t, ch.joined())
	assert.Empty(t, registry.Held())
}

func TestDashboardReloadKeepsStores(t *testing.T) {
	ch := newFakeChannel()
	registry := live.NewRegistry(noFetch{}, ch)
	defer registry.Close()

	d := New(sellerFixture(), registry, ch, "s1", clockwork.NewFakeClockAt(now))
	defer d.Close()
	ctx := context.Background()
	require.NoError(t, d.Load(ctx))
	before, ok := registry.Store("p1")
	require.True(t, ok)

	require.NoError(t, d.Load(ctx))
	after, ok := registry.Store("p1")
	require.True(t, ok)
	assert.Same(t, before, after)
	assert.Equal(t, map[string]int{"p1": 1, "p2": 1, "p3": 1}, registry.Held())
	assert.Equal(t, 1, ch.joined()["s1"], "seller room joined once")
}

func TestDashboardStaticView(t *testing.T) {
	d := New(sellerFixture(), nil, nil, "s1", clockwork.NewFakeClockAt(now))
	require.NoError(t, d.Load(context.Background()))

	items := byID(d.Items())
	assert.False(t, items["p1"].Live)
	assert.True(t, items["p2"].Ended)
	assert.Nil(t, items["p3"].Winner, "no bids are known without live state")
	// 100 + 250 + 100 + 40
	assert.True(t, d.TotalEarnings().Equal(decimal.NewFromInt(490)))
	d.Close()
}

func TestDashboardLoadErrors(t *testing.T) {
	d := New(sellerFixture(), nil, nil, "", nil)
	assert.ErrorIs(t, d.Load(context.Background()), ErrNoSeller)

	source := sellerFixture()
	source.salesErr = errors.New("503")
	d = New(source, nil, nil, "s1", nil)
	assert.Error(t, d.Load(context.Background()))
	assert.Empty(t, d.Items())
}
