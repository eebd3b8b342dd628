package sales

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/winningbid/go/clients/winningbid_client"
	"github.com/mcdev12/winningbid/go/internal/auction"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ErrNoSeller is returned by Load when the dashboard has no seller id
var ErrNoSeller = errors.New("sales dashboard needs a signed-in seller")

// Source lists the seller's products and the recorded sales
type Source interface {
	ListUserProducts(ctx context.Context) ([]winningbid_client.Product, error)
	GetSales(ctx context.Context, sellerID string) ([]winningbid_client.Sale, error)
}

// Registry is the shared per-auction state live prices are read from
type Registry interface {
	AcquireSeeded(ctx context.Context, auctionID string, seed *auction.Snapshot) (*auction.Store, error)
	Release(auctionID string)
	Watch(auctionID string) (<-chan struct{}, func())
}

// Rooms joins the seller's own room so updates on their products are pushed
type Rooms interface {
	Join(room string) error
	Leave(room string) error
}

// Item is one of the seller's products with its live state and outcome.
// Winner is set only once the auction has ended.
type Item struct {
	Product   winningbid_client.Product     `json:"product"`
	Snapshot  auction.Snapshot              `json:"snapshot"`
	Live      bool                          `json:"live"`
	Countdown auction.Remaining             `json:"countdown"`
	Ended     bool                          `json:"ended"`
	Sale      *winningbid_client.Sale       `json:"sale,omitempty"`
	Winner    *winningbid_client.SaleWinner `json:"winner,omitempty"`
}

// Earnings is what the item counts toward the seller's total: the recorded
// sale price, else the current price, else the starting price.
func (i Item) Earnings() decimal.Decimal {
	if i.Sale != nil && i.Sale.Price.IsPositive() {
		return i.Sale.Price
	}
	if i.Product.CurrentPrice.IsPositive() {
		return i.Product.CurrentPrice
	}
	return i.Product.StartingPrice
}

// Dashboard is the seller's view of their own products
type Dashboard struct {
	source   Source
	registry Registry
	rooms    Rooms
	sellerID string
	clock    clockwork.Clock

	mu       sync.RWMutex
	products []winningbid_client.Product
	sales    map[string]winningbid_client.Sale
	stores   map[string]*auction.Store
	stops    map[string]func()
	joined   bool
	closed   bool

	changes chan struct{}
}

// New creates a dashboard for sellerID. registry and rooms may be nil for a
// static view; a nil clock uses the real clock.
func New(source Source, registry Registry, rooms Rooms, sellerID string, clock clockwork.Clock) *Dashboard {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Dashboard{
		source:   source,
		registry: registry,
		rooms:    rooms,
		sellerID: sellerID,
		clock:    clock,
		sales:    make(map[string]winningbid_client.Sale),
		stores:   make(map[string]*auction.Store),
		stops:    make(map[string]func()),
		changes:  make(chan struct{}, 1),
	}
}

// Load fetches the seller's products and sales and subscribes every auction.
// Calling it again refreshes the dashboard.
func (d *Dashboard) Load(ctx context.Context) error {
	if d.sellerID == "" {
		return ErrNoSeller
	}

	products, err := d.source.ListUserProducts(ctx)
	if err != nil {
		return fmt.Errorf("load seller products: %w", err)
	}
	sales, err := d.source.GetSales(ctx, d.sellerID)
	if err != nil {
		return fmt.Errorf("load seller sales: %w", err)
	}

	byProduct := make(map[string]winningbid_client.Sale, len(sales))
	for _, s := range sales {
		byProduct[s.ProductID] = s
	}

	d.joinSellerRoom()
	stores, stops := d.subscribe(ctx, products)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.unsubscribe(stops)
		return nil
	}
	previous := d.stops
	d.products = products
	d.sales = byProduct
	d.stores, d.stops = stores, stops
	d.mu.Unlock()

	// released after the new references are taken so shared stores survive
	d.unsubscribe(previous)
	d.signal()

	log.Debug().
		Str("seller_id", d.sellerID).
		Int("products", len(products)).
		Int("sales", len(byProduct)).
		Msg("sales dashboard loaded")
	return nil
}

func (d *Dashboard) subscribe(ctx context.Context, products []winningbid_client.Product) (map[string]*auction.Store, map[string]func()) {
	stores := make(map[string]*auction.Store)
	stops := make(map[string]func())
	if d.registry == nil {
		return stores, stops
	}

	for _, p := range products {
		if p.ID == "" || !p.IsAuction() {
			continue
		}
		if _, dup := stores[p.ID]; dup {
			continue
		}
		seed, err := p.AuctionSnapshot()
		if err != nil {
			seed = nil
		}
		store, err := d.registry.AcquireSeeded(ctx, p.ID, seed)
		if err != nil {
			log.Warn().Err(err).Str("auction_id", p.ID).Msg("sale without live updates")
			continue
		}
		watch, stop := d.registry.Watch(p.ID)
		stores[p.ID] = store
		stops[p.ID] = stop
		go d.forward(watch)
	}
	return stores, stops
}

func (d *Dashboard) unsubscribe(stops map[string]func()) {
	for id, stop := range stops {
		stop()
		d.registry.Release(id)
	}
}

func (d *Dashboard) joinSellerRoom() {
	if d.rooms == nil {
		return
	}
	d.mu.Lock()
	if d.joined || d.closed {
		d.mu.Unlock()
		return
	}
	d.joined = true
	d.mu.Unlock()

	if err := d.rooms.Join(d.sellerID); err != nil {
		log.Warn().Err(err).Str("seller_id", d.sellerID).Msg("seller room joined without live updates")
	}
}

func (d *Dashboard) forward(watch <-chan struct{}) {
	for range watch {
		d.signal()
	}
}

// Items returns the seller's products in listing order
func (d *Dashboard) Items() []Item {
	d.mu.RLock()
	defer d.mu.RUnlock()

	now := d.clock.Now()
	out := make([]Item, 0, len(d.products))
	for _, p := range d.products {
		out = append(out, d.itemLocked(p, now))
	}
	return out
}

func (d *Dashboard) itemLocked(p winningbid_client.Product, now time.Time) Item {
	item := Item{Product: p}
	if s, ok := d.sales[p.ID]; ok {
		sale := s
		item.Sale = &sale
	}

	if store := d.stores[p.ID]; store != nil {
		if snap, ok := store.Snapshot(); ok {
			item.Snapshot = snap
			item.Live = true
			item.Product.CurrentPrice = snap.CurrentPrice
			if snap.EndTime != nil {
				end := *snap.EndTime
				item.Product.AuctionEndTime = &end
			}
			if snap.Status != "" {
				item.Product.Status = string(snap.Status)
			}
		}
	}

	if !p.IsAuction() {
		return item
	}

	item.Countdown = auction.Tick(item.Product.AuctionEndTime, now)
	item.Ended = item.Countdown.Expired || (item.Live && item.Snapshot.Ended(now))
	if item.Ended {
		item.Countdown = auction.Remaining{Expired: true}
		item.Winner = winnerOf(item)
	}
	return item
}

// winnerOf prefers the recorded sale and falls back to the leading bid
func winnerOf(item Item) *winningbid_client.SaleWinner {
	if item.Sale != nil && item.Sale.Winner != nil {
		w := *item.Sale.Winner
		return &w
	}
	leader, ok := item.Snapshot.Leader()
	if !ok {
		return nil
	}
	return &winningbid_client.SaleWinner{
		UserID:    leader.BidderID,
		UserName:  leader.BidderName,
		BidAmount: leader.Amount,
	}
}

// TotalEarnings sums Earnings over every listed product
func (d *Dashboard) TotalEarnings() decimal.Decimal {
	total := decimal.Zero
	for _, item := range d.Items() {
		total = total.Add(item.Earnings())
	}
	return total
}

// Changes is signaled after a load and after every live change to a listed auction
func (d *Dashboard) Changes() <-chan struct{} {
	return d.changes
}

func (d *Dashboard) signal() {
	select {
	case d.changes <- struct{}{}:
	default:
	}
}

// Close releases every auction and leaves the seller room
func (d *Dashboard) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	stops := d.stops
	d.stops = make(map[string]func())
	d.stores = make(map[string]*auction.Store)
	joined := d.joined
	d.mu.Unlock()

	d.unsubscribe(stops)
	if joined && d.rooms != nil {
		if err := d.rooms.Leave(d.sellerID); err != nil {
			log.Warn().Err(err).Str("seller_id", d.sellerID).Msg("failed to leave seller room")
		}
	}
}
