package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mcdev12/winningbid/go/clients/winningbid_client"
	"github.com/mcdev12/winningbid/go/internal/auction"
	"github.com/mcdev12/winningbid/go/internal/channel"
	"github.com/rs/zerolog/log"
)

// AcquireTimeout bounds subscribing a product announced by a newProduct event
const AcquireTimeout = 15 * time.Second

// Lister pages through the product catalog
type Lister interface {
	ListProducts(ctx context.Context, q winningbid_client.ProductQuery) ([]winningbid_client.Product, error)
}

// Registry is the shared per-auction state the listing reads live values from
type Registry interface {
	AcquireSeeded(ctx context.Context, auctionID string, seed *auction.Snapshot) (*auction.Store, error)
	Release(auctionID string)
	Watch(auctionID string) (<-chan struct{}, func())
}

// Events delivers catalog announcements
type Events interface {
	On(eventType channel.EventType, handler channel.Handler) func()
}

// Options configures a Feed
type Options struct {
	Category string
	PageSize int
}

// Item is a listed product with its live auction values applied.
// Live is false when the auction could not be subscribed and the values are
// the ones the listing page returned.
type Item struct {
	winningbid_client.Product
	Snapshot auction.Snapshot
	Live     bool
}

type holding struct {
	store *auction.Store
	stop  func()
}

// Feed is the home listing of live auctions. It pages through the catalog and
// keeps one entry per product; prices, end times and status come from the
// registry store of each listed auction, the same one detail views read.
type Feed struct {
	lister   Lister
	registry Registry
	category string
	pageSize int

	mu      sync.RWMutex
	items   []winningbid_client.Product
	index   map[string]int
	page    int
	hasMore bool
	held    map[string]*holding
	closed  bool
	pending sync.WaitGroup

	changes     chan struct{}
	unsubscribe []func()
}

// New creates a feed. registry and events may be nil for a static listing.
func New(lister Lister, registry Registry, events Events, opts Options) *Feed {
	if opts.PageSize <= 0 {
		opts.PageSize = winningbid_client.DefaultPageSize
	}
	f := &Feed{
		lister:   lister,
		registry: registry,
		category: opts.Category,
		pageSize: opts.PageSize,
		index:    make(map[string]int),
		held:     make(map[string]*holding),
		hasMore:  true,
		changes:  make(chan struct{}, 1),
	}
	if events != nil {
		f.unsubscribe = append(f.unsubscribe, events.On(channel.EventTypeNewProduct, f.handleNewProduct))
	}
	return f
}

// Load replaces the listing with the first page
func (f *Feed) Load(ctx context.Context) error {
	products, err := f.fetch(ctx, 1)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.items = nil
	f.index = make(map[string]int)
	f.page = 1
	added := f.appendLocked(products)
	f.hasMore = added > 0

	// auctions still listed keep their subscription
	var stale []string
	for id, h := range f.held {
		if _, listed := f.index[id]; listed {
			continue
		}
		delete(f.held, id)
		if h.store != nil {
			stale = append(stale, id)
			h.stop()
		}
	}
	f.mu.Unlock()

	for _, id := range stale {
		f.registry.Release(id)
	}
	f.holdAll(ctx, products)
	f.signal()

	log.Debug().Int("items", added).Str("category", f.category).Msg("feed loaded")
	return nil
}

// LoadMore appends the next page. A page that adds no new product ends the listing.
func (f *Feed) LoadMore(ctx context.Context) error {
	f.mu.RLock()
	page, hasMore := f.page, f.hasMore
	f.mu.RUnlock()
	if !hasMore {
		return nil
	}

	products, err := f.fetch(ctx, page+1)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if f.page != page {
		// a concurrent Load or LoadMore got there first
		f.mu.Unlock()
		return nil
	}
	f.page = page + 1
	added := f.appendLocked(products)
	if added == 0 {
		f.hasMore = false
	}
	f.mu.Unlock()

	f.holdAll(ctx, products)
	if added > 0 {
		f.signal()
	}
	return nil
}

func (f *Feed) fetch(ctx context.Context, page int) ([]winningbid_client.Product, error) {
	products, err := f.lister.ListProducts(ctx, winningbid_client.ProductQuery{
		Page:     page,
		Limit:    f.pageSize,
		Type:     winningbid_client.ProductTypeAuction,
		Category: f.category,
	})
	if err != nil {
		return nil, fmt.Errorf("load feed page %d: %w", page, err)
	}
	return products, nil
}

// appendLocked adds auction products not listed yet and returns how many were added
func (f *Feed) appendLocked(products []winningbid_client.Product) int {
	added := 0
	for _, p := range products {
		if !f.accepts(p) {
			continue
		}
		if _, exists := f.index[p.ID]; exists {
			continue
		}
		f.index[p.ID] = len(f.items)
		f.items = append(f.items, p)
		added++
	}
	return added
}

func (f *Feed) accepts(p winningbid_client.Product) bool {
	if p.ID == "" || !p.IsAuction() {
		return false
	}
	return f.category == "" || p.Category == f.category
}

// holdAll acquires the registry store of every listed product not held yet.
// The listing page seeds each store so no per-item fetch is made.
func (f *Feed) holdAll(ctx context.Context, products []winningbid_client.Product) {
	if f.registry == nil {
		return
	}
	for _, p := range products {
		f.mu.Lock()
		_, listed := f.index[p.ID]
		_, held := f.held[p.ID]
		if f.closed || !listed || held {
			f.mu.Unlock()
			continue
		}
		h := &holding{}
		f.held[p.ID] = h
		f.mu.Unlock()

		seed, err := p.AuctionSnapshot()
		if err != nil {
			log.Debug().Err(err).Str("auction_id", p.ID).Msg("listing without snapshot, fetching")
			seed = nil
		}
		store, err := f.registry.AcquireSeeded(ctx, p.ID, seed)
		if err != nil {
			log.Warn().Err(err).Str("auction_id", p.ID).Msg("feed item without live updates")
			f.mu.Lock()
			if f.held[p.ID] == h {
				delete(f.held, p.ID)
			}
			f.mu.Unlock()
			continue
		}
		watch, stop := f.registry.Watch(p.ID)

		f.mu.Lock()
		if f.closed || f.held[p.ID] != h {
			// dropped from the listing while subscribing
			f.mu.Unlock()
			stop()
			f.registry.Release(p.ID)
			continue
		}
		h.store, h.stop = store, stop
		f.mu.Unlock()

		go f.forward(watch)
	}
}

func (f *Feed) forward(watch <-chan struct{}) {
	for range watch {
		f.signal()
	}
}

// Items returns the listing in display order with live values applied
func (f *Feed) Items() []Item {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Item, 0, len(f.items))
	for _, p := range f.items {
		out = append(out, f.itemLocked(p))
	}
	return out
}

func (f *Feed) itemLocked(p winningbid_client.Product) Item {
	item := Item{Product: p}
	h := f.held[p.ID]
	if h == nil || h.store == nil {
		return item
	}
	snap, ok := h.store.Snapshot()
	if !ok {
		return item
	}

	item.Snapshot = snap
	item.Live = true
	item.CurrentPrice = snap.CurrentPrice
	if snap.EndTime != nil {
		end := *snap.EndTime
		item.AuctionEndTime = &end
	}
	if snap.Status != "" {
		item.Status = string(snap.Status)
	}
	return item
}

// HasMore reports whether LoadMore may still add products
func (f *Feed) HasMore() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.hasMore
}

// Categories returns the sorted distinct categories of the listed products
func (f *Feed) Categories() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, p := range f.items {
		if p.Category == "" || seen[p.Category] {
			continue
		}
		seen[p.Category] = true
		out = append(out, p.Category)
	}
	sort.Strings(out)
	return out
}

// Filter returns the listed items in a category; an empty category returns everything
func (f *Feed) Filter(category string) []Item {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []Item
	for _, p := range f.items {
		if category == "" || p.Category == category {
			out = append(out, f.itemLocked(p))
		}
	}
	return out
}

// Changes is signaled whenever the listing or a listed auction changes
func (f *Feed) Changes() <-chan struct{} {
	return f.changes
}

func (f *Feed) signal() {
	select {
	case f.changes <- struct{}{}:
	default:
	}
}

// Close stops live updates and releases every listed auction
func (f *Feed) Close() {
	for _, unsubscribe := range f.unsubscribe {
		unsubscribe()
	}
	f.unsubscribe = nil

	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.pending.Wait()

	f.mu.Lock()
	held := f.held
	f.held = make(map[string]*holding)
	f.mu.Unlock()

	for id, h := range held {
		if h.store == nil {
			continue
		}
		h.stop()
		f.registry.Release(id)
	}
}

func (f *Feed) handleNewProduct(env channel.Envelope) {
	var p winningbid_client.Product
	if err := json.Unmarshal(env.Data, &p); err != nil {
		log.Warn().Err(err).Msg("dropping malformed newProduct event")
		return
	}

	f.mu.Lock()
	if f.closed || !f.accepts(p) {
		f.mu.Unlock()
		return
	}
	if _, exists := f.index[p.ID]; exists {
		f.mu.Unlock()
		return
	}
	f.items = append([]winningbid_client.Product{p}, f.items...)
	for i, item := range f.items {
		f.index[item.ID] = i
	}
	f.pending.Add(1)
	f.mu.Unlock()

	log.Info().Str("auction_id", p.ID).Str("name", p.Name).Msg("new auction listed")
	f.signal()

	// subscribing joins a room, so it runs off the event dispatch goroutine
	go func() {
		defer f.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), AcquireTimeout)
		defer cancel()
		f.holdAll(ctx, []winningbid_client.Product{p})
		f.signal()
	}()
}
