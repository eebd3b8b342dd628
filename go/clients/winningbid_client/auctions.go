package winningbid_client

import (
	"context"
	"fmt"

	"github.com/mcdev12/winningbid/go/internal/auction"
	"github.com/mcdev12/winningbid/go/internal/validation"
)

// auctionPayload is the subset of a product that has to be present for it to back a snapshot
type auctionPayload struct {
	ID     string `validate:"required"`
	Type   string `validate:"eq=subasta"`
	HasEnd bool   `validate:"eq=true"`
	Prices bool   `validate:"eq=true"`
}

// AuctionSnapshot converts a product into a snapshot without bids. Products
// that are not auctions or lack an end time are rejected as malformed.
func (p Product) AuctionSnapshot() (*auction.Snapshot, error) {
	check := auctionPayload{
		ID:     p.ID,
		Type:   p.Type,
		HasEnd: p.AuctionEndTime != nil && !p.AuctionEndTime.IsZero(),
		Prices: !p.StartingPrice.IsNegative() && !p.CurrentPrice.IsNegative(),
	}
	if err := validation.Struct(check); err != nil {
		return nil, fmt.Errorf("%w: product %s: %v", auction.ErrMalformedAuction, p.ID, err)
	}

	end := *p.AuctionEndTime
	status := auction.StatusActive
	if p.Status != "" {
		status = auction.ParseStatus(p.Status)
	}
	return &auction.Snapshot{
		AuctionID:     p.ID,
		StartingPrice: p.StartingPrice,
		CurrentPrice:  p.CurrentPrice,
		EndTime:       &end,
		Status:        status,
	}, nil
}

// FetchAuction loads the product and its bids and assembles a snapshot
func (c *Client) FetchAuction(ctx context.Context, productID string) (*auction.Snapshot, error) {
	product, err := c.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	snap, err := product.AuctionSnapshot()
	if err != nil {
		return nil, err
	}

	bids, err := c.GetBids(ctx, productID)
	if err != nil {
		return nil, err
	}

	snap.TopBids = make([]auction.Bid, 0, len(bids.Bids))
	for _, b := range bids.Bids {
		snap.TopBids = append(snap.TopBids, auction.Bid{
			BidderID:   b.UserID,
			BidderName: b.UserName,
			Amount:     b.BidAmount,
			Timestamp:  b.Timestamp,
		})
	}
	if bids.Status != "" {
		snap.Status = auction.ParseStatus(bids.Status)
	}
	return snap, nil
}
