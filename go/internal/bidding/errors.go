package bidding

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrAuthRequired means the actor has no valid session; the caller should send them to login
	ErrAuthRequired = errors.New("authentication required")
	// ErrRateLimited means the actor's cooldown is still running
	ErrRateLimited = errors.New("bid cooldown active")
	// ErrBidTooLow means the amount does not beat the current price
	ErrBidTooLow = errors.New("bid too low")
	// ErrBidTooHigh means the amount is above the runaway-bid ceiling
	ErrBidTooHigh = errors.New("bid too high")
)

// BidRejectedError is the server refusing an otherwise valid bid, usually because
// a concurrent bid already raised the price. Recover by refreshing and re-bidding.
type BidRejectedError struct {
	AuctionID  string
	Amount     decimal.Decimal
	Message    string
	StatusCode int
}

func (e *BidRejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("bid of %s on auction %s rejected (status %d)", e.Amount, e.AuctionID, e.StatusCode)
	}
	return fmt.Sprintf("bid of %s on auction %s rejected: %s", e.Amount, e.AuctionID, e.Message)
}
