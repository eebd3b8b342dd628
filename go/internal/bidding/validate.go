package bidding

import (
	"fmt"

	"github.com/mcdev12/winningbid/go/internal/auction"
	"github.com/shopspring/decimal"
)

// DefaultMaxMultiplier caps a bid at this multiple of the current price
var DefaultMaxMultiplier = decimal.NewFromInt(4)

// Bounds is the accepted half-open range (Min, Max] for the next bid.
// A zero Max means there is no ceiling.
type Bounds struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

// BoundsFor derives the accepted range from a snapshot. Until the first bid the
// current price may be reported as zero, in which case the starting price applies.
func BoundsFor(snap auction.Snapshot, maxMultiplier decimal.Decimal) Bounds {
	if !maxMultiplier.IsPositive() {
		maxMultiplier = DefaultMaxMultiplier
	}
	base := snap.MinimumBase()
	return Bounds{
		Min: base,
		Max: base.Mul(maxMultiplier),
	}
}

// ValidateAmount checks an amount against the snapshot without touching the network
func ValidateAmount(snap auction.Snapshot, amount decimal.Decimal, maxMultiplier decimal.Decimal) error {
	b := BoundsFor(snap, maxMultiplier)
	if !amount.GreaterThan(b.Min) {
		return fmt.Errorf("%w: %s must be greater than %s", ErrBidTooLow, amount, b.Min)
	}
	if b.Max.IsPositive() && amount.GreaterThan(b.Max) {
		return fmt.Errorf("%w: %s exceeds %s", ErrBidTooHigh, amount, b.Max)
	}
	return nil
}
