package auction

import "github.com/shopspring/decimal"

// DefaultBidPercentages are used when the user has not configured their own
var DefaultBidPercentages = []int{10, 15, 20}

var (
	hundred   = decimal.NewFromInt(100)
	roundStep = decimal.NewFromInt(5)
)

// Suggestion is a one-tap bid amount offered next to the manual bid input
type Suggestion struct {
	Percentage int             `json:"percentage"`
	Amount     decimal.Decimal `json:"amount"`
}

// SuggestedBids raises the current price by a percentage of the starting price
// for each entry in percentages, rounding up to the next multiple of 5.
func SuggestedBids(snap Snapshot, percentages []int) []Suggestion {
	if len(percentages) == 0 {
		percentages = DefaultBidPercentages
	}

	out := make([]Suggestion, 0, len(percentages))
	for _, p := range percentages {
		raise := snap.StartingPrice.Mul(decimal.NewFromInt(int64(p))).Div(hundred)
		amount := snap.CurrentPrice.Add(raise).Div(roundStep).Ceil().Mul(roundStep)
		out = append(out, Suggestion{Percentage: p, Amount: amount})
	}
	return out
}
