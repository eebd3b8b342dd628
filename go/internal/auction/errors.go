package auction

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLoaded is returned when an operation needs a snapshot that has not been fetched yet
	ErrNotLoaded = errors.New("auction snapshot not loaded")
	// ErrStoreClosed is returned by a store whose last subscriber has gone away
	ErrStoreClosed = errors.New("auction store closed")
	// ErrMalformedAuction marks REST data that cannot back a snapshot
	ErrMalformedAuction = errors.New("malformed auction data")
)

// FetchError reports a failed snapshot load. It is always recoverable by retrying.
type FetchError struct {
	AuctionID string
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch auction %s: %v", e.AuctionID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
