package auction

import (
	"fmt"
	"time"
)

const day = 24 * time.Hour

// Remaining is a renderable time-remaining breakdown
type Remaining struct {
	Days    int64 `json:"days"`
	Hours   int64 `json:"hours"`
	Minutes int64 `json:"minutes"`
	Seconds int64 `json:"seconds"`
	Expired bool  `json:"expired"`
	// Loading is set while the end time is not known yet
	Loading bool `json:"loading,omitempty"`
}

// String renders the breakdown the way the auction screens show it
func (r Remaining) String() string {
	switch {
	case r.Loading:
		return "loading"
	case r.Expired:
		return "finished"
	default:
		return fmt.Sprintf("%dd %dh %dm %ds", r.Days, r.Hours, r.Minutes, r.Seconds)
	}
}

// Tick computes the remaining time until endTime. It is pure: a nil end time
// yields the loading sentinel and any now at or past endTime yields an
// all-zero expired breakdown.
func Tick(endTime *time.Time, now time.Time) Remaining {
	if endTime == nil || endTime.IsZero() {
		return Remaining{Loading: true}
	}

	delta := endTime.Sub(now)
	if delta <= 0 {
		return Remaining{Expired: true}
	}

	ms := delta.Milliseconds()
	return Remaining{
		Days:    ms / day.Milliseconds(),
		Hours:   (ms % day.Milliseconds()) / time.Hour.Milliseconds(),
		Minutes: (ms % time.Hour.Milliseconds()) / time.Minute.Milliseconds(),
		Seconds: (ms % time.Minute.Milliseconds()) / time.Second.Milliseconds(),
	}
}

// Countdown latches expiry per end time. Once a given end time has been seen
// as expired it stays expired, even if the local clock moves backwards, until a
// different end time is observed.
type Countdown struct {
	endTime time.Time
	hasEnd  bool
	latched bool
}

// Observe ticks against endTime. The bool is true only on the call that trips the latch.
func (c *Countdown) Observe(endTime *time.Time, now time.Time) (Remaining, bool) {
	if endTime == nil || endTime.IsZero() {
		return Remaining{Loading: true}, false
	}

	if !c.hasEnd || !c.endTime.Equal(*endTime) {
		c.endTime = *endTime
		c.hasEnd = true
		c.latched = false
	}

	if c.latched {
		return Remaining{Expired: true}, false
	}

	r := Tick(endTime, now)
	if r.Expired {
		c.latched = true
		return r, true
	}
	return r, false
}

// Expired reports the current latch state
func (c *Countdown) Expired() bool {
	return c.latched
}
