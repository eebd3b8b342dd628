package bidding

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultCooldown is the minimum delay between two submissions by the same actor
const DefaultCooldown = 3 * time.Second

// Cooldown rate-limits submissions per actor. It only protects the server from
// hammering; acceptance is always decided remotely.
type Cooldown struct {
	clock  clockwork.Clock
	window time.Duration

	mu    sync.Mutex
	until map[string]time.Time
}

// NewCooldown creates a cooldown. A nil clock uses the real clock.
func NewCooldown(window time.Duration, clock clockwork.Clock) *Cooldown {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if window <= 0 {
		window = DefaultCooldown
	}
	return &Cooldown{
		clock:  clock,
		window: window,
		until:  make(map[string]time.Time),
	}
}

// Remaining returns how long the actor still has to wait
func (c *Cooldown) Remaining(actorID string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remainingLocked(actorID)
}

func (c *Cooldown) remainingLocked(actorID string) time.Duration {
	until, ok := c.until[actorID]
	if !ok {
		return 0
	}
	remaining := until.Sub(c.clock.Now())
	if remaining <= 0 {
		delete(c.until, actorID)
		return 0
	}
	return remaining
}

// Active reports whether the actor is locked out
func (c *Cooldown) Active(actorID string) bool {
	return c.Remaining(actorID) > 0
}

// TryEngage starts the window if it is not already running. When it is, the
// remaining wait is returned with false.
func (c *Cooldown) TryEngage(actorID string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remaining := c.remainingLocked(actorID); remaining > 0 {
		return remaining, false
	}
	c.until[actorID] = c.clock.Now().Add(c.window)
	return c.window, true
}

// Until returns when the actor's window ends, zero if none is running
func (c *Cooldown) Until(actorID string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remainingLocked(actorID) == 0 {
		return time.Time{}
	}
	return c.until[actorID]
}
