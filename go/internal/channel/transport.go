package channel

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrChannelClosed is returned by operations on a connection that has gone away
	ErrChannelClosed = errors.New("channel closed")
	// ErrNotConnected is returned when no live connection is held
	ErrNotConnected = errors.New("channel not connected")
)

// ChannelError reports a failed operation on the live connection.
// It is never fatal: callers degrade to a stale view and recover on reconnect.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Conn is one live connection to the push service
type Conn interface {
	// Events delivers pushed envelopes. It is closed when the connection is lost or closed.
	Events() <-chan Envelope
	// Err returns why the connection was lost, or nil after a local Close
	Err() error
	Join(room string) error
	Leave(room string) error
	Emit(env Envelope) error
	Close() error
}

// Dialer opens connections for the Manager, once at first acquire and again on every reconnect
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}
