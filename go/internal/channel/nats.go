package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// GlobalRoom is the room name used for events that are not scoped to an auction
const GlobalRoom = "global"

// NATSConfig holds configuration for the NATS push transport
type NATSConfig struct {
	URL           string
	SubjectPrefix string // e.g., "auctions"
	Name          string
	Timeout       time.Duration
	BufferSize    int
}

// DefaultNATSConfig returns default NATS transport configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "auctions",
		Name:          "winningbid-client",
		Timeout:       5 * time.Second,
		BufferSize:    64,
	}
}

// NATSDialer subscribes to per-room subjects instead of speaking the WebSocket protocol.
// Reconnection is left to the Manager, so the NATS client's own reconnect is disabled.
type NATSDialer struct {
	config NATSConfig
}

func NewNATSDialer(config NATSConfig) *NATSDialer {
	d := DefaultNATSConfig()
	if config.URL == "" {
		config.URL = d.URL
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = d.SubjectPrefix
	}
	if config.Name == "" {
		config.Name = d.Name
	}
	if config.Timeout <= 0 {
		config.Timeout = d.Timeout
	}
	if config.BufferSize <= 0 {
		config.BufferSize = d.BufferSize
	}
	return &NATSDialer{config: config}
}

// Subject maps a room to its NATS subject
func (d *NATSDialer) Subject(room string) string {
	return subjectFor(d.config.SubjectPrefix, room)
}

func subjectFor(prefix, room string) string {
	if room == "" {
		room = GlobalRoom
	}
	return prefix + "." + room
}

// roomFromSubject recovers the room from a subject, returning "" for the global subject
func roomFromSubject(prefix, subject string) string {
	room := strings.TrimPrefix(subject, prefix+".")
	if room == GlobalRoom || room == subject {
		return ""
	}
	return room
}

func (d *NATSDialer) Dial(ctx context.Context) (Conn, error) {
	c := &natsConn{
		prefix: d.config.SubjectPrefix,
		subs:   make(map[string]*nats.Subscription),
		events: make(chan Envelope, d.config.BufferSize),
		done:   make(chan struct{}),
	}

	opts := []nats.Option{
		nats.Name(d.config.Name),
		nats.Timeout(d.config.Timeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Error().Err(err).Msg("NATS disconnected")
			}
			c.shutdown(err)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.shutdown(nil)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < d.config.Timeout {
			opts = append(opts, nats.Timeout(remaining))
		}
	}

	nc, err := nats.Connect(d.config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	c.nc = nc

	if err := c.subscribe(""); err != nil {
		nc.Close()
		return nil, err
	}

	log.Info().
		Str("url", nc.ConnectedUrl()).
		Str("subject_prefix", c.prefix).
		Msg("push connection established over NATS")

	return c, nil
}

// natsConn delivers messages from room subjects as envelopes
type natsConn struct {
	nc     *nats.Conn
	prefix string

	mu     sync.RWMutex
	subs   map[string]*nats.Subscription
	closed bool
	err    error

	events    chan Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func (c *natsConn) Events() <-chan Envelope {
	return c.events
}

func (c *natsConn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *natsConn) Join(room string) error {
	return c.subscribe(room)
}

func (c *natsConn) subscribe(room string) error {
	subject := subjectFor(c.prefix, room)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if _, exists := c.subs[subject]; exists {
		return nil
	}

	sub, err := c.nc.Subscribe(subject, c.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs[subject] = sub
	return nil
}

func (c *natsConn) Leave(room string) error {
	subject := subjectFor(c.prefix, room)

	c.mu.Lock()
	sub, exists := c.subs[subject]
	delete(c.subs, subject)
	c.mu.Unlock()

	if !exists {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", subject, err)
	}
	return nil
}

func (c *natsConn) Emit(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if c.nc.IsClosed() {
		return ErrChannelClosed
	}
	if err := c.nc.Publish(subjectFor(c.prefix, env.Room), data); err != nil {
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	return nil
}

func (c *natsConn) Close() error {
	c.nc.Close()
	c.shutdown(nil)
	return nil
}

func (c *natsConn) handleMessage(msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Warn().
			Err(err).
			Str("subject", msg.Subject).
			Msg("dropping undecodable NATS message")
		return
	}
	if env.Room == "" {
		env.Room = roomFromSubject(c.prefix, msg.Subject)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.events <- env:
	case <-c.done:
	}
}

// shutdown closes the event stream once, after in-flight handlers have returned
func (c *natsConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		c.closed = true
		c.err = err
		close(c.events)
		c.mu.Unlock()
	})
}
