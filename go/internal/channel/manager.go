package channel

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Handler receives pushed envelopes. Handlers run on the manager's dispatch
// goroutine one at a time and must not call Release or Close.
type Handler func(env Envelope)

// ReconnectConfig bounds the exponential backoff used after a connection loss
type ReconnectConfig struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int // 0 retries forever
}

// DefaultReconnectConfig returns default reconnect backoff
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Initial:     500 * time.Millisecond,
		Max:         30 * time.Second,
		MaxAttempts: 0,
	}
}

// Delay returns the wait before the given retry attempt (0-based)
func (c ReconnectConfig) Delay(attempt int) time.Duration {
	delay := c.Initial
	for i := 0; i < attempt && delay < c.Max; i++ {
		delay *= 2
	}
	if delay > c.Max {
		delay = c.Max
	}
	return delay
}

// Stats is a point-in-time view of the manager
type Stats struct {
	Connected      bool           `json:"connected"`
	Active         bool           `json:"active"`
	Refs           int            `json:"refs"`
	Rooms          map[string]int `json:"rooms"`
	Reconnects     int            `json:"reconnects"`
	EventsReceived int64          `json:"events_received"`
	LastError      string         `json:"last_error,omitempty"`
}

type handlerEntry struct {
	id      int
	handler Handler
}

// Manager owns the single process-wide push connection. Subscribers share it
// through Acquire/Release; rooms are reference counted and re-joined after
// every reconnect.
type Manager struct {
	dialer    Dialer
	clock     clockwork.Clock
	reconnect ReconnectConfig

	mu         sync.RWMutex
	conn       Conn
	refs       int
	rooms      map[string]int
	handlers   map[EventType][]handlerEntry
	onConnect  []handlerEntry
	nextID     int
	cancel     context.CancelFunc
	done       chan struct{}
	reconnects int
	received   int64
	lastErr    error
}

// NewManager creates a manager. A nil clock uses the real clock.
func NewManager(dialer Dialer, reconnect ReconnectConfig, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if reconnect.Initial <= 0 {
		reconnect.Initial = DefaultReconnectConfig().Initial
	}
	if reconnect.Max < reconnect.Initial {
		reconnect.Max = reconnect.Initial
	}
	return &Manager{
		dialer:    dialer,
		clock:     clock,
		reconnect: reconnect,
		rooms:     make(map[string]int),
		handlers:  make(map[EventType][]handlerEntry),
	}
}

// Acquire takes a reference on the shared connection. When no connection loop
// is running it dials first, joins every remembered room, and starts the loop;
// a failed dial leaves no reference behind.
func (m *Manager) Acquire(ctx context.Context) error {
	m.mu.Lock()
	if m.done != nil {
		m.refs++
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		return &ChannelError{Op: "connect", Err: err}
	}

	m.mu.Lock()
	if m.done != nil {
		// a concurrent Acquire or Hold started the loop first
		m.refs++
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	// references held while no loop ran belong to subscribers whose state went stale
	recovered := m.refs > 0
	m.refs++
	m.lastErr = nil
	runCtx, done := m.startLocked(conn)
	rooms := m.roomsLocked()
	m.mu.Unlock()

	for _, room := range rooms {
		if err := conn.Join(room); err != nil {
			log.Error().Err(err).Str("room", room).Msg("failed to join room")
		}
	}

	log.Info().
		Int("rooms", len(rooms)).
		Bool("recovered", recovered).
		Msg("channel manager connected")

	go m.run(runCtx, conn, done, recovered)
	return nil
}

// Hold takes a reference without waiting for a connection. If no connection
// loop is running one is started that dials in the background with backoff.
func (m *Manager) Hold() {
	m.mu.Lock()
	m.refs++
	runCtx, done, started := m.ensureLoopLocked()
	m.mu.Unlock()

	if started {
		log.Info().Msg("channel manager connecting in background")
		go m.run(runCtx, nil, done, true)
	}
}

// Release drops a reference. The last release disconnects and forgets all rooms.
func (m *Manager) Release() {
	m.mu.Lock()
	if m.refs == 0 {
		m.mu.Unlock()
		return
	}
	m.refs--
	if m.refs > 0 {
		m.mu.Unlock()
		return
	}
	stop := m.detachLocked()
	m.mu.Unlock()

	stop()
}

// Close disconnects regardless of outstanding references
func (m *Manager) Close() {
	m.mu.Lock()
	m.refs = 0
	stop := m.detachLocked()
	m.mu.Unlock()

	stop()
}

// startLocked installs conn (possibly nil while dialing) as the running loop's state
func (m *Manager) startLocked(conn Conn) (context.Context, chan struct{}) {
	runCtx, cancel := context.WithCancel(context.Background())
	m.conn = conn
	m.cancel = cancel
	m.done = make(chan struct{})
	return runCtx, m.done
}

func (m *Manager) ensureLoopLocked() (context.Context, chan struct{}, bool) {
	if m.done != nil || m.refs == 0 {
		return nil, nil, false
	}
	runCtx, done := m.startLocked(nil)
	return runCtx, done, true
}

// detachLocked clears the loop state and returns the function that stops it.
// The returned function must run without m.mu held.
func (m *Manager) detachLocked() func() {
	cancel, done, conn := m.cancel, m.done, m.conn
	m.cancel, m.done, m.conn = nil, nil, nil
	m.rooms = make(map[string]int)

	return func() {
		if cancel != nil {
			cancel()
		}
		if conn != nil {
			conn.Close()
		}
		if done != nil {
			<-done
		}
		log.Info().Msg("channel manager disconnected")
	}
}

func (m *Manager) roomsLocked() []string {
	rooms := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Join subscribes to a room. Only the first reference reaches the server. If the
// join cannot be sent, the room is still remembered and joined on reconnect; a
// join while references are held but no connection loop runs restarts the loop.
func (m *Manager) Join(room string) error {
	m.mu.Lock()
	m.rooms[room]++
	first := m.rooms[room] == 1
	conn := m.conn
	runCtx, done, started := m.ensureLoopLocked()
	m.mu.Unlock()

	if started {
		log.Info().Str("room", room).Msg("restarting push connection for join")
		go m.run(runCtx, nil, done, true)
	}
	if !first {
		return nil
	}
	if conn == nil {
		return &ChannelError{Op: "join", Err: ErrNotConnected}
	}
	if err := conn.Join(room); err != nil {
		return &ChannelError{Op: "join", Err: err}
	}

	log.Debug().Str("room", room).Msg("joined room")
	return nil
}

// Leave drops a room reference, leaving the room on the server with the last one
func (m *Manager) Leave(room string) error {
	m.mu.Lock()
	count, ok := m.rooms[room]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if count > 1 {
		m.rooms[room] = count - 1
		m.mu.Unlock()
		return nil
	}
	delete(m.rooms, room)
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Leave(room); err != nil {
		return &ChannelError{Op: "leave", Err: err}
	}

	log.Debug().Str("room", room).Msg("left room")
	return nil
}

// On registers a handler for an event type and returns a function that removes it
func (m *Manager) On(eventType EventType, handler Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.handlers[eventType] = append(m.handlers[eventType], handlerEntry{id: id, handler: handler})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.handlers[eventType] = removeEntry(m.handlers[eventType], id)
	}
}

// OnReconnect registers a hook that runs after every successful reconnect and
// room re-join, and returns a function that removes it
func (m *Manager) OnReconnect(hook func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.onConnect = append(m.onConnect, handlerEntry{id: id, handler: func(Envelope) { hook() }})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.onConnect = removeEntry(m.onConnect, id)
	}
}

func removeEntry(entries []handlerEntry, id int) []handlerEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

// Emit sends a command over the live connection
func (m *Manager) Emit(env Envelope) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil {
		return &ChannelError{Op: "emit", Err: ErrNotConnected}
	}
	if err := conn.Emit(env); err != nil {
		return &ChannelError{Op: "emit", Err: err}
	}
	return nil
}

// Connected reports whether a live connection is held
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn != nil
}

// Stats returns statistics about the connection and its rooms
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := make(map[string]int, len(m.rooms))
	for room, count := range m.rooms {
		rooms[room] = count
	}
	stats := Stats{
		Connected:      m.conn != nil,
		Active:         m.done != nil,
		Refs:           m.refs,
		Rooms:          rooms,
		Reconnects:     m.reconnects,
		EventsReceived: m.received,
	}
	if m.lastErr != nil {
		stats.LastError = m.lastErr.Error()
	}
	return stats
}

// run dispatches events from the current connection and reconnects when it
// drops. A nil conn starts in the reconnect loop. hooks runs the reconnect
// hooks before the first dispatch.
func (m *Manager) run(ctx context.Context, conn Conn, done chan struct{}, hooks bool) {
	defer close(done)
	defer m.exit(done)

	if conn != nil && hooks {
		m.runHooks()
	}

	for {
		if conn == nil {
			next, ok := m.redial(ctx, done)
			if !ok {
				return
			}
			conn = next
		}

		m.dispatch(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		err := conn.Err()
		if err == nil {
			err = ErrChannelClosed
		}
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.lastErr = err
		m.mu.Unlock()

		log.Warn().Err(err).Msg("push connection lost, reconnecting")
		conn = nil
	}
}

// exit clears the loop state when the loop stops on its own, so the next
// Acquire, Hold or Join starts a fresh one
func (m *Manager) exit(done chan struct{}) {
	m.mu.Lock()
	if m.done != done {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.cancel, m.done, m.conn = nil, nil, nil
	m.mu.Unlock()

	cancel()
}

func (m *Manager) runHooks() {
	m.mu.RLock()
	hooks := append([]handlerEntry(nil), m.onConnect...)
	m.mu.RUnlock()

	for _, h := range hooks {
		h.handler(Envelope{})
	}
}

func (m *Manager) dispatch(ctx context.Context, conn Conn) {
	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-events:
			if !ok {
				return
			}
			m.deliver(env)
		}
	}
}

func (m *Manager) deliver(env Envelope) {
	m.mu.Lock()
	m.received++
	entries := append([]handlerEntry(nil), m.handlers[env.Type]...)
	m.mu.Unlock()

	if len(entries) == 0 {
		log.Debug().
			Str("event_type", string(env.Type)).
			Str("room", env.Room).
			Msg("no handler for event")
		return
	}
	for _, e := range entries {
		e.handler(env)
	}
}

// redial retries with bounded exponential backoff, then re-joins every held
// room. It gives up when the attempts run out or the loop identified by done
// has been detached.
func (m *Manager) redial(ctx context.Context, done chan struct{}) (Conn, bool) {
	for attempt := 0; m.reconnect.MaxAttempts == 0 || attempt < m.reconnect.MaxAttempts; attempt++ {
		delay := m.reconnect.Delay(attempt)
		select {
		case <-ctx.Done():
			return nil, false
		case <-m.clock.After(delay):
		}

		conn, err := m.dialer.Dial(ctx)
		if err != nil {
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("reconnect failed")
			m.mu.Lock()
			m.lastErr = err
			m.mu.Unlock()
			continue
		}

		m.mu.Lock()
		if m.done != done {
			m.mu.Unlock()
			conn.Close()
			return nil, false
		}
		m.conn = conn
		m.reconnects++
		m.lastErr = nil
		rooms := m.roomsLocked()
		m.mu.Unlock()

		for _, room := range rooms {
			if err := conn.Join(room); err != nil {
				log.Error().Err(err).Str("room", room).Msg("failed to re-join room")
			}
		}

		log.Info().
			Int("attempt", attempt+1).
			Int("rooms", len(rooms)).
			Msg("push connection re-established")

		m.runHooks()
		return conn, true
	}

	log.Error().
		Int("max_attempts", m.reconnect.MaxAttempts).
		Msg("giving up on push connection until the next subscriber")
	return nil, false
}
