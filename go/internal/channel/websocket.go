package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ConnectionConfig holds configuration for the push WebSocket connection
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  64 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  64,
	}
}

// withDefaults fills zero fields from DefaultConnectionConfig
func (c ConnectionConfig) withDefaults() ConnectionConfig {
	d := DefaultConnectionConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = d.SendBufferSize
	}
	return c
}

// WebSocketDialer connects to the push service over a JSON WebSocket
type WebSocketDialer struct {
	URL    string
	Header http.Header
	Config ConnectionConfig
}

// NewWebSocketDialer creates a dialer for the given ws:// or wss:// URL
func NewWebSocketDialer(url string, config ConnectionConfig) *WebSocketDialer {
	return &WebSocketDialer{
		URL:    url,
		Header: http.Header{},
		Config: config.withDefaults(),
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	config := d.Config.withDefaults()
	dialer := websocket.Dialer{
		ReadBufferSize:   config.ReadBufferSize,
		WriteBufferSize:  config.WriteBufferSize,
		HandshakeTimeout: config.WriteTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", d.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}

	c := &wsConn{
		id:     uuid.New().String(),
		conn:   conn,
		config: config,
		send:   make(chan []byte, config.SendBufferSize),
		events: make(chan Envelope, config.SendBufferSize),
		done:   make(chan struct{}),
	}

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.id).
		Str("url", d.URL).
		Msg("push connection established")

	return c, nil
}

// wsConn is a live WebSocket connection to the push service
type wsConn struct {
	id     string
	conn   *websocket.Conn
	config ConnectionConfig

	send   chan []byte
	events chan Envelope

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (c *wsConn) Events() <-chan Envelope {
	return c.events
}

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Join(room string) error {
	return c.command(CommandJoinRoom, room)
}

func (c *wsConn) Leave(room string) error {
	return c.command(CommandLeaveRoom, room)
}

func (c *wsConn) command(cmd EventType, room string) error {
	env, err := NewEnvelope(cmd, room, map[string]string{"room": room})
	if err != nil {
		return err
	}
	return c.Emit(env)
}

func (c *wsConn) Emit(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrChannelClosed
	default:
		return fmt.Errorf("send buffer full, dropping %s", env.Type)
	}
}

func (c *wsConn) Close() error {
	c.shutdown(nil)
	return nil
}

// shutdown records the first failure and stops both pumps
func (c *wsConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// writePump handles sending frames and keepalive pings
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to write message to WebSocket")
				c.shutdown(err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to send ping")
				c.shutdown(err)
				return
			}
		}
	}
}

// readPump decodes pushed frames until the connection fails or is closed
func (c *wsConn) readPump() {
	defer func() {
		close(c.events)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// closed locally
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error().
						Err(err).
						Str("connection_id", c.id).
						Msg("unexpected WebSocket close error")
				}
				c.shutdown(err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Warn().
				Err(err).
				Str("connection_id", c.id).
				Msg("dropping undecodable frame")
			continue
		}

		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}
