package channel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/winningbid/go/internal/auction"
)

// Envelope is the frame exchanged with the push service in both directions
type Envelope struct {
	ID        string          `json:"id"`             // Event UUID
	Type      EventType       `json:"type"`           // Event or command type
	Room      string          `json:"room,omitempty"` // Auction room, empty for global events
	Timestamp time.Time       `json:"timestamp"`      // Creation time on the sender
	Data      json.RawMessage `json:"data,omitempty"` // Event-specific payload
}

// EventType names a pushed event or a client command
type EventType string

const (
	EventTypeBidUpdate  EventType = "bidUpdate"
	EventTypeTimeUpdate EventType = "auctionTimeUpdate"
	EventTypeNewProduct EventType = "newProduct"

	// Client to server commands
	CommandJoinRoom  EventType = "joinRoom"
	CommandLeaveRoom EventType = "leaveRoom"
	CommandNewBid    EventType = "newBid"
)

// IsCommand reports whether the type is sent by clients rather than pushed by the server
func (t EventType) IsCommand() bool {
	switch t {
	case CommandJoinRoom, CommandLeaveRoom, CommandNewBid:
		return true
	}
	return false
}

// NewEnvelope builds an envelope with a fresh id and the payload marshaled as data
func NewEnvelope(eventType EventType, room string, payload interface{}) (Envelope, error) {
	env := Envelope{
		ID:        uuid.New().String(),
		Type:      eventType,
		Room:      room,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		env.Data = data
	}
	return env, nil
}

// BidAnnouncement is the optimistic newBid broadcast sent before the REST submission
type BidAnnouncement struct {
	AuctionID string      `json:"productId"`
	Bid       auction.Bid `json:"bid"`
}

// ParseEventPayload parses event data into the matching payload type.
// Unknown types yield (nil, nil); newProduct is returned as raw JSON for the feed to decode.
func ParseEventPayload(env Envelope) (interface{}, error) {
	switch env.Type {
	case EventTypeBidUpdate:
		var payload auction.BidUpdate
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		if payload.AuctionID == "" {
			payload.AuctionID = env.Room
		}
		return payload, nil

	case EventTypeTimeUpdate:
		var payload auction.TimeUpdate
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		if payload.AuctionID == "" {
			payload.AuctionID = env.Room
		}
		return payload, nil

	case EventTypeNewProduct:
		return env.Data, nil

	case CommandNewBid:
		var payload BidAnnouncement
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, nil
	}
}
