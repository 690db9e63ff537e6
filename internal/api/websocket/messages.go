package websocket

import (
	"time"

	"github.com/KevinKickass/ElectrometerCSC/internal/bus"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Bus events
	MessageTypeEvent MessageType = "event"

	// Session messages
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`

	// event is set for MessageTypeEvent so the hub can filter per client.
	event string
}

// clientRequest is what a client may send: {"type":"auth","token":...} or
// {"type":"subscribe","events":[...]}. An empty events list means everything.
type clientRequest struct {
	Type   string   `json:"type"`
	Token  string   `json:"token,omitempty"`
	Events []string `json:"events,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewEventMessage(e bus.Event) Message {
	return Message{
		Type:      MessageTypeEvent,
		Timestamp: e.Timestamp,
		Data:      e,
		event:     e.Name,
	}
}
