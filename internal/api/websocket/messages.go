package websocket

import "time"

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Positioner messages
	MessageTypeWatcherUpdate MessageType = "watcher_update"
	MessageTypeMoveState     MessageType = "move_state"

	// Plan execution messages
	MessageTypePlanEvent MessageType = "plan_event"

	// System messages
	MessageTypeSystemStatus MessageType = "system_status"

	// Replies to client commands
	MessageTypeSubscribed MessageType = "subscribed"
	MessageTypeError      MessageType = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`

	// positioner is the axis the message concerns, used for client
	// subscriptions. Empty for messages every client receives.
	positioner string
}

// ClientCommand is a message sent by a client.
//
//	{"type":"subscribe","positioners":["sx","sy"]}
//	{"type":"unsubscribe","positioners":["sy"]}
type ClientCommand struct {
	Type        string   `json:"type"`
	Positioners []string `json:"positioners"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func newPositionerMessage(msgType MessageType, name string, data any) Message {
	msg := NewMessage(msgType, data)
	msg.positioner = name
	return msg
}
