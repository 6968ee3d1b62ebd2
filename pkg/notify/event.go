package notify

import (
	"time"
)

// EventType names a real-time message
type EventType string

const (
	// EventDataUpdated carries rows resolved by an upload
	EventDataUpdated EventType = "data-updated"

	// EventClientConnected is sent once after the socket is registered
	EventClientConnected EventType = "client-connected"

	// EventSyncStatus answers client actions (ping, subscribe)
	EventSyncStatus EventType = "sync-status"
)

// Event is the JSON envelope of every server-to-client message.
type Event struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewEvent stamps an event with the current time in epoch ms
func NewEvent(t EventType, data interface{}) Event {
	return Event{Type: t, Data: data, Timestamp: time.Now().UnixMilli()}
}

// ConnectionRecord describes one live real-time connection.
type ConnectionRecord struct {
	ConnectionID string    `json:"connectionId"`
	ClientID     string    `json:"clientId"`
	ConnectedAt  time.Time `json:"connectedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Topics       []string  `json:"topics,omitempty"`
}
