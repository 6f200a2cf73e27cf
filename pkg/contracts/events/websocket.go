// Package events contains the messages pushed over the /ws/logs feed.
package events

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// MessageTypeValidation carries one persisted api.ValidationLog
	MessageTypeValidation MessageType = "validation"

	MessageTypeConnect MessageType = "connect"
	MessageTypeError   MessageType = "error"
)

// WebSocketMessage is the envelope of every feed message
type WebSocketMessage struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// ConnectData is sent once when a subscriber connects
type ConnectData struct {
	ClientID   string `json:"clientId"`
	APIVersion string `json:"apiVersion"`
}
