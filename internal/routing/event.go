// Package routing resolves addressed events to rooms and delivers them to the
// connections of those rooms, and keeps presence views pushed to clients.
package routing

import (
	"encoding/json"
	"fmt"

	"github.com/Tyrowin/presencehub/internal/presence"
)

// EventType is the name a frame is delivered under.
type EventType string

const (
	EventConnected   EventType = "connected"
	EventChatMessage EventType = "chat_message"
	EventNotify      EventType = "notification"
	EventOnlineCount EventType = "online_count"
	EventOnlineUsers EventType = "online_users"
	// EventClientMessage is sent by a client and answered with an
	// EventServerMessage to that client alone.
	EventClientMessage EventType = "client_message"
	EventServerMessage EventType = "server_message"
)

// ParseRelayType maps a type tag read from the external channel to an
// EventType. Only chat and notification events may arrive that way; server
// generated presence events and unknown tags are refused.
func ParseRelayType(tag string) (EventType, bool) {
	switch EventType(tag) {
	case EventChatMessage, EventNotify:
		return EventType(tag), true
	default:
		return "", false
	}
}

// BroadcastClass reports whether admin-originated events of this type go to
// every connection.
func (t EventType) BroadcastClass() bool {
	return t == EventChatMessage || t == EventNotify
}

// Relayable reports whether locally originated events of this type are
// published to the external channel.
func (t EventType) Relayable() bool {
	return t == EventChatMessage
}

// Source records where an event entered this process.
type Source int

const (
	// SourceLocal is a client connected to this process.
	SourceLocal Source = iota
	// SourceExternal is the external broadcast channel.
	SourceExternal
)

func (s Source) String() string {
	if s == SourceExternal {
		return "external"
	}
	return "local"
}

// Event is an addressed payload waiting to be routed. Data is delivered to
// clients as-is.
type Event struct {
	Type          EventType
	TargetUserID  string
	TargetGroupID string
	OriginRole    presence.Role
	// Broadcast forces delivery to every connection regardless of type.
	Broadcast bool
	Sender    string
	Data      json.RawMessage
	Source    Source
}

// Envelope is the frame written to clients and read from them.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ChatRequest is the data of a client chat_message.
type ChatRequest struct {
	ToUserID  string `json:"toUserId,omitempty"`
	ToGroupID string `json:"toGroupId,omitempty"`
	Message   string `json:"message"`
}

// ChatDelivery is the data of a chat_message delivered to clients.
type ChatDelivery struct {
	From    string `json:"from"`
	Message string `json:"message"`
}

// Notice is the data of the connected acknowledgement and of server_message
// replies.
type Notice struct {
	Message string `json:"message"`
}

// EncodeFrame marshals payload and wraps it in an envelope named t.
func EncodeFrame(t EventType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return frame(t, data)
}

func frame(t EventType, data json.RawMessage) ([]byte, error) {
	out, err := json.Marshal(Envelope{Event: t, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", t, err)
	}
	return out, nil
}
