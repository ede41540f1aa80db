package server

import (
	"errors"
	"net"
	"strings"

	"github.com/Tyrowin/presencehub/internal/routing"
)

// EventAuth names the handshake frame a client must send first.
const EventAuth routing.EventType = "auth"

const (
	connectedMessage    = "Connected to WS server"
	serverMessagePrefix = "Server received: "
)

var (
	// ErrHubStopped is returned when an event arrives after the hub exited.
	ErrHubStopped = errors.New("hub stopped")
	// ErrHandshake marks a connection whose first frame was not a valid auth frame.
	ErrHandshake = errors.New("handshake failed")
)

// inboundMessage is a frame read from a client, queued for the hub. For
// client_message frames only request.Message is used.
type inboundMessage struct {
	client  *Client
	event   routing.EventType
	request routing.ChatRequest
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
