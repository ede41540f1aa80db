// Package testhelpers provides common utilities for tests that drive the
// server over real HTTP and WebSocket connections.
package testhelpers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// DefaultOrigin is the Origin header sent by Dial.
const DefaultOrigin = "http://localhost:3000"

const waitTimeout = 3 * time.Second

// Frame is an envelope read from the server.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It fails the test if the request cannot be made.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

// WebSocketURL converts the base URL of an httptest server to the URL of its
// /ws endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// DialWebSocket dials url with DefaultOrigin.
func DialWebSocket(url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	headers.Set("Origin", DefaultOrigin)

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// WSClient is a test connection whose frames are read in the background, so
// waiting for a frame that never comes does not break the connection.
type WSClient struct {
	Conn   *websocket.Conn
	frames chan Frame

	mu      sync.Mutex
	readErr error
}

// Dial opens a WSClient. The connection is closed when the test ends.
func Dial(t *testing.T, url string) *WSClient {
	t.Helper()

	conn, err := DialWebSocket(url)
	require.NoError(t, err)

	c := &WSClient{Conn: conn, frames: make(chan Frame, 64)}
	go c.readLoop()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

// Connect dials url, authenticates and waits for the connected
// acknowledgement.
func Connect(t *testing.T, url, userID, groupID, role string) *WSClient {
	t.Helper()

	c := Dial(t, url)
	require.NoError(t, c.Authenticate(userID, groupID, role))
	c.WaitForEvent(t, "connected", nil)
	return c
}

func (c *WSClient) readLoop() {
	defer close(c.frames)
	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		c.frames <- frame
	}
}

// Authenticate sends the auth frame for the given identity.
func (c *WSClient) Authenticate(userID, groupID, role string) error {
	return c.Conn.WriteJSON(map[string]any{
		"event": "auth",
		"data": map[string]string{
			"userId":  userID,
			"groupId": groupID,
			"role":    role,
		},
	})
}

// SendChat sends a chat_message frame.
func (c *WSClient) SendChat(toUserID, toGroupID, message string) error {
	data := map[string]string{"message": message}
	if toUserID != "" {
		data["toUserId"] = toUserID
	}
	if toGroupID != "" {
		data["toGroupId"] = toGroupID
	}
	return c.Conn.WriteJSON(map[string]any{"event": "chat_message", "data": data})
}

// SendClientMessage sends a client_message frame.
func (c *WSClient) SendClientMessage(message string) error {
	return c.Conn.WriteJSON(map[string]any{
		"event": "client_message",
		"data":  map[string]string{"message": message},
	})
}

// WaitForEvent returns the first frame named event whose data satisfies
// match, skipping the rest. A nil match accepts any data.
func (c *WSClient) WaitForEvent(t *testing.T, event string, match func(json.RawMessage) bool) Frame {
	t.Helper()

	timeout := time.After(waitTimeout)
	for {
		select {
		case frame, ok := <-c.frames:
			require.True(t, ok, "connection closed while waiting for %q: %v", event, c.err())
			if frame.Event == event && (match == nil || match(frame.Data)) {
				return frame
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for frame", "event %q", event)
		}
	}
}

// ExpectNoEvent fails the test if a frame named event arrives within window.
func (c *WSClient) ExpectNoEvent(t *testing.T, event string, window time.Duration) {
	t.Helper()

	timeout := time.After(window)
	for {
		select {
		case frame, ok := <-c.frames:
			if !ok {
				return
			}
			require.NotEqual(t, event, frame.Event, "unexpected %q frame: %s", event, frame.Data)
		case <-timeout:
			return
		}
	}
}

// ExpectClose waits until the server closes the connection and returns the
// close code.
func (c *WSClient) ExpectClose(t *testing.T) int {
	t.Helper()

	timeout := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-c.frames:
			if ok {
				continue
			}
			var closeErr *websocket.CloseError
			require.True(t, errors.As(c.err(), &closeErr), "expected close frame, got %v", c.err())
			return closeErr.Code
		case <-timeout:
			require.FailNow(t, "timed out waiting for the server to close the connection")
		}
	}
}

func (c *WSClient) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// Close gracefully closes the connection.
func (c *WSClient) Close() error {
	err := c.Conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return c.Conn.Close()
}
