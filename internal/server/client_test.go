package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/presencehub/internal/presence"
	"github.com/Tyrowin/presencehub/internal/routing"
)

func newDetachedClient(t *testing.T, bufferSize int) *Client {
	t.Helper()
	defer SetConfig(nil)

	cfg := NewConfig()
	cfg.SendBufferSize = bufferSize
	SetConfig(cfg)
	return NewClient(nil, nil, "127.0.0.1:1", presence.Identity{
		PrincipalID: "u1", GroupID: "g", Role: presence.RoleMember,
	})
}

func TestClientIDsAreUnique(t *testing.T) {
	a := newDetachedClient(t, 1)
	b := newDetachedClient(t, 1)

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, "u1", a.Identity().PrincipalID)
}

func TestClientSendEvictsSlowConsumer(t *testing.T) {
	c := newDetachedClient(t, 1)

	assert.True(t, c.Send([]byte("first")))
	assert.False(t, c.Send([]byte("second")), "full buffer")
	assert.True(t, c.isClosed())
	assert.False(t, c.Send([]byte("third")), "evicted client accepts nothing")

	frame, ok := <-c.send
	require.True(t, ok)
	assert.Equal(t, "first", string(frame))
	_, ok = <-c.send
	assert.False(t, ok, "queue is closed after buffered frames")
}

func TestClientCloseSendIsIdempotent(t *testing.T) {
	c := newDetachedClient(t, 4)

	assert.NotPanics(t, func() {
		c.closeSend()
		c.closeSend()
	})
	assert.False(t, c.Send([]byte("late")))
}

func TestParseMessageAcceptsChatAndClientMessages(t *testing.T) {
	c := newDetachedClient(t, 1)

	msg, ok := c.parseMessage([]byte(`{"event":"chat_message","data":{"toUserId":"u2","message":"hi"}}`))
	require.True(t, ok)
	assert.Equal(t, routing.EventChatMessage, msg.event)
	assert.Equal(t, routing.ChatRequest{ToUserID: "u2", Message: "hi"}, msg.request)
	assert.Same(t, c, msg.client)

	msg, ok = c.parseMessage([]byte(`{"event":"client_message","data":{"message":"ping"}}`))
	require.True(t, ok)
	assert.Equal(t, routing.EventClientMessage, msg.event)
	assert.Equal(t, "ping", msg.request.Message)

	for _, raw := range []string{
		`{"event":"notification","data":{"message":"hi"}}`,
		`{"event":"server_message","data":{"message":"hi"}}`,
		`{"event":"chat_message","data":"hi"}`,
		`{`,
	} {
		_, ok := c.parseMessage([]byte(raw))
		assert.False(t, ok, raw)
	}
}
