package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/presencehub/internal/broker"
	"github.com/Tyrowin/presencehub/internal/fanin"
	"github.com/Tyrowin/presencehub/internal/presence"
	"github.com/Tyrowin/presencehub/internal/routing"
	"github.com/Tyrowin/presencehub/internal/testhelpers"
)

const quietWindow = 200 * time.Millisecond

// testContext stands in for testing.T.Context (Go 1.24+): a context that is
// cancelled when the test finishes.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func testConfig(nodeID string) *Config {
	cfg := NewConfig()
	cfg.AllowedOrigins = []string{testhelpers.DefaultOrigin}
	cfg.HandshakeTimeout = time.Second
	cfg.NodeID = nodeID
	return cfg
}

// startServer runs a server on b (nil for local mode) behind an httptest
// server and returns the /ws URL.
func startServer(t *testing.T, cfg *Config, b broker.Broker) (*Server, string) {
	t.Helper()

	srv := NewWithBroker(cfg, b, zap.NewNop())
	srv.Start()
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		_ = srv.Shutdown(2 * time.Second)
		ts.Close()
		SetConfig(nil)
	})
	return srv, testhelpers.WebSocketURL(ts.URL)
}

func chatFrom(from, message string) func(json.RawMessage) bool {
	return func(data json.RawMessage) bool {
		var d routing.ChatDelivery
		return json.Unmarshal(data, &d) == nil && d.From == from && d.Message == message
	}
}

func countFor(groupID string, count int) func(json.RawMessage) bool {
	return func(data json.RawMessage) bool {
		var c presence.OnlineCount
		return json.Unmarshal(data, &c) == nil && c.GroupID == groupID && c.Count == count
	}
}

func TestNodeIDDefaultsToGeneratedID(t *testing.T) {
	defer SetConfig(nil)

	named := NewWithBroker(testConfig("edge-1"), nil, zap.NewNop())
	assert.Equal(t, "edge-1", named.NodeID())

	a := NewWithBroker(testConfig(""), nil, zap.NewNop())
	b := NewWithBroker(testConfig(""), nil, zap.NewNop())
	assert.NotEmpty(t, a.NodeID())
	assert.NotEqual(t, a.NodeID(), b.NodeID())
}

func TestHealthEndpoint(t *testing.T) {
	srv := NewWithBroker(testConfig("n1"), nil, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer SetConfig(nil)

	resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/")
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, "WebSocket server running", string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	srv := NewWithBroker(testConfig("n1"), nil, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer SetConfig(nil)

	resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/metrics")
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "presencehub_active_sessions")
}

func TestWebSocketHandlerRejectsNonGET(t *testing.T) {
	hub := NewHub(zap.NewNop())

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			rr := httptest.NewRecorder()
			hub.WebSocketHandler(rr, httptest.NewRequest(method, "/ws", http.NoBody))
			assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
		})
	}
}

func TestDisallowedOriginIsRefused(t *testing.T) {
	_, url := startServer(t, testConfig("n1"), nil)

	headers := http.Header{}
	headers.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(url, headers)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHandshakeRejectsInvalidIdentity(t *testing.T) {
	_, url := startServer(t, testConfig("n1"), nil)

	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `hello`},
		{"wrong event", `{"event":"chat_message","data":{"message":"hi"}}`},
		{"missing group", `{"event":"auth","data":{"userId":"u1","role":"member"}}`},
		{"missing user", `{"event":"auth","data":{"groupId":"g","role":"member"}}`},
		{"unknown role", `{"event":"auth","data":{"userId":"u1","groupId":"g","role":"owner"}}`},
		{"role not lowercase", `{"event":"auth","data":{"userId":"u1","groupId":"g","role":"ADMIN"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testhelpers.Dial(t, url)
			require.NoError(t, c.Conn.WriteMessage(websocket.TextMessage, []byte(tt.frame)))
			assert.Equal(t, websocket.ClosePolicyViolation, c.ExpectClose(t))
		})
	}
}

func TestHandshakeTimesOut(t *testing.T) {
	cfg := testConfig("n1")
	cfg.HandshakeTimeout = 100 * time.Millisecond
	srv, url := startServer(t, cfg, nil)

	c := testhelpers.Dial(t, url)
	assert.Equal(t, websocket.ClosePolicyViolation, c.ExpectClose(t))
	assert.Zero(t, srv.Hub().Registry().Len())
}

func TestConnectedAckPrecedesPresence(t *testing.T) {
	_, url := startServer(t, testConfig("n1"), nil)

	c := testhelpers.Dial(t, url)
	require.NoError(t, c.Authenticate("u1", "office-1", "member"))

	ack := c.WaitForEvent(t, "connected", nil)
	var notice routing.Notice
	require.NoError(t, json.Unmarshal(ack.Data, &notice))
	assert.Equal(t, "Connected to WS server", notice.Message)

	c.WaitForEvent(t, "online_count", countFor("office-1", 1))
}

func TestPresenceScenario(t *testing.T) {
	srv, url := startServer(t, testConfig("n1"), nil)

	admin := testhelpers.Connect(t, url, "a1", "hq", "admin")
	u1 := testhelpers.Connect(t, url, "U1", "office-1", "member")
	u1.WaitForEvent(t, "online_count", countFor("office-1", 1))

	u2 := testhelpers.Connect(t, url, "U2", "office-1", "member")
	u1.WaitForEvent(t, "online_count", countFor("office-1", 2))
	u2.WaitForEvent(t, "online_count", countFor("office-1", 2))

	roster := admin.WaitForEvent(t, "online_users", func(data json.RawMessage) bool {
		var entries []presence.RosterEntry
		return json.Unmarshal(data, &entries) == nil && len(entries) == 3
	})
	var entries []presence.RosterEntry
	require.NoError(t, json.Unmarshal(roster.Data, &entries))
	assert.Equal(t, []presence.RosterEntry{
		{UserID: "a1", GroupID: "hq", Role: presence.RoleAdmin},
		{UserID: "U1", GroupID: "office-1", Role: presence.RoleMember},
		{UserID: "U2", GroupID: "office-1", Role: presence.RoleMember},
	}, entries)

	require.NoError(t, u1.SendChat("U2", "", "hi"))
	u2.WaitForEvent(t, "chat_message", chatFrom("U1", "hi"))

	require.NoError(t, u2.Close())
	u1.WaitForEvent(t, "online_count", countFor("office-1", 1))
	require.Eventually(t, func() bool { return srv.Hub().Registry().Len() == 2 }, time.Second, 5*time.Millisecond)

	u1.ExpectNoEvent(t, "online_users", quietWindow)
}

func TestDirectMessageReachesOnlyTarget(t *testing.T) {
	_, url := startServer(t, testConfig("n1"), nil)

	sender := testhelpers.Connect(t, url, "u1", "office-1", "member")
	target := testhelpers.Connect(t, url, "u2", "office-1", "member")
	bystander := testhelpers.Connect(t, url, "u3", "office-1", "member")

	require.NoError(t, sender.SendChat("u2", "", "psst"))

	target.WaitForEvent(t, "chat_message", chatFrom("u1", "psst"))
	bystander.ExpectNoEvent(t, "chat_message", quietWindow)
	sender.ExpectNoEvent(t, "chat_message", quietWindow)
}

func TestGroupMessageFansOutToGroup(t *testing.T) {
	_, url := startServer(t, testConfig("n1"), nil)

	u1 := testhelpers.Connect(t, url, "u1", "office-1", "member")
	u2 := testhelpers.Connect(t, url, "u2", "office-1", "member")
	other := testhelpers.Connect(t, url, "u3", "office-2", "member")

	require.NoError(t, u1.SendChat("", "office-1", "standup"))

	u1.WaitForEvent(t, "chat_message", chatFrom("u1", "standup"))
	u2.WaitForEvent(t, "chat_message", chatFrom("u1", "standup"))
	other.ExpectNoEvent(t, "chat_message", quietWindow)
}

func TestAdminBroadcastReachesEveryone(t *testing.T) {
	_, url := startServer(t, testConfig("n1"), nil)

	admin := testhelpers.Connect(t, url, "a1", "hq", "admin")
	u1 := testhelpers.Connect(t, url, "u1", "office-1", "member")
	u2 := testhelpers.Connect(t, url, "u2", "office-2", "member")

	require.NoError(t, admin.SendChat("", "", "maintenance at noon"))

	for _, c := range []*testhelpers.WSClient{admin, u1, u2} {
		c.WaitForEvent(t, "chat_message", chatFrom("a1", "maintenance at noon"))
	}
}

func TestUntargetedMemberMessageIsDropped(t *testing.T) {
	_, url := startServer(t, testConfig("n1"), nil)

	u1 := testhelpers.Connect(t, url, "u1", "office-1", "member")
	u2 := testhelpers.Connect(t, url, "u2", "office-1", "member")

	require.NoError(t, u1.SendChat("", "", "anyone?"))
	u2.ExpectNoEvent(t, "chat_message", quietWindow)
}

func TestReconnectSupersedesPreviousConnection(t *testing.T) {
	srv, url := startServer(t, testConfig("n1"), nil)

	first := testhelpers.Connect(t, url, "u1", "office-1", "member")
	second := testhelpers.Connect(t, url, "u1", "office-1", "member")

	assert.Equal(t, websocket.CloseNormalClosure, first.ExpectClose(t))

	peer := testhelpers.Connect(t, url, "u2", "office-1", "member")
	peer.WaitForEvent(t, "online_count", countFor("office-1", 2))

	require.NoError(t, peer.SendChat("u1", "", "still there?"))
	second.WaitForEvent(t, "chat_message", chatFrom("u2", "still there?"))

	session, ok := srv.Hub().Registry().Lookup("u1")
	require.True(t, ok)
	assert.Equal(t, 2, srv.Hub().Registry().Len())
	assert.NotNil(t, session.Conn)
}

func TestClientMessageIsAnsweredToSenderOnly(t *testing.T) {
	shared := broker.NewMemory()
	observer, err := shared.Subscribe(testContext(t), fanin.DefaultChannel)
	require.NoError(t, err)
	defer observer.Close()

	_, url := startServer(t, testConfig("n1"), shared)

	u1 := testhelpers.Connect(t, url, "u1", "office-1", "member")
	u2 := testhelpers.Connect(t, url, "u2", "office-1", "member")

	require.NoError(t, u1.SendClientMessage("hello"))

	frame := u1.WaitForEvent(t, "server_message", nil)
	var reply routing.Notice
	require.NoError(t, json.Unmarshal(frame.Data, &reply))
	assert.Equal(t, "Server received: hello", reply.Message)

	u2.ExpectNoEvent(t, "server_message", quietWindow)
	select {
	case raw := <-observer.Messages():
		t.Fatalf("reply was published to the external channel: %s", raw)
	default:
	}
}

func TestUnsupportedClientEventsAreIgnored(t *testing.T) {
	_, url := startServer(t, testConfig("n1"), nil)

	u1 := testhelpers.Connect(t, url, "u1", "office-1", "member")
	u2 := testhelpers.Connect(t, url, "u2", "office-1", "member")

	require.NoError(t, u1.Conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"online_users","data":[]}`)))
	require.NoError(t, u1.Conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, u1.SendChat("u2", "", "after noise"))

	u2.WaitForEvent(t, "chat_message", chatFrom("u1", "after noise"))
}

func TestRateLimitDiscardsExcessMessages(t *testing.T) {
	cfg := testConfig("n1")
	cfg.RateLimit = RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	_, url := startServer(t, cfg, nil)

	u1 := testhelpers.Connect(t, url, "u1", "office-1", "member")
	u2 := testhelpers.Connect(t, url, "u2", "office-1", "member")

	for _, msg := range []string{"one", "two", "three", "four"} {
		require.NoError(t, u1.SendChat("u2", "", msg))
	}

	u2.WaitForEvent(t, "chat_message", chatFrom("u1", "one"))
	u2.WaitForEvent(t, "chat_message", chatFrom("u1", "two"))
	u2.ExpectNoEvent(t, "chat_message", quietWindow)
}

func TestShutdownClosesClients(t *testing.T) {
	srv := NewWithBroker(testConfig("n1"), nil, zap.NewNop())
	srv.Start()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer SetConfig(nil)

	url := testhelpers.WebSocketURL(ts.URL)
	u1 := testhelpers.Connect(t, url, "u1", "office-1", "member")
	u2 := testhelpers.Connect(t, url, "u2", "office-2", "member")

	require.NoError(t, srv.Shutdown(2*time.Second))

	assert.Equal(t, websocket.CloseGoingAway, u1.ExpectClose(t))
	assert.Equal(t, websocket.CloseGoingAway, u2.ExpectClose(t))
}

func TestCrossProcessDelivery(t *testing.T) {
	shared := broker.NewMemory()
	srvA, urlA := startServer(t, testConfig("node-a"), shared)
	_, urlB := startServer(t, testConfig("node-b"), shared)
	require.Eventually(t, func() bool {
		return shared.Subscribers(fanin.DefaultChannel) == 2
	}, time.Second, 5*time.Millisecond)

	u1 := testhelpers.Connect(t, urlA, "u1", "office-1", "member")
	u2 := testhelpers.Connect(t, urlB, "u2", "office-2", "member")
	u3 := testhelpers.Connect(t, urlB, "u3", "office-1", "member")

	require.NoError(t, u1.SendChat("u2", "", "across"))
	frame := u2.WaitForEvent(t, "chat_message", chatFrom("u1", "across"))

	var record map[string]any
	require.NoError(t, json.Unmarshal(frame.Data, &record))
	assert.Equal(t, srvA.NodeID(), record["origin"])
	assert.Equal(t, "u2", record["userId"])

	require.NoError(t, u1.SendChat("", "office-1", "group across"))
	u3.WaitForEvent(t, "chat_message", chatFrom("u1", "group across"))
	u1.WaitForEvent(t, "chat_message", chatFrom("u1", "group across"))
	// The sender's own process skips the record coming back.
	u1.ExpectNoEvent(t, "chat_message", quietWindow)
}

func TestExternalRecordsAreRouted(t *testing.T) {
	shared := broker.NewMemory()
	_, url := startServer(t, testConfig("node-a"), shared)
	require.Eventually(t, func() bool {
		return shared.Subscribers(fanin.DefaultChannel) == 1
	}, time.Second, 5*time.Millisecond)

	u1 := testhelpers.Connect(t, url, "u1", "office-1", "member")
	u2 := testhelpers.Connect(t, url, "u2", "office-2", "member")

	ctx := testContext(t)
	for _, raw := range []string{`{broken`, `{"type":"order_update","userId":"u1"}`, `{"type":"notification"}`} {
		require.NoError(t, shared.Publish(ctx, fanin.DefaultChannel, []byte(raw)))
	}

	record := `{"type":"notification","groupId":"office-1","title":"Invoice ready"}`
	require.NoError(t, shared.Publish(ctx, fanin.DefaultChannel, []byte(record)))

	frame := u1.WaitForEvent(t, "notification", nil)
	assert.JSONEq(t, record, string(frame.Data))
	u2.ExpectNoEvent(t, "notification", quietWindow)

	broadcast := `{"type":"notification","role":"admin","title":"All hands"}`
	require.NoError(t, shared.Publish(ctx, fanin.DefaultChannel, []byte(broadcast)))
	u1.WaitForEvent(t, "notification", nil)
	u2.WaitForEvent(t, "notification", nil)
}
