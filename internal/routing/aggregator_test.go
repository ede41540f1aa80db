package routing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/presencehub/internal/presence"
)

func newAggregatedFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	f.registry.SetObserver(NewAggregator(f.router, zaptest.NewLogger(t)))
	return f
}

func lastCount(t *testing.T, conn *recordingConn) presence.OnlineCount {
	t.Helper()
	frames := conn.received(EventOnlineCount)
	require.NotEmpty(t, frames)
	var count presence.OnlineCount
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Data, &count))
	return count
}

func lastRoster(t *testing.T, conn *recordingConn) []presence.RosterEntry {
	t.Helper()
	frames := conn.received(EventOnlineUsers)
	require.NotEmpty(t, frames)
	var roster []presence.RosterEntry
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Data, &roster))
	return roster
}

func TestAggregatorCountsFollowEveryMutation(t *testing.T) {
	f := newAggregatedFixture(t)
	a1 := f.connect("a1", "A", presence.RoleMember)
	assert.Equal(t, presence.OnlineCount{GroupID: "A", Count: 1}, lastCount(t, a1))

	f.connect("a2", "A", presence.RoleMember)
	assert.Equal(t, presence.OnlineCount{GroupID: "A", Count: 2}, lastCount(t, a1))

	b1 := f.connect("b1", "B", presence.RoleMember)
	assert.Equal(t, presence.OnlineCount{GroupID: "B", Count: 1}, lastCount(t, b1))
	for _, frame := range b1.received(EventOnlineCount) {
		var count presence.OnlineCount
		require.NoError(t, json.Unmarshal(frame.Data, &count))
		assert.Equal(t, "B", count.GroupID, "group B must only see its own count")
	}

	f.registry.Unregister("a2")
	assert.Equal(t, presence.OnlineCount{GroupID: "A", Count: 1}, lastCount(t, a1))
	assert.Equal(t, f.registry.Len(), 2)
}

func TestAggregatorRosterGoesToOversightOnly(t *testing.T) {
	f := newAggregatedFixture(t)
	member := f.connect("m1", "A", presence.RoleMember)
	admin := f.connect("boss", "B", presence.RoleAdmin)
	f.connect("m2", "C", presence.RoleMember)

	assert.Empty(t, member.received(EventOnlineUsers))
	roster := lastRoster(t, admin)
	assert.Len(t, roster, f.registry.Len())
	assert.Equal(t, []presence.RosterEntry{
		{UserID: "m1", GroupID: "A", Role: presence.RoleMember},
		{UserID: "boss", GroupID: "B", Role: presence.RoleAdmin},
		{UserID: "m2", GroupID: "C", Role: presence.RoleMember},
	}, roster)
}

func TestReconnectReplacesWithoutDuplicateRosterEntry(t *testing.T) {
	f := newAggregatedFixture(t)
	admin := f.connect("boss", "B", presence.RoleAdmin)
	f.connect("m1", "A", presence.RoleMember)
	f.connect("m1", "A", presence.RoleMember)

	roster := lastRoster(t, admin)
	assert.Len(t, roster, 2)
}

// Mirrors the documented walk-through: two principals join one office, then
// exchange a direct message and an admin broadcast.
func TestEndToEndScenario(t *testing.T) {
	f := newAggregatedFixture(t)
	u1 := f.connect("U1", "office-1", presence.RoleMember)
	u2 := f.connect("U2", "office-1", presence.RoleAdmin)

	assert.Equal(t, presence.OnlineCount{GroupID: "office-1", Count: 2}, lastCount(t, u1))
	assert.Equal(t, presence.OnlineCount{GroupID: "office-1", Count: 2}, lastCount(t, u2))
	assert.Equal(t, []presence.RosterEntry{
		{UserID: "U1", GroupID: "office-1", Role: presence.RoleMember},
		{UserID: "U2", GroupID: "office-1", Role: presence.RoleAdmin},
	}, lastRoster(t, u2))

	f.router.Dispatch(chat("U1", presence.RoleMember, "U2", "", "hello admin"))
	direct := u2.received(EventChatMessage)
	require.Len(t, direct, 1)
	assert.JSONEq(t, `{"from":"U1","message":"hello admin"}`, string(direct[0].Data))
	assert.Empty(t, u1.received(EventChatMessage))

	f.router.Dispatch(chat("U2", presence.RoleAdmin, "", "", "hello everyone"))
	assert.Len(t, u1.received(EventChatMessage), 1)
	assert.Len(t, u2.received(EventChatMessage), 2)
}
