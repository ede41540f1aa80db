package routing

import (
	"go.uber.org/zap"

	"github.com/Tyrowin/presencehub/internal/metrics"
	"github.com/Tyrowin/presencehub/internal/presence"
)

// Aggregator recomputes the online counts and the roster from scratch after
// every registry mutation and pushes them through the router: one
// online_count per group present, one online_users to the oversight room.
type Aggregator struct {
	router *Router
	log    *zap.Logger
}

// NewAggregator creates an aggregator emitting through router.
func NewAggregator(router *Router, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{router: router, log: log.Named("aggregator")}
}

// PresenceChanged implements presence.Observer.
func (a *Aggregator) PresenceChanged(snapshot []presence.Session) {
	metrics.ActiveSessions.Set(float64(len(snapshot)))

	counts := presence.OnlineCounts(snapshot)
	for _, group := range presence.GroupIDs(snapshot) {
		a.router.Emit(presence.GroupRoom(group), EventOnlineCount, presence.OnlineCount{
			GroupID: group,
			Count:   counts[group],
		})
	}

	roster := a.router.Emit(presence.OversightRoom(), EventOnlineUsers, presence.Roster(snapshot))
	a.log.Debug("presence recomputed",
		zap.Int("sessions", len(snapshot)),
		zap.Int("groups", len(counts)),
		zap.Int("roster_recipients", roster.Delivered()))
}
