package routing

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Tyrowin/presencehub/internal/metrics"
	"github.com/Tyrowin/presencehub/internal/presence"
)

// Publisher forwards locally originated events to other processes.
type Publisher interface {
	Publish(ev Event)
}

// Delivery summarizes one dispatch.
type Delivery struct {
	Rooms      []presence.Room
	Recipients []string
	Dropped    int
}

// Delivered returns the number of connections the frame was queued to.
func (d Delivery) Delivered() int {
	return len(d.Recipients)
}

// Router turns events into frames on the connections of the rooms they
// address. Each connection receives a frame at most once per dispatch, however
// many of the resolved rooms it belongs to.
type Router struct {
	registry *presence.Registry
	log      *zap.Logger

	mu        sync.RWMutex
	publisher Publisher
}

// NewRouter creates a router reading membership from registry.
func NewRouter(registry *presence.Registry, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		registry: registry,
		log:      log.Named("router"),
	}
}

// SetPublisher installs the cross-process publisher. A nil publisher keeps
// delivery local.
func (r *Router) SetPublisher(p Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publisher = p
}

func (r *Router) currentPublisher() Publisher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.publisher
}

// Resolve returns the rooms ev addresses. The rules are applied independently
// and their results unioned:
//  1. a target user selects that user's room
//  2. a target group selects that group's room
//  3. a forced broadcast, or an admin sending a broadcast-class type, selects
//     the oversight room and every group room, i.e. every connection
func (r *Router) Resolve(ev Event) []presence.Room {
	var rooms []presence.Room
	if ev.TargetUserID != "" {
		rooms = append(rooms, presence.UserRoom(ev.TargetUserID))
	}
	if ev.TargetGroupID != "" {
		rooms = append(rooms, presence.GroupRoom(ev.TargetGroupID))
	}
	if ev.Broadcast || (ev.OriginRole == presence.RoleAdmin && ev.Type.BroadcastClass()) {
		rooms = append(rooms, presence.OversightRoom())
		for _, group := range r.registry.Groups() {
			rooms = append(rooms, presence.GroupRoom(group))
		}
	}
	return rooms
}

// Dispatch delivers ev to every connection in the rooms it resolves to.
// Unaddressable events are logged and dropped. Local relayable events are also
// handed to the publisher; events from the external channel never are.
func (r *Router) Dispatch(ev Event) Delivery {
	rooms := r.Resolve(ev)
	if len(rooms) == 0 {
		r.log.Info("dropping unaddressable event",
			zap.String("type", string(ev.Type)),
			zap.String("source", ev.Source.String()),
			zap.String("sender", ev.Sender))
		metrics.RoutedEvents.WithLabelValues(string(ev.Type), ev.Source.String(), "unaddressable").Inc()
		return Delivery{}
	}

	payload, err := frame(ev.Type, ev.Data)
	if err != nil {
		r.log.Error("dropping unencodable event", zap.String("type", string(ev.Type)), zap.Error(err))
		metrics.RoutedEvents.WithLabelValues(string(ev.Type), ev.Source.String(), "invalid").Inc()
		return Delivery{Rooms: rooms}
	}

	delivery := r.deliver(ev.Type, rooms, payload)
	metrics.RoutedEvents.WithLabelValues(string(ev.Type), ev.Source.String(), "routed").Inc()
	r.log.Debug("event routed",
		zap.String("type", string(ev.Type)),
		zap.String("source", ev.Source.String()),
		zap.Stringers("rooms", rooms),
		zap.Int("delivered", delivery.Delivered()),
		zap.Int("dropped", delivery.Dropped))

	if ev.Source == SourceLocal && ev.Type.Relayable() {
		if p := r.currentPublisher(); p != nil {
			p.Publish(ev)
		}
	}
	return delivery
}

// Emit encodes payload under t and delivers it to room.
func (r *Router) Emit(room presence.Room, t EventType, payload any) Delivery {
	data, err := EncodeFrame(t, payload)
	if err != nil {
		r.log.Error("failed to encode frame", zap.String("type", string(t)), zap.Error(err))
		return Delivery{}
	}
	return r.deliver(t, []presence.Room{room}, data)
}

func (r *Router) deliver(t EventType, rooms []presence.Room, payload []byte) Delivery {
	delivery := Delivery{Rooms: rooms}
	seen := make(map[string]struct{})

	for _, room := range rooms {
		for _, s := range r.registry.Members(room) {
			if s.Conn == nil {
				continue
			}
			connID := s.Conn.ID()
			if _, dup := seen[connID]; dup {
				continue
			}
			seen[connID] = struct{}{}

			if s.Conn.Send(payload) {
				delivery.Recipients = append(delivery.Recipients, s.PrincipalID)
				metrics.Deliveries.WithLabelValues(string(t), "queued").Inc()
			} else {
				delivery.Dropped++
				metrics.Deliveries.WithLabelValues(string(t), "dropped").Inc()
			}
		}
	}
	return delivery
}
