package presence

import (
	"sort"
	"sync"
	"time"
)

// Observer is notified synchronously after every registry mutation with a
// fresh snapshot of the sessions.
type Observer interface {
	PresenceChanged(snapshot []Session)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(snapshot []Session)

// PresenceChanged calls f(snapshot).
func (f ObserverFunc) PresenceChanged(snapshot []Session) {
	f(snapshot)
}

// Registry is the table of connected principals. There is at most one live
// session per principal id.
//
// writeMu serializes a mutation together with the observer notification that
// follows it, so observers see recomputations in mutation order. mu guards the
// map itself and is what readers take.
type Registry struct {
	writeMu  sync.Mutex
	mu       sync.RWMutex
	sessions map[string]*Session
	seq      uint64
	observer Observer
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// SetObserver installs the observer notified after each mutation. It must be
// called before the registry is shared.
func (r *Registry) SetObserver(o Observer) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.observer = o
}

// Register stores a session for id, replacing any existing one. The replaced
// session, if any, is returned so the caller can close its connection.
func (r *Registry) Register(id Identity, conn Conn) *Session {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	r.seq++
	previous := r.sessions[id.PrincipalID]
	r.sessions[id.PrincipalID] = &Session{
		Identity: id,
		Conn:     conn,
		JoinedAt: r.now(),
		seq:      r.seq,
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.notify(snapshot)

	if previous == nil {
		return nil
	}
	replaced := *previous
	return &replaced
}

// Unregister removes the session of principalID. Removing an absent principal
// is a no-op and does not notify the observer.
func (r *Registry) Unregister(principalID string) bool {
	return r.remove(principalID, nil)
}

// UnregisterConn removes the session of principalID only while it is still
// owned by conn. A superseded connection disconnecting late therefore leaves
// the newer session in place.
func (r *Registry) UnregisterConn(principalID string, conn Conn) bool {
	if conn == nil {
		return false
	}
	return r.remove(principalID, conn)
}

func (r *Registry) remove(principalID string, owner Conn) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	current, ok := r.sessions[principalID]
	if !ok || (owner != nil && current.Conn != owner) {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, principalID)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.notify(snapshot)
	return true
}

func (r *Registry) notify(snapshot []Session) {
	if r.observer != nil {
		r.observer.PresenceChanged(snapshot)
	}
}

// Snapshot returns a point-in-time copy of all sessions in join order.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []Session {
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Lookup returns the session of principalID.
func (r *Registry) Lookup(principalID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[principalID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Members returns the sessions currently in room, in join order.
func (r *Registry) Members(room Room) []Session {
	if room.Kind == RoomUser {
		if s, ok := r.Lookup(room.Key); ok {
			return []Session{s}
		}
		return nil
	}

	var members []Session
	for _, s := range r.Snapshot() {
		if room.Contains(s) {
			members = append(members, s)
		}
	}
	return members
}

// Groups returns the distinct group ids with at least one session, sorted.
func (r *Registry) Groups() []string {
	return GroupIDs(r.Snapshot())
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
