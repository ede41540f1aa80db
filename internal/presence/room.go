package presence

// RoomKind distinguishes the three families of broadcast target.
type RoomKind int

const (
	// RoomUser addresses exactly one principal.
	RoomUser RoomKind = iota
	// RoomGroup addresses every principal sharing a group id.
	RoomGroup
	// RoomOversight addresses every admin principal.
	RoomOversight
)

// Room is a computed membership. It is never stored; a session is in a room
// iff Contains reports true for it.
type Room struct {
	Kind RoomKind
	Key  string
}

// UserRoom returns the room of a single principal.
func UserRoom(principalID string) Room {
	return Room{Kind: RoomUser, Key: principalID}
}

// GroupRoom returns the room of a group.
func GroupRoom(groupID string) Room {
	return Room{Kind: RoomGroup, Key: groupID}
}

// OversightRoom returns the room of all admins.
func OversightRoom() Room {
	return Room{Kind: RoomOversight}
}

// Contains reports whether s satisfies the room predicate.
func (r Room) Contains(s Session) bool {
	switch r.Kind {
	case RoomUser:
		return s.PrincipalID == r.Key
	case RoomGroup:
		return s.GroupID == r.Key
	case RoomOversight:
		return s.IsAdmin()
	default:
		return false
	}
}

func (r Room) String() string {
	switch r.Kind {
	case RoomUser:
		return "user:" + r.Key
	case RoomGroup:
		return "group:" + r.Key
	case RoomOversight:
		return "oversight"
	default:
		return "unknown"
	}
}

// Rooms lists every room the session is a member of.
func (s Session) Rooms() []Room {
	rooms := []Room{UserRoom(s.PrincipalID), GroupRoom(s.GroupID)}
	if s.IsAdmin() {
		rooms = append(rooms, OversightRoom())
	}
	return rooms
}
