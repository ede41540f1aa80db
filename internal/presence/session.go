// Package presence tracks which principals are connected to this process and
// derives the rooms, online counts and rosters that follow from them.
package presence

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidIdentity is returned when a handshake does not carry a complete
// and well-formed identity triple.
var ErrInvalidIdentity = errors.New("invalid identity")

// Role is the privilege level a principal connects with.
type Role string

const (
	// RoleMember is an ordinary group member.
	RoleMember Role = "member"
	// RoleAdmin additionally belongs to the oversight room.
	RoleAdmin Role = "admin"
)

// ParseRole converts a wire value into a Role.
func ParseRole(value string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleMember:
		return RoleMember, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidIdentity, value)
	}
}

// Identity is the (principal, group, role) triple presented at handshake.
type Identity struct {
	PrincipalID string `json:"userId"`
	GroupID     string `json:"groupId"`
	Role        Role   `json:"role"`
}

// Validate reports whether every field of the triple is present and the role
// is known.
func (id Identity) Validate() error {
	if strings.TrimSpace(id.PrincipalID) == "" {
		return fmt.Errorf("%w: missing userId", ErrInvalidIdentity)
	}
	if strings.TrimSpace(id.GroupID) == "" {
		return fmt.Errorf("%w: missing groupId", ErrInvalidIdentity)
	}
	if id.Role != RoleMember && id.Role != RoleAdmin {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidIdentity, id.Role)
	}
	return nil
}

// Conn is the handle of one open connection. Send must not block; it reports
// false when the message could not be queued.
type Conn interface {
	ID() string
	Send(message []byte) bool
}

// Session is one connected principal.
type Session struct {
	Identity
	Conn     Conn
	JoinedAt time.Time

	seq uint64
}

// IsAdmin reports whether the session belongs to the oversight room.
func (s Session) IsAdmin() bool {
	return s.Role == RoleAdmin
}
