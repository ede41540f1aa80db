// Package fanin connects the router to the external broadcast channel:
// records read from the channel are decoded and dispatched on the local event
// stream, and locally originated events are published for other processes.
package fanin

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Tyrowin/presencehub/internal/presence"
	"github.com/Tyrowin/presencehub/internal/routing"
)

var (
	// ErrMalformed marks a record that is not a JSON object of the expected
	// shape.
	ErrMalformed = errors.New("malformed record")
	// ErrUnknownType marks a record whose type tag is not accepted from the
	// external channel.
	ErrUnknownType = errors.New("unknown record type")
	// ErrUntargeted marks a record without userId, groupId or role.
	ErrUntargeted = errors.New("record has no target")
)

// Record holds the fields of an external record the relay interprets. Any
// other fields are carried along untouched in the delivered data.
type Record struct {
	Type    string `json:"type"`
	UserID  string `json:"userId,omitempty"`
	GroupID string `json:"groupId,omitempty"`
	Role    string `json:"role,omitempty"`
	Origin  string `json:"origin,omitempty"`
}

// Decode parses raw into a record and the event it routes as. The delivered
// data is raw itself.
func Decode(raw []byte) (Record, routing.Event, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, routing.Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if rec.Type == "" {
		return rec, routing.Event{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	eventType, ok := routing.ParseRelayType(rec.Type)
	if !ok {
		return rec, routing.Event{}, fmt.Errorf("%w: %q", ErrUnknownType, rec.Type)
	}

	var role presence.Role
	if rec.Role != "" {
		parsed, err := presence.ParseRole(rec.Role)
		if err != nil {
			return rec, routing.Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		role = parsed
	}

	if rec.UserID == "" && rec.GroupID == "" && role == "" {
		return rec, routing.Event{}, ErrUntargeted
	}

	return rec, routing.Event{
		Type:          eventType,
		TargetUserID:  rec.UserID,
		TargetGroupID: rec.GroupID,
		OriginRole:    role,
		Broadcast:     role == presence.RoleAdmin,
		Data:          json.RawMessage(append([]byte(nil), raw...)),
		Source:        routing.SourceExternal,
	}, nil
}

// Encode turns a locally originated event into a record for the external
// channel. The event data fields are kept; the routing fields and origin are
// set from ev and origin.
func Encode(ev routing.Event, origin string) ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &fields); err != nil {
			return nil, fmt.Errorf("encode record: data is not an object: %w", err)
		}
		// A JSON null leaves the map nil.
		if fields == nil {
			fields = make(map[string]json.RawMessage)
		}
	}

	set := func(key, value string) {
		if value == "" {
			return
		}
		encoded, _ := json.Marshal(value)
		fields[key] = encoded
	}
	set("type", string(ev.Type))
	set("userId", ev.TargetUserID)
	set("groupId", ev.TargetGroupID)
	set("role", string(ev.OriginRole))
	set("origin", origin)

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return out, nil
}
