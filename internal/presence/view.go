package presence

import "sort"

// OnlineCount is the payload of an online_count event.
type OnlineCount struct {
	GroupID string `json:"groupId"`
	Count   int    `json:"count"`
}

// RosterEntry is one element of the online_users roster.
type RosterEntry struct {
	UserID  string `json:"userId"`
	GroupID string `json:"groupId"`
	Role    Role   `json:"role"`
}

// OnlineCounts maps each group present in snapshot to its session count.
func OnlineCounts(snapshot []Session) map[string]int {
	counts := make(map[string]int)
	for _, s := range snapshot {
		counts[s.GroupID]++
	}
	return counts
}

// Roster lists every session of snapshot, preserving its order.
func Roster(snapshot []Session) []RosterEntry {
	roster := make([]RosterEntry, 0, len(snapshot))
	for _, s := range snapshot {
		roster = append(roster, RosterEntry{
			UserID:  s.PrincipalID,
			GroupID: s.GroupID,
			Role:    s.Role,
		})
	}
	return roster
}

// GroupIDs returns the distinct groups of snapshot, sorted.
func GroupIDs(snapshot []Session) []string {
	seen := make(map[string]struct{})
	groups := make([]string, 0)
	for _, s := range snapshot {
		if _, ok := seen[s.GroupID]; ok {
			continue
		}
		seen[s.GroupID] = struct{}{}
		groups = append(groups, s.GroupID)
	}
	sort.Strings(groups)
	return groups
}
