package domain

import "time"

// Member represents a session's participation meta for a room.
// No transport or lifecycle logic here.
type Member struct {
	SessionID SessionID
	Identity  Identity
	JoinedAt  time.Time
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(sid SessionID, id Identity, now time.Time) *Member {
	return &Member{SessionID: sid, Identity: id, JoinedAt: now}
}
