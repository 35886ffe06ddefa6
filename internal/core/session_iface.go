package core

import (
	"time"

	"github.com/dkeye/Meet/internal/domain"
)

// MemberSession binds domain.Member and its signaling endpoint.
// This is what a room stores and fans out to.
type MemberSession interface {
	Meta() *domain.Member
	Signal() SignalConnection
	// Touch records signaling or media activity.
	Touch(now time.Time)
	LastSeen() time.Time
}
