package core

import (
	"time"

	"github.com/dkeye/Meet/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// Fanout queues data on every member's signaling connection without
// blocking and reports the members whose queue refused it. It takes no
// locks, so observers may call it with the room lock held.
func Fanout(members []MemberSession, data Frame) PublishResult {
	res := PublishResult{}
	for _, m := range members {
		if err := m.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	return res
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	SessionID domain.SessionID `json:"session_id"`
	UserID    domain.UserID    `json:"user_id"`
	Display   string           `json:"display"`
}

// TrackInfo describes a publisher track. Pending tracks hold a capacity
// slot but are invisible to subscribe until activated.
type TrackInfo struct {
	ID      domain.TrackID   `json:"track_id"`
	Owner   domain.SessionID `json:"session_id"`
	UserID  domain.UserID    `json:"user_id"`
	Display string           `json:"display"`
	Kind    domain.Kind      `json:"kind"`
	Active  bool             `json:"-"`
}

// BindingInfo is one subscriber edge. It references its track by id only.
type BindingInfo struct {
	ID         domain.BindingID
	Subscriber domain.SessionID
	Track      domain.TrackID
	Kind       domain.Kind
}

// TrackTeardown lists what the gateway must release for a removed track,
// in order: the bindings it fed, then the inbound connection.
type TrackTeardown struct {
	Track    TrackInfo
	Bindings []BindingInfo
}

// LeaveResult is everything a departed session owned.
type LeaveResult struct {
	Room     domain.RoomID
	Member   MemberSession
	Tracks   []TrackTeardown
	Bindings []BindingInfo
}

type Roster struct {
	Room         domain.Room
	Participants []MemberDTO
	Publishers   []TrackInfo
}

// RoomObserver is called with the room lock held, so callbacks see a
// consistent membership and must not block.
type RoomObserver interface {
	MemberJoined(room *domain.Room, joined MemberSession, others []MemberSession)
	MemberLeft(room *domain.Room, left MemberSession, others []MemberSession)
	TrackPublished(room *domain.Room, track TrackInfo, others []MemberSession)
	// TrackClosing runs before the track id becomes invalid for subscribe.
	TrackClosing(room *domain.Room, track TrackInfo, others []MemberSession, bindings []BindingInfo)
}

// RoomService is the core-facing API of a room. Every method is serialized
// by the room's own lock; it never touches transport resources.
type RoomService interface {
	Room() *domain.Room
	MemberCount() int
	PublisherCount() int
	Members() []MemberSession
	Member(sid domain.SessionID) (MemberSession, bool)
	Roster() Roster
	// EmptySince is zero while the room has members.
	EmptySince() time.Time

	Join(ms MemberSession, welcome func(Roster)) error
	Leave(sid domain.SessionID, now time.Time) (LeaveResult, error)
	BeginPublish(sid domain.SessionID, kind domain.Kind) (TrackInfo, error)
	ActivateTrack(id domain.TrackID) (TrackInfo, error)
	EndPublish(id domain.TrackID) (TrackTeardown, error)
	Subscribe(sid domain.SessionID, id domain.TrackID) (BindingInfo, error)
	Unsubscribe(id domain.BindingID) (BindingInfo, error)
	Track(id domain.TrackID) (TrackInfo, bool)
	Binding(id domain.BindingID) (BindingInfo, bool)
	// Close rejects further joins and returns the members still present.
	Close() []MemberSession
}

type RoomInfo struct {
	ID             domain.RoomID   `json:"room_id"`
	Name           domain.RoomName `json:"name"`
	MaxPublishers  int             `json:"max_publishers"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	MemberCount    int             `json:"participant_count"`
	PublisherCount int             `json:"publisher_count"`
}
