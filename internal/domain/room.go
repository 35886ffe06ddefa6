package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const MaxRoomNameLen = 128

var ErrRoomNameInvalid = errors.New("room name invalid")

type (
	RoomName string
	RoomID   string
)

// RoomSpec is the input of create_room. Zero values are replaced by defaults.
type RoomSpec struct {
	Name          RoomName
	MaxPublishers int
	MaxSessions   int
	TTL           time.Duration
}

type Room struct {
	ID            RoomID        `json:"room_id"`
	Name          RoomName      `json:"name"`
	MaxPublishers int           `json:"max_publishers"`
	MaxSessions   int           `json:"max_sessions"`
	CreatedAt     time.Time     `json:"created_at"`
	TTL           time.Duration `json:"ttl"`
}

func NewRoom(spec RoomSpec, now time.Time) (*Room, error) {
	if len(spec.Name) == 0 || len(spec.Name) > MaxRoomNameLen {
		return nil, ErrRoomNameInvalid
	}
	if spec.MaxPublishers <= 0 || spec.MaxSessions <= 0 || spec.TTL <= 0 {
		return nil, errors.New("room limits must be positive")
	}
	return &Room{
		ID:            RoomID(uuid.NewString()),
		Name:          spec.Name,
		MaxPublishers: spec.MaxPublishers,
		MaxSessions:   spec.MaxSessions,
		CreatedAt:     now,
		TTL:           spec.TTL,
	}, nil
}

func (r *Room) ExpiresAt() time.Time { return r.CreatedAt.Add(r.TTL) }

func (r *Room) Expired(now time.Time) bool { return !now.Before(r.ExpiresAt()) }
