package core

import (
	"context"

	"github.com/dkeye/Meet/internal/domain"
)

// RoomStore mirrors durable room state for discovery and crash recovery.
// It is never consulted on the media path.
type RoomStore interface {
	SaveRoom(ctx context.Context, room domain.Room) error
	DeleteRoom(ctx context.Context, id domain.RoomID) error
	LoadRooms(ctx context.Context) ([]domain.Room, error)

	AddMember(ctx context.Context, room domain.RoomID, sid domain.SessionID) error
	RemoveMember(ctx context.Context, room domain.RoomID, sid domain.SessionID) error
	AddPublisher(ctx context.Context, room domain.RoomID, track TrackInfo) error
	RemovePublisher(ctx context.Context, room domain.RoomID, track domain.TrackID) error

	Ping(ctx context.Context) error
}
