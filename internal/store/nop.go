package store

import (
	"context"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

// Nop is the store used when persistence is disabled.
type Nop struct{}

var _ core.RoomStore = Nop{}

func (Nop) SaveRoom(context.Context, domain.Room) error                          { return nil }
func (Nop) DeleteRoom(context.Context, domain.RoomID) error                      { return nil }
func (Nop) LoadRooms(context.Context) ([]domain.Room, error)                     { return nil, nil }
func (Nop) AddMember(context.Context, domain.RoomID, domain.SessionID) error     { return nil }
func (Nop) RemoveMember(context.Context, domain.RoomID, domain.SessionID) error  { return nil }
func (Nop) AddPublisher(context.Context, domain.RoomID, core.TrackInfo) error    { return nil }
func (Nop) RemovePublisher(context.Context, domain.RoomID, domain.TrackID) error { return nil }
func (Nop) Ping(context.Context) error                                           { return nil }
