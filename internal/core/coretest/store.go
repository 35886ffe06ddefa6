package coretest

import (
	"context"
	"sync"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

// Store is an in-memory core.RoomStore. Block, when set, stalls every
// member and publisher write until it is closed.
type Store struct {
	mu         sync.Mutex
	rooms      map[domain.RoomID]domain.Room
	members    map[domain.RoomID]map[domain.SessionID]bool
	publishers map[domain.RoomID]map[domain.TrackID]core.TrackInfo
	log        []string

	Block   chan struct{}
	SaveErr error
	PingErr error
}

func NewStore() *Store {
	return &Store{
		rooms:      make(map[domain.RoomID]domain.Room),
		members:    make(map[domain.RoomID]map[domain.SessionID]bool),
		publishers: make(map[domain.RoomID]map[domain.TrackID]core.TrackInfo),
	}
}

func (s *Store) wait(ctx context.Context) error {
	if s.Block == nil {
		return nil
	}
	select {
	case <-s.Block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) SaveRoom(_ context.Context, room domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.rooms[room.ID] = room
	return nil
}

func (s *Store) DeleteRoom(_ context.Context, id domain.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, id)
	delete(s.members, id)
	delete(s.publishers, id)
	return nil
}

func (s *Store) LoadRooms(context.Context) ([]domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) AddMember(ctx context.Context, room domain.RoomID, sid domain.SessionID) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[room] == nil {
		s.members[room] = make(map[domain.SessionID]bool)
	}
	s.members[room][sid] = true
	s.log = append(s.log, "add_member:"+string(sid))
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, room domain.RoomID, sid domain.SessionID) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[room], sid)
	s.log = append(s.log, "remove_member:"+string(sid))
	return nil
}

func (s *Store) AddPublisher(ctx context.Context, room domain.RoomID, t core.TrackInfo) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishers[room] == nil {
		s.publishers[room] = make(map[domain.TrackID]core.TrackInfo)
	}
	s.publishers[room][t.ID] = t
	s.log = append(s.log, "add_publisher:"+string(t.ID))
	return nil
}

func (s *Store) RemovePublisher(ctx context.Context, room domain.RoomID, id domain.TrackID) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.publishers[room], id)
	s.log = append(s.log, "remove_publisher:"+string(id))
	return nil
}

func (s *Store) Ping(context.Context) error { return s.PingErr }

func (s *Store) Room(id domain.RoomID) (domain.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	return r, ok
}

func (s *Store) Members(room domain.RoomID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members[room])
}

func (s *Store) Publishers(room domain.RoomID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.publishers[room])
}

// Log returns the member and publisher writes in the order applied.
func (s *Store) Log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.log))
	copy(out, s.log)
	return out
}
