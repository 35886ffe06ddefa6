// Package store holds the persistence collaborators the registry mirrors
// room state into.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	// RoomsKey is a set of room ids.
	RoomsKey   = "rooms"
	roomPrefix = "room:"
)

func roomKey(id domain.RoomID) string       { return roomPrefix + string(id) }
func membersKey(id domain.RoomID) string    { return roomPrefix + string(id) + ":members" }
func publishersKey(id domain.RoomID) string { return roomPrefix + string(id) + ":publishers" }

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens a client and checks that the server answers.
func Connect(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}
	return rc, nil
}

// RedisStore implements core.RoomStore. Room metadata expires with the
// room's TTL; member and publisher keys follow it.
type RedisStore struct {
	rc  redis.UniversalClient
	now func() time.Time
}

var _ core.RoomStore = (*RedisStore)(nil)

func NewRedisStore(rc redis.UniversalClient) *RedisStore {
	return &RedisStore{rc: rc, now: time.Now}
}

func (s *RedisStore) remaining(room domain.Room) time.Duration {
	ttl := room.ExpiresAt().Sub(s.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *RedisStore) SaveRoom(ctx context.Context, room domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	ttl := s.remaining(room)
	_, err = s.rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, RoomsKey, string(room.ID))
		p.Set(ctx, roomKey(room.ID), data, ttl)
		return nil
	})
	return err
}

func (s *RedisStore) DeleteRoom(ctx context.Context, id domain.RoomID) error {
	_, err := s.rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, RoomsKey, string(id))
		p.Del(ctx, roomKey(id), membersKey(id), publishersKey(id))
		return nil
	})
	return err
}

// LoadRooms returns every room whose metadata is still present. Ids whose
// metadata expired are removed from the index.
func (s *RedisStore) LoadRooms(ctx context.Context) ([]domain.Room, error) {
	ids, err := s.rc.SMembers(ctx, RoomsKey).Result()
	if err != nil {
		return nil, err
	}
	rooms := make([]domain.Room, 0, len(ids))
	for _, id := range ids {
		data, err := s.rc.Get(ctx, roomKey(domain.RoomID(id))).Bytes()
		if errors.Is(err, redis.Nil) {
			if err := s.DeleteRoom(ctx, domain.RoomID(id)); err != nil {
				log.Warn().Err(err).Str("module", "store.redis").Str("room", id).Msg("drop stale room id")
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		room, err := decodeRoom(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "store.redis").Str("room", id).Msg("skip undecodable room")
			continue
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func decodeRoom(data []byte) (domain.Room, error) {
	var room domain.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return domain.Room{}, err
	}
	if room.ID == "" {
		return domain.Room{}, errors.New("room without id")
	}
	return room, nil
}

func (s *RedisStore) AddMember(ctx context.Context, room domain.RoomID, sid domain.SessionID) error {
	return s.rc.SAdd(ctx, membersKey(room), string(sid)).Err()
}

func (s *RedisStore) RemoveMember(ctx context.Context, room domain.RoomID, sid domain.SessionID) error {
	return s.rc.SRem(ctx, membersKey(room), string(sid)).Err()
}

func (s *RedisStore) AddPublisher(ctx context.Context, room domain.RoomID, track core.TrackInfo) error {
	data, err := json.Marshal(track)
	if err != nil {
		return err
	}
	return s.rc.HSet(ctx, publishersKey(room), string(track.ID), data).Err()
}

func (s *RedisStore) RemovePublisher(ctx context.Context, room domain.RoomID, track domain.TrackID) error {
	return s.rc.HDel(ctx, publishersKey(room), string(track)).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rc.Ping(ctx).Err()
}
