package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/invite"
	"github.com/redis/go-redis/v9"
)

const (
	invitePrefix = "invite:"
	useRetries   = 5
)

func inviteKey(token string) string          { return invitePrefix + token }
func roomInvitesKey(id domain.RoomID) string { return roomPrefix + string(id) + ":invites" }

func (s *RedisStore) inviteTTL(inv invite.Invitation) time.Duration {
	ttl := inv.ExpiresAt.Sub(s.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

var _ invite.Store = (*RedisStore)(nil)

// SaveInvitation stores the invitation under its token with the remaining
// lifetime as TTL and indexes it under its room.
func (s *RedisStore) SaveInvitation(ctx context.Context, inv invite.Invitation) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	_, err = s.rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, inviteKey(inv.Token), data, s.inviteTTL(inv))
		p.SAdd(ctx, roomInvitesKey(inv.RoomID), inv.Token)
		return nil
	})
	return err
}

func (s *RedisStore) Invitation(ctx context.Context, token string) (invite.Invitation, error) {
	return s.getInvitation(ctx, s.rc, token)
}

// getter is the read both the client and a WATCH transaction provide.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) getInvitation(ctx context.Context, c getter, token string) (invite.Invitation, error) {
	data, err := c.Get(ctx, inviteKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return invite.Invitation{}, domain.ErrInvitationNotFound
	}
	if err != nil {
		return invite.Invitation{}, err
	}
	var inv invite.Invitation
	if err := json.Unmarshal(data, &inv); err != nil {
		return invite.Invitation{}, fmt.Errorf("decode invitation %s: %w", token, err)
	}
	return inv, nil
}

// RoomInvitations lists the room's live invitations and prunes index
// entries whose key expired.
func (s *RedisStore) RoomInvitations(ctx context.Context, room domain.RoomID) ([]invite.Invitation, error) {
	tokens, err := s.rc.SMembers(ctx, roomInvitesKey(room)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]invite.Invitation, 0, len(tokens))
	for _, tok := range tokens {
		inv, err := s.getInvitation(ctx, s.rc, tok)
		if errors.Is(err, domain.ErrInvitationNotFound) {
			s.rc.SRem(ctx, roomInvitesKey(room), tok)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

// UseInvitation increments the use count inside a WATCH transaction so
// concurrent redeems cannot overshoot MaxUses.
func (s *RedisStore) UseInvitation(ctx context.Context, token string, now time.Time) (invite.Invitation, error) {
	var used invite.Invitation
	txf := func(tx *redis.Tx) error {
		inv, err := s.getInvitation(ctx, tx, token)
		if err != nil {
			return err
		}
		if !inv.Valid(now) {
			return domain.ErrInvitationSpent
		}
		inv.Uses++
		data, err := json.Marshal(inv)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, inviteKey(token), data, s.inviteTTL(inv))
			return nil
		})
		if err == nil {
			used = inv
		}
		return err
	}
	for range useRetries {
		err := s.rc.Watch(ctx, txf, inviteKey(token))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return used, err
	}
	return invite.Invitation{}, fmt.Errorf("use invitation %s: too much contention", token)
}
