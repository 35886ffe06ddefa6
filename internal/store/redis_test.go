package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/invite"
)

func TestKeys(t *testing.T) {
	id := domain.RoomID("abc")
	if got := roomKey(id); got != "room:abc" {
		t.Errorf("roomKey = %q", got)
	}
	if got := membersKey(id); got != "room:abc:members" {
		t.Errorf("membersKey = %q", got)
	}
	if got := publishersKey(id); got != "room:abc:publishers" {
		t.Errorf("publishersKey = %q", got)
	}
	if got := roomInvitesKey(id); got != "room:abc:invites" {
		t.Errorf("roomInvitesKey = %q", got)
	}
	if got := inviteKey("tok"); got != "invite:tok" {
		t.Errorf("inviteKey = %q", got)
	}
}

func TestDecodeRoom(t *testing.T) {
	if _, err := decodeRoom([]byte(`{"name":"x"}`)); err == nil {
		t.Fatal("room without id must be rejected")
	}
	if _, err := decodeRoom([]byte(`nope`)); err == nil {
		t.Fatal("garbage must be rejected")
	}
	r, err := decodeRoom([]byte(`{"room_id":"r1","name":"x","max_publishers":2,"max_sessions":5,"ttl":60000000000}`))
	if err != nil {
		t.Fatal(err)
	}
	if r.ID != "r1" || r.TTL != time.Minute || r.MaxPublishers != 2 {
		t.Fatalf("room = %+v", r)
	}
}

func TestRemainingTTLHasFloor(t *testing.T) {
	now := time.Unix(1000, 0)
	s := &RedisStore{now: func() time.Time { return now }}
	room := domain.Room{CreatedAt: now.Add(-time.Hour), TTL: time.Minute}
	if got := s.remaining(room); got != time.Second {
		t.Fatalf("remaining = %v", got)
	}
	room.CreatedAt = now
	if got := s.remaining(room); got != time.Minute {
		t.Fatalf("remaining = %v", got)
	}
}

// TestRedisRoundTrip runs against a live server when MEET_TEST_REDIS_ADDR
// is set.
func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("MEET_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MEET_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rc, err := Connect(ctx, RedisConfig{Addr: addr, DB: 15})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		rc.FlushDB(ctx)
		_ = rc.Close()
	})
	s := NewRedisStore(rc)

	room, err := domain.NewRoom(domain.RoomSpec{Name: "r", MaxPublishers: 2, MaxSessions: 4, TTL: time.Minute}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRoom(ctx, *room); err != nil {
		t.Fatal(err)
	}
	if err := s.AddMember(ctx, room.ID, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddPublisher(ctx, room.ID, core.TrackInfo{ID: "t1", Owner: "s1", Kind: domain.KindAudio}); err != nil {
		t.Fatal(err)
	}
	if n := rc.HLen(ctx, publishersKey(room.ID)).Val(); n != 1 {
		t.Fatalf("publishers = %d", n)
	}

	// stale index entry
	rc.SAdd(ctx, RoomsKey, "ghost")

	rooms, err := s.LoadRooms(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 1 || rooms[0].ID != room.ID {
		t.Fatalf("rooms = %+v", rooms)
	}
	if rc.SIsMember(ctx, RoomsKey, "ghost").Val() {
		t.Fatal("stale id not pruned")
	}

	if err := s.RemovePublisher(ctx, room.ID, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveMember(ctx, room.ID, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteRoom(ctx, room.ID); err != nil {
		t.Fatal(err)
	}
	if rc.Exists(ctx, roomKey(room.ID), membersKey(room.ID)).Val() != 0 {
		t.Fatal("keys survived delete")
	}
}

// TestRedisInvitations runs against a live server when
// MEET_TEST_REDIS_ADDR is set.
func TestRedisInvitations(t *testing.T) {
	addr := os.Getenv("MEET_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MEET_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rc, err := Connect(ctx, RedisConfig{Addr: addr, DB: 15})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		rc.FlushDB(ctx)
		_ = rc.Close()
	})
	s := NewRedisStore(rc)
	svc, err := invite.NewService(s, "pepper", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	inv, code, err := svc.Create(ctx, "r1", 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ttl := rc.TTL(ctx, inviteKey(inv.Token)).Val(); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}
	got, err := svc.Redeem(ctx, inv.Token, code)
	if err != nil || got.Uses != 1 {
		t.Fatalf("redeem: %+v, %v", got, err)
	}
	if _, err := svc.Redeem(ctx, inv.Token, code); !errors.Is(err, domain.ErrInvitationSpent) {
		t.Fatalf("second redeem: %v", err)
	}

	rc.SAdd(ctx, roomInvitesKey("r1"), "ghost")
	list, err := s.RoomInvitations(ctx, "r1")
	if err != nil || len(list) != 1 || list[0].Token != inv.Token {
		t.Fatalf("list = %+v, %v", list, err)
	}
	if rc.SIsMember(ctx, roomInvitesKey("r1"), "ghost").Val() {
		t.Fatal("stale token not pruned")
	}
	if _, err := s.Invitation(ctx, "ghost"); !errors.Is(err, domain.ErrInvitationNotFound) {
		t.Fatalf("missing: %v", err)
	}
}

func TestNop(t *testing.T) {
	var s core.RoomStore = Nop{}
	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	rooms, err := s.LoadRooms(ctx)
	if err != nil || len(rooms) != 0 {
		t.Fatalf("rooms = %v, err = %v", rooms, err)
	}
}
