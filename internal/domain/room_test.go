package domain

import (
	"strings"
	"testing"
	"time"
)

func TestNewRoom(t *testing.T) {
	now := time.Unix(1000, 0)
	r, err := NewRoom(RoomSpec{Name: "standup", MaxPublishers: 2, MaxSessions: 10, TTL: time.Hour}, now)
	if err != nil {
		t.Fatalf("NewRoom: %v", err)
	}
	if r.ID == "" {
		t.Fatal("empty room id")
	}
	if r.Expired(now.Add(59 * time.Minute)) {
		t.Fatal("expired too early")
	}
	if !r.Expired(now.Add(time.Hour)) {
		t.Fatal("not expired at ttl")
	}

	if _, err := NewRoom(RoomSpec{Name: "", MaxPublishers: 1, MaxSessions: 1, TTL: time.Hour}, now); err != ErrRoomNameInvalid {
		t.Fatalf("empty name: got %v", err)
	}
	if _, err := NewRoom(RoomSpec{Name: "x", MaxPublishers: 0, MaxSessions: 1, TTL: time.Hour}, now); err == nil {
		t.Fatal("zero max_publishers accepted")
	}
}

func TestNewIdentity(t *testing.T) {
	exp := time.Unix(2000, 0)
	id, err := NewIdentity("u1", "  Ada ", "", exp)
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	if id.Display != "Ada" {
		t.Fatalf("display not trimmed: %q", id.Display)
	}
	if !id.Expired(exp) || id.Expired(exp.Add(-time.Second)) {
		t.Fatal("expiry boundary wrong")
	}
	if _, err := NewIdentity("u1", strings.Repeat("x", MaxDisplayLen+1), "", exp); err != ErrDisplayTooLong {
		t.Fatalf("long display: got %v", err)
	}
	if _, err := NewIdentity("", "Ada", "", exp); err != ErrUserIDInvalid {
		t.Fatalf("empty uid: got %v", err)
	}
}
