package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/core/coretest"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var testDefaults = RoomDefaults{MaxPublishers: 2, MaxSessions: 3, TTL: time.Hour, EmptyGrace: 30 * time.Second}

func newTestRegistry(t *testing.T) (*Registry, *clock, *coretest.Store) {
	t.Helper()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	st := coretest.NewStore()
	reg := NewRegistry(RegistryOptions{
		Defaults: testDefaults,
		Store:    st,
		Metrics:  metrics.New(prometheus.NewRegistry()),
		Now:      c.Now,
	})
	return reg, c, st
}

func identity(name string) domain.Identity {
	return domain.Identity{UserID: domain.UserID("u-" + name), Display: name}
}

func mustCreate(t *testing.T, reg *Registry, spec domain.RoomSpec) core.RoomInfo {
	t.Helper()
	info, err := reg.CreateRoom(context.Background(), spec, "creator")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return info
}

func mustJoin(t *testing.T, reg *Registry, room domain.RoomID, name string) domain.SessionID {
	t.Helper()
	sid := domain.NewSessionID()
	if _, err := reg.Join(room, sid, identity(name), &coretest.Signal{}, nil, nil); err != nil {
		t.Fatalf("join %s: %v", name, err)
	}
	return sid
}

func TestCreateRoomAppliesDefaultsAndPersists(t *testing.T) {
	reg, c, st := newTestRegistry(t)
	info := mustCreate(t, reg, domain.RoomSpec{Name: "standup"})
	if info.MaxPublishers != testDefaults.MaxPublishers {
		t.Fatalf("max publishers = %d", info.MaxPublishers)
	}
	if !info.ExpiresAt.Equal(c.Now().Add(time.Hour)) {
		t.Fatalf("expires at = %v", info.ExpiresAt)
	}
	if _, ok := st.Room(info.ID); !ok {
		t.Fatal("room not written to store")
	}
	if creator, _ := reg.Creator(info.ID); creator != "creator" {
		t.Fatalf("creator = %q", creator)
	}

	if _, err := reg.CreateRoom(context.Background(), domain.RoomSpec{}, ""); !errors.Is(err, domain.ErrInvalidMessage) {
		t.Fatalf("empty name: %v", err)
	}
}

func TestCreateRoomStoreFailureIsNotFatal(t *testing.T) {
	reg, _, st := newTestRegistry(t)
	st.SaveErr = errors.New("redis down")
	info := mustCreate(t, reg, domain.RoomSpec{Name: "r"})
	if _, err := reg.Room(info.ID); err != nil {
		t.Fatalf("room should still be live: %v", err)
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.Join("nope", domain.NewSessionID(), identity("a"), &coretest.Signal{}, nil, nil)
	if !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("err = %v", err)
	}
	if reg.SessionCount() != 0 {
		t.Fatal("failed join left a session behind")
	}
}

func TestJoinRoomFullRollsBackIndex(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	info := mustCreate(t, reg, domain.RoomSpec{Name: "r", MaxSessions: 1})
	mustJoin(t, reg, info.ID, "a")
	sid := domain.NewSessionID()
	_, err := reg.Join(info.ID, sid, identity("b"), &coretest.Signal{}, nil, nil)
	if !errors.Is(err, domain.ErrRoomFull) {
		t.Fatalf("err = %v", err)
	}
	if _, _, ok := reg.Session(sid); ok {
		t.Fatal("rejected session still indexed")
	}
}

func TestLeaveReleasesEverything(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	info := mustCreate(t, reg, domain.RoomSpec{Name: "r"})
	a := mustJoin(t, reg, info.ID, "a")
	b := mustJoin(t, reg, info.ID, "b")

	ta, err := reg.BeginPublish(a, domain.KindVideo)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.ActivateTrack(a, ta.ID); err != nil {
		t.Fatal(err)
	}
	tb, _ := reg.BeginPublish(b, domain.KindAudio)
	_, _ = reg.ActivateTrack(b, tb.ID)
	if _, err := reg.Subscribe(b, ta.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Subscribe(a, tb.ID); err != nil {
		t.Fatal(err)
	}

	res, err := reg.Leave(a)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Tracks) != 1 || len(res.Tracks[0].Bindings) != 1 || len(res.Bindings) != 1 {
		t.Fatalf("unexpected leave result: %+v", res)
	}
	room, _ := reg.Room(info.ID)
	if room.MemberCount() != 1 || room.PublisherCount() != 1 {
		t.Fatalf("members=%d publishers=%d", room.MemberCount(), room.PublisherCount())
	}
	if _, err := reg.Subscribe(b, ta.ID); !errors.Is(err, domain.ErrTrackNotFound) {
		t.Fatalf("subscribe to departed track: %v", err)
	}
	if _, err := reg.Leave(a); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("second leave: %v", err)
	}
}

func TestOwnershipChecks(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	info := mustCreate(t, reg, domain.RoomSpec{Name: "r"})
	a := mustJoin(t, reg, info.ID, "a")
	b := mustJoin(t, reg, info.ID, "b")
	ta, _ := reg.BeginPublish(a, domain.KindVideo)
	_, _ = reg.ActivateTrack(a, ta.ID)
	bind, _ := reg.Subscribe(b, ta.ID)

	if _, err := reg.EndPublish(b, ta.ID); !errors.Is(err, domain.ErrTrackNotFound) {
		t.Fatalf("foreign unpublish: %v", err)
	}
	if _, err := reg.Unsubscribe(a, bind.ID); !errors.Is(err, domain.ErrBindingNotFound) {
		t.Fatalf("foreign unsubscribe: %v", err)
	}
	if _, err := reg.Binding(a, bind.ID); !errors.Is(err, domain.ErrBindingNotFound) {
		t.Fatalf("foreign binding lookup: %v", err)
	}
	if _, err := reg.BeginPublish("ghost", domain.KindVideo); !errors.Is(err, domain.ErrNotJoined) {
		t.Fatalf("publish without join: %v", err)
	}
	td, err := reg.EndPublish(a, ta.ID)
	if err != nil || len(td.Bindings) != 1 {
		t.Fatalf("end publish: %+v %v", td, err)
	}
}

func TestPublisherCapRace(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	info := mustCreate(t, reg, domain.RoomSpec{Name: "r", MaxPublishers: 1, MaxSessions: 16})
	sids := make([]domain.SessionID, 16)
	for i := range sids {
		sids[i] = mustJoin(t, reg, info.ID, "p")
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, capped := 0, 0
	for _, sid := range sids {
		wg.Add(1)
		go func(sid domain.SessionID) {
			defer wg.Done()
			_, err := reg.BeginPublish(sid, domain.KindVideo)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrPublisherCapExceeded):
				capped++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(sid)
	}
	wg.Wait()
	if ok != 1 || capped != len(sids)-1 {
		t.Fatalf("ok=%d capped=%d", ok, capped)
	}
}

func TestExpiredRoomRejectsJoins(t *testing.T) {
	reg, c, _ := newTestRegistry(t)
	info := mustCreate(t, reg, domain.RoomSpec{Name: "r", TTL: time.Minute})
	c.Advance(time.Minute)
	if _, err := reg.Room(info.ID); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expired room lookup: %v", err)
	}
	if len(reg.ListRooms()) != 0 {
		t.Fatal("expired room listed")
	}
	if reg.RoomCount() != 1 {
		t.Fatal("expired room evicted before sweep")
	}
}

func TestSweep(t *testing.T) {
	reg, c, st := newTestRegistry(t)
	fresh := mustCreate(t, reg, domain.RoomSpec{Name: "fresh", TTL: time.Minute})
	busy := mustCreate(t, reg, domain.RoomSpec{Name: "busy", TTL: time.Minute})
	mustJoin(t, reg, busy.ID, "a")
	vacated := mustCreate(t, reg, domain.RoomSpec{Name: "vacated", TTL: time.Minute})
	v := mustJoin(t, reg, vacated.ID, "v")

	// Past TTL; the vacated room empties only now and is still in grace.
	c.Advance(2 * time.Minute)
	if _, err := reg.Leave(v); err != nil {
		t.Fatal(err)
	}
	res := reg.Sweep(context.Background(), 0)
	if len(res.Rooms) != 1 || res.Rooms[0].Room().ID != fresh.ID {
		t.Fatalf("first sweep evicted %d rooms", len(res.Rooms))
	}
	if _, ok := st.Room(fresh.ID); ok {
		t.Fatal("evicted room still persisted")
	}

	c.Advance(testDefaults.EmptyGrace)
	res = reg.Sweep(context.Background(), 0)
	if len(res.Rooms) != 1 || res.Rooms[0].Room().ID != vacated.ID {
		t.Fatalf("second sweep evicted %d rooms", len(res.Rooms))
	}
	if reg.RoomCount() != 1 {
		t.Fatalf("busy room must survive, count=%d", reg.RoomCount())
	}
}

func TestSweepKeepsFreshEmptyRoom(t *testing.T) {
	reg, c, _ := newTestRegistry(t)
	mustCreate(t, reg, domain.RoomSpec{Name: "r"})
	c.Advance(10 * time.Minute)
	if res := reg.Sweep(context.Background(), 0); len(res.Rooms) != 0 {
		t.Fatal("unexpired empty room evicted")
	}
}

func TestSweepReportsIdleSessions(t *testing.T) {
	reg, c, _ := newTestRegistry(t)
	info := mustCreate(t, reg, domain.RoomSpec{Name: "r"})
	idle := mustJoin(t, reg, info.ID, "idle")
	live := mustJoin(t, reg, info.ID, "live")
	c.Advance(time.Minute)
	_, ms, _ := reg.Session(live)
	ms.Touch(c.Now())

	res := reg.Sweep(context.Background(), 45*time.Second)
	if len(res.Idle) != 1 || res.Idle[0] != idle {
		t.Fatalf("idle = %v", res.Idle)
	}
}

func TestRemoveRoomClosesJoins(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	info := mustCreate(t, reg, domain.RoomSpec{Name: "r"})
	a := mustJoin(t, reg, info.ID, "a")
	svc, members, err := reg.RemoveRoom(context.Background(), info.ID)
	if err != nil || len(members) != 1 || members[0].Meta().SessionID != a {
		t.Fatalf("remove: %v members=%d", err, len(members))
	}
	if err := svc.Join(core.NewMemberSession(domain.NewMember("x", identity("x"), time.Now()), &coretest.Signal{}), nil); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("join closed room: %v", err)
	}
	if _, _, err := reg.RemoveRoom(context.Background(), info.ID); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("second remove: %v", err)
	}
}

func TestRestore(t *testing.T) {
	reg, c, st := newTestRegistry(t)
	live := mustCreate(t, reg, domain.RoomSpec{Name: "live"})
	short := mustCreate(t, reg, domain.RoomSpec{Name: "short", TTL: time.Second})
	c.Advance(2 * time.Second)

	fresh := NewRegistry(RegistryOptions{Defaults: testDefaults, Store: st, Now: c.Now})
	n, err := fresh.Restore(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("restore n=%d err=%v", n, err)
	}
	if _, err := fresh.Room(live.ID); err != nil {
		t.Fatalf("live room not restored: %v", err)
	}
	if _, err := fresh.Room(short.ID); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expired room restored: %v", err)
	}
}

func TestCancel(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	info := mustCreate(t, reg, domain.RoomSpec{Name: "r"})
	ctx, cancel := context.WithCancel(context.Background())
	sid := domain.NewSessionID()
	if _, err := reg.Join(info.ID, sid, identity("a"), &coretest.Signal{}, cancel, nil); err != nil {
		t.Fatal(err)
	}
	if !reg.Cancel(sid) {
		t.Fatal("cancel reported unknown session")
	}
	if ctx.Err() == nil {
		t.Fatal("context not canceled")
	}
	if reg.Cancel("ghost") {
		t.Fatal("cancel of unknown session succeeded")
	}
}
