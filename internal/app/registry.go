package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/metrics"
	"github.com/rs/zerolog/log"
)

type RoomDefaults struct {
	MaxPublishers int
	MaxSessions   int
	TTL           time.Duration
	EmptyGrace    time.Duration
}

type sessionEntry struct {
	Room    core.RoomService
	Session core.MemberSession
	Cancel  context.CancelFunc
}

type roomEntry struct {
	svc     core.RoomService
	creator string
}

// Registry is the process-wide arena of rooms keyed by id. Its own lock
// only guards the arena and the session index; every membership change is
// serialized by the room's lock.
type Registry struct {
	defaults RoomDefaults
	store    core.RoomStore
	mirror   *Mirror
	metrics  *metrics.Metrics
	now      func() time.Time

	observer core.RoomObserver

	mu       sync.RWMutex
	rooms    map[domain.RoomID]*roomEntry
	sessions map[domain.SessionID]*sessionEntry
}

type RegistryOptions struct {
	Defaults RoomDefaults
	Store    core.RoomStore
	Mirror   *Mirror
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		defaults: opts.Defaults,
		store:    opts.Store,
		mirror:   opts.Mirror,
		metrics:  opts.Metrics,
		now:      opts.Now,
		rooms:    make(map[domain.RoomID]*roomEntry),
		sessions: make(map[domain.SessionID]*sessionEntry),
	}
}

// SetObserver installs the observer handed to rooms created afterwards.
func (r *Registry) SetObserver(o core.RoomObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

func (r *Registry) Now() time.Time { return r.now() }

func (r *Registry) withDefaults(spec domain.RoomSpec) domain.RoomSpec {
	if spec.MaxPublishers <= 0 {
		spec.MaxPublishers = r.defaults.MaxPublishers
	}
	if spec.MaxSessions <= 0 {
		spec.MaxSessions = r.defaults.MaxSessions
	}
	if spec.TTL <= 0 {
		spec.TTL = r.defaults.TTL
	}
	return spec
}

// CreateRoom registers a new room and writes it to the store before
// returning. A store failure is logged and does not fail the call.
func (r *Registry) CreateRoom(ctx context.Context, spec domain.RoomSpec, creator string) (core.RoomInfo, error) {
	room, err := domain.NewRoom(r.withDefaults(spec), r.now())
	if err != nil {
		return core.RoomInfo{}, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}
	r.mu.Lock()
	svc := core.NewRoomService(room, r.observer)
	r.rooms[room.ID] = &roomEntry{svc: svc, creator: creator}
	r.mu.Unlock()
	r.metrics.RoomsChanged(1)

	if r.store != nil {
		if err := r.store.SaveRoom(ctx, *room); err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Str("room", string(room.ID)).Msg("persist room")
		}
	}
	log.Info().Str("module", "app.registry").Str("room", string(room.ID)).Str("name", string(room.Name)).
		Int("max_publishers", room.MaxPublishers).Dur("ttl", room.TTL).Msg("room created")
	return infoOf(svc), nil
}

// Restore re-registers rooms found in the store. Expired rooms are skipped.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	rooms, err := r.store.LoadRooms(ctx)
	if err != nil {
		return 0, fmt.Errorf("load rooms: %w", err)
	}
	now := r.now()
	n := 0
	r.mu.Lock()
	for i := range rooms {
		room := rooms[i]
		if room.Expired(now) {
			continue
		}
		if _, ok := r.rooms[room.ID]; ok {
			continue
		}
		r.rooms[room.ID] = &roomEntry{svc: core.NewRoomService(&room, r.observer)}
		n++
	}
	r.mu.Unlock()
	r.metrics.RoomsChanged(float64(n))
	log.Info().Str("module", "app.registry").Int("restored", n).Msg("rooms restored")
	return n, nil
}

// Room returns a live room. An expired room is reported as not found so it
// accepts no further joins, but it stays registered until the sweep.
func (r *Registry) Room(id domain.RoomID) (core.RoomService, error) {
	r.mu.RLock()
	e, ok := r.rooms[id]
	r.mu.RUnlock()
	if !ok || e.svc.Room().Expired(r.now()) {
		return nil, domain.ErrRoomNotFound
	}
	return e.svc, nil
}

func (r *Registry) RoomInfo(id domain.RoomID) (core.RoomInfo, error) {
	svc, err := r.Room(id)
	if err != nil {
		return core.RoomInfo{}, err
	}
	return infoOf(svc), nil
}

func (r *Registry) Creator(id domain.RoomID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rooms[id]
	if !ok {
		return "", false
	}
	return e.creator, true
}

func (r *Registry) ListRooms() []core.RoomInfo {
	now := r.now()
	r.mu.RLock()
	out := make([]core.RoomInfo, 0, len(r.rooms))
	for _, e := range r.rooms {
		if e.svc.Room().Expired(now) {
			continue
		}
		out = append(out, infoOf(e.svc))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// RemoveRoom unregisters the room, closes it to joins and returns the
// members still inside. The caller tears those members down.
func (r *Registry) RemoveRoom(ctx context.Context, id domain.RoomID) (core.RoomService, []core.MemberSession, error) {
	r.mu.Lock()
	e, ok := r.rooms[id]
	if ok {
		delete(r.rooms, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil, nil, domain.ErrRoomNotFound
	}
	members := e.svc.Close()
	r.metrics.RoomsChanged(-1)
	if r.store != nil {
		if err := r.store.DeleteRoom(ctx, id); err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Str("room", string(id)).Msg("delete persisted room")
		}
	}
	log.Info().Str("module", "app.registry").Str("room", string(id)).Int("members", len(members)).Msg("room removed")
	return e.svc, members, nil
}

// Join admits a session. The session is indexed before the room sees it so
// observers reacting to the join can already resolve it.
func (r *Registry) Join(
	roomID domain.RoomID,
	sid domain.SessionID,
	id domain.Identity,
	signal core.SignalConnection,
	cancel context.CancelFunc,
	welcome func(core.Roster),
) (core.MemberSession, error) {
	room, err := r.Room(roomID)
	if err != nil {
		return nil, err
	}
	ms := core.NewMemberSession(domain.NewMember(sid, id, r.now()), signal)

	r.mu.Lock()
	if _, dup := r.sessions[sid]; dup {
		r.mu.Unlock()
		return nil, fmt.Errorf("session %s already joined", sid)
	}
	r.sessions[sid] = &sessionEntry{Room: room, Session: ms, Cancel: cancel}
	r.mu.Unlock()

	if err := room.Join(ms, welcome); err != nil {
		r.mu.Lock()
		delete(r.sessions, sid)
		r.mu.Unlock()
		return nil, err
	}
	r.metrics.SessionsChanged(1)
	if r.mirror != nil {
		r.mirror.MemberAdded(roomID, sid)
	}
	log.Info().Str("module", "app.registry").Str("room", string(roomID)).Str("sid", string(sid)).
		Str("user", string(id.UserID)).Msg("session joined")
	return ms, nil
}

// Session resolves a joined session and its room.
func (r *Registry) Session(sid domain.SessionID) (core.RoomService, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil, nil, false
	}
	return e.Room, e.Session, true
}

func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Leave removes the session and everything it owned. The result lists the
// tracks and bindings whose transport must now be released.
func (r *Registry) Leave(sid domain.SessionID) (core.LeaveResult, error) {
	r.mu.Lock()
	e, ok := r.sessions[sid]
	if ok {
		delete(r.sessions, sid)
	}
	r.mu.Unlock()
	if !ok {
		return core.LeaveResult{}, domain.ErrSessionNotFound
	}
	res, err := e.Room.Leave(sid, r.now())
	if err != nil {
		return core.LeaveResult{}, err
	}
	r.metrics.SessionsChanged(-1)
	for _, td := range res.Tracks {
		r.trackGone(res.Room, td)
	}
	if r.mirror != nil {
		r.mirror.MemberRemoved(res.Room, sid)
	}
	return res, nil
}

// Cancel stops the session's connection context.
func (r *Registry) Cancel(sid domain.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}

func (r *Registry) roomOf(sid domain.SessionID) (core.RoomService, error) {
	room, _, ok := r.Session(sid)
	if !ok {
		return nil, domain.ErrNotJoined
	}
	return room, nil
}

func (r *Registry) BeginPublish(sid domain.SessionID, kind domain.Kind) (core.TrackInfo, error) {
	room, err := r.roomOf(sid)
	if err != nil {
		return core.TrackInfo{}, err
	}
	return room.BeginPublish(sid, kind)
}

// ActivateTrack makes a negotiated track visible to subscribers.
func (r *Registry) ActivateTrack(sid domain.SessionID, id domain.TrackID) (core.TrackInfo, error) {
	room, err := r.roomOf(sid)
	if err != nil {
		return core.TrackInfo{}, err
	}
	t, err := room.ActivateTrack(id)
	if err != nil {
		return core.TrackInfo{}, err
	}
	if r.mirror != nil {
		r.mirror.PublisherAdded(room.Room().ID, t)
	}
	return t, nil
}

// EndPublish removes a track owned by sid.
func (r *Registry) EndPublish(sid domain.SessionID, id domain.TrackID) (core.TrackTeardown, error) {
	room, err := r.roomOf(sid)
	if err != nil {
		return core.TrackTeardown{}, err
	}
	if t, ok := room.Track(id); !ok || t.Owner != sid {
		return core.TrackTeardown{}, domain.ErrTrackNotFound
	}
	td, err := room.EndPublish(id)
	if err != nil {
		return core.TrackTeardown{}, err
	}
	r.trackGone(room.Room().ID, td)
	return td, nil
}

func (r *Registry) Track(sid domain.SessionID, id domain.TrackID) (core.TrackInfo, error) {
	room, err := r.roomOf(sid)
	if err != nil {
		return core.TrackInfo{}, err
	}
	t, ok := room.Track(id)
	if !ok {
		return core.TrackInfo{}, domain.ErrTrackNotFound
	}
	return t, nil
}

func (r *Registry) Subscribe(sid domain.SessionID, id domain.TrackID) (core.BindingInfo, error) {
	room, err := r.roomOf(sid)
	if err != nil {
		return core.BindingInfo{}, err
	}
	return room.Subscribe(sid, id)
}

// Unsubscribe removes a binding owned by sid.
func (r *Registry) Unsubscribe(sid domain.SessionID, id domain.BindingID) (core.BindingInfo, error) {
	room, err := r.roomOf(sid)
	if err != nil {
		return core.BindingInfo{}, err
	}
	if b, ok := room.Binding(id); !ok || b.Subscriber != sid {
		return core.BindingInfo{}, domain.ErrBindingNotFound
	}
	return room.Unsubscribe(id)
}

func (r *Registry) Binding(sid domain.SessionID, id domain.BindingID) (core.BindingInfo, error) {
	room, err := r.roomOf(sid)
	if err != nil {
		return core.BindingInfo{}, err
	}
	b, ok := room.Binding(id)
	if !ok || b.Subscriber != sid {
		return core.BindingInfo{}, domain.ErrBindingNotFound
	}
	return b, nil
}

func (r *Registry) trackGone(room domain.RoomID, td core.TrackTeardown) {
	if r.mirror != nil && td.Track.Active {
		r.mirror.PublisherRemoved(room, td.Track)
	}
}

// SweepResult lists what a sweep found. Rooms are already unregistered;
// their remaining members and the idle sessions still need teardown.
type SweepResult struct {
	Rooms []core.RoomService
	Idle  []domain.SessionID
}

// Sweep evicts rooms that are past their TTL and have been empty for at
// least the grace window, and reports sessions idle for longer than
// idleTimeout.
func (r *Registry) Sweep(ctx context.Context, idleTimeout time.Duration) SweepResult {
	now := r.now()
	var res SweepResult
	var evict []domain.RoomID

	r.mu.RLock()
	for id, e := range r.rooms {
		if r.evictable(e.svc, now) {
			evict = append(evict, id)
		}
	}
	if idleTimeout > 0 {
		for sid, e := range r.sessions {
			if now.Sub(e.Session.LastSeen()) >= idleTimeout {
				res.Idle = append(res.Idle, sid)
			}
		}
	}
	r.mu.RUnlock()

	for _, id := range evict {
		svc, _, err := r.RemoveRoom(ctx, id)
		if errors.Is(err, domain.ErrRoomNotFound) {
			continue
		}
		res.Rooms = append(res.Rooms, svc)
	}
	return res
}

func (r *Registry) evictable(svc core.RoomService, now time.Time) bool {
	if !svc.Room().Expired(now) {
		return false
	}
	since := svc.EmptySince()
	if since.IsZero() {
		return false
	}
	return now.Sub(since) >= r.defaults.EmptyGrace
}

func infoOf(svc core.RoomService) core.RoomInfo {
	room := svc.Room()
	return core.RoomInfo{
		ID:             room.ID,
		Name:           room.Name,
		MaxPublishers:  room.MaxPublishers,
		CreatedAt:      room.CreatedAt,
		ExpiresAt:      room.ExpiresAt(),
		MemberCount:    svc.MemberCount(),
		PublisherCount: svc.PublisherCount(),
	}
}
