package core

import (
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog/log"
)

type trackEntry struct {
	info TrackInfo
	// weak index of the bindings this track feeds
	bindings map[domain.BindingID]domain.SessionID
}

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	room     *domain.Room
	observer RoomObserver

	mu         sync.RWMutex
	bySID      map[domain.SessionID]MemberSession
	tracks     map[domain.TrackID]*trackEntry
	bindings   map[domain.BindingID]BindingInfo
	emptySince time.Time
	closed     bool
}

func NewRoomService(room *domain.Room, observer RoomObserver) RoomService {
	return &roomImpl{
		room:       room,
		observer:   observer,
		bySID:      make(map[domain.SessionID]MemberSession),
		tracks:     make(map[domain.TrackID]*trackEntry),
		bindings:   make(map[domain.BindingID]BindingInfo),
		emptySince: room.CreatedAt,
	}
}

func (r *roomImpl) Room() *domain.Room { return r.room }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySID)
}

func (r *roomImpl) PublisherCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tracks)
}

func (r *roomImpl) EmptySince() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.emptySince
}

func (r *roomImpl) Member(sid domain.SessionID) (MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ms, ok := r.bySID[sid]
	return ms, ok
}

func (r *roomImpl) Members() []MemberSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.othersLocked("")
}

func (r *roomImpl) Roster() Roster {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rosterLocked()
}

func (r *roomImpl) Join(ms MemberSession, welcome func(Roster)) error {
	sid := ms.Meta().SessionID
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.ErrRoomNotFound
	}
	if len(r.bySID) >= r.room.MaxSessions {
		return domain.ErrRoomFull
	}
	r.bySID[sid] = ms
	r.emptySince = time.Time{}
	if welcome != nil {
		welcome(r.rosterLocked())
	}
	if r.observer != nil {
		r.observer.MemberJoined(r.room, ms, r.othersLocked(sid))
	}
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("sid", string(sid)).Msg("member added")
	return nil
}

func (r *roomImpl) Leave(sid domain.SessionID, now time.Time) (LeaveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.bySID[sid]
	if !ok {
		return LeaveResult{}, domain.ErrSessionNotFound
	}
	res := LeaveResult{Room: r.room.ID, Member: ms}

	for id, te := range r.tracks {
		if te.info.Owner != sid {
			continue
		}
		res.Tracks = append(res.Tracks, r.removeTrackLocked(id, te))
	}
	for id, b := range r.bindings {
		if b.Subscriber != sid {
			continue
		}
		r.removeBindingLocked(id, b)
		res.Bindings = append(res.Bindings, b)
	}

	delete(r.bySID, sid)
	if len(r.bySID) == 0 {
		r.emptySince = now
	}
	if r.observer != nil {
		r.observer.MemberLeft(r.room, ms, r.othersLocked(sid))
	}
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("sid", string(sid)).
		Int("tracks", len(res.Tracks)).Int("bindings", len(res.Bindings)).Msg("member removed")
	return res, nil
}

func (r *roomImpl) BeginPublish(sid domain.SessionID, kind domain.Kind) (TrackInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.bySID[sid]
	if !ok {
		return TrackInfo{}, domain.ErrSessionNotFound
	}
	for _, te := range r.tracks {
		if te.info.Owner == sid && te.info.Kind == kind {
			return TrackInfo{}, domain.ErrAlreadyPublishing
		}
	}
	if len(r.tracks) >= r.room.MaxPublishers {
		return TrackInfo{}, domain.ErrPublisherCapExceeded
	}
	id := ms.Meta().Identity
	info := TrackInfo{
		ID:      domain.NewTrackID(),
		Owner:   sid,
		UserID:  id.UserID,
		Display: id.Display,
		Kind:    kind,
	}
	r.tracks[info.ID] = &trackEntry{info: info, bindings: make(map[domain.BindingID]domain.SessionID)}
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("sid", string(sid)).
		Str("track", string(info.ID)).Str("kind", string(kind)).Msg("publish slot reserved")
	return info, nil
}

func (r *roomImpl) ActivateTrack(id domain.TrackID) (TrackInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	te, ok := r.tracks[id]
	if !ok {
		return TrackInfo{}, domain.ErrTrackNotFound
	}
	if te.info.Active {
		return te.info, nil
	}
	te.info.Active = true
	if r.observer != nil {
		r.observer.TrackPublished(r.room, te.info, r.othersLocked(te.info.Owner))
	}
	return te.info, nil
}

func (r *roomImpl) EndPublish(id domain.TrackID) (TrackTeardown, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	te, ok := r.tracks[id]
	if !ok {
		return TrackTeardown{}, domain.ErrTrackNotFound
	}
	return r.removeTrackLocked(id, te), nil
}

func (r *roomImpl) Subscribe(sid domain.SessionID, id domain.TrackID) (BindingInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bySID[sid]; !ok {
		return BindingInfo{}, domain.ErrSessionNotFound
	}
	te, ok := r.tracks[id]
	if !ok || !te.info.Active {
		return BindingInfo{}, domain.ErrTrackNotFound
	}
	for _, sub := range te.bindings {
		if sub == sid {
			return BindingInfo{}, domain.ErrAlreadySubscribed
		}
	}
	b := BindingInfo{
		ID:         domain.NewBindingID(),
		Subscriber: sid,
		Track:      id,
		Kind:       te.info.Kind,
	}
	te.bindings[b.ID] = sid
	r.bindings[b.ID] = b
	return b, nil
}

func (r *roomImpl) Unsubscribe(id domain.BindingID) (BindingInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[id]
	if !ok {
		return BindingInfo{}, domain.ErrBindingNotFound
	}
	r.removeBindingLocked(id, b)
	return b, nil
}

func (r *roomImpl) Track(id domain.TrackID) (TrackInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	te, ok := r.tracks[id]
	if !ok {
		return TrackInfo{}, false
	}
	return te.info, true
}

func (r *roomImpl) Binding(id domain.BindingID) (BindingInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[id]
	return b, ok
}

func (r *roomImpl) Close() []MemberSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.othersLocked("")
}

// removeTrackLocked notifies observers, then drops the track and every
// binding it fed. The caller releases transport resources afterwards.
func (r *roomImpl) removeTrackLocked(id domain.TrackID, te *trackEntry) TrackTeardown {
	td := TrackTeardown{Track: te.info}
	for bid := range te.bindings {
		if b, ok := r.bindings[bid]; ok {
			td.Bindings = append(td.Bindings, b)
		}
	}
	if te.info.Active && r.observer != nil {
		r.observer.TrackClosing(r.room, te.info, r.othersLocked(te.info.Owner), td.Bindings)
	}
	for _, b := range td.Bindings {
		delete(r.bindings, b.ID)
	}
	delete(r.tracks, id)
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("track", string(id)).
		Int("bindings", len(td.Bindings)).Msg("track removed")
	return td
}

func (r *roomImpl) removeBindingLocked(id domain.BindingID, b BindingInfo) {
	delete(r.bindings, id)
	if te, ok := r.tracks[b.Track]; ok {
		delete(te.bindings, id)
	}
}

func (r *roomImpl) othersLocked(except domain.SessionID) []MemberSession {
	out := make([]MemberSession, 0, len(r.bySID))
	for sid, ms := range r.bySID {
		if sid != except {
			out = append(out, ms)
		}
	}
	return out
}

func (r *roomImpl) membersLocked() []MemberDTO {
	out := make([]MemberDTO, 0, len(r.bySID))
	for sid, ms := range r.bySID {
		id := ms.Meta().Identity
		out = append(out, MemberDTO{SessionID: sid, UserID: id.UserID, Display: id.Display})
	}
	return out
}

func (r *roomImpl) rosterLocked() Roster {
	ro := Roster{Room: *r.room, Participants: r.membersLocked()}
	for _, te := range r.tracks {
		if te.info.Active {
			ro.Publishers = append(ro.Publishers, te.info)
		}
	}
	return ro
}
