// Package orch coordinates the registry, the media gateway and the
// signaling connections of joined sessions.
package orch

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/app/sfu"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/metrics"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Options struct {
	// MaxEarlyCandidates bounds candidates buffered per session and kind
	// before the matching publish_offer.
	MaxEarlyCandidates int
	IdleTimeout        time.Duration
}

type pubKey struct {
	sid  domain.SessionID
	kind domain.Kind
}

type Orchestrator struct {
	Registry *app.Registry
	Gateway  *sfu.Gateway
	Policy   app.Policy
	Metrics  *metrics.Metrics
	opts     Options

	mu    sync.Mutex
	early map[pubKey][]webrtc.ICECandidateInit
	pubs  map[pubKey]domain.TrackID
}

// New wires the orchestrator as the observer of every room the registry
// creates from now on.
func New(reg *app.Registry, gw *sfu.Gateway, policy app.Policy, m *metrics.Metrics, opts Options) *Orchestrator {
	if opts.MaxEarlyCandidates <= 0 {
		opts.MaxEarlyCandidates = 32
	}
	if policy == nil {
		policy = app.SimplePolicy{}
	}
	o := &Orchestrator{
		Registry: reg,
		Gateway:  gw,
		Policy:   policy,
		Metrics:  m,
		opts:     opts,
		early:    make(map[pubKey][]webrtc.ICECandidateInit),
		pubs:     make(map[pubKey]domain.TrackID),
	}
	reg.SetObserver(o)
	return o
}

// notify sends msg to every member without blocking. Members whose queue
// is full are handed to the policy off the caller's goroutine, since
// callers may hold the room lock.
func (o *Orchestrator) notify(room *domain.Room, members []core.MemberSession, msg protocol.ServerMessage) {
	if len(members) == 0 {
		return
	}
	res := core.Fanout(members, core.Frame(protocol.MustEncode("", msg)))
	for _, m := range res.Dropped {
		go o.backpressure(room.ID, m)
	}
	if len(res.Dropped) > 0 {
		log.Debug().Str("module", "orch").Str("room", string(room.ID)).Str("type", msg.ServerType()).
			Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("fanout result")
	}
}

func (o *Orchestrator) backpressure(room domain.RoomID, m core.MemberSession) {
	sid := m.Meta().SessionID
	svc, _, ok := o.Registry.Session(sid)
	if !ok {
		return
	}
	action := o.Policy.OnBackPressure(svc, m)
	log.Warn().Str("module", "orch").Str("room", string(room)).Str("sid", string(sid)).
		Str("action", action.String()).Msg("signaling backpressure")
	if action == app.KickMember {
		o.Kick(sid)
	}
}

// MemberJoined implements core.RoomObserver.
func (o *Orchestrator) MemberJoined(room *domain.Room, joined core.MemberSession, others []core.MemberSession) {
	id := joined.Meta().Identity
	o.notify(room, others, protocol.MemberJoined{Participant: protocol.Participant{
		SessionID: string(joined.Meta().SessionID),
		UserID:    string(id.UserID),
		Display:   id.Display,
	}})
}

// MemberLeft implements core.RoomObserver.
func (o *Orchestrator) MemberLeft(room *domain.Room, left core.MemberSession, others []core.MemberSession) {
	o.notify(room, others, protocol.MemberLeft{
		SessionID: string(left.Meta().SessionID),
		UserID:    string(left.Meta().Identity.UserID),
	})
}

// TrackPublished implements core.RoomObserver.
func (o *Orchestrator) TrackPublished(room *domain.Room, t core.TrackInfo, others []core.MemberSession) {
	o.notify(room, others, protocol.PublisherJoined{RoomID: string(room.ID), Publisher: publisherOf(t)})
}

// TrackClosing implements core.RoomObserver. Delivery stops before anyone
// learns the track is gone, and everyone learns it before the id stops
// resolving.
func (o *Orchestrator) TrackClosing(room *domain.Room, t core.TrackInfo, others []core.MemberSession, _ []core.BindingInfo) {
	o.Gateway.DetachTrack(t.ID)
	o.notify(room, others, protocol.PublisherLeft{
		RoomID:    string(room.ID),
		TrackID:   string(t.ID),
		SessionID: string(t.Owner),
	})
}

// Kick tears the session down as if it had left, queues a final left frame
// and closes its signaling connection.
func (o *Orchestrator) Kick(sid domain.SessionID) {
	_, ms, ok := o.Registry.Session(sid)
	if !ok {
		return
	}
	// queued ahead of the cancel so the writer flushes it
	_ = ms.Signal().TrySend(core.Frame(protocol.MustEncode("", protocol.Left{})))
	o.Registry.Cancel(sid)
	if err := o.Leave(sid); err != nil {
		log.Debug().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("kick: leave")
	}
	ms.Signal().Close()
	log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("kicked")
}

// EvictRoom removes the room and kicks everyone still inside.
func (o *Orchestrator) EvictRoom(ctx context.Context, id domain.RoomID) error {
	_, members, err := o.Registry.RemoveRoom(ctx, id)
	if err != nil {
		return err
	}
	o.evictMembers(members)
	return nil
}

func (o *Orchestrator) evictMembers(members []core.MemberSession) {
	for _, m := range members {
		o.Kick(m.Meta().SessionID)
	}
}

// Sweep runs one eviction pass: expired empty rooms and idle sessions.
func (o *Orchestrator) Sweep(ctx context.Context) {
	res := o.Registry.Sweep(ctx, o.opts.IdleTimeout)
	for _, svc := range res.Rooms {
		o.evictMembers(svc.Members())
		log.Info().Str("module", "orch").Str("room", string(svc.Room().ID)).Msg("room evicted")
	}
	for _, sid := range res.Idle {
		log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("session idle, tearing down")
		o.Kick(sid)
	}
}

// RunSweeper calls Sweep every interval until ctx is done.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			o.Sweep(ctx)
		}
	}
}

func publisherOf(t core.TrackInfo) protocol.Publisher {
	return protocol.Publisher{
		TrackID:   string(t.ID),
		SessionID: string(t.Owner),
		UserID:    string(t.UserID),
		Display:   t.Display,
		Kind:      string(t.Kind),
	}
}
