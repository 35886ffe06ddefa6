package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Meet/internal/app/sfu"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Publish reserves a publisher slot, negotiates the inbound connection and
// only then makes the track visible. A failed negotiation releases the
// slot and the connection.
func (o *Orchestrator) Publish(ctx context.Context, sid domain.SessionID, kind domain.Kind, offer string) (core.TrackInfo, string, error) {
	t, err := o.Registry.BeginPublish(sid, kind)
	if err != nil {
		return core.TrackInfo{}, "", err
	}
	k := pubKey{sid: sid, kind: kind}
	o.mu.Lock()
	o.pubs[k] = t.ID
	early := o.early[k]
	delete(o.early, k)
	o.mu.Unlock()

	hooks := sfu.PublisherHooks{
		OnActivity: func() { o.touch(sid) },
		OnTransportLost: func(err error) {
			go o.publisherLost(sid, t.ID, err)
		},
	}
	answer, err := o.Gateway.OpenPublisher(ctx, t, offer, early, hooks)
	if err != nil {
		o.abortPublish(sid, t)
		return core.TrackInfo{}, "", err
	}
	active, err := o.Registry.ActivateTrack(sid, t.ID)
	if err != nil {
		// The session left while we negotiated.
		o.Gateway.ClosePublisher(t.ID)
		return core.TrackInfo{}, "", err
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("track", string(t.ID)).
		Str("kind", string(kind)).Msg("publishing")
	return active, answer, nil
}

func (o *Orchestrator) abortPublish(sid domain.SessionID, t core.TrackInfo) {
	if td, err := o.Registry.EndPublish(sid, t.ID); err == nil {
		o.releaseTrack(td)
		return
	}
	o.releaseTrack(core.TrackTeardown{Track: t})
}

// Unpublish tears a track down: bound sessions are told, their bindings
// closed, then the inbound connection released.
func (o *Orchestrator) Unpublish(sid domain.SessionID, id domain.TrackID) error {
	td, err := o.Registry.EndPublish(sid, id)
	if err != nil {
		return err
	}
	o.releaseTrack(td)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("track", string(id)).
		Int("bindings", len(td.Bindings)).Msg("unpublished")
	return nil
}

func (o *Orchestrator) publisherLost(sid domain.SessionID, id domain.TrackID, cause error) {
	log.Warn().Err(cause).Str("module", "orch").Str("sid", string(sid)).Str("track", string(id)).Msg("tearing down publisher")
	if err := o.Unpublish(sid, id); err != nil && !errors.Is(err, domain.ErrTrackNotFound) && !errors.Is(err, domain.ErrNotJoined) {
		log.Warn().Err(err).Str("module", "orch").Str("track", string(id)).Msg("teardown after transport loss")
	}
}

// Subscribe creates a binding and its outbound offer. If the track went
// away meanwhile the binding is rolled back and the caller sees not_found.
func (o *Orchestrator) Subscribe(ctx context.Context, sid domain.SessionID, id domain.TrackID) (core.BindingInfo, string, error) {
	b, err := o.Registry.Subscribe(sid, id)
	if err != nil {
		return core.BindingInfo{}, "", err
	}
	hooks := sfu.SubscriberHooks{
		OnActivity: func() { o.touch(sid) },
		OnTransportLost: func(err error) {
			go o.subscriberLost(sid, b.ID, err)
		},
	}
	offer, err := o.Gateway.OpenSubscriber(ctx, b, hooks)
	if err != nil {
		_, _ = o.Registry.Unsubscribe(sid, b.ID)
		return core.BindingInfo{}, "", err
	}
	if _, err := o.Registry.Binding(sid, b.ID); err != nil {
		o.Gateway.CloseSubscriber(b.ID)
		return core.BindingInfo{}, "", domain.ErrTrackNotFound
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("track", string(id)).
		Str("binding", string(b.ID)).Msg("subscribed")
	return b, offer, nil
}

// SubscribeAnswer finishes outbound negotiation. A rejected answer removes
// the binding entirely.
func (o *Orchestrator) SubscribeAnswer(sid domain.SessionID, id domain.BindingID, sdp string) error {
	if _, err := o.Registry.Binding(sid, id); err != nil {
		return err
	}
	if err := o.Gateway.CompleteSubscriber(id, sdp); err != nil {
		_ = o.Unsubscribe(sid, id)
		return err
	}
	return nil
}

func (o *Orchestrator) Unsubscribe(sid domain.SessionID, id domain.BindingID) error {
	if _, err := o.Registry.Unsubscribe(sid, id); err != nil {
		return err
	}
	o.Gateway.CloseSubscriber(id)
	return nil
}

func (o *Orchestrator) subscriberLost(sid domain.SessionID, id domain.BindingID, cause error) {
	log.Warn().Err(cause).Str("module", "orch").Str("sid", string(sid)).Str("binding", string(id)).Msg("tearing down binding")
	_ = o.Unsubscribe(sid, id)
}

// Trickle routes a client candidate to the right peer connection. A
// publisher candidate that arrives before its publish_offer is buffered.
func (o *Orchestrator) Trickle(sid domain.SessionID, m protocol.TrickleICE) error {
	if _, _, ok := o.Registry.Session(sid); !ok {
		return domain.ErrNotJoined
	}
	c := webrtc.ICECandidateInit{
		Candidate:        m.Candidate,
		SDPMid:           m.SDPMid,
		SDPMLineIndex:    m.SDPMLineIndex,
		UsernameFragment: m.UsernameFragment,
	}

	var conn core.MediaConnection
	switch m.Target {
	case protocol.TargetSubscriber:
		bid := domain.BindingID(m.BindingID)
		if _, err := o.Registry.Binding(sid, bid); err != nil {
			return err
		}
		var ok bool
		if conn, ok = o.Gateway.SubscriberConn(bid); !ok {
			return domain.ErrBindingNotFound
		}
	case protocol.TargetPublisher:
		kind, err := domain.ParseKind(m.Kind)
		if err != nil {
			return err
		}
		k := pubKey{sid: sid, kind: kind}
		o.mu.Lock()
		tid, publishing := o.pubs[k]
		o.mu.Unlock()
		var ok bool
		if publishing {
			conn, ok = o.Gateway.PublisherConn(tid)
		}
		if !ok {
			return o.bufferEarly(k, c)
		}
	default:
		return fmt.Errorf("%w: unknown trickle target %q", domain.ErrInvalidMessage, m.Target)
	}

	if err := conn.AddICECandidate(c); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
	}
	return nil
}

func (o *Orchestrator) bufferEarly(k pubKey, c webrtc.ICECandidateInit) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.early[k]) >= o.opts.MaxEarlyCandidates {
		return fmt.Errorf("%w: too many candidates before publish_offer", domain.ErrRateLimited)
	}
	o.early[k] = append(o.early[k], c)
	return nil
}

func (o *Orchestrator) touch(sid domain.SessionID) {
	if _, ms, ok := o.Registry.Session(sid); ok {
		ms.Touch(o.Registry.Now())
	}
}
