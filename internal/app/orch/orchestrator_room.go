package orch

import (
	"context"
	"errors"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Join admits a session. The joined reply is queued under the room lock, so
// it reaches the client before any event about the room it describes.
func (o *Orchestrator) Join(
	requestID string,
	roomID domain.RoomID,
	sid domain.SessionID,
	id domain.Identity,
	signal core.SignalConnection,
	cancel context.CancelFunc,
) (core.MemberSession, error) {
	var sendErr error
	welcome := func(ro core.Roster) {
		msg := protocol.Joined{
			RoomID:           string(ro.Room.ID),
			RoomName:         string(ro.Room.Name),
			SessionID:        string(sid),
			UserID:           string(id.UserID),
			Display:          id.Display,
			Publishers:       make([]protocol.Publisher, 0, len(ro.Publishers)),
			Participants:     make([]protocol.Participant, 0, len(ro.Participants)),
			ParticipantCount: len(ro.Participants),
		}
		for _, t := range ro.Publishers {
			msg.Publishers = append(msg.Publishers, publisherOf(t))
		}
		for _, p := range ro.Participants {
			msg.Participants = append(msg.Participants, protocol.Participant{
				SessionID: string(p.SessionID),
				UserID:    string(p.UserID),
				Display:   p.Display,
			})
		}
		sendErr = signal.TrySend(core.Frame(protocol.MustEncode(requestID, msg)))
	}
	ms, err := o.Registry.Join(roomID, sid, id, signal, cancel, welcome)
	if err != nil {
		return nil, err
	}
	if sendErr != nil {
		log.Warn().Err(sendErr).Str("module", "orch").Str("sid", string(sid)).Msg("joined reply not queued")
	}
	return ms, nil
}

// Leave removes the session, then releases transport in dependency order:
// each owned track's bindings, then the track's inbound connection, then
// the session's own bindings.
func (o *Orchestrator) Leave(sid domain.SessionID) error {
	res, err := o.Registry.Leave(sid)
	if err != nil {
		return err
	}
	for _, td := range res.Tracks {
		o.releaseTrack(td)
	}
	for _, b := range res.Bindings {
		o.Gateway.CloseSubscriber(b.ID)
	}
	o.forgetSession(sid)
	log.Info().Str("module", "orch").Str("room", string(res.Room)).Str("sid", string(sid)).
		Int("tracks", len(res.Tracks)).Int("bindings", len(res.Bindings)).Msg("session left")
	return nil
}

// Disconnected is the cleanup for a signaling connection that went away
// without an explicit leave.
func (o *Orchestrator) Disconnected(sid domain.SessionID) {
	if err := o.Leave(sid); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("disconnect cleanup")
	}
}

func (o *Orchestrator) releaseTrack(td core.TrackTeardown) {
	for _, b := range td.Bindings {
		o.Gateway.CloseSubscriber(b.ID)
	}
	o.Gateway.ClosePublisher(td.Track.ID)
	o.mu.Lock()
	k := pubKey{sid: td.Track.Owner, kind: td.Track.Kind}
	if o.pubs[k] == td.Track.ID {
		delete(o.pubs, k)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) forgetSession(sid domain.SessionID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, kind := range []domain.Kind{domain.KindAudio, domain.KindVideo} {
		k := pubKey{sid: sid, kind: kind}
		delete(o.early, k)
		delete(o.pubs, k)
	}
}
