package signal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/rs/zerolog/log"
)

type connState int

const (
	stateUnauthenticated connState = iota
	stateJoined
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateJoined:
		return "joined"
	default:
		return "closed"
	}
}

// session is the per-connection state. Frames are handled one at a time by
// the read loop, so replies leave in arrival order.
type session struct {
	ctl    *SignalWSController
	conn   *WsSignalConn
	cancel context.CancelFunc
	sid    domain.SessionID

	// query parameter defaults for join_room
	roomID    domain.RoomID
	token     string
	remoteKey string

	state  connState
	member core.MemberSession
	once   sync.Once
}

// handle processes one inbound frame and reports whether the connection
// should stay open.
func (s *session) handle(ctx context.Context, data []byte) bool {
	requestID, msg, err := protocol.ParseClient(data)
	if err != nil {
		s.ctl.Metrics.SignalMessage("invalid")
		s.replyError(requestID, err)
		return true
	}
	s.ctl.Metrics.SignalMessage(msg.ClientType())
	s.touch()

	if _, ok := msg.(protocol.Ping); ok {
		s.reply(requestID, protocol.Pong{})
		return true
	}

	switch s.state {
	case stateUnauthenticated:
		join, ok := msg.(protocol.JoinRoom)
		if !ok {
			s.replyError(requestID, fmt.Errorf("%w: %s before join_room", domain.ErrNotJoined, msg.ClientType()))
			return true
		}
		return s.join(requestID, join)
	case stateJoined:
		return s.dispatch(ctx, requestID, msg)
	default:
		return false
	}
}

func (s *session) join(requestID string, m protocol.JoinRoom) bool {
	if !s.ctl.Limiter.Allow(s.remoteKey) {
		s.replyError(requestID, fmt.Errorf("%w: too many join attempts", domain.ErrRateLimited))
		return true
	}
	roomID := domain.RoomID(m.RoomID)
	if roomID == "" {
		roomID = s.roomID
	}
	if roomID == "" {
		s.replyError(requestID, fmt.Errorf("%w: room_id is required", domain.ErrInvalidMessage))
		return true
	}
	token := m.Token
	if token == "" {
		token = s.token
	}

	id, err := s.ctl.Auth.Authenticate(token)
	switch {
	case err != nil:
	case id.Expired(s.ctl.Orch.Registry.Now()):
		err = fmt.Errorf("%w: identity expired at %s", domain.ErrUnauthorized, id.ExpiresAt.Format(time.RFC3339))
	case id.RoomID != "" && id.RoomID != roomID:
		err = fmt.Errorf("%w: token is bound to another room", domain.ErrUnauthorized)
	}
	if err != nil {
		log.Info().Err(err).Str("module", "signal").Str("sid", string(s.sid)).Str("room", string(roomID)).Msg("join rejected")
		s.replyError(requestID, err)
		return false
	}
	if d := strings.TrimSpace(m.Display); d != "" {
		if err := domain.ValidateDisplay(d); err != nil {
			s.replyError(requestID, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err))
			return true
		}
		id.Display = d
	}

	ms, err := s.ctl.Orch.Join(requestID, roomID, s.sid, id, s.conn, s.cancel)
	if err != nil {
		s.replyError(requestID, err)
		return true
	}
	s.member = ms
	s.state = stateJoined
	log.Info().Str("module", "signal").Str("sid", string(s.sid)).Str("room", string(roomID)).
		Str("user", string(id.UserID)).Msg("joined")
	return true
}

func (s *session) dispatch(ctx context.Context, requestID string, msg protocol.ClientMessage) bool {
	o := s.ctl.Orch
	switch m := msg.(type) {
	case protocol.JoinRoom:
		s.replyError(requestID, fmt.Errorf("%w: already joined", domain.ErrInvalidMessage))
	case protocol.PublishOffer:
		kind, _ := domain.ParseKind(m.Kind)
		t, answer, err := o.Publish(ctx, s.sid, kind, m.SDP)
		if err != nil {
			s.replyError(requestID, err)
			return true
		}
		s.reply(requestID, protocol.PublishAnswer{TrackID: string(t.ID), Kind: string(t.Kind), SDP: answer})
	case protocol.TrickleICE:
		if err := o.Trickle(s.sid, m); err != nil {
			s.replyError(requestID, err)
		}
	case protocol.Subscribe:
		b, offer, err := o.Subscribe(ctx, s.sid, domain.TrackID(m.TrackID))
		if err != nil {
			s.replyError(requestID, err)
			return true
		}
		s.reply(requestID, protocol.SubscribeOffer{BindingID: string(b.ID), TrackID: string(b.Track), SDP: offer})
	case protocol.SubscribeAnswer:
		if err := o.SubscribeAnswer(s.sid, domain.BindingID(m.BindingID), m.SDP); err != nil {
			s.replyError(requestID, err)
		}
	case protocol.Unsubscribe:
		if err := o.Unsubscribe(s.sid, domain.BindingID(m.BindingID)); err != nil {
			s.replyError(requestID, err)
			return true
		}
		s.reply(requestID, protocol.Unsubscribed{BindingID: m.BindingID})
	case protocol.Unpublish:
		if err := o.Unpublish(s.sid, domain.TrackID(m.TrackID)); err != nil {
			s.replyError(requestID, err)
			return true
		}
		s.reply(requestID, protocol.Unpublished{TrackID: m.TrackID})
	case protocol.Leave:
		if err := o.Leave(s.sid); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			log.Warn().Err(err).Str("module", "signal").Str("sid", string(s.sid)).Msg("leave")
		}
		s.state = stateClosed
		s.reply(requestID, protocol.Left{})
		return false
	default:
		s.replyError(requestID, fmt.Errorf("%w: unexpected %s", domain.ErrInvalidMessage, msg.ClientType()))
	}
	return true
}

func (s *session) touch() {
	if s.member != nil {
		s.member.Touch(s.ctl.Orch.Registry.Now())
	}
}

func (s *session) reply(requestID string, msg protocol.ServerMessage) {
	data, err := protocol.Encode(requestID, msg)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(s.sid)).Msg("encode reply")
		return
	}
	if err := s.conn.TrySend(core.Frame(data)); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(s.sid)).
			Str("type", msg.ServerType()).Msg("reply not queued")
	}
}

func (s *session) replyError(requestID string, err error) {
	code := domain.CodeOf(err)
	s.ctl.Metrics.SignalError(string(code))
	s.reply(requestID, protocol.Error{Code: code, Message: err.Error()})
}

// closeDown is the single exit path of a connection: whatever ended it, a
// joined session is released exactly like an explicit leave. The write loop
// flushes queued frames and then closes the socket.
func (s *session) closeDown() {
	s.once.Do(func() {
		log.Debug().Str("module", "signal").Str("sid", string(s.sid)).Stringer("state", s.state).Msg("connection closing")
		if s.state == stateJoined {
			s.ctl.Orch.Disconnected(s.sid)
		}
		s.state = stateClosed
		s.conn.Close()
	})
}
