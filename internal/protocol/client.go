package protocol

import (
	"bytes"

	"github.com/dkeye/Meet/internal/domain"
)

const (
	TypeJoinRoom        = "join_room"
	TypePublishOffer    = "publish_offer"
	TypeTrickleICE      = "trickle_ice"
	TypeSubscribe       = "subscribe"
	TypeSubscribeAnswer = "subscribe_answer"
	TypeUnsubscribe     = "unsubscribe"
	TypeUnpublish       = "unpublish"
	TypeLeave           = "leave"
	TypePing            = "ping"
)

const (
	TargetPublisher  = "publisher"
	TargetSubscriber = "subscriber"
)

// ClientMessage is implemented only by the types in this file.
type ClientMessage interface {
	ClientType() string
	validate() error
}

type JoinRoom struct {
	RoomID  string `json:"room_id,omitempty"`
	Display string `json:"display,omitempty"`
	Token   string `json:"token,omitempty"`
}

type PublishOffer struct {
	SDP  string `json:"sdp"`
	Kind string `json:"kind,omitempty"`
}

type TrickleICE struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdp_mline_index,omitempty"`
	UsernameFragment *string `json:"username_fragment,omitempty"`
	Target           string  `json:"target"`
	Kind             string  `json:"kind,omitempty"`
	BindingID        string  `json:"binding_id,omitempty"`
}

type Subscribe struct {
	TrackID string `json:"track_id"`
}

type SubscribeAnswer struct {
	BindingID string `json:"binding_id"`
	SDP       string `json:"sdp"`
}

type Unsubscribe struct {
	BindingID string `json:"binding_id"`
}

type Unpublish struct {
	TrackID string `json:"track_id"`
}

type Leave struct{}

type Ping struct{}

func (JoinRoom) ClientType() string        { return TypeJoinRoom }
func (PublishOffer) ClientType() string    { return TypePublishOffer }
func (TrickleICE) ClientType() string      { return TypeTrickleICE }
func (Subscribe) ClientType() string       { return TypeSubscribe }
func (SubscribeAnswer) ClientType() string { return TypeSubscribeAnswer }
func (Unsubscribe) ClientType() string     { return TypeUnsubscribe }
func (Unpublish) ClientType() string       { return TypeUnpublish }
func (Leave) ClientType() string           { return TypeLeave }
func (Ping) ClientType() string            { return TypePing }

func (m JoinRoom) validate() error {
	if len(m.Display) > domain.MaxDisplayLen {
		return invalid("display too long")
	}
	return nil
}

func (m PublishOffer) validate() error {
	if m.SDP == "" {
		return invalid("sdp is required")
	}
	_, err := domain.ParseKind(m.Kind)
	return err
}

func (m TrickleICE) validate() error {
	switch m.Target {
	case TargetPublisher:
		_, err := domain.ParseKind(m.Kind)
		return err
	case TargetSubscriber:
		if m.BindingID == "" {
			return invalid("binding_id is required for subscriber target")
		}
		return nil
	default:
		return invalid("unknown trickle target %q", m.Target)
	}
}

func (m Subscribe) validate() error {
	if m.TrackID == "" {
		return invalid("track_id is required")
	}
	return nil
}

func (m SubscribeAnswer) validate() error {
	if m.BindingID == "" || m.SDP == "" {
		return invalid("binding_id and sdp are required")
	}
	return nil
}

func (m Unsubscribe) validate() error {
	if m.BindingID == "" {
		return invalid("binding_id is required")
	}
	return nil
}

func (m Unpublish) validate() error {
	if m.TrackID == "" {
		return invalid("track_id is required")
	}
	return nil
}

func (Leave) validate() error { return nil }
func (Ping) validate() error  { return nil }

// ParseClient decodes one client frame. The request id is returned even
// when the payload is invalid so that the error reply can echo it. An
// unrecognized type is an error, never ignored.
func ParseClient(data []byte) (string, ClientMessage, error) {
	var env Envelope
	if err := strictUnmarshal(data, &env); err != nil {
		return requestIDOf(data), nil, invalid("bad envelope: %v", err)
	}

	var msg ClientMessage
	switch env.Type {
	case TypeJoinRoom:
		msg = decode[JoinRoom](env.Payload)
	case TypePublishOffer:
		msg = decode[PublishOffer](env.Payload)
	case TypeTrickleICE:
		msg = decode[TrickleICE](env.Payload)
	case TypeSubscribe:
		msg = decode[Subscribe](env.Payload)
	case TypeSubscribeAnswer:
		msg = decode[SubscribeAnswer](env.Payload)
	case TypeUnsubscribe:
		msg = decode[Unsubscribe](env.Payload)
	case TypeUnpublish:
		msg = decode[Unpublish](env.Payload)
	case TypeLeave:
		msg = decode[Leave](env.Payload)
	case TypePing:
		msg = decode[Ping](env.Payload)
	case "":
		return env.RequestID, nil, invalid("missing type")
	default:
		return env.RequestID, nil, invalid("unknown message type %q", env.Type)
	}
	if pe, ok := msg.(payloadError); ok {
		return env.RequestID, nil, invalid("%s payload: %v", env.Type, pe.err)
	}
	if err := msg.validate(); err != nil {
		return env.RequestID, nil, err
	}
	return env.RequestID, msg, nil
}

type payloadError struct{ err error }

func (payloadError) ClientType() string { return "" }
func (payloadError) validate() error    { return nil }

func decode[T ClientMessage](raw []byte) ClientMessage {
	var v T
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return v
	}
	if err := strictUnmarshal(raw, &v); err != nil {
		return payloadError{err: err}
	}
	return v
}
