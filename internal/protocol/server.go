package protocol

import "github.com/dkeye/Meet/internal/domain"

const (
	TypeJoined          = "joined"
	TypePublisherJoined = "publisher_joined"
	TypePublisherLeft   = "publisher_left"
	TypePublishAnswer   = "publish_answer"
	TypeSubscribeOffer  = "subscribe_offer"
	TypeUnsubscribed    = "unsubscribed"
	TypeUnpublished     = "unpublished"
	TypeMemberJoined    = "member_joined"
	TypeMemberLeft      = "member_left"
	TypeLeft            = "left"
	TypePong            = "pong"
	TypeError           = "error"
)

// ServerMessage is implemented only by the types in this file.
type ServerMessage interface {
	ServerType() string
}

type Publisher struct {
	TrackID   string `json:"track_id"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Display   string `json:"display"`
	Kind      string `json:"kind"`
}

type Participant struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Display   string `json:"display"`
}

type Joined struct {
	RoomID           string        `json:"room_id"`
	RoomName         string        `json:"room_name"`
	SessionID        string        `json:"session_id"`
	UserID           string        `json:"user_id"`
	Display          string        `json:"display"`
	Publishers       []Publisher   `json:"publishers"`
	Participants     []Participant `json:"participants"`
	ParticipantCount int           `json:"participant_count"`
}

type PublisherJoined struct {
	RoomID string `json:"room_id"`
	Publisher
}

type PublisherLeft struct {
	RoomID    string `json:"room_id"`
	TrackID   string `json:"track_id"`
	SessionID string `json:"session_id"`
}

type PublishAnswer struct {
	TrackID string `json:"track_id"`
	Kind    string `json:"kind"`
	SDP     string `json:"sdp"`
}

type SubscribeOffer struct {
	BindingID string `json:"binding_id"`
	TrackID   string `json:"track_id"`
	SDP       string `json:"sdp"`
}

type Unsubscribed struct {
	BindingID string `json:"binding_id"`
}

type Unpublished struct {
	TrackID string `json:"track_id"`
}

type MemberJoined struct {
	Participant
}

type MemberLeft struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

type Left struct{}

type Pong struct{}

type Error struct {
	Code    domain.Code `json:"code"`
	Message string      `json:"message"`
}

func (Joined) ServerType() string          { return TypeJoined }
func (PublisherJoined) ServerType() string { return TypePublisherJoined }
func (PublisherLeft) ServerType() string   { return TypePublisherLeft }
func (PublishAnswer) ServerType() string   { return TypePublishAnswer }
func (SubscribeOffer) ServerType() string  { return TypeSubscribeOffer }
func (Unsubscribed) ServerType() string    { return TypeUnsubscribed }
func (Unpublished) ServerType() string     { return TypeUnpublished }
func (MemberJoined) ServerType() string    { return TypeMemberJoined }
func (MemberLeft) ServerType() string      { return TypeMemberLeft }
func (Left) ServerType() string            { return TypeLeft }
func (Pong) ServerType() string            { return TypePong }
func (Error) ServerType() string           { return TypeError }
