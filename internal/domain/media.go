package domain

import (
	"fmt"

	"github.com/google/uuid"
)

type (
	SessionID string
	TrackID   string
	BindingID string
)

func NewSessionID() SessionID { return SessionID(uuid.NewString()) }
func NewTrackID() TrackID     { return TrackID(uuid.NewString()) }
func NewBindingID() BindingID { return BindingID(uuid.NewString()) }

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindAudio, KindVideo:
		return Kind(s), nil
	case "":
		return KindVideo, nil
	default:
		return "", fmt.Errorf("%w: unknown media kind %q", ErrInvalidMessage, s)
	}
}
