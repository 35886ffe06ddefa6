package domain

import "errors"

var (
	ErrRoomNotFound         = errors.New("room not found")
	ErrRoomFull             = errors.New("room full")
	ErrSessionNotFound      = errors.New("session not found")
	ErrTrackNotFound        = errors.New("track not found")
	ErrBindingNotFound      = errors.New("binding not found")
	ErrPublisherCapExceeded = errors.New("publisher cap exceeded")
	ErrAlreadyPublishing    = errors.New("already publishing this kind")
	ErrAlreadySubscribed    = errors.New("already subscribed to track")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrNegotiationFailed    = errors.New("negotiation failed")
	ErrTransportLost        = errors.New("transport lost")
	ErrInvalidMessage       = errors.New("invalid message")
	ErrRateLimited          = errors.New("rate limited")
	ErrNotJoined            = errors.New("not joined")
	ErrInvitationNotFound   = errors.New("invitation not found or expired")
	ErrInvitationSpent      = errors.New("invitation expired or used up")
)

// Code is the reason code carried by signaling error replies.
type Code string

const (
	CodeNotFound          Code = "not_found"
	CodeCapacityExceeded  Code = "capacity_exceeded"
	CodeUnauthorized      Code = "unauthorized"
	CodeNegotiationFailed Code = "negotiation_failed"
	CodeBadRequest        Code = "bad_request"
	CodeRateLimited       Code = "rate_limited"
	CodeInternal          Code = "internal"
)

func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRoomNotFound),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrTrackNotFound),
		errors.Is(err, ErrBindingNotFound),
		errors.Is(err, ErrInvitationNotFound):
		return CodeNotFound
	case errors.Is(err, ErrRoomFull), errors.Is(err, ErrPublisherCapExceeded):
		return CodeCapacityExceeded
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrNegotiationFailed):
		return CodeNegotiationFailed
	case errors.Is(err, ErrInvalidMessage),
		errors.Is(err, ErrAlreadyPublishing),
		errors.Is(err, ErrAlreadySubscribed),
		errors.Is(err, ErrNotJoined),
		errors.Is(err, ErrInvitationSpent):
		return CodeBadRequest
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}
