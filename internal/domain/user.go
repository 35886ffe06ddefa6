// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
	"time"
)

const (
	MaxUserIDLen  = 64
	MaxDisplayLen = 64
)

var (
	ErrDisplayTooLong = errors.New("display name too long")
	ErrDisplayEmpty   = errors.New("display name empty")
	ErrUserIDInvalid  = errors.New("user id invalid")
)

type UserID string

// Identity is what the auth collaborator vouches for.
type Identity struct {
	UserID    UserID    `json:"user_id"`
	Display   string    `json:"display"`
	RoomID    RoomID    `json:"room_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewIdentity is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewIdentity(uid UserID, display string, room RoomID, exp time.Time) (Identity, error) {
	if uid == "" || len(uid) > MaxUserIDLen {
		return Identity{}, ErrUserIDInvalid
	}
	display = strings.TrimSpace(display)
	if err := ValidateDisplay(display); err != nil {
		return Identity{}, err
	}
	return Identity{UserID: uid, Display: display, RoomID: room, ExpiresAt: exp}, nil
}

func ValidateDisplay(display string) error {
	if len(display) == 0 {
		return ErrDisplayEmpty
	}
	if len(display) > MaxDisplayLen {
		return ErrDisplayTooLong
	}
	return nil
}

// Expired reports whether the identity is no longer valid at now.
// A zero ExpiresAt never expires.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}
