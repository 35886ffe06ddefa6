// Package invite issues room invitations: an opaque token shared as a link
// plus a short numeric code shared out of band. Only a keyed hash of the
// code is kept.
package invite

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrNoPepper = errors.New("invitation pepper is empty")

type Invitation struct {
	Token     string        `json:"token"`
	RoomID    domain.RoomID `json:"room_id"`
	CodeHash  string        `json:"code_hash"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	// MaxUses of zero means unlimited.
	MaxUses int `json:"max_uses,omitempty"`
	Uses    int `json:"uses"`
}

func (i Invitation) Valid(now time.Time) bool {
	return now.Before(i.ExpiresAt) && (i.MaxUses == 0 || i.Uses < i.MaxUses)
}

// Store keeps invitations until they expire.
type Store interface {
	SaveInvitation(ctx context.Context, inv Invitation) error
	// Invitation returns domain.ErrInvitationNotFound for unknown or
	// expired tokens.
	Invitation(ctx context.Context, token string) (Invitation, error)
	RoomInvitations(ctx context.Context, room domain.RoomID) ([]Invitation, error)
	// UseInvitation counts one use if the invitation is still valid at now.
	// Concurrent callers never exceed MaxUses.
	UseInvitation(ctx context.Context, token string, now time.Time) (Invitation, error)
}

type Service struct {
	store  Store
	pepper []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewService(st Store, pepper string, ttl time.Duration) (*Service, error) {
	if pepper == "" {
		return nil, ErrNoPepper
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{store: st, pepper: []byte(pepper), ttl: ttl, now: time.Now}, nil
}

// Create stores a new invitation for room and returns it with its code.
// The code is not recoverable afterwards.
func (s *Service) Create(ctx context.Context, room domain.RoomID, ttl time.Duration, maxUses int) (Invitation, string, error) {
	if maxUses < 0 {
		return Invitation{}, "", fmt.Errorf("%w: max_uses must not be negative", domain.ErrInvalidMessage)
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	code, err := newCode()
	if err != nil {
		return Invitation{}, "", err
	}
	now := s.now()
	inv := Invitation{
		Token:     uuid.NewString(),
		RoomID:    room,
		CodeHash:  s.hash(code),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		MaxUses:   maxUses,
	}
	if err := s.store.SaveInvitation(ctx, inv); err != nil {
		return Invitation{}, "", fmt.Errorf("save invitation: %w", err)
	}
	log.Info().Str("module", "invite").Str("room", string(room)).Str("token", inv.Token).
		Time("expires_at", inv.ExpiresAt).Int("max_uses", maxUses).Msg("invitation created")
	return inv, code, nil
}

func (s *Service) Get(ctx context.Context, token string) (Invitation, error) {
	return s.store.Invitation(ctx, token)
}

func (s *Service) List(ctx context.Context, room domain.RoomID) ([]Invitation, error) {
	return s.store.RoomInvitations(ctx, room)
}

// Redeem checks code against the invitation and consumes one use. A wrong
// code consumes nothing.
func (s *Service) Redeem(ctx context.Context, token, code string) (Invitation, error) {
	inv, err := s.store.Invitation(ctx, token)
	if err != nil {
		return Invitation{}, err
	}
	now := s.now()
	if !inv.Valid(now) {
		return Invitation{}, domain.ErrInvitationSpent
	}
	if !hmac.Equal([]byte(s.hash(code)), []byte(inv.CodeHash)) {
		log.Info().Str("module", "invite").Str("token", token).Msg("wrong invitation code")
		return Invitation{}, fmt.Errorf("%w: invalid invitation code", domain.ErrUnauthorized)
	}
	return s.store.UseInvitation(ctx, token, now)
}

// hash is HMAC-SHA256 of the normalized code, hex encoded.
func (s *Service) hash(code string) string {
	m := hmac.New(sha256.New, s.pepper)
	m.Write([]byte(NormalizeCode(code)))
	return hex.EncodeToString(m.Sum(nil))
}

// NormalizeCode accepts codes typed with or without separators: six digits
// become "NNN-NNN", anything else is only trimmed.
func NormalizeCode(in string) string {
	in = strings.TrimSpace(in)
	var digits strings.Builder
	for _, r := range in {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if d := digits.String(); len(d) == 6 {
		return d[:3] + "-" + d[3:]
	}
	return in
}

func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate invitation code: %w", err)
	}
	v := n.Int64()
	return fmt.Sprintf("%03d-%03d", v/1000, v%1000), nil
}
