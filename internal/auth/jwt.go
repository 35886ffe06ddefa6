// Package auth issues and verifies the HS256 join tokens presented on
// join_room.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrNoSecret = errors.New("jwt secret is empty")

// Claims is the payload of a join token. Subject carries the user id.
type Claims struct {
	RoomID  string `json:"room_id,omitempty"`
	Display string `json:"display"`
	jwt.RegisteredClaims
}

type JWT struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWT(secret string, ttl time.Duration) (*JWT, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWT{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for a fresh user id. An empty room leaves the token
// usable for any room.
func (a *JWT) Issue(room domain.RoomID, display string) (string, domain.Identity, error) {
	now := a.now()
	id, err := domain.NewIdentity(domain.UserID(uuid.NewString()), display, room, now.Add(a.ttl))
	if err != nil {
		return "", domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}
	claims := Claims{
		RoomID:  string(room),
		Display: id.Display,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id.UserID),
			ExpiresAt: jwt.NewNumericDate(id.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", domain.Identity{}, fmt.Errorf("sign token: %w", err)
	}
	return token, id, nil
}

// Authenticate verifies token and returns the identity it carries. Every
// failure wraps domain.ErrUnauthorized.
func (a *JWT) Authenticate(token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing token", domain.ErrUnauthorized)
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now), jwt.WithExpirationRequired())
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	id, err := domain.NewIdentity(domain.UserID(claims.Subject), claims.Display, domain.RoomID(claims.RoomID), claims.ExpiresAt.Time)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	return id, nil
}
