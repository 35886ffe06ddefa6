package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/invite"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// TokenIssuer signs join tokens.
type TokenIssuer interface {
	Issue(room domain.RoomID, display string) (string, domain.Identity, error)
}

type CreateRoomRequest struct {
	Name          string `json:"name" binding:"required"`
	MaxPublishers int    `json:"max_publishers" binding:"gte=0"`
	TTLSeconds    int    `json:"ttl_seconds" binding:"gte=0"`
}

type TokenRequest struct {
	Display string `json:"display" binding:"required"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	RoomID    string    `json:"room_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type roomHandlers struct {
	reg     *app.Registry
	orch    *orch.Orchestrator
	issuer  TokenIssuer
	invites *invite.Service
}

func statusOf(err error) int {
	switch domain.CodeOf(err) {
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeBadRequest:
		return http.StatusBadRequest
	case domain.CodeUnauthorized:
		return http.StatusForbidden
	case domain.CodeCapacityExceeded, domain.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (h *roomHandlers) create(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	spec := domain.RoomSpec{
		Name:          domain.RoomName(strings.TrimSpace(req.Name)),
		MaxPublishers: req.MaxPublishers,
		TTL:           time.Duration(req.TTLSeconds) * time.Second,
	}
	info, err := h.reg.CreateRoom(c.Request.Context(), spec, c.GetString(clientIDKey))
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (h *roomHandlers) list(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.reg.ListRooms()})
}

func (h *roomHandlers) get(c *gin.Context) {
	info, err := h.reg.RoomInfo(domain.RoomID(c.Param("id")))
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

// requireCreator lets only the client that created the room through. Rooms
// restored from the store have no creator.
func (h *roomHandlers) requireCreator(c *gin.Context, id domain.RoomID) bool {
	creator, ok := h.reg.Creator(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": domain.ErrRoomNotFound.Error()})
		return false
	}
	if creator == "" || creator != c.GetString(clientIDKey) {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the room creator may do this"})
		return false
	}
	return true
}

func (h *roomHandlers) remove(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	if !h.requireCreator(c, id) {
		return
	}
	if err := h.orch.EvictRoom(c.Request.Context(), id); err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	log.Info().Str("module", "adapters.http").Str("room", string(id)).Msg("room deleted")
	c.Status(http.StatusNoContent)
}

func (h *roomHandlers) token(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	if _, err := h.reg.RoomInfo(id); err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, ident, err := h.issuer.Issue(id, req.Display)
	if err != nil {
		status := statusOf(err)
		if !errors.Is(err, domain.ErrInvalidMessage) {
			log.Error().Err(err).Str("module", "adapters.http").Msg("issue token")
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		UserID:    string(ident.UserID),
		RoomID:    string(id),
		ExpiresAt: ident.ExpiresAt,
	})
}
