package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/invite"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type CreateInvitationRequest struct {
	TTLSeconds int `json:"ttl_seconds" binding:"gte=0"`
	MaxUses    int `json:"max_uses" binding:"gte=0"`
}

// CreateInvitationResponse is the only place the code is ever shown.
type CreateInvitationResponse struct {
	Token     string    `json:"token"`
	Code      string    `json:"code"`
	RoomID    string    `json:"room_id"`
	ExpiresAt time.Time `json:"expires_at"`
	MaxUses   int       `json:"max_uses,omitempty"`
}

type InvitationInfo struct {
	Token     string    `json:"token"`
	RoomID    string    `json:"room_id"`
	RoomName  string    `json:"room_name,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	MaxUses   int       `json:"max_uses,omitempty"`
	Uses      int       `json:"uses"`
	Valid     bool      `json:"valid"`
}

type RedeemRequest struct {
	Code    string `json:"code" binding:"required"`
	Display string `json:"display" binding:"required"`
}

func infoOf(inv invite.Invitation, roomName string, now time.Time) InvitationInfo {
	return InvitationInfo{
		Token:     inv.Token,
		RoomID:    string(inv.RoomID),
		RoomName:  roomName,
		ExpiresAt: inv.ExpiresAt,
		MaxUses:   inv.MaxUses,
		Uses:      inv.Uses,
		Valid:     inv.Valid(now),
	}
}

func (h *roomHandlers) createInvitation(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	if !h.requireCreator(c, id) {
		return
	}
	var req CreateInvitationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inv, code, err := h.invites.Create(c.Request.Context(), id, time.Duration(req.TTLSeconds)*time.Second, req.MaxUses)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("room", string(id)).Msg("create invitation")
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, CreateInvitationResponse{
		Token:     inv.Token,
		Code:      code,
		RoomID:    string(id),
		ExpiresAt: inv.ExpiresAt,
		MaxUses:   inv.MaxUses,
	})
}

func (h *roomHandlers) listInvitations(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	if !h.requireCreator(c, id) {
		return
	}
	invs, err := h.invites.List(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	now := h.reg.Now()
	out := make([]InvitationInfo, 0, len(invs))
	for _, inv := range invs {
		out = append(out, infoOf(inv, "", now))
	}
	c.JSON(http.StatusOK, gin.H{"invitations": out})
}

// getInvitation lets a guest preview an invitation link before entering
// the code.
func (h *roomHandlers) getInvitation(c *gin.Context) {
	inv, err := h.invites.Get(c.Request.Context(), c.Param("token"))
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	room, err := h.reg.RoomInfo(inv.RoomID)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, infoOf(inv, string(room.Name), h.reg.Now()))
}

// redeemInvitation trades a link token plus its code for a join token bound
// to the invitation's room.
func (h *roomHandlers) redeemInvitation(c *gin.Context) {
	var req RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Display = strings.TrimSpace(req.Display)
	if err := domain.ValidateDisplay(req.Display); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	token := c.Param("token")
	inv, err := h.invites.Get(ctx, token)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	if _, err := h.reg.RoomInfo(inv.RoomID); err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	if inv, err = h.invites.Redeem(ctx, token, req.Code); err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	jwt, ident, err := h.issuer.Issue(inv.RoomID, req.Display)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("issue token for invitation")
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	log.Info().Str("module", "adapters.http").Str("room", string(inv.RoomID)).Str("invite", token).
		Int("uses", inv.Uses).Msg("invitation redeemed")
	c.JSON(http.StatusOK, TokenResponse{
		Token:     jwt,
		UserID:    string(ident.UserID),
		RoomID:    string(inv.RoomID),
		ExpiresAt: ident.ExpiresAt,
	})
}
