package http

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/Meet/internal/adapters/signal"
	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/app/sfu"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/invite"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Deps struct {
	Registry *app.Registry
	Orch     *orch.Orchestrator
	Gateway  *sfu.Gateway
	Signal   *signal.SignalWSController
	Issuer   TokenIssuer
	Invites  *invite.Service
	// Store is nil when persistence is disabled.
	Store    core.RoomStore
	Gatherer prometheus.Gatherer
}

type healthResponse struct {
	Status       string    `json:"status"`
	Redis        string    `json:"redis"`
	MediaGateway sfu.Stats `json:"media_gateway"`
	Rooms        int       `json:"rooms"`
	Sessions     int       `json:"sessions"`
}

func health(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := healthResponse{
			Status:       "ok",
			Redis:        "disabled",
			MediaGateway: d.Gateway.Stats(),
			Rooms:        d.Registry.RoomCount(),
			Sessions:     d.Registry.SessionCount(),
		}
		status := http.StatusOK
		if d.Store != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := d.Store.Ping(ctx); err != nil {
				resp.Status = "degraded"
				resp.Redis = err.Error()
				status = http.StatusServiceUnavailable
			} else {
				resp.Redis = "ok"
			}
		}
		c.JSON(status, resp)
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions("MeetSessions", store))

	r.GET("/health", health(d))
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	r.GET("/ws", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("remote", c.ClientIP()).Msg("ws signal endpoint hit")
		d.Signal.HandleSignal(ctx, c)
	})

	h := &roomHandlers{reg: d.Registry, orch: d.Orch, issuer: d.Issuer, invites: d.Invites}
	api := r.Group("/api", OriginFilter(cfg.AllowedOrigins), ClientIDMiddleware())
	api.POST("/rooms", h.create)
	api.GET("/rooms", h.list)
	api.GET("/rooms/:id", h.get)
	api.DELETE("/rooms/:id", h.remove)
	api.POST("/rooms/:id/token", h.token)
	if d.Invites != nil {
		api.POST("/rooms/:id/invites", h.createInvitation)
		api.GET("/rooms/:id/invites", h.listInvitations)
		api.GET("/invites/:token", h.getInvitation)
		api.POST("/invites/:token/redeem", h.redeemInvitation)
	}
	api.OPTIONS("/*path", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
