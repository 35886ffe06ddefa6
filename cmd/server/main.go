package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Meet/internal/adapters/http"
	"github.com/dkeye/Meet/internal/adapters/rtc"
	sig "github.com/dkeye/Meet/internal/adapters/signal"
	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/app/sfu"
	"github.com/dkeye/Meet/internal/auth"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/invite"
	"github.com/dkeye/Meet/internal/metrics"
	"github.com/dkeye/Meet/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, keeping info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if err := run(ctx, cfg, level); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config, level zerolog.Level) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	var roomStore core.RoomStore = store.Nop{}
	var healthStore core.RoomStore
	var inviteStore invite.Store = invite.NewMemoryStore()
	if cfg.Redis.Enabled {
		rc, err := store.Connect(ctx, store.RedisConfig{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			return err
		}
		defer func() { _ = rc.Close() }()
		rs := store.NewRedisStore(rc)
		roomStore, healthStore, inviteStore = rs, rs, rs
	}

	mirror := app.NewMirror(roomStore, cfg.Mirror.Workers, cfg.Mirror.QueueSize, cfg.Mirror.Timeout, m)
	mirror.Start()
	defer mirror.Close()

	reg := app.NewRegistry(app.RegistryOptions{
		Defaults: app.RoomDefaults{
			MaxPublishers: cfg.Rooms.MaxPublishers,
			MaxSessions:   cfg.Rooms.MaxSessions,
			TTL:           cfg.Rooms.TTL,
			EmptyGrace:    cfg.Rooms.EmptyGrace,
		},
		Store:   roomStore,
		Mirror:  mirror,
		Metrics: m,
	})
	if _, err := reg.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("restore rooms")
	}

	iceServers, err := rtc.ICEServers(cfg.RTC.ICEServers)
	if err != nil {
		return err
	}
	api, err := rtc.NewAPI(rtc.Settings{
		UDPPortMin:          cfg.RTC.UDPPortMin,
		UDPPortMax:          cfg.RTC.UDPPortMax,
		NAT1To1IPs:          cfg.RTC.NAT1To1IPs,
		DisconnectedTimeout: cfg.RTC.ICEDisconnectedTimeout,
		FailedTimeout:       cfg.RTC.ICEFailedTimeout,
		KeepAlive:           cfg.RTC.ICEKeepAlive,
		Logger:              log.Logger,
		LogLevel:            level,
	})
	if err != nil {
		return err
	}
	factory := &rtc.Factory{API: api, Config: webrtc.Configuration{ICEServers: iceServers}}

	dropPolicy, err := sfu.ParseDropPolicy(cfg.SFU.DropPolicy)
	if err != nil {
		return err
	}
	gw := sfu.NewGateway(ctx, factory, sfu.NewRelayManager(), sfu.Options{
		QueueSize:     cfg.SFU.QueueSize,
		DropPolicy:    dropPolicy,
		PLIInterval:   cfg.SFU.PLIInterval,
		GatherTimeout: cfg.RTC.GatherTimeout,
	}, m)

	var policy app.Policy = app.SimplePolicy{}
	if cfg.Backpressure == "drop" {
		policy = app.LenientPolicy{}
	}
	o := orch.New(reg, gw, policy, m, orch.Options{
		MaxEarlyCandidates: cfg.Rooms.MaxEarlyCandidates,
		IdleTimeout:        cfg.Rooms.IdleTimeout,
	})

	jwtSecret := cfg.Auth.JWTSecret
	if jwtSecret == "" {
		log.Warn().Msg("auth.jwt_secret is empty, using the cookie secret")
		jwtSecret = cfg.Secret
	}
	issuer, err := auth.NewJWT(jwtSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	pepper := cfg.Auth.InvitePepper
	if pepper == "" {
		pepper = jwtSecret
	}
	invites, err := invite.NewService(inviteStore, pepper, cfg.Auth.InviteTTL)
	if err != nil {
		return err
	}

	limiter := sig.NewJoinRateLimiter(cfg.Rooms.JoinRateLimit, cfg.Rooms.JoinRateInterval)
	ctl := sig.NewSignalWSController(o, issuer, limiter, m, sig.Options{
		ReadLimit:      cfg.ReadLimit,
		PingPeriod:     cfg.PingPeriod,
		PongWait:       cfg.PongWait,
		SendQueue:      cfg.SendQueue,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Registry: reg,
		Orch:     o,
		Gateway:  gw,
		Signal:   ctl,
		Issuer:   issuer,
		Invites:  invites,
		Store:    healthStore,
		Gatherer: promReg,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Meet server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return o.RunSweeper(gctx, cfg.Rooms.SweepInterval)
	})
	g.Go(func() error {
		t := time.NewTicker(cfg.Rooms.JoinRateInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				limiter.Prune()
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownWait)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})
	return g.Wait()
}
