package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	handlers "WalkGuard/internal/handler"
	"WalkGuard/pkg/config"
	"WalkGuard/pkg/logger"
	"WalkGuard/pkg/middleware"
	"WalkGuard/pkg/response"
	"WalkGuard/pkg/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, escalation timers, sweeps and the broadcast relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), config.GlobalConfig)
		},
	}
}

func newRateLimiter(a *app) (*middleware.RateLimiter, error) {
	prefix := a.cfg.APIPrefix
	cfg := middleware.RateLimiterConfig{
		Rate:       a.cfg.RateLimit,
		Identifier: "user",
		// heartbeats, SOS and agent actions on a live event are never rejected for rate
		SkipPaths: []string{
			prefix + "/heartbeat",
			prefix + "/sos",
			prefix + "/agent/events/:id/actions",
		},
		AddHeaders: true,
	}
	if a.redis == nil {
		return middleware.NewRateLimiter(cfg, nil).WithObserver(a.metrics), nil
	}
	store, err := middleware.NewRedisLimiterStore(a.redis)
	if err != nil {
		return nil, err
	}
	return middleware.NewRateLimiter(cfg, store).WithObserver(a.metrics), nil
}

func serve(parent context.Context, cfg *config.Config) error {
	if cfg.APISecretKey == "" {
		return stderrors.New("API_SECRET_KEY must be set")
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()
	response.SetTranslator(a.i18n)

	// timers live in memory, a restart must pick up armed events first
	if err := a.escalation.Reconcile(ctx); err != nil {
		logger.Error("startup reconcile failed", zap.String("alert", "escalation_lost"), zap.Error(err))
	}

	cron := scheduler.NewCron(cfg.Safety.Timezone)
	if _, err := cron.AddNamed(cfg.Safety.ReconcileSchedule, "escalation-reconcile", func(ctx context.Context) {
		if err := a.escalation.Reconcile(ctx); err != nil {
			logger.Error("escalation reconcile failed", zap.String("alert", "escalation_lost"), zap.Error(err))
		}
	}); err != nil {
		return err
	}
	if _, err := cron.AddNamed(cfg.Safety.SessionSweepSchedule, "session-sweep", func(ctx context.Context) {
		if _, err := a.sessions.ExpireStale(ctx); err != nil {
			logger.Warn("session sweep failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	cron.Start()
	defer cron.Stop()

	limiter, err := newRateLimiter(a)
	if err != nil {
		return err
	}

	if cfg.Mode == "development" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	handlers.NewHandlers(handlers.Deps{
		DB:         a.db,
		Prefix:     cfg.APIPrefix,
		SecretKey:  cfg.APISecretKey,
		Consent:    a.consent,
		Sessions:   a.sessions,
		Heartbeats: a.heartbeats,
		Events:     a.events,
		Console:    a.console,
		Media:      a.media,
		Cache:      a.cache,
		WS:         a.ws,
		SSE:        a.sse,
		Metrics:    a.metrics,
		Limiter:    limiter,
		I18n:       a.i18n,
		Location:   cfg.Safety.Timezone,
	}).Register(engine)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("walkguard listening", zap.String("addr", cfg.Addr), zap.String("mode", cfg.Mode))
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if a.relay != nil {
		g.Go(func() error {
			return a.relay.Run(gctx)
		})
	}

	err = g.Wait()
	a.escalation.Wait()
	logger.Info("walkguard stopped")
	return err
}
