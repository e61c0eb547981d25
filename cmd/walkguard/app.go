package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"WalkGuard/internal/broadcast"
	"WalkGuard/internal/consent"
	"WalkGuard/internal/console"
	"WalkGuard/internal/escalation"
	"WalkGuard/internal/heartbeat"
	"WalkGuard/internal/models"
	"WalkGuard/internal/session"
	"WalkGuard/internal/sos"
	"WalkGuard/pkg/cache"
	"WalkGuard/pkg/config"
	"WalkGuard/pkg/i18n"
	"WalkGuard/pkg/metrics"
	"WalkGuard/pkg/notification"
	"WalkGuard/pkg/sse"
	"WalkGuard/pkg/storage"
	"WalkGuard/pkg/util"
	"WalkGuard/pkg/websocket"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// app is the wired service graph shared by serve and reconcile
type app struct {
	cfg        *config.Config
	db         *gorm.DB
	redis      *redis.Client
	cache      cache.Cache
	metrics    *metrics.Metrics
	ws         *websocket.Hub
	sse        *sse.Hub
	relay      *broadcast.Redis
	media      storage.MediaStore
	i18n       *i18n.I18nSupport
	consent    *consent.Store
	sessions   *session.Manager
	heartbeats *heartbeat.Tracker
	events     *sos.Manager
	escalation *escalation.Scheduler
	console    *console.Controller
}

func needsRedis(cfg *config.Config) bool {
	switch strings.ToLower(cfg.Cache.Type) {
	case "redis", "layered":
		return true
	}
	return strings.EqualFold(cfg.BroadcastDriver, "redis")
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	var logOutput io.Writer
	if cfg.Mode == "development" {
		logOutput = os.Stdout
	}
	return util.InitDatabase(logOutput, cfg.DBDriver, cfg.DSN)
}

func newApp(cfg *config.Config) (*app, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	if err := models.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &app{cfg: cfg, db: db, metrics: metrics.NewMetrics()}
	if needsRedis(cfg) {
		if a.redis, err = cache.NewRedisClient(cfg.Cache.Redis); err != nil {
			return nil, err
		}
	}
	if a.cache, err = cache.NewCache(cfg.Cache, a.redis); err != nil {
		return nil, err
	}
	if a.media, err = storage.NewMediaStore(cfg.Media); err != nil {
		return nil, err
	}
	if a.i18n, err = i18n.NewI18nSupport(cfg.DefaultLanguage); err != nil {
		return nil, err
	}

	a.ws = websocket.NewHub(websocket.LoadConfigFromEnv())
	a.sse = sse.NewHub(25 * time.Second)
	local := broadcast.NewLocal(a.ws, a.sse, a.metrics)
	var pub broadcast.Publisher = local
	if strings.EqualFold(cfg.BroadcastDriver, "redis") {
		a.relay = broadcast.NewRedis(local, a.redis, broadcast.DefaultChannel, a.metrics)
		pub = a.relay
	}

	safety := cfg.Safety
	a.consent = consent.NewStore(db, a.cache)
	a.sessions = session.NewManager(db, a.consent, a.metrics, session.Options{
		Location:   safety.Timezone,
		DailyQuota: safety.DailySessionQuota,
	})
	a.heartbeats = heartbeat.NewTracker(db, a.sessions, a.metrics, safety.Timezone, nil)
	a.escalation = escalation.NewScheduler(db, notification.NewNotifier(cfg.Notification), pub, a.metrics, escalation.Options{
		Delay: safety.EscalationDelay,
	})
	a.events = sos.NewManager(db, a.consent, a.sessions, a.escalation, pub, a.metrics, sos.Options{Location: safety.Timezone})
	a.console = console.NewController(db, a.events, a.escalation, a.heartbeats, a.metrics, nil)
	return a, nil
}

func (a *app) close() {
	a.escalation.Stop()
	a.ws.Close()
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
