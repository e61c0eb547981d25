package handlers

import (
	"time"

	"WalkGuard/internal/consent"
	"WalkGuard/internal/console"
	"WalkGuard/internal/heartbeat"
	"WalkGuard/internal/session"
	"WalkGuard/internal/sos"
	"WalkGuard/pkg/cache"
	"WalkGuard/pkg/constant"
	"WalkGuard/pkg/i18n"
	"WalkGuard/pkg/metrics"
	"WalkGuard/pkg/middleware"
	"WalkGuard/pkg/sse"
	"WalkGuard/pkg/storage"
	"WalkGuard/pkg/websocket"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Deps are the services the HTTP surface is built on. Media, Cache, WS, SSE,
// Limiter and I18n are optional.
type Deps struct {
	DB         *gorm.DB
	Prefix     string
	SecretKey  string
	Consent    *consent.Store
	Sessions   *session.Manager
	Heartbeats *heartbeat.Tracker
	Events     *sos.Manager
	Console    *console.Controller
	Media      storage.MediaStore
	Cache      cache.Cache
	WS         *websocket.Hub
	SSE        *sse.Hub
	Metrics    *metrics.Metrics
	Limiter    *middleware.RateLimiter
	I18n       *i18n.I18nSupport
	Location   *time.Location
}

type Handlers struct {
	db         *gorm.DB
	deps       Deps
	consent    *consent.Store
	sessions   *session.Manager
	heartbeats *heartbeat.Tracker
	events     *sos.Manager
	console    *console.Controller
	media      storage.MediaStore
}

func NewHandlers(deps Deps) *Handlers {
	if deps.Prefix == "" {
		deps.Prefix = "/api"
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	return &Handlers{
		db:         deps.DB,
		deps:       deps,
		consent:    deps.Consent,
		sessions:   deps.Sessions,
		heartbeats: deps.Heartbeats,
		events:     deps.Events,
		console:    deps.Console,
		media:      deps.Media,
	}
}

func (h *Handlers) Register(engine *gin.Engine) {
	engine.Use(metrics.MonitorMiddleware(h.deps.Metrics))
	if h.deps.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(h.deps.Metrics.Handler()))
	}

	r := engine.Group(h.deps.Prefix)
	if h.deps.I18n != nil {
		r.Use(middleware.LanguageMiddleware(h.deps.I18n))
	}
	// Register System Module Routes
	h.registerSystemRoutes(r)

	authed := r.Group("")
	authed.Use(middleware.AuthMiddleware(h.deps.SecretKey), middleware.ClientInfoMiddleware())
	if h.deps.Limiter != nil {
		authed.Use(h.deps.Limiter.Middleware())
	}

	// Register Business Module Routes
	h.registerUserRoutes(authed)
	h.registerAgentRoutes(authed.Group("/agent", middleware.RequireRole(constant.RoleAgent)))
}

// User Module
func (h *Handlers) registerUserRoutes(r *gin.RouterGroup) {
	sessions := r.Group("/sessions")
	{
		sessions.POST("", h.handleStartSession)
		sessions.GET("", h.handleListSessions)
		sessions.GET("/:id", h.handleGetSession)
		sessions.PUT("/:id", h.handleUpdateSession)
	}

	r.POST("/heartbeat", h.handleHeartbeat)

	sosGroup := r.Group("/sos")
	{
		sosGroup.POST("", middleware.IdempotencyMiddleware(middleware.IdempotencyConfig{Store: h.deps.Cache}), h.handleCreateSOS)
		sosGroup.GET("", h.handleListOwnSOS)
		sosGroup.POST("/media", h.handleUploadMedia)
	}

	r.GET("/consent", h.handleGetConsent)
	r.POST("/consent", h.handleUpsertConsent)
	r.POST("/risk-score", h.handleRiskScore)

	contacts := r.Group("/contacts")
	{
		contacts.GET("", h.handleListContacts)
		contacts.POST("", h.handleCreateContact)
		contacts.DELETE("/:id", h.handleDeleteContact)
	}

	if h.deps.WS != nil {
		r.GET("/ws", websocket.NewHandler(h.deps.WS).HandleWebSocket)
	}
}

// Agent Console Module
func (h *Handlers) registerAgentRoutes(r *gin.RouterGroup) {
	events := r.Group("/events")
	{
		events.GET("", h.handleListOpenEvents)
		events.GET("/:id", h.handleViewEvent)
		events.POST("/:id/actions", h.handleAgentAction)
	}
	r.POST("/misuse-flags/:user/resolve", h.handleResolveMisuse)

	if h.deps.WS != nil {
		r.GET("/ws", websocket.NewHandler(h.deps.WS).HandleAgentWebSocket)
	}
	if h.deps.SSE != nil {
		r.GET("/stream", h.handleAgentStream)
	}
	if h.deps.Limiter != nil {
		r.GET("/rate-limit", h.handleGetRateLimiterConfig)
		r.PUT("/rate-limit", h.UpdateRateLimiterConfig)
	}
}
