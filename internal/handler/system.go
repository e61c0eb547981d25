package handlers

import (
	"net/http"

	"WalkGuard/pkg/middleware"
	"WalkGuard/pkg/response"
	"WalkGuard/pkg/websocket"

	"github.com/gin-gonic/gin"
)

func (h *Handlers) registerSystemRoutes(r *gin.RouterGroup) {
	system := r.Group("/system")
	{
		system.GET("/health", h.HealthCheck)
	}
}

// HealthCheck reports database reachability and live connection counts
func (h *Handlers) HealthCheck(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "database connection failed"})
		return
	}
	if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "database ping failed"})
		return
	}

	body := gin.H{"status": "healthy"}
	if h.deps.WS != nil {
		body["websocket"] = websocket.NewHandler(h.deps.WS).Stats()
	}
	if h.deps.SSE != nil {
		body["sse_clients"] = h.deps.SSE.ClientCount()
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handlers) handleGetRateLimiterConfig(c *gin.Context) {
	response.Success(c, "ok", h.deps.Limiter.Config())
}

// UpdateRateLimiterConfig swaps the limiter rules at runtime
func (h *Handlers) UpdateRateLimiterConfig(c *gin.Context) {
	var cfg middleware.RateLimiterConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		response.Fail(c, "invalid request", nil)
		return
	}
	// emergency routes stay exempt whatever the caller sends
	cfg.SkipPaths = append(cfg.SkipPaths, h.deps.Limiter.Config().SkipPaths...)
	h.deps.Limiter.UpdateConfig(cfg)
	response.Success(c, "rate limiter config updated", h.deps.Limiter.Config())
}
