package handlers

import (
	"WalkGuard/internal/heartbeat"
	"WalkGuard/internal/session"
	"WalkGuard/pkg/middleware"
	"WalkGuard/pkg/response"

	"github.com/gin-gonic/gin"
)

func (h *Handlers) handleStartSession(c *gin.Context) {
	var req session.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, err.Error(), nil)
		return
	}
	s, err := h.sessions.Start(c.Request.Context(), middleware.CurrentUser(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, "session started", s)
}

func (h *Handlers) handleListSessions(c *gin.Context) {
	list, err := h.sessions.List(c.Request.Context(), middleware.CurrentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "ok", list)
}

func (h *Handlers) handleGetSession(c *gin.Context) {
	s, err := h.sessions.Get(c.Request.Context(), c.Param("id"), middleware.CurrentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "ok", s)
}

func (h *Handlers) handleUpdateSession(c *gin.Context) {
	var req session.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, err.Error(), nil)
		return
	}
	s, err := h.sessions.Update(c.Request.Context(), c.Param("id"), middleware.CurrentUser(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "session updated", s)
}

func (h *Handlers) handleHeartbeat(c *gin.Context) {
	var sample heartbeat.Sample
	if err := c.ShouldBindJSON(&sample); err != nil {
		response.Fail(c, err.Error(), nil)
		return
	}
	platform := middleware.GetClientInfo(c).String()
	ack, err := h.heartbeats.Record(c.Request.Context(), middleware.CurrentUser(c), platform, sample)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "ok", ack)
}
