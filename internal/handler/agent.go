package handlers

import (
	"WalkGuard/internal/console"
	"WalkGuard/pkg/constant"
	"WalkGuard/pkg/middleware"
	"WalkGuard/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func (h *Handlers) handleListOpenEvents(c *gin.Context) {
	list, err := h.console.ListOpen(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "ok", list)
}

func (h *Handlers) handleViewEvent(c *gin.Context) {
	view, err := h.console.View(c.Request.Context(), middleware.CurrentUser(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "ok", view)
}

// handleAgentAction answers 200 for no-ops and rejected transitions; the
// result carries applied=false and a warning.
func (h *Handlers) handleAgentAction(c *gin.Context) {
	var req console.ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, err.Error(), nil)
		return
	}
	res, err := h.console.Apply(c.Request.Context(), middleware.CurrentUser(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	msg := res.Outcome
	if res.Warning != "" {
		res.Warning = response.T(c, "action.warning", res.Warning, map[string]interface{}{"Detail": res.Warning})
		msg = res.Warning
	}
	response.Success(c, msg, res)
}

type resolveMisuseRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handlers) handleResolveMisuse(c *gin.Context) {
	var req resolveMisuseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, err.Error(), nil)
		return
	}
	action, err := h.console.ResolveMisuse(c.Request.Context(), middleware.CurrentUser(c), c.Param("user"), req.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, action.Outcome, action)
}

// handleAgentStream is the SSE fallback for consoles that cannot hold a websocket
func (h *Handlers) handleAgentStream(c *gin.Context) {
	clientID := middleware.CurrentUser(c) + ":" + uuid.NewString()
	h.deps.SSE.Serve(c, clientID, constant.AgentAlertsTopic)
}
