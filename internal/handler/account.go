package handlers

import (
	"time"

	"WalkGuard/internal/consent"
	"WalkGuard/internal/models"
	"WalkGuard/internal/risk"
	"WalkGuard/internal/sos"
	"WalkGuard/pkg/errors"
	"WalkGuard/pkg/middleware"
	"WalkGuard/pkg/response"

	"github.com/gin-gonic/gin"
)

func (h *Handlers) handleGetConsent(c *gin.Context) {
	got, err := h.consent.Get(c.Request.Context(), middleware.CurrentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "ok", got)
}

func (h *Handlers) handleUpsertConsent(c *gin.Context) {
	var req consent.Grants
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, err.Error(), nil)
		return
	}
	got, err := h.consent.Upsert(c.Request.Context(), middleware.CurrentUser(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "consent updated", got)
}

type riskScoreRequest struct {
	SessionID    *string          `json:"session_id"`
	Location     *models.Location `json:"location"`
	SOSTriggered bool             `json:"sos_triggered"`
	PhoneOffline *bool            `json:"phone_offline"`
}

// handleRiskScore explains the score the caller would get right now
func (h *Handlers) handleRiskScore(c *gin.Context) {
	var req riskScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, err.Error(), nil)
		return
	}
	if err := req.Location.Validate(); err != nil {
		response.Fail(c, "location: "+err.Error(), nil)
		return
	}
	ctx := c.Request.Context()
	user := middleware.CurrentUser(c)

	sig := risk.Signals{
		SOSTriggered: req.SOSTriggered,
		Location:     req.Location,
		TimeOfDay:    time.Now().In(h.deps.Location),
	}
	if req.PhoneOffline != nil {
		sig.PhoneOffline = *req.PhoneOffline
	}
	if req.SessionID != nil {
		if _, err := h.sessions.Get(ctx, *req.SessionID, user); err != nil {
			response.Error(c, err)
			return
		}
		last, err := h.heartbeats.Latest(ctx, *req.SessionID)
		switch {
		case err == nil:
			if sig.Location == nil {
				sig.Location = last.Location
			}
			if req.PhoneOffline == nil {
				sig.PhoneOffline = last.DeviceStatus == models.DeviceOffline
			}
		case !errors.IsCode(err, errors.CodeNotFound):
			response.Error(c, err)
			return
		}
	}

	recent, err := h.events.CountRecent(ctx, user, sos.RecentWindow)
	if err != nil {
		response.Error(c, err)
		return
	}
	sig.RecentSOSCount = recent
	flagged, err := models.HasUnresolvedFlag(h.db.WithContext(ctx), user)
	if err != nil {
		response.Error(c, errors.Unavailable(err, "load misuse flags"))
		return
	}
	sig.UserFlagged = flagged

	response.Success(c, "ok", risk.Explain(sig))
}

type contactRequest struct {
	Name     string `json:"name" binding:"required,max=100"`
	Phone    string `json:"phone" binding:"required,max=32"`
	Relation string `json:"relation" binding:"max=50"`
}

func (h *Handlers) handleListContacts(c *gin.Context) {
	list, err := models.ListContacts(h.db.WithContext(c.Request.Context()), middleware.CurrentUser(c))
	if err != nil {
		response.Error(c, errors.Unavailable(err, "list contacts"))
		return
	}
	response.Success(c, "ok", list)
}

func (h *Handlers) handleCreateContact(c *gin.Context) {
	var req contactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, err.Error(), nil)
		return
	}
	contact := &models.EmergencyContact{
		UserID:   middleware.CurrentUser(c),
		Name:     req.Name,
		Phone:    req.Phone,
		Relation: req.Relation,
	}
	if err := models.CreateContact(h.db.WithContext(c.Request.Context()), contact); err != nil {
		response.Error(c, errors.Unavailable(err, "create contact"))
		return
	}
	response.Created(c, "contact created", contact)
}

func (h *Handlers) handleDeleteContact(c *gin.Context) {
	ok, err := models.DeleteContact(h.db.WithContext(c.Request.Context()), middleware.CurrentUser(c), c.Param("id"))
	if err != nil {
		response.Error(c, errors.Unavailable(err, "delete contact"))
		return
	}
	if !ok {
		response.Error(c, errors.NotFound("contact %s not found", c.Param("id")))
		return
	}
	response.Success(c, "contact deleted", nil)
}
