package console

import (
	"context"
	"strings"
	"time"

	"WalkGuard/internal/heartbeat"
	"WalkGuard/internal/models"
	"WalkGuard/internal/sos"
	"WalkGuard/pkg/errors"
	"WalkGuard/pkg/logger"
	"WalkGuard/pkg/metrics"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const viewTrailLimit = 50

// EscalationControl is what the console needs from the escalation scheduler
type EscalationControl interface {
	Cancel(eventID string) bool
	DeliverAsync(recordIDs ...string)
}

type ActionRequest struct {
	Type   string `json:"action_type" binding:"required"`
	Reason string `json:"reason"`
}

// ActionResult reports what an agent action did. Applied is false for
// no-ops and for rejected actions, which carry a Warning instead of an error.
type ActionResult struct {
	Event   *models.SOSEvent    `json:"event"`
	Applied bool                `json:"applied"`
	Outcome string              `json:"outcome"`
	Warning string              `json:"warning,omitempty"`
	Action  *models.AgentAction `json:"action"`
}

type EventView struct {
	Event       *models.SOSEvent          `json:"event"`
	Heartbeats  []models.Heartbeat        `json:"heartbeats"`
	Escalations []models.EscalationRecord `json:"escalations"`
	Actions     []models.AgentAction      `json:"actions"`
}

type Controller struct {
	db         *gorm.DB
	events     *sos.Manager
	escalation EscalationControl
	heartbeats *heartbeat.Tracker
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewController(db *gorm.DB, events *sos.Manager, esc EscalationControl, hb *heartbeat.Tracker, m *metrics.Metrics, now func() time.Time) *Controller {
	if now == nil {
		now = time.Now
	}
	return &Controller{db: db, events: events, escalation: esc, heartbeats: hb, metrics: m, now: now}
}

func cancelsTimer(action string) bool {
	switch action {
	case models.ActionAcknowledge, models.ActionEscalateContacts, models.ActionEscalatePolice,
		models.ActionMarkMisuse, models.ActionCloseEvent:
		return true
	}
	return false
}

func knownAction(action string) bool {
	return action == models.ActionStartConference || cancelsTimer(action)
}

// Apply runs one agent action on an event and writes exactly one AgentAction
// for it. Invalid transitions come back as a warning, not an error.
func (c *Controller) Apply(ctx context.Context, agentID, eventID string, req ActionRequest) (*ActionResult, error) {
	if !knownAction(req.Type) {
		return nil, errors.BadRequest("unknown action %q", req.Type)
	}
	req.Reason = strings.TrimSpace(req.Reason)
	current, err := c.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}

	if req.Type == models.ActionMarkMisuse && req.Reason == "" {
		rejected := errors.InvalidTransition("a reason is required to mark misuse")
		return c.settle(ctx, agentID, req, current, models.OutcomeRejected, rejected)
	}

	// cancel before the transition commits so a cancelled timer cannot fire
	// on the old state; the reconcile sweep re-arms it if the write fails
	if cancelsTimer(req.Type) && c.escalation != nil {
		c.escalation.Cancel(eventID)
	}

	now := c.now().UTC()
	var recordIDs []string
	var action *models.AgentAction
	ev, changed, err := c.events.Transition(ctx, eventID,
		func(ev *models.SOSEvent) error {
			return mutate(ev, agentID, req.Type, now)
		},
		func(tx *gorm.DB, before, after *models.SOSEvent) error {
			ids, err := sideEffects(tx, req.Type, after, now)
			if err != nil {
				return err
			}
			recordIDs = ids
			action = newAction(agentID, req, before, after, models.OutcomeApplied, ids, now)
			return models.CreateAgentAction(tx, action)
		})

	switch {
	case err == nil && changed:
		c.metrics.AgentAction(req.Type, models.OutcomeApplied)
		if len(recordIDs) > 0 && c.escalation != nil {
			c.escalation.DeliverAsync(recordIDs...)
		}
		logger.Info("agent action applied",
			zap.String("agent_id", agentID),
			zap.String("event_id", eventID),
			zap.String("action", req.Type),
			zap.String("status", ev.Status),
		)
		return &ActionResult{Event: ev, Applied: true, Outcome: models.OutcomeApplied, Action: action}, nil
	case err == nil:
		return c.settle(ctx, agentID, req, ev, models.OutcomeNoop, nil)
	case errors.IsCode(err, errors.CodeInvalidTransition):
		if ev == nil {
			ev = current
		}
		return c.settle(ctx, agentID, req, ev, models.OutcomeRejected, err)
	default:
		if ev == nil {
			ev = current
		}
		if _, aerr := c.settle(ctx, agentID, req, ev, models.OutcomeFailed, err); aerr != nil {
			logger.Error("failed agent action not audited", zap.String("event_id", eventID), zap.Error(aerr))
		}
		return nil, err
	}
}

// settle audits an action that did not change the event
func (c *Controller) settle(ctx context.Context, agentID string, req ActionRequest, ev *models.SOSEvent, outcome string, cause error) (*ActionResult, error) {
	action := newAction(agentID, req, ev, ev, outcome, nil, c.now().UTC())
	if cause != nil {
		action.Details.Error = errors.GetMessage(cause)
	}
	if err := models.CreateAgentAction(c.db.WithContext(ctx), action); err != nil {
		return nil, errors.Unavailable(err, "audit agent action")
	}
	c.metrics.AgentAction(req.Type, outcome)

	res := &ActionResult{Event: ev, Outcome: outcome, Action: action}
	if cause != nil {
		res.Warning = errors.GetMessage(cause)
		logger.Warn("agent action not applied",
			zap.String("agent_id", agentID),
			zap.String("event_id", ev.ID),
			zap.String("action", req.Type),
			zap.String("outcome", outcome),
			zap.String("status", ev.Status),
			zap.Error(cause),
		)
	}
	return res, nil
}

func mutate(ev *models.SOSEvent, agentID, action string, now time.Time) error {
	if ev.Terminal() {
		return errors.InvalidTransition("event is %s", ev.Status)
	}
	stopTimer := func() {
		if ev.EscalationState == models.EscalationArmed {
			ev.EscalationState = models.EscalationCancelled
		}
	}

	switch action {
	case models.ActionAcknowledge:
		if ev.AgentID != nil {
			return sos.ErrNoChange
		}
		if ev.Status != models.EventOpen {
			return errors.InvalidTransition("cannot acknowledge an event that is %s", ev.Status)
		}
		agent := agentID
		ev.AgentID = &agent
		ev.Status = models.EventAcknowledged
		ev.Handled = true
		stopTimer()
	case models.ActionStartConference:
		if ev.Status == models.EventInConference {
			return sos.ErrNoChange
		}
		if ev.Status != models.EventAcknowledged {
			return errors.InvalidTransition("cannot start a conference on an event that is %s", ev.Status)
		}
		ev.Status = models.EventInConference
	case models.ActionEscalateContacts:
		if ev.EscalatedToContacts {
			return sos.ErrNoChange
		}
		ev.EscalatedToContacts = true
		ev.Handled = true
		stopTimer()
	case models.ActionEscalatePolice:
		if ev.EscalatedToPolice {
			return sos.ErrNoChange
		}
		ev.EscalatedToPolice = true
		ev.Handled = true
		stopTimer()
	case models.ActionMarkMisuse:
		ev.Status = models.EventMisuseFlagged
		ev.ClosedAt = &now
		ev.Handled = true
		stopTimer()
	case models.ActionCloseEvent:
		ev.Status = models.EventClosed
		ev.ClosedAt = &now
		ev.Handled = true
		stopTimer()
	default:
		return errors.BadRequest("unknown action %q", action)
	}
	return nil
}

func sideEffects(tx *gorm.DB, action string, ev *models.SOSEvent, now time.Time) ([]string, error) {
	switch action {
	case models.ActionEscalateContacts, models.ActionEscalatePolice:
		channel := models.ChannelContacts
		if action == models.ActionEscalatePolice {
			channel = models.ChannelPolice
		}
		rec := &models.EscalationRecord{
			EventID:        ev.ID,
			EscalationType: channel,
			DedupKey:       models.SourceAgent,
			Source:         models.SourceAgent,
			Status:         models.DeliveryPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		inserted, err := models.InsertEscalationRecord(tx, rec)
		if err != nil || !inserted {
			return nil, err
		}
		return []string{rec.ID}, nil
	case models.ActionMarkMisuse:
		return nil, models.UpsertMisuseFlag(tx, ev.UserID, models.FlagFalseAlarm, now)
	}
	return nil, nil
}

func newAction(agentID string, req ActionRequest, before, after *models.SOSEvent, outcome string, recordIDs []string, now time.Time) *models.AgentAction {
	var details models.ActionDetails
	switch req.Type {
	case models.ActionEscalateContacts:
		details = models.EscalationDetail(req.Type, []string{models.ChannelContacts}, recordIDs)
	case models.ActionEscalatePolice:
		details = models.EscalationDetail(req.Type, []string{models.ChannelPolice}, recordIDs)
	case models.ActionMarkMisuse:
		details = models.MisuseDetail(req.Type, after.UserID)
	default:
		details = models.TransitionDetail(req.Type, before.Status, after.Status)
	}
	id := after.ID
	return &models.AgentAction{
		AgentID:    agentID,
		EventID:    &id,
		ActionType: req.Type,
		Details:    details,
		Reason:     req.Reason,
		Outcome:    outcome,
		CreatedAt:  now,
	}
}

// ListOpen is the agent queue
func (c *Controller) ListOpen(ctx context.Context) ([]models.SOSEvent, error) {
	return c.events.ListOpen(ctx)
}

// View logs view_event and returns everything an agent needs to triage
func (c *Controller) View(ctx context.Context, agentID, eventID string) (*EventView, error) {
	ev, err := c.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	db := c.db.WithContext(ctx)
	id := ev.ID
	if err := models.CreateAgentAction(db, &models.AgentAction{
		AgentID:    agentID,
		EventID:    &id,
		ActionType: models.ActionViewEvent,
		Details:    models.ViewDetail(ev.Status),
		Outcome:    models.OutcomeApplied,
		CreatedAt:  c.now().UTC(),
	}); err != nil {
		return nil, errors.Unavailable(err, "audit view")
	}
	c.metrics.AgentAction(models.ActionViewEvent, models.OutcomeApplied)

	view := &EventView{Event: ev}
	if ev.SessionID != nil && c.heartbeats != nil {
		if view.Heartbeats, err = c.heartbeats.Trail(ctx, *ev.SessionID, viewTrailLimit); err != nil {
			return nil, err
		}
	}
	if view.Escalations, err = models.ListEscalationRecords(db, ev.ID); err != nil {
		return nil, errors.Unavailable(err, "load escalation records")
	}
	if view.Actions, err = models.ListAgentActions(db, ev.ID); err != nil {
		return nil, errors.Unavailable(err, "load agent actions")
	}
	return view, nil
}

// ResolveMisuse clears a user's unresolved misuse flags
func (c *Controller) ResolveMisuse(ctx context.Context, agentID, user, reason string) (*models.AgentAction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errors.BadRequest("a reason is required to resolve misuse flags")
	}
	now := c.now().UTC()
	action := &models.AgentAction{
		AgentID:    agentID,
		ActionType: models.ActionResolveMisuse,
		Reason:     reason,
		CreatedAt:  now,
	}
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := models.ResolveMisuseFlags(tx, user, now)
		if err != nil {
			return err
		}
		action.Details = models.MisuseDetail(models.ActionResolveMisuse, user)
		action.Details.Misuse.Resolved = n
		action.Outcome = models.OutcomeApplied
		if n == 0 {
			action.Outcome = models.OutcomeNoop
		}
		return models.CreateAgentAction(tx, action)
	})
	if err != nil {
		return nil, errors.Unavailable(err, "resolve misuse flags")
	}
	c.metrics.AgentAction(models.ActionResolveMisuse, action.Outcome)
	logger.Info("misuse flags resolved",
		zap.String("agent_id", agentID),
		zap.String("user_id", user),
		zap.String("outcome", action.Outcome),
	)
	return action, nil
}
