package sos

import (
	"context"
	stderrors "errors"
	"time"

	"WalkGuard/internal/broadcast"
	"WalkGuard/internal/models"
	"WalkGuard/internal/risk"
	"WalkGuard/pkg/constant"
	"WalkGuard/pkg/errors"
	"WalkGuard/pkg/logger"
	"WalkGuard/pkg/metrics"
	"WalkGuard/pkg/storage"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	RecentWindow       = 24 * time.Hour
	maxTransitionTries = 3
)

// ErrNoChange aborts a Transition without writing
var ErrNoChange = stderrors.New("no change")

type ConsentReader interface {
	Get(ctx context.Context, user string) (*models.Consent, error)
}

// SessionStore is the part of the session manager an SOS touches
type SessionStore interface {
	Get(ctx context.Context, id, user string) (*models.WalkSession, error)
	ApplyRisk(ctx context.Context, id string, score int) error
}

// Escalator arms the automatic escalation of a high-risk event
type Escalator interface {
	Arm(ev *models.SOSEvent)
	Delay() time.Duration
}

type CreateRequest struct {
	SessionID       *string          `json:"session_id"`
	Location        *models.Location `json:"location"`
	MediaFiles      []string         `json:"media_files"`
	MediaPermission *bool            `json:"media_permission"`
}

type CreateResult struct {
	Event         *models.SOSEvent `json:"event"`
	Risk          risk.Explanation `json:"risk"`
	MediaRejected bool             `json:"media_rejected"`
}

type Manager struct {
	db        *gorm.DB
	consent   ConsentReader
	sessions  SessionStore
	escalator Escalator
	pub       broadcast.Publisher
	metrics   *metrics.Metrics
	loc       *time.Location
	now       func() time.Time
}

type Options struct {
	Location *time.Location
	Now      func() time.Time
}

func NewManager(db *gorm.DB, consent ConsentReader, sessions SessionStore, escalator Escalator,
	pub broadcast.Publisher, m *metrics.Metrics, opts Options) *Manager {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		db:        db,
		consent:   consent,
		sessions:  sessions,
		escalator: escalator,
		pub:       pub,
		metrics:   m,
		loc:       opts.Location,
		now:       opts.Now,
	}
}

// Create records a distress event. Secondary reads that fail fall back to the
// values that favor escalation; only a failed insert fails the call.
func (m *Manager) Create(ctx context.Context, user string, req CreateRequest) (*CreateResult, error) {
	if err := req.Location.Validate(); err != nil {
		return nil, errors.BadRequest("location: %v", err)
	}
	for _, key := range req.MediaFiles {
		if !storage.OwnedBy(key, user) {
			return nil, errors.BadRequest("media file %q was not uploaded by this user", key)
		}
	}

	var sessionID *string
	if req.SessionID != nil && *req.SessionID != "" {
		s, err := m.sessions.Get(ctx, *req.SessionID, user)
		if err != nil {
			return nil, err
		}
		sessionID = &s.ID
	}

	result := &CreateResult{}
	media := models.StringList(req.MediaFiles)
	if len(media) > 0 && !m.mediaAllowed(ctx, user, req.MediaPermission) {
		media = nil
		result.MediaRejected = true
	}

	now := m.now().UTC()
	db := m.db.WithContext(ctx)
	recent, flagged := m.signals(db, user, now)
	offline := m.phoneOffline(db, sessionID)
	result.Risk = risk.Explain(risk.Signals{
		SOSTriggered:   true,
		Location:       req.Location,
		RecentSOSCount: recent,
		UserFlagged:    flagged,
		PhoneOffline:   offline,
		TimeOfDay:      now.In(m.loc),
	})

	ev := &models.SOSEvent{
		SessionID:       sessionID,
		UserID:          user,
		Status:          models.EventOpen,
		Location:        req.Location,
		RiskScore:       result.Risk.Score,
		EscalationState: models.EscalationNone,
		MediaFiles:      media,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if result.Risk.EscalationEligible && m.escalator != nil {
		delay := m.escalator.Delay()
		due := now.Add(delay)
		ev.EscalationState = models.EscalationArmed
		ev.EscalationTimerStartedAt = &now
		ev.EscalationTimerDuration = int(delay / time.Second)
		ev.EscalationDueAt = &due
	}
	if err := db.Create(ev).Error; err != nil {
		logger.Error("sos event could not be stored",
			zap.String("user_id", user),
			zap.Int("risk_score", ev.RiskScore),
			zap.Error(err),
		)
		return nil, errors.Unavailable(err, "store sos event")
	}
	result.Event = ev

	if sessionID != nil {
		if err := m.sessions.ApplyRisk(ctx, *sessionID, ev.RiskScore); err != nil {
			logger.Warn("session risk not raised", zap.String("session_id", *sessionID), zap.Error(err))
		}
	}
	if ev.EscalationState == models.EscalationArmed {
		m.escalator.Arm(ev)
	}

	m.metrics.SOSCreated(result.Risk.Label)
	logger.Warn("sos event created",
		zap.String("event_id", ev.ID),
		zap.String("user_id", user),
		zap.Int("risk_score", ev.RiskScore),
		zap.String("escalation_state", ev.EscalationState),
		zap.Bool("media_rejected", result.MediaRejected),
	)
	m.publish(ctx, broadcast.EventSOSCreated, ev)
	return result, nil
}

func (m *Manager) mediaAllowed(ctx context.Context, user string, permission *bool) bool {
	if permission != nil && !*permission {
		return false
	}
	c, err := m.consent.Get(ctx, user)
	if err != nil {
		logger.Warn("consent unavailable, dropping sos media", zap.String("user_id", user), zap.Error(err))
		return false
	}
	return c.MediaCapture
}

func (m *Manager) signals(db *gorm.DB, user string, now time.Time) (int, bool) {
	recent, err := models.CountEventsSince(db, user, now.Add(-RecentWindow))
	if err != nil {
		logger.Warn("recent sos count unavailable", zap.String("user_id", user), zap.Error(err))
		recent = 0
	}
	flagged, err := models.HasUnresolvedFlag(db, user)
	if err != nil {
		logger.Warn("misuse flags unavailable", zap.String("user_id", user), zap.Error(err))
		flagged = false
	}
	return int(recent), flagged
}

// phoneOffline reads the device status of the session's latest heartbeat.
// An unreadable store counts as offline.
func (m *Manager) phoneOffline(db *gorm.DB, sessionID *string) bool {
	if sessionID == nil {
		return false
	}
	hb, err := models.LatestHeartbeat(db, *sessionID)
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if err != nil {
		logger.Warn("latest heartbeat unavailable", zap.String("session_id", *sessionID), zap.Error(err))
		return true
	}
	return hb.DeviceStatus == models.DeviceOffline
}

func (m *Manager) publish(ctx context.Context, event string, ev *models.SOSEvent) {
	err := broadcast.Fanout(ctx, m.pub, event, ev, constant.AgentAlertsTopic, broadcast.UserTopic(ev.UserID))
	if err != nil {
		logger.Warn("sos broadcast failed", zap.String("event_id", ev.ID), zap.String("event", event), zap.Error(err))
	}
}

// Mutation edits ev in place. Returning ErrNoChange leaves the row untouched.
type Mutation func(ev *models.SOSEvent) error

// Hook runs inside the transaction that applied a mutation. It must only use tx.
type Hook func(tx *gorm.DB, before, after *models.SOSEvent) error

// Transition applies mutate with an optimistic version check. A writer that
// loses the race re-reads and runs mutate again on fresh state. It reports
// whether the row changed.
func (m *Manager) Transition(ctx context.Context, id string, mutate Mutation, within Hook) (*models.SOSEvent, bool, error) {
	db := m.db.WithContext(ctx)
	for attempt := 0; attempt < maxTransitionTries; attempt++ {
		ev, err := m.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		before := *ev
		if err := mutate(ev); err != nil {
			if stderrors.Is(err, ErrNoChange) {
				return ev, false, nil
			}
			return ev, false, err
		}
		now := m.now().UTC()
		ev.Version = before.Version + 1
		ev.UpdatedAt = now

		applied := false
		err = db.Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.SOSEvent{}).
				Where("id = ? AND version = ?", id, before.Version).
				Updates(mutableColumns(ev))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}
			applied = true
			if within != nil {
				return within(tx, &before, ev)
			}
			return nil
		})
		if err != nil {
			if errors.GetCode(err) != 0 {
				return &before, false, err
			}
			return &before, false, errors.Unavailable(err, "update sos event")
		}
		if !applied {
			continue
		}

		logger.Info("sos event transitioned",
			zap.String("event_id", id),
			zap.String("from", before.Status),
			zap.String("to", ev.Status),
			zap.String("escalation_state", ev.EscalationState),
		)
		m.publish(ctx, broadcast.EventSOSUpdated, ev)
		return ev, true, nil
	}
	return nil, false, errors.InvalidTransition("sos event %s is being modified concurrently", id)
}

func mutableColumns(ev *models.SOSEvent) map[string]interface{} {
	return map[string]interface{}{
		"status":                      ev.Status,
		"agent_id":                    ev.AgentID,
		"escalated_to_contacts":       ev.EscalatedToContacts,
		"escalated_to_police":         ev.EscalatedToPolice,
		"escalation_state":            ev.EscalationState,
		"escalation_timer_started_at": ev.EscalationTimerStartedAt,
		"escalation_timer_duration":   ev.EscalationTimerDuration,
		"escalation_due_at":           ev.EscalationDueAt,
		"handled":                     ev.Handled,
		"closed_at":                   ev.ClosedAt,
		"version":                     ev.Version,
		"updated_at":                  ev.UpdatedAt,
	}
}

func (m *Manager) Get(ctx context.Context, id string) (*models.SOSEvent, error) {
	ev, err := models.GetEvent(m.db.WithContext(ctx), id)
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFound("sos event %s not found", id)
	}
	if err != nil {
		return nil, errors.Unavailable(err, "load sos event")
	}
	return ev, nil
}

// GetOwned hides events of other users behind NotFound
func (m *Manager) GetOwned(ctx context.Context, id, user string) (*models.SOSEvent, error) {
	ev, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev.UserID != user {
		return nil, errors.NotFound("sos event %s not found", id)
	}
	return ev, nil
}

// ListOpen returns every non-terminal event, highest risk then oldest first
func (m *Manager) ListOpen(ctx context.Context) ([]models.SOSEvent, error) {
	out, err := models.ListOpenEvents(m.db.WithContext(ctx))
	if err != nil {
		return nil, errors.Unavailable(err, "list open sos events")
	}
	return out, nil
}

func (m *Manager) ListByOwner(ctx context.Context, user string) ([]models.SOSEvent, error) {
	out, err := models.ListEventsByOwner(m.db.WithContext(ctx), user, 100)
	if err != nil {
		return nil, errors.Unavailable(err, "list sos events")
	}
	return out, nil
}

func (m *Manager) CountRecent(ctx context.Context, user string, window time.Duration) (int, error) {
	n, err := models.CountEventsSince(m.db.WithContext(ctx), user, m.now().UTC().Add(-window))
	if err != nil {
		return 0, errors.Unavailable(err, "count recent sos events")
	}
	return int(n), nil
}
