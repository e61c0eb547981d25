package session

import (
	"context"
	stderrors "errors"
	"time"

	"WalkGuard/internal/models"
	"WalkGuard/internal/risk"
	"WalkGuard/pkg/errors"
	"WalkGuard/pkg/logger"
	"WalkGuard/pkg/metrics"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DefaultDailyQuota = 2
	maxUpdateRetries  = 3
)

// ConsentReader is the part of the consent store the manager needs
type ConsentReader interface {
	Get(ctx context.Context, user string) (*models.Consent, error)
}

type Options struct {
	// Location decides the calendar day of the quota
	Location   *time.Location
	DailyQuota int
	Now        func() time.Time
}

type Manager struct {
	db      *gorm.DB
	consent ConsentReader
	metrics *metrics.Metrics
	loc     *time.Location
	quota   int
	now     func() time.Time
}

func NewManager(db *gorm.DB, consent ConsentReader, m *metrics.Metrics, opts Options) *Manager {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.DailyQuota <= 0 {
		opts.DailyQuota = DefaultDailyQuota
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{db: db, consent: consent, metrics: m, loc: opts.Location, quota: opts.DailyQuota, now: opts.Now}
}

// StartRequest carries the device permission gates as reported by the client.
// A nil permission is treated as granted.
type StartRequest struct {
	StartLocation      *models.Location `json:"start_location"`
	BatteryLevel       *int             `json:"battery_level"`
	LocationPermission *bool            `json:"location_permission"`
	MediaPermission    *bool            `json:"media_permission"`
}

type UpdateRequest struct {
	Status      string           `json:"status"`
	EndLocation *models.Location `json:"end_location"`
}

func denied(p *bool) bool { return p != nil && !*p }

func (m *Manager) Start(ctx context.Context, user string, req StartRequest) (*models.WalkSession, error) {
	if err := req.StartLocation.Validate(); err != nil {
		return nil, errors.BadRequest("start_location: %v", err)
	}
	if req.BatteryLevel != nil && (*req.BatteryLevel < 0 || *req.BatteryLevel > 100) {
		return nil, errors.BadRequest("battery_level must be within 0..100")
	}

	grants, err := m.consent.Get(ctx, user)
	if err != nil {
		return nil, err
	}
	if !grants.LocationSharing {
		return nil, errors.PermissionDenied("location sharing consent not granted")
	}
	if denied(req.LocationPermission) {
		return nil, errors.PermissionDenied("device location permission denied")
	}

	db := m.db.WithContext(ctx)
	now := m.now().UTC()

	stale, err := m.blockingLive(db, user, now)
	if err != nil {
		return nil, err
	}

	from, to := m.day(now)
	used, err := models.CountQuotaSessions(db, user, from, to, risk.EscalationThreshold)
	if err != nil {
		return nil, errors.Unavailable(err, "count sessions")
	}
	if int(used) >= m.quota {
		m.metrics.QuotaRejected()
		return nil, errors.DailyLimitExceeded("%d low-risk sessions already started today", used)
	}
	if stale != nil {
		if err := m.releaseStale(db, stale, now); err != nil {
			return nil, err
		}
	}

	slot := user
	s := &models.WalkSession{
		UserID:                  user,
		Status:                  models.SessionActive,
		StartLocation:           req.StartLocation,
		SamplingIntervalSeconds: models.SamplingInterval(req.BatteryLevel),
		LocationSharingEnabled:  grants.LocationSharing,
		MediaCaptureEnabled:     grants.MediaCapture && !denied(req.MediaPermission),
		LastHeartbeatAt:         now,
		ActiveSlot:              &slot,
		Version:                 1,
		CreatedAt:               now,
	}
	if err := db.Create(s).Error; err != nil {
		// the unique slot rejects a concurrent start
		if live, lerr := models.GetLiveSession(db, user); lerr == nil {
			return nil, errors.InvalidTransition("session %s is still live", live.ID).WithContext("session_id", live.ID)
		}
		return nil, errors.Unavailable(err, "create session")
	}

	m.metrics.SessionStarted()
	logger.Info("walk session started",
		zap.String("session_id", s.ID),
		zap.String("user_id", user),
		zap.Int("sampling_interval", s.SamplingIntervalSeconds),
	)
	return s, nil
}

// blockingLive rejects a fresh live session and returns a stale one for
// release once the start has passed its quota check
func (m *Manager) blockingLive(db *gorm.DB, user string, now time.Time) (*models.WalkSession, error) {
	live, err := models.GetLiveSession(db, user)
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Unavailable(err, "load live session")
	}
	if !live.Stale(now) {
		return nil, errors.InvalidTransition("session %s is still live", live.ID).WithContext("session_id", live.ID)
	}
	return live, nil
}

// releaseStale expires a forgotten live session
func (m *Manager) releaseStale(db *gorm.DB, live *models.WalkSession, now time.Time) error {
	ok, err := m.expire(db, live, now)
	if err != nil {
		return errors.Unavailable(err, "expire stale session")
	}
	if !ok {
		return errors.InvalidTransition("session %s changed concurrently", live.ID).WithContext("session_id", live.ID)
	}
	logger.Info("stale walk session expired on start", zap.String("session_id", live.ID), zap.String("user_id", live.UserID))
	return nil
}

func (m *Manager) expire(db *gorm.DB, s *models.WalkSession, now time.Time) (bool, error) {
	res := db.Model(&models.WalkSession{}).
		Where("id = ? AND version = ?", s.ID, s.Version).
		Updates(map[string]interface{}{
			"status":      models.SessionExpired,
			"active_slot": nil,
			"ended_at":    now,
			"version":     s.Version + 1,
			"updated_at":  now,
		})
	return res.RowsAffected > 0, res.Error
}

// day returns the UTC bounds of the configured calendar day containing now
func (m *Manager) day(now time.Time) (time.Time, time.Time) {
	local := now.In(m.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, m.loc)
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}

func (m *Manager) Get(ctx context.Context, id, user string) (*models.WalkSession, error) {
	s, err := models.GetSession(m.db.WithContext(ctx), id)
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFound("session %s not found", id)
	}
	if err != nil {
		return nil, errors.Unavailable(err, "load session")
	}
	if s.UserID != user {
		return nil, errors.NotFound("session %s not found", id)
	}
	return s, nil
}

func (m *Manager) List(ctx context.Context, user string) ([]models.WalkSession, error) {
	out, err := models.ListSessions(m.db.WithContext(ctx), user, 100)
	if err != nil {
		return nil, errors.Unavailable(err, "list sessions")
	}
	return out, nil
}

func (m *Manager) Update(ctx context.Context, id, user string, req UpdateRequest) (*models.WalkSession, error) {
	switch req.Status {
	case models.SessionActive, models.SessionPaused, models.SessionEnded:
	case models.SessionExpired:
		return nil, errors.InvalidTransition("sessions expire on their own")
	default:
		return nil, errors.BadRequest("unknown status %q", req.Status)
	}
	if err := req.EndLocation.Validate(); err != nil {
		return nil, errors.BadRequest("end_location: %v", err)
	}

	db := m.db.WithContext(ctx)
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		s, err := m.Get(ctx, id, user)
		if err != nil {
			return nil, err
		}
		if s.Status == req.Status {
			return s, nil
		}
		if !models.SessionTransitionAllowed(s.Status, req.Status) {
			return nil, errors.InvalidTransition("cannot move session from %s to %s", s.Status, req.Status)
		}

		now := m.now().UTC()
		updates := map[string]interface{}{
			"status":     req.Status,
			"version":    s.Version + 1,
			"updated_at": now,
		}
		switch req.Status {
		case models.SessionEnded:
			updates["ended_at"] = now
			updates["active_slot"] = nil
			if req.EndLocation != nil {
				updates["end_location"] = req.EndLocation
			}
		case models.SessionActive:
			updates["last_heartbeat_at"] = now
		}

		res := db.Model(&models.WalkSession{}).Where("id = ? AND version = ?", s.ID, s.Version).Updates(updates)
		if res.Error != nil {
			return nil, errors.Unavailable(res.Error, "update session")
		}
		if res.RowsAffected == 0 {
			continue
		}
		logger.Info("walk session updated",
			zap.String("session_id", s.ID),
			zap.String("from", s.Status),
			zap.String("to", req.Status),
		)
		return m.Get(ctx, id, user)
	}
	return nil, errors.InvalidTransition("session %s is being modified concurrently", id)
}

// ApplyRisk stores the latest score and raises the peak
func (m *Manager) ApplyRisk(ctx context.Context, id string, score int) error {
	err := m.db.WithContext(ctx).Model(&models.WalkSession{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"risk_score":      score,
			"peak_risk_score": gorm.Expr("CASE WHEN peak_risk_score < ? THEN ? ELSE peak_risk_score END", score, score),
			"updated_at":      m.now().UTC(),
		}).Error
	if err != nil {
		return errors.Unavailable(err, "apply session risk")
	}
	return nil
}

// Touch records a heartbeat arrival with the recomputed score and the
// cadence the client switches to. It bumps the version so an expiry
// working from an older read loses.
func (m *Manager) Touch(ctx context.Context, id string, at time.Time, score, interval int) error {
	err := m.db.WithContext(ctx).Model(&models.WalkSession{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_heartbeat_at":         at.UTC(),
			"sampling_interval_seconds": interval,
			"risk_score":                score,
			"peak_risk_score":           gorm.Expr("CASE WHEN peak_risk_score < ? THEN ? ELSE peak_risk_score END", score, score),
			"version":                   gorm.Expr("version + 1"),
			"updated_at":                at.UTC(),
		}).Error
	if err != nil {
		return errors.Unavailable(err, "touch session")
	}
	return nil
}

// ExpireStale marks active sessions without a recent heartbeat as expired
func (m *Manager) ExpireStale(ctx context.Context) (int, error) {
	db := m.db.WithContext(ctx)
	var active []models.WalkSession
	if err := db.Where("status = ?", models.SessionActive).Find(&active).Error; err != nil {
		return 0, errors.Unavailable(err, "list active sessions")
	}

	now := m.now().UTC()
	expired := 0
	for i := range active {
		s := &active[i]
		if !s.Stale(now) {
			continue
		}
		ok, err := m.expire(db, s, now)
		if err != nil {
			logger.Warn("session expiry failed", zap.String("session_id", s.ID), zap.Error(err))
			continue
		}
		if ok {
			expired++
			logger.Info("walk session expired",
				zap.String("session_id", s.ID),
				zap.String("user_id", s.UserID),
				zap.Time("last_heartbeat_at", s.LastHeartbeatAt),
			)
		}
	}
	m.metrics.SessionsExpired(expired)
	return expired, nil
}
