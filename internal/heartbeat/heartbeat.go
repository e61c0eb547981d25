package heartbeat

import (
	"context"
	"time"

	"WalkGuard/internal/models"
	"WalkGuard/internal/risk"
	"WalkGuard/internal/session"
	"WalkGuard/pkg/errors"
	"WalkGuard/pkg/logger"
	"WalkGuard/pkg/metrics"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	recentWindow = 24 * time.Hour
	maxTrail     = 500
)

// Sample is one liveness ping as sent by the phone
type Sample struct {
	SessionID          string           `json:"session_id" binding:"required"`
	Location           *models.Location `json:"location"`
	BatteryLevel       *int             `json:"battery_level"`
	DeviceStatus       string           `json:"device_status"`
	ConnectivityStatus string           `json:"connectivity_status"`
	Timestamp          *time.Time       `json:"timestamp"`
}

type Ack struct {
	HeartbeatID         string `json:"heartbeat_id"`
	SessionStatus       string `json:"session_status"`
	RiskScore           int    `json:"risk_score"`
	RiskLabel           string `json:"risk_label"`
	NextIntervalSeconds int    `json:"next_interval_seconds"`
}

type Tracker struct {
	db       *gorm.DB
	sessions *session.Manager
	metrics  *metrics.Metrics
	loc      *time.Location
	now      func() time.Time
}

func NewTracker(db *gorm.DB, sessions *session.Manager, m *metrics.Metrics, loc *time.Location, now func() time.Time) *Tracker {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{db: db, sessions: sessions, metrics: m, loc: loc, now: now}
}

func (s Sample) validate() error {
	if err := s.Location.Validate(); err != nil {
		return errors.BadRequest("location: %v", err)
	}
	if s.BatteryLevel != nil && (*s.BatteryLevel < 0 || *s.BatteryLevel > 100) {
		return errors.BadRequest("battery_level must be within 0..100")
	}
	switch s.DeviceStatus {
	case "", models.DeviceOnline, models.DeviceOffline:
	default:
		return errors.BadRequest("unknown device_status %q", s.DeviceStatus)
	}
	return nil
}

// Record appends the sample and refreshes the session's liveness and risk.
// Samples for ended or expired sessions are kept for the audit trail only.
func (t *Tracker) Record(ctx context.Context, user, platform string, sample Sample) (*Ack, error) {
	if err := sample.validate(); err != nil {
		return nil, err
	}
	s, err := t.sessions.Get(ctx, sample.SessionID, user)
	if err != nil {
		return nil, err
	}

	now := t.now().UTC()
	status := sample.DeviceStatus
	if status == "" {
		status = models.DeviceOnline
	}
	ts := now
	if sample.Timestamp != nil && !sample.Timestamp.IsZero() {
		ts = sample.Timestamp.UTC()
	}

	hb := &models.Heartbeat{
		SessionID:          s.ID,
		UserID:             user,
		Location:           sample.Location,
		BatteryLevel:       sample.BatteryLevel,
		DeviceStatus:       status,
		ConnectivityStatus: sample.ConnectivityStatus,
		ClientPlatform:     platform,
		Timestamp:          ts,
		CreatedAt:          now,
	}
	db := t.db.WithContext(ctx)
	if err := models.CreateHeartbeat(db, hb); err != nil {
		return nil, errors.Unavailable(err, "append heartbeat")
	}
	t.metrics.Heartbeat(status)

	interval := models.SamplingInterval(sample.BatteryLevel)
	ack := &Ack{
		HeartbeatID:         hb.ID,
		SessionStatus:       s.Status,
		RiskScore:           s.RiskScore,
		RiskLabel:           risk.Label(s.RiskScore),
		NextIntervalSeconds: interval,
	}
	if !s.Live() {
		return ack, nil
	}

	recent, err := models.CountEventsSince(db, user, now.Add(-recentWindow))
	if err != nil {
		return nil, errors.Unavailable(err, "count recent sos")
	}
	flagged, err := models.HasUnresolvedFlag(db, user)
	if err != nil {
		return nil, errors.Unavailable(err, "load misuse flags")
	}
	score := risk.Score(risk.Signals{
		Location:       sample.Location,
		RecentSOSCount: int(recent),
		UserFlagged:    flagged,
		PhoneOffline:   status == models.DeviceOffline,
		TimeOfDay:      now.In(t.loc),
	})
	if err := t.sessions.Touch(ctx, s.ID, now, score, interval); err != nil {
		return nil, err
	}

	if score != s.RiskScore {
		logger.Debug("session risk changed",
			zap.String("session_id", s.ID),
			zap.Int("from", s.RiskScore),
			zap.Int("to", score),
		)
	}
	ack.RiskScore = score
	ack.RiskLabel = risk.Label(score)
	return ack, nil
}

func (t *Tracker) Latest(ctx context.Context, sessionID string) (*models.Heartbeat, error) {
	hb, err := models.LatestHeartbeat(t.db.WithContext(ctx), sessionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFound("no heartbeat for session %s", sessionID)
	}
	if err != nil {
		return nil, errors.Unavailable(err, "load heartbeat")
	}
	return hb, nil
}

// Trail returns up to limit samples, newest first
func (t *Tracker) Trail(ctx context.Context, sessionID string, limit int) ([]models.Heartbeat, error) {
	if limit <= 0 || limit > maxTrail {
		limit = maxTrail
	}
	out, err := models.HeartbeatTrail(t.db.WithContext(ctx), sessionID, limit)
	if err != nil {
		return nil, errors.Unavailable(err, "load heartbeat trail")
	}
	return out, nil
}
