package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	SessionActive  = "active"
	SessionPaused  = "paused"
	SessionEnded   = "ended"
	SessionExpired = "expired"
)

const (
	SamplingIntervalNominal      = 15
	SamplingIntervalBatterySaver = 30
	LowBatteryThreshold          = 20
)

// WalkSession is one tracked outing. ActiveSlot holds the owner id while the
// session is active or paused and is NULL otherwise; its unique index keeps
// at most one live session per user.
type WalkSession struct {
	ID                      string     `json:"id" gorm:"primaryKey;size:36"`
	UserID                  string     `json:"user_id" gorm:"size:64;index:idx_session_user_created"`
	Status                  string     `json:"status" gorm:"size:16;index"`
	StartLocation           *Location  `json:"start_location"`
	EndLocation             *Location  `json:"end_location,omitempty"`
	RiskScore               int        `json:"risk_score" gorm:"default:0"`
	PeakRiskScore           int        `json:"peak_risk_score" gorm:"default:0"`
	SamplingIntervalSeconds int        `json:"sampling_interval_seconds"`
	LocationSharingEnabled  bool       `json:"location_sharing_enabled"`
	MediaCaptureEnabled     bool       `json:"media_capture_enabled"`
	LastHeartbeatAt         time.Time  `json:"last_heartbeat_at"`
	ActiveSlot              *string    `json:"-" gorm:"size:64;uniqueIndex"`
	Version                 int        `json:"version" gorm:"default:1"`
	CreatedAt               time.Time  `json:"created_at" gorm:"index:idx_session_user_created"`
	UpdatedAt               time.Time  `json:"updated_at"`
	EndedAt                 *time.Time `json:"ended_at,omitempty"`
}

func (s *WalkSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// Live reports whether the session still accepts pause/resume/end
func (s *WalkSession) Live() bool {
	return s.Status == SessionActive || s.Status == SessionPaused
}

// Stale reports whether no heartbeat arrived for three sampling intervals
func (s *WalkSession) Stale(now time.Time) bool {
	window := time.Duration(s.SamplingIntervalSeconds*3) * time.Second
	return now.Sub(s.LastHeartbeatAt) > window
}

// SamplingInterval picks the heartbeat cadence for a battery level
func SamplingInterval(battery *int) int {
	if battery != nil && *battery < LowBatteryThreshold {
		return SamplingIntervalBatterySaver
	}
	return SamplingIntervalNominal
}

// SessionTransitionAllowed is the session state machine
func SessionTransitionAllowed(from, to string) bool {
	switch from {
	case SessionActive:
		return to == SessionPaused || to == SessionEnded
	case SessionPaused:
		return to == SessionActive || to == SessionEnded
	}
	return false
}

func GetSession(db *gorm.DB, id string) (*WalkSession, error) {
	var s WalkSession
	if err := db.Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func GetLiveSession(db *gorm.DB, userID string) (*WalkSession, error) {
	var s WalkSession
	err := db.Where("user_id = ? AND status IN ?", userID, []string{SessionActive, SessionPaused}).
		Order("created_at DESC").First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func ListSessions(db *gorm.DB, userID string, limit int) ([]WalkSession, error) {
	var out []WalkSession
	q := db.Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return out, q.Find(&out).Error
}

// CountQuotaSessions counts sessions created in [from, to) that never reached
// the escalation threshold
func CountQuotaSessions(db *gorm.DB, userID string, from, to time.Time, threshold int) (int64, error) {
	var n int64
	err := db.Model(&WalkSession{}).
		Where("user_id = ? AND created_at >= ? AND created_at < ? AND peak_risk_score < ?", userID, from, to, threshold).
		Count(&n).Error
	return n, err
}
