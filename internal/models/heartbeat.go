package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	DeviceOnline  = "online"
	DeviceOffline = "offline"
)

// Heartbeat is one append-only liveness sample
type Heartbeat struct {
	ID                 string    `json:"id" gorm:"primaryKey;size:36"`
	SessionID          string    `json:"session_id" gorm:"size:36;index:idx_heartbeat_session_ts"`
	UserID             string    `json:"user_id" gorm:"size:64;index"`
	Location           *Location `json:"location"`
	BatteryLevel       *int      `json:"battery_level"`
	DeviceStatus       string    `json:"device_status" gorm:"size:16"`
	ConnectivityStatus string    `json:"connectivity_status" gorm:"size:32"`
	ClientPlatform     string    `json:"client_platform" gorm:"size:64"`
	Timestamp          time.Time `json:"timestamp" gorm:"index:idx_heartbeat_session_ts"`
	CreatedAt          time.Time `json:"created_at"`
}

func (h *Heartbeat) BeforeCreate(tx *gorm.DB) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	return nil
}

func CreateHeartbeat(db *gorm.DB, hb *Heartbeat) error {
	return db.Create(hb).Error
}

func LatestHeartbeat(db *gorm.DB, sessionID string) (*Heartbeat, error) {
	var hb Heartbeat
	if err := db.Where("session_id = ?", sessionID).Order("timestamp DESC").First(&hb).Error; err != nil {
		return nil, err
	}
	return &hb, nil
}

// HeartbeatTrail returns the newest samples first
func HeartbeatTrail(db *gorm.DB, sessionID string, limit int) ([]Heartbeat, error) {
	var out []Heartbeat
	q := db.Where("session_id = ?", sessionID).Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return out, q.Find(&out).Error
}
