package models

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Consent holds per-user capability grants
type Consent struct {
	UserID             string    `json:"user_id" gorm:"primaryKey;size:64"`
	LocationSharing    bool      `json:"location_sharing"`
	MediaCapture       bool      `json:"media_capture"`
	BackgroundLocation bool      `json:"background_location"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func UpsertConsent(db *gorm.DB, c *Consent) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"location_sharing", "media_capture", "background_location", "updated_at"}),
	}).Create(c).Error
}
