package models

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const FlagFalseAlarm = "false_alarm"

// MisuseFlag marks a user who raised false alarms; unresolved flags feed risk scoring
type MisuseFlag struct {
	UserID        string     `json:"user_id" gorm:"primaryKey;size:64"`
	FlagType      string     `json:"flag_type" gorm:"primaryKey;size:32"`
	FlagCount     int        `json:"flag_count"`
	LastFlaggedAt time.Time  `json:"last_flagged_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// UpsertMisuseFlag increments the counter and reopens a resolved flag
func UpsertMisuseFlag(db *gorm.DB, userID, flagType string, at time.Time) error {
	return db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "flag_type"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"flag_count":      gorm.Expr("misuse_flags.flag_count + 1"),
			"last_flagged_at": at,
			"resolved_at":     nil,
		}),
	}).Create(&MisuseFlag{UserID: userID, FlagType: flagType, FlagCount: 1, LastFlaggedAt: at}).Error
}

func HasUnresolvedFlag(db *gorm.DB, userID string) (bool, error) {
	var n int64
	err := db.Model(&MisuseFlag{}).Where("user_id = ? AND resolved_at IS NULL", userID).Count(&n).Error
	return n > 0, err
}

func GetMisuseFlags(db *gorm.DB, userID string) ([]MisuseFlag, error) {
	var out []MisuseFlag
	return out, db.Where("user_id = ?", userID).Find(&out).Error
}

// ResolveMisuseFlags stamps every unresolved flag of the user and returns how many changed
func ResolveMisuseFlags(db *gorm.DB, userID string, at time.Time) (int64, error) {
	res := db.Model(&MisuseFlag{}).Where("user_id = ? AND resolved_at IS NULL", userID).
		Update("resolved_at", at)
	return res.RowsAffected, res.Error
}
