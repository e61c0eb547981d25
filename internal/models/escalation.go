package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	ChannelContacts = "contacts"
	ChannelPolice   = "police"
)

const (
	SourceSystem = "system"
	SourceAgent  = "agent"
)

const (
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
)

// DedupAuto marks the single automatic record per channel
const DedupAuto = "auto"

// EscalationRecord is the audit row of one escalation attempt
type EscalationRecord struct {
	ID             string    `json:"id" gorm:"primaryKey;size:36"`
	EventID        string    `json:"event_id" gorm:"size:36;uniqueIndex:idx_escalation_dedup"`
	EscalationType string    `json:"escalation_type" gorm:"size:16;uniqueIndex:idx_escalation_dedup"`
	DedupKey       string    `json:"-" gorm:"size:64;uniqueIndex:idx_escalation_dedup"`
	Source         string    `json:"source" gorm:"size:16"`
	Status         string    `json:"status" gorm:"size:16;index"`
	RecipientInfo  string    `json:"recipient_info" gorm:"type:text"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty" gorm:"type:text"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (r *EscalationRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = DeliveryPending
	}
	return nil
}

// InsertEscalationRecord ignores a duplicate (event, type, dedup key) and
// reports whether a new row was written
func InsertEscalationRecord(db *gorm.DB, r *EscalationRecord) (bool, error) {
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(r)
	return res.RowsAffected > 0, res.Error
}

func ListEscalationRecords(db *gorm.DB, eventID string) ([]EscalationRecord, error) {
	var out []EscalationRecord
	return out, db.Where("event_id = ?", eventID).Order("created_at").Find(&out).Error
}

// ListUndelivered returns pending or failed records untouched since before
// the lease deadline
func ListUndelivered(db *gorm.DB, before time.Time, maxAttempts int) ([]EscalationRecord, error) {
	var out []EscalationRecord
	err := db.Where("status IN ? AND updated_at < ? AND attempts < ?",
		[]string{DeliveryPending, DeliveryFailed}, before, maxAttempts).
		Order("created_at").Find(&out).Error
	return out, err
}

// ClaimEscalationRecord bumps attempts only if nobody else did since attempts was read
func ClaimEscalationRecord(db *gorm.DB, id string, attempts int) (bool, error) {
	res := db.Model(&EscalationRecord{}).
		Where("id = ? AND attempts = ? AND status <> ?", id, attempts, DeliverySent).
		Updates(map[string]interface{}{"attempts": attempts + 1, "updated_at": time.Now().UTC()})
	return res.RowsAffected > 0, res.Error
}

func MarkEscalationRecord(db *gorm.DB, id, status, recipientInfo, lastError string) error {
	updates := map[string]interface{}{
		"status":     status,
		"last_error": lastError,
		"updated_at": time.Now().UTC(),
	}
	if recipientInfo != "" {
		updates["recipient_info"] = recipientInfo
	}
	return db.Model(&EscalationRecord{}).Where("id = ?", id).Updates(updates).Error
}
