package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EmergencyContact receives the contacts escalation
type EmergencyContact struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	UserID    string    `json:"user_id" gorm:"size:64;index"`
	Name      string    `json:"name" gorm:"size:128"`
	Phone     string    `json:"phone" gorm:"size:32"`
	Relation  string    `json:"relation" gorm:"size:32"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *EmergencyContact) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

func CreateContact(db *gorm.DB, c *EmergencyContact) error {
	return db.Create(c).Error
}

func ListContacts(db *gorm.DB, userID string) ([]EmergencyContact, error) {
	var out []EmergencyContact
	return out, db.Where("user_id = ?", userID).Order("created_at").Find(&out).Error
}

// DeleteContact removes a contact owned by userID and reports whether a row went away
func DeleteContact(db *gorm.DB, userID, id string) (bool, error) {
	res := db.Where("id = ? AND user_id = ?", id, userID).Delete(&EmergencyContact{})
	return res.RowsAffected > 0, res.Error
}
