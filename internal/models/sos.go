package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	EventOpen                = "open"
	EventAcknowledged        = "acknowledged_by_agent"
	EventInConference        = "in_conference"
	EventEscalatedToContacts = "escalated_to_contacts"
	EventEscalatedToPolice   = "escalated_to_police"
	EventClosed              = "closed"
	EventMisuseFlagged       = "misuse_flagged"
)

const (
	EscalationNone      = "none"
	EscalationArmed     = "armed"
	EscalationCancelled = "cancelled"
	EscalationFired     = "fired"
)

// NonTerminalEventStatuses is the agent-visible queue
var NonTerminalEventStatuses = []string{
	EventOpen,
	EventAcknowledged,
	EventInConference,
	EventEscalatedToContacts,
	EventEscalatedToPolice,
}

// SOSEvent is one distress incident
type SOSEvent struct {
	ID                       string     `json:"id" gorm:"primaryKey;size:36"`
	SessionID                *string    `json:"session_id,omitempty" gorm:"size:36;index"`
	UserID                   string     `json:"user_id" gorm:"size:64;index:idx_sos_user_created"`
	Status                   string     `json:"status" gorm:"size:32;index"`
	Location                 *Location  `json:"location"`
	RiskScore                int        `json:"risk_score"`
	AgentID                  *string    `json:"agent_id,omitempty" gorm:"size:64"`
	EscalatedToContacts      bool       `json:"escalated_to_contacts"`
	EscalatedToPolice        bool       `json:"escalated_to_police"`
	EscalationState          string     `json:"escalation_state" gorm:"size:16;index;default:none"`
	EscalationTimerStartedAt *time.Time `json:"escalation_timer_started_at,omitempty"`
	EscalationTimerDuration  int        `json:"escalation_timer_duration"`
	EscalationDueAt          *time.Time `json:"escalation_due_at,omitempty"`
	MediaFiles               StringList `json:"media_files"`
	Handled                  bool       `json:"handled"`
	Version                  int        `json:"version" gorm:"default:1"`
	CreatedAt                time.Time  `json:"created_at" gorm:"index:idx_sos_user_created"`
	UpdatedAt                time.Time  `json:"updated_at"`
	ClosedAt                 *time.Time `json:"closed_at,omitempty"`
}

func (e *SOSEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.EscalationState == "" {
		e.EscalationState = EscalationNone
	}
	return nil
}

// Terminal reports whether the event accepts no further transitions
func (e *SOSEvent) Terminal() bool {
	return EventTerminal(e.Status)
}

func EventTerminal(status string) bool {
	return status == EventClosed || status == EventMisuseFlagged
}

func GetEvent(db *gorm.DB, id string) (*SOSEvent, error) {
	var e SOSEvent
	if err := db.Where("id = ?", id).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// ListOpenEvents orders by risk descending, then oldest first
func ListOpenEvents(db *gorm.DB) ([]SOSEvent, error) {
	var out []SOSEvent
	err := db.Where("status IN ?", NonTerminalEventStatuses).
		Order("risk_score DESC").Order("created_at ASC").
		Find(&out).Error
	return out, err
}

func ListEventsByOwner(db *gorm.DB, userID string, limit int) ([]SOSEvent, error) {
	var out []SOSEvent
	q := db.Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return out, q.Find(&out).Error
}

func CountEventsSince(db *gorm.DB, userID string, since time.Time) (int64, error) {
	var n int64
	err := db.Model(&SOSEvent{}).Where("user_id = ? AND created_at >= ?", userID, since).Count(&n).Error
	return n, err
}

// ListArmedEvents returns open events whose automatic escalation is still pending
func ListArmedEvents(db *gorm.DB) ([]SOSEvent, error) {
	var out []SOSEvent
	err := db.Where("status = ? AND escalation_state = ?", EventOpen, EscalationArmed).
		Order("escalation_due_at ASC").Find(&out).Error
	return out, err
}
