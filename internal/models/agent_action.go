package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	ActionAcknowledge      = "acknowledge"
	ActionStartConference  = "start_conference"
	ActionEscalateContacts = "escalate_contacts"
	ActionEscalatePolice   = "escalate_police"
	ActionMarkMisuse       = "mark_misuse"
	ActionCloseEvent       = "close_event"
	ActionViewEvent        = "view_event"
	ActionAutoEscalate     = "auto_escalate"
	ActionResolveMisuse    = "resolve_misuse"
)

const (
	OutcomeApplied  = "applied"
	OutcomeNoop     = "noop"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// TransitionDetails describes a status change
type TransitionDetails struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// EscalationDetails lists the channels and records an escalation produced
type EscalationDetails struct {
	Channels  []string `json:"channels"`
	RecordIDs []string `json:"record_ids,omitempty"`
}

// MisuseDetails names the flagged user
type MisuseDetails struct {
	UserID   string `json:"user_id"`
	FlagType string `json:"flag_type"`
	Resolved int64  `json:"resolved,omitempty"`
}

// ViewDetails records what the agent saw
type ViewDetails struct {
	Status string `json:"status"`
}

// ActionDetails is a tagged union keyed by Kind. Exactly the payload matching
// Kind is set; Extra carries forward-compatible fields.
type ActionDetails struct {
	Kind       string             `json:"kind"`
	Transition *TransitionDetails `json:"transition,omitempty"`
	Escalation *EscalationDetails `json:"escalation,omitempty"`
	Misuse     *MisuseDetails     `json:"misuse,omitempty"`
	View       *ViewDetails       `json:"view,omitempty"`
	Error      string             `json:"error,omitempty"`
	Extra      map[string]string  `json:"extra,omitempty"`
}

func TransitionDetail(kind, from, to string) ActionDetails {
	return ActionDetails{Kind: kind, Transition: &TransitionDetails{From: from, To: to}}
}

func EscalationDetail(kind string, channels []string, recordIDs []string) ActionDetails {
	return ActionDetails{Kind: kind, Escalation: &EscalationDetails{Channels: channels, RecordIDs: recordIDs}}
}

func MisuseDetail(kind, userID string) ActionDetails {
	return ActionDetails{Kind: kind, Misuse: &MisuseDetails{UserID: userID, FlagType: FlagFalseAlarm}}
}

func ViewDetail(status string) ActionDetails {
	return ActionDetails{Kind: ActionViewEvent, View: &ViewDetails{Status: status}}
}

// Validate checks that the payload matches the kind
func (d ActionDetails) Validate() error {
	var want string
	switch d.Kind {
	case ActionAcknowledge, ActionStartConference, ActionCloseEvent:
		want = "transition"
	case ActionEscalateContacts, ActionEscalatePolice, ActionAutoEscalate:
		want = "escalation"
	case ActionMarkMisuse, ActionResolveMisuse:
		want = "misuse"
	case ActionViewEvent:
		want = "view"
	default:
		return fmt.Errorf("unknown action kind %q", d.Kind)
	}
	set := map[string]bool{
		"transition": d.Transition != nil,
		"escalation": d.Escalation != nil,
		"misuse":     d.Misuse != nil,
		"view":       d.View != nil,
	}
	for name, ok := range set {
		if ok && name != want {
			return fmt.Errorf("action %s carries unexpected %s payload", d.Kind, name)
		}
	}
	return nil
}

func (ActionDetails) GormDataType() string { return "text" }

func (d ActionDetails) Value() (driver.Value, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (d *ActionDetails) Scan(value interface{}) error {
	return scanJSON(value, d)
}

// AgentAction is one append-only audit entry
type AgentAction struct {
	ID         string        `json:"id" gorm:"primaryKey;size:36"`
	AgentID    string        `json:"agent_id" gorm:"size:64;index"`
	EventID    *string       `json:"event_id,omitempty" gorm:"size:36;index"`
	ActionType string        `json:"action_type" gorm:"size:32"`
	Details    ActionDetails `json:"details"`
	Reason     string        `json:"reason,omitempty" gorm:"type:text"`
	Outcome    string        `json:"outcome" gorm:"size:16"`
	CreatedAt  time.Time     `json:"created_at"`
}

func (a *AgentAction) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

func CreateAgentAction(db *gorm.DB, a *AgentAction) error {
	return db.Create(a).Error
}

func ListAgentActions(db *gorm.DB, eventID string) ([]AgentAction, error) {
	var out []AgentAction
	return out, db.Where("event_id = ?", eventID).Order("created_at").Find(&out).Error
}
