// Package risk turns a signal bundle into a bounded 0..10 risk score.
//
// Weights:
//
//	sos triggered          +5
//	recent SOS (24h)       0/1/2/3+ -> +0/+1/+2/+4
//	phone offline          +2
//	night (22:00-05:59)    +1
//	unknown location       +1
//	unresolved misuse flag -2, never below 5 while an SOS is triggered
//
// The sum is clamped to 0..10. Callers treat the score as opaque and use
// Label and EscalationEligible instead of re-deriving thresholds.
package risk

import (
	"time"

	"WalkGuard/internal/models"
)

const (
	MinScore            = 0
	MaxScore            = 10
	EscalationThreshold = 9
	elevatedThreshold   = 5
)

const (
	LabelNormal   = "Normal"
	LabelElevated = "Elevated"
	LabelHigh     = "High"
)

const (
	FactorSOS             = "sos_triggered"
	FactorRecentSOS       = "recent_sos"
	FactorPhoneOffline    = "phone_offline"
	FactorNight           = "night"
	FactorUnknownLocation = "unknown_location"
	FactorUserFlagged     = "user_flagged"
)

// Signals is everything the engine looks at
type Signals struct {
	SOSTriggered   bool             `json:"sos_triggered"`
	Location       *models.Location `json:"location,omitempty"`
	RecentSOSCount int              `json:"recent_sos_count"`
	UserFlagged    bool             `json:"user_flagged"`
	PhoneOffline   bool             `json:"phone_offline"`
	TimeOfDay      time.Time        `json:"time_of_day"`
}

type Factor struct {
	Name   string `json:"name"`
	Points int    `json:"points"`
}

// Explanation is a score with its per-factor contributions
type Explanation struct {
	Score              int      `json:"score"`
	Label              string   `json:"label"`
	EscalationEligible bool     `json:"escalation_eligible"`
	Factors            []Factor `json:"factors"`
}

func Score(s Signals) int {
	return Explain(s).Score
}

func Explain(s Signals) Explanation {
	var factors []Factor
	add := func(name string, points int) {
		if points != 0 {
			factors = append(factors, Factor{Name: name, Points: points})
		}
	}

	if s.SOSTriggered {
		add(FactorSOS, 5)
	}
	add(FactorRecentSOS, recentPoints(s.RecentSOSCount))
	if s.PhoneOffline {
		add(FactorPhoneOffline, 2)
	}
	if isNight(s.TimeOfDay) {
		add(FactorNight, 1)
	}
	if !s.Location.Known() {
		add(FactorUnknownLocation, 1)
	}

	sum := 0
	for _, f := range factors {
		sum += f.Points
	}
	if s.UserFlagged {
		penalty := -2
		if s.SOSTriggered && sum+penalty < elevatedThreshold {
			penalty = elevatedThreshold - sum
			if penalty > 0 {
				penalty = 0
			}
		}
		add(FactorUserFlagged, penalty)
		sum += penalty
	}

	score := clamp(sum)
	return Explanation{
		Score:              score,
		Label:              Label(score),
		EscalationEligible: EscalationEligible(score),
		Factors:            factors,
	}
}

func Label(score int) string {
	switch {
	case score >= EscalationThreshold:
		return LabelHigh
	case score >= elevatedThreshold:
		return LabelElevated
	default:
		return LabelNormal
	}
}

func EscalationEligible(score int) bool {
	return score >= EscalationThreshold
}

func recentPoints(n int) int {
	switch {
	case n <= 0:
		return 0
	case n == 1:
		return 1
	case n == 2:
		return 2
	default:
		return 4
	}
}

func isNight(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	h := t.Hour()
	return h >= 22 || h < 6
}

func clamp(v int) int {
	if v < MinScore {
		return MinScore
	}
	if v > MaxScore {
		return MaxScore
	}
	return v
}
