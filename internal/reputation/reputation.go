// Package reputation computes a reproducible 0-100 trust score per agent
// from five weighted behavioral components, decayed for inactivity, and
// caches the result as a snapshot.
//
// Components (each 0-100):
//   - task completion: share of tasks completed over the trailing 90 days
//   - peer rating: average 1-5 review rescaled to 0-100
//   - credit pattern: credit-earned vs credit-spent events over 90 days
//   - security compliance: 100 minus 20 per security violation over 90 days
//   - activity level: 10 per session in the trailing 30 days
//
// Everything in this file is a pure function of its inputs.
package reputation

import (
	"encoding/json"
	"math"
	"time"
)

// Signal windows.
const (
	ScoringWindow  = 90 * 24 * time.Hour
	ActivityWindow = 30 * 24 * time.Hour
)

// Decay parameters: no decay for GraceDays of inactivity, then the score
// is multiplied by DecayBase once per DecayPeriodDays.
const (
	GraceDays       = 30.0
	DecayBase       = 0.95
	DecayPeriodDays = 7.0
)

// MinTasksForRate is the task count below which task completion stays neutral.
const MinTasksForRate = 3

// TrustLevel is the five-tier bucket derived from an overall score.
type TrustLevel string

const (
	TrustVerified  TrustLevel = "verified"
	TrustHigh      TrustLevel = "high"
	TrustMedium    TrustLevel = "medium"
	TrustLow       TrustLevel = "low"
	TrustUntrusted TrustLevel = "untrusted"
)

// TrustLevelFor maps an overall score to its trust level.
func TrustLevelFor(score int) TrustLevel {
	switch {
	case score >= 90:
		return TrustVerified
	case score >= 70:
		return TrustHigh
	case score >= 50:
		return TrustMedium
	case score >= 25:
		return TrustLow
	default:
		return TrustUntrusted
	}
}

// MaxActionsPerCycle caps how many autonomous actions an agent at level may
// take in one improvement-loop cycle.
func MaxActionsPerCycle(level TrustLevel) int {
	switch level {
	case TrustVerified:
		return 20
	case TrustHigh:
		return 10
	case TrustMedium:
		return 5
	case TrustLow:
		return 2
	default:
		return 0
	}
}

// Components is the per-signal breakdown of a score.
type Components struct {
	TaskCompletion     int `json:"taskCompletion"`
	PeerRating         int `json:"peerRating"`
	CreditPattern      int `json:"creditPattern"`
	SecurityCompliance int `json:"securityCompliance"`
	ActivityLevel      int `json:"activityLevel"`
}

// Weights are component weights in percent. They must sum to 100.
type Weights struct {
	TaskCompletion     int
	PeerRating         int
	CreditPattern      int
	SecurityCompliance int
	ActivityLevel      int
}

// DefaultWeights: 0.30 / 0.25 / 0.15 / 0.20 / 0.10.
var DefaultWeights = Weights{
	TaskCompletion:     30,
	PeerRating:         25,
	CreditPattern:      15,
	SecurityCompliance: 20,
	ActivityLevel:      10,
}

// Sum returns the total weight in percent.
func (w Weights) Sum() int {
	return w.TaskCompletion + w.PeerRating + w.CreditPattern + w.SecurityCompliance + w.ActivityLevel
}

// Overall returns round(clamp(sum(component * weight), 0, 100)).
func (w Weights) Overall(c Components) int {
	sum := c.TaskCompletion*w.TaskCompletion +
		c.PeerRating*w.PeerRating +
		c.CreditPattern*w.CreditPattern +
		c.SecurityCompliance*w.SecurityCompliance +
		c.ActivityLevel*w.ActivityLevel
	return clampScore(roundInt(float64(sum) / 100))
}

// Score is the cached trust snapshot for one agent.
type Score struct {
	AgentID         string     `json:"agentId"`
	OverallScore    int        `json:"overallScore"`
	TrustLevel      TrustLevel `json:"trustLevel"`
	Components      Components `json:"components"`
	AttestationHash string     `json:"attestationHash,omitempty"`
	ComputedAt      time.Time  `json:"computedAt"`
}

// EventType classifies a reputation event.
type EventType string

const (
	EventTaskCompleted            EventType = "task_completed"
	EventTaskFailed               EventType = "task_failed"
	EventReviewReceived           EventType = "review_received"
	EventCreditEarned             EventType = "credit_earned"
	EventCreditSpent              EventType = "credit_spent"
	EventSecurityViolation        EventType = "security_violation"
	EventSessionCompleted         EventType = "session_completed"
	EventAttestationPublished     EventType = "attestation_published"
	EventImprovementLoopCompleted EventType = "improvement_loop_completed"
	EventImprovementLoopFailed    EventType = "improvement_loop_failed"
)

var knownEvents = []EventType{
	EventTaskCompleted,
	EventTaskFailed,
	EventReviewReceived,
	EventCreditEarned,
	EventCreditSpent,
	EventSecurityViolation,
	EventSessionCompleted,
	EventAttestationPublished,
	EventImprovementLoopCompleted,
	EventImprovementLoopFailed,
}

// KnownEventTypes lists every accepted event type.
func KnownEventTypes() []EventType {
	out := make([]EventType, len(knownEvents))
	copy(out, knownEvents)
	return out
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, k := range knownEvents {
		if k == t {
			return true
		}
	}
	return false
}

// activityEvents are the event types that reset the decay clock. A
// security violation is not activity.
func activityEvents() []EventType {
	out := make([]EventType, 0, len(knownEvents))
	for _, k := range knownEvents {
		if k != EventSecurityViolation {
			out = append(out, k)
		}
	}
	return out
}

// Event is one append-only trust-relevant occurrence.
type Event struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agentId"`
	EventType   EventType       `json:"eventType"`
	ScoreImpact float64         `json:"scoreImpact"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// TaskCompletionScore is round(completed/total*100), or 50 below MinTasksForRate tasks.
func TaskCompletionScore(completed, total int) int {
	if total < MinTasksForRate {
		return 50
	}
	return clampScore(roundInt(float64(completed) / float64(total) * 100))
}

// PeerRatingScore rescales the average 1-5 rating to 0-100; 50 without reviews.
func PeerRatingScore(ratings []float64) int {
	if len(ratings) == 0 {
		return 50
	}
	var sum float64
	for _, r := range ratings {
		sum += r
	}
	avg := sum / float64(len(ratings))
	return clampScore(roundInt((avg - 1) / 4 * 100))
}

// CreditPatternScore is min(100, round(ratio*50)) where ratio is
// earned/spent, 2 when only earnings exist and 1 when neither does.
func CreditPatternScore(earned, spent int) int {
	var ratio float64
	switch {
	case earned == 0 && spent == 0:
		ratio = 1
	case spent == 0:
		ratio = 2
	default:
		ratio = float64(earned) / float64(spent)
	}
	return clampScore(roundInt(ratio * 50))
}

// SecurityComplianceScore is max(0, 100 - 20 per violation).
func SecurityComplianceScore(violations int) int {
	return max(0, 100-violations*20)
}

// ActivityLevelScore is min(100, 10 per session).
func ActivityLevelScore(sessions int) int {
	return min(100, sessions*10)
}

// DecayFactor returns 0.95^((days-30)/7) past the grace period, else 1.
func DecayFactor(daysInactive float64) float64 {
	if daysInactive <= GraceDays {
		return 1
	}
	return math.Pow(DecayBase, (daysInactive-GraceDays)/DecayPeriodDays)
}

// ApplyDecay scales overall by the inactivity decay. Agents with any
// recorded history never drop below 1.
func ApplyDecay(overall int, daysInactive float64, hasHistory bool) int {
	decayed := clampScore(roundInt(float64(overall) * DecayFactor(daysInactive)))
	if hasHistory && decayed < 1 {
		return 1
	}
	return decayed
}

func roundInt(f float64) int {
	return int(math.Round(f))
}

func clampScore(n int) int {
	return max(0, min(100, n))
}
