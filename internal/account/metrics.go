package account

import (
	"time"

	"github.com/mbd888/cadence/internal/scoring"
)

// DayKey formats a timestamp as the UTC calendar day used for daily
// counters. Absence of today's counters is equivalent to a full budget,
// so no reset job is needed; a new day simply reads as zero.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ActionMetrics holds the mutable per-account counters the scorer reads.
// Updated exclusively through the admission bridge's confirmation path.
type ActionMetrics struct {
	AccountID string `json:"accountId"`

	// Lifetime confirmed actions per type.
	Performed map[ActionType]int64 `json:"performed"`

	// Confirmed actions per type for Day. Stale Day means the counters
	// are from a previous day and read as zero.
	Day   string               `json:"day"`
	Today map[ActionType]int64 `json:"today"`

	// Engagement received, total and per engagement kind.
	Engagement       int64            `json:"engagement"`
	EngagementByKind map[string]int64 `json:"engagementByKind,omitempty"`

	// ActiveDays counts distinct days with at least one confirmed action.
	ActiveDays    int    `json:"activeDays"`
	LastActiveDay string `json:"lastActiveDay,omitempty"`

	// Failed attempts feed behavioral risk.
	FailedAttempts int64 `json:"failedAttempts"`

	// Derived scores, recomputed on every confirmation.
	Maturity  float64             `json:"maturity"`
	Readiness float64             `json:"readiness"`
	Risk      scoring.RiskProfile `json:"risk"`
	RiskTotal float64             `json:"riskTotal"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// NewMetrics returns zeroed metrics for a new account.
func NewMetrics(accountID string) *ActionMetrics {
	return &ActionMetrics{
		AccountID: accountID,
		Performed: make(map[ActionType]int64),
		Today:     make(map[ActionType]int64),
	}
}

// TotalPerformed returns lifetime confirmed actions across all types.
func (m *ActionMetrics) TotalPerformed() int64 {
	var total int64
	for _, n := range m.Performed {
		total += n
	}
	return total
}

// ConfirmedToday returns today's confirmed count for an action type.
// Counters from a previous day read as zero.
func (m *ActionMetrics) ConfirmedToday(t ActionType, now time.Time) int64 {
	if m.Day != DayKey(now) {
		return 0
	}
	return m.Today[t]
}

// RecordAction increments the lifetime and daily counters for a confirmed
// action, rolling the daily counters over on day change.
func (m *ActionMetrics) RecordAction(t ActionType, now time.Time) {
	if m.Performed == nil {
		m.Performed = make(map[ActionType]int64)
	}
	m.Performed[t]++

	day := DayKey(now)
	if m.Day != day {
		m.Day = day
		m.Today = make(map[ActionType]int64)
	}
	m.Today[t]++

	if m.LastActiveDay != day {
		m.LastActiveDay = day
		m.ActiveDays++
	}
	m.UpdatedAt = now
}

// RecordEngagement adds received engagement of the given kind.
func (m *ActionMetrics) RecordEngagement(kind string, count int64, now time.Time) {
	if count <= 0 {
		return
	}
	m.Engagement += count
	if kind != "" {
		if m.EngagementByKind == nil {
			m.EngagementByKind = make(map[string]int64)
		}
		m.EngagementByKind[kind] += count
	}
	m.UpdatedAt = now
}

// RecordFailure counts a failed attempt for behavioral risk accounting.
func (m *ActionMetrics) RecordFailure(now time.Time) {
	m.FailedAttempts++
	m.UpdatedAt = now
}

// FailureRate returns failed attempts relative to all attempts.
func (m *ActionMetrics) FailureRate() float64 {
	total := m.TotalPerformed() + m.FailedAttempts
	if total == 0 {
		return 0
	}
	return float64(m.FailedAttempts) / float64(total)
}

// MaturityFor computes the maturity score for an account in its current
// state, normalizing metrics against the state's expectations.
func MaturityFor(acc *Account, m *ActionMetrics, now time.Time) float64 {
	cfg := ConfigFor(acc.State)

	quality := 0.0
	if total := m.TotalPerformed(); total > 0 {
		quality = float64(m.Engagement) / float64(total)
	}

	return scoring.Maturity(scoring.MaturityInputs{
		ActionsPerformed:    m.TotalPerformed(),
		ExpectedActions:     cfg.ExpectedActions,
		EngagementReceived:  m.Engagement,
		ExpectedEngagement:  cfg.ExpectedEngagement,
		QualityRate:         quality,
		ExpectedQualityRate: cfg.ExpectedQualityRate,
		ActiveDays:          m.ActiveDays,
		DaysSinceCreation:   acc.DaysSinceCreation(now),
	})
}
