package correlator

import (
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/cadence/internal/scoring"
)

// Config tunes the correlator's checks.
type Config struct {
	MaxAccountsPerProxy       int
	MaxAccountsPerFingerprint int
	BurstActionsPerMinute     int
	RegularityThreshold       float64 // minimum healthy CV of inter-action gaps

	// ResetOnReassign clears an account's timing history when one of its
	// resources is swapped. Off by default: history carries over.
	ResetOnReassign bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAccountsPerProxy:       10,
		MaxAccountsPerFingerprint: 3,
		BurstActionsPerMinute:     5,
		RegularityThreshold:       0.3,
	}
}

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Name   string  `json:"name"`
	Passed bool    `json:"passed"`
	Score  float64 `json:"score"` // risk sub-score in [0,1], 0 when passed
	Reason string  `json:"reason,omitempty"`
}

// Report aggregates all checks for one account.
type Report struct {
	Passed  bool          `json:"passed"`
	Tier    scoring.Tier  `json:"tier"`
	Checks  []CheckResult `json:"checks"`
	Failed  []string      `json:"failed,omitempty"`
	Scores  SubScores     `json:"scores"`
	Checked time.Time     `json:"checked"`
}

// SubScores are the risk-profile inputs the correlator owns.
type SubScores struct {
	Correlation float64 `json:"correlation"` // proxy sharing
	Fingerprint float64 `json:"fingerprint"` // fingerprint sharing
	Timing      float64 `json:"timing"`      // cadence regularity
}

const (
	historyWindow  = 24 * time.Hour
	maxHistorySize = 500
	minGapsForCV   = 5
	sessionGap     = 30 * time.Minute
)

// Correlator evaluates shared-resource and timing signals per account.
// Action history is an in-memory sliding window per account, pruned to
// the last 24 hours.
type Correlator struct {
	registry *Registry
	cfg      Config
	history  sync.Map // map[string]*accountHistory
}

type accountHistory struct {
	mu         sync.Mutex
	timestamps []time.Time
	sessionDay string
	sessions   int
}

// New creates a correlator over the given registry.
func New(registry *Registry, cfg Config) *Correlator {
	return &Correlator{registry: registry, cfg: cfg}
}

// Registry exposes the underlying resource registry.
func (c *Correlator) Registry() *Registry {
	return c.registry
}

// RecordAction appends a confirmed action timestamp to the account's
// sliding window and counts a new session if the gap since the previous
// action exceeds the session boundary.
func (c *Correlator) RecordAction(accountID string, at time.Time) {
	h := c.getHistory(accountID)
	h.mu.Lock()
	defer h.mu.Unlock()

	day := at.UTC().Format("2006-01-02")
	if h.sessionDay != day {
		h.sessionDay = day
		h.sessions = 0
	}
	if n := len(h.timestamps); n == 0 || at.Sub(h.timestamps[n-1]) > sessionGap {
		h.sessions++
	}

	h.timestamps = append(h.timestamps, at)
	c.pruneLocked(h, at)
}

// Reassign swaps an account's resource handle, optionally resetting its
// timing history per config.
func (c *Correlator) Reassign(accountID string, kind ResourceKind, newID string) {
	c.registry.Reassign(accountID, kind, newID)
	if c.cfg.ResetOnReassign {
		c.history.Delete(accountID)
	}
}

// CheckResourceOveruse fails when too many accounts share either of the
// account's resources.
func (c *Correlator) CheckResourceOveruse(accountID string) (proxy, fingerprint CheckResult) {
	proxy = c.overuse(accountID, ResourceProxy, c.cfg.MaxAccountsPerProxy, "proxy_overuse")
	fingerprint = c.overuse(accountID, ResourceFingerprint, c.cfg.MaxAccountsPerFingerprint, "fingerprint_overuse")
	return proxy, fingerprint
}

func (c *Correlator) overuse(accountID string, kind ResourceKind, max int, name string) CheckResult {
	count := c.registry.SharingCount(accountID, kind)
	if count <= max {
		return CheckResult{Name: name, Passed: true}
	}
	// Scale the sub-score with how far past the limit the sharing goes.
	over := float64(count-max) / float64(max)
	score := 0.5 + 0.5*minf(over, 1)
	return CheckResult{
		Name:   name,
		Passed: false,
		Score:  score,
		Reason: fmt.Sprintf("%s shared by %d accounts (max %d)", kind, count, max),
	}
}

// CheckTimingRegularity fails when the coefficient of variation of recent
// inter-action gaps drops below the regularity threshold. Evenly spaced
// actions are the classic automation tell.
func (c *Correlator) CheckTimingRegularity(accountID string) CheckResult {
	gaps := c.recentGaps(accountID)
	if len(gaps) < minGapsForCV {
		return CheckResult{Name: "timing_regularity", Passed: true}
	}
	cv := scoring.CoefficientOfVariation(gaps)
	if cv >= c.cfg.RegularityThreshold {
		return CheckResult{Name: "timing_regularity", Passed: true}
	}
	// CV of 0 (perfectly mechanical) scores 1.0, threshold scores ~0.5.
	score := 0.5 + 0.5*(c.cfg.RegularityThreshold-cv)/c.cfg.RegularityThreshold
	return CheckResult{
		Name:   "timing_regularity",
		Passed: false,
		Score:  minf(score, 1),
		Reason: fmt.Sprintf("gap variation %.3f below threshold %.2f", cv, c.cfg.RegularityThreshold),
	}
}

// CheckRate fails when the account exceeded the burst threshold in the
// last minute.
func (c *Correlator) CheckRate(accountID string, now time.Time) CheckResult {
	h := c.getHistory(accountID)
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := now.Add(-time.Minute)
	recent := 0
	for i := len(h.timestamps) - 1; i >= 0; i-- {
		if h.timestamps[i].Before(cutoff) {
			break
		}
		recent++
	}
	if recent <= c.cfg.BurstActionsPerMinute {
		return CheckResult{Name: "rate_limit", Passed: true}
	}
	return CheckResult{
		Name:   "rate_limit",
		Passed: false,
		Score:  0.8,
		Reason: fmt.Sprintf("%d actions in the last minute (max %d)", recent, c.cfg.BurstActionsPerMinute),
	}
}

// CheckSessionFrequency fails when today's session count exceeds the
// platform ceiling for the account's state.
func (c *Correlator) CheckSessionFrequency(accountID string, maxSessions int, now time.Time) CheckResult {
	if maxSessions <= 0 {
		return CheckResult{Name: "session_frequency", Passed: true}
	}
	h := c.getHistory(accountID)
	h.mu.Lock()
	defer h.mu.Unlock()

	day := now.UTC().Format("2006-01-02")
	sessions := 0
	if h.sessionDay == day {
		sessions = h.sessions
	}
	if sessions <= maxSessions {
		return CheckResult{Name: "session_frequency", Passed: true}
	}
	return CheckResult{
		Name:   "session_frequency",
		Passed: false,
		Score:  0.6,
		Reason: fmt.Sprintf("%d sessions today (max %d)", sessions, maxSessions),
	}
}

// RunFullCheck aggregates all checks into one report. The bridge consults
// this before admitting an action; the sub-scores flow into the account's
// risk profile on confirmation.
func (c *Correlator) RunFullCheck(accountID string, maxSessions int, now time.Time) *Report {
	proxy, fingerprint := c.CheckResourceOveruse(accountID)
	timing := c.CheckTimingRegularity(accountID)
	rate := c.CheckRate(accountID, now)
	sessionFreq := c.CheckSessionFrequency(accountID, maxSessions, now)

	checks := []CheckResult{proxy, fingerprint, timing, rate, sessionFreq}

	report := &Report{
		Passed:  true,
		Checks:  checks,
		Checked: now,
		Scores: SubScores{
			Correlation: proxy.Score,
			Fingerprint: fingerprint.Score,
			Timing:      maxf(timing.Score, rate.Score, sessionFreq.Score),
		},
	}
	for _, ch := range checks {
		if !ch.Passed {
			report.Passed = false
			report.Failed = append(report.Failed, ch.Reason)
		}
	}

	// Tier reflects only the correlator-owned sub-scores; the full risk
	// profile folds in shadowban and behavioral signals elsewhere.
	partial := scoring.RiskProfile{
		Correlation: report.Scores.Correlation,
		Fingerprint: report.Scores.Fingerprint,
		Timing:      report.Scores.Timing,
	}
	report.Tier = partial.Tier()

	return report
}

func (c *Correlator) getHistory(accountID string) *accountHistory {
	v, _ := c.history.LoadOrStore(accountID, &accountHistory{})
	return v.(*accountHistory)
}

// recentGaps returns inter-action gaps in seconds for the sliding window.
func (c *Correlator) recentGaps(accountID string) []float64 {
	h := c.getHistory(accountID)
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.timestamps) < 2 {
		return nil
	}
	gaps := make([]float64, 0, len(h.timestamps)-1)
	for i := 1; i < len(h.timestamps); i++ {
		gaps = append(gaps, h.timestamps[i].Sub(h.timestamps[i-1]).Seconds())
	}
	return gaps
}

// pruneLocked drops entries older than the window and caps size.
// Caller holds h.mu.
func (c *Correlator) pruneLocked(h *accountHistory, now time.Time) {
	cutoff := now.Add(-historyWindow)
	start := 0
	for start < len(h.timestamps) && h.timestamps[start].Before(cutoff) {
		start++
	}
	if start > 0 {
		h.timestamps = h.timestamps[start:]
	}
	if len(h.timestamps) > maxHistorySize {
		h.timestamps = h.timestamps[len(h.timestamps)-maxHistorySize:]
	}
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(vals ...float64) float64 {
	m := 0.0
	for _, v := range vals {
		if v > m {
			m = v
		}
	}
	return m
}
