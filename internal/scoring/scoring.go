// Package scoring implements maturity, risk, and readiness scoring.
//
// Every confirmed action recomputes three numbers per account:
// maturity (how established the account's activity looks for its stage),
// risk (how likely the account is to draw platform attention), and
// readiness (fitness to advance). All functions here are pure and operate
// only on the inputs passed in, never on stored state.
package scoring

import "math"

// Maturity component weights (must sum to 1.0).
const (
	weightActionVolume = 0.30
	weightEngagement   = 0.30
	weightQuality      = 0.20
	weightConsistency  = 0.20
)

// Risk sub-score weights (must sum to 1.0).
const (
	weightShadowban   = 0.30
	weightCorrelation = 0.30
	weightFingerprint = 0.15
	weightBehavioral  = 0.15
	weightTiming      = 0.10
)

// Tier buckets aggregate risk for reporting and alerting. Gating logic
// uses the raw score, not the tier.
type Tier string

const (
	TierVeryLow  Tier = "very_low"
	TierLow      Tier = "low"
	TierMedium   Tier = "medium"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

// TierForScore maps an aggregate risk score to its tier.
func TierForScore(score float64) Tier {
	switch {
	case score < 0.3:
		return TierVeryLow
	case score < 0.5:
		return TierLow
	case score < 0.6:
		return TierMedium
	case score < 0.8:
		return TierHigh
	default:
		return TierCritical
	}
}

// RiskProfile holds the five independent risk sub-scores, each in [0,1].
// Total is a deterministic, order-independent function of the sub-scores:
// recomputing from the same inputs always yields the same aggregate.
type RiskProfile struct {
	Shadowban   float64 `json:"shadowban"`
	Correlation float64 `json:"correlation"`
	Fingerprint float64 `json:"fingerprint"`
	Behavioral  float64 `json:"behavioral"`
	Timing      float64 `json:"timing"`
}

// Total returns the weighted aggregate risk score in [0,1].
func (p RiskProfile) Total() float64 {
	score := p.Shadowban*weightShadowban +
		p.Correlation*weightCorrelation +
		p.Fingerprint*weightFingerprint +
		p.Behavioral*weightBehavioral +
		p.Timing*weightTiming
	return round3(clamp01(score))
}

// Tier returns the reporting tier for the aggregate score.
func (p RiskProfile) Tier() Tier {
	return TierForScore(p.Total())
}

// MaturityInputs carries the per-account metrics normalized against the
// expectations of the account's current lifecycle state.
type MaturityInputs struct {
	ActionsPerformed    int64
	ExpectedActions     int64 // what the current state considers "established"
	EngagementReceived  int64
	ExpectedEngagement  int64
	QualityRate         float64 // observed engagement per action
	ExpectedQualityRate float64
	ActiveDays          int
	DaysSinceCreation   int
}

// Maturity computes the weighted maturity score in [0,1].
func Maturity(in MaturityInputs) float64 {
	volume := ratio(in.ActionsPerformed, in.ExpectedActions)
	engagement := ratio(in.EngagementReceived, in.ExpectedEngagement)

	quality := 0.0
	if in.ExpectedQualityRate > 0 {
		quality = math.Min(1, in.QualityRate/in.ExpectedQualityRate)
	}

	consistency := 0.0
	if in.DaysSinceCreation > 0 {
		consistency = math.Min(1, float64(in.ActiveDays)/float64(in.DaysSinceCreation))
	}

	score := volume*weightActionVolume +
		engagement*weightEngagement +
		quality*weightQuality +
		consistency*weightConsistency
	return round3(clamp01(score))
}

// Readiness combines maturity and risk. Multiplying by (1 - risk) makes
// readiness collapse sharply as risk rises even with high maturity: risk
// dominates advancement decisions.
func Readiness(maturity, risk float64) float64 {
	return round3(clamp01(maturity) * (1 - clamp01(risk)))
}

// Shadowban minimum activity before the heuristic engages. Below this the
// account simply hasn't done enough for silence to mean anything.
const shadowbanMinActions = 30

// Shadowban estimates the shadowban sub-score from engagement received
// relative to actions performed: near-zero engagement despite non-trivial
// reach is the strongest signal a platform has quietly suppressed the
// account.
func Shadowban(actionsPerformed, engagementReceived int64) float64 {
	if actionsPerformed < shadowbanMinActions {
		return 0.0
	}
	rate := float64(engagementReceived) / float64(actionsPerformed)
	switch {
	case rate < 0.005:
		return 0.9
	case rate < 0.02:
		return 0.6
	case rate < 0.05:
		return 0.3
	default:
		return 0.0
	}
}

// CoefficientOfVariation returns stddev/mean for a series of inter-action
// gaps. Low values mean mechanical, evenly spaced activity; organic
// activity sits well above the regularity threshold. Returns 0 for fewer
// than two samples or a non-positive mean.
func CoefficientOfVariation(gaps []float64) float64 {
	if len(gaps) < 2 {
		return 0
	}
	var sum float64
	for _, g := range gaps {
		sum += g
	}
	mean := sum / float64(len(gaps))
	if mean <= 0 {
		return 0
	}
	var variance float64
	for _, g := range gaps {
		d := g - mean
		variance += d * d
	}
	variance /= float64(len(gaps))
	return math.Sqrt(variance) / mean
}

func ratio(have, want int64) float64 {
	if want <= 0 {
		return 0.0
	}
	return math.Min(1, float64(have)/float64(want))
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
