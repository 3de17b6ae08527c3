package account

import "time"

// State is a lifecycle stage. The forward chain is fixed; COOLDOWN is the
// recovery stage for the three mature states, PAUSED holds accounts for
// manual review, RETIRED is terminal.
type State string

const (
	StateCreated     State = "created"
	StateWarmupEarly State = "warmup_early"
	StateWarmupMid   State = "warmup_mid"
	StateWarmupLate  State = "warmup_late"
	StateSecured     State = "secured"
	StateActive      State = "active"
	StateScaling     State = "scaling"
	StateCooldown    State = "cooldown"
	StatePaused      State = "paused"
	StateRetired     State = "retired"
)

// forwardOrder is the advancement chain. COOLDOWN re-enters at SECURED,
// handled separately in NextForward.
var forwardOrder = []State{
	StateCreated,
	StateWarmupEarly,
	StateWarmupMid,
	StateWarmupLate,
	StateSecured,
	StateActive,
	StateScaling,
}

// NextForward returns the next state in the advancement chain, or "" if
// the account cannot advance from here.
func NextForward(s State) State {
	if s == StateCooldown {
		return StateSecured
	}
	for i, st := range forwardOrder {
		if st == s && i+1 < len(forwardOrder) {
			return forwardOrder[i+1]
		}
	}
	return ""
}

// PrevMature returns the one-step-backward state used by rollback.
// Only the mature states have a backward edge; SECURED drops to COOLDOWN.
func PrevMature(s State) State {
	switch s {
	case StateScaling:
		return StateActive
	case StateActive:
		return StateSecured
	case StateSecured:
		return StateCooldown
	}
	return ""
}

// IsMature reports whether s is one of the three post-warmup working states.
func IsMature(s State) bool {
	return s == StateSecured || s == StateActive || s == StateScaling
}

// IsTerminal reports whether no further automatic transition applies.
func (s State) IsTerminal() bool {
	return s == StateRetired
}

// GapConfig is the nominal inter-action gap for one action type: the
// scheduler draws around Mean with StdDev spread, clamped at ±3σ.
type GapConfig struct {
	Mean   time.Duration
	StdDev time.Duration
}

// Config is the per-state table entry. The state machine, scheduler, and
// admission bridge all read from this one table, so lifecycle behavior is
// data, not code.
type Config struct {
	// MinDwell is the minimum time in this state before a forward
	// transition may be attempted.
	MinDwell time.Duration

	// MinMaturity and MaxRisk gate forward transitions.
	MinMaturity float64
	MaxRisk     float64

	// DailyLimits caps confirmed actions per type per calendar day.
	// An absent action type means the state disallows it entirely.
	DailyLimits map[ActionType]int

	// Gaps configures scheduler pacing per action type.
	Gaps map[ActionType]GapConfig

	// ExpectedActions and ExpectedEngagement are the lifetime totals this
	// state treats as fully established (maturity normalization).
	ExpectedActions    int64
	ExpectedEngagement int64

	// ExpectedQualityRate is the engagement-per-action rate considered
	// healthy in this state.
	ExpectedQualityRate float64

	// MaxSessionsPerDay bounds distinct activity sessions per day.
	MaxSessionsPerDay int
}

func gap(mean, stddev time.Duration) GapConfig {
	return GapConfig{Mean: mean, StdDev: stddev}
}

// Configs is the lifecycle table. Earlier states have longer, wider gaps
// and tiny budgets; limits grow as the account proves itself.
var Configs = map[State]Config{
	StateCreated: {
		MinDwell:    24 * time.Hour,
		MinMaturity: 0.0,
		MaxRisk:     0.9,
		DailyLimits: map[ActionType]int{
			ActionView: 20,
		},
		Gaps: map[ActionType]GapConfig{
			ActionView: gap(20*time.Minute, 8*time.Minute),
		},
		ExpectedActions:     10,
		ExpectedEngagement:  0,
		ExpectedQualityRate: 0,
		MaxSessionsPerDay:   2,
	},
	StateWarmupEarly: {
		MinDwell:    3 * 24 * time.Hour,
		MinMaturity: 0.15,
		MaxRisk:     0.7,
		DailyLimits: map[ActionType]int{
			ActionView: 50,
			ActionLike: 10,
		},
		Gaps: map[ActionType]GapConfig{
			ActionView: gap(12*time.Minute, 5*time.Minute),
			ActionLike: gap(45*time.Minute, 18*time.Minute),
		},
		ExpectedActions:     60,
		ExpectedEngagement:  5,
		ExpectedQualityRate: 0.02,
		MaxSessionsPerDay:   3,
	},
	StateWarmupMid: {
		MinDwell:    4 * 24 * time.Hour,
		MinMaturity: 0.30,
		MaxRisk:     0.6,
		DailyLimits: map[ActionType]int{
			ActionView:   100,
			ActionLike:   25,
			ActionFollow: 10,
		},
		Gaps: map[ActionType]GapConfig{
			ActionView:   gap(8*time.Minute, 3*time.Minute),
			ActionLike:   gap(25*time.Minute, 10*time.Minute),
			ActionFollow: gap(70*time.Minute, 25*time.Minute),
		},
		ExpectedActions:     250,
		ExpectedEngagement:  30,
		ExpectedQualityRate: 0.03,
		MaxSessionsPerDay:   4,
	},
	StateWarmupLate: {
		MinDwell:    7 * 24 * time.Hour,
		MinMaturity: 0.45,
		MaxRisk:     0.55,
		DailyLimits: map[ActionType]int{
			ActionView:    150,
			ActionLike:    40,
			ActionFollow:  20,
			ActionComment: 5,
		},
		Gaps: map[ActionType]GapConfig{
			ActionView:    gap(6*time.Minute, 150*time.Second),
			ActionLike:    gap(18*time.Minute, 7*time.Minute),
			ActionFollow:  gap(40*time.Minute, 15*time.Minute),
			ActionComment: gap(2*time.Hour, 45*time.Minute),
		},
		ExpectedActions:     600,
		ExpectedEngagement:  100,
		ExpectedQualityRate: 0.04,
		MaxSessionsPerDay:   5,
	},
	StateSecured: {
		MinDwell:    7 * 24 * time.Hour,
		MinMaturity: 0.60,
		MaxRisk:     0.50,
		DailyLimits: map[ActionType]int{
			ActionView:    200,
			ActionLike:    60,
			ActionFollow:  30,
			ActionComment: 10,
			ActionPost:    1,
		},
		Gaps: map[ActionType]GapConfig{
			ActionView:    gap(5*time.Minute, 2*time.Minute),
			ActionLike:    gap(14*time.Minute, 5*time.Minute),
			ActionFollow:  gap(28*time.Minute, 10*time.Minute),
			ActionComment: gap(80*time.Minute, 30*time.Minute),
			ActionPost:    gap(20*time.Hour, 6*time.Hour),
		},
		ExpectedActions:     1200,
		ExpectedEngagement:  300,
		ExpectedQualityRate: 0.05,
		MaxSessionsPerDay:   6,
	},
	StateActive: {
		MinDwell:    14 * 24 * time.Hour,
		MinMaturity: 0.70,
		MaxRisk:     0.45,
		DailyLimits: map[ActionType]int{
			ActionView:    300,
			ActionLike:    90,
			ActionFollow:  40,
			ActionComment: 15,
			ActionPost:    2,
		},
		Gaps: map[ActionType]GapConfig{
			ActionView:    gap(4*time.Minute, 100*time.Second),
			ActionLike:    gap(10*time.Minute, 4*time.Minute),
			ActionFollow:  gap(20*time.Minute, 8*time.Minute),
			ActionComment: gap(55*time.Minute, 20*time.Minute),
			ActionPost:    gap(10*time.Hour, 3*time.Hour),
		},
		ExpectedActions:     2500,
		ExpectedEngagement:  800,
		ExpectedQualityRate: 0.06,
		MaxSessionsPerDay:   8,
	},
	StateScaling: {
		MinDwell:    0, // terminal forward state, nothing to advance to
		MinMaturity: 0.80,
		MaxRisk:     0.40,
		DailyLimits: map[ActionType]int{
			ActionView:    500,
			ActionLike:    150,
			ActionFollow:  60,
			ActionComment: 25,
			ActionPost:    4,
		},
		Gaps: map[ActionType]GapConfig{
			ActionView:    gap(3*time.Minute, 80*time.Second),
			ActionLike:    gap(7*time.Minute, 3*time.Minute),
			ActionFollow:  gap(15*time.Minute, 6*time.Minute),
			ActionComment: gap(35*time.Minute, 14*time.Minute),
			ActionPost:    gap(6*time.Hour, 2*time.Hour),
		},
		ExpectedActions:     5000,
		ExpectedEngagement:  2000,
		ExpectedQualityRate: 0.07,
		MaxSessionsPerDay:   10,
	},
	StateCooldown: {
		MinDwell:    3 * 24 * time.Hour,
		MinMaturity: 0.50,
		MaxRisk:     0.45,
		DailyLimits: map[ActionType]int{
			ActionView: 30,
			ActionLike: 5,
		},
		Gaps: map[ActionType]GapConfig{
			ActionView: gap(25*time.Minute, 10*time.Minute),
			ActionLike: gap(90*time.Minute, 35*time.Minute),
		},
		ExpectedActions:     200,
		ExpectedEngagement:  30,
		ExpectedQualityRate: 0.03,
		MaxSessionsPerDay:   2,
	},
	// PAUSED and RETIRED allow nothing; absent limit maps deny all actions.
	StatePaused:  {},
	StateRetired: {},
}

// ConfigFor returns the table entry for a state. Unknown states get the
// empty config, which denies everything.
func ConfigFor(s State) Config {
	return Configs[s]
}

// DailyLimit returns the state's daily cap for an action type; 0 means
// the action is disallowed in this state.
func (c Config) DailyLimit(t ActionType) int {
	return c.DailyLimits[t]
}

// GapFor returns the pacing config for an action type and whether the
// state defines one.
func (c Config) GapFor(t ActionType) (GapConfig, bool) {
	g, ok := c.Gaps[t]
	return g, ok
}
