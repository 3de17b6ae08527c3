package account

import "testing"

func TestNextForward(t *testing.T) {
	chain := []State{
		StateCreated, StateWarmupEarly, StateWarmupMid, StateWarmupLate,
		StateSecured, StateActive, StateScaling,
	}
	for i := 0; i < len(chain)-1; i++ {
		if got := NextForward(chain[i]); got != chain[i+1] {
			t.Errorf("NextForward(%s) = %s, want %s", chain[i], got, chain[i+1])
		}
	}

	if got := NextForward(StateScaling); got != "" {
		t.Errorf("NextForward(scaling) = %s, want none", got)
	}
	if got := NextForward(StateCooldown); got != StateSecured {
		t.Errorf("NextForward(cooldown) = %s, want secured", got)
	}
	if got := NextForward(StatePaused); got != "" {
		t.Errorf("NextForward(paused) = %s, want none", got)
	}
	if got := NextForward(StateRetired); got != "" {
		t.Errorf("NextForward(retired) = %s, want none", got)
	}
}

func TestPrevMature(t *testing.T) {
	tests := []struct {
		from, want State
	}{
		{StateScaling, StateActive},
		{StateActive, StateSecured},
		{StateSecured, StateCooldown},
		{StateWarmupMid, ""},
		{StateCreated, ""},
	}
	for _, tt := range tests {
		if got := PrevMature(tt.from); got != tt.want {
			t.Errorf("PrevMature(%s) = %s, want %s", tt.from, got, tt.want)
		}
	}
}

func TestConfigsGrowWithMaturity(t *testing.T) {
	// Daily view limits must be monotonically non-decreasing along the
	// forward chain; the whole design is earn-more-by-proving-yourself.
	chain := []State{
		StateCreated, StateWarmupEarly, StateWarmupMid, StateWarmupLate,
		StateSecured, StateActive, StateScaling,
	}
	prev := 0
	for _, s := range chain {
		limit := ConfigFor(s).DailyLimit(ActionView)
		if limit < prev {
			t.Errorf("view limit shrinks at %s: %d < %d", s, limit, prev)
		}
		prev = limit
	}
}

func TestConfigsPausedRetiredDenyAll(t *testing.T) {
	for _, s := range []State{StatePaused, StateRetired} {
		cfg := ConfigFor(s)
		for _, a := range AllActionTypes {
			if cfg.DailyLimit(a) != 0 {
				t.Errorf("%s should deny %s", s, a)
			}
		}
	}
}

func TestEveryLimitedActionHasGapConfig(t *testing.T) {
	// An action with a budget but no pacing would be unschedulable.
	for state, cfg := range Configs {
		for action := range cfg.DailyLimits {
			if _, ok := cfg.GapFor(action); !ok {
				t.Errorf("%s allows %s but defines no gap", state, action)
			}
		}
	}
}

func TestGapStdDevBelowMean(t *testing.T) {
	// A stddev at or above the mean would make draws mostly clamp noise.
	for state, cfg := range Configs {
		for action, g := range cfg.Gaps {
			if g.StdDev >= g.Mean {
				t.Errorf("%s/%s: stddev %s >= mean %s", state, action, g.StdDev, g.Mean)
			}
		}
	}
}

func TestIsMature(t *testing.T) {
	for _, s := range []State{StateSecured, StateActive, StateScaling} {
		if !IsMature(s) {
			t.Errorf("IsMature(%s) = false", s)
		}
	}
	for _, s := range []State{StateCreated, StateWarmupLate, StateCooldown, StatePaused, StateRetired} {
		if IsMature(s) {
			t.Errorf("IsMature(%s) = true", s)
		}
	}
	if StatePaused.IsTerminal() {
		t.Error("paused is not terminal")
	}
	if !StateRetired.IsTerminal() {
		t.Error("retired is terminal")
	}
}
