package schedule

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mbd888/cadence/internal/account"
	"github.com/mbd888/cadence/internal/scoring"
)

// Config tunes the scheduler's humanizing behavior.
type Config struct {
	// SleepStartHour and SleepEndHour bound the nightly no-action window
	// (UTC hours). Start > End means the window wraps midnight.
	SleepStartHour int
	SleepEndHour   int

	// RegularityThreshold is the minimum coefficient of variation a drawn
	// gap must preserve once enough history exists.
	RegularityThreshold float64

	// Seed is mixed into each account's generator. Zero derives seeds
	// from account IDs alone.
	Seed int64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SleepStartHour:      23,
		SleepEndHour:        7,
		RegularityThreshold: 0.3,
	}
}

const (
	microBreakProb = 0.10
	longBreakProb  = 0.02
	longBreakRun   = 8
	cvRetryBudget  = 5
	minGapsForCV   = 5
)

// Scheduler computes next-allowed times and records confirmed actions.
type Scheduler struct {
	store  Store
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	rngs map[string]*rand.Rand
}

// New creates a scheduler over the given store.
func New(store Store, cfg Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		cfg:    cfg,
		logger: logger,
		rngs:   make(map[string]*rand.Rand),
	}
}

// NextAllowedTime returns the earliest time the account may perform the
// action in its current state. A zero LastAction means the pair has never
// acted and the action is allowed immediately, subject only to the sleep
// window.
func (s *Scheduler) NextAllowedTime(ctx context.Context, acc *account.Account, action account.ActionType, now time.Time) (time.Time, error) {
	cfg := account.ConfigFor(acc.State)
	gapCfg, ok := cfg.GapFor(action)
	if !ok {
		return time.Time{}, ErrActionNotPaced
	}

	st, err := s.store.Get(ctx, acc.ID, action)
	if err != nil {
		return time.Time{}, err
	}
	if st.LastAction.IsZero() {
		return s.pushPastSleep(now, acc.ID), nil
	}

	gap := s.drawGap(acc.ID, gapCfg, st)
	next := st.LastAction.Add(gap)
	if next.Before(now) {
		next = now
	}
	return s.pushPastSleep(next, acc.ID), nil
}

// RecordAction updates pacing state after a confirmed action.
func (s *Scheduler) RecordAction(ctx context.Context, accountID string, action account.ActionType, at time.Time) error {
	st, err := s.store.Get(ctx, accountID, action)
	if err != nil {
		return err
	}

	if !st.LastAction.IsZero() {
		gap := at.Sub(st.LastAction)
		st.RecentGaps = append(st.RecentGaps, gap.Seconds())
		if len(st.RecentGaps) > gapHistorySize {
			st.RecentGaps = st.RecentGaps[len(st.RecentGaps)-gapHistorySize:]
		}
		if gap > runResetGap {
			st.RunLength = 0
		}
	}
	st.AccountID = accountID
	st.ActionType = action
	st.LastAction = at
	st.RunLength++
	st.UpdatedAt = at

	return s.store.Save(ctx, st)
}

// drawGap samples the next inter-action gap: gaussian around the state's
// nominal mean, clamped at three standard deviations, occasionally
// stretched by a micro-break or a long break, and redrawn when the result
// would make the account's cadence too regular.
func (s *Scheduler) drawGap(accountID string, gc account.GapConfig, st *State) time.Duration {
	rng := s.rngFor(accountID)

	s.mu.Lock()
	defer s.mu.Unlock()

	var gap time.Duration
	for attempt := 0; attempt <= cvRetryBudget; attempt++ {
		gap = gaussianGap(rng, gc)

		if rng.Float64() < microBreakProb {
			// A short walk away from the device.
			gap += time.Duration((3 + rng.Float64()*12) * float64(time.Minute))
		}
		if st.RunLength >= longBreakRun && rng.Float64() < longBreakProb {
			gap += time.Duration((1 + rng.Float64()*2) * float64(time.Hour))
		}

		if s.preservesVariation(gap, st) {
			return gap
		}
	}

	// Retry budget spent: stretch the last draw by a random factor so the
	// series regains spread instead of marching in lockstep.
	gap += time.Duration(rng.Float64() * float64(gc.StdDev) * 2)
	if s.logger != nil {
		s.logger.Debug("gap widened after regularity retries",
			"account_id", accountID, "gap", gap)
	}
	return gap
}

// preservesVariation reports whether appending the candidate gap keeps the
// coefficient of variation at or above the regularity floor. With little
// history any draw is fine.
func (s *Scheduler) preservesVariation(gap time.Duration, st *State) bool {
	if len(st.RecentGaps) < minGapsForCV {
		return true
	}
	gaps := make([]float64, 0, len(st.RecentGaps)+1)
	gaps = append(gaps, st.RecentGaps...)
	gaps = append(gaps, gap.Seconds())
	return scoring.CoefficientOfVariation(gaps) >= s.cfg.RegularityThreshold
}

// pushPastSleep moves a time that falls inside the nightly sleep window to
// shortly after it ends, with a little jitter so accounts don't all wake
// at the same instant.
func (s *Scheduler) pushPastSleep(t time.Time, accountID string) time.Time {
	if !s.inSleepWindow(t) {
		return t
	}
	rng := s.rngFor(accountID)

	end := time.Date(t.Year(), t.Month(), t.Day(), s.cfg.SleepEndHour, 0, 0, 0, t.Location())
	if !end.After(t) {
		end = end.Add(24 * time.Hour)
	}

	s.mu.Lock()
	jitter := time.Duration(rng.Float64() * float64(45*time.Minute))
	s.mu.Unlock()
	return end.Add(jitter)
}

// inSleepWindow reports whether t's hour falls in the configured window,
// handling windows that wrap midnight.
func (s *Scheduler) inSleepWindow(t time.Time) bool {
	start, end := s.cfg.SleepStartHour, s.cfg.SleepEndHour
	if start == end {
		return false
	}
	h := t.Hour()
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

// rngFor returns the account's deterministic generator, created on first
// use from the account ID and the configured seed.
func (s *Scheduler) rngFor(accountID string) *rand.Rand {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rng, ok := s.rngs[accountID]; ok {
		return rng
	}
	h := fnv.New64a()
	h.Write([]byte(accountID))
	seed := h.Sum64()
	rng := rand.New(rand.NewPCG(seed, uint64(s.cfg.Seed)))
	s.rngs[accountID] = rng
	return rng
}

// gaussianGap draws around the nominal mean, clamped to three standard
// deviations on both sides and never below one second.
func gaussianGap(rng *rand.Rand, gc account.GapConfig) time.Duration {
	mean := float64(gc.Mean)
	stddev := float64(gc.StdDev)

	g := rng.NormFloat64()*stddev + mean
	lo, hi := mean-3*stddev, mean+3*stddev
	if g < lo {
		g = lo
	}
	if g > hi {
		g = hi
	}
	if g < float64(time.Second) {
		g = float64(time.Second)
	}
	return time.Duration(g)
}
