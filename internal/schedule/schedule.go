// Package schedule paces actions with human-plausible timing.
//
// Each (account, action type) pair gets a next-allowed time drawn from a
// gaussian around the state's nominal gap, with occasional micro-breaks,
// rare long breaks, and a nightly sleep window. Draws come from a
// per-account seeded generator so a replay with the same seed produces
// the same cadence.
package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/cadence/internal/account"
)

// ErrActionNotPaced means the account's current state defines no gap for
// the action type, so it cannot be scheduled at all.
var ErrActionNotPaced = errors.New("action type not paced in current state")

// gapHistorySize caps the per-pair gap history used for variation checks.
const gapHistorySize = 20

// runResetGap ends a run of consecutive actions; gaps longer than this
// start a fresh run for long-break accounting.
const runResetGap = 30 * time.Minute

// State is the persisted pacing record for one (account, action) pair.
type State struct {
	AccountID  string             `json:"accountId"`
	ActionType account.ActionType `json:"actionType"`

	// LastAction is the time of the most recent confirmed action, zero if
	// the pair has never acted.
	LastAction time.Time `json:"lastAction"`

	// RecentGaps holds the last gapHistorySize inter-action gaps in
	// seconds, oldest first.
	RecentGaps []float64 `json:"recentGaps"`

	// RunLength counts consecutive actions without a run-resetting pause.
	RunLength int `json:"runLength"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists pacing state.
type Store interface {
	// Get returns the pacing state for a pair, or a fresh zero-valued
	// state if the pair has never acted.
	Get(ctx context.Context, accountID string, action account.ActionType) (*State, error)

	// Save upserts the pacing state.
	Save(ctx context.Context, st *State) error
}
