// Package account owns the managed accounts and their lifecycle.
//
// An account progresses CREATED → WARMUP_EARLY → WARMUP_MID → WARMUP_LATE →
// SECURED → ACTIVE → SCALING, with COOLDOWN as the recovery stage for the
// mature states and PAUSED/RETIRED as the safety path. Each state carries
// its own action limits, pacing, and advancement thresholds; the Machine
// is the only code allowed to move an account between states.
package account

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAccountNotFound = errors.New("account: not found")
	ErrMetricsNotFound = errors.New("account: metrics not found")
)

// ActionType identifies one kind of platform action an account can perform.
type ActionType string

const (
	ActionView    ActionType = "view"
	ActionLike    ActionType = "like"
	ActionFollow  ActionType = "follow"
	ActionComment ActionType = "comment"
	ActionPost    ActionType = "post"
)

// AllActionTypes lists every known action type.
var AllActionTypes = []ActionType{ActionView, ActionLike, ActionFollow, ActionComment, ActionPost}

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionView, ActionLike, ActionFollow, ActionComment, ActionPost:
		return true
	}
	return false
}

// Account is one managed actor. It is created once, never duplicated, and
// moves to RETIRED rather than being deleted so its history survives.
// Mutation happens only through validated Machine transitions.
type Account struct {
	ID             string            `json:"id"`
	Platform       string            `json:"platform"`
	State          State             `json:"state"`
	StateEnteredAt time.Time         `json:"stateEnteredAt"`
	ProxyID        string            `json:"proxyId,omitempty"`
	FingerprintID  string            `json:"fingerprintId,omitempty"`
	ManualReview   bool              `json:"manualReview,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// DaysSinceCreation returns whole days since the account was created,
// minimum 1 so day-one accounts don't divide by zero.
func (a *Account) DaysSinceCreation(now time.Time) int {
	days := int(now.Sub(a.CreatedAt).Hours() / 24)
	if days < 1 {
		return 1
	}
	return days
}

// Dwell returns how long the account has been in its current state.
func (a *Account) Dwell(now time.Time) time.Duration {
	return now.Sub(a.StateEnteredAt)
}

// Store persists accounts and their action metrics.
type Store interface {
	Create(ctx context.Context, acc *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	Update(ctx context.Context, acc *Account) error
	List(ctx context.Context, limit int) ([]*Account, error)
	ListByState(ctx context.Context, state State, limit int) ([]*Account, error)

	GetMetrics(ctx context.Context, accountID string) (*ActionMetrics, error)
	SaveMetrics(ctx context.Context, m *ActionMetrics) error
}
