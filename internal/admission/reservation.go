// Package admission is the two-phase gate in front of every account
// action.
//
// Callers first request admission; the bridge runs the full check chain
// (lifecycle allowance, risk lockout, daily budget, timing, security) and
// on success hands back a reservation that holds one unit of budget.
// After attempting the action the caller confirms the reservation with
// its outcome, which updates counters and scores. Reservations that are
// never confirmed expire and release their budget.
package admission

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/cadence/internal/account"
)

var (
	// ErrNoReservation means the reservation ID is unknown.
	ErrNoReservation = errors.New("reservation not found")

	// ErrAlreadyResolved means the reservation was already confirmed,
	// failed, or expired. Confirming twice is a caller contract violation.
	ErrAlreadyResolved = errors.New("reservation already resolved")

	// ErrReservationExpired means the reservation's validity window passed
	// before confirmation arrived.
	ErrReservationExpired = errors.New("reservation expired")
)

// ReservationStatus is the lifecycle of a single reservation.
type ReservationStatus string

const (
	StatusPending   ReservationStatus = "pending"
	StatusConfirmed ReservationStatus = "confirmed"
	StatusFailed    ReservationStatus = "failed"
	StatusExpired   ReservationStatus = "expired"
)

// Reservation is one admitted-but-unconfirmed action. While pending it
// counts against the account's daily budget for its action type.
type Reservation struct {
	ID         string             `json:"id"`
	AccountID  string             `json:"accountId"`
	ActionType account.ActionType `json:"actionType"`
	Status     ReservationStatus  `json:"status"`
	ReservedAt time.Time          `json:"reservedAt"`
	ExpiresAt  time.Time          `json:"expiresAt"`
	ResolvedAt *time.Time         `json:"resolvedAt,omitempty"`
}

// Store persists reservations.
type Store interface {
	Create(ctx context.Context, r *Reservation) error
	Get(ctx context.Context, id string) (*Reservation, error)
	Update(ctx context.Context, r *Reservation) error

	// CountPending returns pending reservations per action type for an
	// account, counting only reservations that have not passed expiry.
	CountPending(ctx context.Context, accountID string, now time.Time) (map[account.ActionType]int, error)

	// ListExpired returns pending reservations whose expiry has passed.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Reservation, error)
}
