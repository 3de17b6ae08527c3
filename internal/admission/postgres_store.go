package admission

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbd888/cadence/internal/account"
)

// PostgresStore persists reservations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed reservation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create stores a new reservation.
func (s *PostgresStore) Create(ctx context.Context, r *Reservation) error {
	query := `
		INSERT INTO reservations (id, account_id, action_type, status, reserved_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.AccountID, string(r.ActionType), string(r.Status), r.ReservedAt, r.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create reservation: %w", err)
	}
	return nil
}

// Get returns a reservation by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Reservation, error) {
	query := `
		SELECT id, account_id, action_type, status, reserved_at, expires_at, resolved_at
		FROM reservations
		WHERE id = $1`

	r, err := scanReservation(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNoReservation
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return r, nil
}

// Update overwrites a reservation's status and resolution time.
func (s *PostgresStore) Update(ctx context.Context, r *Reservation) error {
	query := `
		UPDATE reservations
		SET status = $2, resolved_at = $3
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, r.ID, string(r.Status), nullTimePtr(r.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	if n == 0 {
		return ErrNoReservation
	}
	return nil
}

// CountPending returns pending, unexpired reservations per action type.
func (s *PostgresStore) CountPending(ctx context.Context, accountID string, now time.Time) (map[account.ActionType]int, error) {
	query := `
		SELECT action_type, COUNT(*)
		FROM reservations
		WHERE account_id = $1 AND status = 'pending' AND expires_at >= $2
		GROUP BY action_type`

	rows, err := s.db.QueryContext(ctx, query, accountID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending reservations: %w", err)
	}
	defer rows.Close()

	out := make(map[account.ActionType]int)
	for rows.Next() {
		var (
			action string
			count  int
		)
		if err := rows.Scan(&action, &count); err != nil {
			return nil, fmt.Errorf("failed to scan pending count: %w", err)
		}
		out[account.ActionType(action)] = count
	}
	return out, rows.Err()
}

// ListExpired returns pending reservations past their expiry.
func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Reservation, error) {
	query := `
		SELECT id, account_id, action_type, status, reserved_at, expires_at, resolved_at
		FROM reservations
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired reservations: %w", err)
	}
	defer rows.Close()

	var out []*Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*Reservation, error) {
	var (
		r        Reservation
		action   string
		status   string
		resolved sql.NullTime
	)
	err := row.Scan(&r.ID, &r.AccountID, &action, &status, &r.ReservedAt, &r.ExpiresAt, &resolved)
	if err != nil {
		return nil, err
	}
	r.ActionType = account.ActionType(action)
	r.Status = ReservationStatus(status)
	if resolved.Valid {
		t := resolved.Time
		r.ResolvedAt = &t
	}
	return &r, nil
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
