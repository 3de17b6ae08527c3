package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/cadence/internal/account"
)

// PostgresStore persists pacing state in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed pacing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get returns the pacing state for a pair, or a fresh zero-valued state
// when the pair has never been saved.
func (s *PostgresStore) Get(ctx context.Context, accountID string, action account.ActionType) (*State, error) {
	query := `
		SELECT account_id, action_type, last_action, recent_gaps, run_length, updated_at
		FROM schedule_state
		WHERE account_id = $1 AND action_type = $2`

	var (
		st       State
		lastAct  sql.NullTime
		gapsJSON []byte
	)
	err := s.db.QueryRowContext(ctx, query, accountID, string(action)).Scan(
		&st.AccountID, &st.ActionType, &lastAct, &gapsJSON, &st.RunLength, &st.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return &State{AccountID: accountID, ActionType: action}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule state: %w", err)
	}

	if lastAct.Valid {
		st.LastAction = lastAct.Time
	}
	if len(gapsJSON) > 0 {
		if err := json.Unmarshal(gapsJSON, &st.RecentGaps); err != nil {
			return nil, fmt.Errorf("failed to decode gap history: %w", err)
		}
	}
	return &st, nil
}

// Save upserts the pacing state.
func (s *PostgresStore) Save(ctx context.Context, st *State) error {
	gapsJSON, err := json.Marshal(st.RecentGaps)
	if err != nil {
		return fmt.Errorf("failed to encode gap history: %w", err)
	}

	query := `
		INSERT INTO schedule_state (account_id, action_type, last_action, recent_gaps, run_length, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, action_type) DO UPDATE SET
			last_action = EXCLUDED.last_action,
			recent_gaps = EXCLUDED.recent_gaps,
			run_length = EXCLUDED.run_length,
			updated_at = EXCLUDED.updated_at`

	var lastAct sql.NullTime
	if !st.LastAction.IsZero() {
		lastAct = sql.NullTime{Time: st.LastAction, Valid: true}
	}
	updatedAt := st.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, query,
		st.AccountID, string(st.ActionType), lastAct, gapsJSON, st.RunLength, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save schedule state: %w", err)
	}
	return nil
}
