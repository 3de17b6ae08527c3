package account

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists accounts and metrics in PostgreSQL. Counter maps
// are stored as JSONB; the schema lives in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, acc *Account) error {
	metadata, err := json.Marshal(acc.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, platform, state, state_entered_at, proxy_id, fingerprint_id, manual_review, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		acc.ID, acc.Platform, string(acc.State), acc.StateEnteredAt,
		nullString(acc.ProxyID), nullString(acc.FingerprintID),
		acc.ManualReview, metadata, acc.CreatedAt, acc.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, platform, state, state_entered_at, proxy_id, fingerprint_id, manual_review, metadata, created_at, updated_at
		FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (p *PostgresStore) Update(ctx context.Context, acc *Account) error {
	metadata, err := json.Marshal(acc.Metadata)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE accounts
		SET state = $1, state_entered_at = $2, proxy_id = $3, fingerprint_id = $4, manual_review = $5, metadata = $6, updated_at = $7
		WHERE id = $8`,
		string(acc.State), acc.StateEnteredAt,
		nullString(acc.ProxyID), nullString(acc.FingerprintID),
		acc.ManualReview, metadata, acc.UpdatedAt, acc.ID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, platform, state, state_entered_at, proxy_id, fingerprint_id, manual_review, metadata, created_at, updated_at
		FROM accounts ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collectAccounts(rows)
}

func (p *PostgresStore) ListByState(ctx context.Context, state State, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, platform, state, state_entered_at, proxy_id, fingerprint_id, manual_review, metadata, created_at, updated_at
		FROM accounts WHERE state = $1 ORDER BY created_at ASC LIMIT $2`, string(state), limit)
	if err != nil {
		return nil, err
	}
	return collectAccounts(rows)
}

func (p *PostgresStore) GetMetrics(ctx context.Context, accountID string) (*ActionMetrics, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT account_id, performed, day, today, engagement, engagement_by_kind,
		       active_days, last_active_day, failed_attempts,
		       maturity, readiness, risk, risk_total, updated_at
		FROM action_metrics WHERE account_id = $1`, accountID)

	am := &ActionMetrics{}
	var performed, today, byKind, risk []byte
	var lastActive sql.NullString
	err := row.Scan(&am.AccountID, &performed, &am.Day, &today, &am.Engagement, &byKind,
		&am.ActiveDays, &lastActive, &am.FailedAttempts,
		&am.Maturity, &am.Readiness, &risk, &am.RiskTotal, &am.UpdatedAt)
	if err == sql.ErrNoRows {
		// Account without saved metrics reads as zeroed metrics.
		if _, err := p.Get(ctx, accountID); err != nil {
			return nil, err
		}
		return NewMetrics(accountID), nil
	}
	if err != nil {
		return nil, err
	}
	if lastActive.Valid {
		am.LastActiveDay = lastActive.String
	}
	if err := unmarshalCounters(performed, &am.Performed); err != nil {
		return nil, fmt.Errorf("corrupt performed counters for %s: %w", accountID, err)
	}
	if err := unmarshalCounters(today, &am.Today); err != nil {
		return nil, fmt.Errorf("corrupt today counters for %s: %w", accountID, err)
	}
	if len(byKind) > 0 {
		if err := json.Unmarshal(byKind, &am.EngagementByKind); err != nil {
			return nil, fmt.Errorf("corrupt engagement counters for %s: %w", accountID, err)
		}
	}
	if len(risk) > 0 {
		if err := json.Unmarshal(risk, &am.Risk); err != nil {
			return nil, fmt.Errorf("corrupt risk profile for %s: %w", accountID, err)
		}
	}
	return am, nil
}

func (p *PostgresStore) SaveMetrics(ctx context.Context, am *ActionMetrics) error {
	performed, err := json.Marshal(am.Performed)
	if err != nil {
		return err
	}
	today, err := json.Marshal(am.Today)
	if err != nil {
		return err
	}
	byKind, err := json.Marshal(am.EngagementByKind)
	if err != nil {
		return err
	}
	risk, err := json.Marshal(am.Risk)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO action_metrics (account_id, performed, day, today, engagement, engagement_by_kind,
		                            active_days, last_active_day, failed_attempts,
		                            maturity, readiness, risk, risk_total, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (account_id) DO UPDATE SET
			performed = EXCLUDED.performed,
			day = EXCLUDED.day,
			today = EXCLUDED.today,
			engagement = EXCLUDED.engagement,
			engagement_by_kind = EXCLUDED.engagement_by_kind,
			active_days = EXCLUDED.active_days,
			last_active_day = EXCLUDED.last_active_day,
			failed_attempts = EXCLUDED.failed_attempts,
			maturity = EXCLUDED.maturity,
			readiness = EXCLUDED.readiness,
			risk = EXCLUDED.risk,
			risk_total = EXCLUDED.risk_total,
			updated_at = EXCLUDED.updated_at`,
		am.AccountID, performed, am.Day, today, am.Engagement, byKind,
		am.ActiveDays, nullString(am.LastActiveDay), am.FailedAttempts,
		am.Maturity, am.Readiness, risk, am.RiskTotal, am.UpdatedAt,
	)
	return err
}

func scanAccount(row *sql.Row) (*Account, error) {
	acc := &Account{}
	var state string
	var proxy, fingerprint sql.NullString
	var metadata []byte
	err := row.Scan(&acc.ID, &acc.Platform, &state, &acc.StateEnteredAt,
		&proxy, &fingerprint, &acc.ManualReview, &metadata, &acc.CreatedAt, &acc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	acc.State = State(state)
	if proxy.Valid {
		acc.ProxyID = proxy.String
	}
	if fingerprint.Valid {
		acc.FingerprintID = fingerprint.String
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &acc.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata for account %s: %w", acc.ID, err)
		}
	}
	return acc, nil
}

func collectAccounts(rows *sql.Rows) ([]*Account, error) {
	defer func() { _ = rows.Close() }()

	var result []*Account
	for rows.Next() {
		acc := &Account{}
		var state string
		var proxy, fingerprint sql.NullString
		var metadata []byte
		if err := rows.Scan(&acc.ID, &acc.Platform, &state, &acc.StateEnteredAt,
			&proxy, &fingerprint, &acc.ManualReview, &metadata, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
			return nil, err
		}
		acc.State = State(state)
		if proxy.Valid {
			acc.ProxyID = proxy.String
		}
		if fingerprint.Valid {
			acc.FingerprintID = fingerprint.String
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &acc.Metadata); err != nil {
				return nil, fmt.Errorf("corrupt metadata for account %s: %w", acc.ID, err)
			}
		}
		result = append(result, acc)
	}
	return result, rows.Err()
}

func unmarshalCounters(raw []byte, dst *map[ActionType]int64) error {
	if len(raw) == 0 {
		*dst = make(map[ActionType]int64)
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
