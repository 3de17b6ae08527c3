package audit

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/mbd888/cadence/internal/idgen"
	"github.com/mbd888/cadence/internal/pagination"
)

// PostgresStore persists audit entries in PostgreSQL. The audit_log table
// has no UPDATE or DELETE path anywhere in the codebase.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed audit logger.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = idgen.WithPrefix("aud_")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var payload any
	if len(entry.Payload) > 0 {
		payload = []byte(entry.Payload)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, account_id, kind, payload, created_at)
		VALUES ($1, $2, $3, $4::JSONB, $5)`,
		entry.ID, entry.AccountID, string(entry.Kind), payload, entry.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Query(ctx context.Context, filter Filter) ([]*Entry, string, error) {
	cursor, err := pagination.Decode(filter.Cursor)
	if err != nil {
		return nil, "", err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT id, account_id, kind, payload, created_at
		FROM audit_log WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.AccountID != "" {
		query += ` AND account_id = ` + arg(filter.AccountID)
	}
	if filter.Kind != "" {
		query += ` AND kind = ` + arg(string(filter.Kind))
	}
	if !filter.From.IsZero() {
		query += ` AND created_at >= ` + arg(filter.From)
	}
	if !filter.To.IsZero() {
		query += ` AND created_at <= ` + arg(filter.To)
	}
	if cursor != nil {
		query += ` AND (created_at, id) < (` + arg(cursor.CreatedAt) + `, ` + arg(cursor.ID) + `)`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ` + arg(limit+1)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var payload []byte
		var kind string
		if err := rows.Scan(&e.ID, &e.AccountID, &kind, &payload, &e.CreatedAt); err != nil {
			return nil, "", err
		}
		e.Kind = Kind(kind)
		e.Payload = payload
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	page, next, _ := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}
