//go:build integration

package admission

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/cadence/internal/account"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		t.Fatalf("Failed to set dialect: %v", err)
	}
	if err := goose.Up(db, "../../migrations"); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	ctx := context.Background()

	// Reservations reference accounts, so seed one row to hang them off.
	now := time.Now().UTC()
	_, err = db.ExecContext(ctx, `
		INSERT INTO accounts (id, platform, state, state_entered_at, manual_review, created_at, updated_at)
		VALUES ('acct_rsvtest', 'instagram', 'active', $1, FALSE, $1, $1)
		ON CONFLICT (id) DO NOTHING`, now)
	if err != nil {
		t.Fatalf("Failed to seed account: %v", err)
	}

	cleanup := func() {
		db.ExecContext(ctx, "DELETE FROM reservations")
		db.ExecContext(ctx, "DELETE FROM accounts WHERE id = 'acct_rsvtest'")
		db.Close()
	}

	return NewPostgresStore(db), cleanup
}

func TestPostgresReservation_CreateAndGet(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	r := &Reservation{
		ID:         "rsv_pgtest1",
		AccountID:  "acct_rsvtest",
		ActionType: account.ActionView,
		Status:     StatusPending,
		ReservedAt: now,
		ExpiresAt:  now.Add(5 * time.Minute),
	}
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "rsv_pgtest1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.AccountID != "acct_rsvtest" || got.ActionType != account.ActionView {
		t.Errorf("got %s/%s", got.AccountID, got.ActionType)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
	if got.ResolvedAt != nil {
		t.Errorf("ResolvedAt = %v, want nil", got.ResolvedAt)
	}
	if !got.ExpiresAt.Equal(r.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, r.ExpiresAt)
	}
}

func TestPostgresReservation_GetMissing(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	if _, err := store.Get(context.Background(), "rsv_nope"); err != ErrNoReservation {
		t.Errorf("err = %v, want ErrNoReservation", err)
	}
}

func TestPostgresReservation_UpdateResolves(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	r := &Reservation{
		ID: "rsv_pgtest2", AccountID: "acct_rsvtest", ActionType: account.ActionLike,
		Status: StatusPending, ReservedAt: now, ExpiresAt: now.Add(5 * time.Minute),
	}
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	resolved := now.Add(time.Minute)
	r.Status = StatusConfirmed
	r.ResolvedAt = &resolved
	if err := store.Update(ctx, r); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.Get(ctx, "rsv_pgtest2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusConfirmed {
		t.Errorf("Status = %s, want confirmed", got.Status)
	}
	if got.ResolvedAt == nil || !got.ResolvedAt.Equal(resolved) {
		t.Errorf("ResolvedAt = %v, want %v", got.ResolvedAt, resolved)
	}

	missing := &Reservation{ID: "rsv_nope", Status: StatusExpired}
	if err := store.Update(ctx, missing); err != ErrNoReservation {
		t.Errorf("update missing: err = %v, want ErrNoReservation", err)
	}
}

func TestPostgresReservation_CountPending(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	live := &Reservation{
		ID: "rsv_pglive", AccountID: "acct_rsvtest", ActionType: account.ActionView,
		Status: StatusPending, ReservedAt: now, ExpiresAt: now.Add(5 * time.Minute),
	}
	stale := &Reservation{
		ID: "rsv_pgstale", AccountID: "acct_rsvtest", ActionType: account.ActionView,
		Status: StatusPending, ReservedAt: now.Add(-10 * time.Minute), ExpiresAt: now.Add(-5 * time.Minute),
	}
	for _, r := range []*Reservation{live, stale} {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	pending, err := store.CountPending(ctx, "acct_rsvtest", now)
	if err != nil {
		t.Fatalf("CountPending failed: %v", err)
	}
	if pending[account.ActionView] != 1 {
		t.Errorf("pending views = %d, want 1 (expired slot excluded)", pending[account.ActionView])
	}
}

func TestPostgresReservation_ListExpired(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	stale := &Reservation{
		ID: "rsv_pgdue", AccountID: "acct_rsvtest", ActionType: account.ActionComment,
		Status: StatusPending, ReservedAt: now.Add(-10 * time.Minute), ExpiresAt: now.Add(-time.Minute),
	}
	if err := store.Create(ctx, stale); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	due, err := store.ListExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpired failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != "rsv_pgdue" {
		t.Errorf("due = %v, want rsv_pgdue", due)
	}
}
