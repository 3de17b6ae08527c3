package account

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/cadence/internal/audit"
)

var testTime = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestMachine(t *testing.T) (*Machine, *MemoryStore, *audit.MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	auditLog := audit.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewMachine(store, auditLog, logger).WithClock(func() time.Time { return testTime })
	return m, store, auditLog
}

func seedAccount(t *testing.T, store *MemoryStore, state State, dwell time.Duration) *Account {
	t.Helper()
	acc := &Account{
		ID:             "acct_test",
		Platform:       "demo",
		State:          state,
		StateEnteredAt: testTime.Add(-dwell),
		CreatedAt:      testTime.Add(-30 * 24 * time.Hour),
		UpdatedAt:      testTime.Add(-dwell),
	}
	if err := store.Create(context.Background(), acc); err != nil {
		t.Fatalf("create: %v", err)
	}
	return acc
}

func lastAudit(t *testing.T, auditLog *audit.MemoryStore, accountID string) *audit.Entry {
	t.Helper()
	entries, _, err := auditLog.Query(context.Background(), audit.Filter{AccountID: accountID, Limit: 1})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no audit entries")
	}
	return entries[0]
}

func TestAdvanceDeniedByDwell(t *testing.T) {
	m, store, _ := newTestMachine(t)
	seedAccount(t, store, StateCreated, time.Hour)

	ok, reason, err := m.Advance(context.Background(), "acct_test")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if ok {
		t.Fatal("advance should be denied before minimum dwell")
	}
	if reason == "" {
		t.Fatal("denial must carry a reason")
	}

	acc, _ := store.Get(context.Background(), "acct_test")
	if acc.State != StateCreated {
		t.Fatalf("state changed on denial: %s", acc.State)
	}
}

func TestAdvanceSucceeds(t *testing.T) {
	// CREATED has no maturity floor, so satisfied dwell is enough.
	m, store, auditLog := newTestMachine(t)
	seedAccount(t, store, StateCreated, 25*time.Hour)

	ok, reason, err := m.Advance(context.Background(), "acct_test")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !ok {
		t.Fatalf("advance denied: %s", reason)
	}

	acc, _ := store.Get(context.Background(), "acct_test")
	if acc.State != StateWarmupEarly {
		t.Fatalf("state = %s, want warmup_early", acc.State)
	}
	if !acc.StateEnteredAt.Equal(testTime) {
		t.Fatal("StateEnteredAt should reset on transition")
	}
	if e := lastAudit(t, auditLog, "acct_test"); e.Kind != audit.KindTransition {
		t.Fatalf("audit kind = %s, want transition", e.Kind)
	}
}

func TestAdvanceDeniedByMaturity(t *testing.T) {
	m, store, _ := newTestMachine(t)
	seedAccount(t, store, StateWarmupEarly, 4*24*time.Hour)

	ok, _, err := m.Advance(context.Background(), "acct_test")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if ok {
		t.Fatal("zero maturity must not clear the warmup_early floor")
	}
}

func TestAdvanceDeniedByRisk(t *testing.T) {
	m, store, _ := newTestMachine(t)
	seedAccount(t, store, StateCreated, 25*time.Hour)

	am := NewMetrics("acct_test")
	am.RiskTotal = 0.95
	if err := store.SaveMetrics(context.Background(), am); err != nil {
		t.Fatalf("save metrics: %v", err)
	}

	ok, reason, err := m.Advance(context.Background(), "acct_test")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if ok {
		t.Fatalf("risk above ceiling must deny, got %q", reason)
	}
}

func TestAdvanceTerminalForwardState(t *testing.T) {
	m, store, _ := newTestMachine(t)
	seedAccount(t, store, StateScaling, 100*24*time.Hour)

	ok, _, err := m.Advance(context.Background(), "acct_test")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if ok {
		t.Fatal("scaling has no forward transition")
	}
}

func TestRollbackMatureStepsBack(t *testing.T) {
	m, store, auditLog := newTestMachine(t)
	seedAccount(t, store, StateActive, 5*24*time.Hour)

	if err := m.Rollback(context.Background(), "acct_test", "risk sweep", false); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	acc, _ := store.Get(context.Background(), "acct_test")
	if acc.State != StateSecured {
		t.Fatalf("state = %s, want secured", acc.State)
	}
	if e := lastAudit(t, auditLog, "acct_test"); e.Kind != audit.KindRiskEvent {
		t.Fatalf("audit kind = %s, want risk_event", e.Kind)
	}
}

func TestRollbackHardDropsToCooldown(t *testing.T) {
	m, store, _ := newTestMachine(t)
	seedAccount(t, store, StateScaling, 5*24*time.Hour)

	if err := m.Rollback(context.Background(), "acct_test", "security violation", true); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	acc, _ := store.Get(context.Background(), "acct_test")
	if acc.State != StateCooldown {
		t.Fatalf("state = %s, want cooldown", acc.State)
	}
}

func TestRollbackWarmupRestartsDwell(t *testing.T) {
	m, store, _ := newTestMachine(t)
	seedAccount(t, store, StateWarmupMid, 3*24*time.Hour)

	if err := m.Rollback(context.Background(), "acct_test", "burst detected", false); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	acc, _ := store.Get(context.Background(), "acct_test")
	if acc.State != StateWarmupMid {
		t.Fatalf("warmup rollback must keep the stage, got %s", acc.State)
	}
	if !acc.StateEnteredAt.Equal(testTime) {
		t.Fatal("warmup rollback must restart the dwell clock")
	}
}

func TestRollbackRetiredIsRecordedNoop(t *testing.T) {
	m, store, auditLog := newTestMachine(t)
	seedAccount(t, store, StateRetired, time.Hour)

	if err := m.Rollback(context.Background(), "acct_test", "late signal", false); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	acc, _ := store.Get(context.Background(), "acct_test")
	if acc.State != StateRetired {
		t.Fatalf("state = %s, want retired", acc.State)
	}
	if e := lastAudit(t, auditLog, "acct_test"); e.Kind != audit.KindRiskEvent {
		t.Fatal("no-op rollback must still be audited")
	}
}

func TestLockPausesAndFlags(t *testing.T) {
	m, store, auditLog := newTestMachine(t)
	seedAccount(t, store, StateActive, time.Hour)

	if err := m.Lock(context.Background(), "acct_test", "budget corruption"); err != nil {
		t.Fatalf("lock: %v", err)
	}

	acc, _ := store.Get(context.Background(), "acct_test")
	if acc.State != StatePaused {
		t.Fatalf("state = %s, want paused", acc.State)
	}
	if !acc.ManualReview {
		t.Fatal("lock must flag manual review")
	}
	if e := lastAudit(t, auditLog, "acct_test"); e.Kind != audit.KindLock {
		t.Fatalf("audit kind = %s, want lock", e.Kind)
	}
}

func TestLockRetiredStaysRetired(t *testing.T) {
	m, store, _ := newTestMachine(t)
	seedAccount(t, store, StateRetired, time.Hour)

	if err := m.Lock(context.Background(), "acct_test", "late signal"); err != nil {
		t.Fatalf("lock: %v", err)
	}

	acc, _ := store.Get(context.Background(), "acct_test")
	if acc.State != StateRetired {
		t.Fatalf("state = %s, want retired", acc.State)
	}
	if !acc.ManualReview {
		t.Fatal("lock must still flag manual review")
	}
}

func TestRetireExpired(t *testing.T) {
	m, store, _ := newTestMachine(t)
	m.WithQuarantine(14 * 24 * time.Hour)

	old := &Account{
		ID:             "acct_old",
		State:          StatePaused,
		StateEnteredAt: testTime.Add(-15 * 24 * time.Hour),
		CreatedAt:      testTime.Add(-60 * 24 * time.Hour),
	}
	fresh := &Account{
		ID:             "acct_fresh",
		State:          StatePaused,
		StateEnteredAt: testTime.Add(-2 * 24 * time.Hour),
		CreatedAt:      testTime.Add(-60 * 24 * time.Hour),
	}
	ctx := context.Background()
	if err := store.Create(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	n, err := m.RetireExpired(ctx)
	if err != nil {
		t.Fatalf("retire expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("retired %d accounts, want 1", n)
	}

	got, _ := store.Get(ctx, "acct_old")
	if got.State != StateRetired {
		t.Fatalf("old paused account = %s, want retired", got.State)
	}
	got, _ = store.Get(ctx, "acct_fresh")
	if got.State != StatePaused {
		t.Fatalf("fresh paused account = %s, want paused", got.State)
	}
}
