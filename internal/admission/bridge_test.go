package admission

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/cadence/internal/account"
	"github.com/mbd888/cadence/internal/audit"
	"github.com/mbd888/cadence/internal/correlator"
	"github.com/mbd888/cadence/internal/schedule"
)

// Mid-day UTC so the scheduler's sleep window never interferes.
var baseTime = time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC)

type fixture struct {
	bridge       *Bridge
	accounts     *account.MemoryStore
	reservations *MemoryStore
	schedStore   *schedule.MemoryStore
	auditLog     *audit.MemoryStore
	security     *correlator.Correlator
	machine      *account.Machine

	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		accounts:     account.NewMemoryStore(),
		reservations: NewMemoryStore(),
		schedStore:   schedule.NewMemoryStore(),
		auditLog:     audit.NewMemoryStore(),
		now:          baseTime,
	}
	clock := func() time.Time { return f.now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f.machine = account.NewMachine(f.accounts, f.auditLog, logger).WithClock(clock)
	f.security = correlator.New(correlator.NewRegistry(), correlator.DefaultConfig())
	scheduler := schedule.New(f.schedStore, schedule.DefaultConfig(), logger)

	f.bridge = NewBridge(f.accounts, f.reservations, f.machine, scheduler,
		f.security, f.auditLog, nil, logger, DefaultConfig()).WithClock(clock)
	return f
}

func (f *fixture) seedAccount(t *testing.T, id string, state account.State) *account.Account {
	t.Helper()
	acc := &account.Account{
		ID:             id,
		Platform:       "instagram",
		State:          state,
		StateEnteredAt: f.now.Add(-2 * time.Hour),
		CreatedAt:      f.now.Add(-30 * 24 * time.Hour),
	}
	if err := f.accounts.Create(context.Background(), acc); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return acc
}

func (f *fixture) request(t *testing.T, id string, action account.ActionType) *Decision {
	t.Helper()
	d, err := f.bridge.Request(context.Background(), id, action)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return d
}

func TestRequestAdmitsAndReserves(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct_1", account.StateCreated)

	d := f.request(t, "acct_1", account.ActionView)
	if !d.Allowed {
		t.Fatalf("denied: %s %s", d.Reason, d.Message)
	}
	if d.Reason != ReasonAdmitted {
		t.Fatalf("reason = %s", d.Reason)
	}
	if d.Reservation == nil || d.Reservation.Status != StatusPending {
		t.Fatalf("reservation missing or not pending: %+v", d.Reservation)
	}
	if !d.Reservation.ExpiresAt.Equal(f.now.Add(5 * time.Minute)) {
		t.Fatalf("TTL wrong: %s", d.Reservation.ExpiresAt)
	}
}

func TestRequestUnknownAccount(t *testing.T) {
	f := newFixture(t)
	if _, err := f.bridge.Request(context.Background(), "acct_missing", account.ActionView); err != account.ErrAccountNotFound {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}
}

func TestRequestInvalidAction(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct_1", account.StateCreated)
	if _, err := f.bridge.Request(context.Background(), "acct_1", "teleport"); err == nil {
		t.Fatal("unknown action type must error")
	}
}

func TestRequestDeniedStateDisallows(t *testing.T) {
	f := newFixture(t)
	// CREATED permits only views.
	f.seedAccount(t, "acct_1", account.StateCreated)

	d := f.request(t, "acct_1", account.ActionPost)
	if d.Allowed || d.Reason != ReasonStateDisallows {
		t.Fatalf("decision = %+v, want state_disallows_action", d)
	}
}

func TestRequestDeniedRiskLockout(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct_1", account.StateActive)

	am := account.NewMetrics("acct_1")
	am.RiskTotal = 0.85
	if err := f.accounts.SaveMetrics(context.Background(), am); err != nil {
		t.Fatal(err)
	}

	d := f.request(t, "acct_1", account.ActionView)
	if d.Allowed || d.Reason != ReasonRiskLockout {
		t.Fatalf("decision = %+v, want risk_lockout", d)
	}
}

func TestRequestDeniedWhileSameTypeReservationPending(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct_1", account.StateCreated)

	if d := f.request(t, "acct_1", account.ActionView); !d.Allowed {
		t.Fatalf("first request denied: %s", d.Reason)
	}

	d := f.request(t, "acct_1", account.ActionView)
	if d.Allowed || d.Reason != ReasonReservationPending {
		t.Fatalf("decision = %+v, want reservation_pending", d)
	}
}

func TestRequestPendingScopedToActionType(t *testing.T) {
	f := newFixture(t)
	// WARMUP_EARLY permits both views and likes.
	f.seedAccount(t, "acct_1", account.StateWarmupEarly)

	if d := f.request(t, "acct_1", account.ActionView); !d.Allowed {
		t.Fatalf("view request denied: %s %s", d.Reason, d.Message)
	}

	// A pending view holds only the view slot; a like proceeds.
	d := f.request(t, "acct_1", account.ActionLike)
	if !d.Allowed {
		t.Fatalf("like denied while view pending: %s %s", d.Reason, d.Message)
	}

	d = f.request(t, "acct_1", account.ActionView)
	if d.Allowed || d.Reason != ReasonReservationPending {
		t.Fatalf("second view = %+v, want reservation_pending", d)
	}
}

func TestConcurrentRequestsReserveOnce(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct_1", account.StateCreated)

	const callers = 16
	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := f.bridge.Request(context.Background(), "acct_1", account.ActionView)
			if err != nil {
				t.Errorf("request: %v", err)
				return
			}
			if d.Allowed {
				allowed.Add(1)
			} else if d.Reason != ReasonReservationPending {
				t.Errorf("loser denied with %s, want reservation_pending", d.Reason)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 1 {
		t.Fatalf("%d of %d concurrent requests were allowed, want exactly 1", got, callers)
	}
	pending, err := f.reservations.CountPending(context.Background(), "acct_1", f.now)
	if err != nil {
		t.Fatal(err)
	}
	if pending[account.ActionView] != 1 {
		t.Fatalf("pending views = %d, want 1", pending[account.ActionView])
	}
}

func TestRequestDeniedBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct_1", account.StateCreated)

	am := account.NewMetrics("acct_1")
	am.Day = account.DayKey(f.now)
	am.Today[account.ActionView] = 20 // created's full view budget
	if err := f.accounts.SaveMetrics(context.Background(), am); err != nil {
		t.Fatal(err)
	}

	d := f.request(t, "acct_1", account.ActionView)
	if d.Allowed || d.Reason != ReasonBudgetExhausted {
		t.Fatalf("decision = %+v, want budget_exhausted", d)
	}
}

func TestRequestBudgetCorruptionLocksAccount(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct_1", account.StateCreated)

	am := account.NewMetrics("acct_1")
	am.Day = account.DayKey(f.now)
	am.Today[account.ActionView] = 25 // above the state's limit of 20
	if err := f.accounts.SaveMetrics(context.Background(), am); err != nil {
		t.Fatal(err)
	}

	d := f.request(t, "acct_1", account.ActionView)
	if d.Allowed || d.Reason != ReasonBudgetCorruption {
		t.Fatalf("decision = %+v, want budget_corruption", d)
	}

	acc, _ := f.accounts.Get(context.Background(), "acct_1")
	if acc.State != account.StatePaused || !acc.ManualReview {
		t.Fatalf("corrupted account must be locked, got %+v", acc)
	}
}

func TestRequestDeniedTimingNotReached(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct_1", account.StateCreated)

	// The pair just acted, so the drawn gap pushes past now.
	if err := f.schedStore.Save(context.Background(), &schedule.State{
		AccountID:  "acct_1",
		ActionType: account.ActionView,
		LastAction: f.now,
		UpdatedAt:  f.now,
	}); err != nil {
		t.Fatal(err)
	}

	d := f.request(t, "acct_1", account.ActionView)
	if d.Allowed || d.Reason != ReasonTimingNotReached {
		t.Fatalf("decision = %+v, want timing_not_reached", d)
	}
	if d.NextAllowedAt == nil || !d.NextAllowedAt.After(f.now) {
		t.Fatalf("timing denial must carry a future NextAllowedAt, got %v", d.NextAllowedAt)
	}
}

func TestRequestDeniedSecurityCheckFailed(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct_1", account.StateCreated)

	// Crowd eleven accounts onto acct_1's proxy (max 10).
	for i := 0; i < 10; i++ {
		f.security.Registry().Bind(fmt.Sprintf("acct_other_%d", i), "proxy-hot", fmt.Sprintf("fp-%d", i))
	}
	f.security.Registry().Bind("acct_1", "proxy-hot", "fp-own")

	d := f.request(t, "acct_1", account.ActionView)
	if d.Allowed || d.Reason != ReasonSecurityFailed {
		t.Fatalf("decision = %+v, want security_check_failed", d)
	}

	entries, _, err := f.auditLog.Query(context.Background(), audit.Filter{
		AccountID: "acct_1", Kind: audit.KindSecurityViolation,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("security denial must be audited, got %d entries", len(entries))
	}
}

func TestConfirmSuccess(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct_1", account.StateCreated)
	ctx := context.Background()

	d := f.request(t, "acct_1", account.ActionView)
	f.now = f.now.Add(time.Minute)

	r, err := f.bridge.Confirm(ctx, d.Reservation.ID, true, 2)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if r.Status != StatusConfirmed || r.ResolvedAt == nil {
		t.Fatalf("reservation = %+v", r)
	}

	am, err := f.accounts.GetMetrics(ctx, "acct_1")
	if err != nil {
		t.Fatal(err)
	}
	if got := am.ConfirmedToday(account.ActionView, f.now); got != 1 {
		t.Fatalf("ConfirmedToday = %d, want 1", got)
	}
	if am.Engagement != 2 {
		t.Fatalf("Engagement = %d, want 2", am.Engagement)
	}
	if am.UpdatedAt.IsZero() {
		t.Fatal("confirm must rescore and persist metrics")
	}

	// The pacing state now carries the confirmation.
	st, err := f.schedStore.Get(ctx, "acct_1", account.ActionView)
	if err != nil {
		t.Fatal(err)
	}
	if !st.LastAction.Equal(f.now) {
		t.Fatalf("pacing LastAction = %s, want %s", st.LastAction, f.now)
	}

	entries, _, _ := f.auditLog.Query(ctx, audit.Filter{AccountID: "acct_1", Kind: audit.KindActionConfirmed})
	if len(entries) != 1 {
		t.Fatalf("confirmation must be audited, got %d entries", len(entries))
	}
}

func TestConfirmFailureReleasesBudget(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct_1", account.StateCreated)
	ctx := context.Background()

	d := f.request(t, "acct_1", account.ActionView)
	r, err := f.bridge.Confirm(ctx, d.Reservation.ID, false, 0)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if r.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", r.Status)
	}

	am, _ := f.accounts.GetMetrics(ctx, "acct_1")
	if am.FailedAttempts != 1 {
		t.Fatalf("FailedAttempts = %d, want 1", am.FailedAttempts)
	}
	if got := am.ConfirmedToday(account.ActionView, f.now); got != 0 {
		t.Fatalf("failure must not consume budget, ConfirmedToday = %d", got)
	}

	remaining, err := f.bridge.Remaining(ctx, "acct_1")
	if err != nil {
		t.Fatal(err)
	}
	if remaining[account.ActionView] != 20 {
		t.Fatalf("view remaining = %d, want full budget 20", remaining[account.ActionView])
	}
}

func TestConfirmTwiceReturnsAlreadyResolved(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct_1", account.StateCreated)
	ctx := context.Background()

	d := f.request(t, "acct_1", account.ActionView)
	if _, err := f.bridge.Confirm(ctx, d.Reservation.ID, true, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := f.bridge.Confirm(ctx, d.Reservation.ID, true, 0); err != ErrAlreadyResolved {
		t.Fatalf("err = %v, want ErrAlreadyResolved", err)
	}
}

func TestConfirmUnknownReservation(t *testing.T) {
	f := newFixture(t)
	if _, err := f.bridge.Confirm(context.Background(), "rsv_missing", true, 0); err != ErrNoReservation {
		t.Fatalf("err = %v, want ErrNoReservation", err)
	}
}

func TestConfirmAfterTTLExpires(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct_1", account.StateCreated)
	ctx := context.Background()

	d := f.request(t, "acct_1", account.ActionView)
	f.now = f.now.Add(6 * time.Minute) // past the 5 minute TTL

	r, err := f.bridge.Confirm(ctx, d.Reservation.ID, true, 0)
	if err != ErrReservationExpired {
		t.Fatalf("err = %v, want ErrReservationExpired", err)
	}
	if r.Status != StatusExpired {
		t.Fatalf("status = %s, want expired", r.Status)
	}

	am, _ := f.accounts.GetMetrics(ctx, "acct_1")
	if got := am.ConfirmedToday(account.ActionView, f.now); got != 0 {
		t.Fatalf("expired reservation must not consume budget, got %d", got)
	}
	if am.FailedAttempts != 1 {
		t.Fatalf("expiry must count as a failed attempt, got %d", am.FailedAttempts)
	}
}

func TestExpireDueReleasesSlot(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct_1", account.StateCreated)
	ctx := context.Background()

	f.request(t, "acct_1", account.ActionView)
	f.now = f.now.Add(6 * time.Minute)

	n, err := f.bridge.ExpireDue(ctx)
	if err != nil {
		t.Fatalf("expire due: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d, want 1", n)
	}

	entries, _, _ := f.auditLog.Query(ctx, audit.Filter{Kind: audit.KindReservationExpired})
	if len(entries) != 1 {
		t.Fatalf("expiry must be audited, got %d entries", len(entries))
	}

	am, _ := f.accounts.GetMetrics(ctx, "acct_1")
	if am.FailedAttempts != 1 {
		t.Fatalf("expiry must feed behavioral risk, FailedAttempts = %d", am.FailedAttempts)
	}

	// The account can reserve again.
	if d := f.request(t, "acct_1", account.ActionView); !d.Allowed {
		t.Fatalf("request after expiry denied: %s %s", d.Reason, d.Message)
	}
}

func TestExpireDueNothingDue(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct_1", account.StateCreated)

	f.request(t, "acct_1", account.ActionView)

	n, err := f.bridge.ExpireDue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expired %d reservations before their TTL", n)
	}
}

func TestRemainingNetsOutPending(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct_1", account.StateCreated)
	ctx := context.Background()

	remaining, err := f.bridge.Remaining(ctx, "acct_1")
	if err != nil {
		t.Fatal(err)
	}
	if remaining[account.ActionView] != 20 {
		t.Fatalf("fresh remaining = %d, want 20", remaining[account.ActionView])
	}

	d := f.request(t, "acct_1", account.ActionView)
	remaining, _ = f.bridge.Remaining(ctx, "acct_1")
	if remaining[account.ActionView] != 19 {
		t.Fatalf("remaining with pending = %d, want 19", remaining[account.ActionView])
	}

	f.now = f.now.Add(time.Minute)
	if _, err := f.bridge.Confirm(ctx, d.Reservation.ID, true, 0); err != nil {
		t.Fatal(err)
	}
	remaining, _ = f.bridge.Remaining(ctx, "acct_1")
	if remaining[account.ActionView] != 19 {
		t.Fatalf("remaining after confirm = %d, want 19", remaining[account.ActionView])
	}
}

func TestSweepRiskRollsBackOverLimitAccount(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct_risk", account.StateActive)
	ctx := context.Background()

	// Stack correlation, fingerprint, and timing risk: 21 accounts on one
	// proxy, 7 on one fingerprint, and a perfectly mechanical cadence.
	// Weighted total lands above the active-state ceiling of 0.45.
	f.security.Registry().Bind("acct_risk", "proxy-hot", "fp-hot")
	for i := 0; i < 20; i++ {
		f.security.Registry().Bind(fmt.Sprintf("acct_p%d", i), "proxy-hot", "unique-fp")
	}
	for i := 0; i < 6; i++ {
		f.security.Registry().Bind(fmt.Sprintf("acct_f%d", i), "unique-proxy", "fp-hot")
	}
	for i := 0; i < 6; i++ {
		f.security.RecordAction("acct_risk", f.now.Add(time.Duration(i-10)*time.Minute))
	}

	if err := f.bridge.SweepRisk(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	acc, _ := f.accounts.Get(ctx, "acct_risk")
	if acc.State != account.StateSecured {
		t.Fatalf("state = %s, want secured after rollback", acc.State)
	}

	am, _ := f.accounts.GetMetrics(ctx, "acct_risk")
	if am.RiskTotal <= 0.45 {
		t.Fatalf("RiskTotal = %v, expected above the active ceiling", am.RiskTotal)
	}
}

func TestSweepRiskSkipsHealthyAccounts(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct_ok", account.StateActive)

	if err := f.bridge.SweepRisk(context.Background()); err != nil {
		t.Fatal(err)
	}

	acc, _ := f.accounts.Get(context.Background(), "acct_ok")
	if acc.State != account.StateActive {
		t.Fatalf("healthy account moved to %s", acc.State)
	}
}
