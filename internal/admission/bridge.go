package admission

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mbd888/cadence/internal/account"
	"github.com/mbd888/cadence/internal/audit"
	"github.com/mbd888/cadence/internal/correlator"
	"github.com/mbd888/cadence/internal/idgen"
	"github.com/mbd888/cadence/internal/logging"
	"github.com/mbd888/cadence/internal/metrics"
	"github.com/mbd888/cadence/internal/realtime"
	"github.com/mbd888/cadence/internal/schedule"
	"github.com/mbd888/cadence/internal/scoring"
	"github.com/mbd888/cadence/internal/syncutil"
	"github.com/mbd888/cadence/internal/traces"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Deny reason codes. Stable strings: they appear in API responses,
// metrics labels, and the audit log.
const (
	ReasonAdmitted           = "admitted"
	ReasonStateDisallows     = "state_disallows_action"
	ReasonRiskLockout        = "risk_lockout"
	ReasonReservationPending = "reservation_pending"
	ReasonBudgetExhausted    = "budget_exhausted"
	ReasonBudgetCorruption   = "budget_corruption"
	ReasonTimingNotReached   = "timing_not_reached"
	ReasonSecurityFailed     = "security_check_failed"
)

// Decision is the outcome of an admission request.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`

	// Reservation is set only when admitted.
	Reservation *Reservation `json:"reservation,omitempty"`

	// NextAllowedAt is set on timing denials so the caller can retry at
	// the right moment instead of polling.
	NextAllowedAt *time.Time `json:"nextAllowedAt,omitempty"`
}

// Config tunes the bridge.
type Config struct {
	ReservationTTL   time.Duration
	LockoutRiskScore float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ReservationTTL:   5 * time.Minute,
		LockoutRiskScore: 0.8,
	}
}

// Bridge runs the admission check chain and resolves reservations.
// All per-account work happens under a sharded mutex keyed by account ID,
// so the check-then-reserve sequence is atomic with respect to other
// requests for the same account.
type Bridge struct {
	accounts     account.Store
	reservations Store
	machine      *account.Machine
	scheduler    *schedule.Scheduler
	security     *correlator.Correlator
	auditLog     audit.Logger
	hub          *realtime.Hub
	locks        *syncutil.ShardedMutex
	logger       *slog.Logger
	cfg          Config
	now          func() time.Time
}

// NewBridge creates an admission bridge. hub may be nil to disable event
// streaming.
func NewBridge(
	accounts account.Store,
	reservations Store,
	machine *account.Machine,
	scheduler *schedule.Scheduler,
	security *correlator.Correlator,
	auditLog audit.Logger,
	hub *realtime.Hub,
	logger *slog.Logger,
	cfg Config,
) *Bridge {
	return &Bridge{
		accounts:     accounts,
		reservations: reservations,
		machine:      machine,
		scheduler:    scheduler,
		security:     security,
		auditLog:     auditLog,
		hub:          hub,
		locks:        &syncutil.ShardedMutex{},
		logger:       logger,
		cfg:          cfg,
		now:          time.Now,
	}
}

// WithClock overrides the bridge's clock (for tests).
func (b *Bridge) WithClock(now func() time.Time) *Bridge {
	b.now = now
	return b
}

// Request runs the admission chain for one action. A denial is not an
// error; errors are reserved for unknown accounts and storage failures.
//
// Check order: lifecycle allowance, risk lockout, outstanding same-type
// reservation, daily budget, timing, security. The first failure wins and
// later checks do not run.
func (b *Bridge) Request(ctx context.Context, accountID string, action account.ActionType) (*Decision, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("unknown action type %q", action)
	}

	ctx, span := traces.StartSpan(ctx, "admission.Request",
		traces.AccountID(accountID),
		traces.ActionType(string(action)),
	)
	defer span.End()

	unlock := b.locks.Lock(accountID)
	defer unlock()

	acc, err := b.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.LifecycleState(string(acc.State)))
	now := b.now()
	cfg := account.ConfigFor(acc.State)

	limit := cfg.DailyLimit(action)
	if limit <= 0 {
		return b.deny(ctx, acc, action, ReasonStateDisallows,
			fmt.Sprintf("%s is not permitted in state %s", action, acc.State)), nil
	}

	am, err := b.accounts.GetMetrics(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if am.RiskTotal >= b.cfg.LockoutRiskScore {
		return b.deny(ctx, acc, action, ReasonRiskLockout,
			fmt.Sprintf("risk score %.3f at or above lockout %.2f", am.RiskTotal, b.cfg.LockoutRiskScore)), nil
	}

	pending, err := b.reservations.CountPending(ctx, accountID, now)
	if err != nil {
		return nil, err
	}
	if pending[action] > 0 {
		return b.deny(ctx, acc, action, ReasonReservationPending,
			fmt.Sprintf("an unconfirmed %s reservation is outstanding for this account", action)), nil
	}

	confirmed := int(am.ConfirmedToday(action, now))
	remaining := limit - confirmed - pending[action]
	if remaining < 0 {
		// Counters say more actions were confirmed than the state allows.
		// That never happens through this code path, so treat it as
		// corruption and freeze the account for review.
		if err := b.machine.Lock(ctx, accountID, "daily counter exceeds state budget"); err != nil {
			b.logger.Error("failed to lock corrupted account", "account_id", accountID, "error", err)
		}
		return b.deny(ctx, acc, action, ReasonBudgetCorruption,
			"budget counters are inconsistent; account locked for review"), nil
	}
	if remaining == 0 {
		return b.deny(ctx, acc, action, ReasonBudgetExhausted,
			fmt.Sprintf("daily %s budget of %d exhausted", action, limit)), nil
	}

	next, err := b.scheduler.NextAllowedTime(ctx, acc, action, now)
	if err == schedule.ErrActionNotPaced {
		return b.deny(ctx, acc, action, ReasonStateDisallows,
			fmt.Sprintf("%s is not paced in state %s", action, acc.State)), nil
	}
	if err != nil {
		return nil, err
	}
	if next.After(now) {
		d := b.deny(ctx, acc, action, ReasonTimingNotReached,
			fmt.Sprintf("next %s allowed at %s", action, next.UTC().Format(time.RFC3339)))
		d.NextAllowedAt = &next
		return d, nil
	}

	report := b.security.RunFullCheck(accountID, cfg.MaxSessionsPerDay, now)
	if !report.Passed {
		b.appendAudit(ctx, accountID, audit.KindSecurityViolation, map[string]any{
			"action": string(action),
			"failed": report.Failed,
			"tier":   string(report.Tier),
		})
		return b.deny(ctx, acc, action, ReasonSecurityFailed,
			fmt.Sprintf("security checks failed: %v", report.Failed)), nil
	}

	r := &Reservation{
		ID:         idgen.WithPrefix("rsv_"),
		AccountID:  accountID,
		ActionType: action,
		Status:     StatusPending,
		ReservedAt: now,
		ExpiresAt:  now.Add(b.cfg.ReservationTTL),
	}
	if err := b.reservations.Create(ctx, r); err != nil {
		return nil, err
	}

	span.SetAttributes(traces.Decision(true))
	metrics.ReservationsOutstanding.Inc()
	metrics.AdmissionDecisionsTotal.WithLabelValues(string(action), "allowed", ReasonAdmitted).Inc()
	b.publish(realtime.EventDecision, accountID, map[string]any{
		"action":        string(action),
		"allowed":       true,
		"reservationId": r.ID,
	})
	logging.L(ctx).Info("action admitted",
		"account_id", accountID, "action", action, "reservation_id", r.ID)

	return &Decision{Allowed: true, Reason: ReasonAdmitted, Reservation: r}, nil
}

// Confirm resolves a reservation with the action's outcome. Success
// consumes budget and recomputes scores; failure releases the slot and
// counts against behavioral risk. Either way the reservation transitions
// exactly once: a second confirm returns ErrAlreadyResolved.
func (b *Bridge) Confirm(ctx context.Context, reservationID string, success bool, engagement int64) (*Reservation, error) {
	ctx, span := traces.StartSpan(ctx, "admission.Confirm",
		attribute.String("reservation.id", reservationID),
		attribute.Bool("success", success),
	)
	defer span.End()

	r, err := b.reservations.Get(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	unlock := b.locks.Lock(r.AccountID)
	defer unlock()

	// Re-read under the lock; the expiry sweeper may have resolved it.
	r, err = b.reservations.Get(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return r, ErrAlreadyResolved
	}

	now := b.now()
	if now.After(r.ExpiresAt) {
		b.expireLocked(ctx, r, now)
		return r, ErrReservationExpired
	}

	am, err := b.accounts.GetMetrics(ctx, r.AccountID)
	if err != nil {
		return nil, err
	}

	resolved := now
	r.ResolvedAt = &resolved
	if success {
		r.Status = StatusConfirmed
		am.RecordAction(r.ActionType, now)
		am.RecordEngagement("", engagement, now)

		if err := b.scheduler.RecordAction(ctx, r.AccountID, r.ActionType, now); err != nil {
			b.logger.Warn("failed to record pacing", "account_id", r.AccountID, "error", err)
		}
		b.security.RecordAction(r.AccountID, now)
	} else {
		r.Status = StatusFailed
		am.RecordFailure(now)
	}

	if err := b.reservations.Update(ctx, r); err != nil {
		return nil, err
	}
	metrics.ReservationsOutstanding.Dec()

	if err := b.rescore(ctx, r.AccountID, am, now); err != nil {
		b.logger.Error("failed to rescore account", "account_id", r.AccountID, "error", err)
	}

	kind := audit.KindActionConfirmed
	if !success {
		kind = audit.KindActionFailed
	}
	b.appendAudit(ctx, r.AccountID, kind, map[string]any{
		"reservation_id": r.ID,
		"action":         string(r.ActionType),
		"engagement":     engagement,
		"risk":           am.RiskTotal,
		"maturity":       am.Maturity,
	})
	b.publish(realtime.EventDecision, r.AccountID, map[string]any{
		"action":        string(r.ActionType),
		"reservationId": r.ID,
		"status":        string(r.Status),
	})

	if success {
		// Opportunistic advancement: a confirmation may have pushed the
		// account over its state's thresholds. "Not yet" is the common
		// case and not worth logging.
		if _, _, err := b.machine.Advance(ctx, r.AccountID); err != nil {
			b.logger.Warn("opportunistic advance failed", "account_id", r.AccountID, "error", err)
		}
	}

	return r, nil
}

// Remaining reports the account's remaining daily budget per action type,
// net of today's confirmations and outstanding reservations.
func (b *Bridge) Remaining(ctx context.Context, accountID string) (map[account.ActionType]int, error) {
	acc, err := b.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	am, err := b.accounts.GetMetrics(ctx, accountID)
	if err != nil {
		return nil, err
	}
	now := b.now()
	pending, err := b.reservations.CountPending(ctx, accountID, now)
	if err != nil {
		return nil, err
	}

	cfg := account.ConfigFor(acc.State)
	out := make(map[account.ActionType]int, len(cfg.DailyLimits))
	for t, limit := range cfg.DailyLimits {
		remaining := limit - int(am.ConfirmedToday(t, now)) - pending[t]
		if remaining < 0 {
			remaining = 0
		}
		out[t] = remaining
	}
	return out, nil
}

// rescore recomputes the account's risk profile, maturity, and readiness
// and persists the metrics.
func (b *Bridge) rescore(ctx context.Context, accountID string, am *account.ActionMetrics, now time.Time) error {
	acc, err := b.accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}
	cfg := account.ConfigFor(acc.State)
	report := b.security.RunFullCheck(accountID, cfg.MaxSessionsPerDay, now)

	am.Risk = scoring.RiskProfile{
		Shadowban:   scoring.Shadowban(am.TotalPerformed(), am.Engagement),
		Correlation: report.Scores.Correlation,
		Fingerprint: report.Scores.Fingerprint,
		Behavioral:  math.Min(1, am.FailureRate()*2),
		Timing:      report.Scores.Timing,
	}
	am.RiskTotal = am.Risk.Total()
	am.Maturity = account.MaturityFor(acc, am, now)
	am.Readiness = scoring.Readiness(am.Maturity, am.RiskTotal)
	am.UpdatedAt = now

	metrics.RiskScore.Observe(am.RiskTotal)
	return b.accounts.SaveMetrics(ctx, am)
}

// expireLocked resolves a pending reservation as expired. Caller holds the
// account lock. Expiry is a failure outcome: the slot is released without
// consuming budget, and the vanished caller counts against behavioral risk.
func (b *Bridge) expireLocked(ctx context.Context, r *Reservation, now time.Time) {
	resolved := now
	r.Status = StatusExpired
	r.ResolvedAt = &resolved
	if err := b.reservations.Update(ctx, r); err != nil {
		b.logger.Error("failed to expire reservation", "reservation_id", r.ID, "error", err)
		return
	}
	metrics.ReservationsOutstanding.Dec()
	metrics.ReservationsExpiredTotal.Inc()

	if am, err := b.accounts.GetMetrics(ctx, r.AccountID); err != nil {
		b.logger.Error("failed to load metrics for expired reservation",
			"account_id", r.AccountID, "error", err)
	} else {
		am.RecordFailure(now)
		if err := b.rescore(ctx, r.AccountID, am, now); err != nil {
			b.logger.Error("failed to rescore account", "account_id", r.AccountID, "error", err)
		}
	}

	b.appendAudit(ctx, r.AccountID, audit.KindReservationExpired, map[string]any{
		"reservation_id": r.ID,
		"action":         string(r.ActionType),
	})
}

func (b *Bridge) deny(ctx context.Context, acc *account.Account, action account.ActionType, reason, message string) *Decision {
	trace.SpanFromContext(ctx).SetAttributes(
		traces.Decision(false),
		attribute.String("deny.reason", reason),
	)
	metrics.AdmissionDecisionsTotal.WithLabelValues(string(action), "denied", reason).Inc()
	b.publish(realtime.EventDecision, acc.ID, map[string]any{
		"action":  string(action),
		"allowed": false,
		"reason":  reason,
	})
	logging.L(ctx).Debug("action denied",
		"account_id", acc.ID, "action", action, "reason", reason)
	return &Decision{Allowed: false, Reason: reason, Message: message}
}

func (b *Bridge) appendAudit(ctx context.Context, accountID string, kind audit.Kind, payload map[string]any) {
	entry := &audit.Entry{
		AccountID: accountID,
		Kind:      kind,
		Payload:   audit.Payload(payload),
		CreatedAt: b.now(),
	}
	if err := b.auditLog.Append(ctx, entry); err != nil {
		metrics.AuditAppendFailuresTotal.Inc()
		b.logger.Error("audit append failed", "account_id", accountID, "kind", kind, "error", err)
	}
}

func (b *Bridge) publish(t realtime.EventType, accountID string, payload map[string]any) {
	if b.hub == nil {
		return
	}
	b.hub.Publish(realtime.Event{Type: t, AccountID: accountID, Payload: payload, At: b.now()})
}

