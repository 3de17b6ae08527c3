package account

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/cadence/internal/audit"
	"github.com/mbd888/cadence/internal/logging"
	"github.com/mbd888/cadence/internal/metrics"
)

// Machine validates and executes lifecycle transitions. It is the only
// writer of Account.State; everything else treats accounts as read-only.
type Machine struct {
	store      Store
	auditLog   audit.Logger
	logger     *slog.Logger
	now        func() time.Time
	quarantine time.Duration
}

// NewMachine creates a lifecycle state machine.
func NewMachine(store Store, auditLog audit.Logger, logger *slog.Logger) *Machine {
	return &Machine{
		store:      store,
		auditLog:   auditLog,
		logger:     logger,
		now:        time.Now,
		quarantine: 14 * 24 * time.Hour,
	}
}

// WithClock overrides the machine's clock (for tests).
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// WithQuarantine overrides the PAUSED auto-retire period.
func (m *Machine) WithQuarantine(d time.Duration) *Machine {
	m.quarantine = d
	return m
}

// Advance attempts a forward transition. A false result is not an error;
// it is the expected "not yet" outcome, with a human-readable reason.
// The returned error is reserved for storage failures.
func (m *Machine) Advance(ctx context.Context, accountID string) (bool, string, error) {
	acc, err := m.store.Get(ctx, accountID)
	if err != nil {
		return false, "", err
	}

	next := NextForward(acc.State)
	if next == "" {
		return false, fmt.Sprintf("no forward transition from %s", acc.State), nil
	}

	now := m.now()
	cfg := ConfigFor(acc.State)

	if dwell := acc.Dwell(now); dwell < cfg.MinDwell {
		return false, fmt.Sprintf("dwell time %s below minimum %s for %s", dwell.Round(time.Minute), cfg.MinDwell, acc.State), nil
	}

	am, err := m.store.GetMetrics(ctx, accountID)
	if err != nil {
		return false, "", err
	}

	if maturity := MaturityFor(acc, am, now); maturity < cfg.MinMaturity {
		return false, fmt.Sprintf("maturity %.3f below minimum %.2f for %s", maturity, cfg.MinMaturity, acc.State), nil
	}
	if am.RiskTotal > cfg.MaxRisk {
		return false, fmt.Sprintf("risk %.3f above maximum %.2f for %s", am.RiskTotal, cfg.MaxRisk, acc.State), nil
	}

	from := acc.State
	acc.State = next
	acc.StateEnteredAt = now
	acc.UpdatedAt = now
	if err := m.store.Update(ctx, acc); err != nil {
		return false, "", err
	}

	metrics.TransitionsTotal.WithLabelValues(string(from), string(next)).Inc()
	m.appendAudit(ctx, accountID, audit.KindTransition, map[string]any{
		"from": string(from),
		"to":   string(next),
	})
	logging.L(ctx).Info("lifecycle advanced", "account_id", accountID, "from", from, "to", next)

	return true, fmt.Sprintf("advanced %s -> %s", from, next), nil
}

// Rollback moves an account one step backward along
// SCALING → ACTIVE → SECURED → COOLDOWN. With hard set, any mature state
// drops directly to COOLDOWN. Rollback is a safety valve: it ignores all
// thresholds and always succeeds for any non-terminal state. Accounts in
// warmup keep their stage but restart its dwell clock.
func (m *Machine) Rollback(ctx context.Context, accountID, reason string, hard bool) error {
	acc, err := m.store.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if acc.State.IsTerminal() || acc.State == StatePaused {
		// Nothing below PAUSED to roll back to; the event is still recorded.
		m.appendAudit(ctx, accountID, audit.KindRiskEvent, map[string]any{
			"reason": reason,
			"state":  string(acc.State),
			"action": "none",
		})
		return nil
	}

	now := m.now()
	from := acc.State

	switch {
	case hard && IsMature(acc.State):
		acc.State = StateCooldown
	case IsMature(acc.State):
		acc.State = PrevMature(acc.State)
	default:
		// CREATED/warmup/COOLDOWN: stay, but restart the dwell clock.
	}
	acc.StateEnteredAt = now
	acc.UpdatedAt = now
	if err := m.store.Update(ctx, acc); err != nil {
		return err
	}

	metrics.RollbacksTotal.Inc()
	m.appendAudit(ctx, accountID, audit.KindRiskEvent, map[string]any{
		"reason": reason,
		"from":   string(from),
		"to":     string(acc.State),
		"hard":   hard,
	})
	logging.L(ctx).Warn("lifecycle rollback", "account_id", accountID, "from", from, "to", acc.State, "reason", reason)

	return nil
}

// Lock forces an account to PAUSED and flags it for manual review.
// Permitted from any state; only an operator can un-pause. A RETIRED
// account stays retired: the lock is recorded but changes nothing.
func (m *Machine) Lock(ctx context.Context, accountID, reason string) error {
	acc, err := m.store.Get(ctx, accountID)
	if err != nil {
		return err
	}

	now := m.now()
	from := acc.State
	if !acc.State.IsTerminal() {
		acc.State = StatePaused
		acc.StateEnteredAt = now
	}
	acc.ManualReview = true
	acc.UpdatedAt = now
	if err := m.store.Update(ctx, acc); err != nil {
		return err
	}

	metrics.LocksTotal.Inc()
	m.appendAudit(ctx, accountID, audit.KindLock, map[string]any{
		"reason": reason,
		"from":   string(from),
	})
	logging.L(ctx).Warn("account locked", "account_id", accountID, "from", from, "reason", reason)

	return nil
}

// RetireExpired retires PAUSED accounts whose quarantine period elapsed
// without operator review. Returns how many were retired.
func (m *Machine) RetireExpired(ctx context.Context) (int, error) {
	paused, err := m.store.ListByState(ctx, StatePaused, 500)
	if err != nil {
		return 0, err
	}

	now := m.now()
	retired := 0
	for _, acc := range paused {
		if now.Sub(acc.StateEnteredAt) < m.quarantine {
			continue
		}
		acc.State = StateRetired
		acc.StateEnteredAt = now
		acc.UpdatedAt = now
		if err := m.store.Update(ctx, acc); err != nil {
			m.logger.Warn("failed to retire account", "account_id", acc.ID, "error", err)
			continue
		}
		metrics.TransitionsTotal.WithLabelValues(string(StatePaused), string(StateRetired)).Inc()
		m.appendAudit(ctx, acc.ID, audit.KindTransition, map[string]any{
			"from":   string(StatePaused),
			"to":     string(StateRetired),
			"reason": "quarantine expired without review",
		})
		retired++
	}
	return retired, nil
}

// appendAudit writes an audit entry. A failed append is surfaced in logs
// and metrics but never blocks or reverses the transition it records.
func (m *Machine) appendAudit(ctx context.Context, accountID string, kind audit.Kind, payload map[string]any) {
	entry := &audit.Entry{
		AccountID: accountID,
		Kind:      kind,
		Payload:   audit.Payload(payload),
		CreatedAt: m.now(),
	}
	if err := m.auditLog.Append(ctx, entry); err != nil {
		metrics.AuditAppendFailuresTotal.Inc()
		m.logger.Error("audit append failed", "account_id", accountID, "kind", kind, "error", err)
	}
}
