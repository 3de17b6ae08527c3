package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/cadence/internal/account"
	"github.com/mbd888/cadence/internal/realtime"
)

// ExpireDue resolves all pending reservations whose validity window has
// passed, releasing their budget. Returns how many were expired.
func (b *Bridge) ExpireDue(ctx context.Context) (int, error) {
	due, err := b.reservations.ListExpired(ctx, b.now(), 500)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, r := range due {
		unlock := b.locks.Lock(r.AccountID)

		// Re-read under the lock; a confirm may have raced the sweep.
		fresh, err := b.reservations.Get(ctx, r.ID)
		if err == nil && fresh.Status == StatusPending {
			b.expireLocked(ctx, fresh, b.now())
			expired++
		}
		unlock()
	}
	return expired, nil
}

// SweepRisk recomputes risk for active accounts and rolls back any whose
// aggregate exceeds its state's ceiling. Catches drift between actions:
// correlation risk rises when other accounts join a shared proxy, with no
// action by this account to trigger a rescore.
func (b *Bridge) SweepRisk(ctx context.Context) error {
	accounts, err := b.accounts.List(ctx, 500)
	if err != nil {
		return err
	}

	now := b.now()
	for _, acc := range accounts {
		if acc.State.IsTerminal() || acc.State == account.StatePaused {
			continue
		}

		unlock := b.locks.Lock(acc.ID)
		am, err := b.accounts.GetMetrics(ctx, acc.ID)
		if err != nil {
			unlock()
			b.logger.Warn("risk sweep skipped account", "account_id", acc.ID, "error", err)
			continue
		}
		if err := b.rescore(ctx, acc.ID, am, now); err != nil {
			unlock()
			b.logger.Warn("risk sweep rescore failed", "account_id", acc.ID, "error", err)
			continue
		}

		cfg := account.ConfigFor(acc.State)
		over := am.RiskTotal > cfg.MaxRisk
		unlock()

		if !over {
			continue
		}
		reason := fmt.Sprintf("risk sweep: score %.3f above %s ceiling %.2f", am.RiskTotal, acc.State, cfg.MaxRisk)
		if err := b.machine.Rollback(ctx, acc.ID, reason, false); err != nil {
			b.logger.Error("risk sweep rollback failed", "account_id", acc.ID, "error", err)
			continue
		}
		b.publish(realtime.EventRisk, acc.ID, map[string]any{
			"risk":   am.RiskTotal,
			"state":  string(acc.State),
			"reason": reason,
		})
	}
	return nil
}

// ExpiryTimer periodically expires overdue reservations.
type ExpiryTimer struct {
	bridge   *Bridge
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewExpiryTimer creates the reservation expiry sweeper.
func NewExpiryTimer(bridge *Bridge, logger *slog.Logger) *ExpiryTimer {
	return &ExpiryTimer{
		bridge:   bridge,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval (for tests/demo mode).
func (t *ExpiryTimer) WithInterval(d time.Duration) *ExpiryTimer {
	t.interval = d
	return t
}

// Start begins the sweep loop. Call in a goroutine.
func (t *ExpiryTimer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			count, err := t.bridge.ExpireDue(ctx)
			if err != nil {
				t.logger.Warn("reservation expiry sweep failed", "error", err)
				continue
			}
			if count > 0 {
				t.logger.Info("reservations expired", "count", count)
			}
		}
	}
}

// Stop signals the timer to stop.
func (t *ExpiryTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

// RiskSweepTimer periodically runs the risk sweep.
type RiskSweepTimer struct {
	bridge   *Bridge
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewRiskSweepTimer creates the periodic risk sweeper.
func NewRiskSweepTimer(bridge *Bridge, interval time.Duration, logger *slog.Logger) *RiskSweepTimer {
	return &RiskSweepTimer{
		bridge:   bridge,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (t *RiskSweepTimer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			if err := t.bridge.SweepRisk(ctx); err != nil {
				t.logger.Warn("risk sweep failed", "error", err)
			}
		}
	}
}

// Stop signals the timer to stop.
func (t *RiskSweepTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}
