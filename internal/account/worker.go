package account

import (
	"context"
	"log/slog"
	"time"
)

// RetireTimer periodically retires PAUSED accounts whose quarantine period
// elapsed without operator review.
type RetireTimer struct {
	machine  *Machine
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewRetireTimer creates a new quarantine sweeper.
func NewRetireTimer(machine *Machine, logger *slog.Logger) *RetireTimer {
	return &RetireTimer{
		machine:  machine,
		interval: 1 * time.Hour,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval (for tests/demo mode).
func (t *RetireTimer) WithInterval(d time.Duration) *RetireTimer {
	t.interval = d
	return t
}

// Start begins the sweep loop. Call in a goroutine.
func (t *RetireTimer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *RetireTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *RetireTimer) sweep(ctx context.Context) {
	count, err := t.machine.RetireExpired(ctx)
	if err != nil {
		t.logger.Warn("quarantine sweep failed", "error", err)
		return
	}
	if count > 0 {
		t.logger.Info("quarantined accounts retired", "count", count)
	}
}
