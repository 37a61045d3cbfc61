package credit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ResetScheduler runs the monthly allowance reset on a cron schedule.
type ResetScheduler struct {
	ledger *Ledger
	cron   *cron.Cron
}

// NewResetScheduler validates schedule (standard five-field cron syntax)
// and registers the reset job. Nothing runs until Run is called.
func NewResetScheduler(ledger *Ledger, schedule string) (*ResetScheduler, error) {
	s := &ResetScheduler{ledger: ledger, cron: cron.New()}
	if _, err := s.cron.AddFunc(schedule, s.resetOnce); err != nil {
		return nil, fmt.Errorf("invalid reset schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits for
// a reset in progress to finish.
func (s *ResetScheduler) Run(ctx context.Context) error {
	s.cron.Start()
	slog.Info("credit reset scheduler started", "next_run", s.cron.Entries()[0].Next)

	<-ctx.Done()
	<-s.cron.Stop().Done()
	slog.Info("credit reset scheduler stopped")
	return nil
}

func (s *ResetScheduler) resetOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	n, err := s.ledger.ResetMonthly(ctx)
	if err != nil {
		slog.Error("monthly credit reset failed", "error", err)
		return
	}
	slog.Info("monthly credit reset completed", "accounts", n)
}
