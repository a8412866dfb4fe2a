package recon

import (
	"context"
	"log/slog"
	"time"

	"escrowsync/store"
)

// AutoApprover is the slice of the workflow engine the scheduler drives.
type AutoApprover interface {
	AutoApprove(ctx context.Context) (int, error)
}

// SchedulerConfig configures the periodic reconciliation loop.
type SchedulerConfig struct {
	Reconciler *Reconciler
	Store      *store.Store
	Approver   AutoApprover
	// Interval between passes. Defaults to 30 seconds.
	Interval time.Duration
	Logger   *slog.Logger
}

// Scheduler periodically re-syncs every order with unsettled ledger entries
// and triggers deadline-based auto-approval. It is the canonical recovery
// path for transactions whose confirmation wait timed out.
type Scheduler struct {
	reconciler *Reconciler
	store      *store.Store
	approver   AutoApprover
	interval   time.Duration
	logger     *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		reconciler: cfg.Reconciler,
		store:      cfg.Store,
		approver:   cfg.Approver,
		interval:   interval,
		logger:     logger,
	}
}

// Run starts the loop until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if s == nil || s.reconciler == nil || s.store == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	ids, err := s.store.OrdersWithPendingTransactions(ctx)
	if err != nil {
		s.logger.Error("list pending orders", "err", err)
		return
	}
	for _, id := range ids {
		if _, err := s.reconciler.Sync(ctx, id); err != nil {
			s.logger.Warn("scheduled sync failed", "order", id.String(), "err", err)
		}
	}
	if s.approver == nil {
		return
	}
	approved, err := s.approver.AutoApprove(ctx)
	if err != nil {
		s.logger.Error("auto-approve pass", "err", err)
		return
	}
	if approved > 0 {
		autoApprovals.Add(float64(approved))
		s.logger.Info("auto-approved milestones", "count", approved)
	}
}
