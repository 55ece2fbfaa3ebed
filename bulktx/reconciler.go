package bulktx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go-crowdwork/metrics"
	"go-crowdwork/model"
	"go-crowdwork/store"

	"github.com/robfig/cron/v3"
)

// Reconciler periodically reports bulk transactions stuck in INITIALISED,
// which happens when a record was written but its job was never queued or
// was lost.
type Reconciler struct {
	store      store.Bulk
	staleAfter time.Duration
	cron       *cron.Cron
	logger     *slog.Logger
	now        func() time.Time
}

func NewReconciler(s store.Bulk, schedule string, staleAfter time.Duration, logger *slog.Logger) (*Reconciler, error) {
	r := &Reconciler{
		store:      s,
		staleAfter: staleAfter,
		cron:       cron.New(),
		logger:     logger.With("component", "bulk-transaction-reconciler"),
		now:        time.Now,
	}
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start runs the schedule until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("reconciler started")
	r.cron.Start()
	<-ctx.Done()
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
	r.logger.Info("reconciler stopped")
}

func (r *Reconciler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := r.Reconcile(ctx); err != nil {
		r.logger.Error("reconcile failed", "error", err)
	}
}

// Reconcile returns the stale records and exports their count.
func (r *Reconciler) Reconcile(ctx context.Context) ([]model.BulkTransactionRecord, error) {
	cutoff := r.now().Add(-r.staleAfter)
	stale, err := r.store.StaleBulkTransactions(ctx, model.BulkInitialised, cutoff)
	if err != nil {
		return nil, err
	}
	metrics.StaleBulkTransactions.Set(float64(len(stale)))
	for _, rec := range stale {
		r.logger.Warn("bulk transaction still initialised",
			"bulk_id", rec.ID, "user_id", rec.UserID, "created_at", rec.CreatedAt, "age", r.now().Sub(rec.CreatedAt).Round(time.Second))
	}
	return stale, nil
}
